// Package store provides the durable key-value storage behind identity
// mappings. All namespaces share a single sqlite file in WAL mode; values are
// always JSON text, never a format capable of reconstructing arbitrary
// objects, so a tampered database file cannot execute code on load.
package store

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// ErrStorageUnavailable indicates the database file could not be created or
// opened. Callers treat this as fatal at startup.
var ErrStorageUnavailable = errors.New("store: storage unavailable")

var namespaceRegex = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	upsertEntry = `INSERT INTO kv_entries (namespace, key, value) VALUES (:namespace, :key, :value)
		ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value`
	selectEntry   = `SELECT value FROM kv_entries WHERE namespace = ? AND key = ?`
	selectEntries = `SELECT key, value FROM kv_entries WHERE namespace = ?`
	deleteEntry   = `DELETE FROM kv_entries WHERE namespace = ? AND key = ?`
	countEntries  = `SELECT COUNT(*) FROM kv_entries WHERE namespace = ?`
)

type kvRow struct {
	Namespace string `db:"namespace"`
	Key       string `db:"key"`
	Value     string `db:"value"`
}

// handle is one open database file, shared by every namespace opened on the
// same path so the file is opened once and closed once per process.
type handle struct {
	db   *sqlx.DB
	refs int
}

var (
	handlesMu sync.Mutex
	handles   = map[string]*handle{}
)

// Store is one named keyspace inside the shared database file.
type Store struct {
	path      string
	namespace string
	db        *sqlx.DB
	closeOnce sync.Once
	closeErr  error
}

// Open opens (creating if absent) the named keyspace in the database file at
// path. Namespace names are restricted to alphanumerics and underscore.
// Failures to create or open the file wrap ErrStorageUnavailable.
func Open(path, namespace string) (*Store, error) {
	if !namespaceRegex.MatchString(namespace) {
		return nil, fmt.Errorf("store: invalid namespace %q", namespace)
	}
	db, err := acquire(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStorageUnavailable, path, err)
	}
	return &Store{path: path, namespace: namespace, db: db}, nil
}

func acquire(path string) (*sqlx.DB, error) {
	handlesMu.Lock()
	defer handlesMu.Unlock()

	if h, ok := handles[path]; ok {
		h.refs++
		return h.db, nil
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sqlx.Connect("sqlite3", dsn(path))
	if err != nil {
		return nil, err
	}
	if err := migrateSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	handles[path] = &handle{db: db, refs: 1}
	return db, nil
}

// dsn configures the connection for a write-ahead log with relaxed (but
// corruption-safe) durability: an OS crash may lose the last few writes, and
// mappings are rederived from the next metadata message.
func dsn(path string) string {
	params := url.Values{}
	params.Set("_journal_mode", "WAL")
	params.Set("_synchronous", "NORMAL")
	params.Set("_busy_timeout", "5000")
	return fmt.Sprintf("file:%s?%s", path, params.Encode())
}

func migrateSchema(db *sqlx.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db.DB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("migration setup: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Get unmarshals the value stored under key into dest. A missing key returns
// (false, nil), never an error.
func (s *Store) Get(key string, dest any) (bool, error) {
	var raw string
	err := s.db.Get(&raw, selectEntry, s.namespace, key)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: get %s/%s: %w", s.namespace, key, err)
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return false, fmt.Errorf("store: decode %s/%s: %w", s.namespace, key, err)
	}
	return true, nil
}

// Set stores value under key, overwriting any previous value. The write is
// committed before Set returns. A value that cannot be represented as JSON
// is a programming fault and surfaces as an error.
func (s *Store) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: encode %s/%s: %w", s.namespace, key, err)
	}
	_, err = s.db.NamedExec(upsertEntry, kvRow{Namespace: s.namespace, Key: key, Value: string(raw)})
	if err != nil {
		return fmt.Errorf("store: set %s/%s: %w", s.namespace, key, err)
	}
	return nil
}

// Delete removes key from the namespace. Deleting a missing key is not an
// error.
func (s *Store) Delete(key string) error {
	if _, err := s.db.Exec(deleteEntry, s.namespace, key); err != nil {
		return fmt.Errorf("store: delete %s/%s: %w", s.namespace, key, err)
	}
	return nil
}

// Len returns the number of keys in the namespace.
func (s *Store) Len() (int, error) {
	var n int
	if err := s.db.Get(&n, countEntries, s.namespace); err != nil {
		return 0, fmt.Errorf("store: count %s: %w", s.namespace, err)
	}
	return n, nil
}

// Entries returns every key in the namespace with its raw JSON value.
func (s *Store) Entries() (map[string]json.RawMessage, error) {
	var rows []kvRow
	if err := s.db.Select(&rows, selectEntries, s.namespace); err != nil {
		return nil, fmt.Errorf("store: list %s: %w", s.namespace, err)
	}
	entries := make(map[string]json.RawMessage, len(rows))
	for _, row := range rows {
		entries[row.Key] = json.RawMessage(row.Value)
	}
	return entries, nil
}

// Close releases this namespace's reference to the shared database file and
// closes the file when the last reference goes away. Idempotent.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = release(s.path)
	})
	return s.closeErr
}

func release(path string) error {
	handlesMu.Lock()
	defer handlesMu.Unlock()

	h, ok := handles[path]
	if !ok {
		return nil
	}
	h.refs--
	if h.refs > 0 {
		return nil
	}
	delete(handles, path)
	return h.db.Close()
}
