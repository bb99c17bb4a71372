package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T, path, namespace string) *Store {
	t.Helper()
	s, err := Open(path, namespace)
	if err != nil {
		t.Fatalf("Open(%q, %q) returned error: %v", path, namespace, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenInvalidNamespace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.sqlite")
	for _, namespace := range []string{"", "bad-ns", "node ids", "a/b", "drop;table"} {
		if _, err := Open(path, namespace); err == nil {
			t.Errorf("Open with namespace %q expected error, got nil", namespace)
		}
	}
}

func TestOpenUnavailablePath(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("not a directory"), 0o644); err != nil {
		t.Fatalf("writing blocker file: %v", err)
	}

	_, err := Open(filepath.Join(blocker, "sub", "state.sqlite"), "node_ids")
	if err == nil {
		t.Fatal("Open under a regular file expected error, got nil")
	}
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("error %v should wrap ErrStorageUnavailable", err)
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.sqlite")
	s := openTestStore(t, path, "node_ids")

	if err := s.Set("305419896", "!1234abcd"); err != nil {
		t.Fatalf("Set() returned error: %v", err)
	}

	var got string
	found, err := s.Get("305419896", &got)
	if err != nil {
		t.Fatalf("Get() returned error: %v", err)
	}
	if !found {
		t.Fatal("Get() reported key absent after Set()")
	}
	if got != "!1234abcd" {
		t.Errorf("Get() = %q, want %q", got, "!1234abcd")
	}

	found, err = s.Get("999", &got)
	if err != nil {
		t.Fatalf("Get() on missing key returned error: %v", err)
	}
	if found {
		t.Error("Get() on missing key reported present")
	}
}

func TestSetOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.sqlite")
	s := openTestStore(t, path, "callsigns")

	for _, callsign := range []string{"first", "second", "third"} {
		if err := s.Set("!33687da0", callsign); err != nil {
			t.Fatalf("Set(%q) returned error: %v", callsign, err)
		}
	}

	var got string
	if _, err := s.Get("!33687da0", &got); err != nil {
		t.Fatalf("Get() returned error: %v", err)
	}
	if got != "third" {
		t.Errorf("Get() after overwrites = %q, want %q", got, "third")
	}
}

func TestReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.sqlite")

	s, err := Open(path, "node_ids")
	if err != nil {
		t.Fatalf("Open() returned error: %v", err)
	}
	if err := s.Set("862485920", "!33687da0"); err != nil {
		t.Fatalf("Set() returned error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() returned error: %v", err)
	}

	reopened := openTestStore(t, path, "node_ids")
	var got string
	found, err := reopened.Get("862485920", &got)
	if err != nil {
		t.Fatalf("Get() after reopen returned error: %v", err)
	}
	if !found || got != "!33687da0" {
		t.Errorf("Get() after reopen = (%q, %v), want (%q, true)", got, found, "!33687da0")
	}
}

func TestNamespaceIsolation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.sqlite")
	nodeIDs := openTestStore(t, path, "node_ids")
	callsigns := openTestStore(t, path, "callsigns")

	if err := nodeIDs.Set("shared_key", "from_node_ids"); err != nil {
		t.Fatalf("Set() returned error: %v", err)
	}
	if err := callsigns.Set("shared_key", "from_callsigns"); err != nil {
		t.Fatalf("Set() returned error: %v", err)
	}

	var got string
	if _, err := nodeIDs.Get("shared_key", &got); err != nil {
		t.Fatalf("Get() returned error: %v", err)
	}
	if got != "from_node_ids" {
		t.Errorf("node_ids value = %q, want %q", got, "from_node_ids")
	}
	if _, err := callsigns.Get("shared_key", &got); err != nil {
		t.Fatalf("Get() returned error: %v", err)
	}
	if got != "from_callsigns" {
		t.Errorf("callsigns value = %q, want %q", got, "from_callsigns")
	}

	// Closing one namespace must not tear down the shared file.
	if err := nodeIDs.Close(); err != nil {
		t.Fatalf("Close() returned error: %v", err)
	}
	if _, err := callsigns.Get("shared_key", &got); err != nil {
		t.Errorf("Get() after sibling close returned error: %v", err)
	}
}

func TestStructValues(t *testing.T) {
	type record struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	path := filepath.Join(t.TempDir(), "state.sqlite")
	s := openTestStore(t, path, "records")

	want := record{Name: "AMRG3-Heltec", Count: 7}
	if err := s.Set("r1", want); err != nil {
		t.Fatalf("Set() returned error: %v", err)
	}
	var got record
	if _, err := s.Get("r1", &got); err != nil {
		t.Fatalf("Get() returned error: %v", err)
	}
	if got != want {
		t.Errorf("Get() = %+v, want %+v", got, want)
	}
}

func TestSetUnserializableValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.sqlite")
	s := openTestStore(t, path, "node_ids")

	if err := s.Set("bad", make(chan int)); err == nil {
		t.Error("Set() with a channel value expected error, got nil")
	}
}

func TestDeleteAndLen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.sqlite")
	s := openTestStore(t, path, "node_ids")

	for _, key := range []string{"a", "b", "c"} {
		if err := s.Set(key, key); err != nil {
			t.Fatalf("Set(%q) returned error: %v", key, err)
		}
	}
	if n, err := s.Len(); err != nil || n != 3 {
		t.Fatalf("Len() = (%d, %v), want (3, nil)", n, err)
	}
	if err := s.Delete("b"); err != nil {
		t.Fatalf("Delete() returned error: %v", err)
	}
	if err := s.Delete("missing"); err != nil {
		t.Fatalf("Delete() on missing key returned error: %v", err)
	}
	if n, err := s.Len(); err != nil || n != 2 {
		t.Fatalf("Len() after delete = (%d, %v), want (2, nil)", n, err)
	}
}

func TestEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.sqlite")
	s := openTestStore(t, path, "callsigns")

	if err := s.Set("!1234abcd", "TEAM-LEAD"); err != nil {
		t.Fatalf("Set() returned error: %v", err)
	}
	if err := s.Set("!33687da0", "AMRG3-Heltec"); err != nil {
		t.Fatalf("Set() returned error: %v", err)
	}

	entries, err := s.Entries()
	if err != nil {
		t.Fatalf("Entries() returned error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Entries() returned %d entries, want 2", len(entries))
	}
	if string(entries["!1234abcd"]) != `"TEAM-LEAD"` {
		t.Errorf("entry for !1234abcd = %s, want %q", entries["!1234abcd"], `"TEAM-LEAD"`)
	}
}

func TestCloseIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.sqlite")
	s, err := Open(path, "node_ids")
	if err != nil {
		t.Fatalf("Open() returned error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("first Close() returned error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() returned error: %v", err)
	}
}
