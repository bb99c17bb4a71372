// Package resolver maintains the NumericSenderId → HardwareId → Callsign
// resolution chain. Lookups are served from in-memory caches in front of the
// durable store; resolution never fails — a device with no observed metadata
// degrades to its deterministically derived hardware id.
package resolver

import (
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/wpamesh/meshtopo/pkg/config"
	"github.com/wpamesh/meshtopo/pkg/meshtastic"
	"github.com/wpamesh/meshtopo/pkg/models"
)

const (
	cacheTTL      = time.Hour
	cacheCapacity = 4096
)

// Store is the durable mapping surface the resolver persists through.
// *store.Store satisfies it.
type Store interface {
	Get(key string, dest any) (bool, error)
	Set(key string, value any) error
	Entries() (map[string]json.RawMessage, error)
}

// Resolver owns all identity mapping state. Mutation happens only through
// its methods.
type Resolver struct {
	log       *slog.Logger
	cfg       *config.Configuration
	nodeIDs   Store // NumericSenderId (decimal) -> HardwareId
	callsigns Store // HardwareId -> Callsign
	hwCache   *ttlcache.Cache[meshtastic.NodeID, string]
	csCache   *ttlcache.Cache[string, string]
}

func New(cfg *config.Configuration, nodeIDs, callsigns Store, log *slog.Logger) *Resolver {
	r := &Resolver{
		log:       log,
		cfg:       cfg,
		nodeIDs:   nodeIDs,
		callsigns: callsigns,
		hwCache: ttlcache.New[meshtastic.NodeID, string](
			ttlcache.WithTTL[meshtastic.NodeID, string](cacheTTL),
			ttlcache.WithCapacity[meshtastic.NodeID, string](cacheCapacity),
		),
		csCache: ttlcache.New[string, string](
			ttlcache.WithTTL[string, string](cacheTTL),
			ttlcache.WithCapacity[string, string](cacheCapacity),
		),
	}
	go r.hwCache.Start()
	go r.csCache.Start()
	return r
}

// Close stops the cache eviction loops. The stores are owned and closed by
// the caller.
func (r *Resolver) Close() {
	r.hwCache.Stop()
	r.csCache.Stop()
}

// OnNodeInfo records a device's self-reported identity: the hardware-id
// mapping first, then the callsign chosen by the resolution precedence.
// Fresher metadata simply overwrites earlier values.
func (r *Resolver) OnNodeInfo(numericID meshtastic.NodeID, info *meshtastic.NodeInfo) {
	hardwareID := info.ID
	if !meshtastic.IsHardwareID(hardwareID) {
		// A malformed or absent reported id still yields an identity.
		hardwareID = numericID.String()
	}
	r.setHardwareID(numericID, hardwareID)

	callsign := r.pickCallsign(hardwareID, info.LongName, info.ShortName)
	r.setCallsign(hardwareID, callsign)
	r.log.Info("node identity updated",
		"node", numericID.String(),
		"hardware_id", hardwareID,
		"callsign", callsign)
}

// pickCallsign is the single source of callsign precedence: configured
// override, then long name, then short name, then the hardware id itself.
func (r *Resolver) pickCallsign(hardwareID, longName, shortName string) string {
	if override, ok := r.cfg.CallsignOverride(hardwareID); ok {
		return override
	}
	if longName != "" {
		return longName
	}
	if shortName != "" {
		return shortName
	}
	return hardwareID
}

// ResolveHardwareID returns the hardware id for a numeric sender id: cache,
// then durable store, then deterministic derivation from the id itself. The
// derived value is persisted so derivation happens at most once per id.
// Identity always comes from the envelope's own numeric id — never from the
// envelope's sender field, which can belong to a relay gateway.
func (r *Resolver) ResolveHardwareID(numericID meshtastic.NodeID) string {
	if item := r.hwCache.Get(numericID); item != nil {
		return item.Value()
	}

	var hardwareID string
	found, err := r.nodeIDs.Get(numericID.DecimalString(), &hardwareID)
	if err != nil {
		r.log.Error("hardware id lookup failed", "node", numericID.String(), "error", err)
	}
	if found && meshtastic.IsHardwareID(hardwareID) {
		r.hwCache.Set(numericID, hardwareID, ttlcache.DefaultTTL)
		return hardwareID
	}

	hardwareID = numericID.String()
	r.setHardwareID(numericID, hardwareID)
	r.log.Debug("derived hardware id", "node", numericID.DecimalString(), "hardware_id", hardwareID)
	return hardwareID
}

// ResolveCallsign returns the callsign for a hardware id: configured
// override, then learned mapping, then the hardware id itself. Never empty.
func (r *Resolver) ResolveCallsign(hardwareID string) string {
	if override, ok := r.cfg.CallsignOverride(hardwareID); ok {
		return override
	}
	if item := r.csCache.Get(hardwareID); item != nil {
		return item.Value()
	}

	var callsign string
	found, err := r.callsigns.Get(hardwareID, &callsign)
	if err != nil {
		r.log.Error("callsign lookup failed", "hardware_id", hardwareID, "error", err)
	}
	if found && callsign != "" {
		r.csCache.Set(hardwareID, callsign, ttlcache.DefaultTTL)
		return callsign
	}
	return hardwareID
}

// CallsignFor resolves a numeric sender id all the way to a callsign.
func (r *Resolver) CallsignFor(numericID meshtastic.NodeID) string {
	return r.ResolveCallsign(r.ResolveHardwareID(numericID))
}

// KnownNodes lists every learned hardware-id → callsign mapping, sorted by
// hardware id.
func (r *Resolver) KnownNodes() ([]models.NodeIdentity, error) {
	entries, err := r.callsigns.Entries()
	if err != nil {
		return nil, err
	}
	nodes := make([]models.NodeIdentity, 0, len(entries))
	for hardwareID, raw := range entries {
		var callsign string
		if err := json.Unmarshal(raw, &callsign); err != nil {
			r.log.Warn("skipping undecodable callsign entry", "hardware_id", hardwareID, "error", err)
			continue
		}
		nodes = append(nodes, models.NodeIdentity{HardwareID: hardwareID, Callsign: callsign})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].HardwareID < nodes[j].HardwareID })
	return nodes, nil
}

func (r *Resolver) setHardwareID(numericID meshtastic.NodeID, hardwareID string) {
	r.hwCache.Set(numericID, hardwareID, ttlcache.DefaultTTL)
	if err := r.nodeIDs.Set(numericID.DecimalString(), hardwareID); err != nil {
		r.log.Error("persist hardware id failed", "node", numericID.String(), "error", err)
	}
}

func (r *Resolver) setCallsign(hardwareID, callsign string) {
	r.csCache.Set(hardwareID, callsign, ttlcache.DefaultTTL)
	if err := r.callsigns.Set(hardwareID, callsign); err != nil {
		r.log.Error("persist callsign failed", "hardware_id", hardwareID, "error", err)
	}
}
