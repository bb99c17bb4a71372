package gateway

import (
	"sync/atomic"
	"time"

	"github.com/wpamesh/meshtopo/pkg/meshtastic"
	"github.com/wpamesh/meshtopo/pkg/models"
)

const kindCount = int(meshtastic.KindTraceroute) + 1

// stats holds the bridge counters. All fields are updated atomically so the
// status server can snapshot them while the message loop runs.
type stats struct {
	startTime      time.Time
	connected      atomic.Bool
	received       atomic.Uint64
	processed      atomic.Uint64
	discarded      atomic.Uint64
	policyRejected atomic.Uint64
	sent           atomic.Uint64
	failed         atomic.Uint64
	byKind         [kindCount]atomic.Uint64
}

func newStats() *stats {
	return &stats{startTime: time.Now()}
}

func (s *stats) countKind(k meshtastic.MessageKind) {
	if i := int(k); i >= 0 && i < len(s.byKind) {
		s.byKind[i].Add(1)
	}
}

func (s *stats) snapshot() models.StatsSnapshot {
	byKind := make(map[string]uint64, len(s.byKind))
	for i := range s.byKind {
		if n := s.byKind[i].Load(); n > 0 {
			byKind[meshtastic.MessageKind(i).String()] = n
		}
	}
	return models.StatsSnapshot{
		StartTime:         s.startTime,
		Connected:         s.connected.Load(),
		MessagesReceived:  s.received.Load(),
		MessagesProcessed: s.processed.Load(),
		MessagesDiscarded: s.discarded.Load(),
		PolicyRejected:    s.policyRejected.Load(),
		PositionsSent:     s.sent.Load(),
		PositionsFailed:   s.failed.Load(),
		ByKind:            byKind,
	}
}
