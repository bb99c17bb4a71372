package models

import "time"

// StatsSnapshot is a point-in-time copy of the gateway counters, logged
// periodically and served by the status API.
type StatsSnapshot struct {
	StartTime         time.Time         `json:"start_time"`
	Connected         bool              `json:"connected"`
	MessagesReceived  uint64            `json:"messages_received"`
	MessagesProcessed uint64            `json:"messages_processed"`
	MessagesDiscarded uint64            `json:"messages_discarded"`
	PolicyRejected    uint64            `json:"policy_rejected"`
	PositionsSent     uint64            `json:"positions_sent"`
	PositionsFailed   uint64            `json:"positions_failed"`
	ByKind            map[string]uint64 `json:"by_kind"`
}

// Uptime is the time elapsed since the gateway started.
func (s StatsSnapshot) Uptime() time.Duration {
	return time.Since(s.StartTime)
}
