package models

// NodeIdentity is one learned hardware-id to callsign mapping, as exposed by
// the status API.
type NodeIdentity struct {
	HardwareID string `json:"hardware_id"`
	Callsign   string `json:"callsign"`
}
