package models

// PositionReport is a resolved position ready for delivery. It is built per
// inbound position message and never persisted.
type PositionReport struct {
	// Callsign is the human-facing device label at the destination.
	Callsign string
	// Latitude in decimal degrees.
	Latitude float64
	// Longitude in decimal degrees.
	Longitude float64
	// Group optionally replaces the globally configured group destination
	// for this report (per-device group override).
	Group string
}

// DestinationKind identifies which configuration field a destination's
// secret came from.
type DestinationKind string

const (
	// DestinationConnectKey is a personal connect-key destination.
	DestinationConnectKey DestinationKind = "connect_key"
	// DestinationGroup is a shared group destination.
	DestinationGroup DestinationKind = "group"
)

// Destination is a delivery endpoint derived once from configuration and
// never mutated afterwards. Secret is the identifier embedded in the request
// path and must never appear in logs.
type Destination struct {
	Kind   DestinationKind
	Secret string
}
