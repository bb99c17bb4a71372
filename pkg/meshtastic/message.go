package meshtastic

import (
	"encoding/json"
	"fmt"
)

// MessageKind classifies an inbound message from the JSON MQTT stream.
// Unrecognized types map to KindUnknown rather than an error so new firmware
// message types never break the ingest loop.
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindPosition
	KindNodeInfo
	KindTelemetry
	KindTraceroute
)

func (k MessageKind) String() string {
	switch k {
	case KindPosition:
		return "position"
	case KindNodeInfo:
		return "nodeinfo"
	case KindTelemetry:
		return "telemetry"
	case KindTraceroute:
		return "traceroute"
	default:
		return "unknown"
	}
}

func kindFromType(t string) MessageKind {
	switch t {
	case "position":
		return KindPosition
	case "nodeinfo":
		return KindNodeInfo
	case "telemetry":
		return KindTelemetry
	case "traceroute":
		return KindTraceroute
	default:
		return KindUnknown
	}
}

// Envelope carries the fields common to every message on the JSON topic.
// Sender is the gateway node that uplinked the packet and may belong to a
// relay rather than the originating device; device identity must always be
// taken from From.
type Envelope struct {
	Channel   int     `json:"channel"`
	From      NodeID  `json:"from"`
	ID        int64   `json:"id"`
	Sender    string  `json:"sender,omitempty"`
	To        NodeID  `json:"to"`
	Type      string  `json:"type"`
	Timestamp int64   `json:"timestamp"`
	HopsAway  *int    `json:"hops_away,omitempty"`
	RSSI      int     `json:"rssi,omitempty"`
	SNR       float64 `json:"snr,omitempty"`
}

// Position is the payload of a position message. Coordinates arrive as
// fixed-point integers scaled by 1e7.
type Position struct {
	LatitudeI     int32 `json:"latitude_i"`
	LongitudeI    int32 `json:"longitude_i"`
	Altitude      int   `json:"altitude,omitempty"`
	Time          int64 `json:"time,omitempty"`
	PrecisionBits int   `json:"precision_bits,omitempty"`
}

func (p Position) Latitude() float64 {
	return float64(p.LatitudeI) / 1e7
}

func (p Position) Longitude() float64 {
	return float64(p.LongitudeI) / 1e7
}

// HasFix reports whether the position carries real coordinates. Radios
// without a GPS lock publish zeroed values.
func (p Position) HasFix() bool {
	return p.LatitudeI != 0 && p.LongitudeI != 0
}

// NodeInfo is the payload of a nodeinfo message, the device's self-reported
// identity broadcast.
type NodeInfo struct {
	ID        string `json:"id"`
	LongName  string `json:"longname"`
	ShortName string `json:"shortname"`
	Hardware  int    `json:"hardware,omitempty"`
	Role      int    `json:"role,omitempty"`
}

// Telemetry is the payload of a telemetry message. Individual metrics are
// optional depending on the sensor set attached to the radio.
type Telemetry struct {
	BatteryLevel       *float64 `json:"battery_level,omitempty"`
	Voltage            *float64 `json:"voltage,omitempty"`
	ChannelUtilization *float64 `json:"channel_utilization,omitempty"`
	AirUtilTx          *float64 `json:"air_util_tx,omitempty"`
	Temperature        *float64 `json:"temperature,omitempty"`
	RelativeHumidity   *float64 `json:"relative_humidity,omitempty"`
	BarometricPressure *float64 `json:"barometric_pressure,omitempty"`
}

// Traceroute is the payload of a traceroute response listing the nodes a
// packet traversed.
type Traceroute struct {
	Route []NodeID `json:"route"`
}

// Message is a decoded inbound message. Exactly one of the payload pointers
// is set for the known kinds; RawPayload retains the original bytes for
// KindUnknown diagnostics.
type Message struct {
	Envelope
	Kind       MessageKind
	Position   *Position
	NodeInfo   *NodeInfo
	Telemetry  *Telemetry
	Traceroute *Traceroute
	RawPayload json.RawMessage
}

// Decode parses a raw JSON message from the mesh topic. The envelope and the
// kind-specific payload are each decoded exactly once here; downstream
// handlers switch on Kind and never re-inspect the type string.
func Decode(data []byte) (*Message, error) {
	var frame struct {
		Envelope
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("meshtastic: decode envelope: %w", err)
	}
	if frame.From == 0 {
		return nil, fmt.Errorf("meshtastic: message has no sender id")
	}

	msg := &Message{
		Envelope:   frame.Envelope,
		Kind:       kindFromType(frame.Type),
		RawPayload: frame.Payload,
	}
	if msg.Kind == KindUnknown {
		return msg, nil
	}
	if len(frame.Payload) == 0 {
		return nil, fmt.Errorf("meshtastic: %s message has no payload", msg.Kind)
	}

	switch msg.Kind {
	case KindPosition:
		var p Position
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return nil, fmt.Errorf("meshtastic: decode position payload: %w", err)
		}
		msg.Position = &p
	case KindNodeInfo:
		var ni NodeInfo
		if err := json.Unmarshal(frame.Payload, &ni); err != nil {
			return nil, fmt.Errorf("meshtastic: decode nodeinfo payload: %w", err)
		}
		msg.NodeInfo = &ni
	case KindTelemetry:
		var t Telemetry
		if err := json.Unmarshal(frame.Payload, &t); err != nil {
			return nil, fmt.Errorf("meshtastic: decode telemetry payload: %w", err)
		}
		msg.Telemetry = &t
	case KindTraceroute:
		var tr Traceroute
		if err := json.Unmarshal(frame.Payload, &tr); err != nil {
			return nil, fmt.Errorf("meshtastic: decode traceroute payload: %w", err)
		}
		msg.Traceroute = &tr
	}
	return msg, nil
}
