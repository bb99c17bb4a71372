package meshtastic

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

// NodeID is the numeric device identifier assigned by Meshtastic firmware.
// It is stable for a radio's uptime but not guaranteed stable across the
// device's lifetime; the canonical string form ("!" followed by eight
// lowercase hex digits) matches the id a device reports in its nodeinfo
// payload.
type NodeID uint32

// BroadcastID is the reserved all-nodes destination address.
const BroadcastID NodeID = 0xffffffff

var hardwareIDRegex = regexp.MustCompile(`^![0-9a-f]{8}$`)

func (n NodeID) String() string {
	return fmt.Sprintf("!%08x", uint32(n))
}

// DecimalString returns the base-10 form used as a durable-store key.
func (n NodeID) DecimalString() string {
	return strconv.FormatUint(uint64(n), 10)
}

// UnmarshalJSON accepts a node id in either form the JSON stream uses: the
// numeric wire form or the canonical "!xxxxxxxx" string. Marshaling uses the
// plain numeric form.
func (n *NodeID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		id, err := ParseNodeID(s)
		if err != nil {
			return err
		}
		*n = id
		return nil
	}
	var v uint32
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("meshtastic: invalid node id %s: %w", data, err)
	}
	*n = NodeID(v)
	return nil
}

// ParseNodeID parses the canonical "!xxxxxxxx" hardware identifier form.
func ParseNodeID(s string) (NodeID, error) {
	if !hardwareIDRegex.MatchString(s) {
		return 0, fmt.Errorf("meshtastic: invalid hardware id %q", s)
	}
	v, err := strconv.ParseUint(s[1:], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("meshtastic: invalid hardware id %q: %w", s, err)
	}
	return NodeID(v), nil
}

// IsHardwareID reports whether s is a canonical "!xxxxxxxx" hardware
// identifier.
func IsHardwareID(s string) bool {
	return hardwareIDRegex.MatchString(s)
}
