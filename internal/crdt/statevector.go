package crdt

import (
	"fmt"
	"slices"

	"collab-relay/internal/protocol"
)

// ClientID identifies one replica. Every replica numbers its own operations
// with a dense clock starting at zero.
type ClientID uint32

// StateVector maps each replica to the next clock this document expects from
// it, i.e. the number of operations already integrated.
type StateVector map[ClientID]uint64

// Encode writes the vector as a varint entry count followed by
// (client, clock) varint pairs, sorted by client. An empty vector encodes to
// the single byte 0.
func (sv StateVector) Encode() []byte {
	clients := make([]ClientID, 0, len(sv))
	for c := range sv {
		clients = append(clients, c)
	}
	slices.Sort(clients)

	out := protocol.AppendUint(nil, uint64(len(clients)))
	for _, c := range clients {
		out = protocol.AppendUint(out, uint64(c))
		out = protocol.AppendUint(out, sv[c])
	}
	return out
}

// DecodeStateVector parses the output of Encode. A zero-length input is the
// empty vector.
func DecodeStateVector(b []byte) (StateVector, error) {
	sv := StateVector{}
	if len(b) == 0 {
		return sv, nil
	}
	count, pos, err := protocol.DecodeUint(b, 0)
	if err != nil {
		return nil, fmt.Errorf("state vector length: %w", err)
	}
	for i := uint64(0); i < count; i++ {
		var client, clock uint64
		if client, pos, err = protocol.DecodeUint(b, pos); err != nil {
			return nil, fmt.Errorf("state vector entry %d: %w", i, err)
		}
		if clock, pos, err = protocol.DecodeUint(b, pos); err != nil {
			return nil, fmt.Errorf("state vector entry %d: %w", i, err)
		}
		if client > uint64(^ClientID(0)) {
			return nil, fmt.Errorf("state vector entry %d: client %d out of range", i, client)
		}
		sv[ClientID(client)] = clock
	}
	if pos != len(b) {
		return nil, fmt.Errorf("state vector has %d trailing bytes", len(b)-pos)
	}
	return sv, nil
}

// Clone returns an independent copy.
func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for c, k := range sv {
		out[c] = k
	}
	return out
}
