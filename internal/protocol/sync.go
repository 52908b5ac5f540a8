package protocol

import (
	"bytes"
	"fmt"
	"strings"
)

// MessageType is the discriminator carried in byte 0 of every frame.
type MessageType byte

const (
	// Yjs sync protocol messages
	MessageSyncStep1 MessageType = 0 // Payload: state vectors the sender already has
	MessageSyncStep2 MessageType = 1 // Payload: updates missing on the receiver
	MessageUpdate    MessageType = 2 // Payload: one incremental update

	// Control messages interpreted by the server
	MessageContentSaved          MessageType = 124 // Server -> client only
	MessageRenameSession         MessageType = 125
	MessagePutInitialContent     MessageType = 126
	MessageRequestInitialContent MessageType = 127
)

func (t MessageType) String() string {
	switch t {
	case MessageSyncStep1:
		return "sync-step-1"
	case MessageSyncStep2:
		return "sync-step-2"
	case MessageUpdate:
		return "update"
	case MessageContentSaved:
		return "content-saved"
	case MessageRenameSession:
		return "rename-session"
	case MessagePutInitialContent:
		return "put-initial-content"
	case MessageRequestInitialContent:
		return "request-initial-content"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// IsSync reports whether t is handled by the sync codec.
func (t MessageType) IsSync() bool {
	return t <= MessageUpdate
}

// IsControl reports whether t is one of the reserved control markers.
func (t MessageType) IsControl() bool {
	return t >= MessageContentSaved && t <= MessageRequestInitialContent
}

// Handshake is the SyncStep1 frame sent to every client right after it
// connects: an empty state vector, asking the client for everything it has.
var Handshake = []byte{0, 0, 1, 0}

// HandshakeFrame returns a private copy of Handshake.
func HandshakeFrame() []byte {
	return bytes.Clone(Handshake)
}

// Message is the decoded view of one inbound frame.
type Message struct {
	Type    MessageType
	Payload []byte
}

// Decode classifies a raw frame. Control frames are returned as-is so the
// caller can dispatch them; anything outside the sync and control ranges is
// rejected.
func Decode(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return Message{}, fmt.Errorf("%w: empty frame", ErrProtocol)
	}
	t := MessageType(frame[0])
	if !t.IsSync() && !t.IsControl() {
		return Message{}, fmt.Errorf("%w: unknown message type %d", ErrProtocol, frame[0])
	}
	return Message{Type: t, Payload: frame[1:]}, nil
}

// Document is the part of a CRDT document the sync codec drives.
type Document interface {
	Apply(update []byte) error
	EncodeUpdate(stateVector []byte) ([]byte, error)
}

// ReadSyncMessage runs one sync message against doc and returns the frames
// that must be sent back to the sender only.
//
// SyncStep1 carries one or more length-prefixed state vectors; each yields a
// SyncStep2 reply with the diff the sender is missing. SyncStep2 carries one
// or more length-prefixed updates. Update carries a single unprefixed update.
func ReadSyncMessage(doc Document, msg Message) ([][]byte, error) {
	switch msg.Type {
	case MessageSyncStep1:
		var replies [][]byte
		for sv, err := range Frames(msg.Payload) {
			if err != nil {
				return nil, err
			}
			diff, err := doc.EncodeUpdate(sv)
			if err != nil {
				return nil, fmt.Errorf("%w: encode update: %v", ErrProtocol, err)
			}
			replies = append(replies, EncodeSyncStep2(diff))
		}
		return replies, nil

	case MessageSyncStep2:
		for update, err := range Frames(msg.Payload) {
			if err != nil {
				return nil, err
			}
			if err := applyUpdate(doc, update); err != nil {
				return nil, err
			}
		}
		return nil, nil

	case MessageUpdate:
		return nil, applyUpdate(doc, msg.Payload)

	default:
		return nil, fmt.Errorf("%w: unknown message type %d", ErrProtocol, byte(msg.Type))
	}
}

func applyUpdate(doc Document, update []byte) error {
	if err := doc.Apply(update); err != nil {
		return fmt.Errorf("%w: caught error while handling an update: %v", ErrProtocol, err)
	}
	return nil
}

// EncodeSyncStep1 builds a SyncStep1 frame carrying one state vector.
func EncodeSyncStep1(stateVector []byte) []byte {
	return AppendFrame([]byte{byte(MessageSyncStep1)}, stateVector)
}

// EncodeSyncStep2 builds a SyncStep2 frame carrying one diff.
func EncodeSyncStep2(diff []byte) []byte {
	return AppendFrame([]byte{byte(MessageSyncStep2)}, diff)
}

// EncodeUpdate builds an Update frame around a single update.
func EncodeUpdate(update []byte) []byte {
	frame := make([]byte, 0, len(update)+1)
	frame = append(frame, byte(MessageUpdate))
	return append(frame, update...)
}

// EncodeControl builds a control frame: the marker followed by payload.
func EncodeControl(t MessageType, payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+1)
	frame = append(frame, byte(t))
	return append(frame, payload...)
}

// Acknowledgements carried by rename-session and content-saved frames.
const (
	AckFailure byte = 0
	AckSuccess byte = 1
)

// EncodeAck builds a two byte acknowledgement frame.
func EncodeAck(t MessageType, ok bool) []byte {
	if ok {
		return []byte{byte(t), AckSuccess}
	}
	return []byte{byte(t), AckFailure}
}

// ParseRename splits a rename-session payload of the form "<from>:<to>".
// Only the first colon separates the two halves, so the target may itself
// contain colons.
func ParseRename(payload []byte) (from, to string, err error) {
	from, to, ok := strings.Cut(string(payload), ":")
	if !ok {
		return "", "", fmt.Errorf("%w: rename payload %q has no separator", ErrProtocol, payload)
	}
	if to == "" {
		return "", "", fmt.Errorf("%w: rename payload %q has an empty target", ErrProtocol, payload)
	}
	return from, to, nil
}
