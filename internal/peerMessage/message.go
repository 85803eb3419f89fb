package message

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Bittorrent message ID
type messageID uint8

const (
	// MsgHave alerts the receiver that the sender has downloaded a piece
	MsgHave messageID = 4
	// MsgBitfield encodes which pieces that the sender has downloaded
	MsgBitfield messageID = 5
)

// Message stores ID and payload of a message
type Message struct {
	ID      messageID
	Payload []byte
}

// Serializes a message for Client to send. A nil message is a keep-alive.
func (m *Message) Serialize() []byte {
	if m == nil {
		return make([]byte, 4)
	}

	length := uint32(len(m.Payload) + 1) // +1 for id
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// Parses a message from the stream. Returns nil on keep-alive
func Read(r io.Reader) (*Message, error) {
	lengthBuf := make([]byte, 4)
	_, err := io.ReadFull(r, lengthBuf)
	if err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lengthBuf)
	if length == 0 {
		return nil, nil
	}

	// Read the entire message
	messageBuf := make([]byte, length)
	_, err = io.ReadFull(r, messageBuf)
	if err != nil {
		return nil, err
	}

	return &Message{
		ID:      messageID(messageBuf[0]),
		Payload: messageBuf[1:],
	}, nil
}

// FormatHave announces a freshly verified piece
func FormatHave(pieceIndex int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(pieceIndex))
	return &Message{ID: MsgHave, Payload: payload}
}

// ParseHave parses a HAVE message
func ParseHave(msg *Message) (int, error) {
	if msg.ID != MsgHave {
		return 0, fmt.Errorf("expected HAVE (ID %d), got ID %d", MsgHave, msg.ID)
	}
	if len(msg.Payload) != 4 {
		return 0, fmt.Errorf("expected payload length 4, got length %d", len(msg.Payload))
	}
	index := int(binary.BigEndian.Uint32(msg.Payload))
	return index, nil
}

// FormatBitfield wraps a bitfield into a BITFIELD message
func FormatBitfield(b Bitfield) *Message {
	return &Message{ID: MsgBitfield, Payload: append([]byte(nil), b...)}
}

// ParseBitfield checks the message type and returns its payload as a Bitfield
func ParseBitfield(msg *Message) (Bitfield, error) {
	if msg.ID != MsgBitfield {
		return nil, fmt.Errorf("expected BITFIELD (ID %d), got ID %d", MsgBitfield, msg.ID)
	}
	return Bitfield(msg.Payload), nil
}

func (m *Message) TypeString() string {
	if m == nil {
		return "keep-alive"
	}
	switch m.ID {
	case MsgHave:
		return "have"
	case MsgBitfield:
		return "bitfield"
	default:
		return "unknown"
	}
}
