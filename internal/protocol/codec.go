package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MaxMessageSize bounds a single encoded record, newline included.
const MaxMessageSize = 1024 * 1024 // 1MB

// Encode renders m as one newline-terminated JSON record.
func Encode(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return append(data, '\n'), nil
}

// Decode parses one record. owner is attached to the result so replies can be
// routed back to it; it may be nil.
func Decode(record []byte, owner Sender) (*Message, error) {
	record = bytes.TrimSpace(record)
	if len(record) == 0 {
		return nil, fmt.Errorf("%w: empty record", ErrInvalidMessage)
	}
	if len(record) > MaxMessageSize {
		return nil, fmt.Errorf("%w: record of %d bytes exceeds limit", ErrInvalidMessage, len(record))
	}
	if record[0] != '{' {
		return nil, fmt.Errorf("%w: record is not a JSON object", ErrInvalidMessage)
	}

	msg := &Message{}
	if err := json.Unmarshal(record, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	msg.sender = owner
	return msg, nil
}
