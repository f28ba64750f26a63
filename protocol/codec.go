package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMissingType = errors.New("message has no type")

func Encode(c *Container) ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding %s message: %w", c.Type, err)
	}
	return b, nil
}

// Decode parses a serialized Container. A body that is not a JSON object, or that
// lacks a type discriminator, is rejected.
func Decode(b []byte) (*Container, error) {
	var c Container
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("decode error: %w", err)
	}
	if c.Type == "" {
		return nil, fmt.Errorf("decode error: %w", ErrMissingType)
	}
	return &c, nil
}

// NewError builds an error reply carrying the given notes.
func NewError(notes ...string) *Container {
	return &Container{Type: MessageTypeError, Note: notes}
}
