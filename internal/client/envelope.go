package client

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Envelope is the backend's standard response wrapper.
type Envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Errors  json.RawMessage `json:"errors,omitempty"`
}

// Decode unmarshals Data into out. A missing or null Data leaves out untouched.
func (e *Envelope) Decode(out interface{}) error {
	if out == nil || len(e.Data) == 0 || bytes.Equal(e.Data, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(e.Data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

func parseEnvelope(body []byte) (*Envelope, error) {
	env := &Envelope{}
	if len(bytes.TrimSpace(body)) == 0 {
		return env, nil
	}
	if err := json.Unmarshal(body, env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return env, nil
}
