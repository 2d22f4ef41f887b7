package domain

import (
	"encoding/json"
	"errors"
)

// ChangePayload wraps a JSON snapshot of an entity before or after a change.
type ChangePayload struct {
	defined bool
	raw     json.RawMessage
}

// NewChangePayload builds a payload wrapper from raw JSON. The bytes are cloned
// so callers cannot mutate shared state.
func NewChangePayload(raw json.RawMessage) ChangePayload {
	payload := ChangePayload{defined: true}
	if raw != nil {
		payload.raw = append(json.RawMessage(nil), raw...)
	}
	return payload
}

// PayloadOf marshals a typed value into a ChangePayload. A nil value yields an
// undefined payload, which is how creates and deletes leave one side empty.
func PayloadOf[T any](value *T) (ChangePayload, error) {
	if value == nil {
		return ChangePayload{}, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return ChangePayload{}, err
	}
	return NewChangePayload(raw), nil
}

// Defined reports whether the payload has been initialized.
func (p ChangePayload) Defined() bool {
	return p.defined
}

// Raw returns a copy of the JSON bytes, or nil when undefined.
func (p ChangePayload) Raw() json.RawMessage {
	if !p.defined || len(p.raw) == 0 {
		return nil
	}
	return append(json.RawMessage(nil), p.raw...)
}

// Decode unmarshals the payload into out.
func (p ChangePayload) Decode(out any) error {
	if !p.defined || len(p.raw) == 0 {
		return errors.New("change payload is undefined")
	}
	return json.Unmarshal(p.raw, out)
}

// MarshalJSON encodes an undefined payload as null.
func (p ChangePayload) MarshalJSON() ([]byte, error) {
	if !p.defined || len(p.raw) == 0 {
		return []byte("null"), nil
	}
	return p.Raw(), nil
}

// UnmarshalJSON treats null as undefined.
func (p *ChangePayload) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*p = ChangePayload{}
		return nil
	}
	*p = NewChangePayload(data)
	return nil
}
