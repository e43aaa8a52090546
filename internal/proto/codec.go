package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrMalformed is returned for input that is not a JSON envelope.
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownType is returned for a body.type outside the known tags.
	ErrUnknownType = errors.New("unknown message type")
	// ErrMissingField is returned when a required field is absent.
	ErrMissingField = errors.New("missing required field")
)

// Decode parses one wire line into an Envelope.
func Decode(line []byte) (Envelope, error) {
	var raw struct {
		Src  *string         `json:"src"`
		Dest *string         `json:"dest"`
		Body json.RawMessage `json:"body"`
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch {
	case raw.Src == nil:
		return Envelope{}, fmt.Errorf("%w: src", ErrMissingField)
	case raw.Dest == nil:
		return Envelope{}, fmt.Errorf("%w: dest", ErrMissingField)
	case len(raw.Body) == 0:
		return Envelope{}, fmt.Errorf("%w: body", ErrMissingField)
	}

	env := Envelope{Src: *raw.Src, Dest: *raw.Dest}
	if err := env.Body.UnmarshalJSON(raw.Body); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Encode renders env as a single JSON line without the trailing newline.
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// UnmarshalJSON reads the header fields and the flattened payload selected by
// the type tag.
func (b *Body) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("%w: body: %v", ErrMalformed, err)
	}

	var hdr struct {
		MsgID     *uint64 `json:"msg_id"`
		InReplyTo *uint64 `json:"in_reply_to"`
		Type      Type    `json:"type"`
	}
	if err := json.Unmarshal(data, &hdr); err != nil {
		return fmt.Errorf("%w: body header: %v", ErrMalformed, err)
	}
	if hdr.Type == "" {
		return fmt.Errorf("%w: body.type", ErrMissingField)
	}

	entry, ok := registry[hdr.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, hdr.Type)
	}
	for _, name := range entry.required {
		if _, ok := fields[name]; !ok {
			return fmt.Errorf("%w: %s.%s", ErrMissingField, hdr.Type, name)
		}
	}

	payload := entry.new()
	if err := json.Unmarshal(data, payload); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, hdr.Type, err)
	}

	b.MsgID = hdr.MsgID
	b.InReplyTo = hdr.InReplyTo
	b.Payload = payload
	return nil
}

// MarshalJSON flattens the payload fields next to type, msg_id and in_reply_to.
func (b Body) MarshalJSON() ([]byte, error) {
	if b.Payload == nil {
		return nil, errors.New("body has no payload")
	}

	raw, err := json.Marshal(b.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", b.Payload.Type(), err)
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("flatten %s payload: %w", b.Payload.Type(), err)
	}

	fields["type"] = json.RawMessage(strconv.Quote(string(b.Payload.Type())))
	if b.MsgID != nil {
		fields["msg_id"] = json.RawMessage(strconv.FormatUint(*b.MsgID, 10))
	}
	if b.InReplyTo != nil {
		fields["in_reply_to"] = json.RawMessage(strconv.FormatUint(*b.InReplyTo, 10))
	}
	return json.Marshal(fields)
}
