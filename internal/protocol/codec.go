package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/softkvm/softkvm/internal/ids"
	"github.com/softkvm/softkvm/internal/wire"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: bad cbor enc options: %v", err))
	}
	encMode = em
	dm, err := cbor.DecOptions{MaxArrayElements: 1 << 20, MaxMapPairs: 1 << 16}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: bad cbor dec options: %v", err))
	}
	decMode = dm
}

// wireBody is the CBOR-level shape written as a frame payload: envelope
// fields alongside an opaque inner blob holding the payload-specific
// struct, so a reader can inspect Envelope cheaply before committing to
// decode the (larger, variant-specific) body.
type wireBody struct {
	Envelope Envelope `cbor:"1,keyasint"`
	Body     []byte   `cbor:"2,keyasint"`
}

// Encode serializes payload into a frame-ready (wire.Type, payload bytes,
// Envelope) triple. timestampUS and sessionID are caller-supplied so the
// session layer controls clock and identity; MessageID is generated
// fresh on every call. The envelope's Compressed bit is always written
// as false.
func Encode(payload any, timestampUS uint64, sessionID string) (wire.Type, []byte, Envelope, error) {
	t, err := TypeFor(payload)
	if err != nil {
		return 0, nil, Envelope{}, err
	}
	body, err := encMode.Marshal(payload)
	if err != nil {
		return 0, nil, Envelope{}, fmt.Errorf("protocol: marshal body: %w", err)
	}
	env := Envelope{
		MessageID:   ids.NewMessageId(),
		TimestampUS: timestampUS,
		SessionID:   sessionID,
		Compressed:  false,
	}
	wb := wireBody{Envelope: env, Body: body}
	raw, err := encMode.Marshal(wb)
	if err != nil {
		return 0, nil, Envelope{}, fmt.Errorf("protocol: marshal envelope: %w", err)
	}
	return t, raw, env, nil
}

// Decode parses a frame payload (as produced by Encode) for wire type t,
// returning the envelope and the concrete, type-asserted payload struct
// (always a pointer, matching NewPayload's allocation).
func Decode(t wire.Type, raw []byte) (Envelope, any, error) {
	var wb wireBody
	if err := decMode.Unmarshal(raw, &wb); err != nil {
		return Envelope{}, nil, fmt.Errorf("protocol: unmarshal envelope: %w", err)
	}
	if wb.Envelope.Compressed {
		return Envelope{}, nil, fmt.Errorf("protocol: compressed payload not supported")
	}
	payload, err := NewPayload(t)
	if err != nil {
		return Envelope{}, nil, err
	}
	if len(wb.Body) > 0 {
		if err := decMode.Unmarshal(wb.Body, payload); err != nil {
			return Envelope{}, nil, fmt.Errorf("protocol: unmarshal body: %w", err)
		}
	}
	return wb.Envelope, payload, nil
}
