package protocol

import (
	"testing"

	"github.com/softkvm/softkvm/internal/wire"
)

func TestEncodeDecode_Hello(t *testing.T) {
	in := HelloPayload{
		ProtocolVersion: ProtocolVersion,
		ClientName:      "laptop",
		Capabilities: Capabilities{
			SupportsVideo: true,
			SupportsInput: true,
			Resolutions:   []Resolution{{Width: 1920, Height: 1080}},
			Qualities:     []VideoQuality{{FPS: 30, BitrateMbps: 10, CompressionLevel: 0.8}},
			MaxClients:    1,
		},
	}
	typ, raw, env, err := Encode(in, 1234, "")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if typ != wire.TypeHello {
		t.Fatalf("type = %v, want Hello", typ)
	}
	if env.SessionID != "" {
		t.Fatalf("pre-Welcome message must carry no session id")
	}

	gotEnv, gotPayload, err := Decode(typ, raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if gotEnv.MessageID == "" {
		t.Fatalf("expected a generated message id")
	}
	out, ok := gotPayload.(*HelloPayload)
	if !ok {
		t.Fatalf("payload type = %T, want *HelloPayload", gotPayload)
	}
	if out.ClientName != in.ClientName || out.ProtocolVersion != in.ProtocolVersion {
		t.Fatalf("round trip mismatch: got %+v want %+v", out, in)
	}
	if len(out.Capabilities.Resolutions) != 1 || out.Capabilities.Resolutions[0].Width != 1920 {
		t.Fatalf("capabilities round trip mismatch: %+v", out.Capabilities)
	}
}

func TestEncodeDecode_InputEventVariants(t *testing.T) {
	cases := []InputEventPayload{
		{Kind: InputKindKeyboard, TimestampUS: 1, Keyboard: &KeyboardEvent{Keycode: 65, Pressed: true, Modifiers: 0}},
		{Kind: InputKindMouseMove, TimestampUS: 2, MouseMove: &MouseMoveEvent{X: 10, Y: 20, DX: 1, DY: -1}},
		{Kind: InputKindMouseButton, TimestampUS: 3, MouseButton: &MouseButtonEvent{Button: 1, Pressed: true, X: 5, Y: 5}},
		{Kind: InputKindMouseWheel, TimestampUS: 4, MouseWheel: &MouseWheelEvent{DX: 0, DY: 3}},
	}
	for _, in := range cases {
		typ, raw, _, err := Encode(in, 99, "sess-1")
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		_, payload, err := Decode(typ, raw)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		out := payload.(*InputEventPayload)
		if out.Kind != in.Kind {
			t.Fatalf("kind mismatch: got %v want %v", out.Kind, in.Kind)
		}
	}
}

func TestCompressedPayloadRejected(t *testing.T) {
	typ, raw, sent, err := Encode(HeartbeatPayload{Sequence: 1}, 0, "")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// A legitimately-encoded message carries compressed=false and decodes.
	env, _, err := Decode(typ, raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Compressed {
		t.Fatalf("compressed bit must be false on the wire")
	}

	// An envelope with the compressed bit set must be refused by Decode.
	sent.Compressed = true
	flipped, err := encMode.Marshal(wireBody{Envelope: sent})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, _, err := Decode(typ, flipped); err == nil {
		t.Fatalf("expected Decode to reject a compressed payload")
	}
}

func TestCompareVersions(t *testing.T) {
	if !CompareVersions("1.0.0", "1.0.0") {
		t.Fatalf("identical versions must compare equal")
	}
	if CompareVersions("1.0.0", "1.0.1") {
		t.Fatalf("differing versions must not compare equal")
	}
	if CompareVersions("0.9.0", "1.0.0") {
		t.Fatalf("differing major versions must not compare equal")
	}
}
