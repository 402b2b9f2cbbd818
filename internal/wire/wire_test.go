package wire

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"
)

func mkFrame(typ Type, seq uint32, n int) (Header, []byte) {
	payload := make([]byte, n)
	_, _ = rand.Read(payload)
	return Header{Type: typ, Seq: seq, TimestampMs: 1700000000000, PayloadLen: uint32(n)}, payload
}

func TestWire_RoundTrip(t *testing.T) {
	frames := []struct {
		h Header
		p []byte
	}{}
	for i, n := range []int{0, 16, 1024} {
		h, p := mkFrame(TypeVideoFrame, uint32(i), n)
		frames = append(frames, struct {
			h Header
			p []byte
		}{h, p})
	}

	var buf bytes.Buffer
	for _, f := range frames {
		if err := WriteFrame(&buf, f.h, f.p); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}

	var out []struct {
		h Header
		p []byte
	}
	n, err := ReadN(&buf, 0, func(h Header, p []byte) {
		out = append(out, struct {
			h Header
			p []byte
		}{h, append([]byte(nil), p...)})
	})
	if err != io.EOF {
		t.Fatalf("ReadN terminal err = %v, want io.EOF", err)
	}
	if n != len(frames) {
		t.Fatalf("decoded %d frames, want %d", n, len(frames))
	}
	for i := range frames {
		if out[i].h != frames[i].h {
			t.Fatalf("frame %d header mismatch: got %+v want %+v", i, out[i].h, frames[i].h)
		}
		if !bytes.Equal(out[i].p, frames[i].p) {
			t.Fatalf("frame %d payload mismatch", i)
		}
	}
}

func TestWire_EncodeLengthMatchesHeader(t *testing.T) {
	h, p := mkFrame(TypeHello, 1, 42)
	var buf bytes.Buffer
	if err := WriteFrame(&buf, h, p); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if buf.Len() != HeaderSize+int(h.PayloadLen) {
		t.Fatalf("wire length %d, want %d", buf.Len(), HeaderSize+int(h.PayloadLen))
	}
}

func TestWire_PayloadLenMismatchRejected(t *testing.T) {
	h := Header{Type: TypeHello, PayloadLen: 5}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, h, []byte{1, 2, 3}); err == nil {
		t.Fatalf("expected mismatch error")
	}
}

func TestWire_UnknownTypeRejected(t *testing.T) {
	var buf bytes.Buffer
	h := Header{Type: Type(0x77), PayloadLen: 0}
	var hb [HeaderSize]byte
	EncodeHeader(h, hb[:])
	buf.Write(hb[:])
	if _, _, err := ReadFrame(&buf); err == nil {
		t.Fatalf("expected unknown-type error")
	}
}

func TestWire_PayloadTooLargeRejected(t *testing.T) {
	var buf bytes.Buffer
	h := Header{Type: TypeVideoFrame, PayloadLen: MaxPayloadSize + 1}
	var hb [HeaderSize]byte
	EncodeHeader(h, hb[:])
	buf.Write(hb[:])
	if _, _, err := ReadFrame(&buf); err == nil {
		t.Fatalf("expected payload-too-large error")
	}
}

func TestWire_TruncatedPayloadIsFramingFailure(t *testing.T) {
	var buf bytes.Buffer
	h := Header{Type: TypeVideoFrame, PayloadLen: 10}
	var hb [HeaderSize]byte
	EncodeHeader(h, hb[:])
	buf.Write(hb[:])
	buf.Write([]byte{1, 2, 3}) // short by 7 bytes
	if _, _, err := ReadFrame(&buf); err == nil {
		t.Fatalf("expected truncated-frame error")
	}
}

func TestWire_ArbitraryChunkBoundaries(t *testing.T) {
	var full bytes.Buffer
	const want = 37
	for i := 0; i < want; i++ {
		h, p := mkFrame(TypeInputEvent, uint32(i), i%9)
		if err := WriteFrame(&full, h, p); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	raw := full.Bytes()

	// Feed the reader in uneven chunks via a pipe to simulate arbitrary
	// byte boundaries on a real stream.
	pr, pw := io.Pipe()
	go func() {
		chunk := 3
		for off := 0; off < len(raw); {
			end := off + chunk
			if end > len(raw) {
				end = len(raw)
			}
			_, _ = pw.Write(raw[off:end])
			off = end
			chunk++ // vary chunk size each time
		}
		_ = pw.Close()
	}()

	n, err := ReadN(pr, 0, func(Header, []byte) {})
	if err != io.EOF {
		t.Fatalf("terminal err = %v, want io.EOF", err)
	}
	if n != want {
		t.Fatalf("decoded %d frames across arbitrary chunk boundaries, want %d", n, want)
	}
}
