package worker

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/teemoapi/teemo/internal/amf"
)

func readerFor(data []byte) *frameReader {
	return newFrameReader(bufio.NewReader(bytes.NewReader(data)))
}

func TestFrameReaderSingleChunk(t *testing.T) {
	body := []byte("short message")
	fr := readerFor(amf.Frame(body, 0x14, 0))

	f, err := fr.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if f.Type != 0x14 {
		t.Errorf("Expected type 0x14, got 0x%02X", f.Type)
	}
	if !bytes.Equal(f.Body, body) {
		t.Errorf("Expected %q, got %q", body, f.Body)
	}
}

func TestFrameReaderReassemblesChunkedBody(t *testing.T) {
	body := make([]byte, 300)
	for i := range body {
		body[i] = byte(i)
	}
	fr := readerFor(amf.Frame(body, 0x11, 0))

	f, err := fr.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if f.Type != 0x11 {
		t.Errorf("Expected type 0x11, got 0x%02X", f.Type)
	}
	if !bytes.Equal(f.Body, body) {
		t.Error("Continuation markers leaked into the body")
	}
}

func TestFrameReaderEightByteHeader(t *testing.T) {
	body := []byte{0xAA, 0xBB, 0xCC}
	data := []byte{
		0x43,             // 8-byte header flavour, channel 3
		0x00, 0x00, 0x00, // timestamp delta
		0x00, 0x00, 0x03, // size
		0x11, // type
	}
	data = append(data, body...)

	f, err := readerFor(data).Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if f.Type != 0x11 || !bytes.Equal(f.Body, body) {
		t.Errorf("Got type 0x%02X body % X", f.Type, f.Body)
	}
}

func TestFrameReaderSkipsOtherFlavours(t *testing.T) {
	// Two bare continuation-flavour bytes, then a real frame.
	data := []byte{0xC3, 0x83}
	data = append(data, amf.Frame([]byte("x"), 0x14, 0)...)

	f, err := readerFor(data).Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if f.Type != 0x14 || string(f.Body) != "x" {
		t.Errorf("Got type 0x%02X body %q", f.Type, f.Body)
	}
}
