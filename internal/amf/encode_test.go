package amf

import (
	"bytes"
	"testing"
)

func TestFrameHeader(t *testing.T) {
	body := []byte("abc")
	out := Frame(body, 0x14, 0x010203)

	want := []byte{
		0x03,             // full header, channel 3
		0x01, 0x02, 0x03, // timestamp
		0x00, 0x00, 0x03, // size
		0x14,                   // content type
		0x00, 0x00, 0x00, 0x00, // message stream id
		'a', 'b', 'c',
	}
	if !bytes.Equal(out, want) {
		t.Errorf("Expected % X, got % X", want, out)
	}
}

func TestFrameChunksAt128Bytes(t *testing.T) {
	body := make([]byte, 300)
	for i := range body {
		body[i] = byte(i)
	}
	out := Frame(body, 0x11, 0)

	// 12-byte header, two continuation markers for three chunks.
	if len(out) != 12+300+2 {
		t.Fatalf("Expected %d bytes, got %d", 12+300+2, len(out))
	}
	if out[12+128] != 0xC3 {
		t.Errorf("Expected the first continuation marker, got 0x%02X", out[12+128])
	}
	if out[12+128+1+128] != 0xC3 {
		t.Errorf("Expected the second continuation marker, got 0x%02X", out[12+128+1+128])
	}

	// Strip the envelope back off.
	var got []byte
	got = append(got, out[12:12+128]...)
	got = append(got, out[12+129:12+129+128]...)
	got = append(got, out[12+258:]...)
	if !bytes.Equal(got, body) {
		t.Error("Chunking corrupted the body")
	}
}

func TestFrameBodyShorterThanChunk(t *testing.T) {
	out := Frame(make([]byte, 128), 0x11, 0)
	if len(out) != 12+128 {
		t.Errorf("Expected no continuation marker for an exact chunk, got %d bytes", len(out))
	}
}
