package worker

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

const handshakePacketLen = 1536

// handshake performs the RTMPS-style exchange on a freshly opened upstream
// socket. The client sends version 0x03 and a 1536-byte packet of time header
// plus random bytes, echoes the server packet back, and verifies the server
// echoed the client's random bytes in return.
func handshake(rw io.ReadWriter) error {
	c1 := make([]byte, 1+handshakePacketLen)
	c1[0] = 0x03
	binary.BigEndian.PutUint32(c1[1:5], uint32(time.Now().Unix()))
	// c1[5:9] stays zero
	if _, err := rand.Read(c1[9:]); err != nil {
		return fmt.Errorf("handshake random: %w", err)
	}
	if _, err := rw.Write(c1); err != nil {
		return fmt.Errorf("handshake write: %w", err)
	}

	var s0 [1]byte
	if _, err := io.ReadFull(rw, s0[:]); err != nil {
		return fmt.Errorf("handshake read: %w", err)
	}
	if s0[0] != 0x03 {
		return fmt.Errorf("handshake version 0x%02X", s0[0])
	}

	s1 := make([]byte, handshakePacketLen)
	if _, err := io.ReadFull(rw, s1); err != nil {
		return fmt.Errorf("handshake read: %w", err)
	}

	c2 := make([]byte, handshakePacketLen)
	binary.BigEndian.PutUint32(c2[4:8], uint32(time.Now().Unix()))
	copy(c2[8:], s1[8:])
	if _, err := rw.Write(c2); err != nil {
		return fmt.Errorf("handshake write: %w", err)
	}

	s2 := make([]byte, handshakePacketLen)
	if _, err := io.ReadFull(rw, s2); err != nil {
		return fmt.Errorf("handshake read: %w", err)
	}
	if !bytes.Equal(s2[8:], c1[9:]) {
		return fmt.Errorf("handshake echo mismatch")
	}
	return nil
}
