package worker

import (
	"bytes"
	"io"
	"net"
	"strings"
	"testing"
)

// runHandshakeServer plays the upstream side of the exchange on conn, closing
// done when it finishes. When echoClient is false the final packet carries
// garbage instead of the client's random bytes. A non-0x03 version makes the
// client hang up mid-exchange, so write errors are expected on that path.
func runHandshakeServer(t *testing.T, conn net.Conn, version byte, echoClient bool, done chan<- struct{}) {
	t.Helper()
	defer close(done)

	c0c1 := make([]byte, 1+handshakePacketLen)
	if _, err := io.ReadFull(conn, c0c1); err != nil {
		t.Errorf("server read c0+c1: %v", err)
		return
	}
	if c0c1[0] != 0x03 {
		t.Errorf("client version 0x%02X", c0c1[0])
	}

	s1 := make([]byte, handshakePacketLen)
	for i := range s1 {
		s1[i] = byte(i)
	}
	if _, err := conn.Write(append([]byte{version}, s1...)); err != nil {
		if version == 0x03 {
			t.Errorf("server write s0+s1: %v", err)
		}
		return
	}
	if version != 0x03 {
		return
	}

	c2 := make([]byte, handshakePacketLen)
	if _, err := io.ReadFull(conn, c2); err != nil {
		t.Errorf("server read c2: %v", err)
		return
	}
	if !bytes.Equal(c2[8:], s1[8:]) {
		t.Error("client did not echo the server packet")
	}

	s2 := make([]byte, handshakePacketLen)
	if echoClient {
		copy(s2[8:], c0c1[9:])
	}
	if _, err := conn.Write(s2); err != nil {
		t.Errorf("server write s2: %v", err)
	}
}

func TestHandshakeSucceeds(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	done := make(chan struct{})
	go runHandshakeServer(t, server, 0x03, true, done)
	err := handshake(client)
	client.Close()
	<-done
	if err != nil {
		t.Errorf("handshake: %v", err)
	}
}

func TestHandshakeRejectsEchoMismatch(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	done := make(chan struct{})
	go runHandshakeServer(t, server, 0x03, false, done)
	err := handshake(client)
	client.Close()
	<-done
	if err == nil || !strings.Contains(err.Error(), "echo mismatch") {
		t.Errorf("Expected an echo mismatch error, got %v", err)
	}
}

func TestHandshakeRejectsBadVersion(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	done := make(chan struct{})
	go runHandshakeServer(t, server, 0x06, true, done)
	err := handshake(client)
	client.Close()
	<-done
	if err == nil || !strings.Contains(err.Error(), "version") {
		t.Errorf("Expected a version error, got %v", err)
	}
}
