package worker

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/teemoapi/teemo/internal/protocol"
)

// resultChunkSize caps a single socket write on the dispatcher link.
const resultChunkSize = 4096

// ErrReconnectRequested is returned by Serve when the dispatcher sends a
// Force_Reconnect control record. The process exits cleanly and the outer
// supervisor launches a fresh worker.
var ErrReconnectRequested = errors.New("dispatcher requested reconnect")

// ErrKilled is returned by Serve on a Kill control record.
var ErrKilled = errors.New("dispatcher killed the worker")

// Link is the worker's connection back to the dispatcher: the subscribe
// handshake, the inbound request record stream and the outbound result
// frames.
type Link struct {
	conn    net.Conn
	r       *bufio.Reader
	writeMu sync.Mutex
	log     zerolog.Logger
}

// DialLink connects to the dispatcher and performs the subscribe greeting,
// returning the credentials the dispatcher leased to this worker.
func DialLink(addr string, log zerolog.Logger) (*Link, string, string, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, "", "", fmt.Errorf("dispatcher dial: %w", err)
	}
	l := &Link{conn: conn, r: bufio.NewReaderSize(conn, 16*1024), log: log}

	greeting := make([]byte, 0, protocol.SubscribeLen)
	greeting = append(greeting, protocol.SubscribeByte)
	greeting = append(greeting, protocol.SubscribeGreet...)
	if _, err := conn.Write(greeting); err != nil {
		conn.Close()
		return nil, "", "", fmt.Errorf("subscribe greeting: %w", err)
	}

	username, err := l.readLenString()
	if err != nil {
		conn.Close()
		return nil, "", "", fmt.Errorf("reading credentials: %w", err)
	}
	password, err := l.readLenString()
	if err != nil {
		conn.Close()
		return nil, "", "", fmt.Errorf("reading credentials: %w", err)
	}
	return l, username, password, nil
}

func (l *Link) readLenString() (string, error) {
	n, err := l.r.ReadByte()
	if err != nil {
		return "", err
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(l.r, raw); err != nil {
		return "", err
	}
	return string(raw), nil
}

// Ready signals the dispatcher that the upstream session is live and this
// worker accepts traffic.
func (l *Link) Ready() error {
	_, err := l.conn.Write([]byte{protocol.ReadyByte})
	return err
}

func (l *Link) Close() {
	l.conn.Close()
}

// Serve reads request records and translates each into an upstream
// invocation on the session. It returns on control records and on I/O
// errors; the caller decides the exit path.
func (l *Link) Serve(s *Session) error {
	go l.forwardResults(s)

	for {
		rec, err := protocol.ReadRecord(l.r)
		if err != nil {
			return fmt.Errorf("reading record: %w", err)
		}

		switch rec.Kind {
		case protocol.KindNumeric:
			err = s.RequestNumber(rec.Destination, rec.Operation, rec.Number, rec.TaskID)
		case protocol.KindString:
			err = s.RequestString(rec.Destination, rec.Operation, rec.Str, rec.TaskID)
		case protocol.KindList:
			err = s.RequestList(rec.Destination, rec.Operation, rec.List, rec.TaskID)
		case protocol.KindGeneric:
			err = s.RequestGeneric(rec.Destination, rec.Operation, rec.Generic, rec.TaskID)
		case protocol.KindForceReconnect:
			return ErrReconnectRequested
		case protocol.KindKill:
			return ErrKilled
		default:
			l.log.Warn().Uint8("kind", byte(rec.Kind)).Msg("Unknown record kind")
			continue
		}
		if err != nil {
			l.log.Warn().Err(err).Uint32("task", rec.TaskID).
				Str("destination", rec.Destination).Str("operation", rec.Operation).
				Msg("Upstream invocation failed")
		}
	}
}

func (l *Link) forwardResults(s *Session) {
	for res := range s.Results() {
		if err := l.SendResult(res.TaskID, res.JSON); err != nil {
			l.log.Warn().Err(err).Uint32("task", res.TaskID).Msg("Result send failed")
			return
		}
	}
}

// SendResult compresses the reply JSON and writes the framed result:
// [0x01][taskID][size] followed by the gzip body, chunked so no single
// write exceeds resultChunkSize.
func (l *Link) SendResult(taskID uint32, jsonData string) error {
	var buf bytes.Buffer
	buf.Write(make([]byte, protocol.ResultHeaderLen))

	zw, err := gzip.NewWriterLevel(&buf, 8)
	if err != nil {
		return err
	}
	if _, err := zw.Write([]byte(jsonData)); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}

	data := buf.Bytes()
	data[0] = protocol.ResultStartByte
	binary.LittleEndian.PutUint32(data[1:5], taskID)
	binary.LittleEndian.PutUint32(data[5:9], uint32(len(data)-protocol.ResultHeaderLen))

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	for len(data) > 0 {
		n := len(data)
		if n > resultChunkSize {
			n = resultChunkSize
		}
		if _, err := l.conn.Write(data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}
