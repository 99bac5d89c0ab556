// Package protocol defines the binary wire format spoken between the
// dispatcher and its workers: the subscribe handshake, outbound request
// records and inbound result frames.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Kind identifies the payload encoding of a request record.
type Kind byte

const (
	KindNumeric Kind = 0x00
	KindString  Kind = 0x01
	KindList    Kind = 0x02
	KindGeneric Kind = 0x03

	// Control records carry no task, destination or payload. They are
	// exactly one byte on the wire.
	KindForceReconnect Kind = 0xFE
	KindKill           Kind = 0xFF
)

const (
	// The worker handshake opens with one 0xFA byte followed by the
	// 15-byte greeting, 16 bytes total.
	SubscribeByte   = 0xFA
	SubscribeGreet  = "eXMAnHcDl ueTi0"
	SubscribeLen    = 1 + len(SubscribeGreet)
	ReadyByte       = 0xFF
	ResultStartByte = 0x01
	ResultHeaderLen = 9
	MaxListElements = 30
	MaxRecordSize   = 1024
	WriteChunkSize  = 1408
)

// GenericArg is one element of a generic request payload: either a numeric
// value or a string, never both.
type GenericArg struct {
	Kind   Kind
	Number uint32
	Str    string
}

func NumberArg(n uint32) GenericArg { return GenericArg{Kind: KindNumeric, Number: n} }
func StringArg(s string) GenericArg { return GenericArg{Kind: KindString, Str: s} }

// Record is a single dispatcher-to-worker request.
//
// Wire layout:
//
//	[kind:u8][taskID:u32 LE][destLen:u8][dest][0x00][opLen:u8][op][0x00][payload]
//
// The destination and operation length prefixes do not count the 0x00
// terminator that follows each string. Control records (Force_Reconnect,
// Kill) are a bare kind byte.
type Record struct {
	Kind        Kind
	TaskID      uint32
	Destination string
	Operation   string

	Number  uint32       // KindNumeric
	Str     string       // KindString
	List    []uint32     // KindList
	Generic []GenericArg // KindGeneric
}

// Encode renders the record. It fails when the result would exceed
// MaxRecordSize, which bounds the largest request a route may produce.
func (r *Record) Encode() ([]byte, error) {
	if r.Kind == KindForceReconnect || r.Kind == KindKill {
		return []byte{byte(r.Kind)}, nil
	}

	if len(r.Destination) > 255 || len(r.Operation) > 255 {
		return nil, fmt.Errorf("destination or operation too long")
	}

	buf := make([]byte, 0, 64)
	buf = append(buf, byte(r.Kind))
	buf = binary.LittleEndian.AppendUint32(buf, r.TaskID)
	buf = appendWireString(buf, r.Destination)
	buf = appendWireString(buf, r.Operation)

	switch r.Kind {
	case KindNumeric:
		buf = binary.LittleEndian.AppendUint32(buf, r.Number)
	case KindString:
		if len(r.Str) > 255 {
			return nil, fmt.Errorf("string payload too long: %d", len(r.Str))
		}
		buf = append(buf, byte(len(r.Str)))
		buf = append(buf, r.Str...)
	case KindList:
		if len(r.List) > MaxListElements {
			return nil, fmt.Errorf("list payload too long: %d elements", len(r.List))
		}
		buf = append(buf, byte(len(r.List)))
		for _, n := range r.List {
			buf = binary.LittleEndian.AppendUint32(buf, n)
		}
	case KindGeneric:
		if len(r.Generic) > 255 {
			return nil, fmt.Errorf("generic payload too long")
		}
		buf = append(buf, byte(len(r.Generic)))
		for _, arg := range r.Generic {
			buf = append(buf, byte(arg.Kind))
			switch arg.Kind {
			case KindNumeric:
				buf = binary.LittleEndian.AppendUint32(buf, arg.Number)
			case KindString:
				// Generic string elements count their terminator in the
				// length byte, unlike destination/operation.
				if len(arg.Str) > 254 {
					return nil, fmt.Errorf("generic string too long")
				}
				buf = append(buf, byte(len(arg.Str)+1))
				buf = append(buf, arg.Str...)
				buf = append(buf, 0x00)
			default:
				return nil, fmt.Errorf("generic element kind 0x%02X not encodable", byte(arg.Kind))
			}
		}
	default:
		return nil, fmt.Errorf("unknown record kind 0x%02X", byte(r.Kind))
	}

	if len(buf) > MaxRecordSize {
		return nil, fmt.Errorf("record of %d bytes exceeds limit", len(buf))
	}
	return buf, nil
}

func appendWireString(buf []byte, s string) []byte {
	buf = append(buf, byte(len(s)))
	buf = append(buf, s...)
	return append(buf, 0x00)
}

// ReadRecord pulls one request record off a stream, field by field. Control
// records resolve after the single kind byte; everything else is read by its
// declared lengths so record boundaries never depend on read boundaries.
func ReadRecord(r io.Reader) (*Record, error) {
	var kindByte [1]byte
	if _, err := io.ReadFull(r, kindByte[:]); err != nil {
		return nil, err
	}
	kind := Kind(kindByte[0])
	if kind == KindForceReconnect || kind == KindKill {
		return &Record{Kind: kind}, nil
	}

	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, fmt.Errorf("record header: %w", err)
	}
	rec := &Record{Kind: kind, TaskID: binary.LittleEndian.Uint32(head[:])}

	var err error
	if rec.Destination, err = readStreamString(r); err != nil {
		return nil, fmt.Errorf("destination: %w", err)
	}
	if rec.Operation, err = readStreamString(r); err != nil {
		return nil, fmt.Errorf("operation: %w", err)
	}

	switch kind {
	case KindNumeric:
		var raw [4]byte
		if _, err := io.ReadFull(r, raw[:]); err != nil {
			return nil, fmt.Errorf("numeric payload: %w", err)
		}
		rec.Number = binary.LittleEndian.Uint32(raw[:])
	case KindString:
		n, err := readLenByte(r)
		if err != nil {
			return nil, fmt.Errorf("string payload: %w", err)
		}
		raw := make([]byte, n)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("string payload: %w", err)
		}
		rec.Str = string(raw)
	case KindList:
		count, err := readLenByte(r)
		if err != nil {
			return nil, fmt.Errorf("list payload: %w", err)
		}
		raw := make([]byte, 4*count)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("list payload: %w", err)
		}
		rec.List = make([]uint32, count)
		for i := 0; i < count; i++ {
			rec.List[i] = binary.LittleEndian.Uint32(raw[4*i:])
		}
	case KindGeneric:
		count, err := readLenByte(r)
		if err != nil {
			return nil, fmt.Errorf("generic payload: %w", err)
		}
		for i := 0; i < count; i++ {
			tag, err := readLenByte(r)
			if err != nil {
				return nil, fmt.Errorf("generic element: %w", err)
			}
			switch Kind(tag) {
			case KindNumeric:
				var raw [4]byte
				if _, err := io.ReadFull(r, raw[:]); err != nil {
					return nil, fmt.Errorf("generic number: %w", err)
				}
				rec.Generic = append(rec.Generic, NumberArg(binary.LittleEndian.Uint32(raw[:])))
			case KindString:
				n, err := readLenByte(r)
				if err != nil || n == 0 {
					return nil, fmt.Errorf("generic string: bad length")
				}
				raw := make([]byte, n)
				if _, err := io.ReadFull(r, raw); err != nil {
					return nil, fmt.Errorf("generic string: %w", err)
				}
				// Length counts the terminator.
				rec.Generic = append(rec.Generic, StringArg(string(raw[:n-1])))
			default:
				return nil, fmt.Errorf("generic element kind 0x%02X", tag)
			}
		}
	default:
		return nil, fmt.Errorf("unknown record kind 0x%02X", byte(kind))
	}

	return rec, nil
}

func readStreamString(r io.Reader) (string, error) {
	n, err := readLenByte(r)
	if err != nil {
		return "", err
	}
	raw := make([]byte, n+1) // trailing 0x00 terminator
	if _, err := io.ReadFull(r, raw); err != nil {
		return "", err
	}
	return string(raw[:n]), nil
}

func readLenByte(r io.Reader) (int, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int(b[0]), nil
}

// ResultHeader is the fixed prefix of a worker-to-dispatcher result frame:
// [0x01][taskID:u32 LE][size:u32 LE], followed by size payload bytes spread
// over as many socket writes as needed.
type ResultHeader struct {
	TaskID uint32
	Size   uint32
}

func (h ResultHeader) Encode() []byte {
	buf := make([]byte, ResultHeaderLen)
	buf[0] = ResultStartByte
	binary.LittleEndian.PutUint32(buf[1:5], h.TaskID)
	binary.LittleEndian.PutUint32(buf[5:9], h.Size)
	return buf
}

func DecodeResultHeader(data []byte) (ResultHeader, error) {
	if len(data) < ResultHeaderLen {
		return ResultHeader{}, fmt.Errorf("result header needs %d bytes, have %d", ResultHeaderLen, len(data))
	}
	if data[0] != ResultStartByte {
		return ResultHeader{}, fmt.Errorf("unexpected result start byte 0x%02X", data[0])
	}
	return ResultHeader{
		TaskID: binary.LittleEndian.Uint32(data[1:5]),
		Size:   binary.LittleEndian.Uint32(data[5:9]),
	}, nil
}
