// Package amf decodes AMF0/AMF3 payloads into JSON and encodes the small
// AMF subset needed to build upstream invocations, including the RTMP chunk
// framing that wraps them.
package amf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// AMF0 markers.
const (
	amf0Number      = 0x00
	amf0Boolean     = 0x01
	amf0String      = 0x02
	amf0TypedObject = 0x03
	amf0Null        = 0x05
	amf0AMF3        = 0x11
)

// AMF3 markers.
const (
	amf3Undefined = 0x00
	amf3Null      = 0x01
	amf3False     = 0x02
	amf3True      = 0x03
	amf3Integer   = 0x04
	amf3Double    = 0x05
	amf3String    = 0x06
	amf3Date      = 0x08
	amf3Array     = 0x09
	amf3Object    = 0x0A
	amf3ByteArray = 0x0C
)

var errUnknownClass = errors.New("amf: unknown externalizable class")

// traits is a decoded AMF3 class definition, held in the per-message traits
// reference table.
type traits struct {
	name           string
	externalizable bool
	dynamic        bool
	members        []string
}

// Decoder consumes one AMF message. The three reference tables are scoped to
// the message: reusing a Decoder across messages would leak references
// between them, so callers build a fresh one per message.
type Decoder struct {
	data []byte
	pos  int

	stringRefs []string
	objectRefs []string
	traitRefs  []*traits
}

func NewDecoder(data []byte) *Decoder {
	return &Decoder{data: data}
}

// Decode reads one AMF0 value and appends its JSON rendering to b.
func (d *Decoder) Decode(b *strings.Builder) error {
	marker, err := d.readByte()
	if err != nil {
		return err
	}

	switch marker {
	case amf0Number:
		v, err := d.readDouble()
		if err != nil {
			return err
		}
		b.WriteString(formatDouble(v))
		return nil
	case amf0Boolean:
		v, err := d.readByte()
		if err != nil {
			return err
		}
		if v == 0 {
			b.WriteString("false")
		} else {
			b.WriteString("true")
		}
		return nil
	case amf0String:
		s, err := d.readUTF8()
		if err != nil {
			return err
		}
		b.WriteByte('"')
		b.WriteString(escapeJSON(s))
		b.WriteByte('"')
		return nil
	case amf0TypedObject:
		return d.readAMF0Object(b)
	case amf0Null:
		b.WriteString("null")
		return nil
	case amf0AMF3:
		return d.DecodeAMF3(b)
	default:
		return fmt.Errorf("amf0: unsupported marker 0x%02X", marker)
	}
}

func (d *Decoder) readAMF0Object(b *strings.Builder) error {
	b.WriteByte('{')
	first := true
	for {
		key, err := d.readUTF8()
		if err != nil {
			return err
		}
		if key == "" {
			break
		}
		if !first {
			b.WriteByte(',')
		}
		first = false
		b.WriteByte('"')
		b.WriteString(key)
		b.WriteString("\":")
		if err := d.Decode(b); err != nil {
			return err
		}
	}
	b.WriteByte('}')
	// Object-end marker trails the empty key.
	_, err := d.readByte()
	return err
}

// DecodeAMF3 reads one AMF3 value and appends its JSON rendering to b.
func (d *Decoder) DecodeAMF3(b *strings.Builder) error {
	marker, err := d.readByte()
	if err != nil {
		return err
	}

	switch marker {
	case amf3Undefined, amf3Null:
		b.WriteString("null")
		return nil
	case amf3False:
		b.WriteString("false")
		return nil
	case amf3True:
		b.WriteString("true")
		return nil
	case amf3Integer:
		v, err := d.readVarint()
		if err != nil {
			return err
		}
		b.WriteString(strconv.Itoa(int(v)))
		return nil
	case amf3Double:
		v, err := d.readDouble()
		if err != nil {
			return err
		}
		b.WriteString(formatDouble(v))
		return nil
	case amf3String:
		s, err := d.readAMF3String()
		if err != nil {
			return err
		}
		b.WriteByte('"')
		b.WriteString(s)
		b.WriteByte('"')
		return nil
	case amf3Date:
		return d.readDate(b)
	case amf3Array:
		return d.readArray(b)
	case amf3Object:
		return d.readObjectValue(b)
	case amf3ByteArray:
		return d.readByteArray(b)
	default:
		return fmt.Errorf("amf3: unsupported marker 0x%02X", marker)
	}
}

// readVarint reads the 1..4 byte 29-bit integer form, sign-extended.
func (d *Decoder) readVarint() (int32, error) {
	b0, err := d.readByte()
	if err != nil {
		return 0, err
	}
	if b0 < 0x80 {
		return int32(b0), nil
	}
	n := uint32(b0&0x7F) << 7

	b1, err := d.readByte()
	if err != nil {
		return 0, err
	}
	if b1 < 0x80 {
		n |= uint32(b1)
	} else {
		n = (n | uint32(b1&0x7F)) << 7
		b2, err := d.readByte()
		if err != nil {
			return 0, err
		}
		if b2 < 0x80 {
			n |= uint32(b2)
		} else {
			n = (n | uint32(b2&0x7F)) << 8
			b3, err := d.readByte()
			if err != nil {
				return 0, err
			}
			n |= uint32(b3)
		}
	}

	const signBit = 1 << 28
	return -int32(n&signBit) | int32(n), nil
}

// readAMF3String returns the JSON-escaped string, resolving and maintaining
// the string reference table.
func (d *Decoder) readAMF3String() (string, error) {
	head, err := d.readVarint()
	if err != nil {
		return "", err
	}
	inline := head&1 != 0
	length := int(head >> 1)

	if !inline {
		if length < 0 || length >= len(d.stringRefs) {
			return "", fmt.Errorf("amf3: string reference %d out of range", length)
		}
		return d.stringRefs[length], nil
	}
	if length == 0 {
		// The empty string is never added to the table.
		return "", nil
	}
	raw, err := d.readBytes(length)
	if err != nil {
		return "", err
	}
	s := escapeJSON(string(raw))
	d.stringRefs = append(d.stringRefs, s)
	return s, nil
}

func (d *Decoder) readDate(b *strings.Builder) error {
	head, err := d.readVarint()
	if err != nil {
		return err
	}
	if head&1 == 0 {
		return d.writeObjectRef(b, int(head>>1))
	}
	// Payload is milliseconds since epoch as a double.
	v, err := d.readDouble()
	if err != nil {
		return err
	}
	s := formatDouble(v)
	d.objectRefs = append(d.objectRefs, s)
	b.WriteString(s)
	return nil
}

func (d *Decoder) readArray(b *strings.Builder) error {
	head, err := d.readVarint()
	if err != nil {
		return err
	}
	if head&1 == 0 {
		return d.writeObjectRef(b, int(head>>1))
	}
	count := int(head >> 1)

	// Reserve the reference slot before recursing so nested values index
	// correctly, then fill it in once the array is rendered.
	slot := len(d.objectRefs)
	d.objectRefs = append(d.objectRefs, "")

	var arr strings.Builder
	arr.WriteByte('[')
	// The associative section terminator precedes the dense elements; the
	// upstream only ever sends it empty.
	if _, err := d.readAMF3String(); err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		if i > 0 {
			arr.WriteByte(',')
		}
		if err := d.DecodeAMF3(&arr); err != nil {
			return err
		}
	}
	arr.WriteByte(']')

	d.objectRefs[slot] = arr.String()
	b.WriteString(arr.String())
	return nil
}

func (d *Decoder) readByteArray(b *strings.Builder) error {
	head, err := d.readVarint()
	if err != nil {
		return err
	}
	if head&1 == 0 {
		return d.writeObjectRef(b, int(head>>1))
	}
	// Consumed but not rendered; the slot still has to exist so later
	// references stay aligned.
	if _, err := d.readBytes(int(head >> 1)); err != nil {
		return err
	}
	d.objectRefs = append(d.objectRefs, "")
	return nil
}

// readObjectValue decodes an 0x0A object, mapping an unknown externalizable
// class to a JSON null so the surrounding document still closes.
func (d *Decoder) readObjectValue(b *strings.Builder) error {
	if err := d.readObject(b); err != nil {
		if errors.Is(err, errUnknownClass) {
			b.WriteString("null")
			return nil
		}
		return err
	}
	return nil
}

func (d *Decoder) readObject(b *strings.Builder) error {
	head, err := d.readVarint()
	if err != nil {
		return err
	}
	if head&1 == 0 {
		return d.writeObjectRef(b, int(head>>1))
	}
	head >>= 1

	var tr *traits
	if head&1 == 0 {
		// Traits reference.
		idx := int(head >> 1)
		if idx < 0 || idx >= len(d.traitRefs) {
			return fmt.Errorf("amf3: traits reference %d out of range", idx)
		}
		tr = d.traitRefs[idx]
	} else {
		head >>= 1
		tr = &traits{externalizable: head&1 != 0}
		head >>= 1
		tr.dynamic = head&1 != 0
		head >>= 1
		memberCount := int(head)

		if tr.name, err = d.readAMF3String(); err != nil {
			return err
		}
		for i := 0; i < memberCount; i++ {
			m, err := d.readAMF3String()
			if err != nil {
				return err
			}
			tr.members = append(tr.members, m)
		}
		d.traitRefs = append(d.traitRefs, tr)
	}

	slot := len(d.objectRefs)
	d.objectRefs = append(d.objectRefs, "")

	var obj strings.Builder
	obj.WriteByte('{')

	if tr.externalizable {
		switch tr.name {
		case "DSK":
			if err := d.readDSK(&obj); err != nil {
				return err
			}
		case "DSA":
			if err := d.readDSA(&obj); err != nil {
				return err
			}
		case "flex.messaging.io.ArrayCollection":
			obj.WriteString("\"array\":")
			if err := d.DecodeAMF3(&obj); err != nil {
				return err
			}
		case "com.riotgames.platform.systemstate.ClientSystemStatesNotification",
			"com.riotgames.platform.broadcast.BroadcastNotification":
			// These carry a u32-BE length followed by raw JSON text.
			if err := d.readRawJSON(&obj); err != nil {
				return err
			}
		default:
			return errUnknownClass
		}
	} else {
		for i, m := range tr.members {
			if i > 0 {
				obj.WriteByte(',')
			}
			obj.WriteByte('"')
			obj.WriteString(m)
			obj.WriteString("\":")
			if err := d.DecodeAMF3(&obj); err != nil {
				return err
			}
		}
		if tr.dynamic {
			first := len(tr.members) == 0
			for {
				key, err := d.readAMF3String()
				if err != nil {
					return err
				}
				if key == "" {
					break
				}
				if !first {
					obj.WriteByte(',')
				}
				first = false
				obj.WriteByte('"')
				obj.WriteString(key)
				obj.WriteString("\":")
				if err := d.DecodeAMF3(&obj); err != nil {
					return err
				}
			}
		}
	}

	obj.WriteByte('}')
	d.objectRefs[slot] = obj.String()
	b.WriteString(obj.String())
	return nil
}

func (d *Decoder) readRawJSON(b *strings.Builder) error {
	raw, err := d.readBytes(4)
	if err != nil {
		return err
	}
	size := int(binary.BigEndian.Uint32(raw))
	body, err := d.readBytes(size)
	if err != nil {
		return err
	}
	b.WriteString("\"body\":")
	b.Write(body)
	return nil
}

// readFlags consumes the continuation-flagged byte sequence that prefixes
// DSA/DSK sections: the MSB of each byte announces another flag byte.
func (d *Decoder) readFlags() ([]byte, error) {
	var flags []byte
	for {
		f, err := d.readByte()
		if err != nil {
			return nil, err
		}
		flags = append(flags, f)
		if f&0x80 == 0 {
			return flags, nil
		}
	}
}

// readDSA decodes the AsyncMessage externalizable layout. clientId,
// messageId and correlationId are consumed but never emitted.
func (d *Decoder) readDSA(b *strings.Builder) error {
	flags, err := d.readFlags()
	if err != nil {
		return err
	}

	var discard strings.Builder
	first := true
	emit := func(key string) *strings.Builder {
		if !first {
			b.WriteByte(',')
		}
		first = false
		b.WriteByte('"')
		b.WriteString(key)
		b.WriteString("\":")
		return b
	}

	// The body key is always present so consumers can rely on it; a clear
	// flag renders it null.
	f := flags[0]
	if f&0x01 != 0 {
		if err := d.DecodeAMF3(emit("body")); err != nil {
			return err
		}
	} else {
		emit("body").WriteString("null")
	}
	if f&0x02 != 0 { // clientId
		if err := d.DecodeAMF3(&discard); err != nil {
			return err
		}
	}
	if f&0x04 != 0 {
		if err := d.DecodeAMF3(emit("destination")); err != nil {
			return err
		}
	}
	if f&0x08 != 0 {
		if err := d.DecodeAMF3(emit("headers")); err != nil {
			return err
		}
	}
	if f&0x10 != 0 { // messageId
		if err := d.DecodeAMF3(&discard); err != nil {
			return err
		}
	}
	if f&0x20 != 0 {
		if err := d.DecodeAMF3(emit("timeStamp")); err != nil {
			return err
		}
	}
	if f&0x40 != 0 {
		if err := d.DecodeAMF3(emit("timeToLive")); err != nil {
			return err
		}
	}
	if err := d.readRemaining(f, 7); err != nil {
		return err
	}

	if len(flags) > 1 {
		f = flags[1]
		if f&0x01 != 0 { // clientIdBytes
			if err := d.skipMarkedByteArray(); err != nil {
				return err
			}
		}
		if f&0x02 != 0 { // messageIdBytes
			if err := d.skipMarkedByteArray(); err != nil {
				return err
			}
		}
		if err := d.readRemaining(f, 2); err != nil {
			return err
		}
		for _, extra := range flags[2:] {
			if err := d.readRemaining(extra, 0); err != nil {
				return err
			}
		}
	}

	// Second flag sequence: the AsyncMessageExt correlation section.
	flags, err = d.readFlags()
	if err != nil {
		return err
	}
	f = flags[0]
	if f&0x01 != 0 { // correlationId
		if err := d.DecodeAMF3(&discard); err != nil {
			return err
		}
	}
	if f&0x02 != 0 { // correlationIdBytes
		if err := d.skipMarkedByteArray(); err != nil {
			return err
		}
	}
	if err := d.readRemaining(f, 2); err != nil {
		return err
	}
	for _, extra := range flags[1:] {
		if err := d.readRemaining(extra, 0); err != nil {
			return err
		}
	}
	return nil
}

// readDSK is an AcknowledgeMessage: the DSA layout followed by one more
// flag sequence of optional values.
func (d *Decoder) readDSK(b *strings.Builder) error {
	if err := d.readDSA(b); err != nil {
		return err
	}
	flags, err := d.readFlags()
	if err != nil {
		return err
	}
	for _, f := range flags {
		if err := d.readRemaining(f, 0); err != nil {
			return err
		}
	}
	return nil
}

// readRemaining drains values for flag bits above the ones a section
// understands. Only bits up to 6 are considered.
func (d *Decoder) readRemaining(flag byte, bits int) error {
	if flag>>bits == 0 {
		return nil
	}
	var discard strings.Builder
	for i := bits; i < 6; i++ {
		if flag>>i&1 != 0 {
			if err := d.DecodeAMF3(&discard); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Decoder) skipMarkedByteArray() error {
	// Skip the 0x0C marker, then consume the array body.
	if _, err := d.readByte(); err != nil {
		return err
	}
	var discard strings.Builder
	return d.readByteArray(&discard)
}

func (d *Decoder) writeObjectRef(b *strings.Builder, idx int) error {
	if idx < 0 || idx >= len(d.objectRefs) {
		return fmt.Errorf("amf3: object reference %d out of range", idx)
	}
	b.WriteString(d.objectRefs[idx])
	return nil
}

func (d *Decoder) readByte() (byte, error) {
	if d.pos >= len(d.data) {
		return 0, fmt.Errorf("amf: truncated at byte %d", d.pos)
	}
	v := d.data[d.pos]
	d.pos++
	return v, nil
}

func (d *Decoder) readBytes(n int) ([]byte, error) {
	if n < 0 || d.pos+n > len(d.data) {
		return nil, fmt.Errorf("amf: need %d bytes at %d, have %d", n, d.pos, len(d.data)-d.pos)
	}
	v := d.data[d.pos : d.pos+n]
	d.pos += n
	return v, nil
}

func (d *Decoder) readDouble() (float64, error) {
	raw, err := d.readBytes(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(raw)), nil
}

func (d *Decoder) readUTF8() (string, error) {
	raw, err := d.readBytes(2)
	if err != nil {
		return "", err
	}
	n := int(binary.BigEndian.Uint16(raw))
	s, err := d.readBytes(n)
	if err != nil {
		return "", err
	}
	return string(s), nil
}

// formatDouble renders with up to 25 significant digits, so timestamps and
// large ids come out as plain digit runs rather than scientific notation.
func formatDouble(v float64) string {
	return strconv.FormatFloat(v, 'g', 25, 64)
}

var jsonEscaper = strings.NewReplacer(
	`\`, `\\`,
	"\b", `\b`,
	"\f", `\f`,
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
	"\v", `\u000b`,
	`"`, `\"`,
)

func escapeJSON(s string) string {
	return jsonEscaper.Replace(s)
}
