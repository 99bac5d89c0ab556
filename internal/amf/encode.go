package amf

import (
	"bytes"
	"encoding/binary"
	"math"
)

// Value is the encode-side value tree. Only the subset the upstream requests
// need is representable: null, booleans, integers, doubles, strings, dates,
// dense arrays, associative arrays and typed objects.
type Value interface{ isValue() }

type Null struct{}
type Bool bool
type Int int32
type Double float64
type String string
type Date float64 // milliseconds since epoch
type Array []Value

func (Null) isValue()   {}
func (Bool) isValue()   {}
func (Int) isValue()    {}
func (Double) isValue() {}
func (String) isValue() {}
func (Date) isValue()   {}
func (Array) isValue()  {}

// Field preserves insertion order inside objects and associative arrays.
type Field struct {
	Key   string
	Value Value
}

// AssocArray encodes as the AMF3 array form with only an associative part.
type AssocArray []Field

func (AssocArray) isValue() {}

// TypedObject is a class-typed AMF3 object. An empty Type encodes as an
// anonymous dynamic object.
type TypedObject struct {
	Type   string
	Fields []Field
}

func (*TypedObject) isValue() {}

func NewTypedObject(class string) *TypedObject {
	return &TypedObject{Type: class}
}

func (o *TypedObject) Set(key string, v Value) *TypedObject {
	for i := range o.Fields {
		if o.Fields[i].Key == key {
			o.Fields[i].Value = v
			return o
		}
	}
	o.Fields = append(o.Fields, Field{Key: key, Value: v})
	return o
}

// Encoder builds one outbound message body.
type Encoder struct {
	buf bytes.Buffer
}

func NewEncoder() *Encoder { return &Encoder{} }

func (e *Encoder) Bytes() []byte { return e.buf.Bytes() }

func (e *Encoder) WriteByte(b byte) error { return e.buf.WriteByte(b) }

// --- AMF0 ---

func (e *Encoder) WriteAMF0Number(v float64) {
	e.buf.WriteByte(amf0Number)
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], math.Float64bits(v))
	e.buf.Write(raw[:])
}

func (e *Encoder) WriteAMF0String(s string) {
	e.buf.WriteByte(amf0String)
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(s)))
	e.buf.Write(n[:])
	e.buf.WriteString(s)
}

func (e *Encoder) WriteAMF0Bool(v bool) {
	e.buf.WriteByte(amf0Boolean)
	if v {
		e.buf.WriteByte(0x01)
	} else {
		e.buf.WriteByte(0x00)
	}
}

func (e *Encoder) WriteAMF0Null() { e.buf.WriteByte(amf0Null) }

// WriteAMF0AMF3Marker switches the stream to AMF3 for the next value.
func (e *Encoder) WriteAMF0AMF3Marker() { e.buf.WriteByte(amf0AMF3) }

// --- AMF3 ---

// WriteAMF3 appends one AMF3 value with its marker.
func (e *Encoder) WriteAMF3(v Value) {
	switch val := v.(type) {
	case Null, nil:
		e.buf.WriteByte(amf3Null)
	case Bool:
		if val {
			e.buf.WriteByte(amf3True)
		} else {
			e.buf.WriteByte(amf3False)
		}
	case Int:
		e.buf.WriteByte(amf3Integer)
		e.writeVarint(int32(val))
	case Double:
		e.buf.WriteByte(amf3Double)
		var raw [8]byte
		binary.BigEndian.PutUint64(raw[:], math.Float64bits(float64(val)))
		e.buf.Write(raw[:])
	case String:
		e.buf.WriteByte(amf3String)
		e.writeAMF3String(string(val))
	case Date:
		e.buf.WriteByte(amf3Date)
		e.writeVarint(1) // inline, no reference reuse on encode
		var raw [8]byte
		binary.BigEndian.PutUint64(raw[:], math.Float64bits(float64(val)))
		e.buf.Write(raw[:])
	case Array:
		e.buf.WriteByte(amf3Array)
		e.writeVarint(int32(len(val))<<1 | 1)
		e.buf.WriteByte(0x01) // empty associative part
		for _, el := range val {
			e.WriteAMF3(el)
		}
	case AssocArray:
		e.buf.WriteByte(amf3Array)
		e.writeVarint(1) // zero dense elements, inline
		for _, f := range val {
			e.writeAMF3String(f.Key)
			e.WriteAMF3(f.Value)
		}
		e.buf.WriteByte(0x01)
	case *TypedObject:
		e.writeObject(val)
	}
}

func (e *Encoder) writeObject(o *TypedObject) {
	e.buf.WriteByte(amf3Object)
	if o.Type == "" {
		// Anonymous dynamic object: inline object, inline traits, dynamic,
		// zero sealed members.
		e.writeVarint(0x0B)
		e.writeAMF3String("")
		for _, f := range o.Fields {
			e.writeAMF3String(f.Key)
			e.WriteAMF3(f.Value)
		}
		e.buf.WriteByte(0x01)
		return
	}

	// Sealed typed object: member count above the three header bits.
	e.writeVarint(int32(len(o.Fields))<<4 | 0x03)
	e.writeAMF3String(o.Type)
	for _, f := range o.Fields {
		e.writeAMF3String(f.Key)
	}
	for _, f := range o.Fields {
		e.WriteAMF3(f.Value)
	}
}

func (e *Encoder) writeAMF3String(s string) {
	e.writeVarint(int32(len(s))<<1 | 1)
	e.buf.WriteString(s)
}

func (e *Encoder) writeVarint(v int32) {
	if v < 0 || v >= 0x200000 {
		e.buf.WriteByte(byte(v>>22&0x7F | 0x80))
		e.buf.WriteByte(byte(v>>15&0x7F | 0x80))
		e.buf.WriteByte(byte(v>>8&0x7F | 0x80))
		e.buf.WriteByte(byte(v))
		return
	}
	if v >= 0x4000 {
		e.buf.WriteByte(byte(v>>14&0x7F | 0x80))
	}
	if v >= 0x80 {
		e.buf.WriteByte(byte(v>>7&0x7F | 0x80))
	}
	e.buf.WriteByte(byte(v & 0x7F))
}

// Frame wraps an encoded body in the RTMP envelope: a 12-byte full chunk
// header on stream 3, then the body cut into 128-byte chunks separated by
// 0xC3 continuation markers.
func Frame(body []byte, contentType byte, timestamp uint32) []byte {
	out := make([]byte, 0, len(body)+12+len(body)/128+1)

	out = append(out, 0x03)
	out = append(out, byte(timestamp>>16), byte(timestamp>>8), byte(timestamp))
	n := len(body)
	out = append(out, byte(n>>16), byte(n>>8), byte(n))
	out = append(out, contentType)
	out = append(out, 0x00, 0x00, 0x00, 0x00) // message stream id

	for i := 0; i < len(body); i += 128 {
		end := i + 128
		if end > len(body) {
			end = len(body)
		}
		out = append(out, body[i:end]...)
		if end < len(body) {
			out = append(out, 0xC3)
		}
	}
	return out
}
