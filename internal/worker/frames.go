package worker

import (
	"bufio"
	"io"
)

// frame is one reassembled upstream message.
type frame struct {
	Type byte
	Body []byte
}

// frameReader reassembles upstream messages out of the chunked transport:
// a channel header declaring size and type, then the body in 128-byte pieces
// with a continuation byte before each piece after the first.
type frameReader struct {
	r *bufio.Reader
}

func newFrameReader(r *bufio.Reader) *frameReader {
	return &frameReader{r: r}
}

// Next blocks until a full message is assembled. Header flavours other than
// the 12-byte and 8-byte forms are skipped.
func (fr *frameReader) Next() (*frame, error) {
	for {
		basic, err := fr.r.ReadByte()
		if err != nil {
			return nil, err
		}

		// Top two bits select the header flavour; both carried flavours put
		// the 3-byte size and the type byte at the same offsets.
		var rest int
		switch basic & 0xC0 {
		case 0x00:
			rest = 11
		case 0x40:
			rest = 7
		default:
			continue
		}

		header := make([]byte, rest)
		if _, err := io.ReadFull(fr.r, header); err != nil {
			return nil, err
		}
		size := int(header[3])<<16 | int(header[4])<<8 | int(header[5])
		msgType := header[6]

		body := make([]byte, size)
		pos := 0
		for pos < size {
			n := size - pos
			if n > 128 {
				n = 128
			}
			if _, err := io.ReadFull(fr.r, body[pos:pos+n]); err != nil {
				return nil, err
			}
			pos += n
			if pos < size {
				// Continuation marker between chunks.
				if _, err := fr.r.Discard(1); err != nil {
					return nil, err
				}
			}
		}

		return &frame{Type: msgType, Body: body}, nil
	}
}
