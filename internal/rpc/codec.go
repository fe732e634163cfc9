package rpc

import (
	"encoding/binary"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxFrameSize bounds a single decoded frame. Anything larger means the
// stream lost synchronisation.
const MaxFrameSize = 1 << 20

// ErrFrameTooLarge reports a length prefix above MaxFrameSize.
var ErrFrameTooLarge = errors.New("rpc frame exceeds maximum size")

type field struct {
	num    protowire.Number
	typ    protowire.Type
	raw    []byte
	varint uint64
}

func (f field) bytesCopy() []byte {
	if len(f.raw) == 0 {
		return nil
	}
	out := make([]byte, len(f.raw))
	copy(out, f.raw)
	return out
}

// parseFields walks a protobuf payload. Unknown wire types are skipped.
func parseFields(b []byte, fn func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			f.varint = v
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			f.raw = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarintField(b, num, 1)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// appendMessageField always emits the field so that empty submessages keep
// their presence.
func appendMessageField(b []byte, num protowire.Number, inner []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

// Marshal encodes m as a protobuf payload without the length prefix.
func Marshal(m *Message) []byte {
	var b []byte
	b = appendVarintField(b, fieldCommandID, uint64(m.CommandID))
	b = appendVarintField(b, fieldCommandStatus, uint64(uint32(m.Status)))
	b = appendBoolField(b, fieldHasNext, m.HasNext)
	if m.Content != nil {
		b = appendMessageField(b, m.Content.field(), m.Content.marshal(nil))
	}
	return b
}

// Unmarshal decodes a protobuf payload. Content variants outside the known
// schema set are skipped and leave Content nil.
func Unmarshal(b []byte) (*Message, error) {
	m := &Message{}
	err := parseFields(b, func(f field) error {
		switch f.num {
		case fieldCommandID:
			m.CommandID = uint32(f.varint)
		case fieldCommandStatus:
			m.Status = Status(int32(f.varint))
		case fieldHasNext:
			m.HasNext = f.varint != 0
		default:
			dec, ok := contentDecoders[f.num]
			if !ok || f.typ != protowire.BytesType {
				return nil
			}
			content, err := dec(f.raw)
			if err != nil {
				return fmt.Errorf("decode field %d: %w", f.num, err)
			}
			m.Content = content
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// EncodeFrame returns the varint length-prefixed encoding of m.
func EncodeFrame(m *Message) []byte {
	payload := Marshal(m)
	frame := protowire.AppendVarint(make([]byte, 0, len(payload)+binary.MaxVarintLen32), uint64(len(payload)))
	return append(frame, payload...)
}

// Decoder reassembles frames from an arbitrarily chunked byte stream.
type Decoder struct {
	buf []byte
}

// Feed appends p and returns every frame that is now complete. Incomplete
// trailing bytes are retained for the next call.
func (d *Decoder) Feed(p []byte) ([]*Message, error) {
	d.buf = append(d.buf, p...)
	var out []*Message
	for len(d.buf) > 0 {
		size, n := protowire.ConsumeVarint(d.buf)
		if n < 0 {
			if truncatedVarint(d.buf) {
				break
			}
			d.buf = nil
			return out, fmt.Errorf("decode frame length: %w", protowire.ParseError(n))
		}
		if size > MaxFrameSize {
			d.buf = nil
			return out, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
		}
		if uint64(len(d.buf)-n) < size {
			break
		}
		payload := d.buf[n : n+int(size)]
		msg, err := Unmarshal(payload)
		d.buf = d.buf[n+int(size):]
		if err != nil {
			d.buf = nil
			return out, fmt.Errorf("decode frame: %w", err)
		}
		out = append(out, msg)
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return out, nil
}

// Buffered returns the number of bytes waiting for the rest of their frame.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Reset drops any partial frame.
func (d *Decoder) Reset() { d.buf = nil }

func truncatedVarint(b []byte) bool {
	if len(b) >= binary.MaxVarintLen64 {
		return false
	}
	for _, c := range b {
		if c&0x80 == 0 {
			return false
		}
	}
	return true
}
