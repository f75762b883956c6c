// Package bspv1 defines the RPC surface shared by the master, the grooms and
// the coordination server. Services are described by hand-written
// grpc.ServiceDesc values. Messages travel in a versioned protobuf wire
// encoding written with protowire, the same scheme clusterstatus uses, so
// no generated code is needed.
package bspv1

import (
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"
)

// CodecName is the content-subtype every call uses.
const CodecName = "bspwire"

// SchemaVersion is written as field 1 of every top-level message. Message
// fields start at 2 so nested messages share the numbering.
const SchemaVersion = 1

const fieldVersion protowire.Number = 1

var (
	ErrUnsupportedVersion = errors.New("bspv1: unsupported schema version")
	ErrMalformed          = errors.New("bspv1: malformed message")
)

type wireCodec struct{}

func (wireCodec) Name() string { return CodecName }

func (wireCodec) Marshal(v any) ([]byte, error) {
	m, err := wireMessage(v)
	if err != nil {
		return nil, err
	}
	e := &encoder{}
	e.uint(fieldVersion, SchemaVersion)
	m.encode(e)
	return e.b, nil
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	m, err := wireMessage(v)
	if err != nil {
		return err
	}
	var version uint64
	err = walk(data, func(num protowire.Number, f field) error {
		if num == fieldVersion {
			version = f.uint()
			return nil
		}
		return m.decode(num, f)
	})
	if err != nil {
		return err
	}
	if version != SchemaVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	return nil
}

func init() {
	encoding.RegisterCodec(wireCodec{})
}

// Dial opens a client connection with plaintext transport and the wire codec
// as default. Extra options are applied last.
func Dial(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}
	return grpc.NewClient(target, append(base, opts...)...)
}

// ============================================================================
// Encoding primitives
// ============================================================================

// message is implemented by everything the codec carries. decode is called
// once per field; unknown fields must be ignored.
type message interface {
	encode(e *encoder)
	decode(num protowire.Number, f field) error
}

// encoder appends fields. Zero values are left out, as proto3 does.
type encoder struct{ b []byte }

func (e *encoder) uint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, v)
}

func (e *encoder) int(num protowire.Number, v int64) {
	e.uint(num, protowire.EncodeZigZag(v))
}

func (e *encoder) bool(num protowire.Number, v bool) {
	if v {
		e.uint(num, 1)
	}
}

func (e *encoder) string(num protowire.Number, v string) {
	if v == "" {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendString(e.b, v)
}

func (e *encoder) bytes(num protowire.Number, v []byte) {
	if len(v) == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, v)
}

// message writes an embedded message, even an empty one, so repeated
// entries keep their count.
func (e *encoder) message(num protowire.Number, m message) {
	sub := &encoder{}
	m.encode(sub)
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, sub.b)
}

// field is one decoded field value. Accessors return the zero value when
// the wire type does not match.
type field struct {
	typ protowire.Type
	v   uint64
	raw []byte
}

func (f field) uint() uint64 {
	if f.typ != protowire.VarintType {
		return 0
	}
	return f.v
}

func (f field) int() int64 { return protowire.DecodeZigZag(f.uint()) }

func (f field) bool() bool { return f.uint() != 0 }

func (f field) string() string {
	if f.typ != protowire.BytesType {
		return ""
	}
	return string(f.raw)
}

// bytes returns a copy; the codec's input buffer may be reused.
func (f field) bytes() []byte {
	if f.typ != protowire.BytesType || len(f.raw) == 0 {
		return nil
	}
	return append([]byte(nil), f.raw...)
}

func (f field) message(m message) error {
	if f.typ != protowire.BytesType {
		return fmt.Errorf("%w: expected embedded message", ErrMalformed)
	}
	return walk(f.raw, m.decode)
}

// walk calls fn for every varint and length-delimited field of b and skips
// the rest.
func walk(b []byte, fn func(protowire.Number, field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		f := field{typ: typ}
		switch typ {
		case protowire.VarintType:
			f.v, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.VarintType && typ != protowire.BytesType {
			continue
		}
		if err := fn(num, f); err != nil {
			return err
		}
	}
	return nil
}
