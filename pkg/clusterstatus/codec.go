package clusterstatus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ChuLiYu/groombsp/pkg/types"
)

// SchemaVersion is the only wire schema this package writes. Decoding rejects
// newer versions and skips unknown fields.
const SchemaVersion = 1

// maxEncodedSize bounds a single framed snapshot read by ReadFields.
const maxEncodedSize = 16 << 20

var (
	ErrUnsupportedVersion = errors.New("clusterstatus: unsupported schema version")
	ErrMalformed          = errors.New("clusterstatus: malformed encoding")
)

// Field numbers of schema version 1.
const (
	fieldVersion     protowire.Number = 1
	fieldGroom       protowire.Number = 2
	fieldActiveTasks protowire.Number = 3
	fieldMaxTasks    protowire.Number = 4
	fieldMasterState protowire.Number = 5

	fieldGroomName     protowire.Number = 1
	fieldGroomHost     protowire.Number = 2
	fieldGroomRPCPort  protowire.Number = 3
	fieldGroomPeerPort protowire.Number = 4
)

// MarshalBinary encodes the snapshot. Groom entries are written in order as
// repeated embedded messages.
func (s *ClusterStatus) MarshalBinary() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, SchemaVersion)
	for _, g := range s.GroomServers {
		b = protowire.AppendTag(b, fieldGroom, protowire.BytesType)
		b = protowire.AppendBytes(b, appendGroom(nil, g))
	}
	b = appendInt(b, fieldActiveTasks, s.ActiveTasks)
	b = appendInt(b, fieldMaxTasks, s.MaxTasks)
	b = appendInt(b, fieldMasterState, int(s.MasterState))
	return b, nil
}

// UnmarshalBinary replaces the contents of s with the decoded snapshot.
func (s *ClusterStatus) UnmarshalBinary(b []byte) error {
	var (
		out         ClusterStatus
		sawVersion  bool
		stateRaw    int
		sawMaxState bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			if v != SchemaVersion {
				return fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
			}
			sawVersion = true
			b = b[n:]
		case num == fieldGroom && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			g, err := decodeGroom(raw)
			if err != nil {
				return err
			}
			out.GroomServers = append(out.GroomServers, g)
			b = b[n:]
		case (num == fieldActiveTasks || num == fieldMaxTasks || num == fieldMasterState) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			x := int(protowire.DecodeZigZag(v))
			switch num {
			case fieldActiveTasks:
				out.ActiveTasks = x
			case fieldMaxTasks:
				out.MaxTasks = x
			default:
				stateRaw, sawMaxState = x, true
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if !sawVersion {
		return fmt.Errorf("%w: missing schema version", ErrMalformed)
	}
	if sawMaxState {
		out.MasterState = types.MasterState(stateRaw)
		if !out.MasterState.Valid() {
			return fmt.Errorf("%w: master state %d", ErrMalformed, stateRaw)
		}
	}
	*s = out
	return nil
}

// Write frames the encoded snapshot with a uvarint length so several
// snapshots can share one stream.
func (s *ClusterStatus) Write(w io.Writer) error {
	body, err := s.MarshalBinary()
	if err != nil {
		return err
	}
	hdr := binary.AppendUvarint(nil, uint64(len(body)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadFields reads one snapshot written by Write. It consumes exactly the
// framed bytes and nothing after them.
func (s *ClusterStatus) ReadFields(r io.Reader) error {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = byteReader{r}
	}
	size, err := binary.ReadUvarint(br)
	if err != nil {
		return err
	}
	if size > maxEncodedSize {
		return fmt.Errorf("%w: frame of %d bytes", ErrMalformed, size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	return s.UnmarshalBinary(body)
}

type byteReader struct{ io.Reader }

func (r byteReader) ReadByte() (byte, error) {
	var b [1]byte
	_, err := io.ReadFull(r.Reader, b[:])
	return b[0], err
}

func appendInt(b []byte, num protowire.Number, v int) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(int64(v)))
}

func appendGroom(b []byte, g types.GroomIdentity) []byte {
	b = protowire.AppendTag(b, fieldGroomName, protowire.BytesType)
	b = protowire.AppendString(b, g.Name)
	b = protowire.AppendTag(b, fieldGroomHost, protowire.BytesType)
	b = protowire.AppendString(b, g.Host)
	b = appendInt(b, fieldGroomRPCPort, g.RPCPort)
	b = appendInt(b, fieldGroomPeerPort, g.PeerPort)
	return b
}

func decodeGroom(b []byte) (types.GroomIdentity, error) {
	var g types.GroomIdentity
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return g, fmt.Errorf("%w: groom: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case (num == fieldGroomName || num == fieldGroomHost) && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return g, fmt.Errorf("%w: groom: %v", ErrMalformed, protowire.ParseError(n))
			}
			if num == fieldGroomName {
				g.Name = v
			} else {
				g.Host = v
			}
			b = b[n:]
		case (num == fieldGroomRPCPort || num == fieldGroomPeerPort) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return g, fmt.Errorf("%w: groom: %v", ErrMalformed, protowire.ParseError(n))
			}
			if num == fieldGroomRPCPort {
				g.RPCPort = int(protowire.DecodeZigZag(v))
			} else {
				g.PeerPort = int(protowire.DecodeZigZag(v))
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return g, fmt.Errorf("%w: groom: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return g, nil
}
