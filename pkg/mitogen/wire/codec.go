package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/innovationfleet/mitogen/pkg/mitogen/definition"
)

// Dead is the distinguished sentinel delivered through a Channel to signal
// that the remote end closed it (spec.md §3, "Sentinel _DEAD").
type Dead struct{}

// ContextRef is the wire representation of a remote Context: just enough to
// reconstruct a handle to it on the decoding side (spec.md §4.4).
type ContextRef struct {
	ID   uint32
	Name string
}

// the closed tagged-variant whitelist (spec.md §4.4, design note §9).
const (
	tagNull = iota
	tagBool
	tagInt
	tagFloat
	tagBytes
	tagText
	tagList
	tagMap
	tagSet
	tagContext
	tagDead
	tagCallError
)

const codecVersion = 1

// Encode serializes v into the self-describing, versioned binary envelope
// the wire codec uses for every payload. Only the whitelisted shapes listed
// in spec.md §4.4 are accepted; anything else returns ErrSecurity.
func Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(codecVersion)
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses bytes produced by Encode back into a Go value. Decoding a
// class outside the whitelist, or a truncated/corrupt envelope, yields
// ErrStream (per spec.md: "failure to decode yields STREAM_ERROR").
func Decode(data []byte) (interface{}, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty payload", definition.ErrStream)
	}
	if data[0] != codecVersion {
		return nil, fmt.Errorf("%w: unsupported codec version %d", definition.ErrStream, data[0])
	}
	r := bytes.NewReader(data[1:])
	v, err := decodeValue(r)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after payload", definition.ErrStream, r.Len())
	}
	return v, nil
}

func encodeValue(buf *bytes.Buffer, v interface{}) error {
	switch x := v.(type) {
	case nil:
		buf.WriteByte(tagNull)
	case bool:
		buf.WriteByte(tagBool)
		if x {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case int:
		return encodeValue(buf, int64(x))
	case int64:
		buf.WriteByte(tagInt)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(x))
		buf.Write(b[:])
	case float64:
		buf.WriteByte(tagFloat)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(x))
		buf.Write(b[:])
	case []byte:
		buf.WriteByte(tagBytes)
		writeLenPrefixed(buf, x)
	case string:
		buf.WriteByte(tagText)
		writeLenPrefixed(buf, []byte(x))
	case []interface{}:
		buf.WriteByte(tagList)
		writeCount(buf, len(x))
		for _, e := range x {
			if err := encodeValue(buf, e); err != nil {
				return err
			}
		}
	case map[string]interface{}:
		buf.WriteByte(tagMap)
		writeCount(buf, len(x))
		for k, val := range x {
			writeLenPrefixed(buf, []byte(k))
			if err := encodeValue(buf, val); err != nil {
				return err
			}
		}
	case Set:
		buf.WriteByte(tagSet)
		writeCount(buf, len(x))
		for _, e := range x {
			if err := encodeValue(buf, e); err != nil {
				return err
			}
		}
	case ContextRef:
		buf.WriteByte(tagContext)
		var idb [4]byte
		binary.BigEndian.PutUint32(idb[:], x.ID)
		buf.Write(idb[:])
		writeLenPrefixed(buf, []byte(x.Name))
	case Dead:
		buf.WriteByte(tagDead)
	case *definition.CallError:
		buf.WriteByte(tagCallError)
		writeLenPrefixed(buf, []byte(x.TypeName))
		writeLenPrefixed(buf, []byte(x.Message))
		writeLenPrefixed(buf, []byte(x.Traceback))
	default:
		return fmt.Errorf("%w: type %T is not on the wire codec whitelist", definition.ErrSecurity, v)
	}
	return nil
}

func decodeValue(r *bytes.Reader) (interface{}, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", definition.ErrStream, err)
	}
	switch tag {
	case tagNull:
		return nil, nil
	case tagBool:
		b, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", definition.ErrStream, err)
		}
		return b != 0, nil
	case tagInt:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, fmt.Errorf("%w: %v", definition.ErrStream, err)
		}
		return int64(binary.BigEndian.Uint64(b[:])), nil
	case tagFloat:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, fmt.Errorf("%w: %v", definition.ErrStream, err)
		}
		return math.Float64frombits(binary.BigEndian.Uint64(b[:])), nil
	case tagBytes:
		return readLenPrefixed(r)
	case tagText:
		b, err := readLenPrefixed(r)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case tagList:
		n, err := readCount(r)
		if err != nil {
			return nil, err
		}
		out := make([]interface{}, 0, n)
		for i := 0; i < n; i++ {
			v, err := decodeValue(r)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case tagMap:
		n, err := readCount(r)
		if err != nil {
			return nil, err
		}
		out := make(map[string]interface{}, n)
		for i := 0; i < n; i++ {
			k, err := readLenPrefixed(r)
			if err != nil {
				return nil, err
			}
			v, err := decodeValue(r)
			if err != nil {
				return nil, err
			}
			out[string(k)] = v
		}
		return out, nil
	case tagSet:
		n, err := readCount(r)
		if err != nil {
			return nil, err
		}
		out := make(Set, 0, n)
		for i := 0; i < n; i++ {
			v, err := decodeValue(r)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case tagContext:
		var idb [4]byte
		if _, err := io.ReadFull(r, idb[:]); err != nil {
			return nil, fmt.Errorf("%w: %v", definition.ErrStream, err)
		}
		name, err := readLenPrefixed(r)
		if err != nil {
			return nil, err
		}
		return ContextRef{ID: binary.BigEndian.Uint32(idb[:]), Name: string(name)}, nil
	case tagDead:
		return Dead{}, nil
	case tagCallError:
		typeName, err := readLenPrefixed(r)
		if err != nil {
			return nil, err
		}
		message, err := readLenPrefixed(r)
		if err != nil {
			return nil, err
		}
		traceback, err := readLenPrefixed(r)
		if err != nil {
			return nil, err
		}
		return definition.NewCallError(string(typeName), string(message), string(traceback)), nil
	default:
		return nil, fmt.Errorf("%w: unknown tag %d", definition.ErrStream, tag)
	}
}

// Set represents mitogen's "unordered set" shape. It round-trips as an
// ordered slice on the wire (sets have no canonical byte order); callers
// that need set semantics de-duplicate on their own side.
type Set []interface{}

func writeLenPrefixed(buf *bytes.Buffer, b []byte) {
	writeCount(buf, len(b))
	buf.Write(b)
}

func readLenPrefixed(r *bytes.Reader) ([]byte, error) {
	n, err := readCount(r)
	if err != nil {
		return nil, err
	}
	if n > MaxPayload {
		return nil, fmt.Errorf("%w: length-prefixed field of %d bytes exceeds MaxPayload", definition.ErrStream, n)
	}
	b := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, fmt.Errorf("%w: %v", definition.ErrStream, err)
		}
	}
	return b, nil
}

func writeCount(buf *bytes.Buffer, n int) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(n))
	buf.Write(b[:])
}

func readCount(r *bytes.Reader) (int, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", definition.ErrStream, err)
	}
	return int(binary.BigEndian.Uint32(b[:])), nil
}
