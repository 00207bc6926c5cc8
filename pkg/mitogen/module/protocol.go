package module

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
)

// reply is the GET_MODULE reply tuple from spec.md §6: (pkg_present,
// path, compressed_source, related). pkgPresent is nil for a plain module,
// or the list of names forming its package line for a package's __init__
// chunk.
type reply struct {
	pkgPresent []string
	path       string
	source     []byte // compressed
	related    []string
}

// encodeRequest is used directly as a wire.Message.Payload: spec.md §6 says
// "payload is the fullname as raw bytes", i.e. GET_MODULE requests are not
// run through the tagged-variant codec at all (the handler reads msg.Payload
// itself rather than going through a Receiver).
func encodeRequest(fullname string) []byte {
	return []byte(fullname)
}

func decodeRequest(payload []byte) string {
	return string(payload)
}

// replyPayload builds the GET_MODULE reply tuple value (spec.md §6:
// pkg_present, path, compressed_source, related), or nil for a not-found
// module (spec.md S3: "reply payload is the null value"). The caller wire.
// Encodes the result into the reply message's payload, since the requester
// reads it back out through a Receiver, which always runs messages through
// wire.Decode.
func replyPayload(r *reply) interface{} {
	if r == nil {
		return nil
	}
	var pkgPresent interface{}
	if r.pkgPresent != nil {
		pkgPresent = stringsToInterfaces(r.pkgPresent)
	}
	return []interface{}{
		pkgPresent,
		r.path,
		append([]byte(nil), r.source...),
		stringsToInterfaces(r.related),
	}
}

// parseReply converts the value a Receiver already decoded (via
// wire.Decode) back into a *reply, or (nil, nil) for the not-found case.
func parseReply(v interface{}) (*reply, error) {
	if v == nil {
		return nil, nil
	}
	tuple, ok := v.([]interface{})
	if !ok || len(tuple) != 4 {
		return nil, fmt.Errorf("module: malformed GET_MODULE reply")
	}
	r := &reply{}
	if tuple[0] != nil {
		r.pkgPresent = interfacesToStrings(tuple[0])
	}
	r.path, _ = tuple[1].(string)
	switch src := tuple[2].(type) {
	case []byte:
		r.source = src
	case string:
		r.source = []byte(src)
	}
	r.related = interfacesToStrings(tuple[3])
	return r, nil
}

func stringsToInterfaces(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func interfacesToStrings(v interface{}) []string {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// compress and decompress carry Lua source across the wire compressed, as
// spec.md §4.8's compressed_source field requires.
func compress(source []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(source); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(compressed []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
