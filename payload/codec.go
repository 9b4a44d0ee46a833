package payload

import (
	"bytes"
	"io"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/zlib"
)

// Codec turns payload bodies into structured text and back.
// The engine never looks inside a dispatch body, so any codec that
// round-trips the envelope fields is acceptable.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSON is the default codec. It is drop-in compatible with encoding/json,
// including json.RawMessage handling.
var JSON Codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Inflate decompresses a binary frame. Each compressed frame is a
// self-contained zlib stream.
func Inflate(frame []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(frame))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
