// Package codec holds the two JSON codecs the service speaks: a strict one
// for request bodies and method configs, and a sonic-backed one for the
// per-frame paths.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	ContentType() string
}

// ErrTrailingContent is returned when a strict document is followed by
// anything other than whitespace.
var ErrTrailingContent = errors.New("json trailing content")

type jsonStrict struct{}

// JSONStrict rejects unknown fields and trailing content. Marshal output is
// canonical for a given value (sorted map keys, no HTML escaping), which
// lets callers compare encoded configs.
var JSONStrict Codec = jsonStrict{}

func (jsonStrict) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

func (jsonStrict) Unmarshal(data []byte, v any) error {
	return DecodeStrict(bytes.NewReader(data), v)
}

func (jsonStrict) ContentType() string { return "application/json" }

// DecodeStrict decodes exactly one JSON document from r into v.
func DecodeStrict(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("json decode: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return ErrTrailingContent
	}
	return nil
}
