// Package codec implements the opaque argument/result blob format and the
// length-prefixed framing used between the worker and the runner process.
//
// A blob is a CBOR document, base64-encoded into a string. CBOR is
// self-describing, so any JSON-like value round-trips without schema
// knowledge. Values CBOR cannot represent natively (user-defined class
// instances) are carried as a tagged byte string produced by the runner's
// native object serializer; the worker treats those payloads as opaque and
// passes them through unchanged.
package codec

import (
	"encoding/base64"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// PickledObjectTag marks a blob payload produced by the runner's native
// object serializer. The worker never interprets the bytes.
const PickledObjectTag = 6001

// PickledObject is an opaque user object the worker cannot decode: the
// tag content is the runner's native serialization, carried verbatim.
type PickledObject []byte

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	tags := cbor.NewTagSet()
	if err := tags.Add(
		cbor.TagOptions{EncTag: cbor.EncTagRequired, DecTag: cbor.DecTagRequired},
		reflect.TypeOf(PickledObject(nil)),
		PickledObjectTag,
	); err != nil {
		panic(err)
	}

	var err error
	encMode, err = cbor.EncOptions{}.EncModeWithTags(tags)
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]interface{}{}),
	}.DecModeWithTags(tags)
	if err != nil {
		panic(err)
	}
}

// Encode serializes a value into an opaque blob string.
func Encode(v interface{}) (string, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode blob (%T): %w", v, err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Decode deserializes an opaque blob string. Maps decode with string keys;
// tagged opaque objects decode as PickledObject.
func Decode(blob string) (interface{}, error) {
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("decode blob base64: %w", err)
	}
	var v interface{}
	if err := decMode.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode blob: %w", err)
	}
	return v, nil
}

// EncodeArgs serializes a positional argument list into blobs.
func EncodeArgs(args []interface{}) ([]string, error) {
	out := make([]string, 0, len(args))
	for i, a := range args {
		blob, err := Encode(a)
		if err != nil {
			return nil, fmt.Errorf("arg %d: %w", i, err)
		}
		out = append(out, blob)
	}
	return out, nil
}

// EncodeKwargs serializes a keyword argument map into blobs.
func EncodeKwargs(kwargs map[string]interface{}) (map[string]string, error) {
	out := make(map[string]string, len(kwargs))
	for k, v := range kwargs {
		blob, err := Encode(v)
		if err != nil {
			return nil, fmt.Errorf("kwarg %q: %w", k, err)
		}
		out[k] = blob
	}
	return out, nil
}
