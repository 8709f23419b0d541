// Package codec converts payload data between its stored format and generic
// JSON values.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/gftdcojp/conditions-db/internal/types"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrUnsupportedFormat is returned for formats carried opaquely.
var ErrUnsupportedFormat = errors.New("unsupported payload format")

var cborDecoder = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// Structured reports whether data in format f can be decoded to JSON values.
func Structured(f types.Format) bool {
	switch f {
	case types.FormatJSON, types.FormatCBOR, types.FormatMsgPack:
		return true
	default:
		return false
	}
}

// ToJSON re-encodes data stored as f into JSON text.
func ToJSON(data []byte, f types.Format) ([]byte, error) {
	switch f {
	case types.FormatJSON:
		if !json.Valid(data) {
			return nil, fmt.Errorf("decoding json payload: malformed document")
		}
		return data, nil
	case types.FormatCBOR:
		var v any
		if err := cborDecoder.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decoding cbor payload: %w", err)
		}
		return json.Marshal(v)
	case types.FormatMsgPack:
		var v any
		if err := msgpack.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decoding msgpack payload: %w", err)
		}
		return json.Marshal(v)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, f)
	}
}

// Decode returns the generic value stored in data.
func Decode(data []byte, f types.Format) (any, error) {
	raw, err := ToJSON(data, f)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", f, err)
	}
	return v, nil
}

// Encode serializes a JSON-compatible value in format f.
func Encode(v any, f types.Format) ([]byte, error) {
	switch f {
	case types.FormatJSON:
		return json.Marshal(v)
	case types.FormatCBOR:
		return cbor.Marshal(v)
	case types.FormatMsgPack:
		return msgpack.Marshal(v)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, f)
	}
}

// SetValue encodes v and stores it as the payload's inline data.
func SetValue(p *types.Payload, v any, f types.Format) error {
	data, err := Encode(v, f)
	if err != nil {
		return err
	}
	p.SetData(data, f)
	return nil
}
