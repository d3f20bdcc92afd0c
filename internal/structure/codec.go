package structure

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Format selects the on-disk encoding of a handle.
type Format string

const (
	FormatMsgpack Format = "msgpack"
	FormatJSON    Format = "json"
)

// ErrUnknownFormat is returned for an unsupported Format value.
var ErrUnknownFormat = errors.New("structure: unknown format")

// Ext returns the file extension used for f.
func (f Format) Ext() string {
	switch f {
	case FormatJSON:
		return ".json"
	default:
		return ".msgpack"
	}
}

// ParseFormat validates a format name. Empty means msgpack.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case "", FormatMsgpack:
		return FormatMsgpack, nil
	case FormatJSON:
		return f, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// Marshal encodes h in the given format.
func Marshal(h *Handle, f Format) ([]byte, error) {
	switch f {
	case FormatMsgpack, "":
		data, err := msgpack.Marshal(h)
		if err != nil {
			return nil, fmt.Errorf("structure: msgpack encode: %w", err)
		}
		return data, nil
	case FormatJSON:
		data, err := json.MarshalIndent(h, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("structure: json encode: %w", err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, f)
}

// Unmarshal decodes a handle from data in the given format.
func Unmarshal(data []byte, f Format) (*Handle, error) {
	h := &Handle{}
	switch f {
	case FormatMsgpack, "":
		if err := msgpack.Unmarshal(data, h); err != nil {
			return nil, fmt.Errorf("structure: msgpack decode: %w", err)
		}
	case FormatJSON:
		if err := json.Unmarshal(data, h); err != nil {
			return nil, fmt.Errorf("structure: json decode: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, f)
	}
	if h.Scores == nil {
		h.Scores = make(map[string]float64)
	}
	return h, nil
}
