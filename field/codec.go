package field

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/root-sector/client-data-module-encryption/types"
)

// Plaintext values are serialized with a one-byte type tag ahead of the
// canonical encoding, so the original Go type survives the round trip
// through the ciphertext.
const (
	tagString byte = 's'
	tagInt    byte = 'i'
	tagFloat  byte = 'f'
	tagBool   byte = 'b'
	tagBytes  byte = 'y'
	tagTime   byte = 't'
)

// encodeValue serializes a field value into its tagged canonical form.
func encodeValue(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case string:
		return append([]byte{tagString}, v...), nil
	case []byte:
		return append([]byte{tagBytes}, v...), nil
	case int:
		return encodeInt(int64(v)), nil
	case int32:
		return encodeInt(int64(v)), nil
	case int64:
		return encodeInt(v), nil
	case float32:
		return encodeFloat(float64(v)), nil
	case float64:
		return encodeFloat(v), nil
	case bool:
		if v {
			return []byte{tagBool, 1}, nil
		}
		return []byte{tagBool, 0}, nil
	case time.Time:
		return append([]byte{tagTime}, v.UTC().Format(time.RFC3339Nano)...), nil
	default:
		return nil, fmt.Errorf("unsupported field value type %T", value)
	}
}

func encodeInt(v int64) []byte {
	buf := make([]byte, 9)
	buf[0] = tagInt
	binary.BigEndian.PutUint64(buf[1:], uint64(v))
	return buf
}

func encodeFloat(v float64) []byte {
	buf := make([]byte, 9)
	buf[0] = tagFloat
	binary.BigEndian.PutUint64(buf[1:], math.Float64bits(v))
	return buf
}

// decodeValue restores a field value from its tagged canonical form.
func decodeValue(data []byte) (interface{}, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty plaintext payload: %w", types.ErrIntegrityViolation)
	}

	tag, payload := data[0], data[1:]
	switch tag {
	case tagString:
		return string(payload), nil
	case tagBytes:
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	case tagInt:
		if len(payload) != 8 {
			return nil, fmt.Errorf("malformed integer payload: %w", types.ErrIntegrityViolation)
		}
		return int64(binary.BigEndian.Uint64(payload)), nil
	case tagFloat:
		if len(payload) != 8 {
			return nil, fmt.Errorf("malformed float payload: %w", types.ErrIntegrityViolation)
		}
		return math.Float64frombits(binary.BigEndian.Uint64(payload)), nil
	case tagBool:
		if len(payload) != 1 {
			return nil, fmt.Errorf("malformed bool payload: %w", types.ErrIntegrityViolation)
		}
		return payload[0] == 1, nil
	case tagTime:
		ts, err := time.Parse(time.RFC3339Nano, string(payload))
		if err != nil {
			return nil, fmt.Errorf("malformed time payload: %w", types.ErrIntegrityViolation)
		}
		return ts, nil
	default:
		return nil, fmt.Errorf("unknown type tag %q: %w", tag, types.ErrIntegrityViolation)
	}
}

// isEmptyValue reports whether a value counts as empty plaintext, which is
// stored as-is rather than encrypted.
func isEmptyValue(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case []byte:
		return len(v) == 0
	default:
		return false
	}
}
