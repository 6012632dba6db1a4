package repositories

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Key addresses a KV entry. Parts may be strings, booleans, integers or floats.
type Key []any

// Validate checks that the key is non-empty and every part has a supported type
func (k Key) Validate() error {
	if len(k) == 0 {
		return fmt.Errorf("%w: key is empty", ErrInvalidKey)
	}
	for i, part := range k {
		switch part.(type) {
		case string, bool, int, int32, int64, uint32, float64:
		default:
			return fmt.Errorf("%w: part %d has unsupported type %T", ErrInvalidKey, i, part)
		}
	}
	return nil
}

// Encode returns the canonical string form used as the storage key
func (k Key) Encode() (string, error) {
	if err := k.Validate(); err != nil {
		return "", err
	}
	b, err := json.Marshal([]any(k))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return string(b), nil
}

// EncodePrefix returns the string every encoded key under prefix k starts
// with. An empty prefix matches every key.
func (k Key) EncodePrefix() (string, error) {
	if len(k) == 0 {
		return "[", nil
	}
	enc, err := k.Encode()
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(enc, "]") + ",", nil
}

// String renders the key for logs
func (k Key) String() string {
	parts := make([]string, len(k))
	for i, p := range k {
		parts[i] = fmt.Sprint(p)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// DecodeKey parses an encoded key. Integral numbers come back as int64.
func DecodeKey(enc string) (Key, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(enc)))
	dec.UseNumber()

	var raw []any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	key := make(Key, len(raw))
	for i, part := range raw {
		if n, ok := part.(json.Number); ok {
			if iv, err := n.Int64(); err == nil {
				key[i] = iv
				continue
			}
			fv, err := n.Float64()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
			}
			key[i] = fv
			continue
		}
		key[i] = part
	}
	return key, nil
}

// EncodeValue marshals a value for storage and enforces MaxValueBytes
func EncodeValue(value any) (json.RawMessage, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	if len(b) > MaxValueBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrValueTooLarge, len(b), MaxValueBytes)
	}
	return b, nil
}

// ApplyNumeric computes the new value of a sum/min/max mutation given the
// currently stored value (nil when the key is missing).
func ApplyNumeric(current json.RawMessage, m Mutation) (json.RawMessage, error) {
	if current == nil {
		return json.RawMessage(fmt.Sprintf("%d", m.Operand)), nil
	}

	var n int64
	if err := json.Unmarshal(current, &n); err != nil {
		return nil, fmt.Errorf("%w: %s on non-integer value at %s", ErrInvalidMutation, m.Type, m.Key)
	}

	switch m.Type {
	case MutationSum:
		n += m.Operand
	case MutationMin:
		n = min(n, m.Operand)
	case MutationMax:
		n = max(n, m.Operand)
	default:
		return nil, fmt.Errorf("%w: %s is not numeric", ErrInvalidMutation, m.Type)
	}
	return json.RawMessage(fmt.Sprintf("%d", n)), nil
}

// FormatVersionstamp renders a commit sequence number as a fixed-width
// string so that versionstamps sort in commit order.
func FormatVersionstamp(seq uint64) string {
	return fmt.Sprintf("%016x0000", seq)
}
