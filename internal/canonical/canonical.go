// Package canonical produces deterministic JSON serializations used for
// hashing and signing governance artifacts.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Marshal returns the canonical JSON form of v: object keys sorted byte-wise
// on their UTF-8 encoding, arrays in order, no insignificant whitespace.
// NaN and infinite floats render as null. Two deep-equal values always
// produce identical bytes regardless of key insertion order.
//
// A top-level string is encoded as a JSON string (quoted, escaped); it is
// not passed through verbatim.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalRaw canonicalizes an encoded JSON document.
func MarshalRaw(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode payload json: %w", err)
	}
	return Marshal(v)
}

func writeValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return writeString(buf, val)
	case json.Number:
		return writeNumber(buf, val)
	case float64:
		return writeFloat(buf, val)
	case float32:
		return writeFloat(buf, float64(val))
	case int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int8:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int16:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case uint:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint8:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint16:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint32:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(val, 10))
	case map[string]any:
		return writeObject(buf, val)
	case []any:
		return writeArray(buf, val)
	case json.RawMessage:
		canon, err := MarshalRaw(val)
		if err != nil {
			return err
		}
		buf.Write(canon)
	default:
		// Structs and typed maps/slices round-trip through encoding/json
		// so tagged field names apply, then re-enter the walk.
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("canonicalize %T: %w", v, err)
		}
		canon, err := MarshalRaw(raw)
		if err != nil {
			return err
		}
		buf.Write(canon)
	}
	return nil
}

func writeObject(buf *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := writeValue(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeArray(buf *bytes.Buffer, items []any) error {
	buf.WriteByte('[')
	for i, item := range items {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeValue(buf, item); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	enc, err := json.Marshal(s)
	if err != nil {
		return err
	}
	buf.Write(enc)
	return nil
}

// writeNumber emits a decoded json.Number literal verbatim so input text like
// 1e3 or 1.50 hashes the same across re-encodings of the same document.
func writeNumber(buf *bytes.Buffer, n json.Number) error {
	s := n.String()
	if _, err := strconv.ParseFloat(s, 64); err != nil {
		return fmt.Errorf("invalid number literal %q", s)
	}
	buf.WriteString(s)
	return nil
}

func writeFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		buf.WriteString("null")
		return nil
	}
	enc, err := json.Marshal(f)
	if err != nil {
		return err
	}
	buf.Write(enc)
	return nil
}
