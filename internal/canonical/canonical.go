// Package canonical produces the deterministic byte form of record material
// that every hash in the ledger is computed over.
//
// The encoding is compact JSON with these rules:
//
//   - object keys sorted lexicographically at every nesting level
//   - no whitespace; "," between entries and ":" between key and value
//   - decimals (shopspring/decimal) emitted as JSON strings holding the exact
//     decimal text, never as binary floating point
//   - timestamps emitted as ISO-8601 strings in UTC with an explicit "+00:00"
//     offset; fractional seconds are written as six digits when non-zero
//   - strings are UTF-8, HTML characters are not escaped
//
// Anything without a defined representation (float64, structs, channels, ...)
// is rejected with an *EncodingError instead of being coerced.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"sort"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// TimeLayout is the layout for timestamps with whole seconds.
// TimeLayoutMicro is used when the timestamp has a fractional part.
const (
	TimeLayout      = "2006-01-02T15:04:05-07:00"
	TimeLayoutMicro = "2006-01-02T15:04:05.000000-07:00"
)

// EncodingError reports a value that has no canonical representation.
// Path is the dotted location of the value inside the material.
type EncodingError struct {
	Path   string
	Reason string
}

func (e *EncodingError) Error() string {
	if e.Path == "" {
		return "canonical encoding: " + e.Reason
	}
	return fmt.Sprintf("canonical encoding of %s: %s", e.Path, e.Reason)
}

// Canonicalize returns the canonical bytes for a material field map.
func Canonicalize(material map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, "", material); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Value canonicalizes a single value. Used for per-field fingerprints.
func Value(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, "", v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FormatTime renders t the way the encoder does. Sub-microsecond precision
// cannot be represented and is an error.
func FormatTime(t time.Time) (string, error) {
	if t.IsZero() {
		return "", &EncodingError{Reason: "zero timestamp"}
	}
	t = t.UTC()
	if t.Nanosecond()%1000 != 0 {
		return "", &EncodingError{Reason: "timestamp has sub-microsecond precision"}
	}
	if t.Nanosecond() == 0 {
		return t.Format(TimeLayout), nil
	}
	return t.Format(TimeLayoutMicro), nil
}

func encodeValue(buf *bytes.Buffer, path string, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(val))
	case string:
		return encodeString(buf, path, val)
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
	case *big.Int:
		if val == nil {
			buf.WriteString("null")
			return nil
		}
		buf.WriteString(val.String())
	case json.Number:
		// Raw numeric literal from a decoder running with UseNumber. Emitted
		// verbatim, so it must already be a JSON number token.
		if !jsonNumber.MatchString(string(val)) {
			return &EncodingError{Path: path, Reason: fmt.Sprintf("malformed number %q", string(val))}
		}
		buf.WriteString(string(val))
	case decimal.Decimal:
		return encodeString(buf, path, val.String())
	case *decimal.Decimal:
		if val == nil {
			buf.WriteString("null")
			return nil
		}
		return encodeString(buf, path, val.String())
	case decimal.NullDecimal:
		if !val.Valid {
			buf.WriteString("null")
			return nil
		}
		return encodeString(buf, path, val.Decimal.String())
	case time.Time:
		s, err := FormatTime(val)
		if err != nil {
			return withPath(err, path)
		}
		return encodeString(buf, path, s)
	case *time.Time:
		if val == nil {
			buf.WriteString("null")
			return nil
		}
		return encodeValue(buf, path, *val)
	case map[string]any:
		return encodeMap(buf, path, val)
	case map[string]string:
		m := make(map[string]any, len(val))
		for k, s := range val {
			m[k] = s
		}
		return encodeMap(buf, path, m)
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeValue(buf, fmt.Sprintf("%s[%d]", path, i), item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case []string:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeString(buf, path, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case float32, float64:
		return &EncodingError{Path: path, Reason: "binary floating point is not allowed, use decimal.Decimal"}
	default:
		return &EncodingError{Path: path, Reason: fmt.Sprintf("unsupported type %T", v)}
	}
	return nil
}

func encodeMap(buf *bytes.Buffer, path string, m map[string]any) error {
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
		child := k
		if path != "" {
			child = path + "." + k
		}
		if err := encodeString(buf, child, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := encodeValue(buf, child, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// jsonNumber is the RFC 8259 number grammar. Literals such as "+5", ".5"
// or "05" parse as decimals but are not JSON.
var jsonNumber = regexp.MustCompile(`^-?(?:0|[1-9][0-9]*)(?:\.[0-9]+)?(?:[eE][+-]?[0-9]+)?$`)

func encodeString(buf *bytes.Buffer, path, s string) error {
	if !utf8.ValidString(s) {
		return &EncodingError{Path: path, Reason: "string is not valid UTF-8"}
	}
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return &EncodingError{Path: path, Reason: err.Error()}
	}
	// Encoder appends a newline.
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte{'\n'}))
	return nil
}

func withPath(err error, path string) error {
	if ee, ok := err.(*EncodingError); ok && ee.Path == "" {
		return &EncodingError{Path: path, Reason: ee.Reason}
	}
	return err
}
