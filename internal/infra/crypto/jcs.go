package crypto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"evidenceledger/internal/domain"
)

// TimestampLayout is the ISO-8601 form dates take inside canonical JSON and
// inside the chain-hash input: UTC, millisecond precision, Z suffix.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// maxExactInteger is the largest integer an IEEE double holds exactly.
// Payload integers past it are refused rather than rounded into the hash.
const maxExactInteger = 1<<53 - 1

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Canonicalize encodes v as the canonical JSON the ledger hashes and signs:
// object keys sorted at every level, no insignificant whitespace, numbers in
// their shortest round-trip form, timestamps in TimestampLayout. Anything
// that cannot be encoded fails with domain.ErrInvalidArgument.
func Canonicalize(v any) ([]byte, error) {
	return CanonicalizeAny(v)
}

// CanonicalizeJSON re-encodes one JSON document. Number literals are kept as
// written until they are formatted, so large integers are caught instead of
// silently rounded.
func CanonicalizeJSON(input []byte) ([]byte, error) {
	value, err := decodeDocument(input)
	if err != nil {
		return nil, err
	}
	return encodeCanonical(value)
}

func CanonicalizeAny(v any) ([]byte, error) {
	switch raw := v.(type) {
	case json.RawMessage:
		return CanonicalizeJSON(raw)
	case []byte:
		return CanonicalizeJSON(raw)
	}
	return encodeCanonical(v)
}

func decodeDocument(input []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(input))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", domain.ErrInvalidArgument, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: invalid JSON: trailing data", domain.ErrInvalidArgument)
	}
	return value, nil
}

func encodeCanonical(v any) ([]byte, error) {
	var enc canonicalEncoder
	if err := enc.value(v); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	return enc.buf.Bytes(), nil
}

type canonicalEncoder struct {
	buf bytes.Buffer
}

func (e *canonicalEncoder) value(v any) error {
	switch x := v.(type) {
	case nil:
		e.buf.WriteString("null")
	case bool:
		e.buf.WriteString(strconv.FormatBool(x))
	case string:
		e.str(x)
	case json.Number:
		return e.literal(string(x))
	case float64:
		return e.double(x)
	case float32:
		return e.double(float64(x))
	case int:
		return e.integer(int64(x))
	case int8:
		return e.integer(int64(x))
	case int16:
		return e.integer(int64(x))
	case int32:
		return e.integer(int64(x))
	case int64:
		return e.integer(x)
	case uint:
		return e.unsigned(uint64(x))
	case uint8:
		return e.unsigned(uint64(x))
	case uint16:
		return e.unsigned(uint64(x))
	case uint32:
		return e.unsigned(uint64(x))
	case uint64:
		return e.unsigned(x)
	case time.Time:
		e.str(FormatTimestamp(x))
	case *time.Time:
		if x == nil {
			e.buf.WriteString("null")
			return nil
		}
		e.str(FormatTimestamp(*x))
	case map[string]any:
		return e.object(x)
	case map[string]string:
		obj := make(map[string]any, len(x))
		for k, s := range x {
			obj[k] = s
		}
		return e.object(obj)
	case []any:
		return e.array(x)
	case []string:
		arr := make([]any, len(x))
		for i, s := range x {
			arr[i] = s
		}
		return e.array(arr)
	default:
		// Structs and typed collections go through their JSON form.
		raw, err := json.Marshal(x)
		if err != nil {
			return err
		}
		decoded, err := decodeDocument(raw)
		if err != nil {
			return err
		}
		return e.value(decoded)
	}
	return nil
}

func (e *canonicalEncoder) object(obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	e.buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		e.str(k)
		e.buf.WriteByte(':')
		if err := e.value(obj[k]); err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
	}
	e.buf.WriteByte('}')
	return nil
}

func (e *canonicalEncoder) array(arr []any) error {
	e.buf.WriteByte('[')
	for i, item := range arr {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		if err := e.value(item); err != nil {
			return fmt.Errorf("[%d]: %w", i, err)
		}
	}
	e.buf.WriteByte(']')
	return nil
}

func (e *canonicalEncoder) integer(n int64) error {
	if n > maxExactInteger || n < -maxExactInteger {
		return fmt.Errorf("integer %d is outside the exact range ±(2^53-1)", n)
	}
	e.buf.WriteString(strconv.FormatInt(n, 10))
	return nil
}

func (e *canonicalEncoder) unsigned(n uint64) error {
	if n > maxExactInteger {
		return fmt.Errorf("integer %d is outside the exact range ±(2^53-1)", n)
	}
	e.buf.WriteString(strconv.FormatUint(n, 10))
	return nil
}

// literal formats a JSON number as read from a document. Integer literals
// stay exact; everything else is a double.
func (e *canonicalEncoder) literal(lit string) error {
	if isIntegerLiteral(lit) {
		n, err := strconv.ParseInt(lit, 10, 64)
		if err != nil {
			return fmt.Errorf("integer %s is outside the exact range ±(2^53-1)", lit)
		}
		return e.integer(n)
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return fmt.Errorf("number %s: %v", lit, err)
	}
	return e.double(f)
}

func (e *canonicalEncoder) double(f float64) error {
	s, err := formatDouble(f)
	if err != nil {
		return err
	}
	e.buf.WriteString(s)
	return nil
}

func isIntegerLiteral(lit string) bool {
	digits := strings.TrimPrefix(lit, "-")
	if digits == "" {
		return false
	}
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return false
		}
	}
	return true
}

// formatDouble renders f the way ECMAScript's Number.prototype.toString
// does: shortest round-trip digits, plain notation for decimal exponents in
// [-7, 21), exponent notation with an explicit sign outside it.
func formatDouble(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("number %v is not finite", f)
	}
	if f == 0 {
		return "0", nil
	}
	var out strings.Builder
	if f < 0 {
		out.WriteByte('-')
		f = -f
	}
	mantissa, exponent, _ := strings.Cut(strconv.FormatFloat(f, 'e', -1, 64), "e")
	exp, err := strconv.Atoi(exponent)
	if err != nil {
		return "", fmt.Errorf("number %v: %v", f, err)
	}
	digits := strings.Replace(mantissa, ".", "", 1)

	switch point := exp + 1; {
	case exp < -6 || exp >= 21:
		out.WriteString(digits[:1])
		if len(digits) > 1 {
			out.WriteByte('.')
			out.WriteString(digits[1:])
		}
		out.WriteByte('e')
		if exp > 0 {
			out.WriteByte('+')
		}
		out.WriteString(strconv.Itoa(exp))
	case point <= 0:
		out.WriteString("0.")
		out.WriteString(strings.Repeat("0", -point))
		out.WriteString(digits)
	case point >= len(digits):
		out.WriteString(digits)
		out.WriteString(strings.Repeat("0", point-len(digits)))
	default:
		out.WriteString(digits[:point])
		out.WriteByte('.')
		out.WriteString(digits[point:])
	}
	return out.String(), nil
}

// str writes s as a JSON string, escaping only what JSON requires.
func (e *canonicalEncoder) str(s string) {
	const hex = "0123456789abcdef"
	e.buf.WriteByte('"')
	for _, r := range s {
		switch {
		case r == '"' || r == '\\':
			e.buf.WriteByte('\\')
			e.buf.WriteRune(r)
		case r == '\b':
			e.buf.WriteString(`\b`)
		case r == '\f':
			e.buf.WriteString(`\f`)
		case r == '\n':
			e.buf.WriteString(`\n`)
		case r == '\r':
			e.buf.WriteString(`\r`)
		case r == '\t':
			e.buf.WriteString(`\t`)
		case r < 0x20:
			e.buf.WriteString(`\u00`)
			e.buf.WriteByte(hex[r>>4])
			e.buf.WriteByte(hex[r&0x0f])
		default:
			e.buf.WriteRune(r)
		}
	}
	e.buf.WriteByte('"')
}
