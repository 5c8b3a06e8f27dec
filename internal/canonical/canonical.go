// Package canonical renders values as the exact JSON byte stream ZeroNet
// signs: the output of Python's json.dumps(obj, sort_keys=True).
package canonical

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Encoder holds the separators placed between items and between a key and
// its value.
type Encoder struct {
	ItemSep string
	KeySep  string
}

var (
	// Default matches json.dumps with its default separators, which is what
	// every deployed site signs.
	Default = Encoder{ItemSep: ", ", KeySep: ": "}

	// Compact matches json.dumps(..., separators=(",", ":")).
	Compact = Encoder{ItemSep: ",", KeySep: ":"}
)

// EncodeError reports a value that has no JSON representation.
type EncodeError struct {
	Reason string
}

func (e *EncodeError) Error() string {
	return "canonical: " + e.Reason
}

// Encode renders v with the Default encoder.
func Encode(v any) ([]byte, error) {
	return Default.Encode(v)
}

// EncodeCompact renders v with the Compact encoder.
func EncodeCompact(v any) ([]byte, error) {
	return Compact.Encode(v)
}

// Encode renders v. Supported values are nil, bools, strings, numbers
// (including json.Number), json.RawMessage, maps with string keys, slices,
// arrays, pointers and json.Marshaler implementations.
func (e Encoder) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := e.encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e Encoder) encode(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case json.Number:
		return writeNumber(buf, x)
	case json.RawMessage:
		return e.encodeRaw(buf, x)
	case string:
		writeString(buf, x)
		return nil
	case bool:
		buf.WriteString(strconv.FormatBool(x))
		return nil
	case json.Marshaler:
		raw, err := x.MarshalJSON()
		if err != nil {
			return &EncodeError{Reason: err.Error()}
		}
		return e.encodeRaw(buf, raw)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		buf.WriteString(strconv.FormatBool(rv.Bool()))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		buf.WriteString(strconv.FormatInt(rv.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		buf.WriteString(strconv.FormatUint(rv.Uint(), 10))
	case reflect.Float32, reflect.Float64:
		return writeFloat(buf, rv.Float())
	case reflect.String:
		writeString(buf, rv.String())
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			buf.WriteString("null")
			return nil
		}
		return e.encode(buf, rv.Elem().Interface())
	case reflect.Map:
		return e.encodeMap(buf, rv)
	case reflect.Slice:
		if rv.IsNil() {
			buf.WriteString("null")
			return nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			writeString(buf, base64.StdEncoding.EncodeToString(rv.Bytes()))
			return nil
		}
		return e.encodeList(buf, rv)
	case reflect.Array:
		return e.encodeList(buf, rv)
	case reflect.Struct:
		raw, err := json.Marshal(v)
		if err != nil {
			return &EncodeError{Reason: err.Error()}
		}
		return e.encodeRaw(buf, raw)
	default:
		return &EncodeError{Reason: fmt.Sprintf("unsupported type %s", rv.Type())}
	}
	return nil
}

func (e Encoder) encodeMap(buf *bytes.Buffer, rv reflect.Value) error {
	if rv.Type().Key().Kind() != reflect.String {
		return &EncodeError{Reason: fmt.Sprintf("map key type %s is not a string", rv.Type().Key())}
	}
	if rv.IsNil() {
		buf.WriteString("null")
		return nil
	}

	keys := make([]string, 0, rv.Len())
	for _, k := range rv.MapKeys() {
		keys = append(keys, k.String())
	}
	sortKeys(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteString(e.ItemSep)
		}
		writeString(buf, k)
		buf.WriteString(e.KeySep)
		val := rv.MapIndex(reflect.ValueOf(k).Convert(rv.Type().Key()))
		if err := e.encode(buf, val.Interface()); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func (e Encoder) encodeList(buf *bytes.Buffer, rv reflect.Value) error {
	buf.WriteByte('[')
	for i := 0; i < rv.Len(); i++ {
		if i > 0 {
			buf.WriteString(e.ItemSep)
		}
		if err := e.encode(buf, rv.Index(i).Interface()); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

// encodeRaw re-renders an already encoded JSON document. Number literals are
// kept as json.Number so integers of any size survive untouched.
func (e Encoder) encodeRaw(buf *bytes.Buffer, raw []byte) error {
	v, err := Decode(raw)
	if err != nil {
		return &EncodeError{Reason: err.Error()}
	}
	return e.encode(buf, v)
}

// Decode parses a single JSON document with numbers kept as json.Number.
func Decode(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("decode json: trailing data after document")
	}
	return v, nil
}

// sortKeys orders keys by code point, which is how Python compares str.
// Go strings compare bytewise and UTF-8 preserves code point order.
func sortKeys(keys []string) {
	sort.Strings(keys)
}

func writeNumber(buf *bytes.Buffer, n json.Number) error {
	s := string(n)
	if s == "" {
		return &EncodeError{Reason: "empty number"}
	}
	if strings.ContainsAny(s, ".eE") {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return &EncodeError{Reason: fmt.Sprintf("invalid number %q", s)}
		}
		return writeFloat(buf, f)
	}
	if !isInteger(s) {
		return &EncodeError{Reason: fmt.Sprintf("invalid number %q", s)}
	}
	if s == "-0" {
		s = "0"
	}
	buf.WriteString(s)
	return nil
}

func isInteger(s string) bool {
	s = strings.TrimPrefix(s, "-")
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// writeFloat renders f the way Python's float repr does: the shortest
// round-tripping digits, fixed notation for decimal exponents in [-4, 16)
// with at least one fractional digit, scientific notation otherwise.
func writeFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return &EncodeError{Reason: fmt.Sprintf("float %v is not valid JSON", f)}
	}
	if f == 0 {
		if math.Signbit(f) {
			buf.WriteString("-0.0")
		} else {
			buf.WriteString("0.0")
		}
		return nil
	}

	sci := strconv.FormatFloat(f, 'e', -1, 64)
	exp, err := strconv.Atoi(sci[strings.IndexByte(sci, 'e')+1:])
	if err != nil {
		return &EncodeError{Reason: fmt.Sprintf("format float %v: %v", f, err)}
	}
	if exp < -4 || exp >= 16 {
		buf.WriteString(sci)
		return nil
	}

	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsRune(s, '.') {
		s += ".0"
	}
	buf.WriteString(s)
	return nil
}

const hexDigits = "0123456789abcdef"

// writeString quotes s with ensure_ascii escaping: everything outside
// printable ASCII becomes \uXXXX, astral code points become surrogate pairs.
func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		default:
			switch {
			case r >= 0x20 && r <= 0x7e:
				buf.WriteByte(byte(r))
			case r > 0xffff:
				r -= 0x10000
				writeUnicodeEscape(buf, 0xd800+(r>>10)&0x3ff)
				writeUnicodeEscape(buf, 0xdc00+r&0x3ff)
			default:
				if r == utf8.RuneError {
					r = 0xfffd
				}
				writeUnicodeEscape(buf, r)
			}
		}
	}
	buf.WriteByte('"')
}

func writeUnicodeEscape(buf *bytes.Buffer, r rune) {
	buf.WriteString(`\u`)
	buf.WriteByte(hexDigits[(r>>12)&0xf])
	buf.WriteByte(hexDigits[(r>>8)&0xf])
	buf.WriteByte(hexDigits[(r>>4)&0xf])
	buf.WriteByte(hexDigits[r&0xf])
}
