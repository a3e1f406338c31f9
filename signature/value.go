package signature

import (
	"fmt"
	"sort"
	"strings"

	buserr "github.com/vinayprograms/peerbus/errors"
)

// ObjectPath is a slash-delimited object path such as "/org/example/chat".
type ObjectPath string

// IsValid reports whether p is "/" or a sequence of "/element" parts where
// each element is non-empty and made of [A-Za-z0-9_].
func (p ObjectPath) IsValid() bool {
	s := string(p)
	if s == "/" {
		return true
	}
	if len(s) < 2 || s[0] != '/' || s[len(s)-1] == '/' {
		return false
	}
	for _, part := range strings.Split(s[1:], "/") {
		if part == "" {
			return false
		}
		for _, r := range part {
			if !isPathRune(r) {
				return false
			}
		}
	}
	return true
}

func isPathRune(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// Signature is a signature carried as a value ('g').
type Signature string

// Variant is a self-describing value ('v').
type Variant struct {
	Sig   string
	Value any
}

// MakeVariant wraps v with its derived signature.
func MakeVariant(v any) (Variant, error) {
	sig, err := SignatureOf(v)
	if err != nil {
		return Variant{}, err
	}
	return Variant{Sig: sig, Value: v}, nil
}

// String renders the variant for logs.
func (v Variant) String() string {
	return fmt.Sprintf("<%s %v>", v.Sig, v.Value)
}

// Struct is a struct value; fields are positional.
type Struct []any

// DictEntry is one key/value element of an array of dict entries.
type DictEntry struct {
	Key   any
	Value any
}

// StringDict converts m into dict entries ordered by key.
func StringDict[V any](m map[string]V) []any {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, 0, len(m))
	for _, k := range keys {
		out = append(out, DictEntry{Key: k, Value: m[k]})
	}
	return out
}

// CheckArgs validates arity and per-argument types of args against sig.
// Failures are INVALID_ARGUMENT errors; a malformed sig is INVALID_SIGNATURE.
func CheckArgs(sig string, args []any) error {
	types, err := Parse(sig)
	if err != nil {
		return err
	}
	return checkArgs(sig, types, args)
}

func checkArgs(sig string, types []Type, args []any) error {
	if len(types) != len(args) {
		return buserr.New(buserr.ErrCodeInvalidArgument,
			fmt.Sprintf("signature %q expects %d arguments, got %d", sig, len(types), len(args)),
			buserr.WithMetadata("signature", sig))
	}
	for i, t := range types {
		if err := Check(t, args[i]); err != nil {
			return buserr.New(buserr.ErrCodeInvalidArgument,
				fmt.Sprintf("argument %d: %v", i, err),
				buserr.WithMetadata("signature", sig),
				buserr.WithMetadata("index", fmt.Sprint(i)))
		}
	}
	return nil
}

// Check validates that v is the Go representation of type t.
func Check(t Type, v any) error {
	switch t.Code {
	case Byte:
		return expect[uint8](t, v)
	case Boolean:
		return expect[bool](t, v)
	case Int16:
		return expect[int16](t, v)
	case Uint16:
		return expect[uint16](t, v)
	case Int32:
		return expect[int32](t, v)
	case Uint32:
		return expect[uint32](t, v)
	case Int64:
		return expect[int64](t, v)
	case Uint64:
		return expect[uint64](t, v)
	case Double:
		return expect[float64](t, v)
	case String:
		return expect[string](t, v)

	case Path:
		p, ok := asPath(v)
		if !ok {
			return mismatch(t, v)
		}
		if !p.IsValid() {
			return fmt.Errorf("invalid object path %q", p)
		}
		return nil

	case Sig:
		s, ok := asSig(v)
		if !ok {
			return mismatch(t, v)
		}
		return Validate(string(s))

	case VariantCode:
		vv, ok := v.(Variant)
		if !ok {
			return mismatch(t, v)
		}
		inner, err := ParseSingle(vv.Sig)
		if err != nil {
			return err
		}
		return Check(inner, vv.Value)

	case Array:
		return checkArray(t, v)

	case StructOpen:
		fields, ok := asFields(v)
		if !ok {
			return mismatch(t, v)
		}
		if len(fields) != len(t.Fields) {
			return fmt.Errorf("struct %s expects %d fields, got %d", t, len(t.Fields), len(fields))
		}
		for i, f := range t.Fields {
			if err := Check(f, fields[i]); err != nil {
				return fmt.Errorf("field %d: %w", i, err)
			}
		}
		return nil

	case DictOpen:
		e, ok := v.(DictEntry)
		if !ok {
			return mismatch(t, v)
		}
		if err := Check(t.Fields[0], e.Key); err != nil {
			return fmt.Errorf("key: %w", err)
		}
		if err := Check(t.Fields[1], e.Value); err != nil {
			return fmt.Errorf("value: %w", err)
		}
		return nil
	}
	return fmt.Errorf("unsupported type %q", t.String())
}

func checkArray(t Type, v any) error {
	switch items := v.(type) {
	case []byte:
		if t.Elem.Code != Byte {
			return mismatch(t, v)
		}
		return nil
	case []string:
		if t.Elem.Code != String {
			return mismatch(t, v)
		}
		return nil
	case []any:
		for i, item := range items {
			if err := Check(*t.Elem, item); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}
		return nil
	}
	return mismatch(t, v)
}

func expect[T any](t Type, v any) error {
	if _, ok := v.(T); !ok {
		return mismatch(t, v)
	}
	return nil
}

func mismatch(t Type, v any) error {
	return fmt.Errorf("want %q, got %T", t.String(), v)
}

func asPath(v any) (ObjectPath, bool) {
	switch p := v.(type) {
	case ObjectPath:
		return p, true
	case string:
		return ObjectPath(p), true
	}
	return "", false
}

func asSig(v any) (Signature, bool) {
	switch s := v.(type) {
	case Signature:
		return s, true
	case string:
		return Signature(s), true
	}
	return "", false
}

func asFields(v any) ([]any, bool) {
	switch f := v.(type) {
	case Struct:
		return f, true
	case []any:
		return f, true
	}
	return nil, false
}

// SignatureOf derives the signature of a Go value in the argument
// representation. Plain int and empty []any are rejected since their wire
// type is ambiguous.
func SignatureOf(v any) (string, error) {
	switch val := v.(type) {
	case uint8:
		return "y", nil
	case bool:
		return "b", nil
	case int16:
		return "n", nil
	case uint16:
		return "q", nil
	case int32:
		return "i", nil
	case uint32:
		return "u", nil
	case int64:
		return "x", nil
	case uint64:
		return "t", nil
	case float64:
		return "d", nil
	case string:
		return "s", nil
	case ObjectPath:
		return "o", nil
	case Signature:
		return "g", nil
	case Variant:
		return "v", nil
	case []byte:
		return "ay", nil
	case []string:
		return "as", nil
	case Struct:
		var sb strings.Builder
		sb.WriteByte('(')
		for _, f := range val {
			s, err := SignatureOf(f)
			if err != nil {
				return "", err
			}
			sb.WriteString(s)
		}
		sb.WriteByte(')')
		return sb.String(), nil
	case DictEntry:
		k, err := SignatureOf(val.Key)
		if err != nil {
			return "", err
		}
		vs, err := SignatureOf(val.Value)
		if err != nil {
			return "", err
		}
		return "{" + k + vs + "}", nil
	case []any:
		if len(val) == 0 {
			return "", buserr.InvalidArgument("cannot derive element type of empty array")
		}
		elem, err := SignatureOf(val[0])
		if err != nil {
			return "", err
		}
		sig := "a" + elem
		t, err := ParseSingle(sig)
		if err != nil {
			return "", err
		}
		if err := Check(t, val); err != nil {
			return "", buserr.InvalidArgument(fmt.Sprintf("heterogeneous array: %v", err))
		}
		return sig, nil
	}
	return "", buserr.InvalidArgument(fmt.Sprintf("unsupported Go type %T", v))
}
