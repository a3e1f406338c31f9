package signature

import (
	"fmt"
	"strings"

	buserr "github.com/vinayprograms/peerbus/errors"
)

// Code is a single type tag in a signature string.
type Code byte

const (
	Byte        Code = 'y'
	Boolean     Code = 'b'
	Int16       Code = 'n'
	Uint16      Code = 'q'
	Int32       Code = 'i'
	Uint32      Code = 'u'
	Int64       Code = 'x'
	Uint64      Code = 't'
	Double      Code = 'd'
	String      Code = 's'
	Path        Code = 'o'
	Sig         Code = 'g'
	VariantCode Code = 'v'
	Array       Code = 'a'
	StructOpen  Code = '('
	StructClose Code = ')'
	DictOpen    Code = '{'
	DictClose   Code = '}'
)

const (
	// MaxLength is the longest signature accepted.
	MaxLength = 255
	// MaxDepth bounds array nesting and struct nesting independently.
	MaxDepth = 32
)

// Type is one parsed complete type.
type Type struct {
	Code Code
	// Elem is the element type of an array.
	Elem *Type
	// Fields holds struct fields, or key and value of a dict entry.
	Fields []Type
}

// IsBasic reports whether the type is a fixed or string-like scalar. Only
// basic types may be dict keys.
func (t Type) IsBasic() bool {
	switch t.Code {
	case Byte, Boolean, Int16, Uint16, Int32, Uint32, Int64, Uint64, Double, String, Path, Sig:
		return true
	}
	return false
}

// IsDict reports whether the type is an array of dict entries.
func (t Type) IsDict() bool {
	return t.Code == Array && t.Elem != nil && t.Elem.Code == DictOpen
}

// String renders the type back to signature form.
func (t Type) String() string {
	var sb strings.Builder
	t.write(&sb)
	return sb.String()
}

func (t Type) write(sb *strings.Builder) {
	switch t.Code {
	case Array:
		sb.WriteByte('a')
		t.Elem.write(sb)
	case StructOpen:
		sb.WriteByte('(')
		for _, f := range t.Fields {
			f.write(sb)
		}
		sb.WriteByte(')')
	case DictOpen:
		sb.WriteByte('{')
		t.Fields[0].write(sb)
		t.Fields[1].write(sb)
		sb.WriteByte('}')
	default:
		sb.WriteByte(byte(t.Code))
	}
}

// Parse splits sig into its complete types. An empty signature parses to
// zero types.
func Parse(sig string) ([]Type, error) {
	if len(sig) > MaxLength {
		return nil, invalid(sig, "longer than %d", MaxLength)
	}
	p := parser{sig: sig}
	var types []Type
	for p.pos < len(sig) {
		t, err := p.next(0, 0, false)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, nil
}

// ParseSingle parses a signature that must hold exactly one complete type.
func ParseSingle(sig string) (Type, error) {
	types, err := Parse(sig)
	if err != nil {
		return Type{}, err
	}
	if len(types) != 1 {
		return Type{}, invalid(sig, "expected one complete type, found %d", len(types))
	}
	return types[0], nil
}

// Validate reports whether sig is well formed.
func Validate(sig string) error {
	_, err := Parse(sig)
	return err
}

// IsSingle reports whether sig is exactly one complete type.
func IsSingle(sig string) bool {
	_, err := ParseSingle(sig)
	return err == nil
}

// Count returns the number of complete types in sig, or -1 if it is invalid.
func Count(sig string) int {
	types, err := Parse(sig)
	if err != nil {
		return -1
	}
	return len(types)
}

// Join renders types back into one signature string.
func Join(types []Type) string {
	var sb strings.Builder
	for _, t := range types {
		t.write(&sb)
	}
	return sb.String()
}

type parser struct {
	sig string
	pos int
}

func (p *parser) next(arrayDepth, structDepth int, inArray bool) (Type, error) {
	if p.pos >= len(p.sig) {
		return Type{}, invalid(p.sig, "unexpected end")
	}
	c := Code(p.sig[p.pos])
	p.pos++

	switch c {
	case Byte, Boolean, Int16, Uint16, Int32, Uint32, Int64, Uint64, Double, String, Path, Sig, VariantCode:
		return Type{Code: c}, nil

	case Array:
		if arrayDepth+1 > MaxDepth {
			return Type{}, invalid(p.sig, "array nesting deeper than %d", MaxDepth)
		}
		elem, err := p.next(arrayDepth+1, structDepth, true)
		if err != nil {
			return Type{}, err
		}
		return Type{Code: Array, Elem: &elem}, nil

	case StructOpen:
		if structDepth+1 > MaxDepth {
			return Type{}, invalid(p.sig, "struct nesting deeper than %d", MaxDepth)
		}
		t := Type{Code: StructOpen}
		for {
			if p.pos >= len(p.sig) {
				return Type{}, invalid(p.sig, "unterminated struct")
			}
			if Code(p.sig[p.pos]) == StructClose {
				p.pos++
				break
			}
			f, err := p.next(arrayDepth, structDepth+1, false)
			if err != nil {
				return Type{}, err
			}
			t.Fields = append(t.Fields, f)
		}
		if len(t.Fields) == 0 {
			return Type{}, invalid(p.sig, "empty struct")
		}
		return t, nil

	case DictOpen:
		if !inArray {
			return Type{}, invalid(p.sig, "dict entry outside array")
		}
		if structDepth+1 > MaxDepth {
			return Type{}, invalid(p.sig, "struct nesting deeper than %d", MaxDepth)
		}
		key, err := p.next(arrayDepth, structDepth+1, false)
		if err != nil {
			return Type{}, err
		}
		if !key.IsBasic() {
			return Type{}, invalid(p.sig, "dict key %q is not a basic type", key.String())
		}
		val, err := p.next(arrayDepth, structDepth+1, false)
		if err != nil {
			return Type{}, err
		}
		if p.pos >= len(p.sig) || Code(p.sig[p.pos]) != DictClose {
			return Type{}, invalid(p.sig, "dict entry must hold exactly one key and one value")
		}
		p.pos++
		return Type{Code: DictOpen, Fields: []Type{key, val}}, nil

	default:
		return Type{}, invalid(p.sig, "unexpected %q at offset %d", byte(c), p.pos-1)
	}
}

func invalid(sig, format string, args ...interface{}) *buserr.Error {
	return buserr.New(buserr.ErrCodeInvalidSignature,
		fmt.Sprintf("signature %q: %s", sig, fmt.Sprintf(format, args...)),
		buserr.WithMetadata("signature", sig))
}
