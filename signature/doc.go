// Package signature implements the type-signature grammar used by method,
// signal and property declarations, the Go representation of typed
// arguments, and their binary encoding.
//
// Arguments are always positional []any values:
//
//	y uint8    b bool      n int16     q uint16
//	i int32    u uint32    x int64     t uint64
//	d float64  s string    o ObjectPath
//	g Signature            v Variant
//	aT []any (ay []byte)   (..) Struct  {KV} DictEntry
//
// CheckArgs validates arity and types before anything is sent:
//
//	err := signature.CheckArgs("ss", []any{"hello"})
//	// INVALID_ARGUMENT: signature "ss" expects 2 arguments, got 1
package signature
