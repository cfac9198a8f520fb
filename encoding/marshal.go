// Package encoding converts arbitrary objects into byte slices, and vice
// versa. It also contains helper functions for reading and writing
// length-prefixed data. The encoding rules are whole-protocol canonical:
// every peer must produce byte-identical encodings for identical objects,
// because object hashes are computed over the encoded form.
package encoding

import (
	"errors"
	"reflect"
)

// A LuxMarshaler can encode itself as a byte slice. (Marshaler and
// Unmarshaler are separate interfaces because UnmarshalLux must have a
// pointer receiver, while MarshalLux does not.)
type LuxMarshaler interface {
	MarshalLux() []byte
}

// A LuxUnmarshaler can decode itself from a byte slice. If the data is
// malformed, UnmarshalLux should panic; the panic is recovered by Unmarshal.
type LuxUnmarshaler interface {
	UnmarshalLux([]byte)
}

// Marshal encodes a value as a byte slice. The encoding rules are as
// follows:
//
// Integers are little-endian, and are always encoded as 8 bytes, i.e. their
// int64 or uint64 equivalent.
//
// Booleans are encoded as one byte, either zero (false) or one (true).
//
// Nil pointers are represented by a zero. Valid pointers are prefaced by a
// one, followed by the dereferenced value.
//
// Variable-length types, such as strings and slices, are prefaced by 8
// bytes containing their length. Byte slices and byte arrays are encoded as
// their literal bytes rather than element-by-element.
//
// Slices, arrays, and structs are the concatenation of their encoded
// elements, struct fields in declaration order.
//
// If a type implements the LuxMarshaler interface, its MarshalLux method is
// used and the result is length-prefixed like any other variable-length
// value.
func Marshal(v interface{}) []byte {
	return marshal(reflect.ValueOf(v))
}

// MarshalAll marshals all of its inputs and returns their concatenation.
func MarshalAll(vs ...interface{}) (b []byte) {
	for i := range vs {
		b = append(b, Marshal(vs[i])...)
	}
	return
}

func marshal(val reflect.Value) (b []byte) {
	// Custom marshalers take priority over the reflection walk.
	if m, ok := val.Interface().(LuxMarshaler); ok {
		data := m.MarshalLux()
		return append(EncUint64(uint64(len(data))), data...)
	} else if val.CanAddr() {
		if m, ok := val.Addr().Interface().(LuxMarshaler); ok {
			data := m.MarshalLux()
			return append(EncUint64(uint64(len(data))), data...)
		}
	}

	switch val.Kind() {
	case reflect.Ptr:
		if val.IsNil() {
			return []byte{0}
		}
		return append([]byte{1}, marshal(val.Elem())...)
	case reflect.Bool:
		if val.Bool() {
			return []byte{1}
		}
		return []byte{0}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return EncInt64(val.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return EncUint64(val.Uint())
	case reflect.String:
		s := val.String()
		return append(EncUint64(uint64(len(s))), s...)
	case reflect.Slice:
		// Slices are variable length, so prepend the length and fall through
		// to the array logic.
		b = EncUint64(uint64(val.Len()))
		fallthrough
	case reflect.Array:
		// Byte arrays are encoded as their literal representation. The array
		// may be unaddressable, so copy it into a fresh slice first.
		if val.Type().Elem().Kind() == reflect.Uint8 {
			slice := reflect.MakeSlice(reflect.SliceOf(val.Type().Elem()), val.Len(), val.Len())
			reflect.Copy(slice, val)
			return append(b, slice.Bytes()...)
		}
		for i := 0; i < val.Len(); i++ {
			b = append(b, marshal(val.Index(i))...)
		}
		return
	case reflect.Struct:
		for i := 0; i < val.NumField(); i++ {
			b = append(b, marshal(val.Field(i))...)
		}
		return
	default:
		// Marshalling should never fail. A panic here means an unencodable
		// type (map, chan, unexported field) reached the wire layer.
		panic("could not marshal type " + val.Type().String())
	}
}

// Unmarshal decodes a byte slice into the provided interface. The interface
// must be a pointer. The decoding rules are the inverse of those described
// under Marshal. Trailing bytes are an error.
func Unmarshal(b []byte, v interface{}) (err error) {
	pval := reflect.ValueOf(v)
	if pval.Kind() != reflect.Ptr || pval.IsNil() {
		return errors.New("must pass a valid pointer to Unmarshal")
	}

	// unmarshal may panic on malformed data; recovering here allows the
	// inner walk to skip bounds checking.
	var consumed int
	defer func() {
		if r := recover(); r != nil || consumed != len(b) {
			err = errors.New("could not unmarshal type " + pval.Elem().Type().String())
		}
	}()

	consumed = unmarshal(b, pval.Elem())
	return
}

func unmarshal(b []byte, val reflect.Value) (consumed int) {
	if val.CanAddr() {
		if u, ok := val.Addr().Interface().(LuxUnmarshaler); ok {
			dataLen := int(DecUint64(b[:8]))
			u.UnmarshalLux(b[8 : 8+dataLen])
			return dataLen + 8
		}
	}

	switch val.Kind() {
	case reflect.Ptr:
		if b[0] == 0 {
			return 1
		}
		if val.IsNil() {
			val.Set(reflect.New(val.Type().Elem()))
		}
		return unmarshal(b[1:], val.Elem()) + 1
	case reflect.Bool:
		switch b[0] {
		case 0:
			val.SetBool(false)
		case 1:
			val.SetBool(true)
		default:
			panic("boolean value was not 0 or 1")
		}
		return 1
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		val.SetInt(DecInt64(b[:8]))
		return 8
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		val.SetUint(DecUint64(b[:8]))
		return 8
	case reflect.String:
		n := int(DecUint64(b[:8])) + 8
		val.SetString(string(b[8:n]))
		return n
	case reflect.Slice:
		var sliceLen int
		sliceLen, b, consumed = int(DecUint64(b[:8])), b[8:], 8
		val.Set(reflect.MakeSlice(val.Type(), sliceLen, sliceLen))
		fallthrough
	case reflect.Array:
		if val.Type().Elem().Kind() == reflect.Uint8 {
			slice := reflect.ValueOf(b).Slice(0, val.Len())
			return consumed + reflect.Copy(val, slice)
		}
		for i := 0; i < val.Len(); i++ {
			n := unmarshal(b, val.Index(i))
			consumed, b = consumed+n, b[n:]
		}
		return
	case reflect.Struct:
		for i := 0; i < val.NumField(); i++ {
			n := unmarshal(b, val.Field(i))
			consumed, b = consumed+n, b[n:]
		}
		return
	default:
		panic("unknown type")
	}
}
