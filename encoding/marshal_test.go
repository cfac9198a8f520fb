package encoding

import (
	"bytes"
	"testing"
)

// testStruct covers every kind the wire layer uses: fixed integers, strings,
// byte slices, byte arrays, nested structs, and pointers.
type testStruct struct {
	I int64
	U uint64
	B bool
	S string
	D []byte
	A [4]byte
	N nested
	P *uint64
}

type nested struct {
	V uint32
}

// selfMarshaler exercises the LuxMarshaler/LuxUnmarshaler path.
type selfMarshaler struct {
	b byte
}

func (m selfMarshaler) MarshalLux() []byte     { return []byte{m.b} }
func (m *selfMarshaler) UnmarshalLux(b []byte) { m.b = b[0] }

// TestMarshalRoundTrip checks that Unmarshal inverts Marshal for a struct
// exercising all supported kinds.
func TestMarshalRoundTrip(t *testing.T) {
	u := uint64(7)
	obj := testStruct{
		I: -3,
		U: 12,
		B: true,
		S: "foo",
		D: []byte{1, 2, 3},
		A: [4]byte{4, 5, 6, 7},
		N: nested{V: 9},
		P: &u,
	}
	var dec testStruct
	err := Unmarshal(Marshal(obj), &dec)
	if err != nil {
		t.Fatal(err)
	}
	if dec.I != obj.I || dec.U != obj.U || dec.B != obj.B || dec.S != obj.S {
		t.Error("scalar fields did not survive the round trip")
	}
	if !bytes.Equal(dec.D, obj.D) || dec.A != obj.A || dec.N != obj.N {
		t.Error("compound fields did not survive the round trip")
	}
	if dec.P == nil || *dec.P != u {
		t.Error("pointer field did not survive the round trip")
	}
}

// TestMarshalCanonical checks the documented byte layout: 8-byte
// little-endian integers and 8-byte length prefixes.
func TestMarshalCanonical(t *testing.T) {
	b := Marshal(uint64(0x0102))
	expected := []byte{0x02, 0x01, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(b, expected) {
		t.Error("uint64 encoding is not canonical little-endian:", b)
	}

	b = Marshal("ab")
	expected = []byte{2, 0, 0, 0, 0, 0, 0, 0, 'a', 'b'}
	if !bytes.Equal(b, expected) {
		t.Error("string encoding is not length-prefixed:", b)
	}

	b = Marshal([]byte{0xff})
	expected = []byte{1, 0, 0, 0, 0, 0, 0, 0, 0xff}
	if !bytes.Equal(b, expected) {
		t.Error("byte slice encoding is not length-prefixed:", b)
	}
}

// TestMarshalNilPointer checks nil pointer handling.
func TestMarshalNilPointer(t *testing.T) {
	var obj struct{ P *uint64 }
	b := Marshal(obj)
	if !bytes.Equal(b, []byte{0}) {
		t.Error("nil pointer did not encode as a single zero byte")
	}
	var dec struct{ P *uint64 }
	if err := Unmarshal(b, &dec); err != nil {
		t.Fatal(err)
	}
	if dec.P != nil {
		t.Error("nil pointer did not decode as nil")
	}
}

// TestMarshalSelfMarshaler checks that custom marshalers are honored and
// length-prefixed.
func TestMarshalSelfMarshaler(t *testing.T) {
	b := Marshal(selfMarshaler{b: 0xaa})
	expected := append(EncUint64(1), 0xaa)
	if !bytes.Equal(b, expected) {
		t.Error("custom marshaler output was not length-prefixed:", b)
	}
	var dec selfMarshaler
	if err := Unmarshal(b, &dec); err != nil {
		t.Fatal(err)
	}
	if dec.b != 0xaa {
		t.Error("custom unmarshaler was not invoked")
	}
}

// TestUnmarshalMalformed checks that malformed and trailing data produce
// errors instead of panics.
func TestUnmarshalMalformed(t *testing.T) {
	var u uint64
	if err := Unmarshal([]byte{1, 2}, &u); err == nil {
		t.Error("truncated integer did not error")
	}
	if err := Unmarshal(append(Marshal(uint64(1)), 0), &u); err == nil {
		t.Error("trailing bytes did not error")
	}
	if err := Unmarshal(Marshal(uint64(1)), u); err == nil {
		t.Error("non-pointer target did not error")
	}
}

// TestMarshalAll checks that MarshalAll is the concatenation of Marshal
// calls.
func TestMarshalAll(t *testing.T) {
	b := MarshalAll(uint64(1), "a")
	expected := append(Marshal(uint64(1)), Marshal("a")...)
	if !bytes.Equal(b, expected) {
		t.Error("MarshalAll did not concatenate encodings")
	}
}
