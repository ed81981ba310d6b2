// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sqlite

import (
	"math"
	"strconv"
	"time"
)

// Type is the tag of a Value.
type Type int

const (
	TypeUnbound Type = iota // no value bound; executes as NULL
	TypeNull
	TypeInt8
	TypeInt16
	TypeInt32
	TypeInt64
	TypeUint8
	TypeUint16
	TypeUint32
	TypeUint64
	TypeDouble
	TypeBool
	TypeText
	TypeBlob
	TypeTime
)

var typeNames = [...]string{
	TypeUnbound: "unbound",
	TypeNull:    "null",
	TypeInt8:    "int8",
	TypeInt16:   "int16",
	TypeInt32:   "int32",
	TypeInt64:   "int64",
	TypeUint8:   "uint8",
	TypeUint16:  "uint16",
	TypeUint32:  "uint32",
	TypeUint64:  "uint64",
	TypeDouble:  "double",
	TypeBool:    "bool",
	TypeText:    "text",
	TypeBlob:    "blob",
	TypeTime:    "time",
}

func (t Type) String() string {
	if t >= 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "Type(" + strconv.Itoa(int(t)) + ")"
}

// isInteger reports whether values of t are stored as SQLite integers.
func (t Type) isInteger() bool {
	switch t {
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64,
		TypeUint8, TypeUint16, TypeUint32, TypeUint64,
		TypeBool, TypeTime:
		return true
	}
	return false
}

// Value is a single bound parameter or retrieved column.
//
// The zero Value is unbound.
// Integer types, bool and time share x: signed values are stored as their
// two's complement bit pattern, bools as 0 or 1, times as Unix seconds.
type Value struct {
	typ Type
	x   uint64  // integer payload
	f   float64 // TypeDouble
	s   string  // TypeText when bound from a string
	b   []byte  // TypeBlob, or TypeText when bound from bytes
}

// Null returns an SQL NULL.
func Null() Value { return Value{typ: TypeNull} }

// Int8 returns an integer Value.
func Int8(v int8) Value { return Value{typ: TypeInt8, x: uint64(int64(v))} }

// Int16 returns an integer Value.
func Int16(v int16) Value { return Value{typ: TypeInt16, x: uint64(int64(v))} }

// Int32 returns an integer Value.
func Int32(v int32) Value { return Value{typ: TypeInt32, x: uint64(int64(v))} }

// Int64 returns an integer Value.
func Int64(v int64) Value { return Value{typ: TypeInt64, x: uint64(v)} }

// Uint8 returns an integer Value.
func Uint8(v uint8) Value { return Value{typ: TypeUint8, x: uint64(v)} }

// Uint16 returns an integer Value.
func Uint16(v uint16) Value { return Value{typ: TypeUint16, x: uint64(v)} }

// Uint32 returns an integer Value.
func Uint32(v uint32) Value { return Value{typ: TypeUint32, x: uint64(v)} }

// Uint64 stores v in SQLite's signed 64-bit integer.
// Values above math.MaxInt64 are stored as negative numbers and
// come back unchanged through ColumnUint64.
func Uint64(v uint64) Value { return Value{typ: TypeUint64, x: v} }

// Double returns a REAL Value.
// SQLite has no NaN: a NaN binds as NULL and reads back as Null().
func Double(v float64) Value { return Value{typ: TypeDouble, f: v} }

// Bool returns an integer Value of 1 or 0.
func Bool(v bool) Value {
	val := Value{typ: TypeBool}
	if v {
		val.x = 1
	}
	return val
}

// Text returns a text Value holding s.
func Text(s string) Value { return Value{typ: TypeText, s: s} }

// TextBytes returns a text Value holding a copy of b.
func TextBytes(b []byte) Value { return Value{typ: TypeText, s: string(b)} }

// TextBytesNoCopy returns a text Value that refers to b.
// The caller must not modify b until the statement it is bound to
// has been run or closed.
func TextBytesNoCopy(b []byte) Value { return Value{typ: TypeText, b: nonNil(b)} }

// Blob returns a blob Value holding a copy of b.
func Blob(b []byte) Value {
	return Value{typ: TypeBlob, b: append(make([]byte, 0, len(b)), b...)}
}

// BlobNoCopy returns a blob Value that refers to b.
// The caller must not modify b until the statement it is bound to
// has been run or closed.
func BlobNoCopy(b []byte) Value { return Value{typ: TypeBlob, b: nonNil(b)} }

// Time returns a Value holding t truncated to whole seconds.
func Time(t time.Time) Value { return Value{typ: TypeTime, x: uint64(t.Unix())} }

// nonNil keeps an empty blob from binding as NULL.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// Type reports the tag of v.
func (v Value) Type() Type { return v.typ }

// IsNull reports whether v executes as SQL NULL.
func (v Value) IsNull() bool { return v.typ == TypeNull || v.typ == TypeUnbound }

// Int64 reports the integer payload of v.
// Doubles are truncated toward zero.
func (v Value) Int64() int64 {
	if v.typ == TypeDouble {
		return int64(v.f)
	}
	return int64(v.x)
}

// Uint64 reports the integer payload of v as its unsigned bit pattern.
func (v Value) Uint64() uint64 {
	if v.typ == TypeDouble {
		return uint64(v.f)
	}
	return v.x
}

// Float64 reports v as a float64.
func (v Value) Float64() float64 {
	switch {
	case v.typ == TypeDouble:
		return v.f
	case v.typ == TypeUint64:
		return float64(v.x)
	case v.typ.isInteger():
		return float64(int64(v.x))
	}
	return 0
}

// Bool reports whether v is a non-zero integer.
func (v Value) Bool() bool {
	if v.typ == TypeDouble {
		return v.f != 0
	}
	return v.x != 0
}

// Text reports v's text, or the bytes of a blob as a string.
func (v Value) Text() string {
	if v.s != "" || v.b == nil {
		return v.s
	}
	return string(v.b)
}

// Bytes reports a copy of v's blob or text.
// It is nil only for NULL and unbound values.
func (v Value) Bytes() []byte {
	switch v.typ {
	case TypeText, TypeBlob:
		if v.b != nil {
			return append([]byte{}, v.b...)
		}
		return []byte(v.s)
	}
	return nil
}

// Time reports v as a UTC time with second resolution.
func (v Value) Time() time.Time { return time.Unix(int64(v.x), 0).UTC() }

// byteLen is the number of bytes v will occupy in the engine.
func (v Value) byteLen() int {
	if v.b != nil {
		return len(v.b)
	}
	return len(v.s)
}

// maxBindLen is the largest text or blob the engine accepts.
var maxBindLen = math.MaxInt32

// String renders v for logs and test failures.
func (v Value) String() string {
	switch v.typ {
	case TypeUnbound, TypeNull:
		return v.typ.String()
	case TypeUint8, TypeUint16, TypeUint32, TypeUint64:
		return v.typ.String() + "(" + strconv.FormatUint(v.x, 10) + ")"
	case TypeDouble:
		return "double(" + strconv.FormatFloat(v.f, 'g', -1, 64) + ")"
	case TypeBool:
		return "bool(" + strconv.FormatBool(v.x != 0) + ")"
	case TypeText:
		return "text(" + strconv.Quote(v.Text()) + ")"
	case TypeBlob:
		return "blob(" + strconv.Itoa(len(v.b)) + " bytes)"
	case TypeTime:
		return "time(" + v.Time().Format(time.RFC3339) + ")"
	}
	return v.typ.String() + "(" + strconv.FormatInt(int64(v.x), 10) + ")"
}
