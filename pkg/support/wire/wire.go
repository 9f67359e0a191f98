// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package wire provides a small field-by-field protobuf decoder and encoder built on
// google.golang.org/protobuf/encoding/protowire.
//
// The binary model formats (Caffe weights, Caffe2 NetDef, ONNX ModelProto) can be hundreds of
// megabytes of packed floats, so they are decoded straight into typed Go structs with a switch over
// the field numbers, instead of going through a generic reflective message.
//
// Decoding uses a sticky error: value readers return zero values once an error happened, and the
// caller checks Decoder.Err after the loop:
//
//	d := wire.NewDecoder(buf)
//	for d.Next() {
//		switch d.Number() {
//		case 1:
//			m.Name = d.String()
//		default:
//			d.Skip()
//		}
//	}
//	return d.Err()
package wire

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Decoder iterates over the fields of one serialized message.
type Decoder struct {
	buf []byte
	num protowire.Number
	typ protowire.Type
	err error
}

// NewDecoder returns a Decoder over the serialized message buf. buf is not copied.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Next advances to the next field. It returns false at the end of the message or if an
// error happened, in which case Err returns it.
func (d *Decoder) Next() bool {
	if d.err != nil || len(d.buf) == 0 {
		return false
	}
	num, typ, n := protowire.ConsumeTag(d.buf)
	if n < 0 {
		d.err = errors.Wrap(protowire.ParseError(n), "invalid field tag")
		return false
	}
	d.buf = d.buf[n:]
	d.num, d.typ = num, typ
	return true
}

// Number of the current field.
func (d *Decoder) Number() protowire.Number { return d.num }

// Type is the wire type of the current field.
func (d *Decoder) Type() protowire.Type { return d.typ }

// Err returns the first error found while decoding.
func (d *Decoder) Err() error { return d.err }

// Fail records err (if it is the first error) annotated with the current field number.
// It is used by callers when decoding a sub-message fails.
func (d *Decoder) Fail(err error) {
	if d.err == nil && err != nil {
		d.err = errors.WithMessagef(err, "field %d", d.num)
	}
}

func (d *Decoder) consumed(n int) bool {
	if n < 0 {
		d.Fail(protowire.ParseError(n))
		return false
	}
	d.buf = d.buf[n:]
	return true
}

func (d *Decoder) expect(typ protowire.Type) bool {
	if d.err != nil {
		return false
	}
	if d.typ != typ {
		d.err = errors.Errorf("field %d has wire type %d, expected %d", d.num, d.typ, typ)
		return false
	}
	return true
}

// Skip the value of the current field.
func (d *Decoder) Skip() {
	if d.err != nil {
		return
	}
	d.consumed(protowire.ConsumeFieldValue(d.num, d.typ, d.buf))
}

// Varint reads the current field as a varint.
func (d *Decoder) Varint() uint64 {
	if !d.expect(protowire.VarintType) {
		return 0
	}
	v, n := protowire.ConsumeVarint(d.buf)
	if !d.consumed(n) {
		return 0
	}
	return v
}

// Int64 reads an int64 field.
func (d *Decoder) Int64() int64 { return int64(d.Varint()) }

// Int32 reads an int32 (or enum) field.
func (d *Decoder) Int32() int32 { return int32(d.Varint()) }

// Uint32 reads an uint32 field.
func (d *Decoder) Uint32() uint32 { return uint32(d.Varint()) }

// Bool reads a bool field.
func (d *Decoder) Bool() bool { return protowire.DecodeBool(d.Varint()) }

// Float32 reads a float field.
func (d *Decoder) Float32() float32 {
	if !d.expect(protowire.Fixed32Type) {
		return 0
	}
	v, n := protowire.ConsumeFixed32(d.buf)
	if !d.consumed(n) {
		return 0
	}
	return math.Float32frombits(v)
}

// Float64 reads a double field.
func (d *Decoder) Float64() float64 {
	if !d.expect(protowire.Fixed64Type) {
		return 0
	}
	v, n := protowire.ConsumeFixed64(d.buf)
	if !d.consumed(n) {
		return 0
	}
	return math.Float64frombits(v)
}

// Bytes reads a length-delimited field. The returned slice aliases the decoded buffer.
func (d *Decoder) Bytes() []byte {
	if !d.expect(protowire.BytesType) {
		return nil
	}
	v, n := protowire.ConsumeBytes(d.buf)
	if !d.consumed(n) {
		return nil
	}
	return v
}

// CopyBytes reads a length-delimited field into a new, never nil, slice.
func (d *Decoder) CopyBytes() []byte {
	b := d.Bytes()
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// String reads a string field.
func (d *Decoder) String() string { return string(d.Bytes()) }

// AppendFloat32s appends a repeated float field, packed or not, to dst.
func (d *Decoder) AppendFloat32s(dst []float32) []float32 {
	if d.typ != protowire.BytesType {
		return append(dst, d.Float32())
	}
	b := d.Bytes()
	if len(b)%4 != 0 {
		d.Fail(errors.Errorf("packed float field with %d bytes", len(b)))
		return dst
	}
	dst = growFor(dst, len(b)/4)
	for ; len(b) > 0; b = b[4:] {
		dst = append(dst, math.Float32frombits(binary.LittleEndian.Uint32(b)))
	}
	return dst
}

// AppendFloat64s appends a repeated double field, packed or not, to dst.
func (d *Decoder) AppendFloat64s(dst []float64) []float64 {
	if d.typ != protowire.BytesType {
		return append(dst, d.Float64())
	}
	b := d.Bytes()
	if len(b)%8 != 0 {
		d.Fail(errors.Errorf("packed double field with %d bytes", len(b)))
		return dst
	}
	dst = growFor(dst, len(b)/8)
	for ; len(b) > 0; b = b[8:] {
		dst = append(dst, math.Float64frombits(binary.LittleEndian.Uint64(b)))
	}
	return dst
}

// AppendInt64s appends a repeated int64 field, packed or not, to dst.
func (d *Decoder) AppendInt64s(dst []int64) []int64 {
	if d.typ != protowire.BytesType {
		return append(dst, d.Int64())
	}
	for b := d.Bytes(); len(b) > 0 && d.err == nil; {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			d.Fail(protowire.ParseError(n))
			break
		}
		dst = append(dst, int64(v))
		b = b[n:]
	}
	return dst
}

// AppendInt32s appends a repeated int32 field, packed or not, to dst.
func (d *Decoder) AppendInt32s(dst []int32) []int32 {
	if d.typ != protowire.BytesType {
		return append(dst, d.Int32())
	}
	for _, v := range d.AppendInt64s(nil) {
		dst = append(dst, int32(v))
	}
	return dst
}

// AppendUint32s appends a repeated uint32 field, packed or not, to dst.
func (d *Decoder) AppendUint32s(dst []uint32) []uint32 {
	if d.typ != protowire.BytesType {
		return append(dst, d.Uint32())
	}
	for _, v := range d.AppendInt64s(nil) {
		dst = append(dst, uint32(v))
	}
	return dst
}

// AppendUint64s appends a repeated uint64 field, packed or not, to dst.
func (d *Decoder) AppendUint64s(dst []uint64) []uint64 {
	if d.typ != protowire.BytesType {
		return append(dst, d.Varint())
	}
	for _, v := range d.AppendInt64s(nil) {
		dst = append(dst, uint64(v))
	}
	return dst
}

func growFor[T any](s []T, n int) []T {
	if cap(s)-len(s) >= n {
		return s
	}
	grown := make([]T, len(s), len(s)+n)
	copy(grown, s)
	return grown
}
