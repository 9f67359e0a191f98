// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package wire

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Encoder appends fields of one message. The zero value is ready to use.
//
// Scalar writers always emit the field; callers decide presence.
type Encoder struct {
	buf []byte
}

// Bytes returns the encoded message.
func (e *Encoder) Bytes() []byte { return e.buf }

// Varint writes a varint field.
func (e *Encoder) Varint(num protowire.Number, v uint64) {
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, v)
}

// Int64 writes an int64 field.
func (e *Encoder) Int64(num protowire.Number, v int64) { e.Varint(num, uint64(v)) }

// Int32 writes an int32 (or enum) field. Negative values are sign extended, as protobuf does.
func (e *Encoder) Int32(num protowire.Number, v int32) { e.Varint(num, uint64(int64(v))) }

// Bool writes a bool field.
func (e *Encoder) Bool(num protowire.Number, v bool) { e.Varint(num, protowire.EncodeBool(v)) }

// Float32 writes a float field.
func (e *Encoder) Float32(num protowire.Number, v float32) {
	e.buf = protowire.AppendTag(e.buf, num, protowire.Fixed32Type)
	e.buf = protowire.AppendFixed32(e.buf, math.Float32bits(v))
}

// Float64 writes a double field.
func (e *Encoder) Float64(num protowire.Number, v float64) {
	e.buf = protowire.AppendTag(e.buf, num, protowire.Fixed64Type)
	e.buf = protowire.AppendFixed64(e.buf, math.Float64bits(v))
}

// RawBytes writes a length-delimited field.
func (e *Encoder) RawBytes(num protowire.Number, b []byte) {
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, b)
}

// String writes a string field.
func (e *Encoder) String(num protowire.Number, s string) {
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendString(e.buf, s)
}

// OptionalString writes a string field only if it is not empty.
func (e *Encoder) OptionalString(num protowire.Number, s string) {
	if s != "" {
		e.String(num, s)
	}
}

// Message writes a sub-message field, whose contents are written by fn.
func (e *Encoder) Message(num protowire.Number, fn func(sub *Encoder)) {
	var sub Encoder
	fn(&sub)
	e.RawBytes(num, sub.buf)
}

// Strings writes a repeated string field.
func (e *Encoder) Strings(num protowire.Number, values []string) {
	for _, s := range values {
		e.String(num, s)
	}
}

// BytesList writes a repeated bytes field.
func (e *Encoder) BytesList(num protowire.Number, values [][]byte) {
	for _, b := range values {
		e.RawBytes(num, b)
	}
}

// Float32s writes a repeated, not packed, float field.
func (e *Encoder) Float32s(num protowire.Number, values []float32) {
	for _, v := range values {
		e.Float32(num, v)
	}
}

// Int64s writes a repeated, not packed, int64 field.
func (e *Encoder) Int64s(num protowire.Number, values []int64) {
	for _, v := range values {
		e.Int64(num, v)
	}
}

// PackedFloat32s writes a packed repeated float field. Nothing is written for an empty slice.
func (e *Encoder) PackedFloat32s(num protowire.Number, values []float32) {
	if len(values) == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendVarint(e.buf, uint64(4*len(values)))
	for _, v := range values {
		e.buf = protowire.AppendFixed32(e.buf, math.Float32bits(v))
	}
}

// PackedFloat64s writes a packed repeated double field.
func (e *Encoder) PackedFloat64s(num protowire.Number, values []float64) {
	if len(values) == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendVarint(e.buf, uint64(8*len(values)))
	for _, v := range values {
		e.buf = protowire.AppendFixed64(e.buf, math.Float64bits(v))
	}
}

// PackedInt64s writes a packed repeated int64 field.
func (e *Encoder) PackedInt64s(num protowire.Number, values []int64) {
	if len(values) == 0 {
		return
	}
	size := 0
	for _, v := range values {
		size += protowire.SizeVarint(uint64(v))
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendVarint(e.buf, uint64(size))
	for _, v := range values {
		e.buf = protowire.AppendVarint(e.buf, uint64(v))
	}
}

// PackedInt32s writes a packed repeated int32 field.
func (e *Encoder) PackedInt32s(num protowire.Number, values []int32) {
	if len(values) == 0 {
		return
	}
	wide := make([]int64, len(values))
	for ii, v := range values {
		wide[ii] = int64(v)
	}
	e.PackedInt64s(num, wide)
}

// PackedUint64s writes a packed repeated uint64 field.
func (e *Encoder) PackedUint64s(num protowire.Number, values []uint64) {
	if len(values) == 0 {
		return
	}
	wide := make([]int64, len(values))
	for ii, v := range values {
		wide[ii] = int64(v)
	}
	e.PackedInt64s(num, wide)
}
