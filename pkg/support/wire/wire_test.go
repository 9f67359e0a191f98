// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScalarsAndMessages(t *testing.T) {
	var e Encoder
	e.String(1, "conv1")
	e.Int32(2, -3)
	e.Bool(3, true)
	e.Float32(4, 0.5)
	e.Float64(5, 1e-5)
	e.Message(6, func(sub *Encoder) {
		sub.Int64(1, 224)
	})
	e.Varint(99, 7) // Unknown to the reader below, skipped.

	var (
		name  string
		i32   int32
		flag  bool
		f32   float32
		f64   float64
		inner int64
	)
	d := NewDecoder(e.Bytes())
	for d.Next() {
		switch d.Number() {
		case 1:
			name = d.String()
		case 2:
			i32 = d.Int32()
		case 3:
			flag = d.Bool()
		case 4:
			f32 = d.Float32()
		case 5:
			f64 = d.Float64()
		case 6:
			sub := NewDecoder(d.Bytes())
			for sub.Next() {
				inner = sub.Int64()
			}
			d.Fail(sub.Err())
		default:
			d.Skip()
		}
	}
	require.NoError(t, d.Err())
	require.Equal(t, "conv1", name)
	require.Equal(t, int32(-3), i32)
	require.True(t, flag)
	require.Equal(t, float32(0.5), f32)
	require.Equal(t, 1e-5, f64)
	require.Equal(t, int64(224), inner)
}

func TestRepeatedPackedAndUnpacked(t *testing.T) {
	var e Encoder
	e.PackedFloat32s(1, []float32{1, 2})
	e.Float32s(1, []float32{3})
	e.PackedInt64s(2, []int64{1, 3, 224, 224})
	e.Int64s(2, []int64{-1})
	e.PackedFloat64s(3, []float64{0.25})
	e.PackedInt32s(4, []int32{-2, 5})

	var (
		floats  []float32
		ints    []int64
		doubles []float64
		int32s  []int32
	)
	d := NewDecoder(e.Bytes())
	for d.Next() {
		switch d.Number() {
		case 1:
			floats = d.AppendFloat32s(floats)
		case 2:
			ints = d.AppendInt64s(ints)
		case 3:
			doubles = d.AppendFloat64s(doubles)
		case 4:
			int32s = d.AppendInt32s(int32s)
		}
	}
	require.NoError(t, d.Err())
	require.Equal(t, []float32{1, 2, 3}, floats)
	require.Equal(t, []int64{1, 3, 224, 224, -1}, ints)
	require.Equal(t, []float64{0.25}, doubles)
	require.Equal(t, []int32{-2, 5}, int32s)
}

func TestDecoderErrors(t *testing.T) {
	// Truncated length-delimited field.
	d := NewDecoder([]byte{0x0a, 0x05, 'a'})
	require.True(t, d.Next())
	_ = d.String()
	require.Error(t, d.Err())
	require.False(t, d.Next())

	// Wrong wire type: field 1 encoded as varint, read as float.
	var e Encoder
	e.Varint(1, 3)
	d = NewDecoder(e.Bytes())
	require.True(t, d.Next())
	require.Zero(t, d.Float32())
	require.ErrorContains(t, d.Err(), "wire type")
}
