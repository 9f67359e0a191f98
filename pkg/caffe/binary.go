// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package caffe

import (
	"github.com/gomlx/caffe2onnx/pkg/support/wire"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// UnmarshalModel parses a trained model in protobuf binary format (the contents of a ".caffemodel" file).
//
// Only the identification of the layers (name, type, bottom and top) and their blobs are decoded: the
// layer parameters are taken from the network definition.
func UnmarshalModel(buf []byte) (*NetParameter, error) {
	net := &NetParameter{}
	d := wire.NewDecoder(buf)
	for d.Next() {
		switch d.Number() {
		case 1:
			net.Name = d.String()
		case 2:
			layer, err := unmarshalV1Layer(d.Bytes())
			d.Fail(err)
			net.LegacyLayers = append(net.LegacyLayers, layer)
		case 3:
			net.Input = append(net.Input, d.String())
		case 4:
			net.InputDim = d.AppendInt32s(net.InputDim)
		case 8:
			shape, err := unmarshalBlobShape(d.Bytes())
			d.Fail(err)
			net.InputShape = append(net.InputShape, shape)
		case 100:
			layer, err := unmarshalLayer(d.Bytes())
			d.Fail(err)
			net.Layers = append(net.Layers, layer)
		default:
			d.Skip()
		}
	}
	if err := d.Err(); err != nil {
		return nil, errors.WithMessage(err, "failed to parse Caffe trained model")
	}
	return net, nil
}

func unmarshalLayer(buf []byte) (*LayerParameter, error) {
	layer := &LayerParameter{}
	d := wire.NewDecoder(buf)
	for d.Next() {
		switch d.Number() {
		case 1:
			layer.Name = d.String()
		case 2:
			layer.Type = d.String()
		case 3:
			layer.Bottom = append(layer.Bottom, d.String())
		case 4:
			layer.Top = append(layer.Top, d.String())
		case 7:
			blob, err := unmarshalBlob(d.Bytes())
			d.Fail(err)
			layer.Blobs = append(layer.Blobs, blob)
		default:
			d.Skip()
		}
	}
	if err := d.Err(); err != nil {
		return nil, errors.WithMessagef(err, "layer %q", layer.Name)
	}
	return layer, nil
}

func unmarshalV1Layer(buf []byte) (*V1LayerParameter, error) {
	layer := &V1LayerParameter{}
	d := wire.NewDecoder(buf)
	for d.Next() {
		switch d.Number() {
		case 2:
			layer.Bottom = append(layer.Bottom, d.String())
		case 3:
			layer.Top = append(layer.Top, d.String())
		case 4:
			layer.Name = d.String()
		case 5:
			layer.Type = V1LayerType(d.Int32())
		case 6:
			blob, err := unmarshalBlob(d.Bytes())
			d.Fail(err)
			layer.Blobs = append(layer.Blobs, blob)
		default:
			d.Skip()
		}
	}
	if err := d.Err(); err != nil {
		return nil, errors.WithMessagef(err, "V1 layer %q", layer.Name)
	}
	return layer, nil
}

func unmarshalBlob(buf []byte) (*BlobProto, error) {
	blob := &BlobProto{}
	d := wire.NewDecoder(buf)
	for d.Next() {
		switch d.Number() {
		case 1:
			blob.Num = d.Int32()
		case 2:
			blob.Channels = d.Int32()
		case 3:
			blob.Height = d.Int32()
		case 4:
			blob.Width = d.Int32()
		case 5:
			blob.Data = d.AppendFloat32s(blob.Data)
		case 7:
			shape, err := unmarshalBlobShape(d.Bytes())
			d.Fail(err)
			blob.Shape = shape
		case 8:
			blob.DoubleData = d.AppendFloat64s(blob.DoubleData)
		default:
			d.Skip()
		}
	}
	if err := d.Err(); err != nil {
		return nil, errors.WithMessage(err, "blob")
	}
	return blob, nil
}

func unmarshalBlobShape(buf []byte) (*BlobShape, error) {
	shape := &BlobShape{}
	d := wire.NewDecoder(buf)
	for d.Next() {
		if d.Number() == 1 {
			shape.Dim = d.AppendInt64s(shape.Dim)
		} else {
			d.Skip()
		}
	}
	return shape, d.Err()
}

// MarshalModel serializes the network in protobuf binary format, the format of ".caffemodel" files.
//
// Only the fields decoded by UnmarshalModel are written.
func MarshalModel(net *NetParameter) []byte {
	var e wire.Encoder
	e.OptionalString(1, net.Name)
	for _, layer := range net.LegacyLayers {
		e.Message(2, func(sub *wire.Encoder) {
			sub.Strings(2, layer.Bottom)
			sub.Strings(3, layer.Top)
			sub.OptionalString(4, layer.Name)
			if layer.Type != 0 {
				sub.Int32(5, int32(layer.Type))
			}
			for _, blob := range layer.Blobs {
				sub.Message(6, func(b *wire.Encoder) { marshalBlob(b, blob) })
			}
		})
	}
	e.Strings(3, net.Input)
	e.PackedInt32s(4, net.InputDim)
	for _, shape := range net.InputShape {
		e.Message(8, func(sub *wire.Encoder) { sub.PackedInt64s(1, shape.Dim) })
	}
	for _, layer := range net.Layers {
		e.Message(100, func(sub *wire.Encoder) {
			sub.OptionalString(1, layer.Name)
			sub.OptionalString(2, layer.Type)
			sub.Strings(3, layer.Bottom)
			sub.Strings(4, layer.Top)
			for _, blob := range layer.Blobs {
				sub.Message(7, func(b *wire.Encoder) { marshalBlob(b, blob) })
			}
		})
	}
	return e.Bytes()
}

func marshalBlob(e *wire.Encoder, blob *BlobProto) {
	for ii, v := range []int32{blob.Num, blob.Channels, blob.Height, blob.Width} {
		if v != 0 {
			e.Int32(protowire.Number(1+ii), v)
		}
	}
	e.PackedFloat32s(5, blob.Data)
	if blob.Shape != nil {
		e.Message(7, func(sub *wire.Encoder) { sub.PackedInt64s(1, blob.Shape.Dim) })
	}
	e.PackedFloat64s(8, blob.DoubleData)
}
