// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package onnx

import (
	"io"
	"os"

	"github.com/gomlx/caffe2onnx/pkg/support/wire"
	"github.com/pkg/errors"
)

// Unmarshal parses a serialized ONNX ModelProto.
func Unmarshal(buf []byte) (*Model, error) {
	m := &Model{}
	d := wire.NewDecoder(buf)
	for d.Next() {
		switch d.Number() {
		case 1:
			m.IRVersion = d.Int64()
		case 2:
			m.ProducerName = d.String()
		case 3:
			m.ProducerVersion = d.String()
		case 4:
			m.Domain = d.String()
		case 5:
			m.ModelVersion = d.Int64()
		case 6:
			m.DocString = d.String()
		case 7:
			g, err := unmarshalGraph(d.Bytes())
			d.Fail(err)
			m.Graph = g
		case 8:
			var opset OperatorSetID
			sub := wire.NewDecoder(d.Bytes())
			for sub.Next() {
				switch sub.Number() {
				case 1:
					opset.Domain = sub.String()
				case 2:
					opset.Version = sub.Int64()
				default:
					sub.Skip()
				}
			}
			d.Fail(sub.Err())
			m.OpsetImports = append(m.OpsetImports, opset)
		case 14:
			var entry StringStringEntry
			sub := wire.NewDecoder(d.Bytes())
			for sub.Next() {
				switch sub.Number() {
				case 1:
					entry.Key = sub.String()
				case 2:
					entry.Value = sub.String()
				default:
					sub.Skip()
				}
			}
			d.Fail(sub.Err())
			m.MetadataProps = append(m.MetadataProps, entry)
		default:
			d.Skip()
		}
	}
	if err := d.Err(); err != nil {
		return nil, errors.WithMessage(err, "failed to parse ONNX ModelProto")
	}
	return m, nil
}

func unmarshalGraph(buf []byte) (*Graph, error) {
	g := &Graph{}
	d := wire.NewDecoder(buf)
	for d.Next() {
		switch d.Number() {
		case 1:
			node, err := unmarshalNode(d.Bytes())
			d.Fail(err)
			g.Nodes = append(g.Nodes, node)
		case 2:
			g.Name = d.String()
		case 5:
			t, err := unmarshalTensor(d.Bytes())
			d.Fail(err)
			g.Initializers = append(g.Initializers, t)
		case 10:
			g.DocString = d.String()
		case 11, 12, 13:
			num := d.Number()
			vi, err := unmarshalValueInfo(d.Bytes())
			d.Fail(err)
			switch num {
			case 11:
				g.Inputs = append(g.Inputs, vi)
			case 12:
				g.Outputs = append(g.Outputs, vi)
			default:
				g.ValueInfo = append(g.ValueInfo, vi)
			}
		default:
			d.Skip()
		}
	}
	if err := d.Err(); err != nil {
		return nil, errors.WithMessage(err, "GraphProto")
	}
	return g, nil
}

func unmarshalNode(buf []byte) (*Node, error) {
	n := &Node{}
	d := wire.NewDecoder(buf)
	for d.Next() {
		switch d.Number() {
		case 1:
			n.Inputs = append(n.Inputs, d.String())
		case 2:
			n.Outputs = append(n.Outputs, d.String())
		case 3:
			n.Name = d.String()
		case 4:
			n.OpType = d.String()
		case 5:
			attr, err := unmarshalAttribute(d.Bytes())
			d.Fail(err)
			n.Attributes = append(n.Attributes, attr)
		case 6:
			n.DocString = d.String()
		case 7:
			n.Domain = d.String()
		default:
			d.Skip()
		}
	}
	if err := d.Err(); err != nil {
		return nil, errors.WithMessagef(err, "NodeProto %q", n.Name)
	}
	return n, nil
}

func unmarshalAttribute(buf []byte) (*Attribute, error) {
	a := &Attribute{}
	d := wire.NewDecoder(buf)
	for d.Next() {
		switch d.Number() {
		case 1:
			a.Name = d.String()
		case 2:
			a.F = d.Float32()
		case 3:
			a.I = d.Int64()
		case 4:
			a.S = d.CopyBytes()
		case 5:
			t, err := unmarshalTensor(d.Bytes())
			d.Fail(err)
			a.T = t
		case 6:
			g, err := unmarshalGraph(d.Bytes())
			d.Fail(err)
			a.G = g
		case 7:
			a.Floats = d.AppendFloat32s(a.Floats)
		case 8:
			a.Ints = d.AppendInt64s(a.Ints)
		case 9:
			a.Strings = append(a.Strings, d.CopyBytes())
		case 10:
			t, err := unmarshalTensor(d.Bytes())
			d.Fail(err)
			a.Tensors = append(a.Tensors, t)
		case 11:
			g, err := unmarshalGraph(d.Bytes())
			d.Fail(err)
			a.Graphs = append(a.Graphs, g)
		case 13:
			a.DocString = d.String()
		case 20:
			a.Type = AttributeType(d.Int32())
		default:
			d.Skip()
		}
	}
	if err := d.Err(); err != nil {
		return nil, errors.WithMessagef(err, "AttributeProto %q", a.Name)
	}
	return a, nil
}

func unmarshalTensor(buf []byte) (*Tensor, error) {
	t := &Tensor{}
	d := wire.NewDecoder(buf)
	for d.Next() {
		switch d.Number() {
		case 1:
			t.Dims = d.AppendInt64s(t.Dims)
		case 2:
			t.DataType = DataType(d.Int32())
		case 4:
			t.FloatData = d.AppendFloat32s(t.FloatData)
		case 5:
			t.Int32Data = d.AppendInt32s(t.Int32Data)
		case 6:
			t.StringData = append(t.StringData, d.CopyBytes())
		case 7:
			t.Int64Data = d.AppendInt64s(t.Int64Data)
		case 8:
			t.Name = d.String()
		case 9:
			t.RawData = d.CopyBytes()
		case 10:
			t.DoubleData = d.AppendFloat64s(t.DoubleData)
		case 11:
			t.Uint64Data = d.AppendUint64s(t.Uint64Data)
		case 12:
			t.DocString = d.String()
		case 13:
			d.Fail(errors.New("tensors with external data are not supported"))
		default:
			d.Skip()
		}
	}
	if err := d.Err(); err != nil {
		return nil, errors.WithMessagef(err, "TensorProto %q", t.Name)
	}
	return t, nil
}

func unmarshalValueInfo(buf []byte) (*ValueInfo, error) {
	vi := &ValueInfo{}
	d := wire.NewDecoder(buf)
	for d.Next() {
		switch d.Number() {
		case 1:
			vi.Name = d.String()
		case 2:
			tp, err := unmarshalTypeProto(d.Bytes())
			d.Fail(err)
			vi.Type = tp
		case 3:
			vi.DocString = d.String()
		default:
			d.Skip()
		}
	}
	if err := d.Err(); err != nil {
		return nil, errors.WithMessagef(err, "ValueInfoProto %q", vi.Name)
	}
	return vi, nil
}

func unmarshalTypeProto(buf []byte) (*TypeProto, error) {
	tp := &TypeProto{}
	d := wire.NewDecoder(buf)
	for d.Next() {
		if d.Number() != 1 {
			// Sequence, map, optional and sparse tensor types are ignored.
			d.Skip()
			continue
		}
		tt := &TensorTypeProto{}
		sub := wire.NewDecoder(d.Bytes())
		for sub.Next() {
			switch sub.Number() {
			case 1:
				tt.ElemType = DataType(sub.Int32())
			case 2:
				shape, err := unmarshalTensorShape(sub.Bytes())
				sub.Fail(err)
				tt.Shape = shape
			default:
				sub.Skip()
			}
		}
		d.Fail(sub.Err())
		tp.TensorType = tt
	}
	return tp, d.Err()
}

func unmarshalTensorShape(buf []byte) (*TensorShape, error) {
	shape := &TensorShape{Dims: []Dimension{}}
	d := wire.NewDecoder(buf)
	for d.Next() {
		if d.Number() != 1 {
			d.Skip()
			continue
		}
		dim := Dimension{Value: -1}
		sub := wire.NewDecoder(d.Bytes())
		for sub.Next() {
			switch sub.Number() {
			case 1:
				dim.Value = sub.Int64()
			case 2:
				dim.Param = sub.String()
			default:
				sub.Skip()
			}
		}
		d.Fail(sub.Err())
		shape.Dims = append(shape.Dims, dim)
	}
	return shape, d.Err()
}

// Marshal serializes the model as an ONNX ModelProto.
func (m *Model) Marshal() []byte {
	var e wire.Encoder
	e.Int64(1, m.IRVersion)
	e.OptionalString(2, m.ProducerName)
	e.OptionalString(3, m.ProducerVersion)
	e.OptionalString(4, m.Domain)
	if m.ModelVersion != 0 {
		e.Int64(5, m.ModelVersion)
	}
	e.OptionalString(6, m.DocString)
	if m.Graph != nil {
		e.Message(7, func(sub *wire.Encoder) { marshalGraph(sub, m.Graph) })
	}
	for _, opset := range m.OpsetImports {
		e.Message(8, func(sub *wire.Encoder) {
			sub.OptionalString(1, opset.Domain)
			sub.Int64(2, opset.Version)
		})
	}
	for _, entry := range m.MetadataProps {
		e.Message(14, func(sub *wire.Encoder) {
			sub.String(1, entry.Key)
			sub.String(2, entry.Value)
		})
	}
	return e.Bytes()
}

func marshalGraph(e *wire.Encoder, g *Graph) {
	for _, node := range g.Nodes {
		e.Message(1, func(sub *wire.Encoder) { marshalNode(sub, node) })
	}
	e.OptionalString(2, g.Name)
	for _, t := range g.Initializers {
		e.Message(5, func(sub *wire.Encoder) { marshalTensor(sub, t) })
	}
	e.OptionalString(10, g.DocString)
	for _, vi := range g.Inputs {
		e.Message(11, func(sub *wire.Encoder) { marshalValueInfo(sub, vi) })
	}
	for _, vi := range g.Outputs {
		e.Message(12, func(sub *wire.Encoder) { marshalValueInfo(sub, vi) })
	}
	for _, vi := range g.ValueInfo {
		e.Message(13, func(sub *wire.Encoder) { marshalValueInfo(sub, vi) })
	}
}

func marshalNode(e *wire.Encoder, n *Node) {
	e.Strings(1, n.Inputs)
	e.Strings(2, n.Outputs)
	e.OptionalString(3, n.Name)
	e.String(4, n.OpType)
	for _, attr := range n.Attributes {
		e.Message(5, func(sub *wire.Encoder) { marshalAttribute(sub, attr) })
	}
	e.OptionalString(6, n.DocString)
	e.OptionalString(7, n.Domain)
}

func marshalAttribute(e *wire.Encoder, a *Attribute) {
	e.String(1, a.Name)
	switch a.Type {
	case AttributeFloat:
		e.Float32(2, a.F)
	case AttributeInt:
		e.Int64(3, a.I)
	case AttributeString:
		e.RawBytes(4, a.S)
	case AttributeTensor:
		if a.T != nil {
			e.Message(5, func(sub *wire.Encoder) { marshalTensor(sub, a.T) })
		}
	case AttributeGraph:
		if a.G != nil {
			e.Message(6, func(sub *wire.Encoder) { marshalGraph(sub, a.G) })
		}
	case AttributeFloats:
		e.Float32s(7, a.Floats)
	case AttributeInts:
		e.Int64s(8, a.Ints)
	case AttributeStrings:
		e.BytesList(9, a.Strings)
	case AttributeTensors:
		for _, t := range a.Tensors {
			e.Message(10, func(sub *wire.Encoder) { marshalTensor(sub, t) })
		}
	case AttributeGraphs:
		for _, g := range a.Graphs {
			e.Message(11, func(sub *wire.Encoder) { marshalGraph(sub, g) })
		}
	}
	e.OptionalString(13, a.DocString)
	e.Int32(20, int32(a.Type))
}

func marshalTensor(e *wire.Encoder, t *Tensor) {
	e.Int64s(1, t.Dims)
	e.Int32(2, int32(t.DataType))
	e.PackedFloat32s(4, t.FloatData)
	e.PackedInt32s(5, t.Int32Data)
	e.BytesList(6, t.StringData)
	e.PackedInt64s(7, t.Int64Data)
	e.OptionalString(8, t.Name)
	if len(t.RawData) > 0 {
		e.RawBytes(9, t.RawData)
	}
	e.PackedFloat64s(10, t.DoubleData)
	e.PackedUint64s(11, t.Uint64Data)
	e.OptionalString(12, t.DocString)
}

func marshalValueInfo(e *wire.Encoder, vi *ValueInfo) {
	e.String(1, vi.Name)
	if vi.Type != nil && vi.Type.TensorType != nil {
		tt := vi.Type.TensorType
		e.Message(2, func(typeProto *wire.Encoder) {
			typeProto.Message(1, func(sub *wire.Encoder) {
				sub.Int32(1, int32(tt.ElemType))
				if tt.Shape != nil {
					sub.Message(2, func(shape *wire.Encoder) {
						for _, dim := range tt.Shape.Dims {
							shape.Message(1, func(dimProto *wire.Encoder) {
								if dim.IsKnown() {
									dimProto.Int64(1, dim.Value)
								} else if dim.Param != "" {
									dimProto.String(2, dim.Param)
								}
							})
						}
					})
				}
			})
		})
	}
	e.OptionalString(3, vi.DocString)
}

// ReadFile reads and parses an ONNX model file.
func ReadFile(filePath string) (*Model, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read ONNX model file in %s", filePath)
	}
	m, err := Unmarshal(contents)
	if err != nil {
		return nil, errors.WithMessagef(err, "while parsing %s", filePath)
	}
	return m, nil
}

// Write will write the serialized ONNX model to the given writer (usually a file).
func (m *Model) Write(w io.Writer) error {
	_, err := w.Write(m.Marshal())
	if err != nil {
		return errors.Wrapf(err, "failed to write serialized ONNX model proto")
	}
	return nil
}

// SaveToFile serializes the ONNX model to the given file.
func (m *Model) SaveToFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to save ONNX model proto to %s", path)
	}
	err = m.Write(f)
	if err != nil {
		_ = f.Close()
		return err
	}
	err = f.Close()
	if err != nil {
		return errors.Wrapf(err, "failed to save ONNX model proto to %s", path)
	}
	return nil
}
