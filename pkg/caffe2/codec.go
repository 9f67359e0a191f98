// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package caffe2

import (
	"github.com/gomlx/caffe2onnx/pkg/support/wire"
	"github.com/pkg/errors"
)

// UnmarshalNet parses a NetDef in protobuf binary format.
//
// Fields not represented in NetDef (device options, nested networks, tensor arguments, ...) are skipped.
func UnmarshalNet(buf []byte) (*NetDef, error) {
	net := &NetDef{}
	d := wire.NewDecoder(buf)
	for d.Next() {
		switch d.Number() {
		case 1:
			net.Name = d.String()
		case 2:
			op, err := unmarshalOperator(d.Bytes())
			d.Fail(err)
			net.Ops = append(net.Ops, op)
		case 3:
			net.Type = d.String()
		case 6:
			arg, err := unmarshalArgument(d.Bytes())
			d.Fail(err)
			net.Args = append(net.Args, arg)
		case 7:
			net.ExternalInputs = append(net.ExternalInputs, d.String())
		case 8:
			net.ExternalOutputs = append(net.ExternalOutputs, d.String())
		default:
			d.Skip()
		}
	}
	if err := d.Err(); err != nil {
		return nil, errors.WithMessage(err, "failed to parse Caffe2 NetDef")
	}
	return net, nil
}

func unmarshalOperator(buf []byte) (*OperatorDef, error) {
	op := &OperatorDef{}
	d := wire.NewDecoder(buf)
	for d.Next() {
		switch d.Number() {
		case 1:
			op.Inputs = append(op.Inputs, d.String())
		case 2:
			op.Outputs = append(op.Outputs, d.String())
		case 3:
			op.Name = d.String()
		case 4:
			op.Type = d.String()
		case 5:
			arg, err := unmarshalArgument(d.Bytes())
			d.Fail(err)
			op.Args = append(op.Args, arg)
		case 7:
			op.Engine = d.String()
		case 11:
			op.Domain = d.String()
		default:
			d.Skip()
		}
	}
	if err := d.Err(); err != nil {
		return nil, errors.WithMessagef(err, "operator %q (%s)", op.Name, op.Type)
	}
	return op, nil
}

func unmarshalArgument(buf []byte) (*Argument, error) {
	arg := &Argument{}
	d := wire.NewDecoder(buf)
	for d.Next() {
		switch d.Number() {
		case 1:
			arg.Name = d.String()
		case 2:
			f := d.Float32()
			arg.F = &f
		case 3:
			i := d.Int64()
			arg.I = &i
		case 4:
			s := d.String()
			arg.S = &s
		case 5:
			arg.Floats = d.AppendFloat32s(arg.Floats)
		case 6:
			arg.Ints = d.AppendInt64s(arg.Ints)
		case 7:
			arg.Strings = append(arg.Strings, d.String())
		default:
			d.Skip()
		}
	}
	if err := d.Err(); err != nil {
		return nil, errors.WithMessagef(err, "argument %q", arg.Name)
	}
	return arg, nil
}

// MarshalNet serializes the NetDef in protobuf binary format.
func MarshalNet(net *NetDef) []byte {
	var e wire.Encoder
	e.OptionalString(1, net.Name)
	for _, op := range net.Ops {
		e.Message(2, func(sub *wire.Encoder) { marshalOperator(sub, op) })
	}
	e.OptionalString(3, net.Type)
	for _, arg := range net.Args {
		e.Message(6, func(sub *wire.Encoder) { marshalArgument(sub, arg) })
	}
	e.Strings(7, net.ExternalInputs)
	e.Strings(8, net.ExternalOutputs)
	return e.Bytes()
}

func marshalOperator(e *wire.Encoder, op *OperatorDef) {
	e.Strings(1, op.Inputs)
	e.Strings(2, op.Outputs)
	e.OptionalString(3, op.Name)
	e.OptionalString(4, op.Type)
	for _, arg := range op.Args {
		e.Message(5, func(sub *wire.Encoder) { marshalArgument(sub, arg) })
	}
	e.OptionalString(7, op.Engine)
	e.OptionalString(11, op.Domain)
}

func marshalArgument(e *wire.Encoder, arg *Argument) {
	e.OptionalString(1, arg.Name)
	if arg.F != nil {
		e.Float32(2, *arg.F)
	}
	if arg.I != nil {
		e.Int64(3, *arg.I)
	}
	if arg.S != nil {
		e.String(4, *arg.S)
	}
	e.Float32s(5, arg.Floats)
	e.Int64s(6, arg.Ints)
	e.Strings(7, arg.Strings)
}
