// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package caffe2 holds the Caffe2 network structures (NetDef, OperatorDef, Argument and TensorProto),
// their protobuf binary codec, and the model folder format: "predict_net.pb", "init_net.pb" and
// "value_info.json".
package caffe2

import (
	"github.com/gomlx/exceptions"
	"github.com/x448/float16"
)

// NetDef is a Caffe2 network: a sequence of operators.
//
// A model is split in two networks: the "predict" network with the computation, and the "init" network
// that creates the parameters.
type NetDef struct {
	Name            string
	Ops             []*OperatorDef
	Type            string
	Args            []*Argument
	ExternalInputs  []string
	ExternalOutputs []string
}

// OperatorDef is one operator of a NetDef.
type OperatorDef struct {
	Inputs  []string
	Outputs []string
	Name    string
	Type    string
	Args    []*Argument
	Engine  string
	Domain  string
}

// Argument is a named operator argument. Exactly one of its value fields is expected to be set.
type Argument struct {
	Name string

	F *float32
	I *int64
	S *string

	Floats  []float32
	Ints    []int64
	Strings []string
}

// Value returns the value of the argument as one of float32, int64, string, []float32, []int64 or []string.
// It returns nil if no value is set.
func (a *Argument) Value() any {
	switch {
	case a.F != nil:
		return *a.F
	case a.I != nil:
		return *a.I
	case a.S != nil:
		return *a.S
	case a.Floats != nil:
		return a.Floats
	case a.Ints != nil:
		return a.Ints
	case a.Strings != nil:
		return a.Strings
	}
	return nil
}

// MakeArgument creates an argument from a Go value.
//
// Floats (including float16) are stored in F, integers and bools in I, strings in S, and the corresponding
// slices in Floats, Ints and Strings. It panics for other types.
func MakeArgument(name string, value any) *Argument {
	arg := &Argument{Name: name}
	setF := func(v float32) { arg.F = &v }
	setI := func(v int64) { arg.I = &v }
	switch v := value.(type) {
	case float32:
		setF(v)
	case float64:
		setF(float32(v))
	case float16.Float16:
		setF(v.Float32())
	case int:
		setI(int64(v))
	case int32:
		setI(int64(v))
	case int64:
		setI(v)
	case uint32:
		setI(int64(v))
	case bool:
		if v {
			setI(1)
		} else {
			setI(0)
		}
	case string:
		arg.S = &v
	case []float32:
		arg.Floats = append([]float32{}, v...)
	case []float64:
		arg.Floats = make([]float32, len(v))
		for ii, f := range v {
			arg.Floats[ii] = float32(f)
		}
	case []int64:
		arg.Ints = append([]int64{}, v...)
	case []int:
		arg.Ints = make([]int64, len(v))
		for ii, i := range v {
			arg.Ints[ii] = int64(i)
		}
	case []string:
		arg.Strings = append([]string{}, v...)
	default:
		exceptions.Panicf("caffe2.MakeArgument(%q): unsupported value type %T", name, value)
	}
	return arg
}

// Arg returns the operator argument with the given name, or nil if not set.
func (op *OperatorDef) Arg(name string) *Argument {
	for _, arg := range op.Args {
		if arg.Name == name {
			return arg
		}
	}
	return nil
}

// Caffe2 legacy padding modes, the values of the "legacy_pad" argument of convolutions and pooling.
const (
	LegacyPadNotSet = 0
	LegacyPadValid  = 1
	LegacyPadSame   = 2

	// LegacyPadCaffePooling rounds up the output size of pooling, as Caffe does.
	LegacyPadCaffePooling = 3
)

// TensorDataType enumerates the Caffe2 TensorProto.DataType element types.
type TensorDataType int32

const (
	TensorUndefined TensorDataType = 0
	TensorFloat     TensorDataType = 1
	TensorInt32     TensorDataType = 2
	TensorByte      TensorDataType = 3
	TensorString    TensorDataType = 4
	TensorBool      TensorDataType = 5
	TensorUint8     TensorDataType = 6
	TensorInt8      TensorDataType = 7
	TensorUint16    TensorDataType = 8
	TensorInt16     TensorDataType = 9
	TensorInt64     TensorDataType = 10
	TensorFloat16   TensorDataType = 12
	TensorDouble    TensorDataType = 13
)

// TensorProto is a serialized Caffe2 tensor. The translation of Caffe models stores the trained parameters
// as float tensors.
type TensorProto struct {
	Name       string
	Dims       []int64
	DataType   TensorDataType
	FloatData  []float32
	Int32Data  []int32
	Int64Data  []int64
	DoubleData []float64
}

// TensorProtosToInitNet creates the init network that fills the given float parameters: one GivenTensorFill
// operator per tensor, with the "shape" and "values" arguments.
func TensorProtosToInitNet(params []*TensorProto) *NetDef {
	net := &NetDef{}
	for _, t := range params {
		net.Ops = append(net.Ops, &OperatorDef{
			Type:    "GivenTensorFill",
			Outputs: []string{t.Name},
			Args: []*Argument{
				MakeArgument("shape", t.Dims),
				MakeArgument("values", t.FloatData),
			},
		})
	}
	return net
}
