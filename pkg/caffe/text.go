// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package caffe

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// ParseText parses a network definition in protobuf text format (the contents of a ".prototxt" file).
//
// Fields not represented by this package are ignored.
func ParseText(contents []byte) (*NetParameter, error) {
	md, err := netParameterDescriptor()
	if err != nil {
		return nil, err
	}
	msg := dynamicpb.NewMessage(md)
	if err := (prototext.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(contents, msg); err != nil {
		return nil, errors.Wrap(err, "failed to parse Caffe network definition")
	}
	return netFromText(reflected{msg}), nil
}

// reflected gives typed access to the fields of a parsed message, by name.
// Absent scalar fields return their schema default.
type reflected struct {
	m protoreflect.Message
}

func (r reflected) field(name string) protoreflect.FieldDescriptor {
	fd := r.m.Descriptor().Fields().ByName(protoreflect.Name(name))
	if fd == nil {
		panic(errors.Errorf("caffe schema: message %s has no field %q", r.m.Descriptor().FullName(), name))
	}
	return fd
}

func (r reflected) has(name string) bool { return r.m.Has(r.field(name)) }

func (r reflected) get(name string) protoreflect.Value { return r.m.Get(r.field(name)) }

func (r reflected) str(name string) string { return r.get(name).String() }

func (r reflected) bool(name string) bool { return r.get(name).Bool() }

func (r reflected) int32(name string) int32 { return int32(r.get(name).Int()) }

func (r reflected) uint32(name string) uint32 { return uint32(r.get(name).Uint()) }

func (r reflected) float32(name string) float32 { return float32(r.get(name).Float()) }

func (r reflected) enum(name string) int32 { return int32(r.get(name).Enum()) }

func (r reflected) optUint32(name string) *uint32 {
	if !r.has(name) {
		return nil
	}
	v := r.uint32(name)
	return &v
}

func (r reflected) optInt32(name string) *int32 {
	if !r.has(name) {
		return nil
	}
	v := r.int32(name)
	return &v
}

func (r reflected) optBool(name string) *bool {
	if !r.has(name) {
		return nil
	}
	v := r.bool(name)
	return &v
}

// list converts a repeated scalar field with convert.
func list[T any](r reflected, name string, convert func(protoreflect.Value) T) []T {
	l := r.get(name).List()
	if l.Len() == 0 {
		return nil
	}
	values := make([]T, l.Len())
	for ii := range values {
		values[ii] = convert(l.Get(ii))
	}
	return values
}

func (r reflected) strs(name string) []string {
	return list(r, name, func(v protoreflect.Value) string { return v.String() })
}

func (r reflected) uint32s(name string) []uint32 {
	return list(r, name, func(v protoreflect.Value) uint32 { return uint32(v.Uint()) })
}

func (r reflected) int32s(name string) []int32 {
	return list(r, name, func(v protoreflect.Value) int32 { return int32(v.Int()) })
}

func (r reflected) int64s(name string) []int64 {
	return list(r, name, func(v protoreflect.Value) int64 { return v.Int() })
}

func (r reflected) float32s(name string) []float32 {
	return list(r, name, func(v protoreflect.Value) float32 { return float32(v.Float()) })
}

func (r reflected) float64s(name string) []float64 {
	return list(r, name, func(v protoreflect.Value) float64 { return v.Float() })
}

// message returns the sub-message, and whether it is present.
func (r reflected) message(name string) (reflected, bool) {
	if !r.has(name) {
		return reflected{}, false
	}
	return reflected{r.get(name).Message()}, true
}

func (r reflected) messages(name string) []reflected {
	return list(r, name, func(v protoreflect.Value) reflected { return reflected{v.Message()} })
}

// convertMessage applies convert to the sub-message if present, and returns nil otherwise.
func convertMessage[T any](r reflected, name string, convert func(reflected) *T) *T {
	sub, found := r.message(name)
	if !found {
		return nil
	}
	return convert(sub)
}

func convertMessages[T any](r reflected, name string, convert func(reflected) *T) []*T {
	subs := r.messages(name)
	if len(subs) == 0 {
		return nil
	}
	values := make([]*T, len(subs))
	for ii, sub := range subs {
		values[ii] = convert(sub)
	}
	return values
}

func netFromText(r reflected) *NetParameter {
	return &NetParameter{
		Name:         r.str("name"),
		Input:        r.strs("input"),
		InputShape:   convertMessages(r, "input_shape", blobShapeFromText),
		InputDim:     r.int32s("input_dim"),
		Layers:       convertMessages(r, "layer", layerFromText),
		LegacyLayers: convertMessages(r, "layers", v1LayerFromText),
	}
}

func blobShapeFromText(r reflected) *BlobShape {
	return &BlobShape{Dim: r.int64s("dim")}
}

func blobFromText(r reflected) *BlobProto {
	return &BlobProto{
		Shape:      convertMessage(r, "shape", blobShapeFromText),
		Data:       r.float32s("data"),
		DoubleData: r.float64s("double_data"),
		Num:        r.int32("num"),
		Channels:   r.int32("channels"),
		Height:     r.int32("height"),
		Width:      r.int32("width"),
	}
}

func ruleFromText(r reflected) *NetStateRule {
	rule := &NetStateRule{
		MinLevel: r.optInt32("min_level"),
		MaxLevel: r.optInt32("max_level"),
		Stage:    r.strs("stage"),
		NotStage: r.strs("not_stage"),
	}
	if r.has("phase") {
		phase := Phase(r.enum("phase"))
		rule.Phase = &phase
	}
	return rule
}

func v1LayerFromText(r reflected) *V1LayerParameter {
	return &V1LayerParameter{
		Name:   r.str("name"),
		Type:   V1LayerType(r.enum("type")),
		Bottom: r.strs("bottom"),
		Top:    r.strs("top"),
		Blobs:  convertMessages(r, "blobs", blobFromText),
	}
}

func layerFromText(r reflected) *LayerParameter {
	return &LayerParameter{
		Name:    r.str("name"),
		Type:    r.str("type"),
		Bottom:  r.strs("bottom"),
		Top:     r.strs("top"),
		Include: convertMessages(r, "include", ruleFromText),
		Exclude: convertMessages(r, "exclude", ruleFromText),
		Blobs:   convertMessages(r, "blobs", blobFromText),

		BatchNormParam: convertMessage(r, "batch_norm_param", func(r reflected) *BatchNormParameter {
			return &BatchNormParameter{
				UseGlobalStats:        r.optBool("use_global_stats"),
				MovingAverageFraction: r.float32("moving_average_fraction"),
				Eps:                   r.float32("eps"),
			}
		}),
		ConcatParam: convertMessage(r, "concat_param", func(r reflected) *ConcatParameter {
			return &ConcatParameter{Axis: r.int32("axis"), ConcatDim: r.optUint32("concat_dim")}
		}),
		ConvolutionParam: convertMessage(r, "convolution_param", func(r reflected) *ConvolutionParameter {
			return &ConvolutionParameter{
				Window:    windowFromText(r),
				NumOutput: r.uint32("num_output"),
				BiasTerm:  r.bool("bias_term"),
				Dilation:  r.uint32s("dilation"),
				Group:     r.uint32("group"),
				Axis:      r.int32("axis"),
			}
		}),
		DropoutParam: convertMessage(r, "dropout_param", func(r reflected) *DropoutParameter {
			return &DropoutParameter{DropoutRatio: r.float32("dropout_ratio")}
		}),
		EltwiseParam: convertMessage(r, "eltwise_param", func(r reflected) *EltwiseParameter {
			return &EltwiseParameter{Operation: EltwiseOp(r.enum("operation")), Coeff: r.float32s("coeff")}
		}),
		ELUParam: convertMessage(r, "elu_param", func(r reflected) *ELUParameter {
			return &ELUParameter{Alpha: r.float32("alpha")}
		}),
		FlattenParam: convertMessage(r, "flatten_param", func(r reflected) *FlattenParameter {
			return &FlattenParameter{Axis: r.int32("axis"), EndAxis: r.int32("end_axis")}
		}),
		InnerProductParam: convertMessage(r, "inner_product_param", func(r reflected) *InnerProductParameter {
			return &InnerProductParameter{
				NumOutput: r.uint32("num_output"),
				BiasTerm:  r.bool("bias_term"),
				Axis:      r.int32("axis"),
				Transpose: r.bool("transpose"),
			}
		}),
		InputParam: convertMessage(r, "input_param", func(r reflected) *InputParameter {
			return &InputParameter{Shape: convertMessages(r, "shape", blobShapeFromText)}
		}),
		LRNParam: convertMessage(r, "lrn_param", func(r reflected) *LRNParameter {
			return &LRNParameter{
				LocalSize:  r.uint32("local_size"),
				Alpha:      r.float32("alpha"),
				Beta:       r.float32("beta"),
				NormRegion: NormRegion(r.enum("norm_region")),
				K:          r.float32("k"),
			}
		}),
		PoolingParam: convertMessage(r, "pooling_param", func(r reflected) *PoolingParameter {
			return &PoolingParameter{
				Window:        windowFromText(r),
				Pool:          PoolMethod(r.enum("pool")),
				GlobalPooling: r.bool("global_pooling"),
				RoundMode:     RoundMode(r.enum("round_mode")),
			}
		}),
		PReLUParam: convertMessage(r, "prelu_param", func(r reflected) *PReLUParameter {
			return &PReLUParameter{ChannelShared: r.bool("channel_shared")}
		}),
		ReLUParam: convertMessage(r, "relu_param", func(r reflected) *ReLUParameter {
			return &ReLUParameter{NegativeSlope: r.float32("negative_slope")}
		}),
		ReshapeParam: convertMessage(r, "reshape_param", func(r reflected) *ReshapeParameter {
			return &ReshapeParameter{
				Shape:   convertMessage(r, "shape", blobShapeFromText),
				Axis:    r.int32("axis"),
				NumAxes: r.int32("num_axes"),
			}
		}),
		ScaleParam: convertMessage(r, "scale_param", func(r reflected) *ScaleParameter {
			return &ScaleParameter{Axis: r.int32("axis"), NumAxes: r.int32("num_axes"), BiasTerm: r.bool("bias_term")}
		}),
		SoftmaxParam: convertMessage(r, "softmax_param", func(r reflected) *SoftmaxParameter {
			return &SoftmaxParameter{Axis: r.int32("axis")}
		}),
	}
}

func windowFromText(r reflected) Window {
	return Window{
		KernelSize: r.uint32s("kernel_size"),
		Stride:     r.uint32s("stride"),
		Pad:        r.uint32s("pad"),
		KernelH:    r.optUint32("kernel_h"),
		KernelW:    r.optUint32("kernel_w"),
		StrideH:    r.optUint32("stride_h"),
		StrideW:    r.optUint32("stride_w"),
		PadH:       r.optUint32("pad_h"),
		PadW:       r.optUint32("pad_w"),
	}
}
