// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package caffe

import (
	"sync"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
)

// The text format parser needs a descriptor of the Caffe messages: it is built here from the subset of
// caffe.proto (proto2) this package represents. Field names, numbers and defaults follow caffe.proto.

type fieldType = descriptorpb.FieldDescriptorProto_Type

const (
	tString  = descriptorpb.FieldDescriptorProto_TYPE_STRING
	tUint32  = descriptorpb.FieldDescriptorProto_TYPE_UINT32
	tInt32   = descriptorpb.FieldDescriptorProto_TYPE_INT32
	tInt64   = descriptorpb.FieldDescriptorProto_TYPE_INT64
	tFloat   = descriptorpb.FieldDescriptorProto_TYPE_FLOAT
	tDouble  = descriptorpb.FieldDescriptorProto_TYPE_DOUBLE
	tBool    = descriptorpb.FieldDescriptorProto_TYPE_BOOL
	tEnum    = descriptorpb.FieldDescriptorProto_TYPE_ENUM
	tMessage = descriptorpb.FieldDescriptorProto_TYPE_MESSAGE
)

// optional field, with an optional default value (in the text form used by descriptors).
func optional(name string, number int32, typ fieldType, defaultValue ...string) *descriptorpb.FieldDescriptorProto {
	f := &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(number),
		Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:   typ.Enum(),
	}
	if len(defaultValue) > 0 {
		f.DefaultValue = proto.String(defaultValue[0])
	}
	return f
}

func repeated(name string, number int32, typ fieldType) *descriptorpb.FieldDescriptorProto {
	f := optional(name, number, typ)
	f.Label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum()
	return f
}

// withType sets the fully qualified type name of message and enum fields.
func withType(f *descriptorpb.FieldDescriptorProto, typeName string) *descriptorpb.FieldDescriptorProto {
	f.TypeName = proto.String(".caffe." + typeName)
	return f
}

func message(name string, fields ...*descriptorpb.FieldDescriptorProto) *descriptorpb.DescriptorProto {
	return &descriptorpb.DescriptorProto{Name: proto.String(name), Field: fields}
}

func enum(name string, values ...string) *descriptorpb.EnumDescriptorProto {
	e := &descriptorpb.EnumDescriptorProto{Name: proto.String(name)}
	for ii, value := range values {
		e.Value = append(e.Value, &descriptorpb.EnumValueDescriptorProto{
			Name: proto.String(value), Number: proto.Int32(int32(ii))})
	}
	return e
}

func withEnums(m *descriptorpb.DescriptorProto, enums ...*descriptorpb.EnumDescriptorProto) *descriptorpb.DescriptorProto {
	m.EnumType = append(m.EnumType, enums...)
	return m
}

// v1LayerTypes lists the values of V1LayerParameter.LayerType.
var v1LayerTypes = map[string]int32{
	"NONE": 0, "ABSVAL": 35, "ACCURACY": 1, "ARGMAX": 30, "BNLL": 2, "CONCAT": 3, "CONTRASTIVE_LOSS": 37,
	"CONVOLUTION": 4, "DATA": 5, "DECONVOLUTION": 39, "DROPOUT": 6, "DUMMY_DATA": 32, "EUCLIDEAN_LOSS": 7,
	"ELTWISE": 25, "EXP": 38, "FLATTEN": 8, "HDF5_DATA": 9, "HDF5_OUTPUT": 10, "HINGE_LOSS": 28, "IM2COL": 11,
	"IMAGE_DATA": 12, "INFOGAIN_LOSS": 13, "INNER_PRODUCT": 14, "LRN": 15, "MEMORY_DATA": 29,
	"MULTINOMIAL_LOGISTIC_LOSS": 16, "MVN": 34, "POOLING": 17, "POWER": 26, "RELU": 18, "SIGMOID": 19,
	"SIGMOID_CROSS_ENTROPY_LOSS": 27, "SILENCE": 36, "SOFTMAX": 20, "SOFTMAX_LOSS": 21, "SPLIT": 22,
	"SLICE": 33, "TANH": 23, "WINDOW_DATA": 24, "THRESHOLD": 31,
}

func v1LayerTypeEnum() *descriptorpb.EnumDescriptorProto {
	e := &descriptorpb.EnumDescriptorProto{Name: proto.String("LayerType")}
	// NONE (0) must come first: it is the default value.
	e.Value = append(e.Value, &descriptorpb.EnumValueDescriptorProto{Name: proto.String("NONE"), Number: proto.Int32(0)})
	for name, number := range v1LayerTypes {
		if number != 0 {
			e.Value = append(e.Value, &descriptorpb.EnumValueDescriptorProto{Name: proto.String(name), Number: proto.Int32(number)})
		}
	}
	return e
}

// windowFields are the spatial fields shared by ConvolutionParameter and PoolingParameter.
// kernel_size, stride and pad are scalars in PoolingParameter's schema, but declaring them repeated
// accepts both forms, in text and binary.
func windowFields(kernelSize, stride, pad, kernelH, kernelW, strideH, strideW, padH, padW int32) []*descriptorpb.FieldDescriptorProto {
	return []*descriptorpb.FieldDescriptorProto{
		repeated("kernel_size", kernelSize, tUint32),
		repeated("stride", stride, tUint32),
		repeated("pad", pad, tUint32),
		optional("kernel_h", kernelH, tUint32),
		optional("kernel_w", kernelW, tUint32),
		optional("stride_h", strideH, tUint32),
		optional("stride_w", strideW, tUint32),
		optional("pad_h", padH, tUint32),
		optional("pad_w", padW, tUint32),
	}
}

func buildSchema() *descriptorpb.FileDescriptorProto {
	blobShape := message("BlobShape", repeated("dim", 1, tInt64))
	blobProto := message("BlobProto",
		withType(optional("shape", 7, tMessage), "BlobShape"),
		repeated("data", 5, tFloat),
		repeated("double_data", 8, tDouble),
		optional("num", 1, tInt32, "0"),
		optional("channels", 2, tInt32, "0"),
		optional("height", 3, tInt32, "0"),
		optional("width", 4, tInt32, "0"),
	)
	netStateRule := message("NetStateRule",
		withType(optional("phase", 1, tEnum), "Phase"),
		optional("min_level", 2, tInt32),
		optional("max_level", 3, tInt32),
		repeated("stage", 4, tString),
		repeated("not_stage", 5, tString),
	)

	convolution := message("ConvolutionParameter", append(windowFields(4, 6, 3, 11, 12, 13, 14, 9, 10),
		optional("num_output", 1, tUint32),
		optional("bias_term", 2, tBool, "true"),
		repeated("dilation", 18, tUint32),
		optional("group", 5, tUint32, "1"),
		optional("axis", 16, tInt32, "1"),
	)...)
	pooling := withEnums(message("PoolingParameter", append(windowFields(2, 3, 4, 5, 6, 7, 8, 9, 10),
		withType(optional("pool", 1, tEnum, "MAX"), "PoolingParameter.PoolMethod"),
		optional("global_pooling", 12, tBool, "false"),
		withType(optional("round_mode", 13, tEnum, "CEIL"), "PoolingParameter.RoundMode"),
	)...), enum("PoolMethod", "MAX", "AVE", "STOCHASTIC"), enum("RoundMode", "CEIL", "FLOOR"))
	eltwise := withEnums(message("EltwiseParameter",
		withType(optional("operation", 1, tEnum, "SUM"), "EltwiseParameter.EltwiseOp"),
		repeated("coeff", 2, tFloat),
	), enum("EltwiseOp", "PROD", "SUM", "MAX"))
	batchNorm := message("BatchNormParameter",
		optional("use_global_stats", 1, tBool),
		optional("moving_average_fraction", 2, tFloat, "0.999"),
		optional("eps", 3, tFloat, "1e-05"),
	)
	scale := message("ScaleParameter",
		optional("axis", 1, tInt32, "1"),
		optional("num_axes", 2, tInt32, "1"),
		optional("bias_term", 4, tBool, "false"),
	)
	innerProduct := message("InnerProductParameter",
		optional("num_output", 1, tUint32),
		optional("bias_term", 2, tBool, "true"),
		optional("axis", 5, tInt32, "1"),
		optional("transpose", 6, tBool, "false"),
	)
	input := message("InputParameter", withType(repeated("shape", 1, tMessage), "BlobShape"))
	lrn := withEnums(message("LRNParameter",
		optional("local_size", 1, tUint32, "5"),
		optional("alpha", 2, tFloat, "1"),
		optional("beta", 3, tFloat, "0.75"),
		withType(optional("norm_region", 4, tEnum, "ACROSS_CHANNELS"), "LRNParameter.NormRegion"),
		optional("k", 5, tFloat, "1"),
	), enum("NormRegion", "ACROSS_CHANNELS", "WITHIN_CHANNEL"))
	relu := message("ReLUParameter", optional("negative_slope", 1, tFloat, "0"))
	softmax := message("SoftmaxParameter", optional("axis", 2, tInt32, "1"))
	concat := message("ConcatParameter",
		optional("axis", 2, tInt32, "1"),
		optional("concat_dim", 1, tUint32, "1"),
	)
	dropout := message("DropoutParameter", optional("dropout_ratio", 1, tFloat, "0.5"))
	flatten := message("FlattenParameter",
		optional("axis", 1, tInt32, "1"),
		optional("end_axis", 2, tInt32, "-1"),
	)
	reshape := message("ReshapeParameter",
		withType(optional("shape", 1, tMessage), "BlobShape"),
		optional("axis", 2, tInt32, "0"),
		optional("num_axes", 3, tInt32, "-1"),
	)
	prelu := message("PReLUParameter", optional("channel_shared", 2, tBool, "false"))
	elu := message("ELUParameter", optional("alpha", 1, tFloat, "1"))

	layer := message("LayerParameter",
		optional("name", 1, tString),
		optional("type", 2, tString),
		repeated("bottom", 3, tString),
		repeated("top", 4, tString),
		withType(optional("phase", 10, tEnum), "Phase"),
		withType(repeated("include", 8, tMessage), "NetStateRule"),
		withType(repeated("exclude", 9, tMessage), "NetStateRule"),
		withType(repeated("blobs", 7, tMessage), "BlobProto"),
		withType(optional("batch_norm_param", 139, tMessage), "BatchNormParameter"),
		withType(optional("concat_param", 104, tMessage), "ConcatParameter"),
		withType(optional("convolution_param", 106, tMessage), "ConvolutionParameter"),
		withType(optional("dropout_param", 108, tMessage), "DropoutParameter"),
		withType(optional("eltwise_param", 110, tMessage), "EltwiseParameter"),
		withType(optional("elu_param", 140, tMessage), "ELUParameter"),
		withType(optional("flatten_param", 135, tMessage), "FlattenParameter"),
		withType(optional("inner_product_param", 117, tMessage), "InnerProductParameter"),
		withType(optional("input_param", 143, tMessage), "InputParameter"),
		withType(optional("lrn_param", 118, tMessage), "LRNParameter"),
		withType(optional("pooling_param", 121, tMessage), "PoolingParameter"),
		withType(optional("prelu_param", 131, tMessage), "PReLUParameter"),
		withType(optional("relu_param", 123, tMessage), "ReLUParameter"),
		withType(optional("reshape_param", 133, tMessage), "ReshapeParameter"),
		withType(optional("scale_param", 142, tMessage), "ScaleParameter"),
		withType(optional("softmax_param", 125, tMessage), "SoftmaxParameter"),
	)
	v1Layer := withEnums(message("V1LayerParameter",
		repeated("bottom", 2, tString),
		repeated("top", 3, tString),
		optional("name", 4, tString),
		withType(optional("type", 5, tEnum), "V1LayerParameter.LayerType"),
		withType(repeated("blobs", 6, tMessage), "BlobProto"),
	), v1LayerTypeEnum())
	net := message("NetParameter",
		optional("name", 1, tString),
		repeated("input", 3, tString),
		withType(repeated("input_shape", 8, tMessage), "BlobShape"),
		repeated("input_dim", 4, tInt32),
		withType(repeated("layer", 100, tMessage), "LayerParameter"),
		withType(repeated("layers", 2, tMessage), "V1LayerParameter"),
	)

	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String("caffe.proto"),
		Package: proto.String("caffe"),
		Syntax:  proto.String("proto2"),
		EnumType: []*descriptorpb.EnumDescriptorProto{
			enum("Phase", "TRAIN", "TEST"),
		},
		MessageType: []*descriptorpb.DescriptorProto{
			blobShape, blobProto, netStateRule, convolution, pooling, eltwise, batchNorm, scale, innerProduct,
			input, lrn, relu, softmax, concat, dropout, flatten, reshape, prelu, elu, layer, v1Layer, net,
		},
	}
}

var (
	schemaOnce sync.Once
	schemaFile protoreflect.FileDescriptor
	schemaErr  error
)

// netParameterDescriptor returns the descriptor of the NetParameter message, building the schema on first use.
func netParameterDescriptor() (protoreflect.MessageDescriptor, error) {
	schemaOnce.Do(func() {
		schemaFile, schemaErr = protodesc.NewFile(buildSchema(), new(protoregistry.Files))
		if schemaErr != nil {
			schemaErr = errors.Wrap(schemaErr, "failed to build the Caffe protobuf schema")
		}
	})
	if schemaErr != nil {
		return nil, schemaErr
	}
	return schemaFile.Messages().ByName("NetParameter"), nil
}
