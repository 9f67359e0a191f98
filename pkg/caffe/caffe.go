// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package caffe reads legacy Caffe models: the network definition in protobuf text format (".prototxt")
// and the trained weights in protobuf binary format (".caffemodel").
//
// Only the subset of the Caffe schema needed for inference graphs is represented: the network
// inputs, the layers with their connectivity, the parameter blocks of the supported layer types,
// and the weight blobs. Everything else is ignored while parsing.
//
// Fields whose presence matters (e.g. Window.KernelH) are pointers; fields with a schema default
// are filled with the default when absent.
package caffe

// Phase of the network: Caffe nets can include layers only for training or only for testing.
type Phase int32

const (
	PhaseTrain Phase = 0
	PhaseTest  Phase = 1
)

// PoolMethod of a pooling layer.
type PoolMethod int32

const (
	PoolMax        PoolMethod = 0
	PoolAve        PoolMethod = 1
	PoolStochastic PoolMethod = 2
)

// RoundMode of the output size of a pooling layer.
type RoundMode int32

const (
	RoundCeil  RoundMode = 0
	RoundFloor RoundMode = 1
)

// EltwiseOp is the operation of an Eltwise layer.
type EltwiseOp int32

const (
	EltwiseProd EltwiseOp = 0
	EltwiseSum  EltwiseOp = 1
	EltwiseMax  EltwiseOp = 2
)

// NormRegion of a local response normalization layer.
type NormRegion int32

const (
	AcrossChannels NormRegion = 0
	WithinChannel  NormRegion = 1
)

// NetParameter is a Caffe network: used for both the network definition and the trained model.
type NetParameter struct {
	Name string

	// Inputs declared at the top level, instead of using an Input layer.
	Input      []string
	InputShape []*BlobShape
	// InputDim is the legacy flat form of the input shapes: 4 dimensions per input.
	InputDim []int32

	// Layers is the "layer" field.
	Layers []*LayerParameter
	// LegacyLayers is the V1 "layers" field, used by old network definitions and trained models.
	LegacyLayers []*V1LayerParameter
}

// BlobShape is the shape of a blob.
type BlobShape struct {
	Dim []int64
}

// BlobProto is a trained parameter.
//
// The shape is either in Shape or, for old models, in the legacy 4D Num/Channels/Height/Width fields.
// Values are either in Data or in DoubleData.
type BlobProto struct {
	Shape      *BlobShape
	Data       []float32
	DoubleData []float64

	Num, Channels, Height, Width int32
}

// NetStateRule selects the network states in which a layer is included or excluded.
type NetStateRule struct {
	Phase    *Phase
	MinLevel *int32
	MaxLevel *int32
	Stage    []string
	NotStage []string
}

// LayerParameter is a layer ("layer" field) of a Caffe network.
//
// Only the parameter block corresponding to Type is expected to be set.
type LayerParameter struct {
	Name   string
	Type   string
	Bottom []string
	Top    []string

	Include, Exclude []*NetStateRule
	Blobs            []*BlobProto

	BatchNormParam    *BatchNormParameter
	ConcatParam       *ConcatParameter
	ConvolutionParam  *ConvolutionParameter
	DropoutParam      *DropoutParameter
	EltwiseParam      *EltwiseParameter
	ELUParam          *ELUParameter
	FlattenParam      *FlattenParameter
	InnerProductParam *InnerProductParameter
	InputParam        *InputParameter
	LRNParam          *LRNParameter
	PoolingParam      *PoolingParameter
	PReLUParam        *PReLUParameter
	ReLUParam         *ReLUParameter
	ReshapeParam      *ReshapeParameter
	ScaleParam        *ScaleParameter
	SoftmaxParam      *SoftmaxParameter
}

// V1LayerParameter is a layer of the legacy "layers" field. Only its identification and blobs are kept.
type V1LayerParameter struct {
	Name   string
	Type   V1LayerType
	Bottom []string
	Top    []string
	Blobs  []*BlobProto
}

// V1LayerType is the enum type of V1 layers.
type V1LayerType int32

// Window holds the spatial parameters shared by convolutions and pooling.
//
// KernelSize, Stride and Pad have either one value for all spatial axes, or one value per spatial axis.
// The _h/_w fields, if set, take precedence and are only valid for 2D windows.
type Window struct {
	KernelSize, Stride, Pad []uint32

	KernelH, KernelW *uint32
	StrideH, StrideW *uint32
	PadH, PadW       *uint32
}

// ConvolutionParameter configures Convolution and Deconvolution layers.
type ConvolutionParameter struct {
	Window

	NumOutput uint32
	BiasTerm  bool // Default true.
	Dilation  []uint32
	Group     uint32 // Default 1.
	Axis      int32  // Default 1.
}

// PoolingParameter configures Pooling layers.
type PoolingParameter struct {
	Window

	Pool          PoolMethod
	GlobalPooling bool
	RoundMode     RoundMode
}

// EltwiseParameter configures Eltwise layers.
type EltwiseParameter struct {
	Operation EltwiseOp // Default EltwiseSum.
	Coeff     []float32
}

// BatchNormParameter configures BatchNorm layers.
type BatchNormParameter struct {
	UseGlobalStats        *bool
	MovingAverageFraction float32 // Default 0.999.
	Eps                   float32 // Default 1e-5.
}

// ScaleParameter configures Scale layers.
type ScaleParameter struct {
	Axis     int32 // Default 1.
	NumAxes  int32 // Default 1.
	BiasTerm bool
}

// InnerProductParameter configures InnerProduct layers.
type InnerProductParameter struct {
	NumOutput uint32
	BiasTerm  bool  // Default true.
	Axis      int32 // Default 1.
	Transpose bool
}

// InputParameter configures Input layers: one shape per top.
type InputParameter struct {
	Shape []*BlobShape
}

// LRNParameter configures LRN layers.
type LRNParameter struct {
	LocalSize  uint32  // Default 5.
	Alpha      float32 // Default 1.
	Beta       float32 // Default 0.75.
	NormRegion NormRegion
	K          float32 // Default 1.
}

// ReLUParameter configures ReLU layers.
type ReLUParameter struct {
	NegativeSlope float32
}

// SoftmaxParameter configures Softmax layers.
type SoftmaxParameter struct {
	Axis int32 // Default 1.
}

// ConcatParameter configures Concat layers. The deprecated ConcatDim, if set, takes precedence over Axis.
type ConcatParameter struct {
	Axis      int32 // Default 1.
	ConcatDim *uint32
}

// DropoutParameter configures Dropout layers.
type DropoutParameter struct {
	DropoutRatio float32 // Default 0.5.
}

// FlattenParameter configures Flatten layers.
type FlattenParameter struct {
	Axis    int32 // Default 1.
	EndAxis int32 // Default -1.
}

// ReshapeParameter configures Reshape layers.
type ReshapeParameter struct {
	Shape   *BlobShape
	Axis    int32
	NumAxes int32 // Default -1.
}

// PReLUParameter configures PReLU layers.
type PReLUParameter struct {
	ChannelShared bool
}

// ELUParameter configures ELU layers.
type ELUParameter struct {
	Alpha float32 // Default 1.
}

// FindBlobs searches the layers ("layer" first, then the V1 "layers") for the one with the given name, and
// returns its blobs. It also returns the number of layers with that name, 0 if none was found.
func (n *NetParameter) FindBlobs(name string) (blobs []*BlobProto, matches int) {
	found := false
	for _, layer := range n.Layers {
		if layer.Name == name {
			if !found {
				blobs, found = layer.Blobs, true
			}
			matches++
		}
	}
	for _, layer := range n.LegacyLayers {
		if layer.Name == name {
			if !found {
				blobs, found = layer.Blobs, true
			}
			matches++
		}
	}
	return
}

// Dims returns the shape of the blob: the legacy 4D shape if num is set, otherwise Shape.
func (b *BlobProto) Dims() []int64 {
	if b.Num != 0 {
		return []int64{int64(b.Num), int64(b.Channels), int64(b.Height), int64(b.Width)}
	}
	if b.Shape == nil {
		return []int64{}
	}
	return append([]int64{}, b.Shape.Dim...)
}

// Values returns the blob values as float32, converting DoubleData if Data is empty.
func (b *BlobProto) Values() []float32 {
	if len(b.Data) > 0 || len(b.DoubleData) == 0 {
		return b.Data
	}
	values := make([]float32, len(b.DoubleData))
	for ii, v := range b.DoubleData {
		values[ii] = float32(v)
	}
	return values
}

// Len returns the number of values stored in the blob.
func (b *BlobProto) Len() int {
	if len(b.Data) > 0 {
		return len(b.Data)
	}
	return len(b.DoubleData)
}
