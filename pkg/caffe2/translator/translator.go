// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package translator converts Caffe networks (network definition and trained weights) to Caffe2 networks.
//
// Each Caffe layer type is converted by a LayerFn registered in Caffe2.Layers. The conversion produces the
// Caffe2 operators of the predict network and the trained parameters as Caffe2 tensors, which are later
// turned into the init network (see caffe2.TensorProtosToInitNet).
package translator

import (
	"maps"
	"slices"

	"github.com/gomlx/caffe2onnx/pkg/caffe"
	"github.com/gomlx/caffe2onnx/pkg/caffe2"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrUnsupported is wrapped by errors of Caffe models (or layers) that can't be converted.
var ErrUnsupported = errors.New("unsupported Caffe model")

// Translator converts a Caffe network to Caffe2.
//
// It returns the predict network, with the operators only (external inputs and outputs are not set), and
// the trained parameters referenced by the operators.
type Translator interface {
	Translate(prototxt, caffemodel *caffe.NetParameter) (predict *caffe2.NetDef, params []*caffe2.TensorProto, err error)
}

// LayerFn converts one Caffe layer, given its trained blobs (possibly empty), to Caffe2 operators and
// parameters.
//
// Errors are raised by panicking (with an error value): Caffe2.Translate recovers them.
type LayerFn func(layer *caffe.LayerParameter, blobs []*caffe.BlobProto) ([]*caffe2.OperatorDef, []*caffe2.TensorProto)

// Caffe2 is the Translator implementation using a table of layer converters.
type Caffe2 struct {
	// State selects the layers included in the network.
	State caffe.NetState

	// Layers maps Caffe layer types to their converters.
	Layers map[string]LayerFn
}

// Default returns the built-in translator: inference state and all known layers.
func Default() *Caffe2 {
	return &Caffe2{State: caffe.InferenceState, Layers: DefaultLayers()}
}

// DefaultLayers returns a new copy of the table of built-in layer converters.
func DefaultLayers() map[string]LayerFn {
	return maps.Clone(defaultLayers)
}

// SupportedLayers returns the sorted layer types the translator can convert.
func (t *Caffe2) SupportedLayers() []string {
	return slices.Sorted(maps.Keys(t.Layers))
}

// Translate implements Translator.
//
// Only networks using the "layer" field are accepted. Layers not included in t.State are skipped. The trained
// blobs of each layer are found by name in the "layer" or the V1 "layers" fields of caffemodel.
func (t *Caffe2) Translate(prototxt, caffemodel *caffe.NetParameter) (predict *caffe2.NetDef, params []*caffe2.TensorProto, err error) {
	if len(prototxt.LegacyLayers) > 0 {
		return nil, nil, errors.Wrap(ErrUnsupported,
			"network definition uses the deprecated \"layers\" field, only the \"layer\" field is supported")
	}
	predict = &caffe2.NetDef{Name: prototxt.Name}
	for _, layer := range prototxt.Layers {
		if !layer.IncludedIn(t.State) {
			klog.V(1).Infof("layer %q (%s) not included in the network state, skipped", layer.Name, layer.Type)
			continue
		}
		var (
			ops         []*caffe2.OperatorDef
			layerParams []*caffe2.TensorProto
		)
		err = exceptions.TryCatch[error](func() {
			ops, layerParams = t.translateLayer(layer, caffemodel)
		})
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "translating layer %q (%s)", layer.Name, layer.Type)
		}
		klog.V(1).Infof("layer %q (%s): %d operators, %d parameters", layer.Name, layer.Type, len(ops), len(layerParams))
		predict.Ops = append(predict.Ops, ops...)
		params = append(params, layerParams...)
	}
	return predict, params, nil
}

func (t *Caffe2) translateLayer(layer *caffe.LayerParameter, caffemodel *caffe.NetParameter) ([]*caffe2.OperatorDef, []*caffe2.TensorProto) {
	fn, found := t.Layers[layer.Type]
	if !found {
		panic(errors.Wrapf(ErrUnsupported, "no translation registered for layer type %q", layer.Type))
	}
	var blobs []*caffe.BlobProto
	if caffemodel != nil {
		var matches int
		blobs, matches = caffemodel.FindBlobs(layer.Name)
		if matches > 1 {
			panic(errors.Wrapf(ErrUnsupported, "%d trained layers named %q", matches, layer.Name))
		}
	}
	return fn(layer, blobs)
}

// unsupportedf panics with an error wrapping ErrUnsupported.
func unsupportedf(format string, args ...any) {
	panic(errors.Wrapf(ErrUnsupported, format, args...))
}

// baseOp creates an operator of the given type with the layer's bottoms and tops as inputs and outputs.
func baseOp(layer *caffe.LayerParameter, opType string) *caffe2.OperatorDef {
	return &caffe2.OperatorDef{
		Type:    opType,
		Inputs:  slices.Clone(layer.Bottom),
		Outputs: slices.Clone(layer.Top),
	}
}

func addArg(op *caffe2.OperatorDef, name string, value any) {
	op.Args = append(op.Args, caffe2.MakeArgument(name, value))
}

// firstTop returns the first output of the layer, which names its parameters.
func firstTop(layer *caffe.LayerParameter) string {
	if len(layer.Top) == 0 {
		exceptions.Panicf("layer has no top")
	}
	return layer.Top[0]
}

// requireBlobs panics if there are fewer than n trained blobs.
func requireBlobs(blobs []*caffe.BlobProto, n int) {
	if len(blobs) < n {
		exceptions.Panicf("expected at least %d trained blobs, got %d: is the layer missing from the trained model?", n, len(blobs))
	}
}

// blobTensor converts a trained blob to a float Caffe2 tensor with the blob's shape.
func blobTensor(blob *caffe.BlobProto, name string) *caffe2.TensorProto {
	dims := blob.Dims()
	size := int64(1)
	for _, dim := range dims {
		size *= dim
	}
	values := blob.Values()
	if int64(len(values)) != size {
		exceptions.Panicf("blob for %q has shape %v but %d values", name, dims, len(values))
	}
	return &caffe2.TensorProto{Name: name, Dims: dims, DataType: caffe2.TensorFloat, FloatData: values}
}

// flatTensor converts a trained blob to a 1D float Caffe2 tensor.
func flatTensor(blob *caffe.BlobProto, name string) *caffe2.TensorProto {
	values := blob.Values()
	return &caffe2.TensorProto{Name: name, Dims: []int64{int64(len(values))}, DataType: caffe2.TensorFloat, FloatData: values}
}
