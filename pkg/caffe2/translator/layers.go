// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package translator

import (
	"github.com/gomlx/caffe2onnx/pkg/caffe"
	"github.com/gomlx/caffe2onnx/pkg/caffe2"
	"github.com/gomlx/exceptions"
)

var defaultLayers = map[string]LayerFn{
	"Input":         noOp,
	"Data":          noOp,
	"Convolution":   translateConvolution,
	"Deconvolution": translateDeconvolution,
	"ReLU":          translateReLU,
	"Pooling":       translatePooling,
	"LRN":           translateLRN,
	"InnerProduct":  translateInnerProduct,
	"Dropout":       translateDropout,
	"Softmax":       translateSoftmax,
	"Concat":        translateConcat,
	"Eltwise":       translateEltwise,
	"BatchNorm":     translateBatchNorm,
	"Scale":         translateScale,
	"Flatten":       translateFlatten,
	"Reshape":       translateReshape,
	"PReLU":         translatePReLU,
	"ELU":           translateELU,
	"Sigmoid":       renamed("Sigmoid"),
	"TanH":          renamed("Tanh"),
	"AbsVal":        renamed("Abs"),
	"Exp":           renamed("Exp"),
}

// noOp is used by layers that only declare inputs.
func noOp(*caffe.LayerParameter, []*caffe.BlobProto) ([]*caffe2.OperatorDef, []*caffe2.TensorProto) {
	return nil, nil
}

// renamed returns a LayerFn that converts the layer to a Caffe2 operator without arguments.
func renamed(opType string) LayerFn {
	return func(layer *caffe.LayerParameter, _ []*caffe.BlobProto) ([]*caffe2.OperatorDef, []*caffe2.TensorProto) {
		return []*caffe2.OperatorDef{baseOp(layer, opType)}, nil
	}
}

func single(op *caffe2.OperatorDef, params ...*caffe2.TensorProto) ([]*caffe2.OperatorDef, []*caffe2.TensorProto) {
	return []*caffe2.OperatorDef{op}, params
}

func convolutionParam(layer *caffe.LayerParameter) *caffe.ConvolutionParameter {
	if layer.ConvolutionParam == nil {
		return &caffe.ConvolutionParameter{BiasTerm: true, Group: 1, Axis: 1}
	}
	return layer.ConvolutionParam
}

// addDilation adds the dilation arguments: a single value for all axes, or one per spatial axis for 2D.
func addDilation(op *caffe2.OperatorDef, dilation []uint32) {
	switch len(dilation) {
	case 0:
	case 1:
		addArg(op, "dilation", dilation[0])
	case 2:
		addArg(op, "dilation_h", dilation[0])
		addArg(op, "dilation_w", dilation[1])
	default:
		unsupportedf("dilation %v: only 1 or 2 values supported", dilation)
	}
}

func translateConvolution(layer *caffe.LayerParameter, blobs []*caffe.BlobProto) ([]*caffe2.OperatorDef, []*caffe2.TensorProto) {
	param := convolutionParam(layer)
	op := baseOp(layer, "Conv")
	output := firstTop(layer)
	requireBlobs(blobs, 1)
	op.Inputs = append(op.Inputs, output+"_w")
	addWindowArgs(op, &param.Window)
	params := []*caffe2.TensorProto{blobTensor(blobs[0], output+"_w")}
	if len(blobs) >= 2 {
		op.Inputs = append(op.Inputs, output+"_b")
		params = append(params, flatTensor(blobs[1], output+"_b"))
	}
	if param.Group != 1 {
		addArg(op, "group", param.Group)
	}
	addDilation(op, param.Dilation)
	return single(op, params...)
}

func translateDeconvolution(layer *caffe.LayerParameter, blobs []*caffe.BlobProto) ([]*caffe2.OperatorDef, []*caffe2.TensorProto) {
	param := convolutionParam(layer)
	if param.Group > 1 {
		unsupportedf("grouped deconvolution (group=%d)", param.Group)
	}
	op := baseOp(layer, "ConvTranspose")
	output := firstTop(layer)
	addWindowArgs(op, &param.Window)
	addArg(op, "order", "NCHW")
	requireBlobs(blobs, 1)
	op.Inputs = append(op.Inputs, output+"_w")
	params := []*caffe2.TensorProto{blobTensor(blobs[0], output+"_w")}
	if param.BiasTerm {
		requireBlobs(blobs, 2)
		op.Inputs = append(op.Inputs, output+"_b")
		params = append(params, flatTensor(blobs[1], output+"_b"))
	}
	return single(op, params...)
}

func translateReLU(layer *caffe.LayerParameter, _ []*caffe.BlobProto) ([]*caffe2.OperatorDef, []*caffe2.TensorProto) {
	if layer.ReLUParam != nil && layer.ReLUParam.NegativeSlope != 0 {
		op := baseOp(layer, "LeakyRelu")
		addArg(op, "alpha", layer.ReLUParam.NegativeSlope)
		return single(op)
	}
	return single(baseOp(layer, "Relu"))
}

func translatePooling(layer *caffe.LayerParameter, _ []*caffe.BlobProto) ([]*caffe2.OperatorDef, []*caffe2.TensorProto) {
	param := layer.PoolingParam
	if param == nil {
		param = &caffe.PoolingParameter{}
	}
	var op *caffe2.OperatorDef
	switch param.Pool {
	case caffe.PoolMax:
		op = baseOp(layer, "MaxPool")
	case caffe.PoolAve:
		op = baseOp(layer, "AveragePool")
	default:
		unsupportedf("pooling method %d", param.Pool)
	}
	addWindowArgs(op, &param.Window)
	addArg(op, "order", "NCHW")
	// Caffe rounds the output size up, unless asked otherwise.
	if param.RoundMode != caffe.RoundFloor {
		addArg(op, "legacy_pad", caffe2.LegacyPadCaffePooling)
	}
	if param.GlobalPooling {
		addArg(op, "global_pooling", 1)
	}
	return single(op)
}

func translateLRN(layer *caffe.LayerParameter, _ []*caffe.BlobProto) ([]*caffe2.OperatorDef, []*caffe2.TensorProto) {
	param := layer.LRNParam
	if param == nil {
		param = &caffe.LRNParameter{LocalSize: 5, Alpha: 1, Beta: 0.75, K: 1}
	}
	if param.NormRegion != caffe.AcrossChannels {
		unsupportedf("LRN norm region %d, only ACROSS_CHANNELS is supported", param.NormRegion)
	}
	op := baseOp(layer, "LRN")
	op.Outputs = append(op.Outputs, "_"+firstTop(layer)+"_scale")
	addArg(op, "size", int64(param.LocalSize))
	addArg(op, "alpha", param.Alpha)
	addArg(op, "beta", param.Beta)
	addArg(op, "bias", param.K)
	addArg(op, "order", "NCHW")
	return single(op)
}

func translateInnerProduct(layer *caffe.LayerParameter, blobs []*caffe.BlobProto) ([]*caffe2.OperatorDef, []*caffe2.TensorProto) {
	param := layer.InnerProductParam
	if param == nil {
		param = &caffe.InnerProductParameter{BiasTerm: true, Axis: 1}
	}
	if param.Axis != 1 || param.Transpose {
		unsupportedf("InnerProduct with axis=%d and transpose=%v, only axis=1 without transpose is supported",
			param.Axis, param.Transpose)
	}
	output := firstTop(layer)
	op := baseOp(layer, "FC")
	op.Inputs = append(op.Inputs, output+"_w", output+"_b")

	requireBlobs(blobs, 1)
	weight := blobTensor(blobs[0], output+"_w")
	switch rank := len(weight.Dims); {
	case rank == 2:
	case rank == 4 && weight.Dims[0] == 1 && weight.Dims[1] == 1:
		// Old style Caffe blob shaped [1, 1, outputs, inputs].
		weight.Dims = weight.Dims[2:]
	default:
		exceptions.Panicf("unexpected InnerProduct weights shape %v", weight.Dims)
	}

	var bias *caffe2.TensorProto
	if len(blobs) >= 2 {
		bias = flatTensor(blobs[1], output+"_b")
	} else {
		if param.BiasTerm {
			exceptions.Panicf("InnerProduct has bias_term but no trained bias")
		}
		outputs := weight.Dims[0]
		bias = &caffe2.TensorProto{Name: output + "_b", Dims: []int64{outputs}, DataType: caffe2.TensorFloat,
			FloatData: make([]float32, outputs)}
	}
	return single(op, weight, bias)
}

func translateDropout(layer *caffe.LayerParameter, _ []*caffe.BlobProto) ([]*caffe2.OperatorDef, []*caffe2.TensorProto) {
	ratio := float32(0.5)
	if layer.DropoutParam != nil {
		ratio = layer.DropoutParam.DropoutRatio
	}
	op := baseOp(layer, "Dropout")
	op.Outputs = append(op.Outputs, "_"+firstTop(layer)+"_mask")
	addArg(op, "ratio", ratio)
	addArg(op, "is_test", 1)
	return single(op)
}

func translateSoftmax(layer *caffe.LayerParameter, _ []*caffe.BlobProto) ([]*caffe2.OperatorDef, []*caffe2.TensorProto) {
	op := baseOp(layer, "Softmax")
	if layer.SoftmaxParam != nil && layer.SoftmaxParam.Axis != 1 {
		addArg(op, "axis", layer.SoftmaxParam.Axis)
	}
	return single(op)
}

func translateConcat(layer *caffe.LayerParameter, _ []*caffe.BlobProto) ([]*caffe2.OperatorDef, []*caffe2.TensorProto) {
	axis := int32(1)
	if param := layer.ConcatParam; param != nil {
		axis = param.Axis
		if param.ConcatDim != nil {
			axis = int32(*param.ConcatDim)
		}
	}
	op := baseOp(layer, "Concat")
	op.Outputs = append(op.Outputs, "_"+firstTop(layer)+"_dims")
	if axis == 1 {
		addArg(op, "order", "NCHW")
	} else {
		addArg(op, "axis", axis)
	}
	return single(op)
}

func translateEltwise(layer *caffe.LayerParameter, _ []*caffe.BlobProto) ([]*caffe2.OperatorDef, []*caffe2.TensorProto) {
	param := layer.EltwiseParam
	if param == nil {
		param = &caffe.EltwiseParameter{Operation: caffe.EltwiseSum}
	}
	if len(param.Coeff) > 0 {
		unsupportedf("Eltwise coefficients %v", param.Coeff)
	}
	switch param.Operation {
	case caffe.EltwiseSum:
		return single(baseOp(layer, "Sum"))
	case caffe.EltwiseMax:
		return single(baseOp(layer, "Max"))
	case caffe.EltwiseProd:
		if len(layer.Bottom) != 2 {
			unsupportedf("Eltwise PROD with %d inputs, only 2 are supported", len(layer.Bottom))
		}
		return single(baseOp(layer, "Mul"))
	}
	unsupportedf("Eltwise operation %d", param.Operation)
	return nil, nil
}

func translateBatchNorm(layer *caffe.LayerParameter, blobs []*caffe.BlobProto) ([]*caffe2.OperatorDef, []*caffe2.TensorProto) {
	eps := float32(1e-5)
	if layer.BatchNormParam != nil {
		eps = layer.BatchNormParam.Eps
	}
	op := baseOp(layer, "SpatialBN")
	output := firstTop(layer)
	addArg(op, "is_test", 1)
	addArg(op, "epsilon", eps)
	addArg(op, "order", "NCHW")
	op.Inputs = append(op.Inputs, output+"_scale", output+"_bias", output+"_mean", output+"_var")

	requireBlobs(blobs, 3)
	factorValues := blobs[2].Values()
	if len(factorValues) == 0 || factorValues[0] == 0 {
		exceptions.Panicf("BatchNorm moving average scale factor is zero")
	}
	factor := 1 / factorValues[0]
	mean := flatTensor(blobs[0], output+"_mean")
	variance := flatTensor(blobs[1], output+"_var")
	if len(mean.FloatData) != len(variance.FloatData) {
		exceptions.Panicf("BatchNorm mean has %d values and variance %d", len(mean.FloatData), len(variance.FloatData))
	}
	mean.FloatData = scaled(mean.FloatData, factor)
	variance.FloatData = scaled(variance.FloatData, factor)

	channels := len(mean.FloatData)
	var scale, bias *caffe2.TensorProto
	if len(blobs) > 3 {
		// Fused BatchNorm and Scale (IntelCaffe, NVCaffe): blobs 3 and 4 are the scale and bias.
		requireBlobs(blobs, 5)
		scale = flatTensor(blobs[3], output+"_scale")
		bias = flatTensor(blobs[4], output+"_bias")
	} else {
		ones := make([]float32, channels)
		for ii := range ones {
			ones[ii] = 1
		}
		scale = &caffe2.TensorProto{Name: output + "_scale", Dims: []int64{int64(channels)}, DataType: caffe2.TensorFloat, FloatData: ones}
		bias = &caffe2.TensorProto{Name: output + "_bias", Dims: []int64{int64(channels)}, DataType: caffe2.TensorFloat,
			FloatData: make([]float32, channels)}
	}
	return single(op, scale, bias, mean, variance)
}

func scaled(values []float32, factor float32) []float32 {
	result := make([]float32, len(values))
	for ii, v := range values {
		result[ii] = v * factor
	}
	return result
}

func translateScale(layer *caffe.LayerParameter, blobs []*caffe.BlobProto) ([]*caffe2.OperatorDef, []*caffe2.TensorProto) {
	param := layer.ScaleParam
	if param == nil {
		param = &caffe.ScaleParameter{Axis: 1, NumAxes: 1}
	}
	mul := baseOp(layer, "Mul")
	addArg(mul, "axis", param.Axis)
	addArg(mul, "broadcast", 1)
	if len(mul.Inputs) != 1 {
		unsupportedf("Scale with %d inputs, only the scale stored as a trained blob is supported", len(mul.Inputs))
	}
	if param.NumAxes != 1 {
		unsupportedf("Scale with num_axes=%d", param.NumAxes)
	}
	output := firstTop(layer)
	requireBlobs(blobs, 1)
	scaleName := output + "scale_w"
	mul.Inputs = append(mul.Inputs, scaleName)
	params := []*caffe2.TensorProto{flatTensor(blobs[0], scaleName)}
	switch len(blobs) {
	case 1:
		return single(mul, params...)
	case 2:
		// Caffe2 Mul has no bias: add it with a separate operator.
		biasName := output + "scale_b"
		internal := output + "_internal"
		add := baseOp(layer, "Add")
		add.Args = mul.Args
		add.Inputs = []string{internal, biasName}
		mul.Outputs = []string{internal}
		params = append(params, flatTensor(blobs[1], biasName))
		return []*caffe2.OperatorDef{mul, add}, params
	}
	exceptions.Panicf("unexpected number of trained blobs (%d) for Scale", len(blobs))
	return nil, nil
}

func translateFlatten(layer *caffe.LayerParameter, _ []*caffe.BlobProto) ([]*caffe2.OperatorDef, []*caffe2.TensorProto) {
	param := layer.FlattenParam
	if param == nil {
		param = &caffe.FlattenParameter{Axis: 1, EndAxis: -1}
	}
	if param.EndAxis != -1 {
		unsupportedf("Flatten with end_axis=%d, only -1 is supported", param.EndAxis)
	}
	if param.Axis < 0 {
		unsupportedf("Flatten with negative axis=%d", param.Axis)
	}
	op := baseOp(layer, "Flatten")
	if param.Axis != 1 {
		addArg(op, "axis", param.Axis)
	}
	return single(op)
}

func translateReshape(layer *caffe.LayerParameter, _ []*caffe.BlobProto) ([]*caffe2.OperatorDef, []*caffe2.TensorProto) {
	param := layer.ReshapeParam
	if param == nil || param.Shape == nil {
		unsupportedf("Reshape without a shape")
	}
	if param.Axis != 0 || param.NumAxes != -1 {
		unsupportedf("Reshape of a range of axes (axis=%d, num_axes=%d)", param.Axis, param.NumAxes)
	}
	op := baseOp(layer, "Reshape")
	if len(op.Inputs) == 0 {
		exceptions.Panicf("Reshape has no bottom")
	}
	op.Outputs = append(op.Outputs, "_"+op.Inputs[0]+"_dims")
	addArg(op, "shape", param.Shape.Dim)
	return single(op)
}

func translatePReLU(layer *caffe.LayerParameter, blobs []*caffe.BlobProto) ([]*caffe2.OperatorDef, []*caffe2.TensorProto) {
	op := baseOp(layer, "PRelu")
	slopeName := firstTop(layer) + "_Slope"
	op.Inputs = append(op.Inputs, slopeName)
	requireBlobs(blobs, 1)
	slope := flatTensor(blobs[0], slopeName)
	if len(slope.FloatData) > 1 {
		// One slope per channel, broadcast over the spatial axes of NCHW inputs.
		slope.Dims = []int64{slope.Dims[0], 1, 1}
	}
	return single(op, slope)
}

func translateELU(layer *caffe.LayerParameter, _ []*caffe.BlobProto) ([]*caffe2.OperatorDef, []*caffe2.TensorProto) {
	alpha := float32(1)
	if layer.ELUParam != nil {
		alpha = layer.ELUParam.Alpha
	}
	op := baseOp(layer, "Elu")
	addArg(op, "alpha", alpha)
	return single(op)
}
