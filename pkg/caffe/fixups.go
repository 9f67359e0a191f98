// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package caffe

import "k8s.io/klog/v2"

// FixWindow rewrites 2-element kernel_size, stride and pad arrays into their _h/_w forms, which are the only
// ones handled by the Caffe2 translation of 2D convolutions and pooling.
//
// Arrays with any other number of elements are left untouched. It is idempotent.
func FixWindow(w *Window) {
	split := func(values *[]uint32, h, w **uint32) {
		if len(*values) != 2 {
			return
		}
		first, second := (*values)[0], (*values)[1]
		*h, *w = &first, &second
		*values = nil
	}
	split(&w.KernelSize, &w.KernelH, &w.KernelW)
	split(&w.Stride, &w.StrideH, &w.StrideW)
	split(&w.Pad, &w.PadH, &w.PadW)
}

// FixEltwise clears the coefficients of an Eltwise layer if they are all 1, since the translation
// doesn't support coefficients and all ones is the same as none.
func FixEltwise(p *EltwiseParameter) {
	if len(p.Coeff) == 0 {
		return
	}
	for _, c := range p.Coeff {
		if c != 1 {
			return
		}
	}
	p.Coeff = nil
}

// FixBatchNorm sets the scale factor of a BatchNorm layer of the trained model to 1 if it is 0.
//
// The scale factor is the first value of the third blob. Models trained without any iteration store 0,
// which would make the mean and variance undefined.
func FixBatchNorm(caffemodel *NetParameter, layerName string) {
	blobs, _ := caffemodel.FindBlobs(layerName)
	if len(blobs) < 3 {
		return
	}
	factor := blobs[2]
	switch {
	case len(factor.Data) > 0:
		if factor.Data[0] == 0 {
			factor.Data[0] = 1
			klog.V(1).Infof("BatchNorm %q: scale factor 0 replaced by 1", layerName)
		}
	case len(factor.DoubleData) > 0:
		if factor.DoubleData[0] == 0 {
			factor.DoubleData[0] = 1
			klog.V(1).Infof("BatchNorm %q: scale factor 0 replaced by 1", layerName)
		}
	}
}

// ApplyFixups applies FixWindow, FixEltwise and FixBatchNorm to all the layers of the network definition
// (and, for BatchNorm, the corresponding trained model layers) that need them.
func ApplyFixups(prototxt, caffemodel *NetParameter) {
	for _, layer := range prototxt.Layers {
		switch layer.Type {
		case "Convolution", "Deconvolution":
			if layer.ConvolutionParam != nil {
				FixWindow(&layer.ConvolutionParam.Window)
			}
		case "Pooling":
			if layer.PoolingParam != nil {
				FixWindow(&layer.PoolingParam.Window)
			}
		case "Eltwise":
			if layer.EltwiseParam != nil {
				FixEltwise(layer.EltwiseParam)
			}
		case "BatchNorm":
			if caffemodel != nil {
				FixBatchNorm(caffemodel, layer.Name)
			}
		}
	}
}
