// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package translator

import (
	"github.com/gomlx/caffe2onnx/pkg/caffe"
	"github.com/gomlx/caffe2onnx/pkg/caffe2"
)

// addWindowArgs adds the kernel, stride and pad arguments of a convolution or pooling.
//
// Only square windows (a single value in kernel_size, stride and pad) or the explicit _h/_w fields are
// supported; use caffe.FixWindow for 2-element arrays.
func addWindowArgs(op *caffe2.OperatorDef, w *caffe.Window) {
	if len(w.Stride) > 1 || len(w.KernelSize) > 1 || len(w.Pad) > 1 {
		unsupportedf("kernel_size %v, stride %v, pad %v: only a single value for all axes, or the _h/_w fields, are supported",
			w.KernelSize, w.Stride, w.Pad)
	}
	stride, pad, kernel := uint32(1), uint32(0), uint32(0)
	if len(w.Stride) > 0 {
		stride = w.Stride[0]
	}
	if len(w.Pad) > 0 {
		pad = w.Pad[0]
	}
	if len(w.KernelSize) > 0 {
		kernel = w.KernelSize[0]
	}

	if w.StrideH != nil || w.StrideW != nil {
		addArg(op, "stride_h", valueOr(w.StrideH, 0))
		addArg(op, "stride_w", valueOr(w.StrideW, 0))
	} else {
		addArg(op, "stride", stride)
	}

	if w.PadH != nil || w.PadW != nil {
		padH, padW := valueOr(w.PadH, 0), valueOr(w.PadW, 0)
		if padH == padW {
			addArg(op, "pad", padH)
		} else {
			addArg(op, "pad_t", padH)
			addArg(op, "pad_b", padH)
			addArg(op, "pad_l", padW)
			addArg(op, "pad_r", padW)
		}
	} else {
		addArg(op, "pad", pad)
	}

	if w.KernelH != nil || w.KernelW != nil {
		addArg(op, "kernel_h", valueOr(w.KernelH, 0))
		addArg(op, "kernel_w", valueOr(w.KernelW, 0))
	} else {
		addArg(op, "kernel", kernel)
	}
}

func valueOr[T any](p *T, defaultValue T) T {
	if p == nil {
		return defaultValue
	}
	return *p
}
