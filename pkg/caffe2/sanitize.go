// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package caffe2

import "slices"

// UnrecognizedArguments are operator arguments that only matter to the Caffe2 runtime, and that the
// conversion to ONNX doesn't accept.
var UnrecognizedArguments = []string{"ws_nbytes_limit"}

// RemoveUnrecognizedArguments removes, in place, the UnrecognizedArguments from all operators of the network.
func RemoveUnrecognizedArguments(net *NetDef) {
	for _, op := range net.Ops {
		op.Args = slices.DeleteFunc(op.Args, func(arg *Argument) bool {
			return slices.Contains(UnrecognizedArguments, arg.Name)
		})
	}
}
