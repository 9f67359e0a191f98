// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package frontend

import (
	"fmt"

	"github.com/gomlx/caffe2onnx/pkg/caffe2"
)

// versionedBlob is a blob name and the number of times it was written so far (0 for external inputs).
type versionedBlob struct {
	name    string
	version int
}

// ssaRewrite returns a copy of net where each blob is written only once.
//
// Blobs written more than once (in-place operators) are renamed "<name>_<version>" in every operator and in
// the external outputs. Blobs with a single version keep their name.
func ssaRewrite(net *caffe2.NetDef) *caffe2.NetDef {
	blobVersions := make(map[string]int)
	for _, name := range net.ExternalInputs {
		blobVersions[name] = 0
	}
	type opVersions struct {
		inputs, outputs []versionedBlob
	}
	ssa := make([]opVersions, len(net.Ops))
	for ii, op := range net.Ops {
		for _, name := range op.Inputs {
			ssa[ii].inputs = append(ssa[ii].inputs, versionedBlob{name, blobVersions[name]})
		}
		for _, name := range op.Outputs {
			blobVersions[name]++
			ssa[ii].outputs = append(ssa[ii].outputs, versionedBlob{name, blobVersions[name]})
		}
	}

	versions := make(map[string]map[int]bool)
	for _, versioned := range ssa {
		for _, blob := range append(versioned.inputs, versioned.outputs...) {
			if versions[blob.name] == nil {
				versions[blob.name] = make(map[int]bool)
			}
			versions[blob.name][blob.version] = true
		}
	}
	ssaName := func(blob versionedBlob) string {
		if blob.version == 0 || len(versions[blob.name]) <= 1 {
			return blob.name
		}
		return fmt.Sprintf("%s_%d", blob.name, blob.version)
	}

	rewritten := *net
	rewritten.Ops = make([]*caffe2.OperatorDef, len(net.Ops))
	for ii, op := range net.Ops {
		newOp := *op
		newOp.Inputs = make([]string, len(op.Inputs))
		for jj, blob := range ssa[ii].inputs {
			newOp.Inputs[jj] = ssaName(blob)
		}
		newOp.Outputs = make([]string, len(op.Outputs))
		for jj, blob := range ssa[ii].outputs {
			newOp.Outputs[jj] = ssaName(blob)
		}
		rewritten.Ops[ii] = &newOp
	}
	rewritten.ExternalOutputs = make([]string, len(net.ExternalOutputs))
	for ii, name := range net.ExternalOutputs {
		rewritten.ExternalOutputs[ii] = ssaName(versionedBlob{name, blobVersions[name]})
	}
	return &rewritten
}
