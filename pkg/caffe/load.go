// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package caffe

import (
	"path/filepath"
	"strings"

	"github.com/gomlx/caffe2onnx/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// ErrNotPrototxt is returned by LoadModel when the given path doesn't have the ".prototxt" extension.
var ErrNotPrototxt = errors.New("network definition must have the .prototxt extension")

const (
	// PrototxtExt is the extension of network definition files.
	PrototxtExt = ".prototxt"

	// CaffeModelExt is the extension of trained model files.
	CaffeModelExt = ".caffemodel"
)

// LoadModel reads a legacy Caffe model: the network definition in prototxtPath, and the trained model
// stored next to it, with the same base name and the ".caffemodel" extension.
//
// If readFile is nil, fsutil.ReadFile is used. Errors of missing files match fs.ErrNotExist.
func LoadModel(prototxtPath string, readFile fsutil.ReadFileFn) (prototxt, caffemodel *NetParameter, err error) {
	ext := filepath.Ext(prototxtPath)
	if ext != PrototxtExt {
		return nil, nil, errors.Wrapf(ErrNotPrototxt, "got %q", prototxtPath)
	}
	if readFile == nil {
		readFile = fsutil.ReadFile
	}
	caffemodelPath := strings.TrimSuffix(prototxtPath, ext) + CaffeModelExt

	contents, err := readFile(prototxtPath)
	if err != nil {
		return nil, nil, err
	}
	prototxt, err = ParseText(contents)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "while loading %q", prototxtPath)
	}

	contents, err = readFile(caffemodelPath)
	if err != nil {
		return nil, nil, err
	}
	caffemodel, err = UnmarshalModel(contents)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "while loading %q", caffemodelPath)
	}
	return prototxt, caffemodel, nil
}
