// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package caffe2

import (
	"os"
	"path/filepath"

	"github.com/gomlx/caffe2onnx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// File names of a Caffe2 model folder.
const (
	PredictNetFile = "predict_net.pb"
	InitNetFile    = "init_net.pb"
	ValueInfoFile  = "value_info.json"
)

// LoadFolder reads the three files of a Caffe2 model folder, and returns them as stored.
//
// If readFile is nil, fsutil.ReadFile is used. If any file is missing (the error matches fs.ErrNotExist)
// or can't be parsed, nothing is returned.
func LoadFolder(dir string, readFile fsutil.ReadFileFn) (predict, initNet *NetDef, valueInfo ValueInfo, err error) {
	if readFile == nil {
		readFile = fsutil.ReadFile
	}
	loadNet := func(name string) (*NetDef, error) {
		contents, err := readFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		net, err := UnmarshalNet(contents)
		if err != nil {
			return nil, errors.WithMessagef(err, "while loading %q", filepath.Join(dir, name))
		}
		return net, nil
	}
	if predict, err = loadNet(PredictNetFile); err != nil {
		return nil, nil, nil, err
	}
	if initNet, err = loadNet(InitNetFile); err != nil {
		return nil, nil, nil, err
	}
	contents, err := readFile(filepath.Join(dir, ValueInfoFile))
	if err != nil {
		return nil, nil, nil, err
	}
	if valueInfo, err = ParseValueInfo(contents); err != nil {
		return nil, nil, nil, errors.WithMessagef(err, "while loading %q", filepath.Join(dir, ValueInfoFile))
	}
	klog.V(1).Infof("loaded Caffe2 model from %q: %d operators, %d init operators, inputs %v",
		dir, len(predict.Ops), len(initNet.Ops), valueInfo.Names())
	return predict, initNet, valueInfo, nil
}

// SaveFolder writes the three files of a Caffe2 model folder, creating the folder if needed.
func SaveFolder(dir string, predict, initNet *NetDef, valueInfo ValueInfo) error {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create Caffe2 model folder %q", dir)
	}
	viJSON, err := valueInfo.JSON()
	if err != nil {
		return err
	}
	files := []struct {
		name     string
		contents []byte
	}{
		{PredictNetFile, MarshalNet(predict)},
		{InitNetFile, MarshalNet(initNet)},
		{ValueInfoFile, viJSON},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if err := os.WriteFile(path, f.contents, 0o644); err != nil {
			return errors.Wrapf(err, "failed to write %q", path)
		}
	}
	return nil
}
