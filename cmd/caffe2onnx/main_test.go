// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/caffe2onnx/pkg/caffe"
	"github.com/gomlx/caffe2onnx/pkg/caffe2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckModelPath(t *testing.T) {
	dir := t.TempDir()
	prototxtPath := filepath.Join(dir, "net.prototxt")
	require.ErrorIs(t, checkModelPath(filepath.Join(dir, "net.caffemodel"), true), caffe.ErrNotPrototxt)

	require.NoError(t, os.WriteFile(prototxtPath, []byte(`name: "net"`), 0o644))
	err := checkModelPath(prototxtPath, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "net.caffemodel")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "net.caffemodel"), nil, 0o644))
	require.NoError(t, checkModelPath(prototxtPath, true))

	folder := filepath.Join(dir, "caffe2")
	require.NoError(t, os.Mkdir(folder, 0o755))
	for _, name := range []string{caffe2.PredictNetFile, caffe2.InitNetFile} {
		require.NoError(t, os.WriteFile(filepath.Join(folder, name), nil, 0o644))
	}
	err = checkModelPath(folder, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), caffe2.ValueInfoFile)
	require.NoError(t, os.WriteFile(filepath.Join(folder, caffe2.ValueInfoFile), []byte("{}"), 0o644))
	require.NoError(t, checkModelPath(folder, false))
}
