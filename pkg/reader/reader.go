// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package reader reads Caffe and Caffe2 models and converts them to ONNX, and then to a graph representation.
//
// Two formats are supported:
//
//   - Legacy Caffe: a network definition "<name>.prototxt" (text format) and its trained weights
//     "<name>.caffemodel" (binary), in the same directory. Read is given the path to the ".prototxt" file.
//   - Caffe2: a folder with "predict_net.pb", "init_net.pb" and "value_info.json". Read is given the folder.
//
// Legacy Caffe models are first translated to Caffe2. Then both paths build an ONNX model (opset 11),
// validate it, infer the shapes of all values and finally convert it with a graph adapter (by default
// nngraph.FromONNX).
//
// Example:
//
//	reader.Setup(0)
//	r := reader.Build().Legacy(true).MustDone()
//	graph, err := r.Read("models/alexnet.prototxt")
package reader

import (
	"flag"
	"strconv"
	"sync"

	"github.com/gomlx/caffe2onnx/pkg/caffe2"
	"github.com/gomlx/caffe2onnx/pkg/caffe2/translator"
	"github.com/gomlx/caffe2onnx/pkg/nngraph"
	"github.com/gomlx/caffe2onnx/pkg/onnx"
	"github.com/gomlx/caffe2onnx/pkg/onnx/checker"
	"github.com/gomlx/caffe2onnx/pkg/onnx/shapeinference"
	"github.com/gomlx/caffe2onnx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var setupOnce sync.Once

// Setup configures the process-wide logging verbosity (klog's "-v"). Only the first call has any effect.
//
// It should be called by the application before reading models. Applications that already configure klog
// flags themselves don't need to call it.
func Setup(verbosity int) {
	setupOnce.Do(func() {
		flags := flag.NewFlagSet("klog", flag.ContinueOnError)
		klog.InitFlags(flags)
		if err := flags.Set("v", strconv.Itoa(verbosity)); err != nil {
			klog.Errorf("failed to set logging verbosity to %d: %+v", verbosity, err)
		}
	})
}

// Adapter converts a shape-annotated ONNX model to the graph representation G returned by Reader.Read.
type Adapter[G any] func(model *onnx.Model) (G, error)

// Config for the Reader to be created. This is created with Build() or BuildWithAdapter() and
// configured with the various methods. Once finished, call Done() to get the Reader.
type Config[G any] struct {
	err error

	legacy     bool
	translator translator.Translator
	readFile   fsutil.ReadFileFn
	adapter    Adapter[G]
}

// Build a configuration for a Reader that returns nngraph.Graph. After configuring the Config object
// returned, call Done to get the Reader.
func Build() *Config[*nngraph.Graph] {
	return BuildWithAdapter[*nngraph.Graph](nngraph.FromONNX)
}

// BuildWithAdapter builds a configuration for a Reader that converts the ONNX models with adapter.
func BuildWithAdapter[G any](adapter Adapter[G]) *Config[G] {
	c := &Config[G]{
		translator: translator.Default(),
		readFile:   fsutil.ReadFile,
		adapter:    adapter,
	}
	if adapter == nil {
		c.setError(errors.New("reader.BuildWithAdapter: nil adapter"))
	}
	return c
}

func (c *Config[G]) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Legacy selects the legacy Caffe format (".prototxt" and ".caffemodel" files) if true, or the Caffe2
// folder format if false. The default is false.
func (c *Config[G]) Legacy(legacy bool) *Config[G] {
	c.legacy = legacy
	return c
}

// Translator sets the Caffe to Caffe2 translator used for legacy models. The default is translator.Default().
func (c *Config[G]) Translator(t translator.Translator) *Config[G] {
	if t == nil {
		c.setError(errors.New("reader.Config.Translator: nil translator"))
		return c
	}
	c.translator = t
	return c
}

// ReadFile sets the function used to read the model files. The default is fsutil.ReadFile.
// Use fsutil.ReadFileWithProgress to display a progress bar for large files.
func (c *Config[G]) ReadFile(readFile fsutil.ReadFileFn) *Config[G] {
	if readFile == nil {
		c.setError(errors.New("reader.Config.ReadFile: nil function"))
		return c
	}
	c.readFile = readFile
	return c
}

// Done creates the Reader. It returns the first error of the configuration, if any.
func (c *Config[G]) Done() (*Reader[G], error) {
	if c.err != nil {
		return nil, c.err
	}
	return &Reader[G]{
		legacy:     c.legacy,
		translator: c.translator,
		readFile:   c.readFile,
		adapter:    c.adapter,
	}, nil
}

// MustDone creates the Reader. It panics if there was an error.
func (c *Config[G]) MustDone() *Reader[G] {
	r, err := c.Done()
	if err != nil {
		panic(errors.WithMessage(err, "failed to create reader.Reader"))
	}
	return r
}

// Reader reads models of the configured format. It holds no state between calls.
type Reader[G any] struct {
	legacy     bool
	translator translator.Translator
	readFile   fsutil.ReadFileFn
	adapter    Adapter[G]
}

// Legacy returns whether the reader reads legacy Caffe models.
func (r *Reader[G]) Legacy() bool {
	return r.legacy
}

// ReadONNX reads the model at path (".prototxt" file for legacy models, folder otherwise), and returns the
// validated ONNX model annotated with the shapes of all its values.
func (r *Reader[G]) ReadONNX(path string) (*onnx.Model, error) {
	var model *onnx.Model
	var err error
	if r.legacy {
		model, err = LoadCaffeModelAsONNX(path, r.translator, r.readFile)
	} else {
		model, err = LoadCaffe2ModelAsONNX(path, r.readFile)
	}
	if err != nil {
		return nil, err
	}
	if err = annotate(model); err != nil {
		return nil, errors.WithMessagef(err, "model read from %q", path)
	}
	return model, nil
}

// ConvertCaffe2 converts an already loaded (or translated) Caffe2 model the same way ReadONNX does.
// The unrecognized arguments of predict are removed in place.
func (r *Reader[G]) ConvertCaffe2(predict, initNet *caffe2.NetDef, valueInfo caffe2.ValueInfo) (*onnx.Model, error) {
	caffe2.RemoveUnrecognizedArguments(predict)
	model, err := Caffe2NetToONNXModel(predict, initNet, valueInfo)
	if err != nil {
		return nil, err
	}
	if err = annotate(model); err != nil {
		return nil, errors.WithMessagef(err, "Caffe2 network %q", predict.Name)
	}
	return model, nil
}

// annotate validates the model and infers the shapes of all its values.
func annotate(model *onnx.Model) error {
	if err := checker.CheckModel(model); err != nil {
		return err
	}
	return shapeinference.InferShapes(model)
}

// Read the model at path (".prototxt" file for legacy models, folder otherwise) and converts it with the
// adapter.
func (r *Reader[G]) Read(path string) (G, error) {
	model, err := r.ReadONNX(path)
	if err != nil {
		var zero G
		return zero, err
	}
	return r.adapter(model)
}
