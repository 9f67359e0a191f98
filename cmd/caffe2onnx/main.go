// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// caffe2onnx converts Caffe and Caffe2 models to ONNX, and prints a summary of the converted model.
//
// Usage:
//
//	caffe2onnx [flags] <model.prototxt | caffe2_model_dir>
//
// With -legacy the argument is the ".prototxt" network definition, with its weights in the ".caffemodel" file
// next to it. Otherwise, it is a Caffe2 model folder with "predict_net.pb", "init_net.pb" and "value_info.json".
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/caffe2onnx/pkg/caffe"
	"github.com/gomlx/caffe2onnx/pkg/caffe2"
	"github.com/gomlx/caffe2onnx/pkg/caffe2/translator"
	"github.com/gomlx/caffe2onnx/pkg/nngraph"
	"github.com/gomlx/caffe2onnx/pkg/onnx"
	"github.com/gomlx/caffe2onnx/pkg/reader"
	"github.com/gomlx/caffe2onnx/pkg/support/fsutil"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagLegacy = flag.Bool("legacy", false,
		"Read a legacy Caffe model: the argument is the .prototxt file, and the .caffemodel is expected next to it.")
	flagOutput    = flag.String("output", "", "Save the converted ONNX model to this file.")
	flagCaffe2Out = flag.String("caffe2_out", "",
		"With -legacy, also save the intermediary Caffe2 model to this folder.")
	flagProgress = flag.Bool("progress", false, "Display a progress bar while reading the model files.")
	flagNoColor  = flag.Bool("no_color", false, "Disable colors in the summary tables.")
	flagSummary  = flag.Bool("summary", true, "Print a summary of the converted model.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		klog.Errorf("Expected exactly one model path, got %d arguments. See 'caffe2onnx -help'.", len(args))
		os.Exit(1)
	}
	if *flagNoColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
	if *flagCaffe2Out != "" && !*flagLegacy {
		klog.Errorf("-caffe2_out requires -legacy.")
		os.Exit(1)
	}
	convert(args[0])
}

func convert(modelPath string) {
	modelPath = must.M1(fsutil.ReplaceTildeInDir(modelPath))
	if err := checkModelPath(modelPath, *flagLegacy); err != nil {
		klog.Errorf("%v", err)
		os.Exit(1)
	}
	readFile := fsutil.ReadFile
	if *flagProgress {
		readFile = fsutil.ReadFileWithProgress
	}

	r := reader.Build().Legacy(*flagLegacy).ReadFile(readFile).MustDone()
	var model *onnx.Model
	var err error
	if *flagCaffe2Out != "" {
		// The saved Caffe2 folder and the ONNX model come from the same translation.
		predict, initNet, valueInfo := must.M3(reader.LoadCaffeModelAsCaffe2(modelPath, translator.Default(), readFile))
		must.M(caffe2.SaveFolder(*flagCaffe2Out, predict, initNet, valueInfo))
		klog.Infof("Caffe2 model saved to %q", *flagCaffe2Out)
		model, err = r.ConvertCaffe2(predict, initNet, valueInfo)
	} else {
		model, err = r.ReadONNX(modelPath)
	}
	if err != nil {
		klog.Fatalf("Failed to convert %q: %+v", modelPath, err)
	}
	if *flagOutput != "" {
		must.M(model.SaveToFile(*flagOutput))
		klog.Infof("ONNX model saved to %q", *flagOutput)
	}
	if !*flagSummary {
		return
	}
	graph, err := nngraph.FromONNX(model)
	if err != nil {
		klog.Fatalf("Failed to build graph of %q: %+v", modelPath, err)
	}
	fmt.Println(titleStyle.Render("Summary"))
	fmt.Println(summaryTable(modelPath, model, graph).Render())
	fmt.Println(titleStyle.Render("Inputs and Outputs"))
	fmt.Println(valuesTable(graph).Render())
	fmt.Println(titleStyle.Render("Operations"))
	fmt.Println(operationsTable(graph).Render())
}

// checkModelPath returns an error naming the missing file if the model at modelPath isn't complete.
func checkModelPath(modelPath string, legacy bool) error {
	var files []string
	if legacy {
		if filepath.Ext(modelPath) != caffe.PrototxtExt {
			return errors.Wrapf(caffe.ErrNotPrototxt, "got %q", modelPath)
		}
		files = []string{modelPath, strings.TrimSuffix(modelPath, caffe.PrototxtExt) + caffe.CaffeModelExt}
	} else {
		for _, name := range []string{caffe2.PredictNetFile, caffe2.InitNetFile, caffe2.ValueInfoFile} {
			files = append(files, filepath.Join(modelPath, name))
		}
	}
	for _, file := range files {
		exists, err := fsutil.FileExists(file)
		if err != nil {
			return err
		}
		if !exists {
			return errors.Errorf("model file %q not found", file)
		}
	}
	return nil
}
