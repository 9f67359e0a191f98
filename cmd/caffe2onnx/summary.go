// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"maps"
	"slices"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/caffe2onnx/pkg/nngraph"
	"github.com/gomlx/caffe2onnx/pkg/onnx"
)

func summaryRows(modelPath string, model *onnx.Model, graph *nngraph.Graph) [][]string {
	numParams, memory := graph.NumParameters()
	return [][]string{
		{"model", modelPath},
		{"graph", graph.Name},
		{"opset", fmt.Sprint(model.Opset(""))},
		{"# operations", humanize.Comma(int64(len(graph.Operations)))},
		{"# initializers", humanize.Comma(int64(len(model.Graph.Initializers)))},
		{"# parameters", humanize.Comma(int64(numParams))},
		{"# bytes", humanize.Bytes(uint64(memory))},
	}
}

func summaryTable(modelPath string, model *onnx.Model, graph *nngraph.Graph) *lgtable.Table {
	return newPlainTable(lipgloss.Right, lipgloss.Left).Rows(summaryRows(modelPath, model, graph)...)
}

// valuesRows lists the graph inputs followed by the graph outputs.
func valuesRows(graph *nngraph.Graph) [][]string {
	var rows [][]string
	for _, t := range graph.Inputs {
		rows = append(rows, []string{"input", t.Name, t.Shape.String()})
	}
	for _, t := range graph.Outputs {
		rows = append(rows, []string{"output", t.Name, t.Shape.String()})
	}
	return rows
}

func valuesTable(graph *nngraph.Graph) *lgtable.Table {
	return newPlainTable(lipgloss.Right, lipgloss.Left).
		Headers("Kind", "Name", "Shape").
		Rows(valuesRows(graph)...)
}

// operationsRows counts the operations per type, sorted by type.
func operationsRows(graph *nngraph.Graph) [][]string {
	counts := make(map[string]int)
	for _, op := range graph.Operations {
		counts[op.Type]++
	}
	var rows [][]string
	for _, opType := range slices.Sorted(maps.Keys(counts)) {
		rows = append(rows, []string{opType, humanize.Comma(int64(counts[opType]))})
	}
	return rows
}

func operationsTable(graph *nngraph.Graph) *lgtable.Table {
	return newPlainTable(lipgloss.Left, lipgloss.Right).
		Headers("Operation", "Count").
		Rows(operationsRows(graph)...)
}
