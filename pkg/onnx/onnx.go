// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package onnx holds the in-memory ONNX model: the subset of the ONNX protobuf messages
// (ModelProto, GraphProto, NodeProto, ...) needed to describe inference graphs of tensors,
// plus their binary encoding and the helpers to build them.
//
//   - Unmarshal / Model.Marshal: binary ModelProto codec.
//   - ReadFile / Model.SaveToFile: the same, from/to files.
//   - MakeModel, MakeNode, MakeTensorValueInfo, MakeAttribute, MakeTensor: builders.
//
// Sequence, map and optional types are not represented: only tensor values.
package onnx

import (
	"fmt"
	"strings"
)

// IRVersion is the ONNX IR version stamped by MakeModel. Version 6 is the one matching opset 11.
const IRVersion = 6

// DefaultOpsetVersion is the version of the default ("ai.onnx") operator set of the converted models.
const DefaultOpsetVersion = 11

// Model is an ONNX ModelProto.
type Model struct {
	IRVersion       int64
	OpsetImports    []OperatorSetID
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           *Graph
	MetadataProps   []StringStringEntry
}

// OperatorSetID is an ONNX OperatorSetIdProto. An empty Domain is the default "ai.onnx" domain.
type OperatorSetID struct {
	Domain  string
	Version int64
}

// StringStringEntry is a key/value metadata entry.
type StringStringEntry struct {
	Key, Value string
}

// Graph is an ONNX GraphProto.
//
// Nodes are expected in topological order.
// Inputs include, for IR version < 4 compatibility, the initializers of the graph.
type Graph struct {
	Name         string
	Nodes        []*Node
	Initializers []*Tensor
	DocString    string
	Inputs       []*ValueInfo
	Outputs      []*ValueInfo
	ValueInfo    []*ValueInfo
}

// Node is an ONNX NodeProto. An empty input name means an omitted optional input.
type Node struct {
	Inputs     []string
	Outputs    []string
	Name       string
	OpType     string
	Domain     string
	Attributes []*Attribute
	DocString  string
}

// AttributeType enumerates the types of attributes.
type AttributeType int32

const (
	AttributeUndefined AttributeType = 0
	AttributeFloat     AttributeType = 1
	AttributeInt       AttributeType = 2
	AttributeString    AttributeType = 3
	AttributeTensor    AttributeType = 4
	AttributeGraph     AttributeType = 5
	AttributeFloats    AttributeType = 6
	AttributeInts      AttributeType = 7
	AttributeStrings   AttributeType = 8
	AttributeTensors   AttributeType = 9
	AttributeGraphs    AttributeType = 10
)

var attributeTypeNames = map[AttributeType]string{
	AttributeUndefined: "UNDEFINED",
	AttributeFloat:     "FLOAT",
	AttributeInt:       "INT",
	AttributeString:    "STRING",
	AttributeTensor:    "TENSOR",
	AttributeGraph:     "GRAPH",
	AttributeFloats:    "FLOATS",
	AttributeInts:      "INTS",
	AttributeStrings:   "STRINGS",
	AttributeTensors:   "TENSORS",
	AttributeGraphs:    "GRAPHS",
}

// String implements fmt.Stringer.
func (t AttributeType) String() string {
	if name, found := attributeTypeNames[t]; found {
		return name
	}
	return fmt.Sprintf("AttributeType(%d)", int32(t))
}

// Attribute is an ONNX AttributeProto. Only the field selected by Type is meaningful.
type Attribute struct {
	Name      string
	Type      AttributeType
	F         float32
	I         int64
	S         []byte
	T         *Tensor
	G         *Graph
	Floats    []float32
	Ints      []int64
	Strings   [][]byte
	Tensors   []*Tensor
	Graphs    []*Graph
	DocString string
}

// ValueInfo is an ONNX ValueInfoProto. Type is nil if the type is unknown.
type ValueInfo struct {
	Name      string
	Type      *TypeProto
	DocString string
}

// TypeProto is the tensor variant of ONNX's TypeProto.
type TypeProto struct {
	TensorType *TensorTypeProto
}

// TensorTypeProto holds the element type and, if known, the shape of a tensor.
// A nil Shape means the rank is unknown.
type TensorTypeProto struct {
	ElemType DataType
	Shape    *TensorShape
}

// TensorShape is an ONNX TensorShapeProto.
type TensorShape struct {
	Dims []Dimension
}

// Dimension is one axis of a TensorShape. Value is -1 when the dimension is not a fixed value,
// in which case it may have a symbolic Param name.
type Dimension struct {
	Value int64
	Param string
}

// IsKnown returns whether the dimension has a fixed value.
func (d Dimension) IsKnown() bool { return d.Value >= 0 }

// String implements fmt.Stringer.
func (d Dimension) String() string {
	if d.IsKnown() {
		return fmt.Sprintf("%d", d.Value)
	}
	if d.Param != "" {
		return d.Param
	}
	return "?"
}

// Opset returns the version of the operator set of the given domain ("" and "ai.onnx" are the same),
// or 0 if the model doesn't import it.
func (m *Model) Opset(domain string) int64 {
	if domain == "ai.onnx" {
		domain = ""
	}
	for _, opset := range m.OpsetImports {
		d := opset.Domain
		if d == "ai.onnx" {
			d = ""
		}
		if d == domain {
			return opset.Version
		}
	}
	return 0
}

// Attribute returns the attribute with the given name, or nil if not set.
func (n *Node) Attribute(name string) *Attribute {
	for _, attr := range n.Attributes {
		if attr.Name == name {
			return attr
		}
	}
	return nil
}

// SetAttribute replaces the attribute with the same name, or appends it.
func (n *Node) SetAttribute(attr *Attribute) {
	for ii, existing := range n.Attributes {
		if existing.Name == attr.Name {
			n.Attributes[ii] = attr
			return
		}
	}
	n.Attributes = append(n.Attributes, attr)
}

// RemoveAttribute removes the attribute with the given name and returns it, or nil if it was not set.
func (n *Node) RemoveAttribute(name string) *Attribute {
	for ii, attr := range n.Attributes {
		if attr.Name == name {
			n.Attributes = append(n.Attributes[:ii], n.Attributes[ii+1:]...)
			return attr
		}
	}
	return nil
}

// String implements fmt.Stringer, with a one-line description of the node.
func (n *Node) String() string {
	var sb strings.Builder
	if n.Name != "" {
		_, _ = fmt.Fprintf(&sb, "%q ", n.Name)
	}
	_, _ = fmt.Fprintf(&sb, "%s(%s) -> (%s)", n.OpType, strings.Join(n.Inputs, ", "), strings.Join(n.Outputs, ", "))
	if len(n.Attributes) > 0 {
		parts := make([]string, len(n.Attributes))
		for ii, attr := range n.Attributes {
			parts[ii] = attr.String()
		}
		_, _ = fmt.Fprintf(&sb, " {%s}", strings.Join(parts, ", "))
	}
	return sb.String()
}

// Initializer returns the initializer with the given name, or nil.
func (g *Graph) Initializer(name string) *Tensor {
	for _, t := range g.Initializers {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// FindValueInfo searches the inputs, outputs and value_info of the graph (in this order) for the given name.
func (g *Graph) FindValueInfo(name string) *ValueInfo {
	for _, list := range [][]*ValueInfo{g.Inputs, g.Outputs, g.ValueInfo} {
		for _, vi := range list {
			if vi.Name == name {
				return vi
			}
		}
	}
	return nil
}

// NonInitializerInputs returns the names of the graph inputs that are not initializers: the inputs
// that have to be fed by the user.
func (g *Graph) NonInitializerInputs() []string {
	initializers := make(map[string]bool, len(g.Initializers))
	for _, t := range g.Initializers {
		initializers[t.Name] = true
	}
	var names []string
	for _, vi := range g.Inputs {
		if !initializers[vi.Name] {
			names = append(names, vi.Name)
		}
	}
	return names
}
