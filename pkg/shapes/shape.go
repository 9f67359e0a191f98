// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape: the element DType plus the dimensions of a tensor, as
// annotated on the values of a converted graph.
//
// Unlike shapes used for compiling a computation, shapes read from model files may be partially
// known: an ONNX dimension can be symbolic ("batch") or left open by shape inference. Those are
// represented by UnknownDim, and the symbolic name (if any) is kept in DimNames.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a tensor.
//   - Axis: is the index of a dimension on a multidimensional tensor.
//   - Dimension: the size of a multi-dimensions tensor in one of its axes.
//   - DType: the data type of the unit element in a tensor. Enumeration defined in github.com/gomlx/gopjrt/dtypes
//   - Scalar: is a shape where there are no axes (or dimensions), only a single value
//     of the associated DType.
//
// Example: `shapes.Make(dtypes.Float32, 1, 3, 224, 224)` is the shape of a typical image input,
// printed as `(Float32)[1 3 224 224]`.
package shapes

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"golang.org/x/exp/constraints"
)

// UnknownDim is the dimension value of an axis whose size is not statically known.
const UnknownDim = -1

// Shape represents the shape of a tensor value in a graph.
//
// Use Make to create a new shape.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int

	// DimNames holds the symbolic names of UnknownDim axes. It is either nil or has one entry
	// per axis, with empty strings for axes without a name.
	DimNames []string
}

// Make returns a Shape structure filled with the values given.
// Dimensions can be UnknownDim, but not any other negative value.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions), DType: dtype}
	for _, dim := range dimensions {
		if dim < UnknownDim {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension %d", s, dim)
		}
	}
	return s
}

// FromDims converts dimensions of any integer type (typically []int64 from protobuf messages).
// Negative values are taken as UnknownDim.
func FromDims[T constraints.Integer](dtype dtypes.DType, dims []T) Shape {
	s := Shape{DType: dtype, Dimensions: make([]int, len(dims))}
	for ii, dim := range dims {
		if dim < 0 {
			s.Dimensions[ii] = UnknownDim
		} else {
			s.Dimensions[ii] = int(dim)
		}
	}
	return s
}

// Invalid returns an invalid shape.
//
// Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. A "zero" shape, that is just instantiating it with Shape{} will be invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar, that is there are no dimensions (rank==0).
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// IsFullyKnown returns whether all dimensions are known.
func (s Shape) IsFullyKnown() bool {
	return !slices.Contains(s.Dimensions, UnknownDim)
}

// AdjustAxis converts a negative axis (counting from the end) to its positive value.
// It panics if the axis is out of range for the rank.
func (s Shape) AdjustAxis(axis int) int {
	adjusted := axis
	if adjusted < 0 {
		adjusted += s.Rank()
	}
	if adjusted < 0 || adjusted >= s.Rank() {
		exceptions.Panicf("axis %d out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return adjusted
}

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	return s.Dimensions[s.AdjustAxis(axis)]
}

// DimName returns the symbolic name of the axis, or "" if it has none.
func (s Shape) DimName(axis int) string {
	if len(s.DimNames) == 0 {
		return ""
	}
	return s.DimNames[s.AdjustAxis(axis)]
}

// Shape returns a shallow copy of itself.
func (s Shape) Shape() Shape { return s }

// String implements stringer, pretty-prints the shape. Unknown dimensions are printed with
// their symbolic name, or "?".
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	parts := make([]string, len(s.Dimensions))
	for ii, dim := range s.Dimensions {
		switch {
		case dim != UnknownDim:
			parts[ii] = strconv.Itoa(dim)
		case s.DimName(ii) != "":
			parts[ii] = s.DimName(ii)
		default:
			parts[ii] = "?"
		}
	}
	return fmt.Sprintf("(%s)[%s]", s.DType, strings.Join(parts, " "))
}

// Size returns the number of elements of DType are needed for this shape. It's the product of all dimensions.
// It returns UnknownDim if any of the dimensions is unknown.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		if d == UnknownDim {
			return UnknownDim
		}
		size *= d
	}
	return
}

// Memory returns the memory used to store an array of the given shape, the same as the size in bytes.
// It returns 0 if the shape is not fully known.
func (s Shape) Memory() uintptr {
	size := s.Size()
	if size == UnknownDim {
		return 0
	}
	return s.DType.Memory() * uintptr(size)
}

// Equal compares two shapes for equality: dtype and dimensions are compared. Names of unknown
// dimensions are not compared.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && slices.Equal(s.Dimensions, s2.Dimensions)
}

// EqualDimensions compares two shapes for equality of dimensions. Dtypes can be different.
func (s Shape) EqualDimensions(s2 Shape) bool {
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() (s2 Shape) {
	s2.DType = s.DType
	s2.Dimensions = slices.Clone(s.Dimensions)
	s2.DimNames = slices.Clone(s.DimNames)
	return
}

// WithDType returns a copy of the shape with a different dtype.
func (s Shape) WithDType(dtype dtypes.DType) Shape {
	s2 := s.Clone()
	s2.DType = dtype
	return s2
}

// Int64s returns the dimensions as int64, the type used by the protobuf formats.
func (s Shape) Int64s() []int64 {
	dims := make([]int64, len(s.Dimensions))
	for ii, dim := range s.Dimensions {
		dims[ii] = int64(dim)
	}
	return dims
}
