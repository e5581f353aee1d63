// Package tensor provides dense column-major float64 matrices, minibatch
// layouts with gap masking, and an arena-style matrix pool.
//
// Matrices are column-major because minibatch data arrives as one column
// per frame: a contiguous range of columns is a contiguous slice of the
// backing array, so per-frame views never copy.
package tensor

import (
	"math"

	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

// Matrix is a dense column-major matrix of float64 values.
//
// Element (i, j) lives at data[j*rows+i]. All mutating operations work in
// place; use Clone to copy.
type Matrix struct {
	rows int
	cols int
	data []float64
}

// NewMatrix creates a zeroed rows x cols matrix.
func NewMatrix(rows, cols int) *Matrix {
	if rows < 0 || cols < 0 {
		panic("tensor: negative matrix dimension")
	}
	return &Matrix{rows: rows, cols: cols, data: make([]float64, rows*cols)}
}

// FromSlice creates a matrix that adopts data, which must hold rows*cols
// values in column-major order.
func FromSlice(rows, cols int, data []float64) (*Matrix, error) {
	if len(data) != rows*cols {
		return nil, errors.Errorf("tensor: FromSlice needs %d values, got %d", rows*cols, len(data))
	}
	return &Matrix{rows: rows, cols: cols, data: data}, nil
}

// FromRows creates a matrix from row-major literal rows, which is the
// natural way to write small matrices in tests.
func FromRows(rows [][]float64) (*Matrix, error) {
	if len(rows) == 0 {
		return NewMatrix(0, 0), nil
	}
	r, c := len(rows), len(rows[0])
	m := NewMatrix(r, c)
	for i, row := range rows {
		if len(row) != c {
			return nil, errors.Errorf("tensor: ragged row %d (want %d values, got %d)", i, c, len(row))
		}
		for j, v := range row {
			m.Set(i, j, v)
		}
	}
	return m, nil
}

// Rows returns the number of rows.
func (m *Matrix) Rows() int { return m.rows }

// Cols returns the number of columns.
func (m *Matrix) Cols() int { return m.cols }

// Data returns the backing column-major slice.
func (m *Matrix) Data() []float64 { return m.data }

// At returns element (i, j).
func (m *Matrix) At(i, j int) float64 { return m.data[j*m.rows+i] }

// Set assigns element (i, j).
func (m *Matrix) Set(i, j int, v float64) { m.data[j*m.rows+i] = v }

// AddAt adds v to element (i, j).
func (m *Matrix) AddAt(i, j int, v float64) { m.data[j*m.rows+i] += v }

// Get00 returns element (0, 0), the conventional read of a 1x1 criterion
// output.
func (m *Matrix) Get00() float64 { return m.data[0] }

// Resize reshapes the matrix to rows x cols, reusing the backing array
// when it is large enough. Contents after Resize are unspecified; callers
// that need zeroes follow with Zero.
func (m *Matrix) Resize(rows, cols int) {
	n := rows * cols
	if cap(m.data) < n {
		m.data = make([]float64, n)
	}
	m.data = m.data[:n]
	m.rows, m.cols = rows, cols
}

// Zero sets every element to zero.
func (m *Matrix) Zero() {
	for i := range m.data {
		m.data[i] = 0
	}
}

// Fill sets every element to v.
func (m *Matrix) Fill(v float64) {
	for i := range m.data {
		m.data[i] = v
	}
}

// ZeroColumn zeroes column j.
func (m *Matrix) ZeroColumn(j int) {
	col := m.data[j*m.rows : (j+1)*m.rows]
	for i := range col {
		col[i] = 0
	}
}

// Clone returns a deep copy.
func (m *Matrix) Clone() *Matrix {
	out := NewMatrix(m.rows, m.cols)
	copy(out.data, m.data)
	return out
}

// CopyFrom resizes the receiver to match src and copies its contents.
func (m *Matrix) CopyFrom(src *Matrix) {
	m.Resize(src.rows, src.cols)
	copy(m.data, src.data)
}

// ColumnSlice returns a view of numCols columns starting at startCol. The
// view shares storage with the receiver.
func (m *Matrix) ColumnSlice(startCol, numCols int) *Matrix {
	if startCol < 0 || numCols < 0 || startCol+numCols > m.cols {
		panic("tensor: column slice out of range")
	}
	return &Matrix{
		rows: m.rows,
		cols: numCols,
		data: m.data[startCol*m.rows : (startCol+numCols)*m.rows],
	}
}

// Column returns a view of column j as a length-rows slice.
func (m *Matrix) Column(j int) []float64 {
	return m.data[j*m.rows : (j+1)*m.rows]
}

// Scale multiplies every element by a.
func (m *Matrix) Scale(a float64) {
	floats.Scale(a, m.data)
}

// AddScaled performs m += a*x. Dimensions must match.
func (m *Matrix) AddScaled(a float64, x *Matrix) {
	m.mustSameShape(x)
	floats.AddScaled(m.data, a, x.data)
}

// Add performs m += x.
func (m *Matrix) Add(x *Matrix) {
	m.mustSameShape(x)
	floats.Add(m.data, x.data)
}

// Sub performs m -= x.
func (m *Matrix) Sub(x *Matrix) {
	m.mustSameShape(x)
	floats.Sub(m.data, x.data)
}

// ElementMultiplyWith performs m[i] *= x[i].
func (m *Matrix) ElementMultiplyWith(x *Matrix) {
	m.mustSameShape(x)
	floats.Mul(m.data, x.data)
}

// AddSignScaled performs m += a*sign(x), with sign(0) = 0.
func (m *Matrix) AddSignScaled(a float64, x *Matrix) {
	m.mustSameShape(x)
	for i, v := range x.data {
		switch {
		case v > 0:
			m.data[i] += a
		case v < 0:
			m.data[i] -= a
		}
	}
}

// FrobeniusNorm returns sqrt(sum of squares).
func (m *Matrix) FrobeniusNorm() float64 {
	return floats.Norm(m.data, 2)
}

// Norm1 returns the sum of absolute values.
func (m *Matrix) Norm1() float64 {
	return floats.Norm(m.data, 1)
}

// SumOfElements returns the plain sum of all elements.
func (m *Matrix) SumOfElements() float64 {
	return floats.Sum(m.data)
}

// InnerProduct returns sum(m[i]*x[i]).
func (m *Matrix) InnerProduct(x *Matrix) float64 {
	m.mustSameShape(x)
	return floats.Dot(m.data, x.data)
}

// InplaceTruncate clamps every element to [-threshold, threshold].
func (m *Matrix) InplaceTruncate(threshold float64) {
	if threshold < 0 {
		threshold = -threshold
	}
	for i, v := range m.data {
		if v > threshold {
			m.data[i] = threshold
		} else if v < -threshold {
			m.data[i] = -threshold
		}
	}
}

// InplaceSoftThreshold applies the L1 proximal operator: elements move
// toward zero by threshold and stop at zero.
func (m *Matrix) InplaceSoftThreshold(threshold float64) {
	if threshold <= 0 {
		return
	}
	for i, v := range m.data {
		switch {
		case v > threshold:
			m.data[i] = v - threshold
		case v < -threshold:
			m.data[i] = v + threshold
		default:
			m.data[i] = 0
		}
	}
}

// SetGaussianRandomValue fills the matrix with draws from N(mean, stddev).
func (m *Matrix) SetGaussianRandomValue(mean, stddev float64, src rand.Source) {
	dist := distuv.Normal{Mu: mean, Sigma: stddev, Src: src}
	for i := range m.data {
		m.data[i] = dist.Rand()
	}
}

// HasNaN reports whether any element is NaN.
func (m *Matrix) HasNaN() bool {
	for _, v := range m.data {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}

// EqualApprox reports element-wise equality within tol.
func (m *Matrix) EqualApprox(x *Matrix, tol float64) bool {
	if m.rows != x.rows || m.cols != x.cols {
		return false
	}
	return floats.EqualApprox(m.data, x.data, tol)
}

func (m *Matrix) mustSameShape(x *Matrix) {
	if m.rows != x.rows || m.cols != x.cols {
		panic(errors.Errorf("tensor: shape mismatch %dx%d vs %dx%d", m.rows, m.cols, x.rows, x.cols))
	}
}
