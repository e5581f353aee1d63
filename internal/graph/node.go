// Package graph defines the node and network contracts the training
// driver and the criterion library share: value nodes bound to minibatch
// data, learnable parameters, and a minimal network collaborator
// interface.
package graph

import (
	"github.com/Farheen2302/CNTK-sub000/internal/tensor"
)

// ValueNode is a matrix-valued node: a bound input (features, labels) or
// an intermediate the criterion layer reads and writes.
//
// The gradient matrix is allocated lazily on first access and always
// matches the value's shape. Gradients accumulate additively; callers
// zero them between passes.
type ValueNode struct {
	name          string
	value         *tensor.Matrix
	grad          *tensor.Matrix
	layout        *tensor.MinibatchLayout
	needsGradient bool
}

// NewValueNode creates a node with a zeroed rows x cols value.
func NewValueNode(name string, rows, cols int, needsGradient bool) *ValueNode {
	return &ValueNode{
		name:          name,
		value:         tensor.NewMatrix(rows, cols),
		needsGradient: needsGradient,
	}
}

// Name returns the node name.
func (n *ValueNode) Name() string { return n.name }

// Value returns the node's value matrix.
func (n *ValueNode) Value() *tensor.Matrix { return n.value }

// Gradient returns the node's gradient matrix, sized to match the value.
func (n *ValueNode) Gradient() *tensor.Matrix {
	if n.grad == nil {
		n.grad = tensor.NewMatrix(n.value.Rows(), n.value.Cols())
	} else if n.grad.Rows() != n.value.Rows() || n.grad.Cols() != n.value.Cols() {
		n.grad.Resize(n.value.Rows(), n.value.Cols())
		n.grad.Zero()
	}
	return n.grad
}

// ZeroGradient zeroes the gradient (allocating it if needed).
func (n *ValueNode) ZeroGradient() { n.Gradient().Zero() }

// NeedsGradient reports whether backward passes should write a gradient
// for this node. Constant inputs (labels) do not take gradients.
func (n *ValueNode) NeedsGradient() bool { return n.needsGradient }

// Layout returns the minibatch layout bound to this node, or nil for
// nodes without time structure (parameters).
func (n *ValueNode) Layout() *tensor.MinibatchLayout { return n.layout }

// SetLayout binds a minibatch layout.
func (n *ValueNode) SetLayout(l *tensor.MinibatchLayout) { n.layout = l }

// LearnableParameter is a trainable weight: a ValueNode whose gradient
// feeds the weight update. Parameters with UpdateRequired false still
// receive gradients but are skipped by the optimizer step.
type LearnableParameter struct {
	ValueNode
	updateRequired bool
}

// NewLearnableParameter creates a zeroed rows x cols parameter with
// updates enabled.
func NewLearnableParameter(name string, rows, cols int) *LearnableParameter {
	return &LearnableParameter{
		ValueNode:      *NewValueNode(name, rows, cols, true),
		updateRequired: true,
	}
}

// UpdateRequired reports whether the optimizer should update this
// parameter.
func (p *LearnableParameter) UpdateRequired() bool { return p.updateRequired }

// SetUpdateRequired enables or disables optimizer updates.
func (p *LearnableParameter) SetUpdateRequired(v bool) { p.updateRequired = v }
