package graph

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/Farheen2302/CNTK-sub000/internal/tensor"
)

// Criterion is the network-facing view of a training or evaluation
// criterion: a scalar-valued function of bound nodes with an exact
// backward pass.
type Criterion interface {
	// Name identifies the criterion in logs and evaluator output.
	Name() string
	// Validate cross-checks input dimensions and layouts. Called after
	// minibatch binding, before Forward.
	Validate() error
	// Forward computes the scalar value from the bound inputs.
	Forward() error
	// Backward accumulates gradients into the inputs that need them,
	// scaled by outGrad (the root seed, 1.0 for a training criterion).
	Backward(outGrad float64) error
	// Value returns the scalar computed by the last Forward.
	Value() float64
}

// PrecomputeNode is a node whose value is computed once over the whole
// training set before the first epoch (per-feature means and the like).
type PrecomputeNode interface {
	MarkComputed(v bool)
	Computed() bool
	// Accumulate folds one bound minibatch into the running statistic.
	Accumulate() error
}

// Network is the collaborator the training driver works against. It owns
// input binding, forward/backward scheduling, and the learnable
// parameter set. Building networks from description files is out of
// scope; tests and the CLI construct networks directly.
type Network interface {
	// BindMinibatch copies minibatch matrices into the named input nodes
	// and attaches the layout to all of them.
	BindMinibatch(inputs map[string]*tensor.Matrix, layout *tensor.MinibatchLayout) error
	// InputNames lists the input nodes a reader must fill.
	InputNames() []string

	// ForwardCriterion runs the training criterion forward.
	ForwardCriterion() error
	// ForwardEval runs the evaluation criteria forward.
	ForwardEval() error
	// Backprop zeroes input/parameter gradients and runs the training
	// criterion backward with the given root gradient.
	Backprop(outGrad float64) error

	// CriterionValue returns the training criterion's last value.
	CriterionValue() float64
	// EvalValues returns the evaluation criteria's last values.
	EvalValues() []float64
	NumEvalNodes() int

	LearnableParameters() []*LearnableParameter

	// MarkComputed flips the computed flag on all precompute nodes.
	MarkComputed(v bool)
	HasUncomputedPrecompute() bool
	// AccumulatePrecompute folds the bound minibatch into every
	// precompute node.
	AccumulatePrecompute() error

	SaveModel(path string) error
	LoadModel(path string) error
}

// SimpleNetwork is an in-memory Network: named inputs, one training
// criterion, optional evaluation criteria, and a flat parameter list.
type SimpleNetwork struct {
	inputs     map[string]*ValueNode
	params     []*LearnableParameter
	criterion  Criterion
	evalNodes  []Criterion
	precompute []PrecomputeNode
}

// NewSimpleNetwork creates a network around a training criterion.
func NewSimpleNetwork(criterion Criterion) *SimpleNetwork {
	return &SimpleNetwork{
		inputs:    make(map[string]*ValueNode),
		criterion: criterion,
	}
}

// AddInput registers an input node under its name.
func (n *SimpleNetwork) AddInput(node *ValueNode) *ValueNode {
	n.inputs[node.Name()] = node
	return node
}

// AddParameter registers a learnable parameter.
func (n *SimpleNetwork) AddParameter(p *LearnableParameter) *LearnableParameter {
	n.params = append(n.params, p)
	return p
}

// AddEvalNode registers an evaluation criterion.
func (n *SimpleNetwork) AddEvalNode(c Criterion) {
	n.evalNodes = append(n.evalNodes, c)
}

// AddPrecomputeNode registers a precompute node.
func (n *SimpleNetwork) AddPrecomputeNode(p PrecomputeNode) {
	n.precompute = append(n.precompute, p)
}

// Criterion returns the training criterion.
func (n *SimpleNetwork) Criterion() Criterion { return n.criterion }

// Input returns the named input node, or nil.
func (n *SimpleNetwork) Input(name string) *ValueNode { return n.inputs[name] }

func (n *SimpleNetwork) BindMinibatch(inputs map[string]*tensor.Matrix, layout *tensor.MinibatchLayout) error {
	for name, m := range inputs {
		node, ok := n.inputs[name]
		if !ok {
			return errors.Errorf("network: no input node named %q", name)
		}
		node.Value().CopyFrom(m)
		node.SetLayout(layout)
	}
	return nil
}

func (n *SimpleNetwork) InputNames() []string {
	names := make([]string, 0, len(n.inputs))
	for name := range n.inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (n *SimpleNetwork) ForwardCriterion() error {
	if err := n.criterion.Validate(); err != nil {
		return errors.Wrapf(err, "criterion %s", n.criterion.Name())
	}
	return n.criterion.Forward()
}

func (n *SimpleNetwork) ForwardEval() error {
	for _, c := range n.evalNodes {
		if err := c.Validate(); err != nil {
			return errors.Wrapf(err, "eval criterion %s", c.Name())
		}
		if err := c.Forward(); err != nil {
			return err
		}
	}
	return nil
}

func (n *SimpleNetwork) Backprop(outGrad float64) error {
	n.zeroGradients()
	return n.criterion.Backward(outGrad)
}

func (n *SimpleNetwork) zeroGradients() {
	for _, node := range n.inputs {
		if node.NeedsGradient() {
			node.ZeroGradient()
		}
	}
	for _, p := range n.params {
		p.ZeroGradient()
	}
}

func (n *SimpleNetwork) CriterionValue() float64 { return n.criterion.Value() }

func (n *SimpleNetwork) EvalValues() []float64 {
	vals := make([]float64, len(n.evalNodes))
	for i, c := range n.evalNodes {
		vals[i] = c.Value()
	}
	return vals
}

func (n *SimpleNetwork) NumEvalNodes() int { return len(n.evalNodes) }

func (n *SimpleNetwork) LearnableParameters() []*LearnableParameter { return n.params }

func (n *SimpleNetwork) MarkComputed(v bool) {
	for _, p := range n.precompute {
		p.MarkComputed(v)
	}
}

func (n *SimpleNetwork) HasUncomputedPrecompute() bool {
	for _, p := range n.precompute {
		if !p.Computed() {
			return true
		}
	}
	return false
}

func (n *SimpleNetwork) AccumulatePrecompute() error {
	for _, p := range n.precompute {
		if err := p.Accumulate(); err != nil {
			return err
		}
	}
	return nil
}
