package flow

import "fmt"

// Node is one element of a workflow graph's composition tree: a step
// reference, a sequence, a parallel fan-out or a conditional branch.
// Build nodes with Step, Sequence, Parallel and Branch; register the
// root with Engine.RegisterGraph.
//
// Example (the research pipeline shape):
//
//	root := flow.Sequence(
//	    flow.Step("plan"),
//	    flow.Parallel(flow.Step("searchA"), flow.Step("searchB")),
//	    flow.Step("dedup"),
//	    flow.Step("review"),
//	    flow.Step("synthesize"),
//	)
type Node interface {
	node()
}

// Predicate decides which side of a Branch executes. It is evaluated
// exactly once, against the predecessor's output, and should be a pure
// function.
type Predicate func(input any) bool

type stepNode struct {
	name string
}

type seqNode struct {
	children []Node
}

type parNode struct {
	branches []Node
}

type branchNode struct {
	pred    Predicate
	ifTrue  Node
	ifFalse Node
}

func (*stepNode) node()   {}
func (*seqNode) node()    {}
func (*parNode) node()    {}
func (*branchNode) node() {}

// Step references a registered step by name.
func Step(name string) Node {
	return &stepNode{name: name}
}

// Sequence runs children in order; each child consumes the previous
// child's output. The first child consumes the sequence's input.
func Sequence(children ...Node) Node {
	return &seqNode{children: children}
}

// Parallel fans the same input out to every branch concurrently and
// joins the results into an ordered list keyed by branch index. The join
// fires only after every branch settles successfully; if any branch
// fails terminally, branches already running finish but no new work is
// scheduled and the join never fires.
func Parallel(branches ...Node) Node {
	return &parNode{branches: branches}
}

// Branch evaluates pred once against the predecessor's output and runs
// exactly one side.
func Branch(pred Predicate, ifTrue, ifFalse Node) Node {
	return &branchNode{pred: pred, ifTrue: ifTrue, ifFalse: ifFalse}
}

// Graph is an immutable workflow template shared across runs.
type Graph struct {
	id   string
	root Node
}

// ID returns the graph's registered identity.
func (g *Graph) ID() string { return g.id }

// validateNode walks the composition tree checking that every referenced
// step is registered and every composite is well-formed.
func validateNode(n Node, steps *Registry) error {
	switch v := n.(type) {
	case *stepNode:
		if v.name == "" {
			return &EngineError{Message: "step reference with empty name", Code: "INVALID_GRAPH"}
		}
		if _, ok := steps.Lookup(v.name); !ok {
			return &EngineError{Message: "graph references unregistered step: " + v.name, Code: "STEP_NOT_FOUND"}
		}
		return nil
	case *seqNode:
		if len(v.children) == 0 {
			return &EngineError{Message: "sequence with no children", Code: "INVALID_GRAPH"}
		}
		for _, c := range v.children {
			if err := validateNode(c, steps); err != nil {
				return err
			}
		}
		return nil
	case *parNode:
		if len(v.branches) == 0 {
			return &EngineError{Message: "parallel with no branches", Code: "INVALID_GRAPH"}
		}
		for _, b := range v.branches {
			if err := validateNode(b, steps); err != nil {
				return err
			}
		}
		return nil
	case *branchNode:
		if v.pred == nil {
			return &EngineError{Message: "branch with nil predicate", Code: "INVALID_GRAPH"}
		}
		if v.ifTrue == nil || v.ifFalse == nil {
			return &EngineError{Message: "branch with missing side", Code: "INVALID_GRAPH"}
		}
		if err := validateNode(v.ifTrue, steps); err != nil {
			return err
		}
		return validateNode(v.ifFalse, steps)
	case nil:
		return &EngineError{Message: "nil node in graph", Code: "INVALID_GRAPH"}
	default:
		return &EngineError{Message: fmt.Sprintf("unknown node type %T", n), Code: "INVALID_GRAPH"}
	}
}

// childPath copies path and appends idx. Paths locate nodes in the
// composition tree and are persisted with checkpoints, so they must not
// alias the caller's slice.
func childPath(path []int, idx int) []int {
	out := make([]int, len(path), len(path)+1)
	copy(out, path)
	return append(out, idx)
}
