package engine

import (
	"fmt"
	"slices"
	"strings"
)

// ExecutionGraph is the dependency graph of a plan's operations.
type ExecutionGraph struct {
	Nodes map[string]*GraphNode `json:"nodes"`
	// Edges run from a prerequisite to the operation that needs it.
	Edges []GraphEdge `json:"edges"`
	Roots []string    `json:"roots"`
	Depth int         `json:"depth"`
}

// GraphNode is one operation in the graph.
type GraphNode struct {
	ID           string   `json:"id"`
	Level        int      `json:"level"`
	Dependencies []string `json:"dependencies"`
	Dependents   []string `json:"dependents"`
}

// GraphEdge is a dependency between two operations.
type GraphEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// DAGBuilder checks the DependsOn links of a plan and groups its operations
// into levels: every operation sits one level below its deepest prerequisite.
// Within a level operations keep plan order.
type DAGBuilder struct {
	ops        []*Operation
	index      map[string]int // operation ID to plan position
	dependents map[string][]string
	levels     [][]string
}

// NewDAGBuilder returns an empty builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		index:      map[string]int{},
		dependents: map[string][]string{},
	}
}

// BuildGraph validates ops and returns their graph. Empty IDs, duplicate IDs,
// links to unknown operations and cycles are rejected with ErrCodeValidation.
func (b *DAGBuilder) BuildGraph(ops []Operation) (*ExecutionGraph, error) {
	if err := b.register(ops); err != nil {
		return nil, err
	}
	if cycle := b.findCycle(); cycle != nil {
		return nil, NewPermanentError("circular dependency detected: "+strings.Join(cycle, " -> "), nil).
			WithCode(ErrCodeValidation)
	}
	if err := b.level(); err != nil {
		return nil, err
	}
	return b.graph(), nil
}

func (b *DAGBuilder) register(ops []Operation) error {
	for i := range ops {
		op := &ops[i]
		if op.ID == "" {
			return NewPermanentError("plan operation has empty ID", nil).WithCode(ErrCodeValidation)
		}
		if _, dup := b.index[op.ID]; dup {
			return NewPermanentError("duplicate plan operation ID: "+op.ID, nil).WithCode(ErrCodeValidation)
		}
		b.index[op.ID] = len(b.ops)
		b.ops = append(b.ops, op)
	}
	for _, op := range b.ops {
		for _, dep := range op.DependsOn {
			if _, ok := b.index[dep]; !ok {
				return NewPermanentError(fmt.Sprintf("operation %s depends on non-existent operation %s", op.ID, dep), nil).
					WithCode(ErrCodeValidation).
					WithResource(op.Key)
			}
			b.dependents[dep] = append(b.dependents[dep], op.ID)
		}
	}
	return nil
}

// findCycle walks dependents depth first from each operation in plan order
// and returns the first cycle found, closed on its starting ID.
func (b *DAGBuilder) findCycle() []string {
	const (
		unvisited = iota
		onPath
		done
	)
	state := make(map[string]int, len(b.ops))
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = onPath
		path = append(path, id)
		for _, next := range b.dependents[id] {
			switch state[next] {
			case onPath:
				start := slices.Index(path, next)
				return append(slices.Clone(path[start:]), next)
			case unvisited:
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			}
		}
		path = path[:len(path)-1]
		state[id] = done
		return nil
	}

	for _, op := range b.ops {
		if state[op.ID] == unvisited {
			if cycle := visit(op.ID); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// level groups operations breadth first from the roots (Kahn's algorithm).
func (b *DAGBuilder) level() error {
	pending := make(map[string]int, len(b.ops))
	var current []string
	for _, op := range b.ops {
		pending[op.ID] = len(op.DependsOn)
		if len(op.DependsOn) == 0 {
			current = append(current, op.ID)
		}
	}

	placed := 0
	for len(current) > 0 {
		b.levels = append(b.levels, current)
		placed += len(current)

		var next []string
		for _, id := range current {
			for _, dep := range b.dependents[id] {
				if pending[dep]--; pending[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		slices.SortFunc(next, func(x, y string) int { return b.index[x] - b.index[y] })
		current = next
	}

	if placed != len(b.ops) {
		return NewPermanentError("failed to process all operations - possible cycle", nil).WithCode(ErrCodeInternal)
	}
	return nil
}

func (b *DAGBuilder) graph() *ExecutionGraph {
	g := &ExecutionGraph{
		Nodes: make(map[string]*GraphNode, len(b.ops)),
		Edges: []GraphEdge{},
		Roots: []string{},
		Depth: len(b.levels),
	}
	for lvl, ids := range b.levels {
		for _, id := range ids {
			op := b.ops[b.index[id]]
			g.Nodes[id] = &GraphNode{
				ID:           id,
				Level:        lvl,
				Dependencies: append([]string{}, op.DependsOn...),
				Dependents:   append([]string{}, b.dependents[id]...),
			}
		}
	}
	if len(b.levels) > 0 {
		g.Roots = append(g.Roots, b.levels[0]...)
	}
	for _, op := range b.ops {
		for _, dep := range op.DependsOn {
			g.Edges = append(g.Edges, GraphEdge{From: dep, To: op.ID})
		}
	}
	return g
}

var actionFill = map[OperationType]string{
	OperationCreate: "lightgreen",
	OperationUpdate: "lightblue",
	OperationOrphan: "lightcoral",
}

// ToDOT renders the built graph in Graphviz DOT, one cluster per level.
func (b *DAGBuilder) ToDOT() string {
	var sb strings.Builder
	sb.WriteString("digraph Plan {\n  rankdir=TB;\n  node [shape=box, style=rounded];\n\n")

	for lvl, ids := range b.levels {
		fmt.Fprintf(&sb, "  subgraph cluster_level_%d {\n    label=\"Level %d\";\n    style=dashed;\n", lvl, lvl)
		for _, id := range ids {
			op := b.ops[b.index[id]]
			fill, ok := actionFill[op.Action]
			if !ok {
				fill = "white"
			}
			label := fmt.Sprintf("%s %s\\n%s", op.Action, op.Kind, op.Key)
			fmt.Fprintf(&sb, "    %q [label=%q, fillcolor=%q, style=\"filled,rounded\"];\n", id, label, fill)
		}
		sb.WriteString("  }\n\n")
	}

	for _, op := range b.ops {
		for _, dep := range op.DependsOn {
			fmt.Fprintf(&sb, "  %q -> %q;\n", dep, op.ID)
		}
	}
	sb.WriteString("}\n")
	return sb.String()
}
