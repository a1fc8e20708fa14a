// Package expr evaluates the algebraic condition trees carried by a
// CollectionScheme, against a sliding-window sample view. Trees are
// stored as an arena of indexed nodes rather than a heap-linked graph
// so the Policy Manager can cheaply clone a compiled tree into the
// Inspection Matrix snapshot.
package expr

import "github.com/vectaiot/edgeagent/decode"

// NodeKind tags a Node's variant.
type NodeKind uint8

const (
	NodeBoolConst NodeKind = iota
	NodeDoubleConst
	NodeStringConst
	NodeSignalRef
	NodeAnd
	NodeOr
	NodeNot
	NodeLt
	NodeLe
	NodeGt
	NodeGe
	NodeEq
	NodeNe
	NodeAdd
	NodeSub
	NodeMul
	NodeDiv
	NodeWindowFunction
	NodeCustomFunction
	NodeIsNull
)

// WindowType selects which fixed-window aggregate a window_function
// node computes.
type WindowType uint8

const (
	LastWindowMin WindowType = iota
	LastWindowMax
	LastWindowAvg
	PrevWindowMin
	PrevWindowMax
	PrevWindowAvg
)

// NodeID indexes into a Tree's arena.
type NodeID int32

// InvalidNode marks an absent child.
const InvalidNode NodeID = -1

// Node is one arena-indexed entry of a condition tree.
type Node struct {
	Kind         NodeKind
	BoolValue    bool
	DoubleValue  float64
	StringValue  string
	SignalID     decode.SignalID
	WindowType   WindowType
	FunctionName string
	Children     []NodeID
}

// Tree is a compiled condition tree: an arena plus a root pointer.
type Tree struct {
	Nodes []Node
	Root  NodeID
}

// NewTree returns an empty, buildable Tree.
func NewTree() *Tree {
	return &Tree{Root: InvalidNode}
}

// Add appends a node and returns its ID.
func (t *Tree) Add(n Node) NodeID {
	t.Nodes = append(t.Nodes, n)
	return NodeID(len(t.Nodes) - 1)
}

// Node returns the node at id.
func (t *Tree) Node(id NodeID) Node {
	return t.Nodes[id]
}

// Clone returns a deep copy of the tree, cheap because the arena is a
// flat slice; used when publishing the Inspection Matrix snapshot.
func (t *Tree) Clone() *Tree {
	nodes := make([]Node, len(t.Nodes))
	for i, n := range t.Nodes {
		nc := n
		nc.Children = append([]NodeID(nil), n.Children...)
		nodes[i] = nc
	}
	return &Tree{Nodes: nodes, Root: t.Root}
}

// SignalRefs returns the set of signal IDs referenced anywhere in the
// tree, used by the Inspection Matrix compiler to aggregate per-signal
// windowing parameters.
func (t *Tree) SignalRefs() []decode.SignalID {
	seen := map[decode.SignalID]bool{}
	var out []decode.SignalID
	for _, n := range t.Nodes {
		if n.Kind == NodeSignalRef || n.Kind == NodeWindowFunction || n.Kind == NodeIsNull {
			if n.SignalID != 0 && !seen[n.SignalID] {
				seen[n.SignalID] = true
				out = append(out, n.SignalID)
			}
		}
	}
	return out
}
