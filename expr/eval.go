package expr

import (
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/vectaiot/edgeagent/fault"
)

// ValueKind tags an EvalResult's variant.
type ValueKind uint8

const (
	KindBool ValueKind = iota
	KindDouble
	KindString
)

// Result is the outcome of evaluating one node.
type Result struct {
	Kind   ValueKind
	Bool   bool
	Double float64
	Str    string
}

func boolResult(b bool) Result     { return Result{Kind: KindBool, Bool: b} }
func doubleResult(d float64) Result { return Result{Kind: KindDouble, Double: d} }

// AsBool coerces a Result to bool the way comparisons and and/or
// consume their operands: only KindBool is accepted directly.
func (r Result) AsBool() (bool, bool) {
	if r.Kind != KindBool {
		return false, false
	}
	return r.Bool, true
}

// AsDouble coerces a Result to float64, promoting bool (1/0) but not
// string.
func (r Result) AsDouble() (float64, bool) {
	switch r.Kind {
	case KindDouble:
		return r.Double, true
	case KindBool:
		if r.Bool {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// SampleView is the read-only snapshot of decoded signal state an
// evaluation runs against. sample.Store implements this interface.
type SampleView interface {
	// Current returns the most recent sample value for signalID.
	Current(signalID uint32) (Result, bool)
	// WindowAggregate returns the requested aggregate for signalID over
	// the most recently closed fixed window (LastWindow*) or the one
	// before it (PrevWindow*); the window period is
	// the one declared for that signal in the Inspection Matrix, known
	// to the view rather than the expression.
	WindowAggregate(signalID uint32, wt WindowType) (float64, bool)
	// IsNull reports whether no sample is present for signalID.
	IsNull(signalID uint32) bool
}

// Registry looks up custom functions by name.
type Registry interface {
	Lookup(name string) (CustomFunc, bool)
}

// CustomFunc evaluates a custom_function node given its evaluated
// parameters.
type CustomFunc func(params []Result) (Result, error)

// Eval evaluates the node at id against view, using registry for
// custom_function lookups. Comparisons on mismatched, non-promotable
// types return a TypeMismatch fault; division by zero yields false
// rather than an error.
func Eval(tree *Tree, id NodeID, view SampleView, registry Registry) (Result, error) {
	n := tree.Node(id)
	switch n.Kind {
	case NodeBoolConst:
		return boolResult(n.BoolValue), nil
	case NodeDoubleConst:
		return doubleResult(n.DoubleValue), nil
	case NodeStringConst:
		return Result{Kind: KindString, Str: n.StringValue}, nil
	case NodeSignalRef:
		v, ok := view.Current(uint32(n.SignalID))
		if !ok {
			return Result{}, nil // absent signal: caller treats via is_null / comparison failure
		}
		return v, nil
	case NodeIsNull:
		return boolResult(view.IsNull(uint32(n.SignalID))), nil
	case NodeNot:
		v, err := Eval(tree, n.Children[0], view, registry)
		if err != nil {
			return Result{}, err
		}
		b, ok := v.AsBool()
		if !ok {
			return Result{}, fault.New(fault.KindTypeMismatch, fmt.Errorf("expr: not applied to non-bool"))
		}
		return boolResult(!b), nil
	case NodeAnd:
		return evalShortCircuit(tree, n.Children, view, registry, false)
	case NodeOr:
		return evalShortCircuit(tree, n.Children, view, registry, true)
	case NodeLt, NodeLe, NodeGt, NodeGe, NodeEq, NodeNe:
		return evalCompare(tree, n, view, registry)
	case NodeAdd, NodeSub, NodeMul, NodeDiv:
		return evalArith(tree, n, view, registry)
	case NodeWindowFunction:
		agg, ok := view.WindowAggregate(uint32(n.SignalID), n.WindowType)
		if !ok {
			return Result{}, nil
		}
		return doubleResult(agg), nil
	case NodeCustomFunction:
		return evalCustom(tree, n, view, registry)
	default:
		return Result{}, fault.New(fault.KindEvalError, fmt.Errorf("expr: unknown node kind %d", n.Kind))
	}
}

func evalShortCircuit(tree *Tree, children []NodeID, view SampleView, registry Registry, shortOn bool) (Result, error) {
	for _, c := range children {
		v, err := Eval(tree, c, view, registry)
		if err != nil {
			return Result{}, err
		}
		b, ok := v.AsBool()
		if !ok {
			return Result{}, fault.New(fault.KindTypeMismatch, fmt.Errorf("expr: and/or operand not bool"))
		}
		if b == shortOn {
			return boolResult(shortOn), nil
		}
	}
	return boolResult(!shortOn), nil
}

func evalCompare(tree *Tree, n Node, view SampleView, registry Registry) (Result, error) {
	l, err := Eval(tree, n.Children[0], view, registry)
	if err != nil {
		return Result{}, err
	}
	r, err := Eval(tree, n.Children[1], view, registry)
	if err != nil {
		return Result{}, err
	}

	if l.Kind == KindString || r.Kind == KindString {
		if l.Kind != r.Kind {
			return Result{}, fault.New(fault.KindTypeMismatch, fmt.Errorf("expr: cannot compare string with non-string"))
		}
		return boolResult(compareStrings(n.Kind, l.Str, r.Str)), nil
	}

	lf, lok := l.AsDouble()
	rf, rok := r.AsDouble()
	if !lok || !rok {
		return Result{}, fault.New(fault.KindTypeMismatch, fmt.Errorf("expr: comparison operand not numeric"))
	}
	if math.IsNaN(lf) || math.IsNaN(rf) {
		return boolResult(false), nil
	}
	return boolResult(compareNumeric(n.Kind, lf, rf)), nil
}

func compareStrings(kind NodeKind, a, b string) bool {
	switch kind {
	case NodeEq:
		return a == b
	case NodeNe:
		return a != b
	case NodeLt:
		return a < b
	case NodeLe:
		return a <= b
	case NodeGt:
		return a > b
	case NodeGe:
		return a >= b
	}
	return false
}

func compareNumeric(kind NodeKind, a, b float64) bool {
	switch kind {
	case NodeLt:
		return a < b
	case NodeLe:
		return a <= b
	case NodeGt:
		return a > b
	case NodeGe:
		return a >= b
	case NodeEq:
		return a == b
	case NodeNe:
		return a != b
	}
	return false
}

func evalArith(tree *Tree, n Node, view SampleView, registry Registry) (Result, error) {
	l, err := Eval(tree, n.Children[0], view, registry)
	if err != nil {
		return Result{}, err
	}
	r, err := Eval(tree, n.Children[1], view, registry)
	if err != nil {
		return Result{}, err
	}
	lf, lok := l.AsDouble()
	rf, rok := r.AsDouble()
	if !lok || !rok {
		return Result{}, fault.New(fault.KindTypeMismatch, fmt.Errorf("expr: arithmetic operand not numeric"))
	}
	switch n.Kind {
	case NodeAdd:
		return doubleResult(lf + rf), nil
	case NodeSub:
		return doubleResult(lf - rf), nil
	case NodeMul:
		return doubleResult(lf * rf), nil
	case NodeDiv:
		if rf == 0 {
			return doubleResult(math.NaN()), nil
		}
		return doubleResult(lf / rf), nil
	}
	return Result{}, fault.New(fault.KindEvalError, fmt.Errorf("expr: unknown arithmetic kind %d", n.Kind))
}

var (
	loggedUnknownMu        sync.Mutex
	loggedUnknownFunctions = map[string]bool{}
)

func evalCustom(tree *Tree, n Node, view SampleView, registry Registry) (Result, error) {
	params := make([]Result, len(n.Children))
	for i, c := range n.Children {
		v, err := Eval(tree, c, view, registry)
		if err != nil {
			return Result{}, err
		}
		params[i] = v
	}
	if registry != nil {
		if fn, ok := registry.Lookup(n.FunctionName); ok {
			return fn(params)
		}
	}
	loggedUnknownMu.Lock()
	first := !loggedUnknownFunctions[n.FunctionName]
	loggedUnknownFunctions[n.FunctionName] = true
	loggedUnknownMu.Unlock()
	if first {
		slog.Warn("expr: unknown custom function", "name", n.FunctionName)
	}
	return boolResult(false), nil
}
