package expr

import "testing"

type fakeView struct {
	current map[uint32]Result
	windows map[uint32]float64
	nulls   map[uint32]bool
}

func (f *fakeView) Current(signalID uint32) (Result, bool) {
	v, ok := f.current[signalID]
	return v, ok
}

func (f *fakeView) WindowAggregate(signalID uint32, wt WindowType) (float64, bool) {
	v, ok := f.windows[signalID]
	return v, ok
}

func (f *fakeView) IsNull(signalID uint32) bool {
	return f.nulls[signalID]
}

func TestEval_SignalComparisonPerValue(t *testing.T) {
	tree := NewTree()
	sig := tree.Add(Node{Kind: NodeSignalRef, SignalID: 5})
	ten := tree.Add(Node{Kind: NodeDoubleConst, DoubleValue: 10})
	gt := tree.Add(Node{Kind: NodeGt, Children: []NodeID{sig, ten}})
	tree.Root = gt

	for _, tc := range []struct {
		value float64
		want  bool
	}{
		{5, false},
		{12, true},
		{15, true},
		{3, false},
		{20, true},
	} {
		view := &fakeView{current: map[uint32]Result{5: {Kind: KindDouble, Double: tc.value}}}
		r, err := Eval(tree, tree.Root, view, nil)
		if err != nil {
			t.Fatalf("Eval: %v", err)
		}
		b, _ := r.AsBool()
		if b != tc.want {
			t.Errorf("value=%v: got %v, want %v", tc.value, b, tc.want)
		}
	}
}

func TestEval_AndShortCircuits(t *testing.T) {
	tree := NewTree()
	f := tree.Add(Node{Kind: NodeBoolConst, BoolValue: false})
	// not("x") fails with TypeMismatch if it is ever evaluated.
	str := tree.Add(Node{Kind: NodeStringConst, StringValue: "x"})
	bad := tree.Add(Node{Kind: NodeNot, Children: []NodeID{str}})
	and := tree.Add(Node{Kind: NodeAnd, Children: []NodeID{f, bad}})
	tree.Root = and

	r, err := Eval(tree, tree.Root, &fakeView{}, nil)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	b, _ := r.AsBool()
	if b != false {
		t.Fatalf("expected false, got %v", b)
	}
}

func TestEval_DivideByZeroIsFalseNotError(t *testing.T) {
	tree := NewTree()
	one := tree.Add(Node{Kind: NodeDoubleConst, DoubleValue: 1})
	zero := tree.Add(Node{Kind: NodeDoubleConst, DoubleValue: 0})
	div := tree.Add(Node{Kind: NodeDiv, Children: []NodeID{one, zero}})
	gt := tree.Add(Node{Kind: NodeGt, Children: []NodeID{div, zero}})
	tree.Root = gt

	r, err := Eval(tree, tree.Root, &fakeView{}, nil)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	b, _ := r.AsBool()
	if b {
		t.Fatal("expected false from NaN comparison")
	}
}

func TestEval_IsNull(t *testing.T) {
	tree := NewTree()
	isNull := tree.Add(Node{Kind: NodeIsNull, SignalID: 9})
	tree.Root = isNull

	view := &fakeView{nulls: map[uint32]bool{9: true}}
	r, err := Eval(tree, tree.Root, view, nil)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	b, _ := r.AsBool()
	if !b {
		t.Fatal("expected is_null true")
	}
}

func TestEval_TypeMismatch(t *testing.T) {
	tree := NewTree()
	str := tree.Add(Node{Kind: NodeStringConst, StringValue: "x"})
	num := tree.Add(Node{Kind: NodeDoubleConst, DoubleValue: 1})
	eq := tree.Add(Node{Kind: NodeEq, Children: []NodeID{str, num}})
	tree.Root = eq

	if _, err := Eval(tree, tree.Root, &fakeView{}, nil); err == nil {
		t.Fatal("expected type mismatch error")
	}
}

func TestEval_WindowFunctionAndCustomFunction(t *testing.T) {
	registry := NewMapRegistry()
	registry.Register("always_true", func(params []Result) (Result, error) {
		return boolResult(true), nil
	})

	tree := NewTree()
	win := tree.Add(Node{Kind: NodeWindowFunction, SignalID: 7, WindowType: LastWindowAvg})
	five := tree.Add(Node{Kind: NodeDoubleConst, DoubleValue: 5})
	gt := tree.Add(Node{Kind: NodeGt, Children: []NodeID{win, five}})
	custom := tree.Add(Node{Kind: NodeCustomFunction, FunctionName: "always_true"})
	and := tree.Add(Node{Kind: NodeAnd, Children: []NodeID{gt, custom}})
	tree.Root = and

	view := &fakeView{windows: map[uint32]float64{7: 9}}
	r, err := Eval(tree, tree.Root, view, registry)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	b, _ := r.AsBool()
	if !b {
		t.Fatal("expected true")
	}
}

func TestEval_UnknownCustomFunctionFalse(t *testing.T) {
	tree := NewTree()
	custom := tree.Add(Node{Kind: NodeCustomFunction, FunctionName: "does_not_exist"})
	tree.Root = custom

	r, err := Eval(tree, tree.Root, &fakeView{}, nil)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	b, _ := r.AsBool()
	if b {
		t.Fatal("expected false for unknown function")
	}
}
