// Package condeval implements the Condition Evaluator (spec §4.F): a
// minimal boolean expression language over breakpoint conditions and
// logpoint templates. It supports literals, identifiers, the hitCount and
// threadId intrinsics, dotted member access, and the usual comparison and
// logical operators.
//
// Grounded on two patterns from the pack: delve's own expression evaluator
// builds its AST with go/ast + go/parser and then walks it
// (other_examples/8c17b4cd_..._proc.go.go imports "go/ast", "go/constant",
// "go/token") — the walk-an-AST-against-a-resolver-context shape is kept
// here, but the grammar itself cannot reuse Go's parser since condition
// expressions are a small C#-like subset (spec §9 "Expression evaluation
// without a full language parser"), so a dedicated recursive-descent
// tokenizer/parser is hand-written instead, mirroring the prefix-dispatch
// "mini-language" approach golang-debug/program/server/server.go uses for
// its own eval().
package condeval

import (
	"fmt"
	"strconv"
	"strings"
)

// Context supplies the values a condition or logpoint template may
// reference while evaluating at a breakpoint hit (spec §4.F).
type Context interface {
	// HitCount is the candidate hit count for the current stop (spec
	// §4.D.3: incremented before condition evaluation).
	HitCount() int
	// ThreadID is the id of the thread that hit the breakpoint.
	ThreadID() int
	// ResolveIdentifier reads a bare identifier or a dotted member path
	// from the current frame, delegating to the engine's variable
	// resolver (spec §4.F "resolve_expression").
	ResolveIdentifier(path string) (Value, error)
}

// Value is a dynamically-typed result: exactly one of the fields is
// meaningful, chosen by Kind.
type Value struct {
	Kind ValueKind
	Bool bool
	Num  float64
	Str  string
}

type ValueKind int

const (
	KindBool ValueKind = iota
	KindNum
	KindString
	KindNull
)

func (v Value) String() string {
	switch v.Kind {
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindNum:
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case KindString:
		return v.Str
	default:
		return "null"
	}
}

func (v Value) truthy() bool {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindNum:
		return v.Num != 0
	case KindString:
		return v.Str != ""
	default:
		return false
	}
}

// Result is what the engine receives after evaluating a condition (spec
// §4.F "ConditionResult{success=false, message}").
type Result struct {
	Success bool
	Pass    bool
	Message string
}

// Expr is a compiled condition, produced once by Parse and evaluated
// repeatedly (every hit of a breakpoint reuses the same Expr).
type Expr struct {
	root node
	src  string
}

// Parse compiles a condition/logpoint boolean expression. Validation is
// syntactic only (spec §4.F); runtime errors surface later from Eval.
func Parse(src string) (*Expr, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, fmt.Errorf("condeval: %w", err)
	}
	p := &parser{toks: toks}
	n, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("condeval: %w", err)
	}
	if !p.atEnd() {
		return nil, fmt.Errorf("condeval: unexpected token %q", p.peek().text)
	}
	return &Expr{root: n, src: src}, nil
}

// Eval runs the compiled expression against ctx. A syntactically valid
// expression can still fail at runtime (unresolved identifier, type
// mismatch); that failure is reported through Result, never as a Go error,
// per spec §4.F.
func (e *Expr) Eval(ctx Context) Result {
	v, err := e.root.eval(ctx)
	if err != nil {
		return Result{Success: false, Message: err.Error()}
	}
	return Result{Success: true, Pass: v.truthy()}
}

// Substitute performs the logpoint template substitution (spec §4.D.3
// step 4): "{expr}" segments are replaced by ResolveIdentifier(expr)'s
// display string. Segments that fail to resolve are rendered as
// "<error: message>" rather than aborting the whole message.
func Substitute(template string, ctx Context) string {
	var b strings.Builder
	i := 0
	for i < len(template) {
		open := strings.IndexByte(template[i:], '{')
		if open < 0 {
			b.WriteString(template[i:])
			break
		}
		b.WriteString(template[i : i+open])
		start := i + open + 1
		close := strings.IndexByte(template[start:], '}')
		if close < 0 {
			b.WriteString(template[i+open:])
			break
		}
		expr := template[start : start+close]
		v, err := ctx.ResolveIdentifier(strings.TrimSpace(expr))
		if err != nil {
			b.WriteString("<error: " + err.Error() + ">")
		} else {
			b.WriteString(v.String())
		}
		i = start + close + 1
	}
	return b.String()
}

// --- AST ---

type node interface {
	eval(ctx Context) (Value, error)
}

type litNode struct{ v Value }

func (n litNode) eval(Context) (Value, error) { return n.v, nil }

type identNode struct{ path string }

func (n identNode) eval(ctx Context) (Value, error) {
	return ctx.ResolveIdentifier(n.path)
}

type intrinsicNode struct{ name string }

func (n intrinsicNode) eval(ctx Context) (Value, error) {
	switch n.name {
	case "hitCount":
		return Value{Kind: KindNum, Num: float64(ctx.HitCount())}, nil
	case "threadId":
		return Value{Kind: KindNum, Num: float64(ctx.ThreadID())}, nil
	default:
		return Value{}, fmt.Errorf("unknown intrinsic %q", n.name)
	}
}

type unaryNode struct {
	op string
	x  node
}

func (n unaryNode) eval(ctx Context) (Value, error) {
	v, err := n.x.eval(ctx)
	if err != nil {
		return Value{}, err
	}
	switch n.op {
	case "!":
		return Value{Kind: KindBool, Bool: !v.truthy()}, nil
	case "-":
		if v.Kind != KindNum {
			return Value{}, fmt.Errorf("operator - requires a number")
		}
		return Value{Kind: KindNum, Num: -v.Num}, nil
	}
	return Value{}, fmt.Errorf("unknown unary operator %q", n.op)
}

type binNode struct {
	op   string
	l, r node
}

func (n binNode) eval(ctx Context) (Value, error) {
	switch n.op {
	case "&&":
		l, err := n.l.eval(ctx)
		if err != nil {
			return Value{}, err
		}
		if !l.truthy() {
			return Value{Kind: KindBool, Bool: false}, nil
		}
		r, err := n.r.eval(ctx)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindBool, Bool: r.truthy()}, nil
	case "||":
		l, err := n.l.eval(ctx)
		if err != nil {
			return Value{}, err
		}
		if l.truthy() {
			return Value{Kind: KindBool, Bool: true}, nil
		}
		r, err := n.r.eval(ctx)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindBool, Bool: r.truthy()}, nil
	}

	l, err := n.l.eval(ctx)
	if err != nil {
		return Value{}, err
	}
	r, err := n.r.eval(ctx)
	if err != nil {
		return Value{}, err
	}

	switch n.op {
	case "==":
		return Value{Kind: KindBool, Bool: valuesEqual(l, r)}, nil
	case "!=":
		return Value{Kind: KindBool, Bool: !valuesEqual(l, r)}, nil
	case "<", "<=", ">", ">=":
		if l.Kind != KindNum || r.Kind != KindNum {
			return Value{}, fmt.Errorf("operator %s requires numbers", n.op)
		}
		var b bool
		switch n.op {
		case "<":
			b = l.Num < r.Num
		case "<=":
			b = l.Num <= r.Num
		case ">":
			b = l.Num > r.Num
		case ">=":
			b = l.Num >= r.Num
		}
		return Value{Kind: KindBool, Bool: b}, nil
	}
	return Value{}, fmt.Errorf("unknown operator %q", n.op)
}

func valuesEqual(l, r Value) bool {
	if l.Kind != r.Kind {
		// Allow numeric/string cross comparison only when both sides
		// stringify identically; otherwise types differ.
		return l.String() == r.String() && l.Kind != KindNull && r.Kind != KindNull
	}
	switch l.Kind {
	case KindBool:
		return l.Bool == r.Bool
	case KindNum:
		return l.Num == r.Num
	case KindString:
		return l.Str == r.Str
	default:
		return true // both null
	}
}
