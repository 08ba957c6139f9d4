// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package eval

// Expr is a parsed expression-language syntax node.
type Expr interface {
	exprNode()
	Pos() Position
}

type pos struct{ P Position }

func (p pos) Pos() Position { return p.P }

// IntLit is an integer literal.
type IntLit struct {
	pos
	Value int64
}

// FloatLit is a floating-point literal.
type FloatLit struct {
	pos
	Value float64
}

// StringPart is one element of a string literal: either a literal run
// of text or an interpolated sub-expression.
type StringPart struct {
	Literal string
	Interp  Expr // nil for a literal-only part
}

// StringLit is a string or indented-string literal, built from
// alternating literal text and ${ } interpolations.
type StringLit struct {
	pos
	Parts []StringPart
}

// PathLit is a path literal. The parser resolves a relative path against
// its base directory at parse time (spec.md §4.6) and keeps the node in
// the tree; evaluation turns it into a [Path] value.
type PathLit struct {
	pos
	Value string // absolute, except a `~`/`~/` path kept as written and expanded at evaluation time
}

// SearchPathLit is a `<name/...>` search-path reference.
type SearchPathLit struct {
	pos
	Value string
}

// Ident is a bare identifier reference.
type Ident struct {
	pos
	Name string
}

// There are no boolean or null literal nodes: `true`/`false`/`null` are
// ordinary identifiers resolved by the base environment rather than
// reserved words (matching real Nix).

// AttrName is one element of an attribute path: either a static name or
// a dynamic expression. The evaluator accepts both, but the parser only
// produces static names (an identifier-like token or a plain string
// literal); Dynamic is never set by it.
type AttrName struct {
	Static string
	Dynamic Expr // nil if Static is used
}

// Binding is one `name = value;` entry of an attribute set or let block.
type Binding struct {
	Path  []AttrName
	Value Expr
}

// Inherit is an `inherit [(from)] names…;` clause.
type Inherit struct {
	From  Expr // nil for a plain `inherit a b;`
	Names []string
}

// AttrSetExpr is a `{ … }` or `rec { … }` literal.
type AttrSetExpr struct {
	pos
	Rec      bool
	Bindings []Binding
	Inherits []Inherit
}

// ListExpr is a `[ … ]` literal.
type ListExpr struct {
	pos
	Elems []Expr
}

// LetExpr is `let bindings; in body`.
type LetExpr struct {
	pos
	Bindings []Binding
	Inherits []Inherit
	Body     Expr
}

// WithExpr is `with e; body`.
type WithExpr struct {
	pos
	Attrs Expr
	Body  Expr
}

// IfExpr is `if cond then t else f`.
type IfExpr struct {
	pos
	Cond, Then, Else Expr
}

// AssertExpr is `assert cond; body`.
type AssertExpr struct {
	pos
	Cond, Body Expr
}

// Select is `base.a.b` with an optional `or default`.
type Select struct {
	pos
	Base    Expr
	Path    []AttrName
	Default Expr // nil if no `or` fallback
}

// HasAttr is `base ? a.b`.
type HasAttr struct {
	pos
	Base Expr
	Path []AttrName
}

// ParamField is one formal of a pattern-matching lambda parameter.
type ParamField struct {
	Name    string
	Default Expr // nil if required
}

// ParamPattern is `{ p1, p2 ? default, … }` possibly with `...` and `@name`.
type ParamPattern struct {
	Fields   []ParamField
	Ellipsis bool
	Alias    string // "" if no `@name` binding
}

// Lambda is `param: body` or `pattern: body`.
type Lambda struct {
	pos
	Param   string // simple parameter name; "" if Pattern is used
	Pattern *ParamPattern
	Body    Expr
}

// Apply is function application `f x`.
type Apply struct {
	pos
	Fn, Arg Expr
}

// UnaryExpr is a prefix `-` or `!`.
type UnaryExpr struct {
	pos
	Op      TokenKind
	Operand Expr
}

// BinaryExpr is any binary operator from spec.md §4.6's precedence table.
type BinaryExpr struct {
	pos
	Op          TokenKind
	Left, Right Expr
}

// inheritRef is a synthetic node the evaluator builds for each name of
// an `inherit (expr) names;` clause (never produced by the parser): it
// selects Name out of From, one attribute at a time, so each inherited
// name gets its own independently-forced thunk.
type inheritRef struct {
	pos
	From Expr
	Name string
}

func (*inheritRef) exprNode() {}

func (*IntLit) exprNode()       {}
func (*FloatLit) exprNode()     {}
func (*StringLit) exprNode()    {}
func (*PathLit) exprNode()      {}
func (*SearchPathLit) exprNode() {}
func (*Ident) exprNode()        {}
func (*AttrSetExpr) exprNode()  {}
func (*ListExpr) exprNode()     {}
func (*LetExpr) exprNode()      {}
func (*WithExpr) exprNode()     {}
func (*IfExpr) exprNode()       {}
func (*AssertExpr) exprNode()   {}
func (*Select) exprNode()       {}
func (*HasAttr) exprNode()      {}
func (*Lambda) exprNode()       {}
func (*Apply) exprNode()        {}
func (*UnaryExpr) exprNode()    {}
func (*BinaryExpr) exprNode()   {}
