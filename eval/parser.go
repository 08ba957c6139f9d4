// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package eval

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Parser is a recursive-descent, precedence-climbing parser for the
// expression language (spec.md §4.6), consuming a [Scanner]'s token
// stream. There is no teacher analogue for this file's grammar (the
// teacher embeds Lua rather than parsing a Nix-like surface syntax, see
// DESIGN.md), but its shape — a single current-token lookahead, one
// function per binary-operator precedence level, and a
// snapshot/restore escape hatch for the one genuinely ambiguous
// construction (`{` starting either an attribute set or a lambda
// pattern) — follows the same hand-written-recursive-descent style the
// teacher's own internal/luasyntax parser uses for Lua.
type Parser struct {
	sc      *Scanner
	baseDir string
	cur     Token
	err     error
}

// NewParser returns a Parser over src. baseDir is the directory used to
// resolve relative path literals (spec.md §4.6).
func NewParser(src []byte, baseDir string) *Parser {
	p := &Parser{sc: NewScanner(src), baseDir: baseDir}
	p.advance()
	return p
}

// ParseExpr parses a complete expression occupying p's entire source.
func ParseExpr(src []byte, baseDir string) (Expr, error) {
	p := NewParser(src, baseDir)
	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.err != nil {
		return nil, p.err
	}
	if p.cur.Kind != EOFToken {
		return nil, p.errorf("unexpected %v after expression", p.cur)
	}
	return e, nil
}

func (p *Parser) advance() {
	if p.err != nil {
		return
	}
	tok, err := p.sc.Scan()
	if err != nil {
		p.err = err
		return
	}
	p.cur = tok
}

func (p *Parser) errorf(format string, args ...any) error {
	return fmt.Errorf("%v: %s", p.cur.Position, fmt.Sprintf(format, args...))
}

func (p *Parser) expect(k TokenKind) error {
	if p.err != nil {
		return p.err
	}
	if p.cur.Kind != k {
		return p.errorf("expected %v, got %v", k, p.cur.Kind)
	}
	p.advance()
	return p.err
}

type parserSnapshot struct {
	sc  Scanner
	cur Token
	err error
}

func (p *Parser) snapshot() parserSnapshot {
	sc := *p.sc
	sc.frames = append([]frame(nil), p.sc.frames...)
	return parserSnapshot{sc: sc, cur: p.cur, err: p.err}
}

func (p *Parser) restore(s parserSnapshot) {
	*p.sc = s.sc
	p.cur = s.cur
	p.err = s.err
}

func (p *Parser) pos() Position { return p.cur.Position }

// --- precedence-climbing expression grammar (spec.md §4.6 table) ---

func (p *Parser) parseExpr() (Expr, error) { return p.parseImplies() }

// Level 7: -> (right-assoc)
func (p *Parser) parseImplies() (Expr, error) {
	left, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.cur.Kind == ImpliesToken {
		at := p.pos()
		p.advance()
		right, err := p.parseImplies()
		if err != nil {
			return nil, err
		}
		return &BinaryExpr{pos: pos{at}, Op: ImpliesToken, Left: left, Right: right}, nil
	}
	return left, p.err
}

// Level 6: && || (left-assoc, grouped at one precedence level)
func (p *Parser) parseOr() (Expr, error) {
	left, err := p.parseCompare()
	if err != nil {
		return nil, err
	}
	for p.cur.Kind == AndAndToken || p.cur.Kind == OrOrToken {
		op, at := p.cur.Kind, p.pos()
		p.advance()
		right, err := p.parseCompare()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{pos: pos{at}, Op: op, Left: left, Right: right}
	}
	return left, p.err
}

// Level 5: < <= > >= == != (non-associative)
func (p *Parser) parseCompare() (Expr, error) {
	left, err := p.parseUpdate()
	if err != nil {
		return nil, err
	}
	switch p.cur.Kind {
	case LessToken, LessEqToken, GreaterToken, GreaterEqToken, EqEqToken, NotEqToken:
		op, at := p.cur.Kind, p.pos()
		p.advance()
		right, err := p.parseUpdate()
		if err != nil {
			return nil, err
		}
		return &BinaryExpr{pos: pos{at}, Op: op, Left: left, Right: right}, nil
	}
	return left, p.err
}

// Level 4: // (right-assoc)
func (p *Parser) parseUpdate() (Expr, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	if p.cur.Kind == UpdateToken {
		at := p.pos()
		p.advance()
		right, err := p.parseUpdate()
		if err != nil {
			return nil, err
		}
		return &BinaryExpr{pos: pos{at}, Op: UpdateToken, Left: left, Right: right}, nil
	}
	return left, p.err
}

// Level 3: ++ (right-assoc), *, /, +, - (left-assoc), one precedence level
func (p *Parser) parseAdditive() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.cur.Kind {
		case PlusToken, MinusToken, StarToken, SlashToken:
			op, at := p.cur.Kind, p.pos()
			p.advance()
			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			left = &BinaryExpr{pos: pos{at}, Op: op, Left: left, Right: right}
		case ConcatToken:
			at := p.pos()
			p.advance()
			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			return &BinaryExpr{pos: pos{at}, Op: ConcatToken, Left: left, Right: right}, nil
		default:
			return left, p.err
		}
	}
}

// Level 2: unary - !
func (p *Parser) parseUnary() (Expr, error) {
	if p.cur.Kind == MinusToken || p.cur.Kind == BangToken {
		op, at := p.cur.Kind, p.pos()
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{pos: pos{at}, Op: op, Operand: operand}, nil
	}
	return p.parseApp()
}

func startsAtom(k TokenKind) bool {
	switch k {
	case IdentToken, IntToken, FloatToken, StringToken, StringBeginToken,
		PathToken, SPathToken, LParenToken, LBraceToken, LBracketToken, RecToken:
		return true
	}
	return false
}

// Function application: juxtaposition, binds tighter than every binary
// operator but looser than selection/has-attr.
func (p *Parser) parseApp() (Expr, error) {
	left, err := p.parseSelect()
	if err != nil {
		return nil, err
	}
	for startsAtom(p.cur.Kind) {
		at := p.pos()
		arg, err := p.parseSelect()
		if err != nil {
			return nil, err
		}
		left = &Apply{pos: pos{at}, Fn: left, Arg: arg}
	}
	return left, p.err
}

// Level 1: . selection, ? has-attr (postfix, left-assoc)
func (p *Parser) parseSelect() (Expr, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.cur.Kind {
		case DotToken:
			at := p.pos()
			p.advance()
			path, err := p.parseAttrPath()
			if err != nil {
				return nil, err
			}
			sel := &Select{pos: pos{at}, Base: left, Path: path}
			if p.cur.Kind == OrToken {
				p.advance()
				def, err := p.parseSelect()
				if err != nil {
					return nil, err
				}
				sel.Default = def
			}
			left = sel
		case QuestionToken:
			at := p.pos()
			p.advance()
			path, err := p.parseAttrPath()
			if err != nil {
				return nil, err
			}
			left = &HasAttr{pos: pos{at}, Base: left, Path: path}
		default:
			return left, p.err
		}
	}
}

func identLikeValue(tok Token) (string, bool) {
	switch tok.Kind {
	case IdentToken:
		return tok.Value, true
	case OrToken:
		return "or", true
	}
	return "", false
}

func (p *Parser) parseAttrPath() ([]AttrName, error) {
	first, err := p.parseAttrName()
	if err != nil {
		return nil, err
	}
	names := []AttrName{first}
	for p.cur.Kind == DotToken {
		p.advance()
		n, err := p.parseAttrName()
		if err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, p.err
}

func (p *Parser) parseAttrName() (AttrName, error) {
	if s, ok := identLikeValue(p.cur); ok {
		p.advance()
		return AttrName{Static: s}, p.err
	}
	if p.cur.Kind == StringToken {
		s := p.cur.Value
		p.advance()
		return AttrName{Static: s}, p.err
	}
	return AttrName{}, p.errorf("expected attribute name, got %v", p.cur.Kind)
}

func (p *Parser) parsePrimary() (Expr, error) {
	tok := p.cur
	switch tok.Kind {
	case IntToken:
		p.advance()
		var v int64
		fmt.Sscanf(tok.Value, "%d", &v)
		return &IntLit{pos: pos{tok.Position}, Value: v}, p.err
	case FloatToken:
		p.advance()
		var v float64
		fmt.Sscanf(tok.Value, "%g", &v)
		return &FloatLit{pos: pos{tok.Position}, Value: v}, p.err
	case StringToken:
		p.advance()
		return &StringLit{pos: pos{tok.Position}, Parts: []StringPart{{Literal: tok.Value}}}, p.err
	case StringBeginToken:
		return p.parseInterpolatedString()
	case PathToken:
		p.advance()
		return &PathLit{pos: pos{tok.Position}, Value: resolvePathLiteral(p.baseDir, tok.Value)}, p.err
	case SPathToken:
		p.advance()
		return &SearchPathLit{pos: pos{tok.Position}, Value: tok.Value}, p.err
	case IdentToken:
		return p.parseIdentOrLambda()
	case LParenToken:
		p.advance()
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(RParenToken); err != nil {
			return nil, err
		}
		return e, nil
	case LBracketToken:
		return p.parseList()
	case LBraceToken:
		return p.parseBraceExprOrPattern()
	case RecToken:
		p.advance()
		if err := p.expect(LBraceToken); err != nil {
			return nil, err
		}
		bindings, inherits, err := p.parseBindings(RBraceToken)
		if err != nil {
			return nil, err
		}
		if err := p.expect(RBraceToken); err != nil {
			return nil, err
		}
		return &AttrSetExpr{pos: pos{tok.Position}, Rec: true, Bindings: bindings, Inherits: inherits}, nil
	case LetToken:
		p.advance()
		bindings, inherits, err := p.parseBindings(InToken)
		if err != nil {
			return nil, err
		}
		if err := p.expect(InToken); err != nil {
			return nil, err
		}
		body, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &LetExpr{pos: pos{tok.Position}, Bindings: bindings, Inherits: inherits, Body: body}, nil
	case WithToken:
		p.advance()
		attrs, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(SemiToken); err != nil {
			return nil, err
		}
		body, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &WithExpr{pos: pos{tok.Position}, Attrs: attrs, Body: body}, nil
	case IfToken:
		p.advance()
		cond, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(ThenToken); err != nil {
			return nil, err
		}
		then, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(ElseToken); err != nil {
			return nil, err
		}
		els, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &IfExpr{pos: pos{tok.Position}, Cond: cond, Then: then, Else: els}, nil
	case AssertToken:
		p.advance()
		cond, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(SemiToken); err != nil {
			return nil, err
		}
		body, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &AssertExpr{pos: pos{tok.Position}, Cond: cond, Body: body}, nil
	}
	return nil, p.errorf("unexpected %v", tok.Kind)
}

func (p *Parser) parseInterpolatedString() (Expr, error) {
	at := p.cur.Position
	parts := []StringPart{{Literal: p.cur.Value}}
	p.advance()
	for {
		if err := p.expect(InterpStartToken); err != nil {
			return nil, err
		}
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(InterpEndToken); err != nil {
			return nil, err
		}
		parts = append(parts, StringPart{Interp: inner})
		switch p.cur.Kind {
		case StringPartToken:
			parts = append(parts, StringPart{Literal: p.cur.Value})
			p.advance()
			continue
		case StringEndToken:
			parts = append(parts, StringPart{Literal: p.cur.Value})
			p.advance()
			return &StringLit{pos: pos{at}, Parts: parts}, p.err
		default:
			return nil, p.errorf("unterminated interpolated string")
		}
	}
}

func (p *Parser) parseList() (Expr, error) {
	at := p.cur.Position
	p.advance()
	var elems []Expr
	for p.cur.Kind != RBracketToken {
		if p.err != nil {
			return nil, p.err
		}
		e, err := p.parseSelect()
		if err != nil {
			return nil, err
		}
		elems = append(elems, e)
	}
	p.advance()
	return &ListExpr{pos: pos{at}, Elems: elems}, p.err
}

func (p *Parser) parseIdentOrLambda() (Expr, error) {
	tok := p.cur
	name := tok.Value
	p.advance()
	if p.err != nil {
		return nil, p.err
	}
	switch p.cur.Kind {
	case ColonToken:
		p.advance()
		body, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &Lambda{pos: pos{tok.Position}, Param: name, Body: body}, nil
	case AtToken:
		p.advance()
		if err := p.expect(LBraceToken); err != nil {
			return nil, err
		}
		pattern, err := p.parsePatternFields()
		if err != nil {
			return nil, err
		}
		pattern.Alias = name
		if err := p.expect(ColonToken); err != nil {
			return nil, err
		}
		body, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &Lambda{pos: pos{tok.Position}, Pattern: pattern, Body: body}, nil
	}
	return &Ident{pos: pos{tok.Position}, Name: name}, nil
}

// parsePatternFields parses the contents of a `{ ... }` pattern after
// the opening brace has already been consumed, stopping having
// consumed the closing brace.
func (p *Parser) parsePatternFields() (*ParamPattern, error) {
	pat := &ParamPattern{}
	for p.cur.Kind != RBraceToken {
		if p.cur.Kind == EllipsisToken {
			p.advance()
			pat.Ellipsis = true
			break
		}
		if p.cur.Kind != IdentToken {
			return nil, p.errorf("expected parameter name, got %v", p.cur.Kind)
		}
		field := ParamField{Name: p.cur.Value}
		p.advance()
		if p.cur.Kind == QuestionToken {
			p.advance()
			def, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			field.Default = def
		}
		pat.Fields = append(pat.Fields, field)
		if p.cur.Kind == CommaToken {
			p.advance()
			continue
		}
		break
	}
	if err := p.expect(RBraceToken); err != nil {
		return nil, err
	}
	return pat, nil
}

// parseBraceExprOrPattern disambiguates `{ ... }:` (a pattern lambda)
// from `{ ... }` (an attribute-set literal) by speculatively parsing
// the former and rolling back the scanner/parser state if it turns out
// not to be followed by a colon — the one place in the grammar that
// cannot be resolved with a single token of lookahead, mirrored on
// [Scanner.tryScanSearchPath]'s own save/restore technique one level up.
func (p *Parser) parseBraceExprOrPattern() (Expr, error) {
	at := p.cur.Position
	snap := p.snapshot()
	p.advance() // consume '{'

	pattern, err := p.parsePatternFields()
	if err == nil && p.cur.Kind == ColonToken {
		p.advance()
		body, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &Lambda{pos: pos{at}, Pattern: pattern, Body: body}, nil
	}

	p.restore(snap)
	p.advance() // consume '{' again
	bindings, inherits, err := p.parseBindings(RBraceToken)
	if err != nil {
		return nil, err
	}
	if err := p.expect(RBraceToken); err != nil {
		return nil, err
	}
	return &AttrSetExpr{pos: pos{at}, Bindings: bindings, Inherits: inherits}, nil
}

func (p *Parser) parseBindings(end TokenKind) ([]Binding, []Inherit, error) {
	var bindings []Binding
	var inherits []Inherit
	for p.cur.Kind != end {
		if p.err != nil {
			return nil, nil, p.err
		}
		if p.cur.Kind == InheritToken {
			p.advance()
			var from Expr
			if p.cur.Kind == LParenToken {
				p.advance()
				e, err := p.parseExpr()
				if err != nil {
					return nil, nil, err
				}
				if err := p.expect(RParenToken); err != nil {
					return nil, nil, err
				}
				from = e
			}
			var names []string
			for {
				s, ok := identLikeValue(p.cur)
				if !ok {
					break
				}
				names = append(names, s)
				p.advance()
			}
			if err := p.expect(SemiToken); err != nil {
				return nil, nil, err
			}
			inherits = append(inherits, Inherit{From: from, Names: names})
			continue
		}
		path, err := p.parseAttrPath()
		if err != nil {
			return nil, nil, err
		}
		if err := p.expect(EqualsToken); err != nil {
			return nil, nil, err
		}
		val, err := p.parseExpr()
		if err != nil {
			return nil, nil, err
		}
		if err := p.expect(SemiToken); err != nil {
			return nil, nil, err
		}
		bindings = append(bindings, Binding{Path: path, Value: val})
	}
	return bindings, inherits, nil
}

func resolvePathLiteral(baseDir, raw string) string {
	if strings.HasPrefix(raw, "~/") || raw == "~" {
		return raw // expanded against $HOME at evaluation time
	}
	if strings.HasPrefix(raw, "/") {
		return filepath.Clean(raw)
	}
	return filepath.Join(baseDir, raw)
}
