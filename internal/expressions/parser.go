package expressions

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/runcard-io/runcard/pkg/schema"
)

// The expression language is deliberately closed: a hand-rolled
// recursive-descent parser produces a fixed set of AST nodes, so any
// construct outside the whitelist is unrepresentable rather than
// filtered after the fact.
//
//	expr       := or
//	or         := and ("or" and)*
//	and        := not ("and" not)*
//	not        := "not" not | comparison
//	comparison := unary (("=="|"!="|"<"|"<="|">"|">=") unary)*
//	unary      := "-" unary | postfix
//	postfix    := primary ("." IDENT | "[" expr "]")*
//	primary    := NUMBER | STRING | "true" | "false" | "null"
//	            | IDENT | IDENT "(" args ")" | "(" expr ")"
//	            | "[" items "]" | "{" pairs "}"

type node interface{}

type litNode struct{ value any }

type nameNode struct{ name string }

type attrNode struct {
	target node
	name   string
}

type indexNode struct {
	target node
	index  node
}

type boolOpNode struct {
	op    string // "and" | "or"
	parts []node
}

type notNode struct{ operand node }

type negNode struct{ operand node }

type compareNode struct {
	left        node
	ops         []string
	comparators []node
}

type callNode struct {
	fn   string
	args []node
}

type listNode struct{ elems []node }

type mapNode struct {
	keys   []node
	values []node
}

// --- lexer ---

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp // punctuation and comparison operators
)

type token struct {
	kind tokenKind
	text string
	num  any // int64 or float64 for tokNumber
	pos  int
}

type lexer struct {
	src string
	pos int
}

func (l *lexer) syntaxErr(format string, args ...any) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeSyntax, format, args...)
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.src) && (l.src[l.pos] == ' ' || l.src[l.pos] == '\t' || l.src[l.pos] == '\n' || l.src[l.pos] == '\r') {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}

	start := l.pos
	c := l.src[l.pos]

	switch {
	case isIdentStart(rune(c)):
		for l.pos < len(l.src) && isIdentPart(rune(l.src[l.pos])) {
			l.pos++
		}
		return token{kind: tokIdent, text: l.src[start:l.pos], pos: start}, nil

	case c >= '0' && c <= '9':
		isFloat := false
		for l.pos < len(l.src) {
			ch := l.src[l.pos]
			if ch >= '0' && ch <= '9' {
				l.pos++
				continue
			}
			if ch == '.' && !isFloat && l.pos+1 < len(l.src) && l.src[l.pos+1] >= '0' && l.src[l.pos+1] <= '9' {
				isFloat = true
				l.pos++
				continue
			}
			if (ch == 'e' || ch == 'E') && l.pos+1 < len(l.src) {
				rest := l.src[l.pos+1:]
				if len(rest) > 0 && (rest[0] == '+' || rest[0] == '-' || (rest[0] >= '0' && rest[0] <= '9')) {
					isFloat = true
					l.pos++
					if rest[0] == '+' || rest[0] == '-' {
						l.pos++
					}
					continue
				}
			}
			break
		}
		text := l.src[start:l.pos]
		if isFloat {
			f, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return token{}, l.syntaxErr("invalid number %q", text)
			}
			return token{kind: tokNumber, text: text, num: f, pos: start}, nil
		}
		i, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return token{}, l.syntaxErr("invalid number %q", text)
		}
		return token{kind: tokNumber, text: text, num: i, pos: start}, nil

	case c == '\'' || c == '"':
		quote := c
		l.pos++
		var sb strings.Builder
		for l.pos < len(l.src) {
			ch := l.src[l.pos]
			if ch == '\\' && l.pos+1 < len(l.src) {
				esc := l.src[l.pos+1]
				switch esc {
				case 'n':
					sb.WriteByte('\n')
				case 't':
					sb.WriteByte('\t')
				case 'r':
					sb.WriteByte('\r')
				case '\\', '\'', '"':
					sb.WriteByte(esc)
				default:
					sb.WriteByte('\\')
					sb.WriteByte(esc)
				}
				l.pos += 2
				continue
			}
			if ch == quote {
				l.pos++
				return token{kind: tokString, text: sb.String(), pos: start}, nil
			}
			sb.WriteByte(ch)
			l.pos++
		}
		return token{}, l.syntaxErr("unterminated string literal")

	default:
		two := ""
		if l.pos+1 < len(l.src) {
			two = l.src[l.pos : l.pos+2]
		}
		switch two {
		case "==", "!=", "<=", ">=":
			l.pos += 2
			return token{kind: tokOp, text: two, pos: start}, nil
		}
		switch c {
		case '<', '>', '(', ')', '[', ']', '{', '}', ',', '.', ':', '-':
			l.pos++
			return token{kind: tokOp, text: string(c), pos: start}, nil
		}
		return token{}, l.syntaxErr("unexpected character %q at position %d", string(c), l.pos)
	}
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// --- parser ---

type parser struct {
	lex *lexer
	cur token
	src string
}

// parseExpr parses an expression string into its AST.
func parseExpr(src string) (node, error) {
	p := &parser{lex: &lexer{src: src}, src: src}
	if err := p.advance(); err != nil {
		return nil, err
	}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.cur.kind != tokEOF {
		return nil, p.syntaxErr("unexpected trailing input %q", p.cur.text)
	}
	return n, nil
}

func (p *parser) syntaxErr(format string, args ...any) *schema.Error {
	e := schema.NewErrorf(schema.ErrCodeSyntax, format, args...)
	e.Details = map[string]any{"expression": p.src}
	return e
}

func (p *parser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.cur = tok
	return nil
}

func (p *parser) acceptOp(text string) (bool, error) {
	if p.cur.kind == tokOp && p.cur.text == text {
		return true, p.advance()
	}
	return false, nil
}

func (p *parser) expectOp(text string) error {
	ok, err := p.acceptOp(text)
	if err != nil {
		return err
	}
	if !ok {
		return p.syntaxErr("expected %q, got %q", text, p.cur.text)
	}
	return nil
}

func (p *parser) acceptKeyword(word string) (bool, error) {
	if p.cur.kind == tokIdent && p.cur.text == word {
		return true, p.advance()
	}
	return false, nil
}

func (p *parser) parseOr() (node, error) {
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	parts := []node{first}
	for {
		ok, err := p.acceptKeyword("or")
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		next, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		parts = append(parts, next)
	}
	if len(parts) == 1 {
		return first, nil
	}
	return &boolOpNode{op: "or", parts: parts}, nil
}

func (p *parser) parseAnd() (node, error) {
	first, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	parts := []node{first}
	for {
		ok, err := p.acceptKeyword("and")
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		next, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		parts = append(parts, next)
	}
	if len(parts) == 1 {
		return first, nil
	}
	return &boolOpNode{op: "and", parts: parts}, nil
}

func (p *parser) parseNot() (node, error) {
	ok, err := p.acceptKeyword("not")
	if err != nil {
		return nil, err
	}
	if ok {
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &notNode{operand: operand}, nil
	}
	return p.parseComparison()
}

var compareOps = map[string]bool{
	"==": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true,
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	var ops []string
	var comparators []node
	for p.cur.kind == tokOp && compareOps[p.cur.text] {
		op := p.cur.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
		comparators = append(comparators, right)
	}
	if len(ops) == 0 {
		return left, nil
	}
	return &compareNode{left: left, ops: ops, comparators: comparators}, nil
}

func (p *parser) parseUnary() (node, error) {
	if ok, err := p.acceptOp("-"); err != nil {
		return nil, err
	} else if ok {
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &negNode{operand: operand}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (node, error) {
	target, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		if ok, err := p.acceptOp("."); err != nil {
			return nil, err
		} else if ok {
			if p.cur.kind != tokIdent {
				return nil, p.syntaxErr("expected attribute name after '.', got %q", p.cur.text)
			}
			target = &attrNode{target: target, name: p.cur.text}
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		if ok, err := p.acceptOp("["); err != nil {
			return nil, err
		} else if ok {
			idx, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if err := p.expectOp("]"); err != nil {
				return nil, err
			}
			target = &indexNode{target: target, index: idx}
			continue
		}
		return target, nil
	}
}

func (p *parser) parsePrimary() (node, error) {
	switch p.cur.kind {
	case tokNumber:
		n := &litNode{value: p.cur.num}
		return n, p.advance()

	case tokString:
		n := &litNode{value: p.cur.text}
		return n, p.advance()

	case tokIdent:
		word := p.cur.text
		switch word {
		case "true":
			return &litNode{value: true}, p.advance()
		case "false":
			return &litNode{value: false}, p.advance()
		case "null":
			return &litNode{value: nil}, p.advance()
		case "and", "or", "not":
			return nil, p.syntaxErr("unexpected keyword %q", word)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		if ok, err := p.acceptOp("("); err != nil {
			return nil, err
		} else if ok {
			args, err := p.parseArgs()
			if err != nil {
				return nil, err
			}
			return &callNode{fn: word, args: args}, nil
		}
		return &nameNode{name: word}, nil

	case tokOp:
		switch p.cur.text {
		case "(":
			if err := p.advance(); err != nil {
				return nil, err
			}
			inner, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if err := p.expectOp(")"); err != nil {
				return nil, err
			}
			return inner, nil

		case "[":
			if err := p.advance(); err != nil {
				return nil, err
			}
			var elems []node
			for {
				if ok, err := p.acceptOp("]"); err != nil {
					return nil, err
				} else if ok {
					return &listNode{elems: elems}, nil
				}
				if len(elems) > 0 {
					if err := p.expectOp(","); err != nil {
						return nil, err
					}
					// allow trailing comma before ]
					if ok, err := p.acceptOp("]"); err != nil {
						return nil, err
					} else if ok {
						return &listNode{elems: elems}, nil
					}
				}
				elem, err := p.parseOr()
				if err != nil {
					return nil, err
				}
				elems = append(elems, elem)
			}

		case "{":
			if err := p.advance(); err != nil {
				return nil, err
			}
			var keys, values []node
			for {
				if ok, err := p.acceptOp("}"); err != nil {
					return nil, err
				} else if ok {
					return &mapNode{keys: keys, values: values}, nil
				}
				if len(keys) > 0 {
					if err := p.expectOp(","); err != nil {
						return nil, err
					}
					if ok, err := p.acceptOp("}"); err != nil {
						return nil, err
					} else if ok {
						return &mapNode{keys: keys, values: values}, nil
					}
				}
				key, err := p.parseOr()
				if err != nil {
					return nil, err
				}
				if err := p.expectOp(":"); err != nil {
					return nil, err
				}
				value, err := p.parseOr()
				if err != nil {
					return nil, err
				}
				keys = append(keys, key)
				values = append(values, value)
			}
		}
	}
	return nil, p.syntaxErr("unexpected token %q", p.cur.text)
}

func (p *parser) parseArgs() ([]node, error) {
	var args []node
	for {
		if ok, err := p.acceptOp(")"); err != nil {
			return nil, err
		} else if ok {
			return args, nil
		}
		if len(args) > 0 {
			if err := p.expectOp(","); err != nil {
				return nil, err
			}
		}
		arg, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
}
