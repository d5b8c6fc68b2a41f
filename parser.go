package monty

import (
	"fmt"
	"math/big"
)

// parser builds the AST from the token stream.  Name resolution and
// scope tagging happen afterwards in the prepare phase; literals are
// interned here since the parser owns the builder.
type parser struct {
	toks    []token
	pos     int
	builder *InternsBuilder
	src     string
}

// parseError is a SyntaxError carrying the source range; the caller
// attaches the traceback frame.
type parseError struct {
	msg string
	rng CodeRange
}

func parseSource(src string, builder *InternsBuilder) ([]Node, *parseError) {
	lx := newLexer(src)
	var toks []token
	for {
		t, err := lx.next()
		if err != nil {
			return nil, &parseError{msg: err.msg, rng: err.rng}
		}
		toks = append(toks, t)
		if t.kind == tokEOF {
			break
		}
	}
	p := &parser{toks: toks, builder: builder, src: src}
	var body []Node
	for !p.at(tokEOF) {
		if p.skipNewlines() {
			continue
		}
		stmts, err := p.parseStatements()
		if err != nil {
			return nil, err
		}
		body = append(body, stmts...)
	}
	return body, nil
}

func (p *parser) cur() token  { return p.toks[p.pos] }
func (p *parser) at(k tokenKind) bool { return p.cur().kind == k }

func (p *parser) atOp(text string) bool {
	t := p.cur()
	return t.kind == tokOp && t.text == text
}

func (p *parser) atKeyword(kw string) bool {
	t := p.cur()
	return t.kind == tokKeyword && t.text == kw
}

func (p *parser) advance() token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *parser) skipNewlines() bool {
	if p.at(tokNewline) {
		p.advance()
		return true
	}
	return false
}

func (p *parser) errf(rng CodeRange, format string, args ...any) *parseError {
	if len(args) == 0 {
		return &parseError{msg: format, rng: rng}
	}
	return &parseError{msg: fmt.Sprintf(format, args...), rng: rng}
}

func (p *parser) expectOp(text string) (token, *parseError) {
	if !p.atOp(text) {
		return token{}, p.errf(p.cur().rng, "expected %q", text)
	}
	return p.advance(), nil
}

func (p *parser) expectKeyword(kw string) (token, *parseError) {
	if !p.atKeyword(kw) {
		return token{}, p.errf(p.cur().rng, "expected %q", kw)
	}
	return p.advance(), nil
}

func (p *parser) expectNewline() *parseError {
	if p.at(tokNewline) || p.at(tokEOF) {
		p.advance()
		return nil
	}
	if p.atOp(";") {
		p.advance()
		return nil
	}
	return p.errf(p.cur().rng, "invalid syntax")
}

// parseBlock parses `: NEWLINE INDENT stmts DEDENT` or a same-line
// simple statement list.
func (p *parser) parseBlock() ([]Node, *parseError) {
	if _, err := p.expectOp(":"); err != nil {
		return nil, err
	}
	if !p.at(tokNewline) {
		// simple statements on the same line
		var body []Node
		for {
			stmt, err := p.parseSimpleStatement()
			if err != nil {
				return nil, err
			}
			body = append(body, stmt)
			if p.atOp(";") {
				p.advance()
				continue
			}
			break
		}
		if err := p.expectNewline(); err != nil {
			return nil, err
		}
		return body, nil
	}
	p.advance() // newline
	if !p.at(tokIndent) {
		return nil, p.errf(p.cur().rng, "expected an indented block")
	}
	p.advance()
	var body []Node
	for !p.at(tokDedent) && !p.at(tokEOF) {
		if p.skipNewlines() {
			continue
		}
		stmts, err := p.parseStatements()
		if err != nil {
			return nil, err
		}
		body = append(body, stmts...)
	}
	if p.at(tokDedent) {
		p.advance()
	}
	return body, nil
}

func (p *parser) parseStatement() (Node, *parseError) {
	t := p.cur()
	if t.kind == tokKeyword {
		switch t.text {
		case "if":
			return p.parseIf()
		case "while":
			return p.parseWhile()
		case "for":
			return p.parseFor()
		case "try":
			return p.parseTry()
		case "def":
			return p.parseDef(nil, false)
		case "async":
			p.advance()
			if !p.atKeyword("def") {
				return nil, p.errf(t.rng, "invalid syntax")
			}
			return p.parseDef(nil, true)
		case "class":
			return p.parseClass(nil)
		case "lambda", "with", "yield", "nonlocal":
			return nil, p.errf(t.rng, "%q is not supported", t.text)
		}
	}
	if p.atOp("@") {
		return p.parseDecorated()
	}
	stmt, err := p.parseSimpleStatement()
	if err != nil {
		return nil, err
	}
	if err := p.expectNewline(); err != nil {
		return nil, err
	}
	return stmt, nil
}

// parseStatements handles one source line: a compound statement, or a
// `;`-separated run of simple statements.
func (p *parser) parseStatements() ([]Node, *parseError) {
	t := p.cur()
	isCompound := p.atOp("@")
	if t.kind == tokKeyword {
		switch t.text {
		case "if", "while", "for", "try", "def", "async", "class":
			isCompound = true
		}
	}
	if isCompound {
		stmt, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		return []Node{stmt}, nil
	}
	var out []Node
	for {
		stmt, err := p.parseSimpleStatement()
		if err != nil {
			return nil, err
		}
		out = append(out, stmt)
		if p.atOp(";") {
			p.advance()
			if p.at(tokNewline) || p.at(tokEOF) {
				break
			}
			continue
		}
		break
	}
	if err := p.expectNewline(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *parser) parseDecorated() (Node, *parseError) {
	var decorators []Expr
	for p.atOp("@") {
		p.advance()
		d, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		decorators = append(decorators, d)
		if err := p.expectNewline(); err != nil {
			return nil, err
		}
		p.skipNewlines()
	}
	switch {
	case p.atKeyword("def"):
		return p.parseDef(decorators, false)
	case p.atKeyword("class"):
		return p.parseClass(decorators)
	}
	return nil, p.errf(p.cur().rng, "expected a function or class after decorators")
}

func (p *parser) parseSimpleStatement() (Node, *parseError) {
	t := p.cur()
	if t.kind == tokKeyword {
		switch t.text {
		case "pass":
			p.advance()
			return &PassStmt{Rng: t.rng}, nil
		case "break":
			p.advance()
			return &BreakStmt{Rng: t.rng}, nil
		case "continue":
			p.advance()
			return &ContinueStmt{Rng: t.rng}, nil
		case "return":
			p.advance()
			var value Expr
			if !p.at(tokNewline) && !p.at(tokEOF) && !p.atOp(";") {
				v, err := p.parseExprOrTuple()
				if err != nil {
					return nil, err
				}
				value = v
			}
			return &ReturnStmt{Rng: t.rng, Value: value}, nil
		case "raise":
			p.advance()
			var exc Expr
			if !p.at(tokNewline) && !p.at(tokEOF) {
				v, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				exc = v
			}
			return &RaiseStmt{Rng: t.rng, Exc: exc}, nil
		case "assert":
			p.advance()
			test, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			var msg Expr
			if p.atOp(",") {
				p.advance()
				msg, err = p.parseExpr()
				if err != nil {
					return nil, err
				}
			}
			return &AssertStmt{Rng: t.rng, Test: test, Msg: msg}, nil
		case "del":
			p.advance()
			target, err := p.parsePostfix()
			if err != nil {
				return nil, err
			}
			switch target.(type) {
			case *Identifier, *IndexExpr:
			default:
				return nil, p.errf(t.rng, "cannot delete this target")
			}
			return &DelStmt{Rng: t.rng, Target: target}, nil
		case "global":
			p.advance()
			var names []string
			for {
				if !p.at(tokName) {
					return nil, p.errf(p.cur().rng, "expected a name")
				}
				names = append(names, p.advance().text)
				if p.atOp(",") {
					p.advance()
					continue
				}
				break
			}
			return &GlobalStmt{Rng: t.rng, Names: names}, nil
		case "import":
			return p.parseImport()
		case "from":
			return p.parseFromImport()
		}
	}
	return p.parseExprStatement()
}

func (p *parser) parseImport() (Node, *parseError) {
	start := p.advance() // import
	if !p.at(tokName) {
		return nil, p.errf(p.cur().rng, "expected a module name")
	}
	name := p.advance()
	return &ImportStmt{
		Rng:     start.rng,
		Module:  name.text,
		ModId:   p.builder.Intern(name.text),
		Binding: &Identifier{Rng: name.rng, Name: name.text},
	}, nil
}

func (p *parser) parseFromImport() (Node, *parseError) {
	start := p.advance() // from
	if !p.at(tokName) {
		return nil, p.errf(p.cur().rng, "expected a module name")
	}
	mod := p.advance()
	if _, err := p.expectKeyword("import"); err != nil {
		return nil, err
	}
	stmt := &ImportStmt{
		Rng:    start.rng,
		Module: mod.text,
		ModId:  p.builder.Intern(mod.text),
	}
	for {
		if !p.at(tokName) {
			return nil, p.errf(p.cur().rng, "expected a name")
		}
		attr := p.advance()
		binding := attr
		if p.atKeyword("as") {
			p.advance()
			if !p.at(tokName) {
				return nil, p.errf(p.cur().rng, "expected a name")
			}
			binding = p.advance()
		}
		stmt.Attrs = append(stmt.Attrs, p.builder.Intern(attr.text))
		stmt.Names = append(stmt.Names, &Identifier{Rng: binding.rng, Name: binding.text})
		if p.atOp(",") {
			p.advance()
			continue
		}
		break
	}
	return stmt, nil
}

var augOps = map[string]binOp{
	"+=": binAdd, "-=": binSub, "*=": binMul, "/=": binDiv,
	"//=": binFloorDiv, "%=": binMod, "**=": binPow,
}

func (p *parser) parseExprStatement() (Node, *parseError) {
	start := p.cur().rng
	target, err := p.parseExprOrTuple()
	if err != nil {
		return nil, err
	}
	if p.cur().kind == tokOp {
		if op, ok := augOps[p.cur().text]; ok {
			switch target.(type) {
			case *Identifier, *AttrExpr, *IndexExpr:
			default:
				return nil, p.errf(start, "invalid augmented assignment target")
			}
			p.advance()
			value, err := p.parseExprOrTuple()
			if err != nil {
				return nil, err
			}
			return &AugAssignStmt{Rng: start, Target: target, Op: op, Value: value}, nil
		}
		if p.atOp("=") {
			p.advance()
			if err := p.checkAssignTarget(target); err != nil {
				return nil, err
			}
			value, err := p.parseExprOrTuple()
			if err != nil {
				return nil, err
			}
			return &AssignStmt{Rng: start, Target: target, Value: value}, nil
		}
	}
	return &ExprStmt{Rng: start, E: target}, nil
}

func (p *parser) checkAssignTarget(e Expr) *parseError {
	switch t := e.(type) {
	case *Identifier, *AttrExpr, *IndexExpr:
		return nil
	case *TupleExpr:
		for _, el := range t.Elts {
			if err := p.checkAssignTarget(el); err != nil {
				return err
			}
		}
		return nil
	case *ListExpr:
		for _, el := range t.Elts {
			if err := p.checkAssignTarget(el); err != nil {
				return err
			}
		}
		return nil
	}
	return p.errf(p.cur().rng, "cannot assign to this expression")
}

func (p *parser) parseIf() (Node, *parseError) {
	start := p.advance() // if
	test, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	body, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	stmt := &IfStmt{Rng: start.rng, Test: test, Body: body}
	p.skipBlanksBeforeKeyword("elif", "else")
	switch {
	case p.atKeyword("elif"):
		nested, err := p.parseIf()
		if err != nil {
			return nil, err
		}
		stmt.Orelse = []Node{nested}
	case p.atKeyword("else"):
		p.advance()
		orelse, err := p.parseBlock()
		if err != nil {
			return nil, err
		}
		stmt.Orelse = orelse
	}
	return stmt, nil
}

// skipBlanksBeforeKeyword tolerates blank lines between a suite and
// its continuation keyword.
func (p *parser) skipBlanksBeforeKeyword(kws ...string) {
	save := p.pos
	for p.at(tokNewline) {
		p.advance()
	}
	for _, kw := range kws {
		if p.atKeyword(kw) {
			return
		}
	}
	p.pos = save
}

func (p *parser) parseWhile() (Node, *parseError) {
	start := p.advance()
	test, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	body, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	stmt := &WhileStmt{Rng: start.rng, Test: test, Body: body}
	p.skipBlanksBeforeKeyword("else")
	if p.atKeyword("else") {
		p.advance()
		orelse, err := p.parseBlock()
		if err != nil {
			return nil, err
		}
		stmt.Orelse = orelse
	}
	return stmt, nil
}

func (p *parser) parseFor() (Node, *parseError) {
	start := p.advance()
	target, err := p.parseTargetList()
	if err != nil {
		return nil, err
	}
	if _, err := p.expectKeyword("in"); err != nil {
		return nil, err
	}
	iter, err := p.parseExprOrTuple()
	if err != nil {
		return nil, err
	}
	body, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	stmt := &ForStmt{Rng: start.rng, Target: target, Iter: iter, Body: body}
	p.skipBlanksBeforeKeyword("else")
	if p.atKeyword("else") {
		p.advance()
		orelse, err := p.parseBlock()
		if err != nil {
			return nil, err
		}
		stmt.Orelse = orelse
	}
	return stmt, nil
}

// parseTargetList parses a for-loop target: name or tuple of names.
func (p *parser) parseTargetList() (Expr, *parseError) {
	first, err := p.parsePostfix()
	if err != nil {
		return nil, err
	}
	if err := p.checkAssignTarget(first); err != nil {
		return nil, err
	}
	if !p.atOp(",") {
		return first, nil
	}
	elts := []Expr{first}
	for p.atOp(",") {
		p.advance()
		if p.atKeyword("in") {
			break
		}
		next, err := p.parsePostfix()
		if err != nil {
			return nil, err
		}
		if err := p.checkAssignTarget(next); err != nil {
			return nil, err
		}
		elts = append(elts, next)
	}
	return &TupleExpr{Rng: first.exprRange(), Elts: elts}, nil
}

func (p *parser) parseTry() (Node, *parseError) {
	start := p.advance()
	body, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	stmt := &TryStmt{Rng: start.rng, Body: body}
	p.skipBlanksBeforeKeyword("except", "else", "finally")
	for p.atKeyword("except") {
		h := ExceptHandler{Rng: p.advance().rng}
		if !p.atOp(":") {
			t, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			h.Type = t
			if p.atKeyword("as") {
				p.advance()
				if !p.at(tokName) {
					return nil, p.errf(p.cur().rng, "expected a name")
				}
				nameTok := p.advance()
				h.Name = &Identifier{Rng: nameTok.rng, Name: nameTok.text}
			}
		}
		hBody, err := p.parseBlock()
		if err != nil {
			return nil, err
		}
		h.Body = hBody
		stmt.Handlers = append(stmt.Handlers, h)
		p.skipBlanksBeforeKeyword("except", "else", "finally")
	}
	if p.atKeyword("else") {
		p.advance()
		orelse, err := p.parseBlock()
		if err != nil {
			return nil, err
		}
		stmt.Orelse = orelse
		p.skipBlanksBeforeKeyword("finally")
	}
	if p.atKeyword("finally") {
		p.advance()
		fin, err := p.parseBlock()
		if err != nil {
			return nil, err
		}
		stmt.Finally = fin
	}
	if len(stmt.Handlers) == 0 && len(stmt.Finally) == 0 {
		return nil, p.errf(start.rng, "expected 'except' or 'finally' block")
	}
	return stmt, nil
}

func (p *parser) parseDef(decorators []Expr, isAsync bool) (Node, *parseError) {
	start := p.advance() // def
	if !p.at(tokName) {
		return nil, p.errf(p.cur().rng, "expected a function name")
	}
	nameTok := p.advance()
	if _, err := p.expectOp("("); err != nil {
		return nil, err
	}
	var params []ParamNode
	seenStar := false
	seenDefault := false
	for !p.atOp(")") {
		switch {
		case p.atOp("*") && p.peekIsOp(1, ",") || p.atOp("*") && p.peekIsOp(1, ")"):
			// bare * : subsequent params are keyword-only
			p.advance()
			seenStar = true
		case p.atOp("*"):
			p.advance()
			if !p.at(tokName) {
				return nil, p.errf(p.cur().rng, "expected a name after *")
			}
			nt := p.advance()
			params = append(params, ParamNode{Rng: nt.rng, Name: nt.text, Kind: paramVarArgs})
			seenStar = true
		case p.atOp("**"):
			p.advance()
			if !p.at(tokName) {
				return nil, p.errf(p.cur().rng, "expected a name after **")
			}
			nt := p.advance()
			params = append(params, ParamNode{Rng: nt.rng, Name: nt.text, Kind: paramKwArgs})
		case p.atOp("/"):
			// everything before / becomes positional-only
			p.advance()
			for i := range params {
				if params[i].Kind == paramPosOrKw {
					params[i].Kind = paramPosOnly
				}
			}
		case p.at(tokName):
			nt := p.advance()
			kind := paramPosOrKw
			if seenStar {
				kind = paramKwOnly
			}
			pn := ParamNode{Rng: nt.rng, Name: nt.text, Kind: kind}
			if p.atOp("=") {
				p.advance()
				def, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				pn.Default = def
				seenDefault = true
			} else if seenDefault && kind == paramPosOrKw {
				return nil, p.errf(nt.rng, "parameter without a default follows parameter with a default")
			}
			// annotations are accepted and discarded
			if p.atOp(":") {
				p.advance()
				if _, err := p.parseExpr(); err != nil {
					return nil, err
				}
				if p.atOp("=") {
					p.advance()
					def, err := p.parseExpr()
					if err != nil {
						return nil, err
					}
					pn.Default = def
					seenDefault = true
				}
			}
			params = append(params, pn)
		default:
			return nil, p.errf(p.cur().rng, "invalid parameter")
		}
		if p.atOp(",") {
			p.advance()
			continue
		}
		break
	}
	if _, err := p.expectOp(")"); err != nil {
		return nil, err
	}
	// return annotation
	if p.atOp("->") {
		p.advance()
		if _, err := p.parseExpr(); err != nil {
			return nil, err
		}
	}
	body, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	return &DefStmt{
		Rng:        start.rng,
		Name:       &Identifier{Rng: nameTok.rng, Name: nameTok.text},
		Params:     params,
		Body:       body,
		Decorators: decorators,
		IsAsync:    isAsync,
	}, nil
}

func (p *parser) peekIsOp(n int, text string) bool {
	if p.pos+n >= len(p.toks) {
		return false
	}
	t := p.toks[p.pos+n]
	return t.kind == tokOp && t.text == text
}

// parseClass accepts the dataclass shape only: an optionally decorated
// class whose body is a field list with annotations and defaults.
func (p *parser) parseClass(decorators []Expr) (Node, *parseError) {
	start := p.advance() // class
	if !p.at(tokName) {
		return nil, p.errf(p.cur().rng, "expected a class name")
	}
	nameTok := p.advance()
	if p.atOp("(") {
		// a base list is accepted and its tokens are skipped unchecked
		p.advance()
		for !p.atOp(")") && !p.at(tokEOF) {
			p.advance()
		}
		if _, err := p.expectOp(")"); err != nil {
			return nil, err
		}
	}
	stmt := &ClassStmt{
		Rng:        start.rng,
		Name:       &Identifier{Rng: nameTok.rng, Name: nameTok.text},
		Decorators: decorators,
	}
	if _, err := p.expectOp(":"); err != nil {
		return nil, err
	}
	if err := p.expectNewline(); err != nil {
		return nil, err
	}
	if !p.at(tokIndent) {
		return nil, p.errf(p.cur().rng, "expected an indented block")
	}
	p.advance()
	for !p.at(tokDedent) && !p.at(tokEOF) {
		if p.skipNewlines() {
			continue
		}
		if p.atKeyword("pass") {
			p.advance()
			if err := p.expectNewline(); err != nil {
				return nil, err
			}
			continue
		}
		if !p.at(tokName) {
			return nil, p.errf(p.cur().rng, "only field declarations are supported in classes")
		}
		fieldTok := p.advance()
		field := ClassField{Rng: fieldTok.rng, Name: fieldTok.text, NameId: p.builder.Intern(fieldTok.text)}
		if p.atOp(":") {
			p.advance()
			if _, err := p.parseExpr(); err != nil { // annotation, discarded
				return nil, err
			}
		}
		if p.atOp("=") {
			p.advance()
			def, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			field.Default = def
		}
		if err := p.expectNewline(); err != nil {
			return nil, err
		}
		stmt.Fields = append(stmt.Fields, field)
	}
	if p.at(tokDedent) {
		p.advance()
	}
	return stmt, nil
}

// ---- expressions ----

// parseExprOrTuple parses an expression, collecting a bare comma list
// into a tuple.
func (p *parser) parseExprOrTuple() (Expr, *parseError) {
	first, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if !p.atOp(",") {
		return first, nil
	}
	elts := []Expr{first}
	for p.atOp(",") {
		p.advance()
		if p.at(tokNewline) || p.at(tokEOF) || p.atOp("=") || p.atOp(")") || p.atOp("]") || p.atOp("}") || p.atOp(":") {
			break
		}
		next, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		elts = append(elts, next)
	}
	return &TupleExpr{Rng: first.exprRange(), Elts: elts}, nil
}

// parseExpr is the ternary level.
func (p *parser) parseExpr() (Expr, *parseError) {
	body, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.atKeyword("if") {
		p.advance()
		test, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expectKeyword("else"); err != nil {
			return nil, err
		}
		orelse, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &CondExpr{Rng: body.exprRange(), Test: test, Body: body, Orelse: orelse}, nil
	}
	return body, nil
}

func (p *parser) parseOr() (Expr, *parseError) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.atKeyword("or") {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &BoolOpExpr{Rng: left.exprRange(), Op: boolOr, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, *parseError) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.atKeyword("and") {
		p.advance()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &BoolOpExpr{Rng: left.exprRange(), Op: boolAnd, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Expr, *parseError) {
	if p.atKeyword("not") {
		t := p.advance()
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Rng: t.rng, Op: unaryNot, Operand: operand}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (Expr, *parseError) {
	left, err := p.parseArith()
	if err != nil {
		return nil, err
	}
	var ops []cmpOp
	var comparators []Expr
	for {
		op, ok, perr := p.nextCmpOp()
		if perr != nil {
			return nil, perr
		}
		if !ok {
			break
		}
		right, err := p.parseArith()
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
		comparators = append(comparators, right)
	}
	if len(ops) == 0 {
		return left, nil
	}
	return &CompareExpr{Rng: left.exprRange(), Left: left, Ops: ops, Comparators: comparators}, nil
}

// nextCmpOp consumes one comparison operator if present.
func (p *parser) nextCmpOp() (cmpOp, bool, *parseError) {
	switch {
	case p.atOp("=="):
		p.advance()
		return cmpEq, true, nil
	case p.atOp("!="):
		p.advance()
		return cmpNe, true, nil
	case p.atOp("<"):
		p.advance()
		return cmpLt, true, nil
	case p.atOp("<="):
		p.advance()
		return cmpLe, true, nil
	case p.atOp(">"):
		p.advance()
		return cmpGt, true, nil
	case p.atOp(">="):
		p.advance()
		return cmpGe, true, nil
	case p.atKeyword("is"):
		p.advance()
		if p.atKeyword("not") {
			p.advance()
			return cmpIsNot, true, nil
		}
		return cmpIs, true, nil
	case p.atKeyword("in"):
		p.advance()
		return cmpIn, true, nil
	case p.atKeyword("not") && p.peekIsKeyword(1, "in"):
		p.advance()
		p.advance()
		return cmpNotIn, true, nil
	}
	return 0, false, nil
}

func (p *parser) peekIsKeyword(n int, kw string) bool {
	if p.pos+n >= len(p.toks) {
		return false
	}
	t := p.toks[p.pos+n]
	return t.kind == tokKeyword && t.text == kw
}

func (p *parser) parseArith() (Expr, *parseError) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.atOp("+") || p.atOp("-") {
		op := binAdd
		if p.cur().text == "-" {
			op = binSub
		}
		p.advance()
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Rng: left.exprRange(), Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseTerm() (Expr, *parseError) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for {
		var op binOp
		switch {
		case p.atOp("*"):
			op = binMul
		case p.atOp("/"):
			op = binDiv
		case p.atOp("//"):
			op = binFloorDiv
		case p.atOp("%"):
			op = binMod
		default:
			return left, nil
		}
		p.advance()
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Rng: left.exprRange(), Op: op, Left: left, Right: right}
	}
}

func (p *parser) parseFactor() (Expr, *parseError) {
	if p.atOp("-") || p.atOp("+") {
		t := p.advance()
		operand, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		op := unaryNeg
		if t.text == "+" {
			op = unaryPos
		}
		return &UnaryExpr{Rng: t.rng, Op: op, Operand: operand}, nil
	}
	return p.parsePower()
}

func (p *parser) parsePower() (Expr, *parseError) {
	base, err := p.parseAwait()
	if err != nil {
		return nil, err
	}
	if p.atOp("**") {
		p.advance()
		exp, err := p.parseFactor() // right associative
		if err != nil {
			return nil, err
		}
		return &BinaryExpr{Rng: base.exprRange(), Op: binPow, Left: base, Right: exp}, nil
	}
	return base, nil
}

func (p *parser) parseAwait() (Expr, *parseError) {
	if p.atKeyword("await") {
		t := p.advance()
		v, err := p.parseAwait()
		if err != nil {
			return nil, err
		}
		return &AwaitExpr{Rng: t.rng, Value: v}, nil
	}
	return p.parsePostfix()
}

// parsePostfix parses an atom followed by call, attribute and
// subscript trailers.
func (p *parser) parsePostfix() (Expr, *parseError) {
	e, err := p.parseAtom()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.atOp("("):
			call, err := p.parseCallArgs(e)
			if err != nil {
				return nil, err
			}
			e = call
		case p.atOp("."):
			p.advance()
			if !p.at(tokName) {
				return nil, p.errf(p.cur().rng, "expected an attribute name")
			}
			attr := p.advance()
			e = &AttrExpr{Rng: attr.rng, Value: e, Attr: attr.text, AttrId: p.builder.Intern(attr.text)}
		case p.atOp("["):
			open := p.advance()
			idx, err := p.parseSubscript()
			if err != nil {
				return nil, err
			}
			if _, err := p.expectOp("]"); err != nil {
				return nil, err
			}
			e = &IndexExpr{Rng: open.rng, Value: e, Index: idx}
		default:
			return e, nil
		}
	}
}

func (p *parser) parseSubscript() (Expr, *parseError) {
	var lo, hi, step Expr
	var err *parseError
	rng := p.cur().rng
	if !p.atOp(":") {
		lo, err = p.parseExpr()
		if err != nil {
			return nil, err
		}
		if !p.atOp(":") {
			return lo, nil
		}
	}
	p.advance() // first ':'
	if !p.atOp(":") && !p.atOp("]") {
		hi, err = p.parseExpr()
		if err != nil {
			return nil, err
		}
	}
	if p.atOp(":") {
		p.advance()
		if !p.atOp("]") {
			step, err = p.parseExpr()
			if err != nil {
				return nil, err
			}
		}
	}
	return &SliceExpr{Rng: rng, Lo: lo, Hi: hi, Step: step}, nil
}

func (p *parser) parseCallArgs(fn Expr) (Expr, *parseError) {
	open := p.advance() // (
	call := &CallExpr{Rng: open.rng, Func: fn}
	for !p.atOp(")") {
		switch {
		case p.atOp("*"):
			p.advance()
			star, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			call.StarArg = star
		case p.atOp("**"):
			p.advance()
			kwstar, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			call.KwStar = kwstar
		case p.at(tokName) && p.peekIsOp(1, "="):
			nameTok := p.advance()
			p.advance() // =
			v, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			call.KwNames = append(call.KwNames, p.builder.Intern(nameTok.text))
			call.KwValues = append(call.KwValues, v)
		default:
			if len(call.KwNames) > 0 {
				return nil, p.errf(p.cur().rng, "positional argument follows keyword argument")
			}
			v, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			call.Args = append(call.Args, v)
		}
		if p.atOp(",") {
			p.advance()
			continue
		}
		break
	}
	if _, err := p.expectOp(")"); err != nil {
		return nil, err
	}
	return call, nil
}

func (p *parser) parseAtom() (Expr, *parseError) {
	t := p.cur()
	switch t.kind {
	case tokInt:
		p.advance()
		return &Literal{Rng: t.rng, Kind: litInt, Int: t.intVal}, nil
	case tokBigInt:
		p.advance()
		bi, _ := new(big.Int).SetString(t.bigVal, 10)
		return &Literal{Rng: t.rng, Kind: litBigInt, BigInt: bi, LongId: p.builder.InternLongInt(bi)}, nil
	case tokFloat:
		p.advance()
		return &Literal{Rng: t.rng, Kind: litFloat, Float: t.floatVal}, nil
	case tokStr:
		p.advance()
		// adjacent string literals concatenate
		s := t.strVal
		for p.at(tokStr) {
			s += p.advance().strVal
		}
		return &Literal{Rng: t.rng, Kind: litStr, StrId: p.builder.Intern(s)}, nil
	case tokBytes:
		p.advance()
		return &Literal{Rng: t.rng, Kind: litBytes, BytesId: p.builder.InternBytes(t.byteVal)}, nil
	case tokFStringStart:
		p.advance()
		return p.buildFString(t)
	case tokName:
		p.advance()
		return &Identifier{Rng: t.rng, Name: t.text}, nil
	case tokKeyword:
		switch t.text {
		case "None":
			p.advance()
			return &Literal{Rng: t.rng, Kind: litNone}, nil
		case "True":
			p.advance()
			return &Literal{Rng: t.rng, Kind: litTrue}, nil
		case "False":
			p.advance()
			return &Literal{Rng: t.rng, Kind: litFalse}, nil
		}
	case tokOp:
		switch t.text {
		case "(":
			p.advance()
			if p.atOp(")") {
				p.advance()
				return &TupleExpr{Rng: t.rng}, nil
			}
			inner, err := p.parseExprOrTuple()
			if err != nil {
				return nil, err
			}
			if _, err := p.expectOp(")"); err != nil {
				return nil, err
			}
			return inner, nil
		case "[":
			p.advance()
			lst := &ListExpr{Rng: t.rng}
			for !p.atOp("]") {
				el, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				lst.Elts = append(lst.Elts, el)
				if p.atOp(",") {
					p.advance()
					continue
				}
				break
			}
			if _, err := p.expectOp("]"); err != nil {
				return nil, err
			}
			return lst, nil
		case "{":
			return p.parseBraces()
		case "...":
			p.advance()
			return &Literal{Rng: t.rng, Kind: litEllipsis}, nil
		}
	}
	return nil, p.errf(t.rng, "invalid syntax")
}

// parseBraces disambiguates dict and set literals; `{}` is a dict.
func (p *parser) parseBraces() (Expr, *parseError) {
	open := p.advance() // {
	if p.atOp("}") {
		p.advance()
		return &DictExpr{Rng: open.rng}, nil
	}
	first, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.atOp(":") {
		d := &DictExpr{Rng: open.rng}
		p.advance()
		v, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		d.Keys = append(d.Keys, first)
		d.Values = append(d.Values, v)
		for p.atOp(",") {
			p.advance()
			if p.atOp("}") {
				break
			}
			k, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expectOp(":"); err != nil {
				return nil, err
			}
			v, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			d.Keys = append(d.Keys, k)
			d.Values = append(d.Values, v)
		}
		if _, err := p.expectOp("}"); err != nil {
			return nil, err
		}
		return d, nil
	}
	s := &SetExpr{Rng: open.rng, Elts: []Expr{first}}
	for p.atOp(",") {
		p.advance()
		if p.atOp("}") {
			break
		}
		el, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		s.Elts = append(s.Elts, el)
	}
	if _, err := p.expectOp("}"); err != nil {
		return nil, err
	}
	return s, nil
}

// buildFString parses the embedded expressions of a lexed f-string.
func (p *parser) buildFString(t token) (Expr, *parseError) {
	f := &FStringExpr{Rng: t.rng}
	for _, part := range t.fparts {
		if !part.isExpr {
			f.Parts = append(f.Parts, FStringPartNode{LiteralId: p.builder.Intern(part.literal)})
			continue
		}
		sub, err := parseEmbeddedExpr(part.expr, part.exprOff, p.builder)
		if err != nil {
			return nil, err
		}
		node := FStringPartNode{Expr: sub, Conv: part.conv}
		if part.spec != "" {
			node.SpecId = p.builder.Intern(part.spec)
			node.HasSpec = true
		}
		f.Parts = append(f.Parts, node)
	}
	return f, nil
}

// parseEmbeddedExpr parses one f-string expression fragment.
func parseEmbeddedExpr(src string, off uint32, builder *InternsBuilder) (Expr, *parseError) {
	lx := newLexer(src)
	var toks []token
	for {
		tk, lerr := lx.next()
		if lerr != nil {
			return nil, &parseError{msg: lerr.msg, rng: NewCodeRange(int(off), int(off)+len(src))}
		}
		// rebase ranges onto the enclosing source
		tk.rng.Start += off
		tk.rng.End += off
		toks = append(toks, tk)
		if tk.kind == tokEOF {
			break
		}
	}
	sub := &parser{toks: toks, builder: builder, src: src}
	e, err := sub.parseExpr()
	if err != nil {
		return nil, err
	}
	return e, nil
}

