package monty

// The prepare phase attaches (slot, scope) to every identifier, builds
// the function table, and decides the cell layout for closures.  The
// compiler consumes its output without doing any name resolution of
// its own.

// globalTable maps module-level names to stable slots.  The REPL keeps
// one alive across snippets, appending slots for newly introduced
// names while old indices stay valid.
type globalTable struct {
	slots map[string]uint16
	names []StringId
}

func newGlobalTable() *globalTable {
	return &globalTable{slots: map[string]uint16{}}
}

func (g *globalTable) slot(name string, id StringId) uint16 {
	if s, ok := g.slots[name]; ok {
		return s
	}
	s := uint16(len(g.names))
	g.slots[name] = s
	g.names = append(g.names, id)
	return s
}

func (g *globalTable) numSlots() int { return len(g.names) }

// preparedFunction pairs a runtime functionInfo with the compile-time
// pieces: the body AST, the default expressions (evaluated at the def
// site), and the enclosing-frame slots to push before MakeClosure.
type preparedFunction struct {
	info      *functionInfo
	body      []Node
	defaults  []Expr
	captures  []uint16
	numLocals uint16
	isAsync   bool
}

type prepared struct {
	module     []Node
	functions  []*preparedFunction
	globals    *globalTable
	funcOffset int
}

// fnScope is one function's symbol table during preparation.
type fnScope struct {
	parent  *fnScope
	def     *DefStmt
	order   []string
	names   map[string]*localName
	globals map[string]bool
	free    []string
	pf      *preparedFunction
}

type localName struct {
	slot   uint16
	isCell bool
	isFree bool
}

func (s *fnScope) declare(name string) *localName {
	if ln, ok := s.names[name]; ok {
		return ln
	}
	ln := &localName{}
	s.names[name] = ln
	s.order = append(s.order, name)
	return ln
}

type preparer struct {
	builder    *InternsBuilder
	globals    *globalTable
	funcs      []*preparedFunction
	funcOffset int
	err        *parseError
}

// prepareModule resolves the module; funcIdOffset shifts assigned
// FunctionIds so REPL snippets append to a cumulative function table.
func prepareModule(module []Node, builder *InternsBuilder, globals *globalTable, funcIdOffset int) (*prepared, *parseError) {
	p := &preparer{builder: builder, globals: globals, funcOffset: funcIdOffset}

	// pass 1: build the scope tree and assigned-name sets
	root := &fnScope{names: map[string]*localName{}, globals: map[string]bool{}}
	p.collectBlock(module, root, true)
	if p.err != nil {
		return nil, p.err
	}

	// pass 2: mark cells by finding free references
	p.markFree(module, root)
	if p.err != nil {
		return nil, p.err
	}

	// pass 3: assign slots and resolve every identifier
	p.resolveBlock(module, root, true)
	if p.err != nil {
		return nil, p.err
	}

	return &prepared{module: module, functions: p.funcs, globals: p.globals, funcOffset: funcIdOffset}, nil
}

// ---- pass 1: collect assigned names ----

func (p *preparer) collectBlock(body []Node, scope *fnScope, isModule bool) {
	for _, stmt := range body {
		p.collectStmt(stmt, scope, isModule)
	}
}

func (p *preparer) collectStmt(stmt Node, scope *fnScope, isModule bool) {
	switch s := stmt.(type) {
	case *AssignStmt:
		p.collectTarget(s.Target, scope, isModule)
	case *AugAssignStmt:
		p.collectTarget(s.Target, scope, isModule)
	case *ForStmt:
		p.collectTarget(s.Target, scope, isModule)
		p.collectBlock(s.Body, scope, isModule)
		p.collectBlock(s.Orelse, scope, isModule)
	case *WhileStmt:
		p.collectBlock(s.Body, scope, isModule)
		p.collectBlock(s.Orelse, scope, isModule)
	case *IfStmt:
		p.collectBlock(s.Body, scope, isModule)
		p.collectBlock(s.Orelse, scope, isModule)
	case *TryStmt:
		p.collectBlock(s.Body, scope, isModule)
		for i := range s.Handlers {
			if s.Handlers[i].Name != nil {
				p.collectName(s.Handlers[i].Name.Name, scope, isModule)
			}
			p.collectBlock(s.Handlers[i].Body, scope, isModule)
		}
		p.collectBlock(s.Orelse, scope, isModule)
		p.collectBlock(s.Finally, scope, isModule)
	case *GlobalStmt:
		for _, name := range s.Names {
			scope.globals[name] = true
		}
	case *ImportStmt:
		if s.Binding != nil {
			p.collectName(s.Binding.Name, scope, isModule)
		}
		for _, n := range s.Names {
			p.collectName(n.Name, scope, isModule)
		}
	case *DefStmt:
		p.collectName(s.Name.Name, scope, isModule)
		sub := &fnScope{parent: scope, def: s, names: map[string]*localName{}, globals: map[string]bool{}}
		for _, param := range s.Params {
			sub.declare(param.Name)
		}
		p.collectBlock(s.Body, sub, false)
		s.scope = sub
	case *ClassStmt:
		p.collectName(s.Name.Name, scope, isModule)
	case *DelStmt:
		// deleting does not introduce a binding
	}
}

func (p *preparer) collectTarget(target Expr, scope *fnScope, isModule bool) {
	switch t := target.(type) {
	case *Identifier:
		p.collectName(t.Name, scope, isModule)
	case *TupleExpr:
		for _, el := range t.Elts {
			p.collectTarget(el, scope, isModule)
		}
	case *ListExpr:
		for _, el := range t.Elts {
			p.collectTarget(el, scope, isModule)
		}
	}
}

func (p *preparer) collectName(name string, scope *fnScope, isModule bool) {
	if isModule {
		p.globals.slot(name, p.builder.Intern(name))
		return
	}
	if scope.globals[name] {
		p.globals.slot(name, p.builder.Intern(name))
		return
	}
	scope.declare(name)
}

// ---- pass 2: find free references, mark cells ----

func (p *preparer) markFree(body []Node, scope *fnScope) {
	walkIdentifiers(body, func(id *Identifier, inScope *fnScope) {
		p.noteReference(id.Name, inScope)
	}, scope)
}

// noteReference resolves a name seen in `scope` and, when it lives in
// an enclosing function, marks the owner's local a cell and threads a
// free variable through every intermediate scope.
func (p *preparer) noteReference(name string, scope *fnScope) {
	if scope == nil || scope.parent == nil {
		return // module level: globals only
	}
	if scope.globals[name] {
		return
	}
	if _, ok := scope.names[name]; ok {
		return
	}
	// search enclosing function scopes
	for anc := scope.parent; anc != nil && anc.parent != nil; anc = anc.parent {
		if anc.globals[name] {
			return
		}
		if ln, ok := anc.names[name]; ok {
			ln.isCell = true
			p.ensureFree(scope, anc, name)
			return
		}
	}
	// falls through to module globals or builtins at resolve time
}

func (p *preparer) ensureFree(scope, owner *fnScope, name string) {
	for s := scope; s != owner; s = s.parent {
		if _, ok := s.names[name]; ok {
			return
		}
		ln := s.declare(name)
		ln.isFree = true
		ln.isCell = true
		s.free = append(s.free, name)
	}
}

// ---- pass 3: slot assignment and identifier resolution ----

func (p *preparer) resolveBlock(body []Node, scope *fnScope, isModule bool) {
	for _, stmt := range body {
		p.resolveStmt(stmt, scope, isModule)
	}
}

func (p *preparer) resolveStmt(stmt Node, scope *fnScope, isModule bool) {
	switch s := stmt.(type) {
	case *ExprStmt:
		p.resolveExpr(s.E, scope, isModule)
	case *AssignStmt:
		p.resolveExpr(s.Value, scope, isModule)
		p.resolveExpr(s.Target, scope, isModule)
	case *AugAssignStmt:
		p.resolveExpr(s.Value, scope, isModule)
		p.resolveExpr(s.Target, scope, isModule)
	case *IfStmt:
		p.resolveExpr(s.Test, scope, isModule)
		p.resolveBlock(s.Body, scope, isModule)
		p.resolveBlock(s.Orelse, scope, isModule)
	case *WhileStmt:
		p.resolveExpr(s.Test, scope, isModule)
		p.resolveBlock(s.Body, scope, isModule)
		p.resolveBlock(s.Orelse, scope, isModule)
	case *ForStmt:
		p.resolveExpr(s.Iter, scope, isModule)
		p.resolveExpr(s.Target, scope, isModule)
		p.resolveBlock(s.Body, scope, isModule)
		p.resolveBlock(s.Orelse, scope, isModule)
	case *ReturnStmt:
		if s.Value != nil {
			p.resolveExpr(s.Value, scope, isModule)
		}
	case *RaiseStmt:
		if s.Exc != nil {
			p.resolveExpr(s.Exc, scope, isModule)
		}
	case *TryStmt:
		p.resolveBlock(s.Body, scope, isModule)
		for i := range s.Handlers {
			h := &s.Handlers[i]
			if h.Type != nil {
				p.resolveExpr(h.Type, scope, isModule)
			}
			if h.Name != nil {
				p.resolveExpr(h.Name, scope, isModule)
			}
			p.resolveBlock(h.Body, scope, isModule)
		}
		p.resolveBlock(s.Orelse, scope, isModule)
		p.resolveBlock(s.Finally, scope, isModule)
	case *AssertStmt:
		p.resolveExpr(s.Test, scope, isModule)
		if s.Msg != nil {
			p.resolveExpr(s.Msg, scope, isModule)
		}
	case *DelStmt:
		p.resolveExpr(s.Target, scope, isModule)
	case *ImportStmt:
		if s.Binding != nil {
			p.resolveExpr(s.Binding, scope, isModule)
		}
		for _, n := range s.Names {
			p.resolveExpr(n, scope, isModule)
		}
	case *DefStmt:
		p.resolveDef(s, scope, isModule)
	case *ClassStmt:
		p.resolveClass(s, scope, isModule)
	}
}

func (p *preparer) resolveDef(s *DefStmt, scope *fnScope, isModule bool) {
	sub := s.scope

	// defaults evaluate in the enclosing scope at the def site
	var defaults []Expr
	for i := range s.Params {
		if s.Params[i].Default != nil {
			p.resolveExpr(s.Params[i].Default, scope, isModule)
			defaults = append(defaults, s.Params[i].Default)
		}
	}

	// slot assignment: params first, then remaining locals in
	// declaration order, free variables keeping their slots too
	info := &functionInfo{name: p.builder.Intern(s.Name.Name)}
	slot := uint16(0)
	for _, name := range sub.order {
		ln := sub.names[name]
		ln.slot = slot
		slot++
	}
	for _, param := range s.Params {
		ln := sub.names[param.Name]
		info.params = append(info.params, param2{
			name:       p.builder.Intern(param.Name),
			slot:       ln.slot,
			kind:       param.Kind,
			hasDefault: param.Default != nil,
		}.asParam())
	}
	for _, name := range sub.order {
		ln := sub.names[name]
		if ln.isFree {
			info.freeCells = append(info.freeCells, ln.slot)
		} else if ln.isCell {
			info.ownCells = append(info.ownCells, ln.slot)
		}
	}

	pf := &preparedFunction{info: info, body: s.Body, defaults: defaults, numLocals: slot, isAsync: s.IsAsync}
	sub.pf = pf
	s.FuncId = FunctionId(p.funcOffset + len(p.funcs))
	p.funcs = append(p.funcs, pf)

	// captures: for each free name, the slot in the ENCLOSING frame
	// holding the cell (the enclosing's own cell or its pass-through
	// free slot)
	for _, name := range sub.free {
		if ln, ok := scope.names[name]; ok && scope.parent != nil {
			pf.captures = append(pf.captures, ln.slot)
		}
	}

	// resolve the binding of the function name in the enclosing scope
	p.resolveExpr(s.Name, scope, isModule)

	// recurse into the body with the function's own scope
	p.resolveBlock(s.Body, sub, false)

	info.code = nil // filled by the compiler
}

// param2 is a tiny builder bridging ParamNode and the runtime param.
type param2 struct {
	name       StringId
	slot       uint16
	kind       paramKind
	hasDefault bool
}

func (p2 param2) asParam() param {
	return param{name: p2.name, slot: p2.slot, kind: p2.kind, hasDefault: p2.hasDefault}
}

func (p *preparer) resolveClass(s *ClassStmt, scope *fnScope, isModule bool) {
	// decorator shape decides the dataclass flags
	for _, d := range s.Decorators {
		switch dec := d.(type) {
		case *Identifier:
			if dec.Name == "dataclass" {
				s.IsDataclass = true
			}
		case *CallExpr:
			if fn, ok := dec.Func.(*Identifier); ok && fn.Name == "dataclass" {
				s.IsDataclass = true
				for i, kw := range dec.KwNames {
					if p.builder.Intern("frozen") == kw {
						if lit, ok := dec.KwValues[i].(*Literal); ok && lit.Kind == litTrue {
							s.Frozen = true
						}
					}
				}
			}
		}
	}
	if !s.IsDataclass {
		p.err = &parseError{msg: "only dataclass-shaped classes are supported", rng: s.Rng}
		return
	}
	for i := range s.Fields {
		// a field(default=…) call collapses to the default itself;
		// field() with no default means required
		if call, ok := s.Fields[i].Default.(*CallExpr); ok {
			if fn, ok := call.Func.(*Identifier); ok && fn.Name == "field" {
				s.Fields[i].Default = nil
				defaultId := p.builder.Intern("default")
				for j, kw := range call.KwNames {
					if kw == defaultId {
						s.Fields[i].Default = call.KwValues[j]
					}
				}
			}
		}
		if s.Fields[i].Default != nil {
			p.resolveExpr(s.Fields[i].Default, scope, isModule)
		}
	}
	p.resolveExpr(s.Name, scope, isModule)
}

func (p *preparer) resolveExpr(e Expr, scope *fnScope, isModule bool) {
	switch x := e.(type) {
	case *Identifier:
		p.resolveIdentifier(x, scope, isModule)
	case *UnaryExpr:
		p.resolveExpr(x.Operand, scope, isModule)
	case *BinaryExpr:
		p.resolveExpr(x.Left, scope, isModule)
		p.resolveExpr(x.Right, scope, isModule)
	case *BoolOpExpr:
		p.resolveExpr(x.Left, scope, isModule)
		p.resolveExpr(x.Right, scope, isModule)
	case *CompareExpr:
		p.resolveExpr(x.Left, scope, isModule)
		for _, c := range x.Comparators {
			p.resolveExpr(c, scope, isModule)
		}
	case *CallExpr:
		p.resolveExpr(x.Func, scope, isModule)
		for _, a := range x.Args {
			p.resolveExpr(a, scope, isModule)
		}
		if x.StarArg != nil {
			p.resolveExpr(x.StarArg, scope, isModule)
		}
		for _, v := range x.KwValues {
			p.resolveExpr(v, scope, isModule)
		}
		if x.KwStar != nil {
			p.resolveExpr(x.KwStar, scope, isModule)
		}
	case *AttrExpr:
		p.resolveExpr(x.Value, scope, isModule)
	case *IndexExpr:
		p.resolveExpr(x.Value, scope, isModule)
		p.resolveExpr(x.Index, scope, isModule)
	case *SliceExpr:
		if x.Lo != nil {
			p.resolveExpr(x.Lo, scope, isModule)
		}
		if x.Hi != nil {
			p.resolveExpr(x.Hi, scope, isModule)
		}
		if x.Step != nil {
			p.resolveExpr(x.Step, scope, isModule)
		}
	case *ListExpr:
		for _, el := range x.Elts {
			p.resolveExpr(el, scope, isModule)
		}
	case *TupleExpr:
		for _, el := range x.Elts {
			p.resolveExpr(el, scope, isModule)
		}
	case *SetExpr:
		for _, el := range x.Elts {
			p.resolveExpr(el, scope, isModule)
		}
	case *DictExpr:
		for i := range x.Keys {
			p.resolveExpr(x.Keys[i], scope, isModule)
			p.resolveExpr(x.Values[i], scope, isModule)
		}
	case *CondExpr:
		p.resolveExpr(x.Test, scope, isModule)
		p.resolveExpr(x.Body, scope, isModule)
		p.resolveExpr(x.Orelse, scope, isModule)
	case *FStringExpr:
		for i := range x.Parts {
			if x.Parts[i].Expr != nil {
				p.resolveExpr(x.Parts[i].Expr, scope, isModule)
			}
		}
	case *AwaitExpr:
		p.resolveExpr(x.Value, scope, isModule)
	}
}

func (p *preparer) resolveIdentifier(id *Identifier, scope *fnScope, isModule bool) {
	id.NameId = p.builder.Intern(id.Name)
	if !isModule && scope != nil && scope.parent != nil {
		if !scope.globals[id.Name] {
			if ln, ok := scope.names[id.Name]; ok {
				id.Slot = ln.slot
				if ln.isCell {
					id.Scope = ScopeCell
				} else {
					id.Scope = ScopeLocal
				}
				return
			}
			// free in an enclosing function already threaded into
			// this scope by markFree; reaching here means global or
			// builtin
		}
	}
	if slot, ok := p.globals.slots[id.Name]; ok {
		id.Slot = slot
		id.Scope = ScopeGlobal
		return
	}
	if b, ok := builtinByName(id.Name); ok {
		id.Scope = ScopeBuiltin
		id.Builtin = b
		return
	}
	// unresolved: a fresh global slot so the load raises NameError
	id.Slot = p.globals.slot(id.Name, id.NameId)
	id.Scope = ScopeGlobal
}

// walkIdentifiers visits every identifier reference in the tree,
// tracking which function scope it appears in.
func walkIdentifiers(body []Node, fn func(*Identifier, *fnScope), scope *fnScope) {
	var walkExpr func(Expr, *fnScope)
	var walkStmt func(Node, *fnScope)

	walkExpr = func(e Expr, s *fnScope) {
		switch x := e.(type) {
		case *Identifier:
			fn(x, s)
		case *UnaryExpr:
			walkExpr(x.Operand, s)
		case *BinaryExpr:
			walkExpr(x.Left, s)
			walkExpr(x.Right, s)
		case *BoolOpExpr:
			walkExpr(x.Left, s)
			walkExpr(x.Right, s)
		case *CompareExpr:
			walkExpr(x.Left, s)
			for _, c := range x.Comparators {
				walkExpr(c, s)
			}
		case *CallExpr:
			walkExpr(x.Func, s)
			for _, a := range x.Args {
				walkExpr(a, s)
			}
			if x.StarArg != nil {
				walkExpr(x.StarArg, s)
			}
			for _, v := range x.KwValues {
				walkExpr(v, s)
			}
			if x.KwStar != nil {
				walkExpr(x.KwStar, s)
			}
		case *AttrExpr:
			walkExpr(x.Value, s)
		case *IndexExpr:
			walkExpr(x.Value, s)
			walkExpr(x.Index, s)
		case *SliceExpr:
			if x.Lo != nil {
				walkExpr(x.Lo, s)
			}
			if x.Hi != nil {
				walkExpr(x.Hi, s)
			}
			if x.Step != nil {
				walkExpr(x.Step, s)
			}
		case *ListExpr:
			for _, el := range x.Elts {
				walkExpr(el, s)
			}
		case *TupleExpr:
			for _, el := range x.Elts {
				walkExpr(el, s)
			}
		case *SetExpr:
			for _, el := range x.Elts {
				walkExpr(el, s)
			}
		case *DictExpr:
			for i := range x.Keys {
				walkExpr(x.Keys[i], s)
				walkExpr(x.Values[i], s)
			}
		case *CondExpr:
			walkExpr(x.Test, s)
			walkExpr(x.Body, s)
			walkExpr(x.Orelse, s)
		case *FStringExpr:
			for i := range x.Parts {
				if x.Parts[i].Expr != nil {
					walkExpr(x.Parts[i].Expr, s)
				}
			}
		case *AwaitExpr:
			walkExpr(x.Value, s)
		}
	}

	walkStmt = func(n Node, s *fnScope) {
		switch x := n.(type) {
		case *ExprStmt:
			walkExpr(x.E, s)
		case *AssignStmt:
			walkExpr(x.Value, s)
			walkExpr(x.Target, s)
		case *AugAssignStmt:
			walkExpr(x.Value, s)
			walkExpr(x.Target, s)
		case *IfStmt:
			walkExpr(x.Test, s)
			for _, b := range x.Body {
				walkStmt(b, s)
			}
			for _, b := range x.Orelse {
				walkStmt(b, s)
			}
		case *WhileStmt:
			walkExpr(x.Test, s)
			for _, b := range x.Body {
				walkStmt(b, s)
			}
			for _, b := range x.Orelse {
				walkStmt(b, s)
			}
		case *ForStmt:
			walkExpr(x.Iter, s)
			walkExpr(x.Target, s)
			for _, b := range x.Body {
				walkStmt(b, s)
			}
			for _, b := range x.Orelse {
				walkStmt(b, s)
			}
		case *ReturnStmt:
			if x.Value != nil {
				walkExpr(x.Value, s)
			}
		case *RaiseStmt:
			if x.Exc != nil {
				walkExpr(x.Exc, s)
			}
		case *TryStmt:
			for _, b := range x.Body {
				walkStmt(b, s)
			}
			for i := range x.Handlers {
				if x.Handlers[i].Type != nil {
					walkExpr(x.Handlers[i].Type, s)
				}
				for _, b := range x.Handlers[i].Body {
					walkStmt(b, s)
				}
			}
			for _, b := range x.Orelse {
				walkStmt(b, s)
			}
			for _, b := range x.Finally {
				walkStmt(b, s)
			}
		case *AssertStmt:
			walkExpr(x.Test, s)
			if x.Msg != nil {
				walkExpr(x.Msg, s)
			}
		case *DelStmt:
			walkExpr(x.Target, s)
		case *DefStmt:
			for i := range x.Params {
				if x.Params[i].Default != nil {
					walkExpr(x.Params[i].Default, s)
				}
			}
			for _, b := range x.Body {
				walkStmt(b, x.scope)
			}
		case *ClassStmt:
			for i := range x.Fields {
				if x.Fields[i].Default != nil {
					walkExpr(x.Fields[i].Default, s)
				}
			}
		}
	}

	for _, n := range body {
		walkStmt(n, scope)
	}
}
