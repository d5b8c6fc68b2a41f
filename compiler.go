package monty

import "fmt"

// program is everything the VM needs to run one compiled module: the
// module Code, the function and dataclass tables, the frozen interns,
// and the global-name layout.
type program struct {
	moduleCode  *Code
	functions   []*functionInfo
	dataclasses []*dataclassDescriptor
	interns     *Interns
	globals     *globalTable
	filename    string
	source      string
	inputSlots  []uint16
	extSlots    []uint16 // global slots holding external function values
	extNames    []string
}

// compileError is a SyntaxError produced by the compiler itself:
// over-limit operands, jump distances, argument counts.
type compileError struct {
	msg string
	rng CodeRange
}

// compiler lowers the prepared AST into Code objects.
type compiler struct {
	code     *codeBuilder
	prep     *prepared
	dcs      []*dataclassDescriptor
	dcOffset int
	loops    []*loopInfo

	// module-level expression statements store into the hidden
	// result slot instead of popping, so the module (and each REPL
	// snippet) returns the value of the last expression statement
	// that actually executed.
	isModule   bool
	resultSlot uint16
	// finallyTargets track returns inside try-finally, routed through
	// a dedicated finally-with-return section
	finallyTargets []*finallyTarget
	err            *compileError
}

type loopInfo struct {
	start      int
	breakJumps []jumpLabel
	isFor      bool
}

type finallyTarget struct {
	returnJumps []jumpLabel
}

// compileProgram compiles the module body and every function in the
// table.
func compileProgram(prep *prepared, moduleName StringId, dcOffset int, resultSlot uint16) (*Code, []*functionInfo, []*dataclassDescriptor, *compileError) {
	c := &compiler{code: &codeBuilder{}, prep: prep, dcOffset: dcOffset, isModule: true, resultSlot: resultSlot}
	// reset the result slot, then run the body; the slot ends up
	// holding the last expression-statement value that executed
	c.code.setLocation(NewCodeRange(0, 0), NewCodeRange(0, 0))
	c.code.emit(opLoadNone)
	c.code.depth(1)
	c.code.emitU16(opStoreGlobal, resultSlot)
	c.code.depth(-1)
	c.compileBlock(prep.module)
	if c.err != nil {
		return nil, nil, nil, c.err
	}
	c.code.emitU16(opLoadGlobal, resultSlot)
	c.code.depth(1)
	c.code.emit(opReturnValue)
	c.code.depth(-1)
	moduleCode := c.code.build(moduleName, uint16(prep.globals.numSlots()))

	infos := make([]*functionInfo, len(prep.functions))
	for i, pf := range prep.functions {
		fc := &compiler{code: &codeBuilder{}, prep: prep, dcs: c.dcs, dcOffset: dcOffset}
		fc.compileBlock(pf.body)
		if fc.err != nil {
			return nil, nil, nil, fc.err
		}
		fc.code.emit(opLoadNone)
		fc.code.emit(opReturnValue)
		pf.info.code = fc.code.build(pf.info.name, pf.numLocals)
		infos[i] = pf.info
		c.dcs = fc.dcs
	}
	return moduleCode, infos, c.dcs, nil
}

func (c *compiler) fail(rng CodeRange, format string, args ...any) {
	if c.err == nil {
		c.err = &compileError{msg: fmt.Sprintf(format, args...), rng: rng}
	}
}

func (c *compiler) compileBlock(body []Node) {
	for _, stmt := range body {
		if c.err != nil {
			return
		}
		c.compileStmt(stmt)
	}
}

func (c *compiler) compileStmt(stmt Node) {
	switch s := stmt.(type) {
	case *ExprStmt:
		c.code.setLocation(s.Rng, s.E.exprRange())
		c.compileExpr(s.E)
		if c.isModule {
			c.code.emitU16(opStoreGlobal, c.resultSlot)
		} else {
			c.code.emit(opPop)
		}
		c.code.depth(-1)
	case *PassStmt:
	case *AssignStmt:
		c.code.setLocation(s.Rng, s.Value.exprRange())
		c.compileExpr(s.Value)
		c.compileStore(s.Target)
	case *AugAssignStmt:
		c.compileAugAssign(s)
	case *IfStmt:
		c.compileIf(s)
	case *WhileStmt:
		c.compileWhile(s)
	case *ForStmt:
		c.compileFor(s)
	case *BreakStmt:
		c.compileBreak(s)
	case *ContinueStmt:
		c.compileContinue(s)
	case *ReturnStmt:
		c.code.setLocation(s.Rng, s.Rng)
		if s.Value != nil {
			c.compileExpr(s.Value)
		} else {
			c.code.emit(opLoadNone)
			c.code.depth(1)
		}
		c.compileReturn()
	case *RaiseStmt:
		c.code.setLocation(s.Rng, s.Rng)
		if s.Exc != nil {
			c.compileExpr(s.Exc)
			c.code.emit(opRaise)
			c.code.depth(-1)
		} else {
			c.code.emit(opReraise)
		}
	case *TryStmt:
		c.compileTry(s)
	case *AssertStmt:
		c.compileAssert(s)
	case *DelStmt:
		c.compileDel(s)
	case *GlobalStmt:
	case *ImportStmt:
		c.compileImport(s)
	case *DefStmt:
		c.compileDef(s)
	case *ClassStmt:
		c.compileClass(s)
	default:
		c.fail(stmt.nodeRange(), "unsupported statement")
	}
}

// compileReturn routes returns through the innermost finally-with-
// return section when one is active; plain ReturnValue otherwise.
func (c *compiler) compileReturn() {
	if n := len(c.finallyTargets); n > 0 {
		jump := c.code.emitJump(opJump)
		ft := c.finallyTargets[n-1]
		ft.returnJumps = append(ft.returnJumps, jump)
		c.code.depth(-1)
		return
	}
	c.code.emit(opReturnValue)
	c.code.depth(-1)
}

func (c *compiler) compileStore(target Expr) {
	switch t := target.(type) {
	case *Identifier:
		c.compileStoreName(t)
	case *AttrExpr:
		c.compileExpr(t.Value)
		c.code.emitU16(opStoreAttr, uint16(t.AttrId))
		c.code.depth(-2)
	case *IndexExpr:
		c.compileExpr(t.Value)
		c.compileExpr(t.Index)
		c.code.emit(opStoreSubscr)
		c.code.depth(-3)
	case *TupleExpr, *ListExpr:
		var elts []Expr
		if tt, ok := t.(*TupleExpr); ok {
			elts = tt.Elts
		} else {
			elts = t.(*ListExpr).Elts
		}
		// unpack: the VM's BuildList protocol is not needed; the
		// value is iterated into n parts via a dedicated sequence
		// of subscript loads
		c.compileUnpack(elts)
	default:
		c.fail(target.exprRange(), "cannot assign to this expression")
	}
}

// compileUnpack expands `a, b = v` into indexed loads.  The value is
// duplicated per target; a too-short right side raises IndexError at
// the first out-of-range load.
func (c *compiler) compileUnpack(elts []Expr) {
	for i, el := range elts {
		last := i == len(elts)-1
		if !last {
			c.code.emit(opDup)
			c.code.depth(1)
		}
		idx, ok := c.code.addConst(IntValue(int64(i)))
		if !ok {
			c.fail(el.exprRange(), "too many constants")
			return
		}
		c.code.emitU16(opLoadConst, idx)
		c.code.depth(1)
		c.code.emit(opBinarySubscr)
		c.code.depth(-1)
		c.compileStore(el)
	}
}

func (c *compiler) compileStoreName(id *Identifier) {
	c.code.registerLocalName(id.Slot, id.NameId)
	switch id.Scope {
	case ScopeLocal:
		c.code.emitStoreLocal(id.Slot)
	case ScopeGlobal:
		c.code.emitU16(opStoreGlobal, id.Slot)
		c.code.depth(-1)
	case ScopeCell:
		c.code.emitU16(opStoreCell, id.Slot)
		c.code.depth(-1)
	case ScopeBuiltin:
		c.fail(id.Rng, "cannot assign to builtin %q", id.Name)
	}
}

func (c *compiler) compileLoadName(id *Identifier) {
	switch id.Scope {
	case ScopeLocal:
		c.code.registerLocalName(id.Slot, id.NameId)
		c.code.emitLoadLocal(id.Slot)
	case ScopeGlobal:
		c.code.emitU16(opLoadGlobal, id.Slot)
		c.code.depth(1)
	case ScopeCell:
		c.code.registerLocalName(id.Slot, id.NameId)
		c.code.emitU16(opLoadCell, id.Slot)
		c.code.depth(1)
	case ScopeBuiltin:
		idx, ok := c.code.addConst(builtinValue(id.Builtin))
		if !ok {
			c.fail(id.Rng, "too many constants")
			return
		}
		c.code.emitU16(opLoadConst, idx)
		c.code.depth(1)
	}
}

func (c *compiler) compileAugAssign(s *AugAssignStmt) {
	c.code.setLocation(s.Rng, s.Target.exprRange())
	switch t := s.Target.(type) {
	case *Identifier:
		c.compileLoadName(t)
		c.compileExpr(s.Value)
		c.emitAugOp(s.Op)
		c.compileStoreName(t)
	case *AttrExpr:
		c.compileExpr(t.Value)
		c.code.emit(opDup)
		c.code.depth(1)
		c.code.emitU16(opLoadAttr, uint16(t.AttrId))
		c.compileExpr(s.Value)
		c.emitAugOp(s.Op)
		// stack: obj, result — StoreAttr wants value below obj
		c.code.emit(opRot2)
		c.code.emitU16(opStoreAttr, uint16(t.AttrId))
		c.code.depth(-2)
	case *IndexExpr:
		c.compileExpr(t.Value)
		c.compileExpr(t.Index)
		c.code.emit(opDup2)
		c.code.depth(2)
		c.code.emit(opBinarySubscr)
		c.code.depth(-1)
		c.compileExpr(s.Value)
		c.emitAugOp(s.Op)
		c.code.emit(opRot3)
		c.code.emit(opStoreSubscr)
		c.code.depth(-3)
	default:
		c.fail(s.Rng, "invalid augmented assignment target")
	}
}

// emitAugOp picks the in-place opcode where one exists (only += has a
// mutating fast path) and the plain binary opcode otherwise.
func (c *compiler) emitAugOp(op binOp) {
	if op == binAdd {
		c.code.emit(opInplaceAdd)
	} else {
		c.code.emit(binOpOpcode(op))
	}
	c.code.depth(-1)
}

func binOpOpcode(op binOp) byte {
	switch op {
	case binAdd:
		return opBinaryAdd
	case binSub:
		return opBinarySub
	case binMul:
		return opBinaryMul
	case binDiv:
		return opBinaryDiv
	case binFloorDiv:
		return opBinaryFloorDiv
	case binMod:
		return opBinaryMod
	case binPow:
		return opBinaryPow
	}
	return opInvalid
}

func (c *compiler) compileIf(s *IfStmt) {
	c.code.setLocation(s.Rng, s.Test.exprRange())
	c.compileExpr(s.Test)
	if len(s.Orelse) == 0 {
		end := c.code.emitJump(opJumpIfFalse)
		c.code.depth(-1)
		c.compileBlock(s.Body)
		c.patch(end, s.Rng)
		return
	}
	elseJump := c.code.emitJump(opJumpIfFalse)
	c.code.depth(-1)
	c.compileBlock(s.Body)
	end := c.code.emitJump(opJump)
	c.patch(elseJump, s.Rng)
	c.compileBlock(s.Orelse)
	c.patch(end, s.Rng)
}

func (c *compiler) patch(l jumpLabel, rng CodeRange) {
	if !c.code.patchJump(l) {
		c.fail(rng, "jump offset exceeds the 16-bit range; block too large")
	}
}

func (c *compiler) compileWhile(s *WhileStmt) {
	start := c.code.currentOffset()
	c.code.setLocation(s.Rng, s.Test.exprRange())
	c.compileExpr(s.Test)
	elseJump := c.code.emitJump(opJumpIfFalse)
	c.code.depth(-1)

	loop := &loopInfo{start: start}
	c.loops = append(c.loops, loop)
	c.compileBlock(s.Body)
	c.loops = c.loops[:len(c.loops)-1]

	if !c.code.emitJumpTo(opJump, start) {
		c.fail(s.Rng, "jump offset exceeds the 16-bit range; loop too large")
	}
	c.patch(elseJump, s.Rng)
	c.compileBlock(s.Orelse)
	for _, j := range loop.breakJumps {
		c.patch(j, s.Rng)
	}
}

func (c *compiler) compileFor(s *ForStmt) {
	c.code.setLocation(s.Rng, s.Iter.exprRange())
	c.compileExpr(s.Iter)
	c.code.emit(opGetIter)

	start := c.code.currentOffset()
	endJump := c.code.emitJump(opForIter)
	c.code.depth(1) // ForIter pushes the next value
	c.compileStore(s.Target)

	loop := &loopInfo{start: start, isFor: true}
	c.loops = append(c.loops, loop)
	c.compileBlock(s.Body)
	c.loops = c.loops[:len(c.loops)-1]

	if !c.code.emitJumpTo(opJump, start) {
		c.fail(s.Rng, "jump offset exceeds the 16-bit range; loop too large")
	}
	c.patch(endJump, s.Rng)
	c.code.depth(-1) // ForIter popped the iterator on exhaustion
	c.compileBlock(s.Orelse)
	for _, j := range loop.breakJumps {
		c.patch(j, s.Rng)
	}
}

func (c *compiler) compileBreak(s *BreakStmt) {
	if len(c.loops) == 0 {
		c.fail(s.Rng, "'break' outside loop")
		return
	}
	loop := c.loops[len(c.loops)-1]
	if loop.isFor {
		// drop the iterator still sitting on the stack
		c.code.emit(opPop)
	}
	loop.breakJumps = append(loop.breakJumps, c.code.emitJump(opJump))
}

func (c *compiler) compileContinue(s *ContinueStmt) {
	if len(c.loops) == 0 {
		c.fail(s.Rng, "'continue' not properly in loop")
		return
	}
	loop := c.loops[len(c.loops)-1]
	if !c.code.emitJumpTo(opJump, loop.start) {
		c.fail(s.Rng, "jump offset exceeds the 16-bit range; loop too large")
	}
}

func (c *compiler) compileAssert(s *AssertStmt) {
	c.code.setLocation(s.Rng, s.Test.exprRange())
	c.compileExpr(s.Test)
	skip := c.code.emitJump(opJumpIfTrue)
	c.code.depth(-1)
	if s.Msg != nil {
		idx, _ := c.code.addConst(builtinValue(builtinExcBase + Builtin(AssertionError)))
		c.code.emitU16(opLoadConst, idx)
		c.code.depth(1)
		c.compileExpr(s.Msg)
		c.code.emitU8(opCallFunction, 1)
		c.code.depth(-1)
	} else {
		idx, _ := c.code.addConst(excValue(AssertionError, 0, false))
		c.code.emitU16(opLoadConst, idx)
		c.code.depth(1)
	}
	c.code.emit(opRaise)
	c.code.depth(-1)
	c.patch(skip, s.Rng)
}

func (c *compiler) compileDel(s *DelStmt) {
	switch t := s.Target.(type) {
	case *Identifier:
		if t.Scope == ScopeLocal && t.Slot <= 255 {
			c.code.emitU8(opDeleteLocal, uint8(t.Slot))
			return
		}
		// globals and cells reset to undefined via a store
		c.code.emit(opLoadNone)
		c.code.depth(1)
		c.compileStoreName(t)
	case *IndexExpr:
		// `del d[k]` lowers to the pop method since the subset has
		// no delete opcode for subscripts
		c.compileExpr(t.Value)
		c.compileExpr(t.Index)
		c.code.emitU16U8(opCallMethod, uint16(ssPop.stringId()), 1)
		c.code.depth(-1)
		c.code.emit(opPop)
		c.code.depth(-1)
	default:
		c.fail(s.Rng, "cannot delete this target")
	}
}

func (c *compiler) compileImport(s *ImportStmt) {
	c.code.setLocation(s.Rng, s.Rng)
	c.code.emitU16(opImportName, uint16(s.ModId))
	c.code.depth(1)
	if s.Binding != nil {
		c.compileStoreName(s.Binding)
		return
	}
	for i, binding := range s.Names {
		last := i == len(s.Names)-1
		if !last {
			c.code.emit(opDup)
			c.code.depth(1)
		}
		c.code.emitU16(opLoadAttrImport, uint16(s.Attrs[i]))
		c.compileStoreName(binding)
	}
}

func (c *compiler) compileDef(s *DefStmt) {
	if len(s.Decorators) > 0 {
		c.fail(s.Rng, "function decorators are not supported")
		return
	}
	pf := c.prep.functions[int(s.FuncId)-c.prep.funcOffset]
	if len(pf.defaults) > 255 {
		c.fail(s.Rng, "more than 255 default values")
		return
	}
	c.code.setLocation(s.Rng, s.Name.Rng)
	for _, d := range pf.defaults {
		c.compileExpr(d)
	}
	if len(pf.captures) > 0 {
		if len(pf.captures) > 255 {
			c.fail(s.Rng, "more than 255 closure cells")
			return
		}
		for _, slot := range pf.captures {
			// the enclosing slot holds the cell itself
			c.code.emitLoadLocal(slot)
		}
		c.code.emitU16U8U8(opMakeClosure, uint16(s.FuncId), uint8(len(pf.defaults)), uint8(len(pf.captures)))
		c.code.depth(-len(pf.captures) - len(pf.defaults) + 1)
	} else {
		c.code.emitU16U8(opMakeFunction, uint16(s.FuncId), uint8(len(pf.defaults)))
		c.code.depth(-len(pf.defaults) + 1)
	}
	c.compileStoreName(s.Name)
}

func (c *compiler) compileClass(s *ClassStmt) {
	desc := &dataclassDescriptor{name: s.Name.Name, frozen: s.Frozen}
	defaultsCount := 0
	for _, f := range s.Fields {
		desc.fields = append(desc.fields, f.NameId)
		if f.Default != nil {
			defaultsCount++
		} else if defaultsCount > 0 {
			c.fail(f.Rng, "field without a default follows field with a default")
			return
		}
	}
	c.code.setLocation(s.Rng, s.Name.Rng)
	for _, f := range s.Fields {
		if f.Default != nil {
			c.compileExpr(f.Default)
		}
	}
	idx := c.dcOffset + len(c.dcs)
	c.dcs = append(c.dcs, desc)
	c.code.emitU16U8(opMakeDataclass, uint16(idx), uint8(defaultsCount))
	c.code.depth(-defaultsCount + 1)
	c.compileStoreName(s.Name)
}

// ---- expressions ----

func (c *compiler) compileExpr(e Expr) {
	if c.err != nil {
		return
	}
	switch x := e.(type) {
	case *Literal:
		c.compileLiteral(x)
	case *Identifier:
		c.compileLoadName(x)
	case *UnaryExpr:
		c.compileExpr(x.Operand)
		switch x.Op {
		case unaryNot:
			c.code.emit(opUnaryNot)
		case unaryNeg:
			c.code.emit(opUnaryNeg)
		case unaryPos:
			// +x is the identity on numbers; nothing to emit
		}
	case *BinaryExpr:
		c.compileExpr(x.Left)
		c.compileExpr(x.Right)
		c.code.emit(binOpOpcode(x.Op))
		c.code.depth(-1)
	case *BoolOpExpr:
		c.compileExpr(x.Left)
		var jump jumpLabel
		if x.Op == boolAnd {
			jump = c.code.emitJump(opJumpIfFalseOrPop)
		} else {
			jump = c.code.emitJump(opJumpIfTrueOrPop)
		}
		c.compileExpr(x.Right)
		c.patch(jump, x.Rng)
	case *CompareExpr:
		c.compileCompare(x)
	case *CallExpr:
		c.compileCall(x)
	case *AttrExpr:
		c.compileExpr(x.Value)
		if x.IsImport {
			c.code.emitU16(opLoadAttrImport, uint16(x.AttrId))
		} else {
			c.code.emitU16(opLoadAttr, uint16(x.AttrId))
		}
	case *IndexExpr:
		c.compileExpr(x.Value)
		c.compileExpr(x.Index)
		c.code.emit(opBinarySubscr)
		c.code.depth(-1)
	case *SliceExpr:
		n := uint8(2)
		c.compileSliceBound(x.Lo)
		c.compileSliceBound(x.Hi)
		if x.Step != nil {
			c.compileExpr(x.Step)
			n = 3
		}
		c.code.emitU8(opBuildSlice, n)
		c.code.depth(-int(n) + 1)
	case *ListExpr:
		for _, el := range x.Elts {
			c.compileExpr(el)
		}
		c.code.emitU16(opBuildList, uint16(len(x.Elts)))
		c.code.depth(-len(x.Elts) + 1)
	case *TupleExpr:
		for _, el := range x.Elts {
			c.compileExpr(el)
		}
		c.code.emitU16(opBuildTuple, uint16(len(x.Elts)))
		c.code.depth(-len(x.Elts) + 1)
	case *SetExpr:
		for _, el := range x.Elts {
			c.compileExpr(el)
		}
		c.code.emitU16(opBuildSet, uint16(len(x.Elts)))
		c.code.depth(-len(x.Elts) + 1)
	case *DictExpr:
		// key before value, pairs in source order
		for i := range x.Keys {
			c.compileExpr(x.Keys[i])
			c.compileExpr(x.Values[i])
		}
		c.code.emitU16(opBuildDict, uint16(len(x.Keys)))
		c.code.depth(-2*len(x.Keys) + 1)
	case *CondExpr:
		c.compileExpr(x.Test)
		elseJump := c.code.emitJump(opJumpIfFalse)
		c.code.depth(-1)
		c.compileExpr(x.Body)
		end := c.code.emitJump(opJump)
		c.code.depth(-1) // rebalance: only one branch materializes
		c.patch(elseJump, x.Rng)
		c.compileExpr(x.Orelse)
		c.patch(end, x.Rng)
	case *FStringExpr:
		c.compileFString(x)
	case *AwaitExpr:
		c.compileExpr(x.Value)
		c.code.emit(opAwait)
	default:
		c.fail(e.exprRange(), "unsupported expression")
	}
}

func (c *compiler) compileSliceBound(e Expr) {
	if e == nil {
		c.code.emit(opLoadNone)
		c.code.depth(1)
		return
	}
	c.compileExpr(e)
}

func (c *compiler) compileLiteral(x *Literal) {
	switch x.Kind {
	case litNone:
		c.code.emit(opLoadNone)
	case litEllipsis:
		idx, _ := c.code.addConst(valueEllipsis)
		c.code.emitU16(opLoadConst, idx)
	case litTrue:
		c.code.emit(opLoadTrue)
	case litFalse:
		c.code.emit(opLoadFalse)
	case litInt:
		if x.Int >= -128 && x.Int <= 127 {
			c.code.emitI8(opLoadSmallInt, int8(x.Int))
		} else {
			idx, ok := c.code.addConst(IntValue(x.Int))
			if !ok {
				c.fail(x.Rng, "too many constants")
				return
			}
			c.code.emitU16(opLoadConst, idx)
		}
	case litBigInt:
		idx, ok := c.code.addConst(longIntConstValue(x.LongId))
		if !ok {
			c.fail(x.Rng, "too many constants")
			return
		}
		c.code.emitU16(opLoadConst, idx)
	case litFloat:
		idx, ok := c.code.addConst(FloatValue(x.Float))
		if !ok {
			c.fail(x.Rng, "too many constants")
			return
		}
		c.code.emitU16(opLoadConst, idx)
	case litStr:
		idx, ok := c.code.addConst(StrValue(x.StrId))
		if !ok {
			c.fail(x.Rng, "too many constants")
			return
		}
		c.code.emitU16(opLoadConst, idx)
	case litBytes:
		idx, ok := c.code.addConst(BytesValue(x.BytesId))
		if !ok {
			c.fail(x.Rng, "too many constants")
			return
		}
		c.code.emitU16(opLoadConst, idx)
	}
	c.code.depth(1)
}

func (c *compiler) compileCompare(x *CompareExpr) {
	// peephole: `a % k == b` with int literals folds the modulus
	// check into one opcode
	if len(x.Ops) == 1 && x.Ops[0] == cmpEq {
		if be, ok := x.Left.(*BinaryExpr); ok && be.Op == binMod {
			if kLit, ok := be.Right.(*Literal); ok && kLit.Kind == litInt {
				if cLit, ok := x.Comparators[0].(*Literal); ok && cLit.Kind == litInt {
					k, cv := kLit.Int, cLit.Int
					if k > 0 && k <= 0x7fffffff && cv >= 0 && cv <= 0x7fffffff {
						c.compileExpr(be.Left)
						idx, ok := c.code.addConst(IntValue(k<<32 | cv))
						if !ok {
							c.fail(x.Rng, "too many constants")
							return
						}
						c.code.emitU16(opCompareModEq, idx)
						return
					}
				}
			}
		}
	}

	if len(x.Ops) == 1 {
		c.compileExpr(x.Left)
		c.compileExpr(x.Comparators[0])
		c.code.emit(cmpOpcode(x.Ops[0]))
		c.code.depth(-1)
		return
	}

	// chained comparison a < b <= c: each middle operand is kept via
	// dup/rot so it evaluates exactly once; a failed link jumps to a
	// cleanup that drops the saved operand and leaves False
	var cleanupJumps []jumpLabel
	c.compileExpr(x.Left)
	for i, op := range x.Ops {
		last := i == len(x.Ops)-1
		c.compileExpr(x.Comparators[i])
		if !last {
			c.code.emit(opDup)
			c.code.depth(1)
			c.code.emit(opRot3)
		}
		c.code.emit(cmpOpcode(op))
		c.code.depth(-1)
		if !last {
			cleanupJumps = append(cleanupJumps, c.code.emitJump(opJumpIfFalseOrPop))
		}
	}
	end := c.code.emitJump(opJump)
	for _, j := range cleanupJumps {
		c.patch(j, x.Rng)
	}
	c.code.emit(opRot2)
	c.code.emit(opPop)
	c.patch(end, x.Rng)
}

func cmpOpcode(op cmpOp) byte {
	switch op {
	case cmpEq:
		return opCompareEq
	case cmpNe:
		return opCompareNe
	case cmpLt:
		return opCompareLt
	case cmpLe:
		return opCompareLe
	case cmpGt:
		return opCompareGt
	case cmpGe:
		return opCompareGe
	case cmpIs:
		return opCompareIs
	case cmpIsNot:
		return opCompareIsNot
	case cmpIn:
		return opCompareIn
	case cmpNotIn:
		return opCompareNotIn
	}
	return opInvalid
}

func (c *compiler) compileCall(x *CallExpr) {
	// method calls go through CallMethod so the receiver never needs
	// a bound-method value
	if attr, ok := x.Func.(*AttrExpr); ok && x.StarArg == nil && x.KwStar == nil && len(x.KwNames) == 0 {
		if len(x.Args) > 255 {
			c.fail(x.Rng, "more than 255 arguments")
			return
		}
		c.compileExpr(attr.Value)
		for _, a := range x.Args {
			c.compileExpr(a)
		}
		c.code.setLocation(x.Rng, attr.Rng)
		c.code.emitU16U8(opCallMethod, uint16(attr.AttrId), uint8(len(x.Args)))
		c.code.depth(-len(x.Args))
		return
	}

	c.compileExpr(x.Func)

	if x.StarArg != nil || x.KwStar != nil {
		c.compileCallEx(x)
		return
	}

	if len(x.Args) > 255 {
		c.fail(x.Rng, "more than 255 arguments")
		return
	}
	if len(x.KwNames) > 255 {
		c.fail(x.Rng, "more than 255 keyword arguments")
		return
	}

	for _, a := range x.Args {
		c.compileExpr(a)
	}
	if len(x.KwNames) == 0 {
		c.code.setLocation(x.Rng, x.Func.exprRange())
		c.code.emitU8(opCallFunction, uint8(len(x.Args)))
		c.code.depth(-len(x.Args))
		return
	}
	for _, v := range x.KwValues {
		c.compileExpr(v)
	}
	c.code.setLocation(x.Rng, x.Func.exprRange())
	c.code.emitCallFunctionKw(uint8(len(x.Args)), x.KwNames)
	c.code.depth(-len(x.Args) - len(x.KwValues))
}

// compileCallEx lowers calls with *args / **kwargs: positional parts
// collapse into one tuple, keyword parts into one dict.
func (c *compiler) compileCallEx(x *CallExpr) {
	// positional arguments written before the star come first, in
	// source order
	before := len(x.Args)
	if x.StarArg != nil {
		before = 0
		for before < len(x.Args) && x.Args[before].exprRange().Start < x.StarArg.exprRange().Start {
			before++
		}
	}
	for _, a := range x.Args[:before] {
		c.compileExpr(a)
	}
	c.code.emitU16(opBuildList, uint16(before))
	c.code.depth(-before + 1)
	if x.StarArg != nil {
		c.compileExpr(x.StarArg)
		c.code.emit(opListExtend)
		c.code.depth(-1)
	}
	if rest := x.Args[before:]; len(rest) > 0 {
		for _, a := range rest {
			c.compileExpr(a)
		}
		c.code.emitU16(opBuildList, uint16(len(rest)))
		c.code.depth(-len(rest) + 1)
		c.code.emit(opListExtend)
		c.code.depth(-1)
	}
	c.code.emit(opListToTuple)

	flags := uint8(0)
	if len(x.KwNames) > 0 || x.KwStar != nil {
		flags = 1
		for i, kw := range x.KwNames {
			idx, ok := c.code.addConst(StrValue(kw))
			if !ok {
				c.fail(x.Rng, "too many constants")
				return
			}
			c.code.emitU16(opLoadConst, idx)
			c.code.depth(1)
			c.compileExpr(x.KwValues[i])
		}
		c.code.emitU16(opBuildDict, uint16(len(x.KwNames)))
		c.code.depth(-2*len(x.KwNames) + 1)
		if x.KwStar != nil {
			c.compileExpr(x.KwStar)
			funcName := ssEmptyString.stringId()
			if id, ok := x.Func.(*Identifier); ok {
				funcName = id.NameId
			}
			c.code.emitU16(opDictMerge, uint16(funcName))
			c.code.depth(-1)
		}
	}
	c.code.setLocation(x.Rng, x.Func.exprRange())
	c.code.emitU8(opCallFunctionEx, flags)
	if flags == 1 {
		c.code.depth(-2)
	} else {
		c.code.depth(-1)
	}
}

func (c *compiler) compileFString(x *FStringExpr) {
	if len(x.Parts) > 0xffff {
		c.fail(x.Rng, "f-string too large")
		return
	}
	for _, part := range x.Parts {
		if part.Expr == nil {
			idx, ok := c.code.addConst(StrValue(part.LiteralId))
			if !ok {
				c.fail(x.Rng, "too many constants")
				return
			}
			c.code.emitU16(opLoadConst, idx)
			c.code.depth(1)
			continue
		}
		c.compileExpr(part.Expr)
		flags := uint8(0)
		switch part.Conv {
		case 'r':
			flags |= 0x10
		case 's':
			flags |= 0x20
		}
		if part.HasSpec {
			flags |= 0x01
			idx, ok := c.code.addConst(StrValue(part.SpecId))
			if !ok {
				c.fail(x.Rng, "too many constants")
				return
			}
			c.code.emitU16(opLoadConst, idx)
			c.code.depth(1)
		}
		c.code.emitU8(opFormatValue, flags)
		if part.HasSpec {
			c.code.depth(-1)
		}
	}
	c.code.emitU16(opBuildFString, uint16(len(x.Parts)))
	c.code.depth(-len(x.Parts) + 1)
}

// compileTry builds the exception-table driven try/except/else/finally
// lowering: the try body is covered by an entry pointing at handler
// dispatch, and the dispatch block itself by a second entry pointing at
// the finally-cleanup block, so exceptions in handlers still run
// finally.  Returns inside any branch route through a dedicated
// finally-with-return section.
func (c *compiler) compileTry(s *TryStmt) {
	hasFinally := len(s.Finally) > 0
	hasHandlers := len(s.Handlers) > 0

	stackDepth := c.code.curDepth

	if hasFinally {
		c.finallyTargets = append(c.finallyTargets, &finallyTarget{})
	}

	tryStart := c.code.currentOffset()
	c.compileBlock(s.Body)
	tryEnd := c.code.currentOffset()

	afterTryJump := c.code.emitJump(opJump)

	// handler dispatch: the VM pushes the exception value before
	// entering
	handlerStart := c.code.currentOffset()
	var finallyJumps []jumpLabel
	if hasHandlers {
		c.code.depth(1) // exception pushed by the VM
		c.compileHandlers(s.Handlers, &finallyJumps)
	} else {
		c.code.emit(opReraise)
	}
	handlerEnd := c.code.currentOffset()

	// finally cleanup: runs the finally block with a pending
	// exception, then reraises it
	finallyCleanupStart := -1
	if hasFinally {
		finallyCleanupStart = c.code.currentOffset()
		c.code.depth(1)
		c.code.emit(opPop)
		c.code.depth(-1)
		c.compileBlock(s.Finally)
		c.code.emit(opReraise)
	}

	// finally with return: returns inside try/handlers/else land here
	// with the pending return value on the stack
	finallyReturnStart := -1
	if hasFinally {
		ft := c.finallyTargets[len(c.finallyTargets)-1]
		c.finallyTargets = c.finallyTargets[:len(c.finallyTargets)-1]
		if len(ft.returnJumps) > 0 {
			finallyReturnStart = c.code.currentOffset()
			for _, j := range ft.returnJumps {
				c.patch(j, s.Rng)
			}
			c.code.depth(1) // the pending return value
			c.compileBlock(s.Finally)
			c.compileReturn()
		}
	}

	// else block runs only on clean try completion
	c.patch(afterTryJump, s.Rng)
	elseStart := c.code.currentOffset()
	c.compileBlock(s.Orelse)
	elseEnd := c.code.currentOffset()

	for _, j := range finallyJumps {
		c.patch(j, s.Rng)
	}
	if hasFinally {
		c.compileBlock(s.Finally)
	}

	// exception table entries, innermost-first
	if hasHandlers || hasFinally {
		c.code.addExceptionEntry(ExceptionEntry{
			Start:   uint32(tryStart),
			End:     uint32(tryEnd) + 3, // include the jump
			Handler: uint32(handlerStart),
			Depth:   stackDepth,
		})
	}
	if finallyCleanupStart >= 0 {
		c.code.addExceptionEntry(ExceptionEntry{
			Start:   uint32(handlerStart),
			End:     uint32(handlerEnd),
			Handler: uint32(finallyCleanupStart),
			Depth:   stackDepth,
		})
		if finallyReturnStart >= 0 {
			c.code.addExceptionEntry(ExceptionEntry{
				Start:   uint32(finallyReturnStart),
				End:     uint32(elseStart),
				Handler: uint32(finallyCleanupStart),
				Depth:   stackDepth,
			})
		}
		if len(s.Orelse) > 0 {
			c.code.addExceptionEntry(ExceptionEntry{
				Start:   uint32(elseStart),
				End:     uint32(elseEnd),
				Handler: uint32(finallyCleanupStart),
				Depth:   stackDepth,
			})
		}
	}
}

func (c *compiler) compileHandlers(handlers []ExceptHandler, finallyJumps *[]jumpLabel) {
	var nextHandlerJumps []jumpLabel
	for i := range handlers {
		h := &handlers[i]
		isLast := i == len(handlers)-1

		for _, j := range nextHandlerJumps {
			c.patch(j, h.Rng)
		}
		nextHandlerJumps = nextHandlerJumps[:0]

		if h.Type != nil {
			c.code.setLocation(h.Rng, h.Rng)
			c.code.emit(opDup)
			c.code.depth(1)
			c.compileExpr(h.Type)
			c.code.emit(opCheckExcMatch)
			c.code.depth(-1)
			noMatch := c.code.emitJump(opJumpIfFalse)
			c.code.depth(-1)

			if h.Name != nil {
				c.code.emit(opDup)
				c.code.depth(1)
				c.compileStoreName(h.Name)
			}
			c.compileBlock(h.Body)
			if h.Name != nil {
				c.compileHandlerNameCleanup(h.Name)
			}
			c.code.emit(opClearException)
			c.code.emit(opPop)
			c.code.depth(-1)
			*finallyJumps = append(*finallyJumps, c.code.emitJump(opJump))

			if isLast {
				c.patch(noMatch, h.Rng)
				c.code.emit(opReraise)
			} else {
				nextHandlerJumps = append(nextHandlerJumps, noMatch)
			}
		} else {
			if h.Name != nil {
				c.code.emit(opDup)
				c.code.depth(1)
				c.compileStoreName(h.Name)
			}
			c.compileBlock(h.Body)
			if h.Name != nil {
				c.compileHandlerNameCleanup(h.Name)
			}
			c.code.emit(opClearException)
			c.code.emit(opPop)
			c.code.depth(-1)
			*finallyJumps = append(*finallyJumps, c.code.emitJump(opJump))
		}
	}
}

// compileHandlerNameCleanup deletes the `as` binding when the handler
// exits, matching the guest's scoping of exception variables.
func (c *compiler) compileHandlerNameCleanup(name *Identifier) {
	if name.Scope == ScopeLocal && name.Slot <= 255 {
		c.code.emitU8(opDeleteLocal, uint8(name.Slot))
		return
	}
	c.code.emit(opLoadNone)
	c.code.depth(1)
	c.compileStoreName(name)
}
