package toolchain

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/danmuck/edgejit/internal/objfile"
)

type asmInstr struct {
	op    objfile.Opcode
	a     int32
	sym   string
	label string // jump target or label definition
	isLbl bool
	line  int
}

// assemble checks a parsed unit against its declarations and emits an object.
func assemble(u *unit, opts Options, module string, diags *diagList) *objfile.Object {
	obj := &objfile.Object{
		Target:   opts.Target,
		PIC:      opts.PIC,
		OptLevel: opts.OptLevel,
		Module:   module,
		Vars:     append([]string(nil), u.vars...),
		Funcs:    make([]objfile.Func, 0, len(u.funcs)),
	}

	local := make(map[string]int, len(u.funcs))
	for _, fn := range u.funcs {
		local[fn.name] = fn.arity
	}
	defined := make(map[string]bool, len(u.vars))
	for _, v := range u.vars {
		defined[v] = true
	}
	usedExterns := make(map[string]int)
	usedGlobals := make(map[string]bool)

	for _, fn := range u.funcs {
		if diags.full() {
			break
		}
		consts := make([]objfile.Const, 0)
		constIdx := make(map[objfile.Const]int32)
		intern := func(c objfile.Const) int32 {
			if idx, ok := constIdx[c]; ok {
				return idx
			}
			idx := int32(len(consts))
			consts = append(consts, c)
			constIdx[c] = idx
			return idx
		}

		var code []asmInstr
		for _, ln := range fn.body {
			op, args := ln.fields[0], ln.fields[1:]
			bad := func(format string, a ...any) {
				diags.add(ln.file, ln.num, format, a...)
			}
			switch op {
			case "const":
				c, err := parseConst(args)
				if err != nil {
					bad("%v", err)
					continue
				}
				code = append(code, asmInstr{op: objfile.OpConst, a: intern(c), line: ln.num})
			case "load", "store":
				if len(args) != 1 {
					bad("%s expects a slot", op)
					continue
				}
				slot, err := strconv.Atoi(args[0])
				if err != nil || slot < 0 || slot >= fn.locals {
					bad("slot %s out of range for '%s' with %d locals", args[0], fn.name, fn.locals)
					continue
				}
				o := objfile.OpLoad
				if op == "store" {
					o = objfile.OpStore
				}
				code = append(code, asmInstr{op: o, a: int32(slot), line: ln.num})
			case "gvar", "setvar":
				if len(args) != 1 {
					bad("%s expects a variable", op)
					continue
				}
				name := args[0]
				if !defined[name] {
					if !u.decls.Globals[name] {
						bad("use of undeclared variable '%s'", name)
						continue
					}
					usedGlobals[name] = true
				}
				o := objfile.OpGVar
				if op == "setvar" {
					o = objfile.OpSetVar
				}
				code = append(code, asmInstr{op: o, sym: name, line: ln.num})
			case "call":
				if len(args) != 2 {
					bad("call expects a function and an argument count")
					continue
				}
				name := args[0]
				argc, err := strconv.Atoi(args[1])
				if err != nil || argc < 0 {
					bad("invalid argument count %q", args[1])
					continue
				}
				arity, ok := local[name]
				if !ok {
					arity, ok = u.decls.Externs[name]
					if !ok {
						bad("use of undeclared function '%s'", name)
						continue
					}
					usedExterns[name] = arity
				}
				if arity >= 0 && arity != argc {
					bad("call to '%s' with %d arguments, declared with %d", name, argc, arity)
					continue
				}
				code = append(code, asmInstr{op: objfile.OpCall, a: int32(argc), sym: name, line: ln.num})
			case "jmp", "jmpf":
				if len(args) != 1 {
					bad("%s expects a label", op)
					continue
				}
				o := objfile.OpJmp
				if op == "jmpf" {
					o = objfile.OpJmpF
				}
				code = append(code, asmInstr{op: o, label: args[0], line: ln.num})
			case "label":
				if len(args) != 1 {
					bad("label expects a name")
					continue
				}
				code = append(code, asmInstr{isLbl: true, label: args[0], line: ln.num})
			case "pop":
				code = append(code, asmInstr{op: objfile.OpPop, line: ln.num})
			case "ret":
				code = append(code, asmInstr{op: objfile.OpRet, line: ln.num})
			default:
				bad("unknown instruction '%s'", op)
			}
		}

		if opts.OptLevel > 0 {
			code = peephole(code)
		}
		instrs, ok := resolveLabels(fn, code, diags)
		if !ok {
			continue
		}
		obj.Funcs = append(obj.Funcs, objfile.Func{
			Name:   fn.name,
			Arity:  fn.arity,
			Locals: fn.locals,
			Consts: consts,
			Code:   instrs,
		})
	}

	for name, arity := range usedExterns {
		obj.Externs = append(obj.Externs, objfile.Symbol{Name: name, Arity: arity})
	}
	sort.Slice(obj.Externs, func(i, j int) bool { return obj.Externs[i].Name < obj.Externs[j].Name })
	for name := range usedGlobals {
		obj.Globals = append(obj.Globals, name)
	}
	sort.Strings(obj.Globals)
	return obj
}

func parseConst(args []string) (objfile.Const, error) {
	if len(args) == 1 && args[0] == "nil" {
		return objfile.Const{Kind: objfile.ConstNil}, nil
	}
	if len(args) != 2 {
		return objfile.Const{}, fmt.Errorf("const expects a kind and a value")
	}
	kind, raw := args[0], args[1]
	switch kind {
	case "i":
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return objfile.Const{}, fmt.Errorf("invalid integer constant %q", raw)
		}
		return objfile.Const{Kind: objfile.ConstInt, I: n}, nil
	case "f":
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return objfile.Const{}, fmt.Errorf("invalid float constant %q", raw)
		}
		return objfile.Const{Kind: objfile.ConstFloat, F: f}, nil
	case "s":
		s, err := strconv.Unquote(raw)
		if err != nil {
			return objfile.Const{}, fmt.Errorf("invalid string constant %s", raw)
		}
		return objfile.Const{Kind: objfile.ConstString, S: s}, nil
	case "b":
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return objfile.Const{}, fmt.Errorf("invalid bool constant %q", raw)
		}
		return objfile.Const{Kind: objfile.ConstBool, B: b}, nil
	case "k":
		return objfile.Const{Kind: objfile.ConstKeyword, S: raw}, nil
	default:
		return objfile.Const{}, fmt.Errorf("unknown constant kind %q", kind)
	}
}

// peephole drops a pushed value that is popped right away and a jump to the
// label that immediately follows it.
func peephole(code []asmInstr) []asmInstr {
	out := make([]asmInstr, 0, len(code))
	for i := 0; i < len(code); i++ {
		in := code[i]
		if !in.isLbl && (in.op == objfile.OpConst || in.op == objfile.OpLoad) &&
			i+1 < len(code) && !code[i+1].isLbl && code[i+1].op == objfile.OpPop {
			i++
			continue
		}
		if !in.isLbl && in.op == objfile.OpJmp {
			j := i + 1
			hit := false
			for j < len(code) && code[j].isLbl {
				if code[j].label == in.label {
					hit = true
				}
				j++
			}
			if hit {
				continue
			}
		}
		out = append(out, in)
	}
	return out
}

func resolveLabels(fn *funcDef, code []asmInstr, diags *diagList) ([]objfile.Instr, bool) {
	labels := make(map[string]int32)
	pos := int32(0)
	ok := true
	for _, in := range code {
		if in.isLbl {
			if _, dup := labels[in.label]; dup {
				diags.add(fn.file, in.line, "redefinition of label '%s'", in.label)
				ok = false
			}
			labels[in.label] = pos
			continue
		}
		pos++
	}
	out := make([]objfile.Instr, 0, pos)
	for _, in := range code {
		if in.isLbl {
			continue
		}
		ins := objfile.Instr{Op: in.op, A: in.a, Sym: in.sym}
		if in.op == objfile.OpJmp || in.op == objfile.OpJmpF {
			target, found := labels[in.label]
			if !found {
				diags.add(fn.file, in.line, "use of undeclared label '%s'", in.label)
				ok = false
				continue
			}
			ins.A = target
		}
		out = append(out, ins)
	}
	return out, ok
}
