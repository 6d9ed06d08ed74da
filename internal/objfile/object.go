package objfile

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Magic tags every encoded object.
const Magic = "EJO1"

// Opcode is one stack machine instruction.
type Opcode uint8

const (
	OpConst Opcode = iota + 1
	OpLoad
	OpStore
	OpGVar
	OpSetVar
	OpCall
	OpJmp
	OpJmpF
	OpPop
	OpRet
)

var opcodeNames = map[Opcode]string{
	OpConst:  "const",
	OpLoad:   "load",
	OpStore:  "store",
	OpGVar:   "gvar",
	OpSetVar: "setvar",
	OpCall:   "call",
	OpJmp:    "jmp",
	OpJmpF:   "jmpf",
	OpPop:    "pop",
	OpRet:    "ret",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// ConstKind tags a constant pool entry.
type ConstKind uint8

const (
	ConstNil ConstKind = iota
	ConstInt
	ConstFloat
	ConstString
	ConstBool
	ConstKeyword
)

type Const struct {
	Kind ConstKind `msgpack:"k"`
	I    int64     `msgpack:"i,omitempty"`
	F    float64   `msgpack:"f,omitempty"`
	S    string    `msgpack:"s,omitempty"`
	B    bool      `msgpack:"b,omitempty"`
}

// Value converts a pool entry into a runtime value.
func (c Const) Value() Value {
	switch c.Kind {
	case ConstInt:
		return c.I
	case ConstFloat:
		return c.F
	case ConstString:
		return c.S
	case ConstBool:
		return c.B
	case ConstKeyword:
		return Keyword(c.S)
	default:
		return nil
	}
}

// Instr is one instruction. A is a constant index, local slot, argument
// count or jump target depending on Op. Sym names a function or variable.
type Instr struct {
	Op  Opcode `msgpack:"op"`
	A   int32  `msgpack:"a,omitempty"`
	Sym string `msgpack:"s,omitempty"`
}

// Func is one compiled function. Arity -1 marks a variadic function.
type Func struct {
	Name   string  `msgpack:"name"`
	Arity  int     `msgpack:"arity"`
	Locals int     `msgpack:"locals"`
	Consts []Const `msgpack:"consts,omitempty"`
	Code   []Instr `msgpack:"code"`
}

// Symbol is an external function reference with its declared arity.
type Symbol struct {
	Name  string `msgpack:"name"`
	Arity int    `msgpack:"arity"`
}

// Object is one relocatable compilation unit.
type Object struct {
	Magic    string   `msgpack:"magic"`
	Target   string   `msgpack:"target"`
	PIC      bool     `msgpack:"pic"`
	OptLevel int      `msgpack:"opt"`
	Module   string   `msgpack:"module"`
	Externs  []Symbol `msgpack:"externs,omitempty"`
	Globals  []string `msgpack:"globals,omitempty"`
	Vars     []string `msgpack:"vars,omitempty"`
	Funcs    []Func   `msgpack:"funcs"`
}

var (
	ErrBadObject      = errors.New("objfile: malformed object")
	ErrTargetMismatch = errors.New("objfile: target mismatch")
	ErrNotPIC         = errors.New("objfile: object is not position independent")
)

func (o *Object) Marshal() ([]byte, error) {
	o.Magic = Magic
	data, err := msgpack.Marshal(o)
	if err != nil {
		return nil, errors.Wrap(err, "objfile: encode")
	}
	return data, nil
}

// Unmarshal decodes and structurally validates an object.
func Unmarshal(data []byte) (*Object, error) {
	var obj Object
	if err := msgpack.Unmarshal(data, &obj); err != nil {
		return nil, errors.Wrapf(ErrBadObject, "decode: %v", err)
	}
	if err := obj.Validate(); err != nil {
		return nil, err
	}
	return &obj, nil
}

// Validate checks that every instruction operand is in range.
func (o *Object) Validate() error {
	if o.Magic != Magic {
		return errors.Wrapf(ErrBadObject, "bad magic %q", o.Magic)
	}
	seen := make(map[string]struct{}, len(o.Funcs))
	for _, fn := range o.Funcs {
		if fn.Name == "" {
			return errors.Wrap(ErrBadObject, "unnamed function")
		}
		if _, dup := seen[fn.Name]; dup {
			return errors.Wrapf(ErrBadObject, "duplicate function %q", fn.Name)
		}
		seen[fn.Name] = struct{}{}
		if fn.Arity >= 0 && fn.Locals < fn.Arity {
			return errors.Wrapf(ErrBadObject, "%s: locals %d < arity %d", fn.Name, fn.Locals, fn.Arity)
		}
		for pc, in := range fn.Code {
			if err := validateInstr(fn, in); err != nil {
				return errors.Wrapf(ErrBadObject, "%s+%d: %v", fn.Name, pc, err)
			}
		}
	}
	return nil
}

func validateInstr(fn Func, in Instr) error {
	switch in.Op {
	case OpConst:
		if in.A < 0 || int(in.A) >= len(fn.Consts) {
			return fmt.Errorf("constant %d out of range", in.A)
		}
	case OpLoad, OpStore:
		if in.A < 0 || int(in.A) >= fn.Locals {
			return fmt.Errorf("local %d out of range", in.A)
		}
	case OpJmp, OpJmpF:
		if in.A < 0 || int(in.A) > len(fn.Code) {
			return fmt.Errorf("jump target %d out of range", in.A)
		}
	case OpCall:
		if in.Sym == "" || in.A < 0 {
			return fmt.Errorf("bad call")
		}
	case OpGVar, OpSetVar:
		if in.Sym == "" {
			return fmt.Errorf("missing variable name")
		}
	case OpPop, OpRet:
	default:
		return fmt.Errorf("unknown opcode %d", in.Op)
	}
	return nil
}
