package toolchain

import (
	"fmt"
	"strconv"
	"strings"
)

// srcLine is one non-empty, comment-stripped line split into fields.
type srcLine struct {
	file   string
	num    int
	fields []string
}

// splitLines tokenizes text and applies .ifdef/.ifndef/.else/.endif against
// defines. Quoted fields keep their quotes.
func splitLines(file, text string, defines map[string]string, diags *diagList) []srcLine {
	type cond struct {
		active  bool
		parent  bool
		sawElse bool
		line    int
	}
	var stack []cond
	active := true
	var out []srcLine
	for i, raw := range strings.Split(text, "\n") {
		num := i + 1
		fields, err := tokenize(raw)
		if err != nil {
			diags.add(file, num, "%v", err)
			continue
		}
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case ".ifdef", ".ifndef":
			if len(fields) != 2 {
				diags.add(file, num, "%s expects one macro name", fields[0])
				continue
			}
			_, defined := defines[fields[1]]
			want := defined
			if fields[0] == ".ifndef" {
				want = !defined
			}
			stack = append(stack, cond{active: active && want, parent: active, line: num})
			active = active && want
			continue
		case ".else":
			if len(stack) == 0 {
				diags.add(file, num, ".else without .ifdef")
				continue
			}
			top := &stack[len(stack)-1]
			if top.sawElse {
				diags.add(file, num, ".else after .else")
				continue
			}
			top.sawElse = true
			top.active = top.parent && !top.active
			active = top.active
			continue
		case ".endif":
			if len(stack) == 0 {
				diags.add(file, num, ".endif without .ifdef")
				continue
			}
			stack = stack[:len(stack)-1]
			active = true
			if len(stack) > 0 {
				active = stack[len(stack)-1].active
			}
			continue
		}
		if active {
			out = append(out, srcLine{file: file, num: num, fields: fields})
		}
	}
	for _, c := range stack {
		diags.add(file, c.line, "unterminated conditional directive")
	}
	return out
}

// tokenize splits on whitespace, keeps double-quoted strings whole and drops
// a trailing ';' comment.
func tokenize(raw string) ([]string, error) {
	var fields []string
	i := 0
	for i < len(raw) {
		c := raw[i]
		switch {
		case c == ' ' || c == '\t' || c == '\r':
			i++
		case c == ';':
			return fields, nil
		case c == '"':
			j := i + 1
			for j < len(raw) && raw[j] != '"' {
				if raw[j] == '\\' {
					j++
				}
				j++
			}
			if j >= len(raw) {
				return nil, fmt.Errorf("missing terminating '\"' character")
			}
			fields = append(fields, raw[i:j+1])
			i = j + 1
		default:
			j := i
			for j < len(raw) && raw[j] != ' ' && raw[j] != '\t' && raw[j] != '\r' && raw[j] != '"' {
				j++
			}
			fields = append(fields, raw[i:j])
			i = j
		}
	}
	return fields, nil
}

// unquote accepts both quoted and bare names.
func unquote(field string) (string, error) {
	if strings.HasPrefix(field, `"`) {
		return strconv.Unquote(field)
	}
	return field, nil
}

func parseArity(field string) (int, error) {
	n, err := strconv.Atoi(field)
	if err != nil || n < -1 {
		return 0, fmt.Errorf("invalid arity %q", field)
	}
	return n, nil
}

// funcDef is one parsed .func block.
type funcDef struct {
	name   string
	arity  int
	locals int
	line   int
	file   string
	body   []srcLine
}

// unit is one parsed compilation unit before assembly.
type unit struct {
	file  string
	decls *DeclSet
	vars  []string
	funcs []*funcDef
}

// includeFunc resolves an .include and returns its declarations.
type includeFunc func(name string, from srcLine) (*DeclSet, error)

// parseUnit parses IR text. Declarations from includes are merged into the
// unit's declaration set.
func parseUnit(file string, lines []srcLine, include includeFunc, header bool, diags *diagList) *unit {
	u := &unit{file: file, decls: newDeclSet("")}
	varSeen := make(map[string]bool)
	funcSeen := make(map[string]bool)
	var cur *funcDef

	for _, ln := range lines {
		if diags.full() {
			break
		}
		op, args := ln.fields[0], ln.fields[1:]
		if cur != nil {
			if op == ".end" {
				u.funcs = append(u.funcs, cur)
				cur = nil
				continue
			}
			if strings.HasPrefix(op, ".") {
				diags.add(ln.file, ln.num, "directive %s not allowed inside function '%s'", op, cur.name)
				continue
			}
			cur.body = append(cur.body, ln)
			continue
		}

		switch op {
		case ".include":
			if len(args) != 1 {
				diags.add(ln.file, ln.num, ".include expects one file name")
				continue
			}
			name, err := unquote(args[0])
			if err != nil {
				diags.add(ln.file, ln.num, "bad include name: %v", err)
				continue
			}
			decls, err := include(name, ln)
			if err != nil {
				diags.add(ln.file, ln.num, "%v", err)
				continue
			}
			if err := u.decls.merge(decls); err != nil {
				diags.add(ln.file, ln.num, "%v", err)
			}
		case ".extern":
			if len(args) != 2 {
				diags.add(ln.file, ln.num, ".extern expects a symbol and an arity")
				continue
			}
			arity, err := parseArity(args[1])
			if err != nil {
				diags.add(ln.file, ln.num, "%v", err)
				continue
			}
			if err := u.decls.declareExtern(args[0], arity); err != nil {
				diags.add(ln.file, ln.num, "%v", err)
			}
		case ".global":
			if len(args) != 1 {
				diags.add(ln.file, ln.num, ".global expects a symbol")
				continue
			}
			u.decls.Globals[args[0]] = true
		case ".var":
			if header {
				diags.add(ln.file, ln.num, "definitions are not allowed in headers")
				continue
			}
			if len(args) != 1 {
				diags.add(ln.file, ln.num, ".var expects a symbol")
				continue
			}
			if varSeen[args[0]] {
				diags.add(ln.file, ln.num, "redefinition of variable '%s'", args[0])
				continue
			}
			varSeen[args[0]] = true
			u.vars = append(u.vars, args[0])
		case ".func":
			if header {
				diags.add(ln.file, ln.num, "definitions are not allowed in headers")
				continue
			}
			if len(args) != 3 {
				diags.add(ln.file, ln.num, ".func expects a name, an arity and a local count")
				continue
			}
			arity, err := parseArity(args[1])
			if err != nil {
				diags.add(ln.file, ln.num, "%v", err)
				continue
			}
			locals, err := strconv.Atoi(args[2])
			if err != nil || locals < 0 || locals < arity {
				diags.add(ln.file, ln.num, "invalid local count %q for arity %d", args[2], arity)
				continue
			}
			if funcSeen[args[0]] {
				diags.add(ln.file, ln.num, "redefinition of '%s'", args[0])
			}
			funcSeen[args[0]] = true
			cur = &funcDef{name: args[0], arity: arity, locals: locals, line: ln.num, file: ln.file}
		case ".end":
			diags.add(ln.file, ln.num, ".end without .func")
		default:
			if strings.HasPrefix(op, ".") {
				diags.add(ln.file, ln.num, "unknown directive %s", op)
			} else {
				diags.add(ln.file, ln.num, "instruction '%s' outside of function", op)
			}
		}
	}
	if cur != nil {
		diags.add(cur.file, cur.line, "unterminated function '%s'", cur.name)
	}
	return u
}
