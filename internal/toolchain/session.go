package toolchain

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/danmuck/edgejit/internal/objfile"
	"github.com/pkg/errors"
)

// PreludeHeader is the header every unit includes first.
const PreludeHeader = "prelude.irh"

//go:embed prelude.irh
var preludeText string

// Prelude returns the built-in prelude header text.
func Prelude() string {
	return preludeText
}

// Options fixes everything a compile depends on besides the unit itself.
type Options struct {
	Target       string
	Sysroot      string
	IncludePaths []string
	PCH          string
	Defines      map[string]string
	OptLevel     int
	PIC          bool
}

// Session keeps parsed headers between compiles. The irc driver builds one
// per invocation; a resident backend keeps one for the life of the service.
// Session is safe for concurrent use, but compiles run one at a time.
type Session struct {
	opts Options

	mu           sync.Mutex
	headers      map[string]*DeclSet
	pch          *DeclSet
	headerParses int
	compiles     int
}

// NewSession validates opts, loads the precompiled header if one is set,
// and parses the prelude.
func NewSession(opts Options) (*Session, error) {
	if strings.TrimSpace(opts.Target) == "" {
		return nil, errors.New("toolchain: target triple required")
	}
	if opts.Defines == nil {
		opts.Defines = map[string]string{}
	}
	s := &Session{
		opts:    opts,
		headers: make(map[string]*DeclSet),
	}
	if opts.PCH != "" {
		data, err := os.ReadFile(opts.PCH)
		if err != nil {
			return nil, errors.Wrap(err, "toolchain: read pch")
		}
		pch, err := unmarshalPCH(data)
		if err != nil {
			return nil, err
		}
		if pch.Target != opts.Target {
			return nil, errors.Errorf("toolchain: pch %s built for %q, session target %q", opts.PCH, pch.Target, opts.Target)
		}
		s.pch = pch
	}
	var diags diagList
	root := srcLine{file: "<session>"}
	if _, err := s.resolveInclude(PreludeHeader, root, nil, &diags); err != nil {
		return nil, errors.Wrap(err, "toolchain: prelude")
	}
	if err := diags.err(); err != nil {
		return nil, errors.Wrap(err, "toolchain: prelude")
	}
	return s, nil
}

func (s *Session) Options() Options {
	return s.opts
}

// HeaderParses counts header files parsed since the session started.
func (s *Session) HeaderParses() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headerParses
}

// Compiles counts successful compiles.
func (s *Session) Compiles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compiles
}

// Compile parses, checks and assembles one unit and returns encoded object
// bytes. Diagnostics come back as *DiagnosticError.
func (s *Session) Compile(file, src, module string) ([]byte, error) {
	obj, err := s.CompileObject(file, src, module)
	if err != nil {
		return nil, err
	}
	return obj.Marshal()
}

// CompileObject is Compile without the final encoding.
func (s *Session) CompileObject(file, src, module string) (*objfile.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var diags diagList
	lines := splitLines(file, src, s.opts.Defines, &diags)
	u := parseUnit(file, lines, func(name string, from srcLine) (*DeclSet, error) {
		return s.resolveInclude(name, from, nil, &diags)
	}, false, &diags)
	if err := diags.err(); err != nil {
		return nil, err
	}
	if module == "" {
		module = strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	}
	obj := assemble(u, s.opts, module, &diags)
	if err := diags.err(); err != nil {
		return nil, err
	}
	s.compiles++
	return obj, nil
}

// EmitPCH parses a header and returns it as a precompiled header.
func (s *Session) EmitPCH(file, src string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var diags diagList
	decls := s.parseHeader(file, src, []string{file}, &diags)
	if err := diags.err(); err != nil {
		return nil, err
	}
	decls.Target = s.opts.Target
	decls.addHeader(filepath.Base(file))
	return decls.marshal()
}

// resolveInclude finds a header by precedence: precompiled header, include
// paths, sysroot, then the built-in prelude. Parsed headers are cached.
func (s *Session) resolveInclude(name string, _ srcLine, stack []string, diags *diagList) (*DeclSet, error) {
	if s.pch != nil && s.pch.covers(name) {
		return s.pch, nil
	}
	path, text, err := s.locateHeader(name)
	if err != nil {
		return nil, err
	}
	if cached, ok := s.headers[path]; ok {
		return cached, nil
	}
	for _, p := range stack {
		if p == path {
			return nil, fmt.Errorf("include cycle through '%s'", name)
		}
	}
	before := len(diags.items)
	decls := s.parseHeader(path, text, append(stack, path), diags)
	decls.addHeader(name)
	if len(diags.items) == before {
		s.headers[path] = decls
	}
	return decls, nil
}

func (s *Session) locateHeader(name string) (string, string, error) {
	if filepath.IsAbs(name) {
		data, err := os.ReadFile(name)
		if err != nil {
			return "", "", fmt.Errorf("'%s' file not found", name)
		}
		return name, string(data), nil
	}
	dirs := append([]string(nil), s.opts.IncludePaths...)
	if s.opts.Sysroot != "" {
		dirs = append(dirs, filepath.Join(s.opts.Sysroot, "include"))
	}
	for _, dir := range dirs {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err == nil {
			return path, string(data), nil
		}
	}
	if name == PreludeHeader {
		return "<built-in>/" + PreludeHeader, preludeText, nil
	}
	return "", "", fmt.Errorf("'%s' file not found", name)
}

func (s *Session) parseHeader(path, text string, stack []string, diags *diagList) *DeclSet {
	s.headerParses++
	lines := splitLines(path, text, s.opts.Defines, diags)
	u := parseUnit(path, lines, func(name string, from srcLine) (*DeclSet, error) {
		return s.resolveInclude(name, from, stack, diags)
	}, true, diags)
	return u.decls
}
