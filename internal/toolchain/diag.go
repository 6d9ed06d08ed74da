package toolchain

import (
	"fmt"
	"strings"
)

// maxDiagnostics stops a unit after this many errors.
const maxDiagnostics = 20

// Diagnostic is one compiler message tied to a source line.
type Diagnostic struct {
	File    string
	Line    int
	Message string
}

func (d Diagnostic) String() string {
	if d.Line <= 0 {
		return fmt.Sprintf("%s: error: %s", d.File, d.Message)
	}
	return fmt.Sprintf("%s:%d: error: %s", d.File, d.Line, d.Message)
}

// DiagnosticError carries every diagnostic of one failed compile. Its text
// is what the driver prints on stderr.
type DiagnosticError struct {
	Diagnostics []Diagnostic
}

func (e *DiagnosticError) Error() string {
	lines := make([]string, 0, len(e.Diagnostics)+1)
	for _, d := range e.Diagnostics {
		lines = append(lines, d.String())
	}
	n := len(e.Diagnostics)
	suffix := "s"
	if n == 1 {
		suffix = ""
	}
	lines = append(lines, fmt.Sprintf("%d error%s generated.", n, suffix))
	return strings.Join(lines, "\n")
}

type diagList struct {
	items []Diagnostic
}

func (l *diagList) add(file string, line int, format string, args ...any) {
	if len(l.items) >= maxDiagnostics {
		return
	}
	l.items = append(l.items, Diagnostic{File: file, Line: line, Message: fmt.Sprintf(format, args...)})
}

func (l *diagList) full() bool {
	return len(l.items) >= maxDiagnostics
}

func (l *diagList) err() error {
	if len(l.items) == 0 {
		return nil
	}
	return &DiagnosticError{Diagnostics: append([]Diagnostic(nil), l.items...)}
}
