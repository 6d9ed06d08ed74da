package lang

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Form is one read value: nil, bool, int64, float64, string, Symbol,
// Keyword, List or Vector.
type Form = any

// Symbol is a possibly namespace-qualified name.
type Symbol struct {
	NS   string
	Name string
}

func (s Symbol) String() string {
	if s.NS == "" {
		return s.Name
	}
	return s.NS + "/" + s.Name
}

// Keyword is a :name literal without the colon.
type Keyword string

// List is a parenthesized form. Line is where it starts.
type List struct {
	Items []Form
	Line  int
}

// Vector is a bracketed form.
type Vector struct {
	Items []Form
	Line  int
}

// ReadError reports malformed source.
type ReadError struct {
	Line    int
	Message string
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read error at line %d: %s", e.Line, e.Message)
}

// Read parses every top-level form in src.
func Read(src string) ([]Form, error) {
	r := &reader{src: src, line: 1}
	var forms []Form
	for {
		r.skipSpace()
		if r.eof() {
			return forms, nil
		}
		f, err := r.read()
		if err != nil {
			return nil, err
		}
		forms = append(forms, f)
	}
}

type reader struct {
	src  string
	pos  int
	line int
}

func (r *reader) eof() bool {
	return r.pos >= len(r.src)
}

func (r *reader) peek() byte {
	return r.src[r.pos]
}

func (r *reader) next() byte {
	c := r.src[r.pos]
	r.pos++
	if c == '\n' {
		r.line++
	}
	return c
}

func (r *reader) errorf(format string, args ...any) error {
	return &ReadError{Line: r.line, Message: fmt.Sprintf(format, args...)}
}

func (r *reader) skipSpace() {
	for !r.eof() {
		c := r.peek()
		switch {
		case c == ';':
			for !r.eof() && r.peek() != '\n' {
				r.next()
			}
		case c == ',' || unicode.IsSpace(rune(c)):
			r.next()
		default:
			return
		}
	}
}

func (r *reader) read() (Form, error) {
	c := r.peek()
	switch c {
	case '(':
		line := r.line
		r.next()
		items, err := r.readSeq(')')
		if err != nil {
			return nil, err
		}
		return List{Items: items, Line: line}, nil
	case '[':
		line := r.line
		r.next()
		items, err := r.readSeq(']')
		if err != nil {
			return nil, err
		}
		return Vector{Items: items, Line: line}, nil
	case ')', ']', '}':
		r.next()
		return nil, r.errorf("Unmatched delimiter: %c", c)
	case '{', '\'', '`', '~', '@', '^', '#':
		return nil, r.errorf("unsupported reader syntax %q", c)
	case '"':
		return r.readString()
	case ':':
		r.next()
		tok := r.token()
		if tok == "" {
			return nil, r.errorf("Invalid token: :")
		}
		return Keyword(tok), nil
	}
	tok := r.token()
	if tok == "" {
		r.next()
		return nil, r.errorf("unexpected character %q", c)
	}
	return parseAtom(tok), nil
}

func (r *reader) readSeq(closer byte) ([]Form, error) {
	start := r.line
	items := []Form{}
	for {
		r.skipSpace()
		if r.eof() {
			return nil, &ReadError{Line: start, Message: "EOF while reading"}
		}
		if r.peek() == closer {
			r.next()
			return items, nil
		}
		f, err := r.read()
		if err != nil {
			return nil, err
		}
		items = append(items, f)
	}
}

func (r *reader) readString() (Form, error) {
	start := r.line
	r.next()
	var b strings.Builder
	for {
		if r.eof() {
			return nil, &ReadError{Line: start, Message: "EOF while reading string"}
		}
		c := r.next()
		switch c {
		case '"':
			return b.String(), nil
		case '\\':
			if r.eof() {
				return nil, &ReadError{Line: start, Message: "EOF while reading string"}
			}
			esc := r.next()
			switch esc {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case '"', '\\':
				b.WriteByte(esc)
			default:
				return nil, r.errorf("Unsupported escape character: \\%c", esc)
			}
		default:
			b.WriteByte(c)
		}
	}
}

func (r *reader) token() string {
	start := r.pos
	for !r.eof() {
		c := r.peek()
		if unicode.IsSpace(rune(c)) || strings.IndexByte("()[]{}\";,", c) >= 0 {
			break
		}
		r.next()
	}
	return r.src[start:r.pos]
}

func parseAtom(tok string) Form {
	switch tok {
	case "nil":
		return nil
	case "true":
		return true
	case "false":
		return false
	}
	if looksNumeric(tok) {
		if n, err := strconv.ParseInt(tok, 10, 64); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(tok, 64); err == nil {
			return f
		}
	}
	return parseSymbol(tok)
}

func looksNumeric(tok string) bool {
	if tok[0] == '+' || tok[0] == '-' {
		return len(tok) > 1 && tok[1] >= '0' && tok[1] <= '9'
	}
	return tok[0] >= '0' && tok[0] <= '9'
}

func parseSymbol(tok string) Symbol {
	if i := strings.IndexByte(tok, '/'); i > 0 && i < len(tok)-1 {
		return Symbol{NS: tok[:i], Name: tok[i+1:]}
	}
	return Symbol{Name: tok}
}
