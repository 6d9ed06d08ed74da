package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/danmuck/edgejit/internal/protocol/schema"
)

// MaxLineBytes bounds one encoded message. Object payloads for a whole
// namespace closure travel in one line, so the bound is generous.
const MaxLineBytes = 64 << 20

// Codec reads and writes newline-delimited JSON messages on one stream.
// It is not safe for concurrent use.
type Codec struct {
	r   *bufio.Reader
	w   io.Writer
	max int
}

func NewCodec(rw io.ReadWriter) *Codec {
	return NewCodecReaderWriter(rw, rw)
}

func NewCodecReaderWriter(r io.Reader, w io.Writer) *Codec {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, 64*1024)
	}
	return &Codec{r: br, w: w, max: MaxLineBytes}
}

// SetMaxLineBytes overrides the line limit. Values <= 0 restore the default.
func (c *Codec) SetMaxLineBytes(n int) {
	if n <= 0 {
		n = MaxLineBytes
	}
	c.max = n
}

func (c *Codec) WriteRequest(req Request) error {
	return c.write(req)
}

func (c *Codec) WriteResponse(resp Response) error {
	return c.write(resp)
}

// ReadRequest reads and validates one request. Decoding failures are returned
// as protocol-kind *Error values and leave the stream usable; any other error
// comes from the underlying reader. The returned request carries the id
// whenever it could be decoded, so a protocol error can still be correlated.
func (c *Codec) ReadRequest() (Request, error) {
	line, err := c.readLine()
	if err != nil {
		return Request{}, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return Request{}, Errorf(KindProtocol, "%w: %v", ErrMalformed, err)
	}
	var req Request
	if raw, ok := fields[schema.FieldID]; ok {
		_ = json.Unmarshal(raw, &req.ID)
	}
	var op string
	if raw, ok := fields[schema.FieldOp]; ok {
		_ = json.Unmarshal(raw, &op)
	}
	op = strings.TrimSpace(op)
	if op == "" {
		return req, Errorf(KindProtocol, "%w: missing op", ErrMalformed)
	}
	req.Op = Op(op)
	if !schema.Known(op) {
		return req, Errorf(KindProtocol, "%w: %q", ErrUnknownOp, op)
	}
	if err := schema.Validate(op, fields); err != nil {
		return req, Errorf(KindProtocol, "%w: %v", ErrInvalidRequest, err)
	}
	if err := json.Unmarshal(line, &req); err != nil {
		return req, Errorf(KindProtocol, "%w: %v", ErrMalformed, err)
	}
	if (req.Op == OpCompile || req.Op == OpNativeSource) && strings.TrimSpace(req.NS) == "" {
		req.NS = DefaultNamespace
	}
	return req, nil
}

// ReadResponse reads one response. A malformed line is a protocol-kind *Error.
func (c *Codec) ReadResponse() (Response, error) {
	line, err := c.readLine()
	if err != nil {
		return Response{}, err
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return Response{}, Errorf(KindProtocol, "%w: %v", ErrMalformed, err)
	}
	if resp.Op == "" {
		return resp, Errorf(KindProtocol, "%w: missing op", ErrMalformed)
	}
	return resp, nil
}

func (c *Codec) write(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(payload) >= c.max {
		return Errorf(KindProtocol, "%w: %d bytes", ErrLineTooLarge, len(payload))
	}
	payload = append(payload, '\n')
	_, err = c.w.Write(payload)
	return err
}

// readLine returns the next non-blank line without its terminator. An
// oversized line is consumed up to its newline before the error is returned.
func (c *Codec) readLine() ([]byte, error) {
	for {
		var buf []byte
		tooLarge := false
		for {
			chunk, err := c.r.ReadSlice('\n')
			if !tooLarge {
				if len(buf)+len(chunk) > c.max+2 {
					tooLarge = true
					buf = nil
				} else {
					buf = append(buf, chunk...)
				}
			}
			if err == nil {
				break
			}
			if errors.Is(err, bufio.ErrBufferFull) {
				continue
			}
			if errors.Is(err, io.EOF) && len(buf) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if tooLarge {
			return nil, Errorf(KindProtocol, "%w: limit %d bytes", ErrLineTooLarge, c.max)
		}
		line := bytes.TrimRight(buf, "\r\n")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return line, nil
	}
}
