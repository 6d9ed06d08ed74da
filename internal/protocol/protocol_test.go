package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/danmuck/edgejit/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	c := NewCodec(&buf)
	req := Request{Op: OpCompile, ID: 4, Code: "(println \"a\\tb\")\n", NS: "app.core", Module: "m"}
	require.NoError(t, c.WriteRequest(req))
	require.Equal(t, 1, strings.Count(buf.String(), "\n"), "one message must be one line")

	got, err := c.ReadRequest()
	require.NoError(t, err)
	require.Equal(t, req, got)
}

func TestCompileDefaultsNamespace(t *testing.T) {
	testlog.Start(t)
	c := NewCodec(bytes.NewBufferString(`{"op":"compile","id":1,"code":"(+ 1 2)"}` + "\n"))
	req, err := c.ReadRequest()
	require.NoError(t, err)
	require.Equal(t, DefaultNamespace, req.NS)
}

func TestReadRequestProtocolErrors(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name   string
		line   string
		id     int64
		target error
	}{
		{"malformed", `{"op":"compile",`, 0, ErrMalformed},
		{"missing op", `{"id":3}`, 3, ErrMalformed},
		{"unknown op", `{"op":"eval","id":5}`, 5, ErrUnknownOp},
		{"missing code", `{"op":"compile","id":6,"ns":"user"}`, 6, ErrInvalidRequest},
		{"missing source", `{"op":"require","id":7,"ns":"a"}`, 7, ErrInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewCodec(bytes.NewBufferString(tc.line + "\n" + `{"op":"ping","id":99}` + "\n"))
			req, err := c.ReadRequest()
			require.Error(t, err)
			require.Equal(t, KindProtocol, KindOf(err))
			require.True(t, errors.Is(err, tc.target), "got %v", err)
			require.Equal(t, tc.id, req.ID)

			next, err := c.ReadRequest()
			require.NoError(t, err, "stream must stay usable after a protocol error")
			require.Equal(t, OpPing, next.Op)
		})
	}
}

func TestRequiredEncodesEmptyModules(t *testing.T) {
	testlog.Start(t)
	payload, err := json.Marshal(Required(9, nil))
	require.NoError(t, err)
	require.JSONEq(t, `{"op":"required","id":9,"modules":[]}`, string(payload))
}

func TestResponseShapes(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		resp Response
		want string
	}{
		{Compiled(1, Artifact{EntrySymbol: "_f_0", Object: []byte{0x01, 0x02}}), `{"op":"compiled","id":1,"symbol":"_f_0","object":"AQI="}`},
		{Pong(2), `{"op":"pong","id":2}`},
		{ErrorResponse(3, Errorf(KindCrossCompile, "a.ir:1: error: boom")), `{"op":"error","id":3,"error":"a.ir:1: error: boom","type":"cross-compile"}`},
		{ErrorResponse(4, errors.New("plain")), `{"op":"error","id":4,"error":"plain","type":"compile"}`},
		{NativeSourceResult(5, ".func f 0 0"), `{"op":"native-source-result","id":5,"source":".func f 0 0"}`},
	}
	for _, tc := range cases {
		payload, err := json.Marshal(tc.resp)
		require.NoError(t, err)
		require.JSONEq(t, tc.want, string(payload))
	}
}

func TestResponseRoundTripCarriesModules(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	c := NewCodec(&buf)
	resp := Required(11, []Artifact{
		{Name: "c$loading__", EntrySymbol: "_c_0", Object: []byte("c")},
		{Name: "a$loading__", EntrySymbol: "_a_0", Object: []byte("a")},
	})
	require.NoError(t, c.WriteResponse(resp))
	got, err := c.ReadResponse()
	require.NoError(t, err)
	require.Equal(t, resp, got)
	require.NoError(t, got.Err())
}

func TestErrorResponseErr(t *testing.T) {
	testlog.Start(t)
	resp := Response{Op: OpError, ID: 1, Error: "Unable to resolve symbol: x", Type: KindCompile}
	err := resp.Err()
	require.Equal(t, KindCompile, KindOf(err))
	require.Contains(t, err.Error(), "Unable to resolve symbol")

	resp.Type = "weird"
	require.Equal(t, KindProtocol, KindOf(resp.Err()))
}

func TestLineLimitConsumesOversizedLine(t *testing.T) {
	testlog.Start(t)
	big := `{"op":"compile","id":1,"code":"` + strings.Repeat("x", 256) + `"}`
	c := NewCodec(bytes.NewBufferString(big + "\n" + `{"op":"ping","id":2}` + "\n"))
	c.SetMaxLineBytes(64)

	_, err := c.ReadRequest()
	require.True(t, errors.Is(err, ErrLineTooLarge), "got %v", err)
	next, err := c.ReadRequest()
	require.NoError(t, err)
	require.Equal(t, int64(2), next.ID)
}

func TestBlankLinesAndCRLF(t *testing.T) {
	testlog.Start(t)
	c := NewCodec(bytes.NewBufferString("\n\r\n" + `{"op":"ping","id":8}` + "\r\n"))
	req, err := c.ReadRequest()
	require.NoError(t, err)
	require.Equal(t, int64(8), req.ID)

	_, err = c.ReadRequest()
	require.ErrorIs(t, err, io.EOF)
}

func TestTruncatedLine(t *testing.T) {
	testlog.Start(t)
	c := NewCodec(bytes.NewBufferString(`{"op":"ping","id":8}`))
	_, err := c.ReadRequest()
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.Equal(t, ErrorKind(""), KindOf(err))
}
