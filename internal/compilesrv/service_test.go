package compilesrv

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/edgejit/internal/backend"
	"github.com/danmuck/edgejit/internal/observability"
	"github.com/danmuck/edgejit/internal/protocol"
	"github.com/danmuck/edgejit/internal/testutil/testlog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

func startService(t *testing.T, kind backend.Kind) *Service {
	t.Helper()
	orch, _ := newTestOrchestrator(t, kind)
	svc := NewService(ServiceConfig{WriteTimeout: 5 * time.Second}, orch)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatalf("service did not stop")
		}
	})
	require.Eventually(t, svc.Ready, time.Second, 10*time.Millisecond)
	return svc
}

type wireClient struct {
	conn  net.Conn
	codec *protocol.Codec
}

func dialService(t *testing.T, svc *Service) *wireClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", svc.Addr(), time.Second)
	require.NoError(t, err)
	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))
	return &wireClient{conn: conn, codec: protocol.NewCodec(conn)}
}

func (c *wireClient) roundTrip(t *testing.T, req protocol.Request) protocol.Response {
	t.Helper()
	require.NoError(t, c.codec.WriteRequest(req))
	resp, err := c.codec.ReadResponse()
	require.NoError(t, err)
	return resp
}

func TestServiceCorrelatesIDs(t *testing.T) {
	testlog.Start(t)
	svc := startService(t, backend.KindResident)
	c := dialService(t, svc)
	defer c.conn.Close()

	resp := c.roundTrip(t, protocol.Request{Op: protocol.OpPing, ID: 7})
	require.Equal(t, protocol.Pong(7), resp)

	resp = c.roundTrip(t, protocol.Request{Op: protocol.OpCompile, ID: 8, Code: "(+ 1 2)"})
	require.Equal(t, protocol.OpCompiled, resp.Op)
	require.Equal(t, int64(8), resp.ID)
	art := protocol.Artifact{Name: "user$repl", EntrySymbol: resp.Symbol, Object: resp.Object}
	require.Equal(t, int64(3), runArtifacts(t, newTestLinker(), art))
}

func TestServiceSurvivesBadRequests(t *testing.T) {
	testlog.Start(t)
	svc := startService(t, backend.KindTransient)
	c := dialService(t, svc)
	defer c.conn.Close()

	_, err := c.conn.Write([]byte("{this is not json\n"))
	require.NoError(t, err)
	resp, err := c.codec.ReadResponse()
	require.NoError(t, err)
	require.Equal(t, protocol.OpError, resp.Op)
	require.Equal(t, int64(0), resp.ID)
	require.Equal(t, protocol.KindProtocol, resp.Type)
	log.Info().Str("error", resp.Error).Msg("compilesrv/wire: malformed line rejected")

	resp = c.roundTrip(t, protocol.Request{Op: protocol.OpRequire, ID: 2, NS: "app.a"})
	require.Equal(t, protocol.KindProtocol, resp.Type)
	require.Equal(t, int64(2), resp.ID)

	resp = c.roundTrip(t, protocol.Request{Op: protocol.OpSource, ID: 3, NS: "app.a", Source: "(ns app.a)"})
	require.Equal(t, protocol.KindProtocol, resp.Type)

	resp = c.roundTrip(t, protocol.Request{Op: protocol.OpCompile, ID: 4, Code: "(undefined)"})
	require.Equal(t, protocol.KindCompile, resp.Type)
	require.Equal(t, int64(4), resp.ID)

	resp = c.roundTrip(t, protocol.Request{Op: protocol.OpPing, ID: 5})
	require.Equal(t, protocol.Pong(5), resp)
}

func TestServiceRawWireFormat(t *testing.T) {
	testlog.Start(t)
	svc := startService(t, backend.KindResident)
	conn, err := net.Dial("tcp", svc.Addr())
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))
	r := bufio.NewReader(conn)

	_, err = conn.Write([]byte("\r\n{\"op\":\"ping\",\"id\":1}\r\n"))
	require.NoError(t, err)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.JSONEq(t, `{"op":"pong","id":1}`, line)

	_, err = conn.Write([]byte(`{"op":"require","id":2,"ns":"app.c","source":"(ns app.c)\n(defn base [] 40)"}` + "\n"))
	require.NoError(t, err)
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &raw))
	require.Equal(t, "required", raw["op"])
	modules := raw["modules"].([]any)
	require.Len(t, modules, 1)
	mod := modules[0].(map[string]any)
	require.Equal(t, "app.c$loading__", mod["name"])
	require.True(t, strings.HasPrefix(mod["symbol"].(string), "_app_c_load_fn_"))
	require.NotEmpty(t, mod["object"])

	_, err = conn.Write([]byte(`{"op":"require","id":3,"ns":"app.c","source":"(ns app.c)"}` + "\n"))
	require.NoError(t, err)
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	require.JSONEq(t, `{"op":"required","id":3,"modules":[]}`, line)
}

func TestServiceDependencySetIsPerConnection(t *testing.T) {
	testlog.Start(t)
	svc := startService(t, backend.KindResident)

	first := dialService(t, svc)
	resp := first.roundTrip(t, protocol.Request{Op: protocol.OpRequire, ID: 1, NS: "app.a", Source: primarySource})
	require.Equal(t, []string{"app.c$loading__", "app.b$loading__", "app.a$loading__"}, artifactNames(resp.Modules))
	resp = first.roundTrip(t, protocol.Request{Op: protocol.OpRequire, ID: 2, NS: "app.a", Source: primarySource})
	require.Empty(t, resp.Modules)
	require.NoError(t, first.conn.Close())

	second := dialService(t, svc)
	defer second.conn.Close()
	resp = second.roundTrip(t, protocol.Request{Op: protocol.OpRequire, ID: 1, NS: "app.a", Source: primarySource})
	require.Len(t, resp.Modules, 3, "a new connection starts with an empty dependency set")

	status := svc.Status().(map[string]any)
	require.Equal(t, int64(2), status["connections_served"])
	require.Equal(t, "resident", status["backend"])
}

func TestServiceAdminRouter(t *testing.T) {
	testlog.Start(t)
	svc := startService(t, backend.KindResident)
	router := observability.NewAdminRouter("compile-server", svc, log.Logger)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"backend":"resident"`)
}

func TestServiceRunStopsOnCancel(t *testing.T) {
	testlog.Start(t)
	orch, _ := newTestOrchestrator(t, backend.KindResident)
	svc := NewService(ServiceConfig{ListenAddr: "127.0.0.1:0", AdminAddr: "127.0.0.1:0"}, orch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	require.Eventually(t, svc.Ready, time.Second, 10*time.Millisecond)

	conn, err := net.Dial("tcp", svc.Addr())
	require.NoError(t, err)
	defer conn.Close()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	require.False(t, svc.Ready())
	require.NoError(t, svc.Close())
}
