package ledger_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/api-sage/mpesa-ledger-bridge/internal/gateway/ledger"
)

var upgrader = websocket.Upgrader{}

// ledgerStub is a scripted in-process ledger endpoint.
type ledgerStub struct {
	server *httptest.Server
	// handle receives each inbound request envelope with a reply function.
	handle func(conn *websocket.Conn, req map[string]any)
}

func newLedgerStub(t *testing.T, handle func(conn *websocket.Conn, req map[string]any)) *ledgerStub {
	t.Helper()
	stub := &ledgerStub{handle: handle}
	stub.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var req map[string]any
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			stub.handle(conn, req)
		}
	}))
	t.Cleanup(stub.server.Close)
	return stub
}

func (s *ledgerStub) wsURL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

// stubWriteMu serializes stub-side frame writes; replies may come from
// delayed goroutines.
var stubWriteMu sync.Mutex

func reply(conn *websocket.Conn, reqID any, result map[string]any) {
	stubWriteMu.Lock()
	defer stubWriteMu.Unlock()
	_ = conn.WriteJSON(map[string]any{"req_id": reqID, "result": result})
}

func replyError(conn *websocket.Conn, reqID any, code, message string) {
	stubWriteMu.Lock()
	defer stubWriteMu.Unlock()
	_ = conn.WriteJSON(map[string]any{"req_id": reqID, "error": map[string]any{"code": code, "message": message}})
}

func testConfig(url string) ledger.Config {
	return ledger.Config{
		URL:         url,
		CallTimeout: 2 * time.Second,
	}
}

func TestCallCorrelatesOutOfOrderResponses(t *testing.T) {
	stub := newLedgerStub(t, func(conn *websocket.Conn, req map[string]any) {
		// Answer the second request before the first.
		if req["op"] == "slow" {
			go func(id any) {
				time.Sleep(100 * time.Millisecond)
				reply(conn, id, map[string]any{"which": "slow"})
			}(req["req_id"])
			return
		}
		reply(conn, req["req_id"], map[string]any{"which": "fast"})
	})

	client := ledger.NewClient(testConfig(stub.wsURL()))
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	type outcome struct {
		which string
		err   error
	}
	results := make(chan outcome, 2)
	call := func(op string) {
		payload, err := client.Call(context.Background(), op, nil)
		if err != nil {
			results <- outcome{err: err}
			return
		}
		var decoded struct {
			Which string `json:"which"`
		}
		_ = json.Unmarshal(payload, &decoded)
		results <- outcome{which: decoded.Which}
	}
	go call("slow")
	time.Sleep(20 * time.Millisecond)
	go call("fast")

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		out := <-results
		require.NoError(t, out.err)
		seen[out.which] = true
	}
	assert.True(t, seen["slow"] && seen["fast"], "each caller must receive its own response")
}

func TestCallSurfacesRPCError(t *testing.T) {
	stub := newLedgerStub(t, func(conn *websocket.Conn, req map[string]any) {
		replyError(conn, req["req_id"], "InsufficientBalance", "Insufficient balance")
	})

	client := ledger.NewClient(testConfig(stub.wsURL()))
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	_, err := client.Call(context.Background(), "transfer_debit", map[string]any{"amount": "10.00"})
	require.Error(t, err)

	var rpcErr *ledger.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "InsufficientBalance", rpcErr.Code)
	assert.Equal(t, "Insufficient balance", rpcErr.Message)
}

func TestCallTimesOutWhenServerStaysSilent(t *testing.T) {
	stub := newLedgerStub(t, func(*websocket.Conn, map[string]any) {
		// Swallow requests.
	})

	client := ledger.NewClient(testConfig(stub.wsURL()))
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	_, err := client.CallWithTimeout(context.Background(), "transfer_credit", nil, 50*time.Millisecond)
	require.ErrorIs(t, err, ledger.ErrCallTimeout)
}

func TestLateResponseAfterTimeoutIsDropped(t *testing.T) {
	release := make(chan struct{})
	stub := newLedgerStub(t, func(conn *websocket.Conn, req map[string]any) {
		go func(id any) {
			<-release
			reply(conn, id, map[string]any{"ok": true})
		}(req["req_id"])
	})

	client := ledger.NewClient(testConfig(stub.wsURL()))
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	_, err := client.CallWithTimeout(context.Background(), "transfer_credit", nil, 50*time.Millisecond)
	require.ErrorIs(t, err, ledger.ErrCallTimeout)

	// Deliver the stale response, then prove the next call is resolved by its
	// own response, not the stale one.
	close(release)
	time.Sleep(50 * time.Millisecond)
	payload, err := client.CallWithTimeout(context.Background(), "transfer_credit", nil, time.Second)
	require.NoError(t, err)
	var decoded struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.True(t, decoded.OK)
}

func TestUnknownCorrelationIDIsDropped(t *testing.T) {
	stub := newLedgerStub(t, func(conn *websocket.Conn, req map[string]any) {
		reply(conn, 999999, map[string]any{"stray": true})
		reply(conn, req["req_id"], map[string]any{"ok": true})
	})

	client := ledger.NewClient(testConfig(stub.wsURL()))
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	payload, err := client.Call(context.Background(), "transfer_credit", nil)
	require.NoError(t, err)

	var decoded struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.True(t, decoded.OK)
}

func TestConnectAuthorizesWhenTokenConfigured(t *testing.T) {
	ops := make(chan string, 4)
	stub := newLedgerStub(t, func(conn *websocket.Conn, req map[string]any) {
		op, _ := req["op"].(string)
		ops <- op
		if op == "authorize" {
			if token, _ := req["token"].(string); token != "secret-token" {
				replyError(conn, req["req_id"], "InvalidToken", "Invalid or expired token")
				return
			}
		}
		reply(conn, req["req_id"], map[string]any{"authorized": true})
	})

	cfg := testConfig(stub.wsURL())
	cfg.APIToken = "secret-token"
	client := ledger.NewClient(cfg)
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	assert.Equal(t, "authorize", <-ops)
}

func TestConnectFailsOnRejectedToken(t *testing.T) {
	stub := newLedgerStub(t, func(conn *websocket.Conn, req map[string]any) {
		replyError(conn, req["req_id"], "InvalidToken", "Invalid or expired token")
	})

	cfg := testConfig(stub.wsURL())
	cfg.APIToken = "wrong"
	client := ledger.NewClient(cfg)
	err := client.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authorize ledger session")
	client.Close()
}

func TestCloseRejectsPendingAndFutureCalls(t *testing.T) {
	stub := newLedgerStub(t, func(*websocket.Conn, map[string]any) {})

	client := ledger.NewClient(testConfig(stub.wsURL()))
	require.NoError(t, client.Connect(context.Background()))

	errs := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "transfer_credit", nil)
		errs <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, client.Close())

	require.ErrorIs(t, <-errs, ledger.ErrClientClosed)

	_, err := client.Call(context.Background(), "transfer_credit", nil)
	require.ErrorIs(t, err, ledger.ErrClientClosed)
}

func TestReconnectDelaySequence(t *testing.T) {
	base := time.Second
	max := 30 * time.Second

	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second,
		30 * time.Second, 30 * time.Second,
	}
	for i, expected := range want {
		attempt := i + 1
		assert.Equalf(t, expected, ledger.ReconnectDelay(base, max, attempt), "attempt %d", attempt)
	}
}

// restartableStub is a ledger endpoint that can be dropped and brought back
// on the same address, so the client's reconnect path can be driven for real.
type restartableStub struct {
	t      *testing.T
	addr   string
	handle func(conn *websocket.Conn, req map[string]any)

	mu    sync.Mutex
	ln    net.Listener
	conns []*websocket.Conn
}

func newRestartableStub(t *testing.T, handle func(conn *websocket.Conn, req map[string]any)) *restartableStub {
	t.Helper()
	stub := &restartableStub{t: t, handle: handle}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	stub.addr = ln.Addr().String()
	stub.serve(ln)
	t.Cleanup(stub.stop)
	return stub
}

func (s *restartableStub) wsURL() string {
	return "ws://" + s.addr
}

func (s *restartableStub) serve(ln net.Listener) {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		defer conn.Close()
		for {
			var req map[string]any
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			s.handle(conn, req)
		}
	})}
	go func() { _ = srv.Serve(ln) }()
}

// stop closes the listener and every live connection. Upgraded websockets are
// hijacked from the http server, so they must be closed explicitly.
func (s *restartableStub) stop() {
	s.mu.Lock()
	ln := s.ln
	s.ln = nil
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, conn := range conns {
		_ = conn.Close()
	}
}

func (s *restartableStub) start() {
	ln, err := net.Listen("tcp", s.addr)
	require.NoError(s.t, err)
	s.serve(ln)
}

func waitForRecovery(t *testing.T, client *ledger.Client) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := client.CallWithTimeout(context.Background(), "transfer_credit", nil, 100*time.Millisecond); err == nil {
			return
		}
	}
	t.Fatal("client did not reconnect in time")
}

func TestReconnectHaltsAfterMaxAttempts(t *testing.T) {
	stub := newRestartableStub(t, func(conn *websocket.Conn, req map[string]any) {
		reply(conn, req["req_id"], map[string]any{"ok": true})
	})

	client := ledger.NewClient(ledger.Config{
		URL:           stub.wsURL(),
		CallTimeout:   time.Second,
		ReconnectBase: time.Millisecond,
		ReconnectMax:  2 * time.Millisecond,
		MaxReconnects: 3,
	})
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	// Take the endpoint away for good; every reconnect attempt must fail
	// until the client gives up.
	stub.stop()

	deadline := time.Now().Add(3 * time.Second)
	var err error
	for time.Now().Before(deadline) {
		_, err = client.CallWithTimeout(context.Background(), "transfer_credit", nil, 20*time.Millisecond)
		if errors.Is(err, ledger.ErrReconnectHalted) {
			break
		}
	}
	require.ErrorIs(t, err, ledger.ErrReconnectHalted)

	// Halted is sticky: no further call may trigger another dial.
	_, err = client.Call(context.Background(), "transfer_credit", nil)
	require.ErrorIs(t, err, ledger.ErrReconnectHalted)
}

func TestReconnectRestoresSessionAndResetsAttempts(t *testing.T) {
	var authorizes atomic.Int32
	stub := newRestartableStub(t, func(conn *websocket.Conn, req map[string]any) {
		if req["op"] == "authorize" {
			authorizes.Add(1)
		}
		reply(conn, req["req_id"], map[string]any{"ok": true})
	})

	client := ledger.NewClient(ledger.Config{
		URL:           stub.wsURL(),
		APIToken:      "secret-token",
		CallTimeout:   time.Second,
		ReconnectBase: 20 * time.Millisecond,
		ReconnectMax:  20 * time.Millisecond,
		MaxReconnects: 3,
	})
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	// Drop the connection more times than MaxReconnects allows in one
	// sequence. Each drop is followed by an immediate restore, so every
	// sequence succeeds on its first attempt; only a counter reset after
	// each successful reconnect lets the fourth drop still recover.
	for i := 0; i < 4; i++ {
		stub.stop()
		stub.start()
		waitForRecovery(t, client)
	}

	// Authorization is reapplied on every fresh connection: the initial
	// connect plus one per recovered drop.
	assert.Eventually(t, func() bool {
		return authorizes.Load() == 5
	}, time.Second, 10*time.Millisecond, "expected authorize on connect and on each reconnect")
}

func TestKeepalivePongIsDiscarded(t *testing.T) {
	stub := newLedgerStub(t, func(conn *websocket.Conn, req map[string]any) {
		if req["op"] == "ping" {
			stubWriteMu.Lock()
			_ = conn.WriteJSON(map[string]any{"pong": 1})
			stubWriteMu.Unlock()
			return
		}
		reply(conn, req["req_id"], map[string]any{"ok": true})
	})

	cfg := testConfig(stub.wsURL())
	cfg.KeepaliveInterval = 20 * time.Millisecond
	client := ledger.NewClient(cfg)
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	// Let several keepalive rounds pass, then prove the connection still
	// serves correlated calls.
	time.Sleep(100 * time.Millisecond)
	payload, err := client.Call(context.Background(), "transfer_credit", nil)
	require.NoError(t, err)
	assert.NotNil(t, payload)
}
