package server

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Tyrowin/gorelay/internal/credential"
	"github.com/Tyrowin/gorelay/internal/protocol"
	"github.com/Tyrowin/gorelay/internal/registry"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	testAPIKey  = "test-key"
	testVersion = 42
	readTimeout = 2 * time.Second
)

// newTestRelay starts a relay behind an httptest server. mutate may adjust
// the config before the server is built.
func newTestRelay(t *testing.T, mutate func(*Config)) (*Server, *httptest.Server) {
	t.Helper()

	cfg := NewConfig()
	cfg.APIKey = testAPIKey
	cfg.Version = testVersion
	cfg.MetricsInterval = 0
	if mutate != nil {
		mutate(cfg)
	}

	relay, err := New(*cfg, zerolog.Nop())
	require.NoError(t, err)
	relay.Start()

	ts := httptest.NewServer(relay.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = relay.Shutdown(2 * time.Second)
	})
	return relay, ts
}

// makeRequest performs a request with an optional api key header.
func makeRequest(t *testing.T, method, target, apiKey string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, target, http.NoBody)
	require.NoError(t, err)
	if apiKey != "" {
		req.Header.Set(apiKeyHeader, apiKey)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func fetchToken(t *testing.T, ts *httptest.Server) credential.Credential {
	t.Helper()

	resp := makeRequest(t, http.MethodGet, ts.URL+"/token", testAPIKey)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cred credential.Credential
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cred))
	require.NotEmpty(t, cred.Token)
	return cred
}

func wsURL(ts *httptest.Server, token string) string {
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	return u
}

// dialRelay fetches a token and opens a websocket with it.
func dialRelay(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()

	token := fetchToken(t, ts).Token
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	headers := http.Header{}
	headers.Set("Origin", "http://localhost:8080")

	conn, resp, err := dialer.Dial(wsURL(ts, token), headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendRaw(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, env protocol.Envelope) {
	t.Helper()
	data, err := protocol.Encode(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	env, err := protocol.Decode(data)
	require.NoError(t, err, "frame: %s", data)
	return env
}

// readUntil reads envelopes until match returns true and returns that one.
func readUntil(t *testing.T, conn *websocket.Conn, match func(protocol.Envelope) bool) protocol.Envelope {
	t.Helper()
	for {
		env := readEnvelope(t, conn)
		if match(env) {
			return env
		}
	}
}

// expectSilence asserts that nothing arrives on conn for d.
func expectSilence(t *testing.T, conn *websocket.Conn, d time.Duration) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(d)))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame: %s", data)
}

// connectClient dials and consumes the Connect greeting, returning the
// assigned id.
func connectClient(t *testing.T, ts *httptest.Server) (*websocket.Conn, uuid.UUID) {
	t.Helper()

	conn := dialRelay(t, ts)
	env := readEnvelope(t, conn)
	connect, ok := env.Content.(protocol.Connect)
	require.True(t, ok, "expected connect, got %T", env.Content)
	require.EqualValues(t, testVersion, connect.Version)
	return conn, connect.ID
}

// joinAs connects and claims name, returning once the client has seen its
// own Joined.
func joinAs(t *testing.T, ts *httptest.Server, name string) (*websocket.Conn, uuid.UUID) {
	t.Helper()

	conn, id := connectClient(t, ts)
	sendEnvelope(t, conn, protocol.Envelope{Content: protocol.SetName{Name: name}})
	readUntil(t, conn, isJoined(id, name))
	return conn, id
}

func isJoined(id uuid.UUID, name string) func(protocol.Envelope) bool {
	return func(env protocol.Envelope) bool {
		j, ok := env.Content.(protocol.Joined)
		return ok && j.ID == id && j.Name == name
	}
}

func isLeft(id uuid.UUID) func(protocol.Envelope) bool {
	return func(env protocol.Envelope) bool {
		l, ok := env.Content.(protocol.Left)
		return ok && l.ID == id
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, readTimeout, 10*time.Millisecond)
}

func testLogger() zerolog.Logger { return zerolog.Nop() }

func newTestRegistry() *registry.Registry { return registry.New() }

// pipeConn is an in-memory Conn. Frames pushed by the test are read by the
// session, text frames the session writes are collected in out and close
// frames in closes.
type pipeConn struct {
	in     chan []byte
	out    chan []byte
	closes chan []byte
	closed chan struct{}
	once   sync.Once
}

func newPipeConn() *pipeConn {
	return newPipeConnBuffered(64)
}

// newPipeConnBuffered returns a pipeConn whose writes block once outBuffer
// text frames are waiting to be read.
func newPipeConnBuffered(outBuffer int) *pipeConn {
	return &pipeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, outBuffer),
		closes: make(chan []byte, 1),
		closed: make(chan struct{}),
	}
}

func (c *pipeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.in:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *pipeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	switch messageType {
	case websocket.TextMessage:
	case websocket.CloseMessage:
		select {
		case c.closes <- data:
		default:
		}
		return nil
	default:
		return nil
	}
	select {
	case c.out <- data:
		return nil
	case <-c.closed:
		return net.ErrClosed
	}
}

func (c *pipeConn) SetReadLimit(int64)                {}
func (c *pipeConn) SetReadDeadline(time.Time) error   { return nil }
func (c *pipeConn) SetWriteDeadline(time.Time) error  { return nil }
func (c *pipeConn) SetPongHandler(func(string) error) {}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *pipeConn) push(frame string) {
	c.in <- []byte(frame)
}

func (c *pipeConn) nextWritten(t *testing.T) protocol.Envelope {
	t.Helper()
	select {
	case data := <-c.out:
		env, err := protocol.Decode(data)
		require.NoError(t, err)
		return env
	case <-time.After(readTimeout):
		t.Fatal("no frame written")
		return protocol.Envelope{}
	}
}

// runSession starts session on its own goroutine and returns a channel that
// is closed when Run returns.
func runSession(t *testing.T, session *Session) <-chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		session.Run(t.Context())
		close(done)
	}()
	return done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(readTimeout):
		t.Fatal("session did not finish")
	}
}
