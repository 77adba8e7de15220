//go:build linux

package server_test

import (
	"context"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/a-essam23/go-chatroom/internal/server"
	"github.com/a-essam23/go-chatroom/pkg/config"
	"github.com/a-essam23/go-chatroom/pkg/logging"
	"github.com/a-essam23/go-chatroom/pkg/protocol"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Address:         "127.0.0.1:0",
			Workers:         4,
			MaxFrameBytes:   64 * 1024,
			MaxPendingBytes: 1024 * 1024,
			ReadBufferBytes: 4096,
			MaxEvents:       64,
			ShutdownTimeout: 5 * time.Second,
		},
		Store: config.StoreConfig{Driver: "memory"},
		Gateway: config.GatewayConfig{
			Enabled:         true,
			Address:         "127.0.0.1:0",
			ReadTimeout:     time.Minute,
			ConnectionLimit: config.ConnectionLimitConfig{Mode: "reject"},
		},
	}
}

type running struct {
	app    *server.App
	cancel context.CancelFunc
	errc   chan error
}

// stop cancels the root context and returns what Run returned.
func (r *running) stop(t *testing.T) error {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.errc:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
		return nil
	}
}

func startApp(t *testing.T, cfg *config.Config) *running {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	app, err := server.NewApp(logging.Discard(), ctx, cfg)
	require.NoError(t, err)

	r := &running{app: app, cancel: cancel, errc: make(chan error, 1)}
	go func() { r.errc <- app.Run() }()
	t.Cleanup(func() {
		cancel()
		_ = app.Shutdown()
	})
	return r
}

type client struct {
	t    *testing.T
	conn net.Conn
}

func dialChat(t *testing.T, app *server.App) *client {
	t.Helper()
	conn, err := net.DialTimeout("tcp", app.ChatAddr().String(), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn}
}

func (c *client) send(line string) {
	c.t.Helper()
	require.NoError(c.t, protocol.WriteFrame(c.conn, []byte(line)))
}

func (c *client) recv() string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	frame, err := protocol.ReadFrame(c.conn, 0)
	require.NoError(c.t, err)
	return string(frame)
}

func (c *client) signUpAndIn(name string) {
	c.t.Helper()
	c.send("sign_up|" + name + "|" + name + "-pw")
	require.Equal(c.t, "sign_up|1|"+protocol.MsgPleaseSignIn, c.recv())
	c.send("sign_in|" + name + "|" + name + "-pw")
	require.Equal(c.t, "sign_in|1|"+protocol.MsgOK, c.recv())
}

func TestChatOverTCP(t *testing.T) {
	r := startApp(t, testConfig())
	alice := dialChat(t, r.app)
	bob := dialChat(t, r.app)

	alice.signUpAndIn("alice")
	bob.signUpAndIn("bob")

	alice.send("single_chat|bob|hi bob")
	assert.Equal(t, "single_chat|1|alice;hi bob", bob.recv())
	assert.Equal(t, "single_chat|2|"+protocol.MsgSent, alice.recv())

	alice.send("show_online_user")
	assert.Equal(t, "show_online_user|1|alice\nbob", alice.recv())

	bob.send("q")
	assert.Equal(t, "q|1|"+protocol.MsgBye, bob.recv())
	require.NoError(t, bob.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := protocol.ReadFrame(bob.conn, 0)
	assert.ErrorIs(t, err, io.EOF, "quit closes the connection after the reply")

	assert.NoError(t, r.stop(t))
}

func TestOfflineMessagesSurviveReconnect(t *testing.T) {
	cfg := testConfig()
	cfg.Store = config.StoreConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "chat.db")}
	r := startApp(t, cfg)

	bob := dialChat(t, r.app)
	bob.signUpAndIn("bob")
	bob.send("q")
	require.Equal(t, "q|1|"+protocol.MsgBye, bob.recv())

	alice := dialChat(t, r.app)
	alice.signUpAndIn("alice")
	alice.send("single_chat|bob|while you were out")
	require.Equal(t, "single_chat|2|"+protocol.MsgSent, alice.recv())

	again := dialChat(t, r.app)
	again.send("sign_in|bob|bob-pw")
	assert.Equal(t, "sign_in|1|"+protocol.MsgOK, again.recv())
	unread := again.recv()
	assert.True(t, strings.HasPrefix(unread, "chat_unread|1|alice "), unread)
	assert.True(t, strings.HasSuffix(unread, " while you were out"), unread)

	assert.NoError(t, r.stop(t))
}

func TestGatewayBridgesToChat(t *testing.T) {
	r := startApp(t, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws://"+r.app.HTTPAddr().String()+"/ws", nil)
	require.NoError(t, err)
	defer ws.CloseNow()

	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte(`{"command":"sign_up","args":["carol","pw"]}`)))
	_, msg, err := ws.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sign_up|1|"+protocol.MsgPleaseSignIn, string(msg))

	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte("sign_in|carol|pw")))
	_, msg, err = ws.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sign_in|1|"+protocol.MsgOK, string(msg))

	// the browser's peer is an ordinary chat connection
	dave := dialChat(t, r.app)
	dave.signUpAndIn("dave")
	dave.send("single_chat|carol|hello from tcp")
	_, msg, err = ws.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "single_chat|1|dave;hello from tcp", string(msg))

	assert.NoError(t, r.stop(t))
}

func TestGatewayConnectionLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Gateway.ConnectionLimit = config.ConnectionLimitConfig{MaxPerIP: 1, Mode: "reject"}
	r := startApp(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws://" + r.app.HTTPAddr().String() + "/ws"

	first, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer first.CloseNow()

	// the session registers once the upgrade completes; a round trip proves it
	require.NoError(t, first.Write(ctx, websocket.MessageText, []byte("sign_up|erin|pw")))
	_, _, err = first.Read(ctx)
	require.NoError(t, err)

	_, resp, err := websocket.Dial(ctx, url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	assert.NoError(t, r.stop(t))
}

func scrape(t *testing.T, app *server.App) string {
	t.Helper()
	resp, err := http.Get("http://" + app.HTTPAddr().String() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetricsEndpoint(t *testing.T) {
	r := startApp(t, testConfig())
	c := dialChat(t, r.app)
	c.send("show_online_user")
	c.recv()

	// the command is counted after its handler returns, which may trail the reply
	require.Eventually(t, func() bool {
		return strings.Contains(scrape(t, r.app), `chatroom_commands_total{command="show_online_user",status="ok"} 1`)
	}, 5*time.Second, 20*time.Millisecond)

	body := scrape(t, r.app)
	assert.Contains(t, body, "chatroom_connections_accepted_total 1")
	assert.Contains(t, body, "go_goroutines")

	assert.NoError(t, r.stop(t))
}

func TestShutdownClosesClients(t *testing.T) {
	r := startApp(t, testConfig())
	c := dialChat(t, r.app)
	c.signUpAndIn("frank")

	require.NoError(t, r.stop(t))

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := protocol.ReadFrame(c.conn, 0)
	assert.Error(t, err)

	_, err = net.DialTimeout("tcp", r.app.ChatAddr().String(), time.Second)
	assert.Error(t, err, "the listener is closed")
}

func TestNewAppRejectsBadStore(t *testing.T) {
	cfg := testConfig()
	cfg.Store = config.StoreConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "missing", "dir", "chat.db")}
	_, err := server.NewApp(logging.Discard(), context.Background(), cfg)
	assert.Error(t, err)
}
