package transport_test

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/a-essam23/go-chatroom/pkg/logging"
	"github.com/a-essam23/go-chatroom/pkg/protocol"
	"github.com/a-essam23/go-chatroom/pkg/transport"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gateway struct {
	upstream chan net.Conn
	closed   chan error
	wg       sync.WaitGroup
}

// startGateway serves one bridged session per WebSocket. The far end of each
// upstream pipe is handed to the test through g.upstream.
func startGateway(t *testing.T) (*gateway, string) {
	t.Helper()
	g := &gateway{upstream: make(chan net.Conn, 1), closed: make(chan error, 1)}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		near, far := net.Pipe()
		conn := transport.NewConnection(r.Context(), &g.wg, wsConn, near,
			transport.ConnectionConfig{ReadTimeout: 5 * time.Second, MaxFrameBytes: 1024},
			logging.Discard())
		conn.SetOnCloseHandler(func(_ uuid.UUID, err error) { g.closed <- err })
		g.upstream <- far
		conn.Run()
		<-conn.Done()
	}))
	t.Cleanup(srv.Close)
	return g, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialGateway(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.CloseNow() })
	return c
}

func TestGatewayForwardsBothWays(t *testing.T) {
	g, url := startGateway(t)
	client := dialGateway(t, url)
	upstream := <-g.upstream
	defer upstream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, client.Write(ctx, websocket.MessageText, []byte(`{"command":"sign_in","args":["alice","pw"]}`)))
	frame, err := protocol.ReadFrame(upstream, 0)
	require.NoError(t, err)
	assert.Equal(t, "sign_in|alice|pw", string(frame))

	require.NoError(t, client.Write(ctx, websocket.MessageText, []byte("show_online_user")))
	frame, err = protocol.ReadFrame(upstream, 0)
	require.NoError(t, err)
	assert.Equal(t, "show_online_user", string(frame))

	require.NoError(t, protocol.WriteFrame(upstream, []byte("sign_in|1|登录成功")))
	typ, msg, err := client.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)
	assert.Equal(t, "sign_in|1|登录成功", string(msg))
}

func TestGatewaySkipsBadEnvelope(t *testing.T) {
	g, url := startGateway(t)
	client := dialGateway(t, url)
	upstream := <-g.upstream
	defer upstream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, client.Write(ctx, websocket.MessageText, []byte(`{"command":`)))
	require.NoError(t, client.Write(ctx, websocket.MessageText, []byte("q")))

	frame, err := protocol.ReadFrame(upstream, 0)
	require.NoError(t, err)
	assert.Equal(t, "q", string(frame), "the broken envelope never reaches upstream")
}

func TestGatewayFlushesBeforeUpstreamClose(t *testing.T) {
	g, url := startGateway(t)
	client := dialGateway(t, url)
	upstream := <-g.upstream

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		_ = protocol.WriteFrame(upstream, []byte("q|1|bye"))
		_ = upstream.Close()
	}()

	_, msg, err := client.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "q|1|bye", string(msg))

	_, _, err = client.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))

	select {
	case <-g.closed:
	case <-ctx.Done():
		t.Fatal("session never closed")
	}
	g.wg.Wait()
}

func TestGatewayClosesUpstreamWhenClientLeaves(t *testing.T) {
	g, url := startGateway(t)
	client := dialGateway(t, url)
	upstream := <-g.upstream
	defer upstream.Close()

	require.NoError(t, client.Close(websocket.StatusNormalClosure, ""))

	_ = upstream.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := protocol.ReadFrame(upstream, 0)
	require.Error(t, err, "the upstream side sees the session end")

	select {
	case <-g.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("session never closed")
	}
}
