package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/a-essam23/go-chatroom/internal/server/middleware"
	"github.com/a-essam23/go-chatroom/pkg/config"
	"github.com/a-essam23/go-chatroom/pkg/logging"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

// capture records the metadata seen by the final handler.
type capture struct {
	called bool
	meta   middleware.RequestMetadata
}

func (c *capture) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.called = true
	if meta, ok := middleware.ReqMetadataFrom(r.Context()); ok {
		c.meta = *meta
	}
	w.WriteHeader(http.StatusNoContent)
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func signed(t *testing.T, key string, claims jwt.Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	require.NoError(t, err)
	return s
}

func TestChainOrder(t *testing.T) {
	var order []string
	tag := func(name string) middleware.Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	final := &capture{}
	h := middleware.Chain(final, tag("first"), nil, tag("second"))
	serve(h, httptest.NewRequest(http.MethodGet, "/ws", nil))

	assert.Equal(t, []string{"first", "second"}, order)
	assert.True(t, final.called)
}

func TestRequestMetadataIP(t *testing.T) {
	final := &capture{}
	h := middleware.Chain(final, middleware.RequestMetadataMiddleware(), middleware.NewRequestLogger(logging.Discard()))

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "10.0.0.7:5555"
	serve(h, r)

	assert.Equal(t, "10.0.0.7", final.meta.IP)
}

func TestConnectionLimiter(t *testing.T) {
	counts := map[string]int{"10.0.0.1": 2}
	var cycled []string
	counter := func(ip string) int { return counts[ip] }
	cycler := func(ip string) { cycled = append(cycled, ip) }

	request := func(ip string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.RemoteAddr = ip + ":1234"
		return r
	}
	build := func(cfg config.ConnectionLimitConfig) (*capture, http.Handler) {
		final := &capture{}
		return final, middleware.Chain(final,
			middleware.RequestMetadataMiddleware(),
			middleware.NewConnectionLimiter(logging.Discard(), counter, cycler, cfg),
		)
	}

	t.Run("reject", func(t *testing.T) {
		final, h := build(config.ConnectionLimitConfig{MaxPerIP: 2, Mode: "reject"})
		rec := serve(h, request("10.0.0.1"))
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.False(t, final.called)

		rec = serve(h, request("10.0.0.2"))
		assert.Equal(t, http.StatusNoContent, rec.Code, "other IPs are unaffected")
	})

	t.Run("cycle", func(t *testing.T) {
		final, h := build(config.ConnectionLimitConfig{MaxPerIP: 2, Mode: "cycle"})
		rec := serve(h, request("10.0.0.1"))
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.True(t, final.called)
		assert.Equal(t, []string{"10.0.0.1"}, cycled)
	})

	t.Run("disabled", func(t *testing.T) {
		final, h := build(config.ConnectionLimitConfig{Mode: "reject"})
		serve(h, request("10.0.0.1"))
		assert.True(t, final.called)
	})
}

func TestAuthMiddleware(t *testing.T) {
	build := func() (*capture, http.Handler) {
		final := &capture{}
		return final, middleware.Chain(final,
			middleware.RequestMetadataMiddleware(),
			middleware.NewAuthMiddleware(logging.Discard(), secret),
		)
	}
	withCookie := func(token string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.AddCookie(&http.Cookie{Name: middleware.SessionCookie, Value: token})
		return r
	}

	t.Run("valid token sets user", func(t *testing.T) {
		final, h := build()
		token := signed(t, secret, jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})
		rec := serve(h, withCookie(token))
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "alice", final.meta.UserID)
	})

	t.Run("missing cookie", func(t *testing.T) {
		final, h := build()
		rec := serve(h, httptest.NewRequest(http.MethodGet, "/ws", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.False(t, final.called)
	})

	t.Run("wrong key", func(t *testing.T) {
		final, h := build()
		rec := serve(h, withCookie(signed(t, "other", jwt.RegisteredClaims{Subject: "alice"})))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.False(t, final.called)
	})

	t.Run("expired", func(t *testing.T) {
		final, h := build()
		token := signed(t, secret, jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		})
		rec := serve(h, withCookie(token))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.False(t, final.called)
	})

	t.Run("missing subject", func(t *testing.T) {
		final, h := build()
		rec := serve(h, withCookie(signed(t, secret, jwt.RegisteredClaims{})))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.False(t, final.called)
	})
}
