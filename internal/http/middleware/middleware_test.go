package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagewatch/pagewatch-runner/internal/domain"
	"github.com/pagewatch/pagewatch-runner/internal/services"
)

func get(r *gin.Engine, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	code, _ := body["code"].(string)
	return code
}

func TestRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := get(r, "/x", nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	// A caller-provided id is propagated rather than replaced.
	w = get(r, "/x", map[string]string{"X-Request-ID": "caller-id-1"})
	assert.Equal(t, "caller-id-1", w.Header().Get("X-Request-ID"))
}

func TestRateLimiter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter(0, 2, KeyByClientOrIP())
	r := gin.New()
	r.Use(rl.Handler())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	// Burst of 2 with no refill: third request is rejected.
	assert.Equal(t, http.StatusOK, get(r, "/x", nil).Code)
	assert.Equal(t, http.StatusOK, get(r, "/x", nil).Code)

	w := get(r, "/x", nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate_limited", errCode(t, w))
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter(0, 1, func(c *gin.Context) string {
		return c.GetHeader("X-Client-ID")
	})
	r := gin.New()
	r.Use(rl.Handler())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, get(r, "/x", map[string]string{"X-Client-ID": "a"}).Code)
	assert.Equal(t, http.StatusTooManyRequests, get(r, "/x", map[string]string{"X-Client-ID": "a"}).Code)
	// A different identity still has its full bucket.
	assert.Equal(t, http.StatusOK, get(r, "/x", map[string]string{"X-Client-ID": "b"}).Code)
}

type staticValidator struct {
	tok *domain.Token
	err error
}

func (v staticValidator) Validate(secret string) (*domain.Token, error) { return v.tok, v.err }

func TestBearerToken(t *testing.T) {
	gin.SetMode(gin.TestMode)

	newRouter := func(v TokenValidator) *gin.Engine {
		r := gin.New()
		r.Use(BearerToken(v))
		r.GET("/x", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"secret":   TokenSecret(c),
				"clientId": ClientID(c),
			})
		})
		return r
	}

	t.Run("valid", func(t *testing.T) {
		r := newRouter(staticValidator{tok: &domain.Token{ClientID: "client-9"}})
		w := get(r, "/x", map[string]string{"Authorization": "Bearer good-secret"})
		require.Equal(t, http.StatusOK, w.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "good-secret", body["secret"])
		assert.Equal(t, "client-9", body["clientId"])
	})

	t.Run("missing", func(t *testing.T) {
		r := newRouter(staticValidator{err: services.ErrTokenNotFound})
		w := get(r, "/x", nil)
		require.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "token_missing", errCode(t, w))
	})

	t.Run("malformed header", func(t *testing.T) {
		r := newRouter(staticValidator{err: services.ErrTokenNotFound})
		w := get(r, "/x", map[string]string{"Authorization": "Basic dXNlcjpwYXNz"})
		require.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "token_missing", errCode(t, w))
	})

	t.Run("unknown", func(t *testing.T) {
		r := newRouter(staticValidator{err: services.ErrTokenNotFound})
		w := get(r, "/x", map[string]string{"Authorization": "Bearer nope"})
		require.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "token_invalid", errCode(t, w))
	})

	t.Run("expired", func(t *testing.T) {
		r := newRouter(staticValidator{err: services.ErrTokenExpired})
		w := get(r, "/x", map[string]string{"Authorization": "Bearer stale"})
		require.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "token_expired", errCode(t, w))
	})
}
