package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/edirooss/compilebroker/internal/broker"
)

func serve(r *gin.Engine, method, path string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func init() { gin.SetMode(gin.TestMode) }

func TestRequestID(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, GetRequestID(c)) })

	w := serve(r, "GET", "/", nil)
	id := w.Header().Get(RequestIDHeader)
	_, err := uuid.Parse(id)
	require.NoError(t, err)
	require.Equal(t, id, w.Body.String())

	given := uuid.NewString()
	w = serve(r, "GET", "/", map[string]string{RequestIDHeader: given})
	require.Equal(t, given, w.Header().Get(RequestIDHeader))

	w = serve(r, "GET", "/", map[string]string{RequestIDHeader: "not-a-uuid"})
	require.NotEqual(t, "not-a-uuid", w.Header().Get(RequestIDHeader))
}

func TestLimitConcurrent(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	r := gin.New()
	r.GET("/", LimitConcurrent(1), func(c *gin.Context) {
		entered <- struct{}{}
		<-release
		c.Status(http.StatusOK)
	})

	first := make(chan int)
	go func() { first <- serve(r, "GET", "/", nil).Code }()
	<-entered

	require.Equal(t, http.StatusTooManyRequests, serve(r, "GET", "/", nil).Code)

	close(release)
	require.Equal(t, http.StatusOK, <-first)
}

func TestRequireValidTier(t *testing.T) {
	r := gin.New()
	r.GET("/t/:tier", RequireValidTier(2), func(c *gin.Context) { c.String(http.StatusOK, GetTier(c).String()) })

	w := serve(r, "GET", "/t/optimizing", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, broker.TierOptimizing.String(), w.Body.String())

	w = serve(r, "GET", "/t/0", nil)
	require.Equal(t, "baseline", w.Body.String())

	require.Equal(t, http.StatusNotFound, serve(r, "GET", "/t/2", nil).Code)
	require.Equal(t, http.StatusBadRequest, serve(r, "GET", "/t/fast", nil).Code)
}

func TestAccessLog(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	r := gin.New()
	r.Use(RequestID(), AccessLog(zap.New(core)))
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/boom", func(c *gin.Context) {
		c.Error(errors.New("kaput"))
		c.Status(http.StatusInternalServerError)
	})

	serve(r, "GET", "/ok", nil)
	serve(r, "GET", "/boom", nil)

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, zap.DebugLevel, entries[0].Level)
	require.Equal(t, zap.ErrorLevel, entries[1].Level)
	require.Equal(t, "/boom", entries[1].ContextMap()["route"])
	require.Equal(t, "kaput", entries[1].ContextMap()["error"])
	require.NotEmpty(t, entries[1].ContextMap()["request_id"])
}
