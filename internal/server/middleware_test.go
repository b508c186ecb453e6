package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func statusHandler(code int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(code)
	})
}

func serve(h http.Handler, method, target string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, http.NoBody)
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{name: "generated when absent", incoming: "", keep: false},
		{name: "propagated when well formed", incoming: "vdev0-connect-17", keep: true},
		{name: "replaced when it has spaces", incoming: "a b", keep: false},
		{name: "replaced when too long", incoming: strings.Repeat("x", maxRequestIDLen+1), keep: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := RequestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				seen = RequestID(r.Context())
			}))
			rec := serve(h, http.MethodGet, "/api/v1/cm/vdevs", func(r *http.Request) {
				if tt.incoming != "" {
					r.Header.Set(requestIDHeader, tt.incoming)
				}
			})

			got := rec.Header().Get(requestIDHeader)
			assert.Equal(t, seen, got, "context and header ids differ")
			if tt.keep {
				assert.Equal(t, tt.incoming, got)
				return
			}
			_, err := uuid.Parse(got)
			assert.NoError(t, err, "expected a generated uuid, got %q", got)
		})
	}
}

func TestLoggingMiddleware(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	h := LoggingMiddleware(zap.New(core), nil, []string{"/metrics"})(
		RequestIDMiddleware(statusHandler(http.StatusAccepted)))

	t.Run("one entry without the query string", func(t *testing.T) {
		rec := serve(h, http.MethodPost, "/api/v1/cm/vdevs/0/connect?ssid=corp-secret")
		require.Equal(t, http.StatusAccepted, rec.Code)
		require.Equal(t, 1, logs.Len())

		entry := logs.TakeAll()[0]
		assert.Equal(t, zapcore.InfoLevel, entry.Level)
		for _, f := range entry.Context {
			assert.NotContains(t, f.String, "corp-secret", "field %q", f.Key)
		}
		assert.Equal(t, "/api/v1/cm/vdevs/0/connect", entry.ContextMap()["path"])
	})

	t.Run("quiet paths are not logged", func(t *testing.T) {
		serve(h, http.MethodGet, "/metrics")
		assert.Equal(t, 0, logs.Len())
	})

	t.Run("server errors log at warn", func(t *testing.T) {
		failing := LoggingMiddleware(zap.New(core), nil, nil)(statusHandler(http.StatusBadGateway))
		serve(failing, http.MethodGet, "/api/v1/lmac/links")
		require.Equal(t, 1, logs.Len())
		assert.Equal(t, zapcore.WarnLevel, logs.TakeAll()[0].Level)
	})
}

func TestLoggingMiddleware_RecordsMetricsByPattern(t *testing.T) {
	metrics := NewHTTPMetrics(prometheus.NewRegistry())

	mux := http.NewServeMux()
	mux.Handle("GET /api/v1/cm/vdevs/{vdev}", statusHandler(http.StatusOK))
	h := LoggingMiddleware(zap.NewNop(), metrics, []string{"/nowhere"})(mux)

	for _, path := range []string{"/api/v1/cm/vdevs/0", "/api/v1/cm/vdevs/1", "/nowhere"} {
		serve(h, http.MethodGet, path)
	}

	assert.InDelta(t, 2, testutil.ToFloat64(metrics.requests.WithLabelValues("GET", "GET /api/v1/cm/vdevs/{vdev}", "200")), 0)
	// Quiet paths still count.
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.requests.WithLabelValues("GET", "unmatched", "404")), 0)
}

func TestResponseHeaders(t *testing.T) {
	h := Chain(statusHandler(http.StatusOK), SecurityHeadersMiddleware, VersionHeaderMiddleware)
	rec := serve(h, http.MethodGet, "/api/v1/cm/vdevs")

	for _, kv := range securityHeaders {
		assert.Equal(t, kv[1], rec.Header().Get(kv[0]), kv[0])
	}
	assert.NotEmpty(t, rec.Header().Get("X-Wlancm-Version"))
}

func TestRecoveryMiddleware(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	mw := RecoveryMiddleware(zap.New(core))

	t.Run("panic becomes problem response", func(t *testing.T) {
		h := mw(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("nil candidate")
		}))
		rec := serve(h, http.MethodPost, "/api/v1/cm/vdevs/0/roam")

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
		assert.Equal(t, 1, logs.Len())
	})

	t.Run("normal responses pass through", func(t *testing.T) {
		rec := serve(mw(statusHandler(http.StatusNoContent)), http.MethodGet, "/")
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("abort handler is re-raised", func(t *testing.T) {
		h := mw(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic(http.ErrAbortHandler)
		}))
		assert.PanicsWithValue(t, http.ErrAbortHandler, func() { serve(h, http.MethodGet, "/") })
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	from := func(addr string) func(*http.Request) {
		return func(r *http.Request) { r.RemoteAddr = addr }
	}

	t.Run("burst then 429", func(t *testing.T) {
		h := RateLimitMiddleware(1, 2, nil)(statusHandler(http.StatusOK))
		for i := range 2 {
			rec := serve(h, http.MethodGet, "/api/v1/scan/bss", from("10.0.0.1:5000"))
			require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
		}
		rec := serve(h, http.MethodGet, "/api/v1/scan/bss", from("10.0.0.1:5000"))
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "1", rec.Header().Get("Retry-After"))

		// Another client has its own bucket.
		rec = serve(h, http.MethodGet, "/api/v1/scan/bss", from("10.0.0.2:5000"))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("exempt paths bypass the limiter", func(t *testing.T) {
		h := RateLimitMiddleware(0.001, 1, []string{"/healthz"})(statusHandler(http.StatusOK))
		for i := range 10 {
			rec := serve(h, http.MethodGet, "/healthz", from("10.0.0.3:5000"))
			require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
		}
	})
}

func (s *limiterSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func TestLimiterSet_DropsIdleClients(t *testing.T) {
	s := newLimiterSet(1, 1)
	t0 := time.Unix(1_700_000_000, 0)

	s.allow("10.0.0.1", t0)
	s.allow("10.0.0.2", t0.Add(limiterIdle))
	require.Equal(t, 2, s.size())

	s.allow("10.0.0.2", t0.Add(limiterIdle+limiterSweep+time.Second))
	assert.Equal(t, 1, s.size(), "idle client should be swept")
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{name: "peer address", remote: "192.168.1.100:12345", want: "192.168.1.100"},
		{name: "forwarded via local proxy", remote: "127.0.0.1:8080", xff: "203.0.113.50, 70.41.3.18", want: "203.0.113.50"},
		{name: "forwarded via ipv6 loopback", remote: "[::1]:8080", xff: "203.0.113.7", want: "203.0.113.7"},
		{name: "forwarded header from remote peer ignored", remote: "198.51.100.9:443", xff: "10.0.0.1", want: "198.51.100.9"},
		{name: "remote without port", remote: "192.168.1.5", want: "192.168.1.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			assert.Equal(t, tt.want, clientIP(req))
		})
	}
}

func TestChain_Order(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name+">")
				next.ServeHTTP(w, r)
				order = append(order, "<"+name)
			})
		}
	}
	inner := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { order = append(order, "handler") })

	serve(Chain(inner, tag("outer"), tag("inner")), http.MethodGet, "/")

	assert.Equal(t, []string{"outer>", "inner>", "handler", "<inner", "<outer"}, order)
}

func TestTrackingWriter_FirstStatusWins(t *testing.T) {
	tw := &trackingWriter{ResponseWriter: httptest.NewRecorder(), code: http.StatusOK}
	tw.WriteHeader(http.StatusCreated)
	tw.WriteHeader(http.StatusNotFound)
	assert.Equal(t, http.StatusCreated, tw.code)

	implicit := &trackingWriter{ResponseWriter: httptest.NewRecorder(), code: http.StatusOK}
	_, _ = implicit.Write([]byte("{}"))
	implicit.WriteHeader(http.StatusTeapot)
	assert.Equal(t, http.StatusOK, implicit.code, "status after body write is ignored")
}
