package httpcaller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCall_SuccessNoRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(testr.New(t), false)
	resp := c.Get(context.Background(), srv.URL, Options{Backoff: []time.Duration{time.Millisecond}})
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestCall_400And404NotRetried(t *testing.T) {
	for _, code := range []int{http.StatusBadRequest, http.StatusNotFound} {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(code)
		}))

		c := New(testr.New(t), false)
		resp := c.Get(context.Background(), srv.URL, Options{Backoff: []time.Duration{time.Millisecond, time.Millisecond}})
		require.NotNil(t, resp)
		assert.Equal(t, code, resp.StatusCode)
		assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
		srv.Close()
	}
}

func TestCall_5xxRetriesThenReturnsLastResponse(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(testr.New(t), false)
	resp := c.Get(context.Background(), srv.URL, Options{Backoff: []time.Duration{time.Millisecond, time.Millisecond}})
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestCall_401TriggersSingleTokenRefresh(t *testing.T) {
	var calls int32
	var sawTokens []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		sawTokens = append(sawTokens, r.Header.Get("Authorization"))
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var fetches int32
	fetcher := func(ctx context.Context) (string, error) {
		n := atomic.AddInt32(&fetches, 1)
		if n == 1 {
			return "stale", nil
		}
		return "fresh", nil
	}

	c := New(testr.New(t), false)
	resp := c.Get(context.Background(), srv.URL, Options{
		Backoff:      []time.Duration{time.Millisecond},
		TokenFetcher: fetcher,
	})

	require.NotNil(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
	assert.EqualValues(t, 2, atomic.LoadInt32(&fetches), "exactly one refresh should occur")
	require.Len(t, sawTokens, 2)
	assert.Equal(t, "Token stale", sawTokens[0])
	assert.Equal(t, "Token fresh", sawTokens[1])
}

func TestCall_TransportErrorExhaustsBackoffThenNil(t *testing.T) {
	c := New(testr.New(t), false)
	resp := c.Get(context.Background(), "http://127.0.0.1:1", Options{
		Backoff: []time.Duration{time.Millisecond, time.Millisecond},
	})
	assert.Nil(t, resp)
}
