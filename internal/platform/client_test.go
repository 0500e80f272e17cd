package platform

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/daxiondi/seedance2.0/types"
)

func testPlatform(baseURL string) *Platform {
	p := Jimeng()
	p.BaseURL = baseURL
	return p
}

func instantBackoff(int) time.Duration { return 0 }

func TestClient_SuccessCarriesSignatureAndCookies(t *testing.T) {
	var gotSign, gotCookie, gotAid string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSign = r.Header.Get("sign")
		gotCookie = r.Header.Get("Cookie")
		gotAid = r.URL.Query().Get("aid")
		io.WriteString(w, `{"ret": "0", "data": {"ok": true}}`)
	}))
	defer srv.Close()

	c := NewClient(zap.NewNop(), WithRetryBackoff(instantBackoff))
	data, err := c.Request(context.Background(), http.MethodPost, "/mweb/v1/aigc_draft/generate",
		testPlatform(srv.URL), "tok123", RequestOptions{
			Body:   map[string]any{"prompt": "a cat"},
			Cookie: "sessionid_ss=override; ttwid=w1",
		})
	require.NoError(t, err)
	assert.Equal(t, true, data["ok"])

	assert.Len(t, gotSign, 32)
	assert.Equal(t, "513695", gotAid)
	// Token under every alias, caller cookie wins for shared keys.
	assert.Contains(t, gotCookie, "sessionid=tok123")
	assert.Contains(t, gotCookie, "sessionid_ss=override")
	assert.Contains(t, gotCookie, "ttwid=w1")
}

func TestClient_CallerParamsWinOverDefaults(t *testing.T) {
	var gotRegion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRegion = r.URL.Query().Get("region")
		io.WriteString(w, `{"ret": 0, "data": {}}`)
	}))
	defer srv.Close()

	c := NewClient(zap.NewNop(), WithRetryBackoff(instantBackoff))
	_, err := c.Request(context.Background(), http.MethodGet, "/x", testPlatform(srv.URL), "t",
		RequestOptions{Params: map[string]string{"region": "SG"}})
	require.NoError(t, err)
	assert.Equal(t, "SG", gotRegion)
}

func TestClient_BusinessErrorNeverRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		io.WriteString(w, `{"ret": 1015, "errmsg": "login expired"}`)
	}))
	defer srv.Close()

	c := NewClient(zap.NewNop(), WithRetryBackoff(instantBackoff))
	_, err := c.Request(context.Background(), http.MethodGet, "/x", testPlatform(srv.URL), "t", RequestOptions{})
	require.Error(t, err)
	assert.Equal(t, types.ErrAuthentication, types.GetErrorCode(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

// flakyTransport fails n times at the transport level, then delegates.
type flakyTransport struct {
	failures int32
	inner    http.RoundTripper
}

func (f *flakyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if atomic.AddInt32(&f.failures, -1) >= 0 {
		return nil, errors.New("connection reset by peer")
	}
	return f.inner.RoundTrip(r)
}

func TestClient_RetryBudgetExhaustsAtFourthAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"ret": 0, "data": {"answer": 42}}`)
	}))
	defer srv.Close()

	// 3 transport failures then success: the 4th attempt lands.
	transport := &flakyTransport{failures: 3, inner: http.DefaultTransport}
	c := NewClient(zap.NewNop(),
		WithHTTPClient(&http.Client{Transport: transport}),
		WithRetryBackoff(instantBackoff),
	)
	data, err := c.Request(context.Background(), http.MethodGet, "/x", testPlatform(srv.URL), "t", RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, 42.0, data["answer"])

	// 4 transport failures: budget exhausted, the error propagates.
	transport = &flakyTransport{failures: 4, inner: http.DefaultTransport}
	c = NewClient(zap.NewNop(),
		WithHTTPClient(&http.Client{Transport: transport}),
		WithRetryBackoff(instantBackoff),
	)
	_, err = c.Request(context.Background(), http.MethodGet, "/x", testPlatform(srv.URL), "t", RequestOptions{})
	require.Error(t, err)
	assert.Equal(t, types.ErrUpstreamError, types.GetErrorCode(err))
}

func TestClient_ServerErrorRetryable(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		io.WriteString(w, `{"ret": 0, "data": {}}`)
	}))
	defer srv.Close()

	c := NewClient(zap.NewNop(), WithRetryBackoff(instantBackoff))
	_, err := c.Request(context.Background(), http.MethodGet, "/x", testPlatform(srv.URL), "t", RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClient_HTMLChallengeSurfacesCookieField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "<html><head><title>verify</title></head></html>")
	}))
	defer srv.Close()

	c := NewClient(zap.NewNop(), WithRetryBackoff(instantBackoff))
	_, err := c.Request(context.Background(), http.MethodGet, "/x", testPlatform(srv.URL), "t", RequestOptions{})
	require.Error(t, err)
	assert.Equal(t, types.ErrAuthentication, types.GetErrorCode(err))
	assert.Contains(t, err.Error(), `"sessionid"`)
}

func TestClient_CallObserverRecordsPerAttemptOutcomes(t *testing.T) {
	var mu sync.Mutex
	var outcomes []string
	observer := func(platformKey, outcome string) {
		mu.Lock()
		outcomes = append(outcomes, platformKey+":"+outcome)
		mu.Unlock()
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"ret": 0, "data": {}}`)
	}))
	defer srv.Close()

	// 1 transport failure then success: one outcome per attempt.
	transport := &flakyTransport{failures: 1, inner: http.DefaultTransport}
	c := NewClient(zap.NewNop(),
		WithHTTPClient(&http.Client{Transport: transport}),
		WithRetryBackoff(instantBackoff),
		WithCallObserver(observer),
	)
	_, err := c.Request(context.Background(), http.MethodGet, "/x", testPlatform(srv.URL), "t", RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"jimeng:" + string(types.ErrUpstreamError),
		"jimeng:ok",
	}, outcomes)

	// Business errors surface their classified code.
	outcomes = nil
	bizSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"ret": 1015, "errmsg": "login expired"}`)
	}))
	defer bizSrv.Close()

	c = NewClient(zap.NewNop(), WithRetryBackoff(instantBackoff), WithCallObserver(observer))
	_, err = c.Request(context.Background(), http.MethodGet, "/x", testPlatform(bizSrv.URL), "t", RequestOptions{})
	require.Error(t, err)
	assert.Equal(t, []string{"jimeng:" + string(types.ErrAuthentication)}, outcomes)
}

func TestSessionCookieHeader_AliasOrderPreserved(t *testing.T) {
	p := Jimeng()
	header := SessionCookieHeader(p, "tok", "")
	first := strings.Split(header, "; ")[0]
	assert.Equal(t, "sessionid=tok", first)
}
