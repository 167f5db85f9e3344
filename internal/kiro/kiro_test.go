package kiro

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegionalEndpoints(t *testing.T) {
	t.Parallel()
	require.Equal(t, "https://prod.eu-west-1.auth.desktop.kiro.dev/refreshToken", RefreshURL("eu-west-1"))
	require.Equal(t, "https://codewhisperer.eu-west-1.amazonaws.com", APIHost("eu-west-1"))
	require.Equal(t, "https://q.eu-west-1.amazonaws.com", QHost("eu-west-1"))

	// Empty region falls back to the default.
	require.Equal(t, "https://prod.us-east-1.auth.desktop.kiro.dev/refreshToken", RefreshURL(""))
	require.Equal(t, "https://codewhisperer.us-east-1.amazonaws.com", APIHost(""))
}

func TestFingerprintStable(t *testing.T) {
	t.Parallel()
	first := Fingerprint()
	require.Len(t, first, 64)
	require.Equal(t, first, Fingerprint())
	require.Equal(t, first[:16], ShortFingerprint(16))
	require.Equal(t, first, ShortFingerprint(1000))
}

func TestHeaderContextRefreshUserAgent(t *testing.T) {
	t.Parallel()
	hdr := HeaderContext{Fingerprint: "0123456789abcdef0123456789abcdef"}
	require.Equal(t, "KiroGateway-0123456789abcdef", hdr.RefreshUserAgent())
}

func TestHeaderContextAPIHeaders(t *testing.T) {
	t.Parallel()
	hdr := HeaderContext{
		Region:      "us-east-1",
		Fingerprint: Fingerprint(),
		AccessToken: "tok",
	}
	h := hdr.APIHeaders()
	require.Equal(t, "Bearer tok", h.Get("Authorization"))
	require.Equal(t, "application/json", h.Get("Content-Type"))
	require.Contains(t, h.Get("User-Agent"), "aws-sdk-js/1.0.27")
	require.Contains(t, h.Get("x-amz-user-agent"), "aws-sdk-js/1.0.27")
	require.Equal(t, "vibe", h.Get("x-amzn-kiro-agent-mode"))
}

func TestUsageClientPrefersQAPI(t *testing.T) {
	t.Parallel()
	qSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/GetSubscriptionUsage", r.URL.Path)
		require.Equal(t, "AI_EDITOR", r.URL.Query().Get("origin"))
		require.Equal(t, "arn:p", r.URL.Query().Get("profileArn"))
		_, _ = w.Write([]byte(`{"subscriptionInfo":{"tier":"pro"}}`))
	}))
	t.Cleanup(qSrv.Close)
	cwSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("fallback must not be called when Q API answers")
	}))
	t.Cleanup(cwSrv.Close)

	c := NewUsageClient("us-east-1").WithHosts(qSrv.URL, cwSrv.URL)
	data, err := c.GetSubscriptionUsage(context.Background(),
		HeaderContext{ProfileARN: "arn:p", AccessToken: "tok", Fingerprint: Fingerprint()})
	require.NoError(t, err)
	require.Contains(t, data, "subscriptionInfo")
}

func TestUsageClientFallsBackOn404(t *testing.T) {
	t.Parallel()
	qSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(qSrv.Close)
	cwSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/getUsageLimits", r.URL.Path)
		require.Equal(t, "AGENTIC_REQUEST", r.URL.Query().Get("resourceType"))
		require.NotEmpty(t, r.Header.Get("amz-sdk-invocation-id"))
		_, _ = w.Write([]byte(`{"limits":[]}`))
	}))
	t.Cleanup(cwSrv.Close)

	c := NewUsageClient("us-east-1").WithHosts(qSrv.URL, cwSrv.URL)
	data, err := c.GetSubscriptionUsage(context.Background(),
		HeaderContext{AccessToken: "tok", Fingerprint: Fingerprint()})
	require.NoError(t, err)
	require.Contains(t, data, "limits")
}

func TestUsageClientSurfacesFallbackFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	c := NewUsageClient("us-east-1").WithHosts(srv.URL, srv.URL)
	_, err := c.GetSubscriptionUsage(context.Background(),
		HeaderContext{AccessToken: "tok", Fingerprint: Fingerprint()})
	require.Error(t, err)
}
