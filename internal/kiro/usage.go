package kiro

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// UsageClient fetches subscription usage for one identity. It tries the Q
// API first and falls back to the CodeWhisperer getUsageLimits call when
// the Q endpoint is unavailable.
type UsageClient struct {
	httpClient *http.Client
	qHost      string
	cwHost     string
}

// NewUsageClient builds a usage client for a region. Host overrides exist
// for tests.
func NewUsageClient(region string) *UsageClient {
	return &UsageClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		qHost:      QHost(region),
		cwHost:     APIHost(region),
	}
}

// WithHosts overrides both endpoints (testing).
func (c *UsageClient) WithHosts(qHost, cwHost string) *UsageClient {
	c.qHost = qHost
	c.cwHost = cwHost
	return c
}

// GetSubscriptionUsage returns the raw usage document for the identity the
// header context represents.
func (c *UsageClient) GetSubscriptionUsage(ctx context.Context, hdr HeaderContext) (map[string]any, error) {
	data, err := c.fromQAPI(ctx, hdr)
	if err == nil && data != nil {
		return data, nil
	}
	if err != nil {
		log.WithError(err).Info("Q usage API not available, trying CodeWhisperer")
	}
	return c.fromUsageLimits(ctx, hdr)
}

// fromQAPI calls GetSubscriptionUsage on the Q host. A 404 means the API is
// not rolled out for this account; return nil so the fallback runs.
func (c *UsageClient) fromQAPI(ctx context.Context, hdr HeaderContext) (map[string]any, error) {
	q := url.Values{"origin": {"AI_EDITOR"}}
	if hdr.ProfileARN != "" {
		q.Set("profileArn", hdr.ProfileARN)
	} else {
		log.Warn("profile ARN is empty, GetSubscriptionUsage may fail")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.qHost+"/GetSubscriptionUsage?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	for key, vals := range hdr.APIHeaders() {
		req.Header[key] = vals
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return decodeUsage(resp.Body)
	case resp.StatusCode == http.StatusNotFound:
		log.Info("GetSubscriptionUsage API not available (404)")
		return nil, nil
	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, fmt.Errorf("GetSubscriptionUsage failed: HTTP %d: %s", resp.StatusCode, raw)
	}
}

// fromUsageLimits is the legacy CodeWhisperer fallback with its own header
// dialect.
func (c *UsageClient) fromUsageLimits(ctx context.Context, hdr HeaderContext) (map[string]any, error) {
	q := url.Values{
		"isEmailRequired": {"true"},
		"origin":          {"AI_EDITOR"},
		"resourceType":    {"AGENTIC_REQUEST"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cwHost+"/getUsageLimits?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	const kiroVersion = "0.6.18"
	ident := "KiroIDE-" + kiroVersion + "-" + hdr.Fingerprint
	req.Header.Set("Authorization", "Bearer "+hdr.AccessToken)
	req.Header.Set("x-amz-user-agent", "aws-sdk-js/1.0.0 "+ident)
	req.Header.Set("User-Agent",
		"aws-sdk-js/1.0.0 ua/2.1 os/linux lang/js md/nodejs#20.16.0 api/codewhispererruntime#1.0.0 m/E "+ident)
	req.Header.Set("amz-sdk-invocation-id", uuid.NewString())
	req.Header.Set("amz-sdk-request", "attempt=1; max=1")
	req.Header.Set("Connection", "close")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, fmt.Errorf("getUsageLimits failed: HTTP %d: %s", resp.StatusCode, raw)
	}
	return decodeUsage(resp.Body)
}

func decodeUsage(r io.Reader) (map[string]any, error) {
	var data map[string]any
	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode usage response: %w", err)
	}
	return data, nil
}
