// Package auth implements the per-identity credential lifecycle: cached
// access tokens, locked refresh against the Kiro auth endpoint, and
// persist-before-mutate rotation handling.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/NevinXuHui/KiroGate/internal/constants"
	gwerrors "github.com/NevinXuHui/KiroGate/internal/errors"
	"github.com/NevinXuHui/KiroGate/internal/kiro"
	"github.com/NevinXuHui/KiroGate/internal/monitoring/tracing"
	"github.com/NevinXuHui/KiroGate/internal/store"
)

// PersistFunc writes a refresh rotation durably. It runs before any
// in-memory manager state changes; if it fails the refresh fails.
type PersistFunc func(ctx context.Context, rot store.Rotation) error

// Manager owns the access-token cache for one upstream identity. All
// refreshes for the identity serialize on its mutex, so concurrent callers
// that observe a stale token block and then reuse the one refreshed token.
type Manager struct {
	id           int64
	region       string
	threshold    time.Duration
	persist      PersistFunc
	httpClient   *http.Client
	now          func() time.Time
	backoffBase  time.Duration
	refreshURLFn func(region string) string

	mu           sync.Mutex
	refreshToken string
	clientID     string
	clientSecret string
	accessToken  string
	profileARN   string
	expiresAt    time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithHTTPClient overrides the refresh HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) { m.httpClient = client }
}

// WithNow overrides the clock (testing).
func WithNow(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithBackoffBase overrides the retry backoff base (testing).
func WithBackoffBase(base time.Duration) Option {
	return func(m *Manager) { m.backoffBase = base }
}

// WithRefreshThreshold overrides how long before expiry a token counts as
// stale.
func WithRefreshThreshold(threshold time.Duration) Option {
	return func(m *Manager) { m.threshold = threshold }
}

// WithRefreshURL overrides refresh endpoint construction (testing).
func WithRefreshURL(fn func(region string) string) Option {
	return func(m *Manager) { m.refreshURLFn = fn }
}

// NewManager builds a manager for one identity. persist may be nil when
// rotations need no durable write (transient health-check managers).
func NewManager(id int64, region, profileARN string, creds store.Credentials, persist PersistFunc, opts ...Option) *Manager {
	if region == "" {
		region = kiro.DefaultRegion
	}
	m := &Manager{
		id:           id,
		region:       region,
		profileARN:   profileARN,
		refreshToken: creds.RefreshToken,
		clientID:     creds.ClientID,
		clientSecret: creds.ClientSecret,
		threshold:    constants.ExpirySafetyBuffer,
		persist:      persist,
		httpClient:   &http.Client{Timeout: constants.RefreshRequestTimeout},
		now:          time.Now,
		backoffBase:  constants.RefreshBaseDelay,
		refreshURLFn: kiro.RefreshURL,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ID returns the identity id this manager serves.
func (m *Manager) ID() int64 { return m.id }

// Region returns the identity's Kiro region.
func (m *Manager) Region() string { return m.region }

// APIHost returns the CodeWhisperer host for the identity's region.
func (m *Manager) APIHost() string { return kiro.APIHost(m.region) }

// QHost returns the Q host for the identity's region.
func (m *Manager) QHost() string { return kiro.QHost(m.region) }

// Fingerprint returns the process machine fingerprint.
func (m *Manager) Fingerprint() string { return kiro.Fingerprint() }

// ProfileARN returns the current profile ARN (may change on rotation).
func (m *Manager) ProfileARN() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profileARN
}

// HeaderContext snapshots the fields needed to build upstream API headers.
func (m *Manager) HeaderContext() kiro.HeaderContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return kiro.HeaderContext{
		Region:      m.region,
		ProfileARN:  m.profileARN,
		Fingerprint: kiro.Fingerprint(),
		AccessToken: m.accessToken,
	}
}

// expiringSoonLocked reports whether the cached token needs a refresh.
// Callers hold m.mu.
func (m *Manager) expiringSoonLocked() bool {
	if m.accessToken == "" || m.expiresAt.IsZero() {
		return true
	}
	return !m.expiresAt.After(m.now().Add(m.threshold))
}

// GetAccessToken returns a currently-valid access token, refreshing under
// the identity lock when the cache is empty or expiring soon. Callers that
// block on the lock behind a refresh return the refreshed token without a
// second upstream call.
func (m *Manager) GetAccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.expiringSoonLocked() {
		return m.accessToken, nil
	}
	return m.refreshLocked(ctx)
}

// ForceRefresh refreshes unconditionally. Used after an upstream 403 that
// suggests the cached token was revoked.
func (m *Manager) ForceRefresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshLocked(ctx)
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	// Pointer distinguishes an omitted expiresIn (default applies) from an
	// explicit zero (token is already expired).
	ExpiresIn  *int64 `json:"expiresIn"`
	ProfileARN string `json:"profileArn"`
}

// refreshLocked runs the retry loop and applies the rotation. A failed
// refresh leaves prior cached state untouched. Callers hold m.mu.
func (m *Manager) refreshLocked(ctx context.Context) (string, error) {
	if m.refreshToken == "" {
		return "", gwerrors.Newf(gwerrors.KindNoRefreshToken, "identity %d has no refresh token", m.id)
	}

	ctx, span := tracing.StartSpan(ctx, "auth", "token.refresh")
	defer span.End()
	span.SetAttributes(attribute.Int64("identity.id", m.id), attribute.String("identity.region", m.region))

	parsed, err := m.refreshWithRetry(ctx)
	if err != nil {
		return "", err
	}

	expiresIn := constants.DefaultExpiresIn
	if parsed.ExpiresIn != nil {
		expiresIn = time.Duration(*parsed.ExpiresIn) * time.Second
	}
	expiresAt := m.now().Add(expiresIn - constants.ExpirySafetyBuffer)

	rot := store.Rotation{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		ProfileARN:   parsed.ProfileARN,
		ExpiresAt:    expiresAt,
	}
	if m.persist != nil {
		if err := m.persist(ctx, rot); err != nil {
			return "", fmt.Errorf("persist rotation for identity %d: %w", m.id, err)
		}
	}

	m.accessToken = parsed.AccessToken
	m.expiresAt = expiresAt
	if parsed.RefreshToken != "" {
		m.refreshToken = parsed.RefreshToken
	}
	if parsed.ProfileARN != "" {
		m.profileARN = parsed.ProfileARN
	}

	log.WithFields(log.Fields{
		"identity":   m.id,
		"region":     m.region,
		"expires_at": expiresAt.Format(time.RFC3339),
	}).Info("Access token refreshed")
	return m.accessToken, nil
}

// refreshWithRetry performs the initial attempt plus up to
// RefreshMaxRetries retries with exponential backoff on transient failures.
func (m *Manager) refreshWithRetry(ctx context.Context) (*refreshResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= constants.RefreshMaxRetries; attempt++ {
		if attempt > 0 {
			delay := m.backoffBase
			for i := 1; i < attempt; i++ {
				delay *= constants.RefreshBackoffFactor
			}
			log.WithFields(log.Fields{
				"identity": m.id,
				"attempt":  attempt + 1,
				"delay":    delay.String(),
			}).Warn("Retrying token refresh")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		parsed, status, err := m.refreshOnce(ctx)
		if err == nil {
			return parsed, nil
		}
		lastErr = err

		if gwerrors.IsKind(err, gwerrors.KindMalformedResponse) {
			return nil, err
		}
		var transport error
		if status == 0 {
			transport = err
		}
		if gwerrors.Classify(status, transport) == gwerrors.Fatal {
			return nil, err
		}
	}
	return nil, lastErr
}

// refreshOnce issues a single refresh request. status is 0 when the request
// never produced an HTTP response.
func (m *Manager) refreshOnce(ctx context.Context) (*refreshResponse, int, error) {
	body := map[string]string{"refreshToken": m.refreshToken}
	if m.clientID != "" || m.clientSecret != "" {
		body["clientId"] = m.clientID
		body["clientSecret"] = m.clientSecret
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("encode refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.refreshURLFn(m.region), bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "KiroGateway-"+kiro.ShortFingerprint(16))

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, 0, gwerrors.Wrap(gwerrors.KindUpstreamTransient, "refresh request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		kind := gwerrors.KindUpstreamRefused
		if gwerrors.Classify(resp.StatusCode, nil) == gwerrors.Retry {
			kind = gwerrors.KindUpstreamTransient
		}
		return nil, resp.StatusCode, gwerrors.Newf(kind,
			"refresh rejected with status %d: %s", resp.StatusCode, string(raw)).
			WithStatus(resp.StatusCode)
	}

	var parsed refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, resp.StatusCode, gwerrors.Wrap(gwerrors.KindMalformedResponse, "decode refresh response", err)
	}
	if parsed.AccessToken == "" {
		return nil, resp.StatusCode, gwerrors.New(gwerrors.KindMalformedResponse, "refresh response has no accessToken")
	}
	return &parsed, resp.StatusCode, nil
}
