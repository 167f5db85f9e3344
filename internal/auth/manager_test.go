package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	gwerrors "github.com/NevinXuHui/KiroGate/internal/errors"
	"github.com/NevinXuHui/KiroGate/internal/store"
)

// refreshStub is a fake Kiro refresh endpoint with scripted responses.
type refreshStub struct {
	mu        sync.Mutex
	calls     int64
	responses []stubResponse
	lastBody  map[string]string
}

type stubResponse struct {
	status int
	body   string
}

func (s *refreshStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&s.calls, 1)

		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		s.mu.Lock()
		s.lastBody = body
		resp := s.responses[len(s.responses)-1]
		if int(n) <= len(s.responses) {
			resp = s.responses[n-1]
		}
		s.mu.Unlock()

		w.WriteHeader(resp.status)
		_, _ = w.Write([]byte(resp.body))
	}
}

func (s *refreshStub) callCount() int64 { return atomic.LoadInt64(&s.calls) }

func newStubManager(t *testing.T, stub *refreshStub, creds store.Credentials, persist PersistFunc, opts ...Option) (*Manager, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)

	base := []Option{
		WithRefreshURL(func(string) string { return srv.URL }),
		WithBackoffBase(time.Millisecond),
	}
	m := NewManager(7, "us-east-1", "", creds, persist, append(base, opts...)...)
	return m, srv
}

func TestGetAccessTokenColdStart(t *testing.T) {
	t.Parallel()
	stub := &refreshStub{responses: []stubResponse{
		{200, `{"accessToken":"a7","expiresIn":3600}`},
	}}

	var persisted store.Rotation
	persist := func(_ context.Context, rot store.Rotation) error {
		persisted = rot
		return nil
	}
	now := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	m, _ := newStubManager(t, stub, store.Credentials{RefreshToken: "r7"}, persist,
		WithNow(func() time.Time { return now }))

	tok, err := m.GetAccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "a7", tok)
	require.Equal(t, "a7", persisted.AccessToken)
	require.Equal(t, now.Add(3540*time.Second), persisted.ExpiresAt)
	require.Equal(t, int64(1), stub.callCount())
}

func TestGetAccessTokenSingleFlight(t *testing.T) {
	t.Parallel()
	stub := &refreshStub{responses: []stubResponse{
		{200, `{"accessToken":"only-one","expiresIn":3600}`},
	}}
	m, _ := newStubManager(t, stub, store.Credentials{RefreshToken: "rt"}, nil)

	const callers = 100
	results := make([]string, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			tok, err := m.GetAccessToken(context.Background())
			require.NoError(t, err)
			results[i] = tok
		}(i)
	}
	wg.Wait()

	require.Equal(t, int64(1), stub.callCount())
	for _, tok := range results {
		require.Equal(t, "only-one", tok)
	}
}

func TestRefreshPersistsRotatedTokenBeforeMutate(t *testing.T) {
	t.Parallel()
	stub := &refreshStub{responses: []stubResponse{
		{200, `{"accessToken":"a1","refreshToken":"r2","expiresIn":3600}`},
	}}

	cipher, err := store.NewCipher("auth-test-key")
	require.NoError(t, err)
	ms := store.NewMemoryStore(cipher)
	ctx := context.Background()
	id, err := ms.CreateToken(ctx, &store.Token{Region: "us-east-1"},
		store.Credentials{RefreshToken: "r1"})
	require.NoError(t, err)

	persist := func(ctx context.Context, rot store.Rotation) error {
		if err := ms.UpdateTokenCredentials(ctx, id, rot); err != nil {
			return err
		}
		// Simulated crash between the durable write and the in-memory
		// mutation: the persisted state must already carry r2.
		panic("crash after persist")
	}
	m, _ := newStubManager(t, stub, store.Credentials{RefreshToken: "r1"}, persist)

	require.Panics(t, func() { _, _ = m.GetAccessToken(ctx) })

	rt, err := ms.GetDecryptedToken(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "r2", rt)
}

func TestRefreshFailureKeepsCachedState(t *testing.T) {
	t.Parallel()
	stub := &refreshStub{responses: []stubResponse{
		{200, `{"accessToken":"first","expiresIn":3600}`},
		{403, `{"error":"revoked"}`},
	}}
	m, _ := newStubManager(t, stub, store.Credentials{RefreshToken: "rt"}, nil)

	ctx := context.Background()
	tok, err := m.GetAccessToken(ctx)
	require.NoError(t, err)
	require.Equal(t, "first", tok)

	_, err = m.ForceRefresh(ctx)
	require.Error(t, err)
	require.True(t, gwerrors.IsKind(err, gwerrors.KindUpstreamRefused))

	// Cached state survives the failed forced refresh.
	m.mu.Lock()
	require.Equal(t, "first", m.accessToken)
	m.mu.Unlock()
}

func TestRefreshRetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()
	stub := &refreshStub{responses: []stubResponse{
		{503, `busy`},
		{503, `busy`},
		{200, `{"accessToken":"eventually","expiresIn":3600}`},
	}}
	m, _ := newStubManager(t, stub, store.Credentials{RefreshToken: "rt"}, nil)

	tok, err := m.GetAccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "eventually", tok)
	require.Equal(t, int64(3), stub.callCount())
}

func TestRefreshExhaustsRetriesOn503(t *testing.T) {
	t.Parallel()
	stub := &refreshStub{responses: []stubResponse{
		{503, `busy`},
	}}
	m, _ := newStubManager(t, stub, store.Credentials{RefreshToken: "rt"}, nil)

	_, err := m.GetAccessToken(context.Background())
	require.Error(t, err)
	require.True(t, gwerrors.IsKind(err, gwerrors.KindUpstreamTransient))
	// Initial attempt plus three retries.
	require.Equal(t, int64(4), stub.callCount())
}

func TestRefreshNonRetryable4xxFailsImmediately(t *testing.T) {
	t.Parallel()
	stub := &refreshStub{responses: []stubResponse{
		{403, `forbidden`},
	}}
	m, _ := newStubManager(t, stub, store.Credentials{RefreshToken: "rt"}, nil)

	_, err := m.GetAccessToken(context.Background())
	require.Error(t, err)
	require.True(t, gwerrors.IsKind(err, gwerrors.KindUpstreamRefused))
	require.Equal(t, int64(1), stub.callCount())
}

func TestRefreshMalformedResponseNotRetried(t *testing.T) {
	t.Parallel()
	stub := &refreshStub{responses: []stubResponse{
		{200, `{"expiresIn":3600}`},
	}}
	m, _ := newStubManager(t, stub, store.Credentials{RefreshToken: "rt"}, nil)

	_, err := m.GetAccessToken(context.Background())
	require.Error(t, err)
	require.True(t, gwerrors.IsKind(err, gwerrors.KindMalformedResponse))
	require.Equal(t, int64(1), stub.callCount())
}

func TestNoRefreshToken(t *testing.T) {
	t.Parallel()
	m := NewManager(1, "us-east-1", "", store.Credentials{}, nil)
	_, err := m.GetAccessToken(context.Background())
	require.True(t, gwerrors.IsKind(err, gwerrors.KindNoRefreshToken))
}

func TestExpiresInZeroIsAlwaysStale(t *testing.T) {
	t.Parallel()
	stub := &refreshStub{responses: []stubResponse{
		{200, `{"accessToken":"a1","expiresIn":0}`},
		{200, `{"accessToken":"a2","expiresIn":0}`},
	}}
	m, _ := newStubManager(t, stub, store.Credentials{RefreshToken: "rt"}, nil)

	ctx := context.Background()
	tok, err := m.GetAccessToken(ctx)
	require.NoError(t, err)
	require.Equal(t, "a1", tok)

	// expiresIn 0 computes expires_at = now - 60s, so the token is already
	// stale and the next call refreshes again.
	tok, err = m.GetAccessToken(ctx)
	require.NoError(t, err)
	require.Equal(t, "a2", tok)
	require.Equal(t, int64(2), stub.callCount())
}

func TestExpiryBoundaryExactlyAtThresholdIsStale(t *testing.T) {
	t.Parallel()
	stub := &refreshStub{responses: []stubResponse{
		{200, `{"accessToken":"a1","expiresIn":3600}`},
		{200, `{"accessToken":"a2","expiresIn":3600}`},
	}}

	now := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	m, _ := newStubManager(t, stub, store.Credentials{RefreshToken: "rt"}, nil,
		WithNow(func() time.Time { return now }),
		WithRefreshThreshold(60*time.Second))

	ctx := context.Background()
	_, err := m.GetAccessToken(ctx)
	require.NoError(t, err)

	// Advance the clock so expires_at == now + threshold exactly.
	now = now.Add(3540*time.Second - 60*time.Second)
	tok, err := m.GetAccessToken(ctx)
	require.NoError(t, err)
	require.Equal(t, "a2", tok)
	require.Equal(t, int64(2), stub.callCount())
}

func TestRefreshSendsClientCredentialsWhenPresent(t *testing.T) {
	t.Parallel()
	stub := &refreshStub{responses: []stubResponse{
		{200, `{"accessToken":"a","expiresIn":3600}`},
	}}
	m, _ := newStubManager(t, stub,
		store.Credentials{RefreshToken: "rt", ClientID: "cid", ClientSecret: "cs"}, nil)

	_, err := m.GetAccessToken(context.Background())
	require.NoError(t, err)

	stub.mu.Lock()
	defer stub.mu.Unlock()
	require.Equal(t, "rt", stub.lastBody["refreshToken"])
	require.Equal(t, "cid", stub.lastBody["clientId"])
	require.Equal(t, "cs", stub.lastBody["clientSecret"])
}

func TestRotationUpdatesProfileARN(t *testing.T) {
	t.Parallel()
	stub := &refreshStub{responses: []stubResponse{
		{200, `{"accessToken":"a","expiresIn":3600,"profileArn":"arn:rotated"}`},
	}}
	m, _ := newStubManager(t, stub, store.Credentials{RefreshToken: "rt"}, nil)

	_, err := m.GetAccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "arn:rotated", m.ProfileARN())
}
