package auth

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	gwerrors "github.com/NevinXuHui/KiroGate/internal/errors"
	"github.com/NevinXuHui/KiroGate/internal/store"
)

func newRegistryStore(t *testing.T) (*store.MemoryStore, int64) {
	t.Helper()
	cipher, err := store.NewCipher("registry-test-key")
	require.NoError(t, err)
	ms := store.NewMemoryStore(cipher)
	id, err := ms.CreateToken(context.Background(),
		&store.Token{Region: "eu-west-1", ProfileARN: "arn:p"},
		store.Credentials{RefreshToken: "rt"})
	require.NoError(t, err)
	return ms, id
}

func TestRegistryGetOrCreateCaches(t *testing.T) {
	t.Parallel()
	ms, id := newRegistryStore(t)
	reg := NewRegistry(ms)

	ctx := context.Background()
	first, err := reg.GetOrCreate(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "eu-west-1", first.Region())

	second, err := reg.GetOrCreate(ctx, id)
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, 1, reg.Len())
}

func TestRegistryConcurrentGetOrCreateYieldsOneManager(t *testing.T) {
	t.Parallel()
	ms, id := newRegistryStore(t)
	reg := NewRegistry(ms)

	const callers = 32
	managers := make([]*Manager, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			mgr, err := reg.GetOrCreate(context.Background(), id)
			require.NoError(t, err)
			managers[i] = mgr
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		require.Same(t, managers[0], managers[i])
	}
	require.Equal(t, 1, reg.Len())
}

func TestRegistryMissingIdentity(t *testing.T) {
	t.Parallel()
	ms, _ := newRegistryStore(t)
	reg := NewRegistry(ms)

	_, err := reg.GetOrCreate(context.Background(), 999)
	require.Error(t, err)
	require.True(t, gwerrors.IsKind(err, gwerrors.KindCredentialsMissing))
}

func TestRefreshMirrorsRotationToCredsFile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "kiro-auth-token.json")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"refreshToken": "rt-seed", "authMethod": "social"}`), 0o600))
	credFile := store.NewCredFile(path)

	cipher, err := store.NewCipher("registry-test-key")
	require.NoError(t, err)
	ms := store.NewMemoryStore(cipher)
	id, err := credFile.Seed(ctx, ms, "us-east-1")
	require.NoError(t, err)

	stub := &refreshStub{responses: []stubResponse{
		{200, `{"accessToken":"at-1","refreshToken":"rt-rotated","expiresIn":3600}`},
	}}
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)

	reg := NewRegistry(store.MirrorRotations(ms, id, credFile.SaveRotation),
		WithRefreshURL(func(string) string { return srv.URL }),
		WithBackoffBase(time.Millisecond))

	mgr, err := reg.GetOrCreate(ctx, id)
	require.NoError(t, err)
	token, err := mgr.GetAccessToken(ctx)
	require.NoError(t, err)
	require.Equal(t, "at-1", token)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	doc := gjson.ParseBytes(raw)
	require.Equal(t, "rt-rotated", doc.Get("refreshToken").String())
	require.Equal(t, "at-1", doc.Get("accessToken").String())
	require.Equal(t, "social", doc.Get("authMethod").String())
}

func TestRegistryEvictReconstructs(t *testing.T) {
	t.Parallel()
	ms, id := newRegistryStore(t)
	reg := NewRegistry(ms)

	ctx := context.Background()
	first, err := reg.GetOrCreate(ctx, id)
	require.NoError(t, err)

	reg.Evict(id)
	require.Equal(t, 0, reg.Len())

	second, err := reg.GetOrCreate(ctx, id)
	require.NoError(t, err)
	require.NotSame(t, first, second)
}
