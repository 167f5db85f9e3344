package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func writeCredFile(t *testing.T, content string) *CredFile {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kiro-auth-token.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return NewCredFile(path)
}

func TestCredFileLoad(t *testing.T) {
	t.Parallel()
	cf := writeCredFile(t, `{
		"refreshToken": "rt-file",
		"accessToken": "at-file",
		"profileArn": "arn:aws:codewhisperer:us-east-1:1:profile/p",
		"region": "eu-west-1",
		"expiresAt": "2026-08-24T10:00:00Z",
		"clientId": "cid",
		"clientSecret": "cs"
	}`)

	creds, err := cf.Load()
	require.NoError(t, err)
	require.Equal(t, "rt-file", creds.RefreshToken)
	require.Equal(t, "at-file", creds.AccessToken)
	require.Equal(t, "eu-west-1", creds.Region)
	require.Equal(t, "cid", creds.ClientID)
	require.Equal(t, "cs", creds.ClientSecret)
	require.Equal(t, time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC), creds.ExpiresAt)
}

func TestCredFileLoadRequiresRefreshToken(t *testing.T) {
	t.Parallel()
	cf := writeCredFile(t, `{"accessToken": "at"}`)
	_, err := cf.Load()
	require.Error(t, err)
}

func TestCredFileSaveRotationPreservesUnknownKeys(t *testing.T) {
	t.Parallel()
	cf := writeCredFile(t, `{
		"refreshToken": "rt-old",
		"accessToken": "at-old",
		"authMethod": "social",
		"provider": {"name": "github", "scopes": ["codewhisperer:completions"]}
	}`)

	expires := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	require.NoError(t, cf.SaveRotation(Rotation{
		AccessToken:  "at-new",
		RefreshToken: "rt-new",
		ExpiresAt:    expires,
	}))

	raw, err := os.ReadFile(cf.Path())
	require.NoError(t, err)
	doc := gjson.ParseBytes(raw)
	require.Equal(t, "at-new", doc.Get("accessToken").String())
	require.Equal(t, "rt-new", doc.Get("refreshToken").String())
	require.Equal(t, "2026-08-24T12:00:00Z", doc.Get("expiresAt").String())
	require.Equal(t, "social", doc.Get("authMethod").String())
	require.Equal(t, "github", doc.Get("provider.name").String())
}

func TestCredFileSaveRotationKeepsRefreshWhenNotRotated(t *testing.T) {
	t.Parallel()
	cf := writeCredFile(t, `{"refreshToken": "rt-stable", "accessToken": "at-old"}`)

	require.NoError(t, cf.SaveRotation(Rotation{
		AccessToken: "at-new",
		ExpiresAt:   time.Now().Add(time.Hour),
	}))

	creds, err := cf.Load()
	require.NoError(t, err)
	require.Equal(t, "rt-stable", creds.RefreshToken)
	require.Equal(t, "at-new", creds.AccessToken)
}

func TestCredFileSeedOnlyIntoEmptyStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cf := writeCredFile(t, `{"refreshToken": "rt-seed", "region": "eu-west-1"}`)
	ms := newTestMemoryStore(t)

	id, err := cf.Seed(ctx, ms, "us-east-1")
	require.NoError(t, err)
	require.NotZero(t, id)

	tok, err := ms.GetToken(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "eu-west-1", tok.Region)
	require.Equal(t, VisibilityPublic, tok.Visibility)

	rt, err := ms.GetDecryptedToken(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "rt-seed", rt)

	// Second seed is a no-op once the store has tokens.
	again, err := cf.Seed(ctx, ms, "us-east-1")
	require.NoError(t, err)
	require.Zero(t, again)
}

func TestMirrorRotationsWritesThroughToFile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cf := writeCredFile(t, `{"refreshToken": "rt-seed", "authMethod": "social"}`)
	ms := newTestMemoryStore(t)

	id, err := cf.Seed(ctx, ms, "us-east-1")
	require.NoError(t, err)

	st := MirrorRotations(ms, id, cf.SaveRotation)
	expires := time.Date(2026, 8, 24, 15, 0, 0, 0, time.UTC)
	require.NoError(t, st.UpdateTokenCredentials(ctx, id, Rotation{
		AccessToken:  "at-new",
		RefreshToken: "rt-rotated",
		ExpiresAt:    expires,
	}))

	// Store and file both hold the rotated refresh token.
	rt, err := ms.GetDecryptedToken(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "rt-rotated", rt)

	raw, err := os.ReadFile(cf.Path())
	require.NoError(t, err)
	doc := gjson.ParseBytes(raw)
	require.Equal(t, "rt-rotated", doc.Get("refreshToken").String())
	require.Equal(t, "at-new", doc.Get("accessToken").String())
	require.Equal(t, "social", doc.Get("authMethod").String())
}

func TestMirrorRotationsIgnoresOtherIdentities(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cf := writeCredFile(t, `{"refreshToken": "rt-seed"}`)
	ms := newTestMemoryStore(t)

	seeded, err := cf.Seed(ctx, ms, "us-east-1")
	require.NoError(t, err)
	other, err := ms.CreateToken(ctx, &Token{Region: "us-east-1"}, Credentials{RefreshToken: "rt-other"})
	require.NoError(t, err)

	st := MirrorRotations(ms, seeded, cf.SaveRotation)
	require.NoError(t, st.UpdateTokenCredentials(ctx, other, Rotation{
		AccessToken:  "at-other",
		RefreshToken: "rt-other-2",
		ExpiresAt:    time.Now().Add(time.Hour),
	}))

	creds, err := cf.Load()
	require.NoError(t, err)
	require.Equal(t, "rt-seed", creds.RefreshToken)
}

func TestCredFileSeedDefaultsRegion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cf := writeCredFile(t, `{"refreshToken": "rt"}`)
	ms := newTestMemoryStore(t)

	id, err := cf.Seed(ctx, ms, "us-east-1")
	require.NoError(t, err)

	tok, err := ms.GetToken(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "us-east-1", tok.Region)
}
