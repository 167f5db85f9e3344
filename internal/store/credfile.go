package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// CredFile reads a Kiro desktop credentials JSON file and writes refresh
// rotations back to it. Keys the gateway does not understand are preserved
// verbatim so the file stays usable by the desktop client.
type CredFile struct {
	path string
	mu   sync.Mutex
}

// FileCredentials is the subset of the credentials file the gateway uses.
type FileCredentials struct {
	RefreshToken string
	AccessToken  string
	ClientID     string
	ClientSecret string
	ProfileARN   string
	Region       string
	ExpiresAt    time.Time
}

// NewCredFile wraps the credentials file at path.
func NewCredFile(path string) *CredFile {
	return &CredFile{path: path}
}

// Path returns the wrapped file path.
func (f *CredFile) Path() string { return f.path }

// Load parses the credentials file. A file without a refreshToken is an
// error; everything else is optional.
func (f *CredFile) Load() (*FileCredentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	raw, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("credentials file %s is not valid JSON", f.path)
	}

	doc := gjson.ParseBytes(raw)
	creds := &FileCredentials{
		RefreshToken: doc.Get("refreshToken").String(),
		AccessToken:  doc.Get("accessToken").String(),
		ClientID:     doc.Get("clientId").String(),
		ClientSecret: doc.Get("clientSecret").String(),
		ProfileARN:   doc.Get("profileArn").String(),
		Region:       doc.Get("region").String(),
	}
	if creds.RefreshToken == "" {
		return nil, fmt.Errorf("credentials file %s has no refreshToken", f.path)
	}
	if v := doc.Get("expiresAt"); v.Exists() {
		if t, err := time.Parse(time.RFC3339, v.String()); err == nil {
			creds.ExpiresAt = t
		}
	}
	return creds, nil
}

// SaveRotation writes a refresh outcome back into the file in place. Only
// the rotated fields change; unknown keys and formatting of untouched
// values are preserved.
func (f *CredFile) SaveRotation(rot Rotation) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	raw, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read credentials file: %w", err)
	}

	out := string(raw)
	if out, err = sjson.Set(out, "accessToken", rot.AccessToken); err != nil {
		return err
	}
	if out, err = sjson.Set(out, "expiresAt", rot.ExpiresAt.UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	if rot.RefreshToken != "" {
		if out, err = sjson.Set(out, "refreshToken", rot.RefreshToken); err != nil {
			return err
		}
	}
	if rot.ProfileARN != "" {
		if out, err = sjson.Set(out, "profileArn", rot.ProfileARN); err != nil {
			return err
		}
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(out), 0o600); err != nil {
		return fmt.Errorf("write credentials file: %w", err)
	}
	return os.Rename(tmp, f.path)
}

// Seed inserts the file's identity into the store if the store has no
// tokens yet, and returns the new id (0 when nothing was seeded). The
// identity is created as a public token with no owner so it lands in the
// shared pool.
func (f *CredFile) Seed(ctx context.Context, st Store, defaultRegion string) (int64, error) {
	existing, err := st.ListTokens(ctx)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		return 0, nil
	}

	creds, err := f.Load()
	if err != nil {
		return 0, err
	}
	region := creds.Region
	if region == "" {
		region = defaultRegion
	}
	tok := &Token{
		Region:     region,
		ProfileARN: creds.ProfileARN,
		Visibility: VisibilityPublic,
		Status:     StatusActive,
	}
	id, err := st.CreateToken(ctx, tok, Credentials{
		RefreshToken: creds.RefreshToken,
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}
