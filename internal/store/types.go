// Package store defines the persistent record of upstream identities and the
// backends that hold it (memory, Redis, Postgres, MongoDB). Refresh tokens
// and client secrets are encrypted before they reach any backend.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the allocation eligibility of an identity.
type Status string

const (
	StatusActive  Status = "active"
	StatusInvalid Status = "invalid"
)

// Visibility controls whether an identity participates in the public pool.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// Token is one upstream refresh-token identity and its counters. Secrets
// never appear here; they are fetched separately via GetTokenCredentials.
type Token struct {
	ID             int64      `json:"id"`
	Region         string     `json:"region"`
	ProfileARN     string     `json:"profile_arn,omitempty"`
	OwnerID        int64      `json:"owner_id,omitempty"` // 0 = no owner
	Visibility     Visibility `json:"visibility"`
	Status         Status     `json:"status"`
	SuccessCount   int64      `json:"success_count"`
	FailCount      int64      `json:"fail_count"`
	LastUsed       int64      `json:"last_used,omitempty"` // epoch millis, 0 = never
	LastCheckOK    bool       `json:"last_check_ok"`
	LastCheckError string     `json:"last_check_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Total returns success_count + fail_count.
func (t *Token) Total() int64 { return t.SuccessCount + t.FailCount }

// SuccessRate is success/(success+fail); 1 when the token has no history.
func (t *Token) SuccessRate() float64 {
	total := t.Total()
	if total == 0 {
		return 1.0
	}
	return float64(t.SuccessCount) / float64(total)
}

// Credentials are the decrypted secrets needed to refresh a token.
type Credentials struct {
	RefreshToken string
	ClientID     string
	ClientSecret string
}

// Rotation is the outcome of a successful refresh that must be persisted
// before the in-memory manager state is allowed to change.
type Rotation struct {
	AccessToken  string
	RefreshToken string // empty = refresh token not rotated
	ProfileARN   string // empty = unchanged
	ExpiresAt    time.Time
}

// Store is the persistence contract consumed by the credential and
// allocation cores. Implementations provide their own concurrency control;
// callers never hold gateway-level locks across store calls.
type Store interface {
	Initialize(ctx context.Context) error
	Close() error
	Health(ctx context.Context) error

	GetUserTokens(ctx context.Context, userID int64) ([]*Token, error)
	GetPublicTokens(ctx context.Context) ([]*Token, error)
	GetTokensByStatus(ctx context.Context, status Status) ([]*Token, error)
	GetAllActiveTokens(ctx context.Context) ([]*Token, error)
	ListTokens(ctx context.Context) ([]*Token, error)
	GetToken(ctx context.Context, id int64) (*Token, error)

	// GetTokenCredentials decrypts on read.
	GetTokenCredentials(ctx context.Context, id int64) (*Credentials, error)
	// GetDecryptedToken returns just the refresh token.
	GetDecryptedToken(ctx context.Context, id int64) (string, error)

	CreateToken(ctx context.Context, tok *Token, creds Credentials) (int64, error)
	DeleteToken(ctx context.Context, id int64) error

	SetTokenStatus(ctx context.Context, id int64, status Status) error
	// RecordTokenUsage atomically bumps the outcome counter; last_used is
	// stamped on success only. Counters are monotonic.
	RecordTokenUsage(ctx context.Context, id int64, success bool) error
	RecordHealthCheck(ctx context.Context, id int64, ok bool, checkErr string) error
	// UpdateTokenCredentials writes a refresh rotation (new access token,
	// rotated refresh token, profile ARN, expiry).
	UpdateTokenCredentials(ctx context.Context, id int64, rot Rotation) error
}

// NotFoundError is returned when a token id does not exist.
type NotFoundError struct {
	ID int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("token %d not found", e.ID)
}

// IsNotFound reports whether a NotFoundError sits anywhere in err's chain.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
