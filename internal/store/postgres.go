package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

const pgQueryTimeout = 5 * time.Second

// PostgresStore persists tokens in a kiro_tokens table. Schema management
// goes through the embedded migrations.
type PostgresStore struct {
	db     *sql.DB
	cipher *Cipher
	now    func() time.Time
}

// NewPostgresStore opens a connection pool against dsn.
func NewPostgresStore(dsn string, cipher *Cipher) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	log.Info("Connected to PostgreSQL token store")
	return &PostgresStore{db: db, cipher: cipher, now: time.Now}, nil
}

func withPGTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, pgQueryTimeout)
}

func (s *PostgresStore) Initialize(ctx context.Context) error {
	if err := MigrateUp(s.db); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	log.Info("PostgreSQL schema up to date")
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Health(ctx context.Context) error {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

// PoolStats returns connection pool statistics for the ops surface.
func (s *PostgresStore) PoolStats() (active, idle, misses int64) {
	if s == nil || s.db == nil {
		return 0, 0, 0
	}
	st := s.db.Stats()
	return int64(st.InUse), int64(st.Idle), int64(st.WaitCount)
}

const tokenColumns = `id, region, profile_arn, owner_id, visibility, status,
	success_count, fail_count, last_used, last_check_ok, last_check_error, created_at`

func scanToken(row interface{ Scan(...any) error }) (*Token, error) {
	var tok Token
	err := row.Scan(&tok.ID, &tok.Region, &tok.ProfileARN, &tok.OwnerID,
		&tok.Visibility, &tok.Status, &tok.SuccessCount, &tok.FailCount,
		&tok.LastUsed, &tok.LastCheckOK, &tok.LastCheckError, &tok.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

func (s *PostgresStore) queryTokens(ctx context.Context, where string, args ...any) ([]*Token, error) {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()
	q := "SELECT " + tokenColumns + " FROM kiro_tokens"
	if where != "" {
		q += " WHERE " + where
	}
	q += " ORDER BY id"
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query tokens: %w", err)
	}
	defer rows.Close()

	var out []*Token
	for rows.Next() {
		tok, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		out = append(out, tok)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListTokens(ctx context.Context) ([]*Token, error) {
	return s.queryTokens(ctx, "")
}

func (s *PostgresStore) GetUserTokens(ctx context.Context, userID int64) ([]*Token, error) {
	return s.queryTokens(ctx, "owner_id = $1", userID)
}

func (s *PostgresStore) GetPublicTokens(ctx context.Context) ([]*Token, error) {
	return s.queryTokens(ctx, "visibility = $1 AND status = $2", VisibilityPublic, StatusActive)
}

func (s *PostgresStore) GetTokensByStatus(ctx context.Context, status Status) ([]*Token, error) {
	return s.queryTokens(ctx, "status = $1", status)
}

func (s *PostgresStore) GetAllActiveTokens(ctx context.Context) ([]*Token, error) {
	return s.GetTokensByStatus(ctx, StatusActive)
}

func (s *PostgresStore) GetToken(ctx context.Context, id int64) (*Token, error) {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx,
		"SELECT "+tokenColumns+" FROM kiro_tokens WHERE id = $1", id)
	tok, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get token %d: %w", id, err)
	}
	return tok, nil
}

func (s *PostgresStore) GetTokenCredentials(ctx context.Context, id int64) (*Credentials, error) {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()
	var encRefresh, clientID, encSecret string
	err := s.db.QueryRowContext(ctx,
		"SELECT refresh_token, client_id, client_secret FROM kiro_tokens WHERE id = $1", id).
		Scan(&encRefresh, &clientID, &encSecret)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get credentials %d: %w", id, err)
	}
	refresh, err := s.cipher.Decrypt(encRefresh)
	if err != nil {
		return nil, err
	}
	secret, err := s.cipher.Decrypt(encSecret)
	if err != nil {
		return nil, err
	}
	return &Credentials{RefreshToken: refresh, ClientID: clientID, ClientSecret: secret}, nil
}

func (s *PostgresStore) GetDecryptedToken(ctx context.Context, id int64) (string, error) {
	creds, err := s.GetTokenCredentials(ctx, id)
	if err != nil {
		return "", err
	}
	return creds.RefreshToken, nil
}

func (s *PostgresStore) CreateToken(ctx context.Context, tok *Token, creds Credentials) (int64, error) {
	encRefresh, err := s.cipher.Encrypt(creds.RefreshToken)
	if err != nil {
		return 0, err
	}
	encSecret, err := s.cipher.Encrypt(creds.ClientSecret)
	if err != nil {
		return 0, err
	}

	status := tok.Status
	if status == "" {
		status = StatusActive
	}
	visibility := tok.Visibility
	if visibility == "" {
		visibility = VisibilityPrivate
	}

	ctx, cancel := withPGTimeout(ctx)
	defer cancel()
	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO kiro_tokens
			(region, profile_arn, owner_id, visibility, status,
			 refresh_token, client_id, client_secret)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		tok.Region, tok.ProfileARN, tok.OwnerID, visibility, status,
		encRefresh, creds.ClientID, encSecret).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert token: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) DeleteToken(ctx context.Context, id int64) error {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, "DELETE FROM kiro_tokens WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete token %d: %w", id, err)
	}
	return s.requireAffected(res, id)
}

func (s *PostgresStore) SetTokenStatus(ctx context.Context, id int64, status Status) error {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx,
		"UPDATE kiro_tokens SET status = $1 WHERE id = $2", status, id)
	if err != nil {
		return fmt.Errorf("set status %d: %w", id, err)
	}
	return s.requireAffected(res, id)
}

func (s *PostgresStore) RecordTokenUsage(ctx context.Context, id int64, success bool) error {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()
	var (
		res sql.Result
		err error
	)
	if success {
		res, err = s.db.ExecContext(ctx,
			"UPDATE kiro_tokens SET success_count = success_count + 1, last_used = $1 WHERE id = $2",
			s.now().UnixMilli(), id)
	} else {
		res, err = s.db.ExecContext(ctx,
			"UPDATE kiro_tokens SET fail_count = fail_count + 1 WHERE id = $1", id)
	}
	if err != nil {
		return fmt.Errorf("record usage %d: %w", id, err)
	}
	return s.requireAffected(res, id)
}

func (s *PostgresStore) RecordHealthCheck(ctx context.Context, id int64, ok bool, checkErr string) error {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx,
		"UPDATE kiro_tokens SET last_check_ok = $1, last_check_error = $2 WHERE id = $3",
		ok, checkErr, id)
	if err != nil {
		return fmt.Errorf("record health check %d: %w", id, err)
	}
	return s.requireAffected(res, id)
}

func (s *PostgresStore) UpdateTokenCredentials(ctx context.Context, id int64, rot Rotation) error {
	var encRefresh string
	var err error
	if rot.RefreshToken != "" {
		encRefresh, err = s.cipher.Encrypt(rot.RefreshToken)
		if err != nil {
			return err
		}
	}

	ctx, cancel := withPGTimeout(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `
		UPDATE kiro_tokens SET
			access_token = $1,
			expires_at = $2,
			refresh_token = CASE WHEN $3 <> '' THEN $3 ELSE refresh_token END,
			profile_arn = CASE WHEN $4 <> '' THEN $4 ELSE profile_arn END
		WHERE id = $5`,
		rot.AccessToken, rot.ExpiresAt.UnixMilli(), encRefresh, rot.ProfileARN, id)
	if err != nil {
		return fmt.Errorf("update credentials %d: %w", id, err)
	}
	return s.requireAffected(res, id)
}

func (s *PostgresStore) requireAffected(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &NotFoundError{ID: id}
	}
	return nil
}
