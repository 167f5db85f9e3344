package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one hash per token plus an id set and a sequence key.
type RedisStore struct {
	client *redis.Client
	prefix string
	cipher *Cipher
	now    func() time.Time
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(addr, password string, db int, prefix string, cipher *Cipher) *RedisStore {
	if prefix == "" {
		prefix = "kirogate:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})
	return &RedisStore{client: client, prefix: prefix, cipher: cipher, now: time.Now}
}

func (s *RedisStore) tokenKey(id int64) string { return s.prefix + "token:" + strconv.FormatInt(id, 10) }
func (s *RedisStore) setKey() string           { return s.prefix + "tokens" }
func (s *RedisStore) seqKey() string           { return s.prefix + "token_seq" }

func (s *RedisStore) Initialize(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func (s *RedisStore) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) CreateToken(ctx context.Context, tok *Token, creds Credentials) (int64, error) {
	encRefresh, err := s.cipher.Encrypt(creds.RefreshToken)
	if err != nil {
		return 0, err
	}
	encSecret, err := s.cipher.Encrypt(creds.ClientSecret)
	if err != nil {
		return 0, err
	}

	id := tok.ID
	if id == 0 {
		id, err = s.client.Incr(ctx, s.seqKey()).Result()
		if err != nil {
			return 0, err
		}
	}
	status := tok.Status
	if status == "" {
		status = StatusActive
	}
	visibility := tok.Visibility
	if visibility == "" {
		visibility = VisibilityPrivate
	}
	createdAt := tok.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	fields := map[string]interface{}{
		"region":           tok.Region,
		"profile_arn":      tok.ProfileARN,
		"owner_id":         tok.OwnerID,
		"visibility":       string(visibility),
		"status":           string(status),
		"success_count":    tok.SuccessCount,
		"fail_count":       tok.FailCount,
		"last_used":        tok.LastUsed,
		"last_check_ok":    "1",
		"last_check_error": "",
		"created_at":       createdAt.UnixMilli(),
		"refresh_token":    encRefresh,
		"client_id":        creds.ClientID,
		"client_secret":    encSecret,
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.tokenKey(id), fields)
	pipe.SAdd(ctx, s.setKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *RedisStore) DeleteToken(ctx context.Context, id int64) error {
	n, err := s.client.Exists(ctx, s.tokenKey(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return &NotFoundError{ID: id}
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.tokenKey(id))
	pipe.SRem(ctx, s.setKey(), id)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetToken(ctx context.Context, id int64) (*Token, error) {
	fields, err := s.client.HGetAll(ctx, s.tokenKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, &NotFoundError{ID: id}
	}
	return tokenFromHash(id, fields), nil
}

func tokenFromHash(id int64, fields map[string]string) *Token {
	atoi := func(key string) int64 {
		n, _ := strconv.ParseInt(fields[key], 10, 64)
		return n
	}
	tok := &Token{
		ID:             id,
		Region:         fields["region"],
		ProfileARN:     fields["profile_arn"],
		OwnerID:        atoi("owner_id"),
		Visibility:     Visibility(fields["visibility"]),
		Status:         Status(fields["status"]),
		SuccessCount:   atoi("success_count"),
		FailCount:      atoi("fail_count"),
		LastUsed:       atoi("last_used"),
		LastCheckOK:    fields["last_check_ok"] == "1",
		LastCheckError: fields["last_check_error"],
	}
	if ms := atoi("created_at"); ms > 0 {
		tok.CreatedAt = time.UnixMilli(ms)
	}
	return tok
}

func (s *RedisStore) listIDs(ctx context.Context) ([]int64, error) {
	members, err := s.client.SMembers(ctx, s.setKey()).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		if id, err := strconv.ParseInt(m, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *RedisStore) list(ctx context.Context, keep func(*Token) bool) ([]*Token, error) {
	ids, err := s.listIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Token, 0, len(ids))
	for _, id := range ids {
		tok, err := s.GetToken(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if keep(tok) {
			out = append(out, tok)
		}
	}
	return out, nil
}

func (s *RedisStore) ListTokens(ctx context.Context) ([]*Token, error) {
	return s.list(ctx, func(*Token) bool { return true })
}

func (s *RedisStore) GetUserTokens(ctx context.Context, userID int64) ([]*Token, error) {
	return s.list(ctx, func(t *Token) bool { return t.OwnerID == userID })
}

func (s *RedisStore) GetPublicTokens(ctx context.Context) ([]*Token, error) {
	return s.list(ctx, func(t *Token) bool {
		return t.Visibility == VisibilityPublic && t.Status == StatusActive
	})
}

func (s *RedisStore) GetTokensByStatus(ctx context.Context, status Status) ([]*Token, error) {
	return s.list(ctx, func(t *Token) bool { return t.Status == status })
}

func (s *RedisStore) GetAllActiveTokens(ctx context.Context) ([]*Token, error) {
	return s.GetTokensByStatus(ctx, StatusActive)
}

func (s *RedisStore) GetTokenCredentials(ctx context.Context, id int64) (*Credentials, error) {
	vals, err := s.client.HMGet(ctx, s.tokenKey(id), "refresh_token", "client_id", "client_secret").Result()
	if err != nil {
		return nil, err
	}
	str := func(i int) string {
		if sv, ok := vals[i].(string); ok {
			return sv
		}
		return ""
	}
	if str(0) == "" && str(1) == "" && str(2) == "" {
		if n, err := s.client.Exists(ctx, s.tokenKey(id)).Result(); err == nil && n == 0 {
			return nil, &NotFoundError{ID: id}
		}
	}
	refresh, err := s.cipher.Decrypt(str(0))
	if err != nil {
		return nil, err
	}
	secret, err := s.cipher.Decrypt(str(2))
	if err != nil {
		return nil, err
	}
	return &Credentials{RefreshToken: refresh, ClientID: str(1), ClientSecret: secret}, nil
}

func (s *RedisStore) GetDecryptedToken(ctx context.Context, id int64) (string, error) {
	creds, err := s.GetTokenCredentials(ctx, id)
	if err != nil {
		return "", err
	}
	return creds.RefreshToken, nil
}

func (s *RedisStore) SetTokenStatus(ctx context.Context, id int64, status Status) error {
	n, err := s.client.Exists(ctx, s.tokenKey(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return &NotFoundError{ID: id}
	}
	return s.client.HSet(ctx, s.tokenKey(id), "status", string(status)).Err()
}

func (s *RedisStore) RecordTokenUsage(ctx context.Context, id int64, success bool) error {
	field := "fail_count"
	if success {
		field = "success_count"
	}
	pipe := s.client.TxPipeline()
	pipe.HIncrBy(ctx, s.tokenKey(id), field, 1)
	if success {
		pipe.HSet(ctx, s.tokenKey(id), "last_used", s.now().UnixMilli())
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) RecordHealthCheck(ctx context.Context, id int64, ok bool, checkErr string) error {
	okVal := "0"
	if ok {
		okVal = "1"
	}
	return s.client.HSet(ctx, s.tokenKey(id),
		"last_check_ok", okVal,
		"last_check_error", checkErr,
	).Err()
}

func (s *RedisStore) UpdateTokenCredentials(ctx context.Context, id int64, rot Rotation) error {
	fields := map[string]interface{}{
		"access_token": rot.AccessToken,
		"expires_at":   rot.ExpiresAt.UnixMilli(),
	}
	if rot.RefreshToken != "" {
		enc, err := s.cipher.Encrypt(rot.RefreshToken)
		if err != nil {
			return err
		}
		fields["refresh_token"] = enc
	}
	if rot.ProfileARN != "" {
		fields["profile_arn"] = rot.ProfileARN
	}
	n, err := s.client.Exists(ctx, s.tokenKey(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return &NotFoundError{ID: id}
	}
	return s.client.HSet(ctx, s.tokenKey(id), fields).Err()
}
