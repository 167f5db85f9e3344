package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryRecord is one token row, secrets kept encrypted exactly as the
// durable backends do so cipher behaviour is identical across stores.
type memoryRecord struct {
	tok          Token
	refreshToken string // encrypted
	clientID     string
	clientSecret string // encrypted
	accessToken  string
	expiresAt    time.Time
}

// MemoryStore is the in-process Store used for tests and single-node
// deployments without external storage.
type MemoryStore struct {
	cipher *Cipher
	mu     sync.RWMutex
	nextID int64
	rows   map[int64]*memoryRecord
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(cipher *Cipher) *MemoryStore {
	return &MemoryStore{
		cipher: cipher,
		nextID: 1,
		rows:   make(map[int64]*memoryRecord),
		now:    time.Now,
	}
}

// SetNow overrides the clock (testing).
func (s *MemoryStore) SetNow(now func() time.Time) { s.now = now }

func (s *MemoryStore) Initialize(context.Context) error { return nil }
func (s *MemoryStore) Close() error                     { return nil }
func (s *MemoryStore) Health(context.Context) error     { return nil }

func (s *MemoryStore) CreateToken(_ context.Context, tok *Token, creds Credentials) (int64, error) {
	encRefresh, err := s.cipher.Encrypt(creds.RefreshToken)
	if err != nil {
		return 0, err
	}
	encSecret, err := s.cipher.Encrypt(creds.ClientSecret)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id := tok.ID
	if id == 0 {
		id = s.nextID
	}
	if id >= s.nextID {
		s.nextID = id + 1
	}
	row := &memoryRecord{
		tok:          *tok,
		refreshToken: encRefresh,
		clientID:     creds.ClientID,
		clientSecret: encSecret,
	}
	row.tok.ID = id
	if row.tok.Status == "" {
		row.tok.Status = StatusActive
	}
	if row.tok.Visibility == "" {
		row.tok.Visibility = VisibilityPrivate
	}
	if row.tok.CreatedAt.IsZero() {
		row.tok.CreatedAt = s.now()
	}
	s.rows[id] = row
	return id, nil
}

func (s *MemoryStore) DeleteToken(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[id]; !ok {
		return &NotFoundError{ID: id}
	}
	delete(s.rows, id)
	return nil
}

func (s *MemoryStore) GetToken(_ context.Context, id int64) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	tok := row.tok
	return &tok, nil
}

func (s *MemoryStore) ListTokens(context.Context) ([]*Token, error) {
	return s.filter(func(*Token) bool { return true }), nil
}

func (s *MemoryStore) GetUserTokens(_ context.Context, userID int64) ([]*Token, error) {
	return s.filter(func(t *Token) bool { return t.OwnerID == userID }), nil
}

func (s *MemoryStore) GetPublicTokens(context.Context) ([]*Token, error) {
	return s.filter(func(t *Token) bool {
		return t.Visibility == VisibilityPublic && t.Status == StatusActive
	}), nil
}

func (s *MemoryStore) GetTokensByStatus(_ context.Context, status Status) ([]*Token, error) {
	return s.filter(func(t *Token) bool { return t.Status == status }), nil
}

func (s *MemoryStore) GetAllActiveTokens(context.Context) ([]*Token, error) {
	return s.GetTokensByStatus(context.Background(), StatusActive)
}

func (s *MemoryStore) filter(keep func(*Token) bool) []*Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Token, 0, len(s.rows))
	for _, row := range s.rows {
		tok := row.tok
		if keep(&tok) {
			out = append(out, &tok)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) GetTokenCredentials(_ context.Context, id int64) (*Credentials, error) {
	s.mu.RLock()
	row, ok := s.rows[id]
	if !ok {
		s.mu.RUnlock()
		return nil, &NotFoundError{ID: id}
	}
	encRefresh, clientID, encSecret := row.refreshToken, row.clientID, row.clientSecret
	s.mu.RUnlock()

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

func (s *MemoryStore) GetDecryptedToken(ctx context.Context, id int64) (string, error) {
	creds, err := s.GetTokenCredentials(ctx, id)
	if err != nil {
		return "", err
	}
	return creds.RefreshToken, nil
}

func (s *MemoryStore) SetTokenStatus(_ context.Context, id int64, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return &NotFoundError{ID: id}
	}
	row.tok.Status = status
	return nil
}

func (s *MemoryStore) RecordTokenUsage(_ context.Context, id int64, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return &NotFoundError{ID: id}
	}
	if success {
		row.tok.SuccessCount++
		row.tok.LastUsed = s.now().UnixMilli()
	} else {
		row.tok.FailCount++
	}
	return nil
}

func (s *MemoryStore) RecordHealthCheck(_ context.Context, id int64, ok bool, checkErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, found := s.rows[id]
	if !found {
		return &NotFoundError{ID: id}
	}
	row.tok.LastCheckOK = ok
	row.tok.LastCheckError = checkErr
	return nil
}

func (s *MemoryStore) UpdateTokenCredentials(_ context.Context, id int64, rot Rotation) error {
	var encRefresh string
	var err error
	if rot.RefreshToken != "" {
		encRefresh, err = s.cipher.Encrypt(rot.RefreshToken)
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return &NotFoundError{ID: id}
	}
	row.accessToken = rot.AccessToken
	row.expiresAt = rot.ExpiresAt
	if rot.RefreshToken != "" {
		row.refreshToken = encRefresh
	}
	if rot.ProfileARN != "" {
		row.tok.ProfileARN = rot.ProfileARN
	}
	return nil
}
