package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const defaultMongoTimeout = 5 * time.Second

// MongoStore persists tokens in a tokens collection, with a counters
// collection supplying the id sequence.
type MongoStore struct {
	client   *mongo.Client
	database *mongo.Database
	tokens   *mongo.Collection
	counters *mongo.Collection
	uri      string
	dbName   string
	cipher   *Cipher
	now      func() time.Time
}

type mongoToken struct {
	ID             int64     `bson:"id"`
	Region         string    `bson:"region"`
	ProfileARN     string    `bson:"profile_arn"`
	OwnerID        int64     `bson:"owner_id"`
	Visibility     string    `bson:"visibility"`
	Status         string    `bson:"status"`
	SuccessCount   int64     `bson:"success_count"`
	FailCount      int64     `bson:"fail_count"`
	LastUsed       int64     `bson:"last_used"`
	LastCheckOK    bool      `bson:"last_check_ok"`
	LastCheckError string    `bson:"last_check_error"`
	RefreshToken   string    `bson:"refresh_token"`
	ClientID       string    `bson:"client_id"`
	ClientSecret   string    `bson:"client_secret"`
	AccessToken    string    `bson:"access_token"`
	ExpiresAt      int64     `bson:"expires_at"`
	CreatedAt      time.Time `bson:"created_at"`
}

func (m *mongoToken) toToken() *Token {
	return &Token{
		ID:             m.ID,
		Region:         m.Region,
		ProfileARN:     m.ProfileARN,
		OwnerID:        m.OwnerID,
		Visibility:     Visibility(m.Visibility),
		Status:         Status(m.Status),
		SuccessCount:   m.SuccessCount,
		FailCount:      m.FailCount,
		LastUsed:       m.LastUsed,
		LastCheckOK:    m.LastCheckOK,
		LastCheckError: m.LastCheckError,
		CreatedAt:      m.CreatedAt,
	}
}

// NewMongoStore creates a MongoDB-backed store. Connection happens in
// Initialize.
func NewMongoStore(uri, dbName string, cipher *Cipher) *MongoStore {
	if dbName == "" {
		dbName = "kirogate"
	}
	return &MongoStore{uri: uri, dbName: dbName, cipher: cipher, now: time.Now}
}

func withMongoTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, defaultMongoTimeout)
}

func (s *MongoStore) Initialize(ctx context.Context) error {
	ctx, cancel := withMongoTimeout(ctx)
	defer cancel()

	clientOptions := options.Client().ApplyURI(s.uri)
	clientOptions.SetMaxPoolSize(10)
	clientOptions.SetServerSelectionTimeout(5 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return fmt.Errorf("connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("ping MongoDB: %w", err)
	}

	s.client = client
	s.database = client.Database(s.dbName)
	s.tokens = s.database.Collection("tokens")
	s.counters = s.database.Collection("counters")

	_, err = s.tokens.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "owner_id", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "visibility", Value: 1}, {Key: "status", Value: 1}},
		},
	})
	if err != nil {
		return fmt.Errorf("create token indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Close() error {
	if s.client == nil {
		return nil
	}
	ctx, cancel := withMongoTimeout(context.Background())
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) Health(ctx context.Context) error {
	ctx, cancel := withMongoTimeout(ctx)
	defer cancel()
	return s.client.Ping(ctx, nil)
}

// nextID atomically bumps the token sequence in the counters collection.
func (s *MongoStore) nextID(ctx context.Context) (int64, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": "token_id"},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("next token id: %w", err)
	}
	return doc.Seq, nil
}

func (s *MongoStore) find(ctx context.Context, filter bson.M) ([]*Token, error) {
	ctx, cancel := withMongoTimeout(ctx)
	defer cancel()
	cursor, err := s.tokens.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find tokens: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*Token
	for cursor.Next(ctx) {
		var doc mongoToken
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode token: %w", err)
		}
		out = append(out, doc.toToken())
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor iteration: %w", err)
	}
	return out, nil
}

func (s *MongoStore) ListTokens(ctx context.Context) ([]*Token, error) {
	return s.find(ctx, bson.M{})
}

func (s *MongoStore) GetUserTokens(ctx context.Context, userID int64) ([]*Token, error) {
	return s.find(ctx, bson.M{"owner_id": userID})
}

func (s *MongoStore) GetPublicTokens(ctx context.Context) ([]*Token, error) {
	return s.find(ctx, bson.M{
		"visibility": string(VisibilityPublic),
		"status":     string(StatusActive),
	})
}

func (s *MongoStore) GetTokensByStatus(ctx context.Context, status Status) ([]*Token, error) {
	return s.find(ctx, bson.M{"status": string(status)})
}

func (s *MongoStore) GetAllActiveTokens(ctx context.Context) ([]*Token, error) {
	return s.GetTokensByStatus(ctx, StatusActive)
}

func (s *MongoStore) GetToken(ctx context.Context, id int64) (*Token, error) {
	ctx, cancel := withMongoTimeout(ctx)
	defer cancel()
	var doc mongoToken
	err := s.tokens.FindOne(ctx, bson.M{"id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get token %d: %w", id, err)
	}
	return doc.toToken(), nil
}

func (s *MongoStore) GetTokenCredentials(ctx context.Context, id int64) (*Credentials, error) {
	ctx, cancel := withMongoTimeout(ctx)
	defer cancel()
	var doc mongoToken
	err := s.tokens.FindOne(ctx, bson.M{"id": id},
		options.FindOne().SetProjection(bson.M{
			"refresh_token": 1, "client_id": 1, "client_secret": 1,
		})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get credentials %d: %w", id, err)
	}
	refresh, err := s.cipher.Decrypt(doc.RefreshToken)
	if err != nil {
		return nil, err
	}
	secret, err := s.cipher.Decrypt(doc.ClientSecret)
	if err != nil {
		return nil, err
	}
	return &Credentials{RefreshToken: refresh, ClientID: doc.ClientID, ClientSecret: secret}, nil
}

func (s *MongoStore) GetDecryptedToken(ctx context.Context, id int64) (string, error) {
	creds, err := s.GetTokenCredentials(ctx, id)
	if err != nil {
		return "", err
	}
	return creds.RefreshToken, nil
}

func (s *MongoStore) CreateToken(ctx context.Context, tok *Token, creds Credentials) (int64, error) {
	encRefresh, err := s.cipher.Encrypt(creds.RefreshToken)
	if err != nil {
		return 0, err
	}
	encSecret, err := s.cipher.Encrypt(creds.ClientSecret)
	if err != nil {
		return 0, err
	}

	ctx, cancel := withMongoTimeout(ctx)
	defer cancel()
	id := tok.ID
	if id == 0 {
		id, err = s.nextID(ctx)
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

	doc := mongoToken{
		ID:           id,
		Region:       tok.Region,
		ProfileARN:   tok.ProfileARN,
		OwnerID:      tok.OwnerID,
		Visibility:   string(visibility),
		Status:       string(status),
		SuccessCount: tok.SuccessCount,
		FailCount:    tok.FailCount,
		LastUsed:     tok.LastUsed,
		LastCheckOK:  true,
		RefreshToken: encRefresh,
		ClientID:     creds.ClientID,
		ClientSecret: encSecret,
		CreatedAt:    createdAt,
	}
	if _, err := s.tokens.InsertOne(ctx, doc); err != nil {
		return 0, fmt.Errorf("insert token: %w", err)
	}
	return id, nil
}

func (s *MongoStore) DeleteToken(ctx context.Context, id int64) error {
	ctx, cancel := withMongoTimeout(ctx)
	defer cancel()
	res, err := s.tokens.DeleteOne(ctx, bson.M{"id": id})
	if err != nil {
		return fmt.Errorf("delete token %d: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return &NotFoundError{ID: id}
	}
	return nil
}

func (s *MongoStore) updateOne(ctx context.Context, id int64, update bson.M) error {
	ctx, cancel := withMongoTimeout(ctx)
	defer cancel()
	res, err := s.tokens.UpdateOne(ctx, bson.M{"id": id}, update)
	if err != nil {
		return fmt.Errorf("update token %d: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return &NotFoundError{ID: id}
	}
	return nil
}

func (s *MongoStore) SetTokenStatus(ctx context.Context, id int64, status Status) error {
	return s.updateOne(ctx, id, bson.M{"$set": bson.M{"status": string(status)}})
}

func (s *MongoStore) RecordTokenUsage(ctx context.Context, id int64, success bool) error {
	field := "fail_count"
	if success {
		field = "success_count"
	}
	update := bson.M{"$inc": bson.M{field: 1}}
	if success {
		update["$set"] = bson.M{"last_used": s.now().UnixMilli()}
	}
	return s.updateOne(ctx, id, update)
}

func (s *MongoStore) RecordHealthCheck(ctx context.Context, id int64, ok bool, checkErr string) error {
	return s.updateOne(ctx, id, bson.M{"$set": bson.M{
		"last_check_ok":    ok,
		"last_check_error": checkErr,
	}})
}

func (s *MongoStore) UpdateTokenCredentials(ctx context.Context, id int64, rot Rotation) error {
	set := bson.M{
		"access_token": rot.AccessToken,
		"expires_at":   rot.ExpiresAt.UnixMilli(),
	}
	if rot.RefreshToken != "" {
		enc, err := s.cipher.Encrypt(rot.RefreshToken)
		if err != nil {
			return err
		}
		set["refresh_token"] = enc
	}
	if rot.ProfileARN != "" {
		set["profile_arn"] = rot.ProfileARN
	}
	return s.updateOne(ctx, id, bson.M{"$set": set})
}
