package store

import "fmt"

// Options selects and configures a storage backend.
type Options struct {
	Backend       string // memory, redis, postgres, mongodb
	EncryptionKey string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	PostgresDSN string

	MongoURI string
	MongoDB  string
}

// Open constructs the configured backend. Initialize must still be called
// by the caller.
func Open(opts Options) (Store, error) {
	cipher, err := NewCipher(opts.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("storage cipher: %w", err)
	}
	switch opts.Backend {
	case "", "memory":
		return NewMemoryStore(cipher), nil
	case "redis":
		return NewRedisStore(opts.RedisAddr, opts.RedisPassword, opts.RedisDB, opts.RedisPrefix, cipher), nil
	case "postgres":
		return NewPostgresStore(opts.PostgresDSN, cipher)
	case "mongodb":
		return NewMongoStore(opts.MongoURI, opts.MongoDB, cipher), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}
