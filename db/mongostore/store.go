// Package mongostore stores accounts in MongoDB. Updates use optimistic
// concurrency on a version field.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adeilh/go-rakh-auth/auth"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	CollectionAccounts = "accounts"

	maxUpdateAttempts = 32
)

var errUpdateContention = errors.New("mongostore: account update lost too many races")

// Options configures a connection made by Connect.
type Options struct {
	URI             string
	Database        string
	Timeout         time.Duration
	MaxPoolSize     uint64
	IdleConnTimeout time.Duration
}

// Store implements auth.AccountStore on a MongoDB collection.
type Store struct {
	client     *mongo.Client
	collection *mongo.Collection
	now        func() time.Time
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Connect dials MongoDB, pings it and returns a store over
// Database.accounts with its indexes in place.
func Connect(ctx context.Context, cfg Options, opts ...Option) (*Store, error) {
	if cfg.URI == "" {
		return nil, errors.New("mongostore: URI is required")
	}
	if cfg.Database == "" {
		return nil, errors.New("mongostore: database name is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	clientOpts := options.Client().ApplyURI(cfg.URI)
	if cfg.MaxPoolSize > 0 {
		clientOpts.SetMaxPoolSize(cfg.MaxPoolSize)
	}
	if cfg.IdleConnTimeout > 0 {
		clientOpts.SetMaxConnIdleTime(cfg.IdleConnTimeout)
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	client, err := mongo.Connect(connectCtx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongostore: ping: %w", err)
	}

	store, err := New(ctx, client.Database(cfg.Database), opts...)
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	store.client = client
	return store, nil
}

// New wraps an existing database handle and ensures indexes exist.
func New(ctx context.Context, db *mongo.Database, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errors.New("mongostore: database is nil")
	}
	s := &Store{collection: db.Collection(CollectionAccounts), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if err := s.CreateIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// CreateIndexes installs the unique email index and the secret lookup indexes.
func (s *Store) CreateIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "resetTokenHash", Value: 1}},
			Options: options.Index().SetPartialFilterExpression(bson.M{"resetTokenHash": bson.M{"$gt": ""}}),
		},
		{
			Keys:    bson.D{{Key: "verificationTokenHash", Value: 1}},
			Options: options.Index().SetPartialFilterExpression(bson.M{"verificationTokenHash": bson.M{"$gt": ""}}),
		},
		{
			Keys: bson.D{{Key: "resetExpiresAt", Value: 1}},
		},
	})
	if err != nil {
		return fmt.Errorf("mongostore: create indexes: %w", err)
	}
	return nil
}

// Ping checks the server behind the store's collection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.collection.Database().Client().Ping(ctx, nil); err != nil {
		return fmt.Errorf("mongostore: ping: %w", err)
	}
	return nil
}

// Close disconnects a client opened by Connect.
func (s *Store) Close(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

func (s *Store) Create(ctx context.Context, account auth.Account) error {
	if account.ID == "" {
		return errors.New("mongostore: account id is required")
	}
	account.Email = auth.NormalizeEmail(account.Email)
	doc := fromAccount(account)
	doc.Version = 1
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return auth.ErrEmailTaken
		}
		return fmt.Errorf("mongostore: insert account: %w", err)
	}
	return nil
}

func (s *Store) GetByID(ctx context.Context, id string) (auth.Account, error) {
	doc, err := s.findOne(ctx, bson.M{"_id": id})
	if err != nil {
		return auth.Account{}, err
	}
	return doc.account(), nil
}

func (s *Store) GetByEmail(ctx context.Context, email string) (auth.Account, error) {
	doc, err := s.findOne(ctx, bson.M{"email": auth.NormalizeEmail(email)})
	if err != nil {
		return auth.Account{}, err
	}
	return doc.account(), nil
}

func (s *Store) GetBySecretHash(ctx context.Context, purpose auth.SecretPurpose, hash string) (auth.Account, error) {
	if hash == "" {
		return auth.Account{}, auth.ErrAccountNotFound
	}
	var field string
	switch purpose {
	case auth.SecretReset:
		field = "resetTokenHash"
	case auth.SecretVerification:
		field = "verificationTokenHash"
	default:
		return auth.Account{}, fmt.Errorf("mongostore: unknown secret purpose %q", purpose)
	}
	doc, err := s.findOne(ctx, bson.M{field: hash})
	if err != nil {
		return auth.Account{}, err
	}
	return doc.account(), nil
}

// Update reads the document, applies fn and replaces it only if the version
// is unchanged, retrying from a fresh read when another writer got there
// first. fn may therefore run more than once.
func (s *Store) Update(ctx context.Context, id string, fn func(*auth.Account) error) (auth.Account, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		doc, err := s.findOne(ctx, bson.M{"_id": id})
		if err != nil {
			return auth.Account{}, err
		}
		current := doc.account()
		next := current.Clone()
		if err := fn(&next); err != nil {
			return auth.Account{}, err
		}
		next.ID = current.ID
		next.Email = auth.NormalizeEmail(next.Email)
		next.UpdatedAt = s.now().UTC()

		replacement := fromAccount(next)
		replacement.Version = doc.Version + 1
		res, err := s.collection.ReplaceOne(ctx, bson.M{"_id": id, "version": doc.Version}, replacement)
		if err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return auth.Account{}, auth.ErrEmailTaken
			}
			return auth.Account{}, fmt.Errorf("mongostore: replace account: %w", err)
		}
		if res.MatchedCount == 1 {
			return next, nil
		}
	}
	return auth.Account{}, errUpdateContention
}

func (s *Store) ClearExpiredResetTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.collection.UpdateMany(ctx,
		bson.M{"resetExpiresAt": bson.M{"$ne": nil, "$lte": now.UTC()}},
		bson.M{
			"$set": bson.M{"resetTokenHash": "", "resetExpiresAt": nil, "updatedAt": s.now().UTC()},
			"$inc": bson.M{"version": 1},
		},
	)
	if err != nil {
		return 0, fmt.Errorf("mongostore: clear expired reset tokens: %w", err)
	}
	return res.ModifiedCount, nil
}

func (s *Store) findOne(ctx context.Context, filter bson.M) (accountDocument, error) {
	var doc accountDocument
	if err := s.collection.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return accountDocument{}, auth.ErrAccountNotFound
		}
		return accountDocument{}, fmt.Errorf("mongostore: find account: %w", err)
	}
	return doc, nil
}
