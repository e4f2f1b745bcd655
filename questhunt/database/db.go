package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	defaultConnTimeout   = 5 * time.Second
	defaultMaxRetries    = 3
	defaultRetryInterval = time.Second
)

type Config struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`
	PoolSize int    `toml:"pool_size"`
}

// DB owns the Mongo client lifecycle and hands out the Gateway used by the
// services layer.
type DB struct {
	client  *mongo.Client
	gateway *MongoGateway
	name    string
}

// New connects to the document store, verifies the connection and ensures
// the indexes the coordinator relies on.
func New(ctx context.Context, cfg Config) (*DB, error) {
	opts := options.Client().ApplyURI(cfg.URI)
	if cfg.PoolSize > 0 {
		opts.SetMaxPoolSize(uint64(cfg.PoolSize))
	}

	var client *mongo.Client
	var err error
	for i := 0; i < defaultMaxRetries; i++ {
		connCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
		client, err = mongo.Connect(connCtx, opts)
		if err == nil {
			err = client.Ping(connCtx, nil)
		}
		cancel()
		if err == nil {
			break
		}
		time.Sleep(defaultRetryInterval)
	}
	if err != nil {
		return nil, fmt.Errorf("database unreachable after %d attempts: %w", defaultMaxRetries, err)
	}

	db := &DB{
		client:  client,
		gateway: NewMongoGateway(client, cfg.Database),
		name:    cfg.Database,
	}
	if err := db.ensureIndexes(ctx); err != nil {
		return nil, err
	}

	slog.Info("Database connected",
		slog.String("type", "db"),
		slog.String("database", cfg.Database))
	return db, nil
}

func (db *DB) Gateway() Gateway {
	return db.gateway
}

func (db *DB) Ping(ctx context.Context) error {
	return db.client.Ping(ctx, nil)
}

func (db *DB) Close(ctx context.Context) error {
	if err := db.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("error disconnecting from database: %w", err)
	}
	return nil
}

func (db *DB) ensureIndexes(ctx context.Context) error {
	database := db.client.Database(db.name)

	// questCode is the public lookup key and must stay unique across all
	// quests at any point in time.
	questIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "questCode", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "creatorId", Value: 1}},
		},
	}
	if _, err := database.Collection(CollQuests).Indexes().CreateMany(ctx, questIndexes); err != nil {
		return fmt.Errorf("error creating quest indexes: %w", err)
	}

	playerIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "questId", Value: 1}}},
		{Keys: bson.D{{Key: "userId", Value: 1}}},
	}
	if _, err := database.Collection(CollPlayers).Indexes().CreateMany(ctx, playerIndexes); err != nil {
		return fmt.Errorf("error creating player indexes: %w", err)
	}

	userQuestIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "userId", Value: 1}}},
		{Keys: bson.D{{Key: "questId", Value: 1}}},
	}
	if _, err := database.Collection(CollUserQuests).Indexes().CreateMany(ctx, userQuestIndexes); err != nil {
		return fmt.Errorf("error creating userQuest indexes: %w", err)
	}

	return nil
}
