package database

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

const (
	UsersCollection    = "users"
	SessionsCollection = "sessions"
)

type Mongo struct {
	Client *mongo.Client
	DB     *mongo.Database
}

// Connect opens a client against uri and pings the primary before
// returning.
func Connect(ctx context.Context, uri, databaseName string) (*Mongo, error) {
	serverAPI := options.ServerAPI(options.ServerAPIVersion1)
	opts := options.Client().ApplyURI(uri).SetServerAPIOptions(serverAPI)
	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	return &Mongo{Client: client, DB: client.Database(databaseName)}, nil
}

func (m *Mongo) OpenCollection(name string) *mongo.Collection {
	return m.DB.Collection(name)
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.Client.Disconnect(ctx)
}

// EnsureIndexes creates the indexes the repositories rely on. Sessions get
// plain indexes for the sweep query and no TTL index: expired sessions must
// go through the sweep so their artifacts are released.
func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	users := m.OpenCollection(UsersCollection)
	if _, err := users.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bsonKeys("email"), Options: options.Index().SetUnique(true)},
		{Keys: bsonKeys("verificationTokenHash"), Options: options.Index().SetSparse(true)},
		{Keys: bsonKeys("resetTokenHash"), Options: options.Index().SetSparse(true)},
	}); err != nil {
		return fmt.Errorf("users indexes: %w", err)
	}

	sessions := m.OpenCollection(SessionsCollection)
	if _, err := sessions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bsonKeys("expiresAt")},
		{Keys: bsonKeys("lastActivity")},
	}); err != nil {
		return fmt.Errorf("sessions indexes: %w", err)
	}
	return nil
}
