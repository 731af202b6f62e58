// Package store persists chat messages and resolves user records. MongoDB is
// the primary backend; PostgreSQL and an in-memory store implement the same
// message contract.
package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Tyrowin/gochat/internal/domain"
)

// Collection names used by the login flow and the chat routes.
const (
	UsersCollection    = "users"
	MessagesCollection = "messages"
)

// MongoConfig represents the MongoDB connection settings.
type MongoConfig struct {
	URI         string
	Database    string
	MaxPoolSize uint64
	MaxRetry    int
}

// Mongo implements message and user storage on MongoDB.
type Mongo struct {
	client   *mongo.Client
	users    *mongo.Collection
	messages *mongo.Collection
}

// NewMongo connects and pings, retrying transient failures up to
// cfg.MaxRetry times.
func NewMongo(ctx context.Context, cfg MongoConfig) (*Mongo, error) {
	if cfg.URI == "" {
		return nil, errors.New("mongo uri is required")
	}
	if cfg.Database == "" {
		return nil, errors.New("mongo database is required")
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = 1
	}

	opts := options.Client().ApplyURI(cfg.URI)
	if cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(cfg.MaxPoolSize)
	}

	var (
		cli *mongo.Client
		err error
	)
	for i := 0; i < cfg.MaxRetry; i++ {
		cli, err = connectMongo(ctx, opts)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "connect to mongo")
		case <-time.After(time.Second / 2):
		}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "connect to mongo after %d attempts", cfg.MaxRetry)
	}

	db := cli.Database(cfg.Database)
	return &Mongo{
		client:   cli,
		users:    db.Collection(UsersCollection),
		messages: db.Collection(MessagesCollection),
	}, nil
}

func connectMongo(ctx context.Context, opts *options.ClientOptions) (*mongo.Client, error) {
	cli, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := cli.Ping(ctx, nil); err != nil {
		_ = cli.Disconnect(context.Background())
		return nil, err
	}
	return cli, nil
}

// FindByID loads a user by id. Ids that parse as ObjectIDs are matched as
// such, anything else as a plain string.
func (m *Mongo) FindByID(ctx context.Context, id string) (*domain.User, error) {
	var doc struct {
		Name string `bson:"name"`
	}
	err := m.users.FindOne(ctx, bson.M{"_id": documentID(id)},
		options.FindOne().SetProjection(bson.M{"name": 1})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "find user")
	}
	return &domain.User{ID: id, Name: doc.Name}, nil
}

// Append stores msg in the messages collection and returns its new id.
func (m *Mongo) Append(ctx context.Context, msg domain.Message) (string, error) {
	res, err := m.messages.InsertOne(ctx, messageDocument(msg, sentAt(msg)))
	if err != nil {
		return "", errors.Wrap(err, "insert message")
	}
	if oid, ok := res.InsertedID.(primitive.ObjectID); ok {
		return oid.Hex(), nil
	}
	return "", errors.Errorf("unexpected inserted id type %T", res.InsertedID)
}

// Close disconnects the client.
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// messageDocument mirrors the chat routes' message schema so the history
// endpoints read realtime-written messages unchanged.
func messageDocument(msg domain.Message, now time.Time) bson.M {
	return bson.M{
		"_id":         primitive.NewObjectID(),
		"content":     msg.Content,
		"attachments": bson.A{},
		"sender":      documentID(msg.SenderID),
		"chat":        documentID(msg.ConversationID),
		"createdAt":   now,
		"updatedAt":   now,
	}
}

// sentAt is the creation time recorded for msg. Messages submitted without
// a stamp fall back to the write time.
func sentAt(msg domain.Message) time.Time {
	if msg.SentAt.IsZero() {
		return time.Now().UTC()
	}
	return msg.SentAt
}

func documentID(id string) any {
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		return oid
	}
	return id
}
