package sink

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/andrej220/netmonkey/pkg/result"
)

// Document is the stored form of one record.
type Document struct {
	RunID     string        `bson:"run_id"`
	Host      string        `bson:"host"`
	Port      *int          `bson:"port"`
	Status    string        `bson:"status"`
	Code      int           `bson:"code"`
	Message   string        `bson:"message"`
	Duration  time.Duration `bson:"duration"`
	CreatedAt time.Time     `bson:"created_at"`
}

type inserter interface {
	InsertMany(ctx context.Context, documents []interface{}, opts ...*options.InsertManyOptions) (*mongo.InsertManyResult, error)
}

type Mongo struct {
	client     *mongo.Client
	collection inserter
	now        func() time.Time
}

func NewMongo(ctx context.Context, uri, dbName, collName string) (*Mongo, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	//  ping to verify connection
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &Mongo{
		client:     client,
		collection: client.Database(dbName).Collection(collName),
		now:        time.Now,
	}, nil
}

func (m *Mongo) Write(ctx context.Context, coll *result.Collection) error {
	records := coll.Records()
	if len(records) == 0 {
		return nil
	}
	now := m.now().UTC()
	docs := make([]interface{}, 0, len(records))
	for _, rec := range records {
		docs = append(docs, Document{
			RunID:     coll.RunID.String(),
			Host:      rec.Host,
			Port:      rec.Port,
			Status:    rec.Status.String(),
			Code:      rec.Code,
			Message:   rec.Message,
			Duration:  rec.Duration,
			CreatedAt: now,
		})
	}
	if _, err := m.collection.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false)); err != nil {
		return fmt.Errorf("MongoDB InsertMany failed: %w", err)
	}
	return nil
}

func (m *Mongo) Close() error {
	if m.client == nil {
		return nil
	}
	return m.client.Disconnect(context.Background())
}

func (m *Mongo) Name() string { return "mongo" }
