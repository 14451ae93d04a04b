package database

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"chatrelay/internal/models"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoDB wraps the MongoDB client and database and implements Datastore
// with one collection per table.
type MongoDB struct {
	client   *mongo.Client
	database *mongo.Database
	dbName   string
}

// mongoRow is the stored document shape. Seq orders rows; createdAt only
// has millisecond precision.
type mongoRow struct {
	ID        string    `bson:"_id"`
	OwnerID   string    `bson:"ownerId"`
	Seq       int64     `bson:"seq"`
	Data      bson.M    `bson:"data"`
	CreatedAt time.Time `bson:"createdAt"`
}

var lastSeq atomic.Int64

// nextSeq returns a nanosecond timestamp, bumped past the previous value so
// rows inserted by this process are strictly increasing
func nextSeq() int64 {
	for {
		prev := lastSeq.Load()
		next := time.Now().UnixNano()
		if next <= prev {
			next = prev + 1
		}
		if lastSeq.CompareAndSwap(prev, next) {
			return next
		}
	}
}

var newestFirst = bson.D{{Key: "seq", Value: -1}}

// NewMongoDB creates a new MongoDB connection with connection pooling
func NewMongoDB(uri string) (*MongoDB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(50).
		SetMinPoolSize(5).
		SetMaxConnIdleTime(30 * time.Second).
		SetServerSelectionTimeout(5 * time.Second).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	dbName := extractDBName(uri)

	db := &MongoDB{
		client:   client,
		database: client.Database(dbName),
		dbName:   dbName,
	}

	log.Printf("✅ Connected to MongoDB database: %s", dbName)

	return db, nil
}

// extractDBName extracts the database name from a MongoDB URI
// mongodb://localhost:27017/chatrelay?authSource=admin -> chatrelay
func extractDBName(uri string) string {
	lastSlash := -1
	questionMark := -1

	for i, c := range uri {
		if c == '/' {
			lastSlash = i
		}
		if c == '?' && questionMark == -1 {
			questionMark = i
		}
	}

	if lastSlash != -1 {
		start := lastSlash + 1
		end := len(uri)
		if questionMark != -1 && questionMark > lastSlash {
			end = questionMark
		}
		if start < end {
			if dbName := uri[start:end]; dbName != "" {
				return dbName
			}
		}
	}

	return "chatrelay"
}

// EnsureTables creates the owner/sequence index on each collection
func (m *MongoDB) EnsureTables(ctx context.Context, tables ...string) error {
	log.Println("📦 Initializing MongoDB indexes...")

	for _, table := range tables {
		if err := ValidateTable(table); err != nil {
			return err
		}
		_, err := m.database.Collection(table).Indexes().CreateMany(ctx, []mongo.IndexModel{
			{Keys: bson.D{{Key: "ownerId", Value: 1}, {Key: "seq", Value: -1}}},
		})
		if err != nil {
			return fmt.Errorf("failed to create %s indexes: %w", table, err)
		}
	}

	log.Println("✅ MongoDB indexes initialized")
	return nil
}

func (m *MongoDB) collection(table string) (*mongo.Collection, error) {
	if err := ValidateTable(table); err != nil {
		return nil, err
	}
	return m.database.Collection(table), nil
}

// Get implements Datastore
func (m *MongoDB) Get(ctx context.Context, table, owner string) (models.Record, error) {
	coll, err := m.collection(table)
	if err != nil {
		return nil, err
	}

	opts := options.FindOne().SetSort(newestFirst)
	var row mongoRow
	err = coll.FindOne(ctx, bson.M{"ownerId": owner}, opts).Decode(&row)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", table, err)
	}
	return row.record(), nil
}

// List implements Datastore
func (m *MongoDB) List(ctx context.Context, table, owner string, limit int) ([]models.Record, error) {
	coll, err := m.collection(table)
	if err != nil {
		return nil, err
	}

	opts := options.Find().SetSort(newestFirst)
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := coll.Find(ctx, bson.M{"ownerId": owner}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer cursor.Close(ctx)

	var rows []mongoRow
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", table, err)
	}

	records := make([]models.Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.record())
	}
	return records, nil
}

// Insert implements Datastore
func (m *MongoDB) Insert(ctx context.Context, table, owner string, rec models.Record) (string, error) {
	coll, err := m.collection(table)
	if err != nil {
		return "", err
	}

	row := newMongoRow(owner, rec)
	if _, err := coll.InsertOne(ctx, row); err != nil {
		return "", fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	return row.ID, nil
}

// Upsert implements Datastore
func (m *MongoDB) Upsert(ctx context.Context, table, owner string, rec models.Record) error {
	coll, err := m.collection(table)
	if err != nil {
		return err
	}

	row := newMongoRow(owner, rec)
	if _, err := coll.DeleteMany(ctx, bson.M{"ownerId": owner}); err != nil {
		return fmt.Errorf("failed to replace %s row: %w", table, err)
	}
	if _, err := coll.InsertOne(ctx, row); err != nil {
		return fmt.Errorf("failed to upsert %s: %w", table, err)
	}
	return nil
}

// Delete implements Datastore
func (m *MongoDB) Delete(ctx context.Context, table, owner string) (int64, error) {
	coll, err := m.collection(table)
	if err != nil {
		return 0, err
	}
	res, err := coll.DeleteMany(ctx, bson.M{"ownerId": owner})
	if err != nil {
		return 0, fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	return res.DeletedCount, nil
}

// Trim implements Datastore
func (m *MongoDB) Trim(ctx context.Context, table, owner string, keep int) (int64, error) {
	if keep <= 0 {
		return m.Delete(ctx, table, owner)
	}
	coll, err := m.collection(table)
	if err != nil {
		return 0, err
	}

	opts := options.Find().
		SetSort(newestFirst).
		SetSkip(int64(keep)).
		SetProjection(bson.M{"_id": 1})

	cursor, err := coll.Find(ctx, bson.M{"ownerId": owner}, opts)
	if err != nil {
		return 0, fmt.Errorf("failed to scan %s for trimming: %w", table, err)
	}
	defer cursor.Close(ctx)

	var stale []struct {
		ID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &stale); err != nil {
		return 0, fmt.Errorf("failed to decode %s ids: %w", table, err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	ids := make([]string, len(stale))
	for i, s := range stale {
		ids[i] = s.ID
	}
	res, err := coll.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return 0, fmt.Errorf("failed to trim %s: %w", table, err)
	}
	return res.DeletedCount, nil
}

// Ping implements Datastore
func (m *MongoDB) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

// Close implements Datastore
func (m *MongoDB) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func newMongoRow(owner string, rec models.Record) mongoRow {
	id := rec.String("id")
	if id == "" {
		id = uuid.New().String()
	}
	return mongoRow{
		ID:        id,
		OwnerID:   owner,
		Seq:       nextSeq(),
		Data:      bson.M(rec),
		CreatedAt: time.Now().UTC(),
	}
}

func (r mongoRow) record() models.Record {
	rec := models.Record{}
	for k, v := range r.Data {
		rec[k] = v
	}
	decorate(rec, r.ID, r.CreatedAt)
	return rec
}
