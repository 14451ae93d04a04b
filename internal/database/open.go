package database

import (
	"context"
	"log"
	"time"
)

// Open selects the datastore: MongoDB when mongoURI is set, otherwise the SQL
// database at databaseURL, otherwise an in-memory store (development only).
// The given tables are created/indexed before returning.
func Open(databaseURL, mongoURI string, tables []string) (Datastore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if mongoURI != "" {
		log.Println("🔗 Connecting to MongoDB...")
		db, err := NewMongoDB(mongoURI)
		if err != nil {
			return nil, err
		}
		if err := db.EnsureTables(ctx, tables...); err != nil {
			db.Close(ctx)
			return nil, err
		}
		return db, nil
	}

	if databaseURL != "" {
		db, err := New(databaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.EnsureTables(ctx, tables...); err != nil {
			db.Close(ctx)
			return nil, err
		}
		return db, nil
	}

	log.Println("⚠️  No DATABASE_URL or MONGODB_URI set - using in-memory datastore (data is lost on restart)")
	return NewMemoryStore(), nil
}
