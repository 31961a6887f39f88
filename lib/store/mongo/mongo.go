// Package mongo implements the store interfaces for MongoDB. Counters use findOneAndUpdate with $inc and upsert, which
// the server applies atomically to a single document.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mgo "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tarancss/fundpool/lib/store"
)

const (
	database       = "fundpool"
	colCounters    = "counters"
	colAddresses   = "address_index"
	colPurchases   = "purchases"
	colEvents      = "events"
	connectTimeout = 5 * time.Second
)

// Mongo implements a connection to a MongoDB database.
type Mongo struct {
	c  *mgo.Client
	db *mgo.Database
}

// mongoAddress is a store.AddressRecord keyed by store.AddressKey.
type mongoAddress struct {
	ID        string    `bson:"_id"`
	Network   string    `bson:"network"`
	Address   string    `bson:"address"`
	Index     uint32    `bson:"index"`
	CreatedAt time.Time `bson:"created_at"`
}

func (a mongoAddress) record() store.AddressRecord {
	return store.AddressRecord{Network: a.Network, Address: a.Address, Index: a.Index, CreatedAt: a.CreatedAt}
}

// New returns a Mongo client connection to the specified MongoDB database uri.
func New(uri string) (*Mongo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	c, err := mgo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to mongo DB in %s: %w", uri, err)
	}

	if err = c.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("error connecting to mongo DB: %w", err)
	}

	m := &Mongo{c: c, db: c.Database(database)}
	if err = m.ensureIndexes(ctx); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	_, err := m.db.Collection(colAddresses).Indexes().CreateOne(ctx, mgo.IndexModel{
		Keys: bson.D{{Key: "network", Value: 1}, {Key: "index", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("cannot create address index: %w", err)
	}

	_, err = m.db.Collection(colPurchases).Indexes().CreateOne(ctx, mgo.IndexModel{
		Keys:    bson.D{{Key: "network", Value: 1}, {Key: "address", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("cannot create purchase index: %w", err)
	}

	return nil
}

// Close will close the database connection. Must be called at termination time.
func (m *Mongo) Close() error {
	return m.c.Disconnect(context.Background())
}

// Increment implements store.Counter.
func (m *Mongo) Increment(ctx context.Context, key string) (int64, error) {
	var doc struct {
		Value int64 `bson:"value"`
	}

	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	// two concurrent upserts of a missing key may race on _id, the loser retries the plain increment
	for attempt := 0; attempt < 2; attempt++ {
		err := m.db.Collection(colCounters).FindOneAndUpdate(ctx,
			bson.M{"_id": key},
			bson.M{"$inc": bson.M{"value": int64(1)}},
			opts,
		).Decode(&doc)
		if err == nil {
			return doc.Value, nil
		}

		if !mgo.IsDuplicateKeyError(err) {
			return 0, fmt.Errorf("%w: increment %s: %w", store.ErrUnavailable, key, err)
		}
	}

	return 0, fmt.Errorf("%w: increment %s: concurrent upsert", store.ErrUnavailable, key)
}

// Current implements store.Counter.
func (m *Mongo) Current(ctx context.Context, key string) (int64, error) {
	var doc struct {
		Value int64 `bson:"value"`
	}

	err := m.db.Collection(colCounters).FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mgo.ErrNoDocuments) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("%w: read %s: %w", store.ErrUnavailable, key, err)
	}

	return doc.Value, nil
}

// SaveAddressIndex implements store.AddressIndex.
func (m *Mongo) SaveAddressIndex(ctx context.Context, r store.AddressRecord) error {
	r.Address = store.NormalizeAddress(r.Address)

	var created interface{}
	if !r.CreatedAt.IsZero() {
		created = r.CreatedAt
	}

	// a stored created_at is kept
	_, err := m.db.Collection(colAddresses).UpdateOne(ctx,
		bson.M{"_id": store.AddressKey(r.Network, r.Address)},
		mgo.Pipeline{{{Key: "$set", Value: bson.D{
			{Key: "network", Value: r.Network},
			{Key: "address", Value: r.Address},
			{Key: "index", Value: r.Index},
			{Key: "created_at", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$created_at", created}}}},
		}}}},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("could not save address index: %w", err)
	}

	return nil
}

// LookupAddressIndex implements store.AddressIndex.
func (m *Mongo) LookupAddressIndex(ctx context.Context, network, address string) (store.AddressRecord, error) {
	var ma mongoAddress

	err := m.db.Collection(colAddresses).FindOne(ctx, bson.M{"_id": store.AddressKey(network, address)}).Decode(&ma)
	if errors.Is(err, mgo.ErrNoDocuments) {
		return store.AddressRecord{}, store.ErrAddrNotFound
	}

	if err != nil {
		return store.AddressRecord{}, fmt.Errorf("could not lookup address: %w", err)
	}

	return ma.record(), nil
}

// AddressRecords implements store.AddressIndex.
func (m *Mongo) AddressRecords(ctx context.Context, network string, from, to uint32) ([]store.AddressRecord, error) {
	cur, err := m.db.Collection(colAddresses).Find(ctx,
		bson.M{"network": network, "index": bson.M{"$gte": from, "$lt": to}},
		options.Find().SetSort(bson.D{{Key: "index", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("could not query address records: %w", err)
	}

	var docs []mongoAddress
	if err = cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("could not decode address records: %w", err)
	}

	out := make([]store.AddressRecord, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.record())
	}

	return out, nil
}

// RecordPurchase implements store.PurchaseLedger.
func (m *Mongo) RecordPurchase(ctx context.Context, p store.Purchase) error {
	p.Address = store.NormalizeAddress(p.Address)
	if p.CompletedAt.IsZero() {
		p.CompletedAt = store.Now()
	}

	_, err := m.db.Collection(colPurchases).UpdateOne(ctx,
		bson.M{"network": p.Network, "address": p.Address},
		bson.M{"$setOnInsert": bson.M{"completed_at": p.CompletedAt}},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("could not record purchase: %w", err)
	}

	return nil
}

// Purchased implements store.PurchaseLedger.
func (m *Mongo) Purchased(ctx context.Context, network string, addresses []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(addresses) == 0 {
		return out, nil
	}

	norm := make([]string, len(addresses))
	for i, a := range addresses {
		norm[i] = store.NormalizeAddress(a)
	}

	cur, err := m.db.Collection(colPurchases).Find(ctx,
		bson.M{"network": network, "address": bson.M{"$in": norm}},
		options.Find().SetProjection(bson.M{"address": 1}))
	if err != nil {
		return nil, fmt.Errorf("could not query purchases: %w", err)
	}

	var docs []store.Purchase
	if err = cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("could not decode purchases: %w", err)
	}

	for _, d := range docs {
		out[d.Address] = true
	}

	return out, nil
}

// AppendEvent implements store.EventLedger.
func (m *Mongo) AppendEvent(ctx context.Context, e store.Event) error {
	if _, err := m.db.Collection(colEvents).InsertOne(ctx, e); err != nil {
		return fmt.Errorf("could not insert event: %w", err)
	}

	return nil
}

// Events implements store.EventLedger.
func (m *Mongo) Events(ctx context.Context, network string, limit int) ([]store.Event, error) {
	filter := bson.M{}
	if network != "" {
		filter["network"] = network
	}

	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cur, err := m.db.Collection(colEvents).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("could not query events: %w", err)
	}

	var out []store.Event
	if err = cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("could not decode events: %w", err)
	}

	return out, nil
}
