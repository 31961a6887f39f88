// Package postgres implements the store interfaces for PostgreSQL. The schema is managed with goose migrations
// embedded in the binary; counters rely on INSERT .. ON CONFLICT DO UPDATE .. RETURNING, a single atomic statement.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/tarancss/fundpool/lib/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

const pingTimeout = 5 * time.Second

// Postgres implements a connection to a PostgreSQL database.
type Postgres struct {
	db *sql.DB
}

// New returns a postgres client connection to the specified database in 'connection' with the schema migrated.
func New(connection string) (*Postgres, error) {
	db, err := sql.Open("postgres", connection)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to DB in %s: %w", connection, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot ping DB: %w", err)
	}

	if err = migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Postgres{db: db}, nil
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close will close any database connection. Must be called at termination time.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Increment implements store.Counter.
func (p *Postgres) Increment(ctx context.Context, key string) (int64, error) {
	var v int64

	err := p.db.QueryRowContext(ctx,
		`INSERT INTO counters (key, value) VALUES ($1, 1)
		 ON CONFLICT (key) DO UPDATE SET value = counters.value + 1
		 RETURNING value`, key).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("%w: increment %s: %w", store.ErrUnavailable, key, err)
	}

	return v, nil
}

// Current implements store.Counter.
func (p *Postgres) Current(ctx context.Context, key string) (int64, error) {
	var v int64

	err := p.db.QueryRowContext(ctx, `SELECT value FROM counters WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("%w: read %s: %w", store.ErrUnavailable, key, err)
	}

	return v, nil
}

// SaveAddressIndex implements store.AddressIndex.
func (p *Postgres) SaveAddressIndex(ctx context.Context, r store.AddressRecord) error {
	r.Address = store.NormalizeAddress(r.Address)

	created := sql.NullTime{Time: r.CreatedAt, Valid: !r.CreatedAt.IsZero()}

	_, err := p.db.ExecContext(ctx,
		`INSERT INTO address_index (key, network, address, idx, created_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (key) DO UPDATE SET idx = EXCLUDED.idx,
		 created_at = COALESCE(address_index.created_at, EXCLUDED.created_at)`,
		store.AddressKey(r.Network, r.Address), r.Network, r.Address, int64(r.Index), created)
	if err != nil {
		return fmt.Errorf("could not save address index: %w", err)
	}

	return nil
}

// LookupAddressIndex implements store.AddressIndex.
func (p *Postgres) LookupAddressIndex(ctx context.Context, network, address string) (store.AddressRecord, error) {
	r := store.AddressRecord{Network: network}

	var (
		idx     int64
		created sql.NullTime
	)

	err := p.db.QueryRowContext(ctx,
		`SELECT address, idx, created_at FROM address_index WHERE key = $1`,
		store.AddressKey(network, address)).Scan(&r.Address, &idx, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return store.AddressRecord{}, store.ErrAddrNotFound
	}

	if err != nil {
		return store.AddressRecord{}, fmt.Errorf("could not lookup address: %w", err)
	}

	r.Index, r.CreatedAt = uint32(idx), created.Time

	return r, nil
}

// AddressRecords implements store.AddressIndex.
func (p *Postgres) AddressRecords(ctx context.Context, network string, from, to uint32) ([]store.AddressRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT address, idx, created_at FROM address_index WHERE network = $1 AND idx >= $2 AND idx < $3 ORDER BY idx`,
		network, int64(from), int64(to))
	if err != nil {
		return nil, fmt.Errorf("could not query address records: %w", err)
	}
	defer rows.Close()

	var out []store.AddressRecord

	for rows.Next() {
		r := store.AddressRecord{Network: network}

		var (
			idx     int64
			created sql.NullTime
		)

		if err = rows.Scan(&r.Address, &idx, &created); err != nil {
			return nil, fmt.Errorf("could not scan address record: %w", err)
		}

		r.Index, r.CreatedAt = uint32(idx), created.Time
		out = append(out, r)
	}

	return out, rows.Err()
}

// RecordPurchase implements store.PurchaseLedger.
func (p *Postgres) RecordPurchase(ctx context.Context, pu store.Purchase) error {
	if pu.CompletedAt.IsZero() {
		pu.CompletedAt = store.Now()
	}

	_, err := p.db.ExecContext(ctx,
		`INSERT INTO purchases (network, address, completed_at) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		pu.Network, store.NormalizeAddress(pu.Address), pu.CompletedAt)
	if err != nil {
		return fmt.Errorf("could not record purchase: %w", err)
	}

	return nil
}

// Purchased implements store.PurchaseLedger.
func (p *Postgres) Purchased(ctx context.Context, network string, addresses []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(addresses) == 0 {
		return out, nil
	}

	norm := make([]string, len(addresses))
	for i, a := range addresses {
		norm[i] = store.NormalizeAddress(a)
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT address FROM purchases WHERE network = $1 AND address = ANY($2)`, network, pq.Array(norm))
	if err != nil {
		return nil, fmt.Errorf("could not query purchases: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a string
		if err = rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("could not scan purchase: %w", err)
		}

		out[a] = true
	}

	return out, rows.Err()
}

// AppendEvent implements store.EventLedger.
func (p *Postgres) AppendEvent(ctx context.Context, e store.Event) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("could not encode event metadata: %w", err)
	}

	_, err = p.db.ExecContext(ctx,
		`INSERT INTO events (id, network, event_type, metadata, ts) VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.Network, e.Type, meta, e.Timestamp)
	if err != nil {
		return fmt.Errorf("could not insert event: %w", err)
	}

	return nil
}

// Events implements store.EventLedger.
func (p *Postgres) Events(ctx context.Context, network string, limit int) ([]store.Event, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT id, network, event_type, metadata, ts FROM events
		 WHERE ($1 = '' OR network = $1) ORDER BY ts DESC LIMIT $2`, network, limit)
	if err != nil {
		return nil, fmt.Errorf("could not query events: %w", err)
	}
	defer rows.Close()

	var out []store.Event

	for rows.Next() {
		var (
			e    store.Event
			meta []byte
		)

		if err = rows.Scan(&e.ID, &e.Network, &e.Type, &meta, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("could not scan event: %w", err)
		}

		if err = json.Unmarshal(meta, &e.Metadata); err != nil {
			return nil, fmt.Errorf("could not decode event metadata: %w", err)
		}

		out = append(out, e)
	}

	return out, rows.Err()
}
