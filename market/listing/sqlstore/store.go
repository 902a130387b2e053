// Package sqlstore implements listing.Store on top of sqlx. The same queries
// serve postgres and sqlite; placeholders are rebound per driver.
package sqlstore

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"

	"github.com/m3rciful/marketbot/core/logger"
	"github.com/m3rciful/marketbot/market/listing"
)

const (
	insertListing = `INSERT INTO listings
	(owner_id, owner_name, category, subcategory, product_name, attributes, price, status, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	RETURNING id`

	selectListingsForOwner = `SELECT id, owner_id, owner_name, category, subcategory, product_name,
	attributes, price, status, created_at, updated_at
	FROM listings
	WHERE owner_id = ?
	ORDER BY created_at DESC, id DESC
	LIMIT ?`

	insertAction = `INSERT INTO action_log (user_id, action, detail, created_at) VALUES (?, ?, ?, ?)`
)

type listingRow struct {
	ID          int64   `db:"id"`
	OwnerID     int64   `db:"owner_id"`
	OwnerName   string  `db:"owner_name"`
	Category    string  `db:"category"`
	Subcategory string  `db:"subcategory"`
	ProductName string  `db:"product_name"`
	Attributes  string  `db:"attributes"`
	Price       float64 `db:"price"`
	Status      string  `db:"status"`
	CreatedAt   int64   `db:"created_at"`
	UpdatedAt   int64   `db:"updated_at"`
}

func (r listingRow) toListing() (listing.Listing, error) {
	l := listing.Listing{
		ID:          r.ID,
		OwnerID:     r.OwnerID,
		OwnerName:   r.OwnerName,
		Category:    r.Category,
		Subcategory: r.Subcategory,
		ProductName: r.ProductName,
		Price:       r.Price,
		Status:      listing.Status(r.Status),
		CreatedAt:   time.Unix(r.CreatedAt, 0).UTC(),
		UpdatedAt:   time.Unix(r.UpdatedAt, 0).UTC(),
	}
	if err := json.Unmarshal([]byte(r.Attributes), &l.Attributes); err != nil {
		return listing.Listing{}, fmt.Errorf("decode attributes of listing %d: %w", r.ID, err)
	}
	return l, nil
}

// Store is a listing.Store backed by a relational database.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New wraps an open database handle.
func New(db *sqlx.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateListing inserts l in a single statement.
func (s *Store) CreateListing(ctx context.Context, l listing.Listing) (listing.Listing, error) {
	if l.Status == "" {
		l.Status = listing.StatusActive
	}
	if err := l.Validate(); err != nil {
		return listing.Listing{}, err
	}
	attrs, err := json.Marshal(l.Attributes)
	if err != nil {
		return listing.Listing{}, fmt.Errorf("encode attributes: %w", err)
	}
	now := s.now().UTC().Truncate(time.Second)
	l.Price = math.Round(l.Price*100) / 100

	start := time.Now()
	var id int64
	err = s.db.QueryRowxContext(ctx, s.db.Rebind(insertListing),
		l.OwnerID, l.OwnerName, l.Category, l.Subcategory, l.ProductName,
		string(attrs), l.Price, string(l.Status), now.Unix(), now.Unix(),
	).Scan(&id)
	if err != nil {
		logger.Error(ctx, logger.CompStore, "listing.create",
			slog.Int64("user_id", l.OwnerID),
			slog.Duration("duration", time.Since(start)),
			slog.String("err", err.Error()),
		)
		return listing.Listing{}, fmt.Errorf("insert listing: %w", err)
	}
	l.ID = id
	l.CreatedAt = now
	l.UpdatedAt = now
	logger.Debug(ctx, logger.CompStore, "listing.create",
		slog.Int64("listing_id", id),
		slog.Duration("duration", time.Since(start)),
	)
	return l, nil
}

// ListListingsForUser returns the owner's newest listings first.
func (s *Store) ListListingsForUser(ctx context.Context, ownerID int64, limit int) ([]listing.Listing, error) {
	if limit <= 0 {
		return nil, nil
	}
	var rows []listingRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(selectListingsForOwner), ownerID, limit); err != nil {
		return nil, fmt.Errorf("select listings: %w", err)
	}
	out := make([]listing.Listing, 0, len(rows))
	for _, r := range rows {
		l, err := r.toListing()
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

// AppendActionLog inserts one audit entry.
func (s *Store) AppendActionLog(ctx context.Context, e listing.ActionEntry) error {
	if e.Action == "" {
		return listing.ErrInvalidEntry
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	detail := []byte("{}")
	if len(e.Detail) > 0 {
		var err error
		if detail, err = json.Marshal(e.Detail); err != nil {
			return fmt.Errorf("encode action detail: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(insertAction),
		e.UserID, e.Action, string(detail), e.Timestamp.UTC().Unix()); err != nil {
		return fmt.Errorf("insert action %s: %w", e.Action, err)
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type actionRow struct {
	UserID    int64  `db:"user_id"`
	Action    string `db:"action"`
	Detail    string `db:"detail"`
	CreatedAt int64  `db:"created_at"`
}

// ActionsForUser returns the user's audit trail in insertion order.
func (s *Store) ActionsForUser(ctx context.Context, userID int64) ([]listing.ActionEntry, error) {
	var rows []actionRow
	q := s.db.Rebind(`SELECT user_id, action, detail, created_at FROM action_log WHERE user_id = ? ORDER BY id`)
	if err := s.db.SelectContext(ctx, &rows, q, userID); err != nil {
		return nil, fmt.Errorf("select actions: %w", err)
	}
	out := make([]listing.ActionEntry, 0, len(rows))
	for _, r := range rows {
		e := listing.ActionEntry{
			UserID:    r.UserID,
			Action:    r.Action,
			Timestamp: time.Unix(r.CreatedAt, 0).UTC(),
		}
		if err := json.Unmarshal([]byte(r.Detail), &e.Detail); err != nil {
			return nil, fmt.Errorf("decode action detail: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}
