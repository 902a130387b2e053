// Package listing holds the durable listing record, the action log entry and
// the storage contract the wizard commits through.
package listing

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle status of a persisted listing.
type Status string

const (
	StatusActive   Status = "active"
	StatusSold     Status = "sold"
	StatusInactive Status = "inactive"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusSold, StatusInactive:
		return true
	}
	return false
}

// Listing is a completed second-hand item record.
type Listing struct {
	ID          int64      `json:"id"`
	OwnerID     int64      `json:"owner_id"`
	OwnerName   string     `json:"owner_name"`
	Category    string     `json:"category"`
	Subcategory string     `json:"subcategory"`
	ProductName string     `json:"product_name"`
	Attributes  Attributes `json:"attributes"`
	Price       float64    `json:"price"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// PriceSuggestion is an advisory resale range. It never constrains the
// price a seller enters.
type PriceSuggestion struct {
	MinPrice  float64 `json:"min_price"`
	MaxPrice  float64 `json:"max_price"`
	Currency  string  `json:"currency,omitempty"`
	Reasoning string  `json:"reasoning,omitempty"`
}

// Usable reports whether the range is worth showing to a seller.
func (p PriceSuggestion) Usable() bool {
	return p.MaxPrice > 0 && p.MinPrice >= 0 && p.MinPrice <= p.MaxPrice
}

// Action names written to the audit log.
const (
	ActionListingStarted          = "listing_started"
	ActionCategorySelected        = "category_selected"
	ActionSubcategorySelected     = "subcategory_selected"
	ActionProductExtractionFailed = "product_extraction_failed"
	ActionListingCancelled        = "listing_cancelled"
	ActionSessionExpired          = "session_expired"
	ActionListingCompleted        = "listing_completed"
)

// ActionEntry is an append-only audit record.
type ActionEntry struct {
	UserID    int64          `json:"user_id"`
	Action    string         `json:"action"`
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

var (
	// ErrInvalidListing is returned when a listing misses required fields.
	ErrInvalidListing = errors.New("listing: invalid listing")
	// ErrInvalidEntry is returned when an action entry has no action name.
	ErrInvalidEntry = errors.New("listing: invalid action entry")
)

// Validate checks the fields a store needs before writing.
func (l Listing) Validate() error {
	switch {
	case l.OwnerID == 0:
		return errors.Join(ErrInvalidListing, errors.New("owner id is required"))
	case l.Category == "" || l.Subcategory == "":
		return errors.Join(ErrInvalidListing, errors.New("category and subcategory are required"))
	case l.ProductName == "":
		return errors.Join(ErrInvalidListing, errors.New("product name is required"))
	case l.Price < 0:
		return errors.Join(ErrInvalidListing, errors.New("price must not be negative"))
	case !l.Status.Valid():
		return errors.Join(ErrInvalidListing, errors.New("unknown status "+string(l.Status)))
	}
	return nil
}

// Store persists listings and the action log. Every call is atomic.
type Store interface {
	// CreateListing writes l and returns it with ID and timestamps assigned.
	CreateListing(ctx context.Context, l Listing) (Listing, error)
	// ListListingsForUser returns up to limit listings, most recent first.
	ListListingsForUser(ctx context.Context, ownerID int64, limit int) ([]Listing, error)
	AppendActionLog(ctx context.Context, e ActionEntry) error
}
