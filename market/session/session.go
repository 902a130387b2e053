// Package session owns the per-user wizard state records and the stores
// that keep them between events.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/m3rciful/marketbot/market/listing"
)

// State identifies a wizard step.
type State string

const (
	StateIdle                 State = "idle"
	StateAwaitingCategory     State = "awaiting_category"
	StateAwaitingSubcategory  State = "awaiting_subcategory"
	StateAwaitingProductName  State = "awaiting_product_name"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateAwaitingPrice        State = "awaiting_price"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateIdle, StateAwaitingCategory, StateAwaitingSubcategory,
		StateAwaitingProductName, StateAwaitingConfirmation, StateAwaitingPrice:
		return true
	}
	return false
}

// Extraction is what the extractor produced for the session's product text.
type Extraction struct {
	Attributes listing.Attributes `json:"attributes"`
	Confidence float64            `json:"confidence"`
	// PriceSuggestion is nil when the extractor offered no usable range.
	PriceSuggestion *listing.PriceSuggestion `json:"price_suggestion,omitempty"`
}

// Session is one user's in-progress wizard.
type Session struct {
	UserID      int64       `json:"user_id"`
	State       State       `json:"state"`
	Category    string      `json:"category,omitempty"`
	Subcategory string      `json:"subcategory,omitempty"`
	ProductText string      `json:"product_text,omitempty"`
	Extracted   *Extraction `json:"extracted,omitempty"`
	// DraftID correlates the audit entries of one wizard run.
	DraftID   string    `json:"draft_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

var (
	// ErrInvalidSession is returned by stores asked to save a session that breaks its invariants.
	ErrInvalidSession = errors.New("session: invalid session")
	// ErrLockTimeout is returned when a user lock cannot be acquired before the context ends.
	ErrLockTimeout = errors.New("session: lock wait aborted")
)

// New returns an idle session for userID.
func New(userID int64) Session {
	return Session{UserID: userID, State: StateIdle}
}

// Active reports whether a wizard is in progress.
func (s Session) Active() bool {
	return s.State != StateIdle && s.State != ""
}

// Reset clears every wizard field and returns to idle.
func (s Session) Reset() Session {
	return Session{UserID: s.UserID, State: StateIdle, UpdatedAt: s.UpdatedAt}
}

// Clone returns a deep copy so stores never share attribute storage with callers.
func (s Session) Clone() Session {
	if s.Extracted != nil {
		ex := *s.Extracted
		ex.Attributes = s.Extracted.Attributes.Clone()
		if ex.PriceSuggestion != nil {
			ps := *ex.PriceSuggestion
			ex.PriceSuggestion = &ps
		}
		s.Extracted = &ex
	}
	return s
}

// Stale reports whether the session has been untouched for longer than ttl.
func (s Session) Stale(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && s.Active() && !s.UpdatedAt.IsZero() && now.Sub(s.UpdatedAt) > ttl
}

// Validate checks the record invariants.
func (s Session) Validate() error {
	switch {
	case s.UserID == 0:
		return errors.Join(ErrInvalidSession, errors.New("user id is required"))
	case !s.State.Valid():
		return errors.Join(ErrInvalidSession, errors.New("unknown state "+string(s.State)))
	case s.Subcategory != "" && s.Category == "":
		return errors.Join(ErrInvalidSession, errors.New("subcategory set without category"))
	case s.Extracted != nil && s.ProductText == "":
		return errors.Join(ErrInvalidSession, errors.New("extraction set without product text"))
	case s.Extracted != nil && (s.Extracted.Confidence < 0 || s.Extracted.Confidence > 1):
		return errors.Join(ErrInvalidSession, errors.New("confidence out of range"))
	}
	return nil
}

// Repository keeps sessions keyed by user id. Implementations must be safe
// for concurrent use by different users; per-user exclusivity is the
// caller's job (see Locks).
type Repository interface {
	// Load returns the stored session; found is false when the user has none.
	Load(ctx context.Context, userID int64) (s Session, found bool, err error)
	Save(ctx context.Context, s Session) error
	Delete(ctx context.Context, userID int64) error
	// StaleBefore lists active sessions last updated before cutoff.
	StaleBefore(ctx context.Context, cutoff time.Time) ([]Session, error)
	Ping(ctx context.Context) error
}
