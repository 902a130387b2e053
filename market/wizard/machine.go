// Package wizard implements the listing conversation: a Machine with one
// method per transition and an Engine that owns locking, persistence and
// expiry of the per-user sessions.
package wizard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/m3rciful/marketbot/core/logger"
	"github.com/m3rciful/marketbot/core/telegram/format"
	"github.com/m3rciful/marketbot/market/catalog"
	"github.com/m3rciful/marketbot/market/extractor"
	"github.com/m3rciful/marketbot/market/listing"
	"github.com/m3rciful/marketbot/market/session"
)

const (
	defaultExtractTimeout = 30 * time.Second
	// RecentListings is how many listings /my_listings shows.
	RecentListings  = 5
	minProductRunes = 3
)

// Notifier delivers interim replies while a transition is still running.
type Notifier interface {
	Notify(ctx context.Context, userID int64, r Reply)
}

// Exporter writes a completed listing somewhere outside the store and
// returns a short name for the user. Export failures never fail a listing.
type Exporter interface {
	Export(ctx context.Context, l listing.Listing) (string, error)
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(m *Machine) { m.now = now } }

// WithDraftIDs replaces the draft id generator.
func WithDraftIDs(gen func() string) Option { return func(m *Machine) { m.newDraftID = gen } }

// WithExtractTimeout bounds each extractor call.
func WithExtractTimeout(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.extractTimeout = d
		}
	}
}

// WithExtractOptions sets the model options passed with every request.
func WithExtractOptions(o extractor.Options) Option { return func(m *Machine) { m.extractOpts = o } }

// WithNotifier registers a receiver for the "analyzing" interim reply.
func WithNotifier(n Notifier) Option { return func(m *Machine) { m.notifier = n } }

// WithExporter registers a post-completion exporter.
func WithExporter(e Exporter) Option { return func(m *Machine) { m.exporter = e } }

// Machine holds the transitions. It keeps no per-user state: every method
// takes the current session and returns the next one. On error the input
// session is returned unchanged together with a reply explaining the error.
type Machine struct {
	catalog   *catalog.Catalog
	extractor extractor.Extractor
	store     listing.Store

	now            func() time.Time
	newDraftID     func() string
	extractTimeout time.Duration
	extractOpts    extractor.Options
	notifier       Notifier
	exporter       Exporter
}

// NewMachine wires the collaborators.
func NewMachine(cat *catalog.Catalog, ext extractor.Extractor, store listing.Store, opts ...Option) *Machine {
	m := &Machine{
		catalog:        cat,
		extractor:      ext,
		store:          store,
		now:            time.Now,
		newDraftID:     uuid.NewString,
		extractTimeout: defaultExtractTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) invalidState(s session.Session, msg string, kb []Button) (session.Session, Reply, error) {
	if msg == "" {
		msg = notAvailable(s)
	}
	return s, Reply{Message: msg, Keyboard: kb, Err: ErrInvalidState}, ErrInvalidState
}

func fail(s session.Session, err error, msg string, kb []Button) (session.Session, Reply, error) {
	return s, Reply{Message: msg, Keyboard: kb, Err: err}, err
}

// StartWizard begins a new listing from idle.
func (m *Machine) StartWizard(ctx context.Context, s session.Session) (session.Session, Reply, error) {
	if s.Active() {
		msg := "❗ You already have a listing in progress.\n\n" + statusMessage(s) +
			"\n\nUse /cancel to abandon it or /status to see the progress."
		return m.invalidState(s, msg, nil)
	}
	next := session.Session{
		UserID:    s.UserID,
		State:     session.StateAwaitingCategory,
		DraftID:   m.newDraftID(),
		UpdatedAt: m.now(),
	}
	m.audit(ctx, next, listing.ActionListingStarted, nil)
	return next, Reply{Message: msgChooseCategory, Keyboard: categoryKeyboard(m.catalog.Categories())}, nil
}

// SelectCategory accepts a category name, matched case-insensitively.
func (m *Machine) SelectCategory(ctx context.Context, s session.Session, name string) (session.Session, Reply, error) {
	if s.State != session.StateAwaitingCategory {
		return m.invalidState(s, "", nil)
	}
	category, err := m.catalog.ResolveCategory(name)
	if err != nil {
		msg := fmt.Sprintf("❌ Unknown category \"%s\". Please pick one of the options below:", format.MD(strings.TrimSpace(name)))
		return fail(s, fmt.Errorf("%w: %w", ErrInvalidSelection, err), msg, categoryKeyboard(m.catalog.Categories()))
	}
	subs, err := m.catalog.Subcategories(category)
	if err != nil {
		return fail(s, fmt.Errorf("%w: %w", ErrInvalidSelection, err), msgCatalogChanged, nil)
	}
	next := s
	next.Category = category
	next.State = session.StateAwaitingSubcategory
	next.UpdatedAt = m.now()
	m.audit(ctx, next, listing.ActionCategorySelected, map[string]any{"category": category})
	return next, Reply{Message: subcategoryPrompt(category), Keyboard: subcategoryKeyboard(subs)}, nil
}

// Back returns from the subcategory menu to the category menu.
func (m *Machine) Back(_ context.Context, s session.Session) (session.Session, Reply, error) {
	if s.State != session.StateAwaitingSubcategory {
		return m.invalidState(s, "", nil)
	}
	next := s
	next.Category = ""
	next.State = session.StateAwaitingCategory
	next.UpdatedAt = m.now()
	return next, Reply{Message: msgChooseCategory, Keyboard: categoryKeyboard(m.catalog.Categories())}, nil
}

// SelectSubcategory accepts a subcategory of the session's category.
func (m *Machine) SelectSubcategory(ctx context.Context, s session.Session, name string) (session.Session, Reply, error) {
	if s.State != session.StateAwaitingSubcategory {
		return m.invalidState(s, "", nil)
	}
	sub, err := m.catalog.ResolveSubcategory(s.Category, name)
	if err != nil {
		subs, _ := m.catalog.Subcategories(s.Category)
		msg := fmt.Sprintf("❌ Unknown subcategory \"%s\". Please pick one of the options below:", format.MD(strings.TrimSpace(name)))
		return fail(s, fmt.Errorf("%w: %w", ErrInvalidSelection, err), msg, subcategoryKeyboard(subs))
	}
	expected, err := m.catalog.Attributes(s.Category, sub)
	if err != nil {
		return fail(s, fmt.Errorf("%w: %w", ErrInvalidSelection, err), msgCatalogChanged, nil)
	}
	next := s
	next.Subcategory = sub
	next.State = session.StateAwaitingProductName
	next.UpdatedAt = m.now()
	m.audit(ctx, next, listing.ActionSubcategorySelected, map[string]any{
		"category":    next.Category,
		"subcategory": sub,
	})
	return next, Reply{
		Message:  productPrompt(next.Category, sub, expected),
		Keyboard: []Button{cancelButton()},
	}, nil
}

// SubmitProductName runs the extractor over text. Any extractor failure keeps
// the session on the product step so the user can resubmit.
func (m *Machine) SubmitProductName(ctx context.Context, s session.Session, text string) (session.Session, Reply, error) {
	if s.State != session.StateAwaitingProductName {
		return m.invalidState(s, "", nil)
	}
	text = strings.TrimSpace(text)
	switch {
	case text == "":
		return fail(s, ErrEmptyInput, msgEmptyProduct, []Button{cancelButton()})
	case utf8.RuneCountInString(text) < minProductRunes:
		return fail(s, fmt.Errorf("%w: description too short", ErrEmptyInput), msgShortProduct, []Button{cancelButton()})
	}
	expected, err := m.catalog.Attributes(s.Category, s.Subcategory)
	if err != nil {
		return fail(s, fmt.Errorf("%w: %w", ErrInvalidSelection, err), msgCatalogChanged, nil)
	}

	if m.notifier != nil {
		m.notifier.Notify(ctx, s.UserID, Reply{Message: msgAnalyzing, SideEffect: SideEffectExtractionInFlight})
	}

	start := m.now()
	ectx, cancel := context.WithTimeout(ctx, m.extractTimeout)
	res, err := m.extractor.Extract(ectx, extractor.Request{
		Text:        text,
		Category:    s.Category,
		Subcategory: s.Subcategory,
		Expected:    expected,
		Options:     m.extractOpts,
	})
	cancel()
	if err != nil {
		retryable := extractor.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded)
		logger.Warn(ctx, logger.CompWizard, "extraction.failed",
			slog.Int64("user_id", s.UserID),
			slog.Bool("retryable", retryable),
			slog.Duration("took", logger.RoundMS(m.now().Sub(start))),
			slog.String("err", logger.SanitizeLimit(err.Error(), 256)),
		)
		detail := map[string]any{"retryable": retryable, "error": err.Error()}
		var xerr *extractor.Error
		if errors.As(err, &xerr) {
			detail["kind"] = string(xerr.Kind)
		}
		m.audit(ctx, s, listing.ActionProductExtractionFailed, detail)
		msg := msgExtractRephrase
		if retryable {
			msg = msgExtractRetry
		}
		return fail(s, &ExtractionFailure{Retryable: retryable, Err: err}, msg, []Button{cancelButton()})
	}

	next := s
	next.ProductText = text
	next.Extracted = &session.Extraction{
		Attributes: res.Attributes.Clone(),
		Confidence: clampConfidence(res.Confidence),
	}
	if ps := res.PriceSuggestion; ps != nil && ps.Usable() {
		cp := *ps
		next.Extracted.PriceSuggestion = &cp
	}
	next.State = session.StateAwaitingConfirmation
	next.UpdatedAt = m.now()
	logger.Info(ctx, logger.CompWizard, "extraction.done",
		slog.Int64("user_id", s.UserID),
		slog.Int("attributes", res.Attributes.Len()),
		slog.Float64("confidence", next.Extracted.Confidence),
		slog.Bool("price_suggestion", next.Extracted.PriceSuggestion != nil),
		slog.Duration("took", logger.RoundMS(m.now().Sub(start))),
	)
	return next, Reply{Message: reviewMessage(next), Keyboard: reviewKeyboard()}, nil
}

func clampConfidence(c float64) float64 {
	switch {
	case math.IsNaN(c) || c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}

// Confirm accepts the extracted details and asks for a price.
func (m *Machine) Confirm(_ context.Context, s session.Session) (session.Session, Reply, error) {
	if s.State != session.StateAwaitingConfirmation {
		return m.invalidState(s, "", nil)
	}
	next := s
	next.State = session.StateAwaitingPrice
	next.UpdatedAt = m.now()
	return next, Reply{Message: pricePrompt(next), Keyboard: []Button{cancelButton()}}, nil
}

// Retype drops the extraction and asks for the description again.
func (m *Machine) Retype(_ context.Context, s session.Session) (session.Session, Reply, error) {
	if s.State != session.StateAwaitingConfirmation {
		return m.invalidState(s, "", nil)
	}
	expected, _ := m.catalog.Attributes(s.Category, s.Subcategory)
	next := s
	next.ProductText = ""
	next.Extracted = nil
	next.State = session.StateAwaitingProductName
	next.UpdatedAt = m.now()
	return next, Reply{
		Message:  productPrompt(next.Category, next.Subcategory, expected),
		Keyboard: []Button{cancelButton()},
	}, nil
}

// SubmitPrice persists the listing and returns the session to idle. A store
// failure keeps the session on the price step.
func (m *Machine) SubmitPrice(ctx context.Context, s session.Session, raw, ownerName string) (session.Session, Reply, error) {
	if s.State != session.StateAwaitingPrice {
		return m.invalidState(s, "", nil)
	}
	price, err := ParsePrice(raw)
	if err != nil {
		return fail(s, err, msgInvalidPrice, []Button{cancelButton()})
	}
	if ownerName == "" {
		ownerName = "User_" + strconv.FormatInt(s.UserID, 10)
	}
	draft := listing.Listing{
		OwnerID:     s.UserID,
		OwnerName:   ownerName,
		Category:    s.Category,
		Subcategory: s.Subcategory,
		ProductName: s.ProductText,
		Price:       price,
		Status:      listing.StatusActive,
	}
	if s.Extracted != nil {
		draft.Attributes = s.Extracted.Attributes.Clone()
	}
	created, err := m.store.CreateListing(ctx, draft)
	if err != nil {
		logger.Error(ctx, logger.CompWizard, "listing.save_failed",
			slog.Int64("user_id", s.UserID),
			slog.String("err", logger.SanitizeLimit(err.Error(), 256)),
		)
		return fail(s, &StoreFailure{Op: "create listing", Err: err}, msgStoreFailed, []Button{cancelButton()})
	}
	m.audit(ctx, s, listing.ActionListingCompleted, map[string]any{
		"listing_id":  created.ID,
		"price":       created.Price,
		"category":    created.Category,
		"subcategory": created.Subcategory,
	})
	logger.Info(ctx, logger.CompWizard, "listing.completed",
		slog.Int64("user_id", s.UserID),
		slog.Int64("listing_id", created.ID),
		slog.Float64("price", created.Price),
		slog.String("category", created.Category),
		slog.String("subcategory", created.Subcategory),
	)

	var exported string
	if m.exporter != nil {
		if name, err := m.exporter.Export(ctx, created); err != nil {
			logger.Warn(ctx, logger.CompExport, "export.failed",
				slog.Int64("listing_id", created.ID),
				slog.String("err", err.Error()),
			)
		} else {
			exported = name
		}
	}

	next := s.Reset()
	next.UpdatedAt = m.now()
	return next, Reply{Message: completedMessage(created, exported), SideEffect: SideEffectListingCreated}, nil
}

// Cancel abandons the wizard from any active state.
func (m *Machine) Cancel(ctx context.Context, s session.Session) (session.Session, Reply, error) {
	if !s.Active() {
		return m.invalidState(s, msgNothingToCancel, nil)
	}
	m.audit(ctx, s, listing.ActionListingCancelled, map[string]any{"state": string(s.State)})
	next := s.Reset()
	next.UpdatedAt = m.now()
	return next, Reply{Message: msgCancelled}, nil
}

// InspectStatus describes the session without changing it.
func (m *Machine) InspectStatus(_ context.Context, s session.Session) (session.Session, Reply, error) {
	var kb []Button
	if s.Active() {
		kb = []Button{cancelButton()}
	}
	return s, Reply{Message: statusMessage(s), Keyboard: kb}, nil
}

// Expire drops a stale session and records why.
func (m *Machine) Expire(ctx context.Context, s session.Session) session.Session {
	if !s.Active() {
		return s
	}
	m.audit(ctx, s, listing.ActionSessionExpired, map[string]any{
		"state":      string(s.State),
		"updated_at": s.UpdatedAt.UTC().Format(time.RFC3339),
	})
	next := s.Reset()
	next.UpdatedAt = m.now()
	return next
}

// Welcome is the /start reply.
func (m *Machine) Welcome() Reply {
	return Reply{Message: msgWelcome, Keyboard: welcomeKeyboard()}
}

// Help lists the commands.
func (m *Machine) Help() Reply {
	return Reply{Message: msgHelp}
}

// MyListings shows the user's most recent listings.
func (m *Machine) MyListings(ctx context.Context, userID int64) (Reply, error) {
	ls, err := m.store.ListListingsForUser(ctx, userID, RecentListings)
	if err != nil {
		sf := &StoreFailure{Op: "list listings", Err: err}
		logger.Error(ctx, logger.CompWizard, "listings.failed",
			slog.Int64("user_id", userID),
			slog.String("err", err.Error()),
		)
		return Reply{Message: msgListingsFailed, Err: sf}, sf
	}
	return Reply{Message: listingsMessage(ls)}, nil
}

// audit appends to the action log. The log is best effort: a failed append
// is logged and the transition proceeds.
func (m *Machine) audit(ctx context.Context, s session.Session, action string, detail map[string]any) {
	d := make(map[string]any, len(detail)+1)
	for k, v := range detail {
		d[k] = v
	}
	if s.DraftID != "" {
		d["draft_id"] = s.DraftID
	}
	err := m.store.AppendActionLog(ctx, listing.ActionEntry{
		UserID:    s.UserID,
		Action:    action,
		Detail:    d,
		Timestamp: m.now(),
	})
	if err != nil {
		logger.Warn(ctx, logger.CompWizard, "audit.failed",
			slog.Int64("user_id", s.UserID),
			slog.String("action", action),
			slog.String("err", err.Error()),
		)
	}
}
