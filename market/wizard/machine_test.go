package wizard

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/marketbot/core/logger"
	"github.com/m3rciful/marketbot/market/catalog"
	"github.com/m3rciful/marketbot/market/extractor"
	"github.com/m3rciful/marketbot/market/listing"
	"github.com/m3rciful/marketbot/market/session"
)

func TestHappyPathPersistsOneListing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	s := h.advance(t, userA, session.StateAwaitingPrice)
	next, reply, err := h.machine.SubmitPrice(ctx, s, "899", "alice")
	require.NoError(t, err)

	assert.Equal(t, session.Session{UserID: userA, State: session.StateIdle, UpdatedAt: t0}, next)
	assert.Equal(t, SideEffectListingCreated, reply.SideEffect)
	assert.Contains(t, reply.Message, "#1")

	ls := h.store.Listings()
	require.Len(t, ls, 1)
	l := ls[0]
	assert.Equal(t, electronics, l.Category)
	assert.Equal(t, smartphones, l.Subcategory)
	assert.Equal(t, phoneText, l.ProductName)
	assert.Equal(t, 899.0, l.Price)
	assert.Equal(t, listing.StatusActive, l.Status)
	assert.Equal(t, "alice", l.OwnerName)
	assert.Equal(t, []string{"Brand", "Storage", "Color"}, l.Attributes.Keys())

	assert.Equal(t, []string{
		listing.ActionListingStarted,
		listing.ActionCategorySelected,
		listing.ActionSubcategorySelected,
		listing.ActionListingCompleted,
	}, h.store.Actions(userA))
	for _, e := range h.store.Entries(userA) {
		assert.Equal(t, "draft-1", e.Detail["draft_id"], e.Action)
	}
}

func TestSubmitPriceDefaultsOwnerName(t *testing.T) {
	h := newHarness(t)
	s := h.advance(t, userA, session.StateAwaitingPrice)
	_, _, err := h.machine.SubmitPrice(context.Background(), s, "10", "")
	require.NoError(t, err)
	assert.Equal(t, "User_101", h.store.Listings()[0].OwnerName)
}

func TestNoListingWithoutValidPrice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, st := range activeStates {
		s := h.advance(t, userA, st)
		_, _, err := h.machine.Cancel(ctx, s)
		require.NoError(t, err)
	}
	s := h.advance(t, userB, session.StateAwaitingPrice)
	_, _, err := h.machine.SubmitPrice(ctx, s, "free", "bob")
	require.ErrorIs(t, err, ErrInvalidPrice)
	assert.Empty(t, h.store.Listings())
}

func TestCancelFromEveryActiveState(t *testing.T) {
	for _, st := range activeStates {
		t.Run(string(st), func(t *testing.T) {
			h := newHarness(t)
			s := h.advance(t, userA, st)
			h.clock.Advance(time.Minute)

			next, reply, err := h.machine.Cancel(context.Background(), s)
			require.NoError(t, err)
			assert.Equal(t, session.Session{UserID: userA, State: session.StateIdle, UpdatedAt: t0.Add(time.Minute)}, next)
			assert.Equal(t, msgCancelled, reply.Message)

			entries := h.store.Entries(userA)
			last := entries[len(entries)-1]
			assert.Equal(t, listing.ActionListingCancelled, last.Action)
			assert.Equal(t, string(st), last.Detail["state"])
			assert.Equal(t, "draft-1", last.Detail["draft_id"])
		})
	}
}

func TestCancelFromIdleIsInvalid(t *testing.T) {
	h := newHarness(t)
	s := session.New(userA)
	next, reply, err := h.machine.Cancel(context.Background(), s)
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, s, next)
	assert.Equal(t, msgNothingToCancel, reply.Message)
	assert.Empty(t, h.store.Actions(userA))
}

func TestUnknownCategoryNeverMutates(t *testing.T) {
	h := newHarness(t)
	s := h.advance(t, userA, session.StateAwaitingCategory)
	h.clock.Advance(time.Minute)

	for _, name := range []string{"Cars", "", "Electro", "Electronics & more"} {
		next, reply, err := h.machine.SelectCategory(context.Background(), s, name)
		require.ErrorIs(t, err, ErrInvalidSelection, name)
		assert.ErrorIs(t, err, catalog.ErrUnknownCategory)
		assert.Equal(t, s, next)
		assert.Equal(t, err, reply.Err)
		require.NotEmpty(t, reply.Keyboard)
		assert.Equal(t, ActionCategory, reply.Keyboard[0].Action)
	}
	assert.Equal(t, []string{listing.ActionListingStarted}, h.store.Actions(userA))
}

func TestSelectionIsCaseInsensitiveButExact(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.advance(t, userA, session.StateAwaitingCategory)

	s, _, err := h.machine.SelectCategory(ctx, s, "  eLeCtRoNiCs ")
	require.NoError(t, err)
	assert.Equal(t, electronics, s.Category)

	_, _, err = h.machine.SelectSubcategory(ctx, s, "Smartphones")
	require.ErrorIs(t, err, ErrInvalidSelection)
	assert.ErrorIs(t, err, catalog.ErrUnknownSubcategory)

	s, reply, err := h.machine.SelectSubcategory(ctx, s, "SMARTPHONES & ACCESSORIES")
	require.NoError(t, err)
	assert.Equal(t, smartphones, s.Subcategory)
	assert.Equal(t, session.StateAwaitingProductName, s.State)
	assert.Contains(t, reply.Message, "Storage Capacity")
}

func TestSubcategoryFromAnotherCategoryIsRejected(t *testing.T) {
	h := newHarness(t)
	s := h.advance(t, userA, session.StateAwaitingSubcategory)
	next, _, err := h.machine.SelectSubcategory(context.Background(), s, "Books")
	require.ErrorIs(t, err, catalog.ErrUnknownSubcategory)
	assert.Equal(t, s, next)
}

func TestInvalidPriceKeepsAwaitingPrice(t *testing.T) {
	h := newHarness(t)
	s := h.advance(t, userA, session.StateAwaitingPrice)
	for _, raw := range []string{"-5", "abc", "", "1e3", "2000000"} {
		next, reply, err := h.machine.SubmitPrice(context.Background(), s, raw, "alice")
		require.ErrorIs(t, err, ErrInvalidPrice, raw)
		assert.Equal(t, s, next)
		assert.Equal(t, session.StateAwaitingPrice, next.State)
		assert.Equal(t, msgInvalidPrice, reply.Message)
	}
	assert.Empty(t, h.store.Listings())
}

func TestInspectStatusIsReadOnly(t *testing.T) {
	h := newHarness(t)
	for _, st := range append([]session.State{session.StateIdle}, activeStates...) {
		s := h.advance(t, userA, st)
		h.clock.Advance(time.Hour)
		for i := 0; i < 3; i++ {
			next, reply, err := h.machine.InspectStatus(context.Background(), s)
			require.NoError(t, err)
			assert.Equal(t, s, next)
			assert.NotEmpty(t, reply.Message)
		}
	}
}

func TestExtractionFailureThenRetrySucceeds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.advance(t, userA, session.StateAwaitingProductName)

	h.ext.set(func(context.Context, extractor.Request) (extractor.Result, error) {
		return extractor.Result{}, &extractor.Error{Kind: extractor.KindStatus, Status: 503, Retryable: true}
	})
	next, reply, err := h.machine.SubmitProductName(ctx, s, phoneText)
	var ef *ExtractionFailure
	require.ErrorAs(t, err, &ef)
	assert.True(t, ef.Retryable)
	assert.Equal(t, s, next)
	assert.Equal(t, session.StateAwaitingProductName, next.State)
	assert.Empty(t, next.ProductText)
	assert.Nil(t, next.Extracted)
	assert.Equal(t, msgExtractRetry, reply.Message)

	entries := h.store.Entries(userA)
	failed := entries[len(entries)-1]
	assert.Equal(t, listing.ActionProductExtractionFailed, failed.Action)
	assert.Equal(t, true, failed.Detail["retryable"])
	assert.Equal(t, "status", failed.Detail["kind"])

	h.ext.set(nil)
	next, reply, err = h.machine.SubmitProductName(ctx, next, phoneText)
	require.NoError(t, err)
	assert.Equal(t, session.StateAwaitingConfirmation, next.State)
	assert.Equal(t, phoneText, next.ProductText)
	require.NotNil(t, next.Extracted)
	assert.Positive(t, next.Extracted.Attributes.Len())
	assert.Contains(t, reply.Message, "90%")
	assert.Equal(t, ActionConfirm, reply.Keyboard[0].Action)
	assert.Equal(t, 2, h.ext.Calls())
}

func TestExtractionTimingUsesInjectedClock(t *testing.T) {
	h := newHarness(t)
	s := h.advance(t, userA, session.StateAwaitingProductName)
	h.ext.set(func(context.Context, extractor.Request) (extractor.Result, error) {
		h.clock.Advance(1500 * time.Millisecond)
		return phoneResult(), nil
	})
	var buf bytes.Buffer
	ctx := logger.WithLogger(context.Background(), slog.New(slog.NewJSONHandler(&buf, nil)))

	_, _, err := h.machine.SubmitProductName(ctx, s, phoneText)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"event":"extraction.done"`)
	assert.Contains(t, buf.String(), `"took":1500000000`)
}

func TestPriceSuggestionIsAdvisory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ext.set(func(context.Context, extractor.Request) (extractor.Result, error) {
		res := phoneResult()
		res.PriceSuggestion = &listing.PriceSuggestion{
			MinPrice: 400, MaxPrice: 800, Currency: "USD", Reasoning: "Based on iPhone resale values",
		}
		return res, nil
	})
	s := h.advance(t, userA, session.StateAwaitingProductName)

	s, reply, err := h.machine.SubmitProductName(ctx, s, phoneText)
	require.NoError(t, err)
	require.NotNil(t, s.Extracted.PriceSuggestion)
	assert.Contains(t, reply.Message, "*Suggested price:* 400.00 - 800.00 USD")
	assert.Contains(t, reply.Message, "_Based on iPhone resale values_")

	s, reply, err = h.machine.Confirm(ctx, s)
	require.NoError(t, err)
	assert.Contains(t, reply.Message, "400.00 - 800.00")

	next, reply, err := h.machine.SubmitPrice(ctx, s, "25", "alice")
	require.NoError(t, err)
	assert.Equal(t, SideEffectListingCreated, reply.SideEffect)
	assert.Equal(t, session.StateIdle, next.State)
	assert.Equal(t, 25.0, h.store.Listings()[0].Price)
}

func TestUnusablePriceSuggestionIsHidden(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ext.set(func(context.Context, extractor.Request) (extractor.Result, error) {
		res := phoneResult()
		res.PriceSuggestion = &listing.PriceSuggestion{Reasoning: "Unable to determine price range"}
		return res, nil
	})
	s := h.advance(t, userA, session.StateAwaitingProductName)

	s, reply, err := h.machine.SubmitProductName(ctx, s, phoneText)
	require.NoError(t, err)
	assert.Nil(t, s.Extracted.PriceSuggestion)
	assert.NotContains(t, reply.Message, "Suggested price")

	_, reply, err = h.machine.Confirm(ctx, s)
	require.NoError(t, err)
	assert.NotContains(t, reply.Message, "Suggested price")
}

func TestExtractionRequestCarriesExpectedAttributes(t *testing.T) {
	opts := extractor.Options{Model: "m", Temperature: extractor.Temp(0.1), MaxTokens: 300}
	h := newHarness(t, WithExtractOptions(opts))
	s := h.advance(t, userA, session.StateAwaitingConfirmation)
	require.Equal(t, session.StateAwaitingConfirmation, s.State)

	req := h.ext.calls[0]
	assert.Equal(t, phoneText, req.Text)
	assert.Equal(t, electronics, req.Category)
	assert.Equal(t, smartphones, req.Subcategory)
	assert.Equal(t, "Brand", req.Expected[0])
	assert.Equal(t, opts, req.Options)
}

func TestExtractionTimeoutIsRetryable(t *testing.T) {
	h := newHarness(t, WithExtractTimeout(20*time.Millisecond))
	s := h.advance(t, userA, session.StateAwaitingProductName)
	h.ext.set(func(ctx context.Context, _ extractor.Request) (extractor.Result, error) {
		<-ctx.Done()
		return extractor.Result{}, ctx.Err()
	})

	next, _, err := h.machine.SubmitProductName(context.Background(), s, phoneText)
	var ef *ExtractionFailure
	require.ErrorAs(t, err, &ef)
	assert.True(t, ef.Retryable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, s, next)
}

func TestNonRetryableExtractionAsksToRephrase(t *testing.T) {
	h := newHarness(t)
	s := h.advance(t, userA, session.StateAwaitingProductName)
	h.ext.set(func(context.Context, extractor.Request) (extractor.Result, error) {
		return extractor.Result{}, &extractor.Error{Kind: extractor.KindMalformed, Err: errors.New("no json")}
	})

	_, reply, err := h.machine.SubmitProductName(context.Background(), s, phoneText)
	var ef *ExtractionFailure
	require.ErrorAs(t, err, &ef)
	assert.False(t, ef.Retryable)
	assert.Equal(t, msgExtractRephrase, reply.Message)
	assert.Equal(t, "extraction_failed", ErrorCode(err))
}

func TestZeroConfidenceStillAdvances(t *testing.T) {
	h := newHarness(t)
	s := h.advance(t, userA, session.StateAwaitingProductName)
	h.ext.set(func(context.Context, extractor.Request) (extractor.Result, error) {
		return extractor.Result{Confidence: 0}, nil
	})

	next, reply, err := h.machine.SubmitProductName(context.Background(), s, "some old thing")
	require.NoError(t, err)
	assert.Equal(t, session.StateAwaitingConfirmation, next.State)
	assert.Equal(t, 0.0, next.Extracted.Confidence)
	assert.Contains(t, reply.Message, "No attributes recognized")
}

func TestBlankOrShortProductIsRejectedWithoutExtraction(t *testing.T) {
	h := newHarness(t)
	s := h.advance(t, userA, session.StateAwaitingProductName)
	for _, in := range []string{"", "   ", "ab"} {
		next, _, err := h.machine.SubmitProductName(context.Background(), s, in)
		require.ErrorIs(t, err, ErrEmptyInput, in)
		assert.Equal(t, s, next)
	}
	assert.Zero(t, h.ext.Calls())
}

func TestRetypeClearsExtraction(t *testing.T) {
	h := newHarness(t)
	s := h.advance(t, userA, session.StateAwaitingConfirmation)
	next, reply, err := h.machine.Retype(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, session.StateAwaitingProductName, next.State)
	assert.Empty(t, next.ProductText)
	assert.Nil(t, next.Extracted)
	assert.Equal(t, electronics, next.Category)
	assert.Equal(t, smartphones, next.Subcategory)
	assert.Contains(t, reply.Message, "product name")
}

func TestBackReturnsToCategories(t *testing.T) {
	h := newHarness(t)
	s := h.advance(t, userA, session.StateAwaitingSubcategory)
	next, _, err := h.machine.Back(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, session.StateAwaitingCategory, next.State)
	assert.Empty(t, next.Category)
	assert.NoError(t, next.Validate())
}

func TestStoreFailureKeepsAwaitingPriceAndAllowsRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.advance(t, userA, session.StateAwaitingPrice)

	h.store.createErr = errors.New("connection reset")
	next, reply, err := h.machine.SubmitPrice(ctx, s, "899", "alice")
	var sf *StoreFailure
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, s, next)
	assert.Equal(t, msgStoreFailed, reply.Message)
	assert.NotContains(t, h.store.Actions(userA), listing.ActionListingCompleted)

	h.store.createErr = nil
	next, _, err = h.machine.SubmitPrice(ctx, next, "899", "alice")
	require.NoError(t, err)
	assert.Equal(t, session.StateIdle, next.State)
	assert.Len(t, h.store.Listings(), 1)
}

func TestAuditFailureDoesNotBlockTransitions(t *testing.T) {
	h := newHarness(t)
	h.store.appendErr = errors.New("log table locked")
	s := h.advance(t, userA, session.StateAwaitingPrice)
	next, _, err := h.machine.SubmitPrice(context.Background(), s, "5", "alice")
	require.NoError(t, err)
	assert.Equal(t, session.StateIdle, next.State)
	assert.Len(t, h.store.Listings(), 1)
}

func TestStartWhileActiveIsInvalid(t *testing.T) {
	h := newHarness(t)
	s := h.advance(t, userA, session.StateAwaitingProductName)
	next, reply, err := h.machine.StartWizard(context.Background(), s)
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, s, next)
	assert.Contains(t, reply.Message, "already have a listing")
}

func TestTransitionTableIsTotal(t *testing.T) {
	ctx := context.Background()
	type op struct {
		name    string
		allowed session.State
		run     func(m *Machine, s session.Session) (session.Session, Reply, error)
	}
	ops := []op{
		{"start", session.StateIdle, func(m *Machine, s session.Session) (session.Session, Reply, error) {
			return m.StartWizard(ctx, s)
		}},
		{"category", session.StateAwaitingCategory, func(m *Machine, s session.Session) (session.Session, Reply, error) {
			return m.SelectCategory(ctx, s, electronics)
		}},
		{"back", session.StateAwaitingSubcategory, func(m *Machine, s session.Session) (session.Session, Reply, error) {
			return m.Back(ctx, s)
		}},
		{"subcategory", session.StateAwaitingSubcategory, func(m *Machine, s session.Session) (session.Session, Reply, error) {
			return m.SelectSubcategory(ctx, s, smartphones)
		}},
		{"product", session.StateAwaitingProductName, func(m *Machine, s session.Session) (session.Session, Reply, error) {
			return m.SubmitProductName(ctx, s, phoneText)
		}},
		{"confirm", session.StateAwaitingConfirmation, func(m *Machine, s session.Session) (session.Session, Reply, error) {
			return m.Confirm(ctx, s)
		}},
		{"retype", session.StateAwaitingConfirmation, func(m *Machine, s session.Session) (session.Session, Reply, error) {
			return m.Retype(ctx, s)
		}},
		{"price", session.StateAwaitingPrice, func(m *Machine, s session.Session) (session.Session, Reply, error) {
			return m.SubmitPrice(ctx, s, "10", "alice")
		}},
	}
	states := append([]session.State{session.StateIdle}, activeStates...)

	for _, o := range ops {
		for _, st := range states {
			h := newHarness(t)
			s := h.advance(t, userA, st)
			next, reply, err := o.run(h.machine, s)
			if st == o.allowed {
				assert.NoError(t, err, "%s from %s", o.name, st)
				continue
			}
			assert.ErrorIs(t, err, ErrInvalidState, "%s from %s", o.name, st)
			assert.Equal(t, s, next, "%s from %s", o.name, st)
			assert.NotEmpty(t, reply.Message, "%s from %s", o.name, st)
		}
	}
}

func TestNotifierGetsInterimReply(t *testing.T) {
	n := &recordingNotifier{}
	h := newHarness(t, WithNotifier(n))
	h.advance(t, userA, session.StateAwaitingConfirmation)
	require.Len(t, n.replies, 1)
	assert.Equal(t, SideEffectExtractionInFlight, n.replies[0].SideEffect)
}

func TestExporterRunsAfterCompletion(t *testing.T) {
	exp := &stubExporter{name: "listing_101_1_20260501_120000.json"}
	h := newHarness(t, WithExporter(exp))
	s := h.advance(t, userA, session.StateAwaitingPrice)
	_, reply, err := h.machine.SubmitPrice(context.Background(), s, "899", "alice")
	require.NoError(t, err)
	require.Len(t, exp.got, 1)
	assert.Equal(t, int64(1), exp.got[0].ID)
	assert.Contains(t, reply.Message, `listing\_101\_1\_20260501\_120000.json`)
}

func TestExporterFailureIsIgnored(t *testing.T) {
	exp := &stubExporter{err: errors.New("read-only fs")}
	h := newHarness(t, WithExporter(exp))
	s := h.advance(t, userA, session.StateAwaitingPrice)
	next, reply, err := h.machine.SubmitPrice(context.Background(), s, "899", "alice")
	require.NoError(t, err)
	assert.Equal(t, session.StateIdle, next.State)
	assert.NotContains(t, reply.Message, "Exported")
}

func TestMyListings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	reply, err := h.machine.MyListings(ctx, userA)
	require.NoError(t, err)
	assert.Equal(t, msgNoListings, reply.Message)

	for _, p := range []string{"1", "2", "3", "4", "5", "6"} {
		s := h.advance(t, userA, session.StateAwaitingPrice)
		_, _, err := h.machine.SubmitPrice(ctx, s, p, "alice")
		require.NoError(t, err)
	}
	reply, err = h.machine.MyListings(ctx, userA)
	require.NoError(t, err)
	assert.Contains(t, reply.Message, "*#6*")
	assert.Contains(t, reply.Message, "*#2*")
	assert.NotContains(t, reply.Message, "*#1*")

	h.store.listErr = errors.New("timeout")
	reply, err = h.machine.MyListings(ctx, userA)
	var sf *StoreFailure
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, msgListingsFailed, reply.Message)
}

func TestMessagesEscapeUserText(t *testing.T) {
	h := newHarness(t)
	s := h.advance(t, userA, session.StateAwaitingProductName)
	next, reply, err := h.machine.SubmitProductName(context.Background(), s, "rare_item *mint*")
	require.NoError(t, err)
	assert.Equal(t, "rare_item *mint*", next.ProductText)
	assert.Contains(t, reply.Message, `rare\_item \*mint\*`)
}
