// README: Request engine tests against the in-memory repository.
package request

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"roadassist/internal/config"
	"roadassist/internal/maps"
	"roadassist/internal/modules/notify"
	"roadassist/internal/types"
)

var testSpot = Location{Point: types.Point{Lat: 25.0330, Lng: 121.5654}, Address: "Xinyi Rd"}

type fixedRoute struct {
	route maps.Route
	err   error
	calls atomic.Int32
}

func (f *fixedRoute) ResolveRoute(context.Context, types.Point, types.Point) (maps.Route, error) {
	f.calls.Add(1)
	return f.route, f.err
}

type harness struct {
	svc     *Service
	store   *MemoryStore
	events  *recorder
	locator *memLocator
	routes  *fixedRoute
}

func newHarness(t *testing.T, mutateCfg ...func(*config.RequestConfig)) *harness {
	t.Helper()
	cfg := config.Defaults()
	for _, fn := range mutateCfg {
		fn(&cfg.Request)
	}
	h := &harness{
		store:   NewMemoryStore(),
		events:  &recorder{},
		locator: newMemLocator(),
		routes:  &fixedRoute{route: maps.Route{ETASeconds: 600, DistanceMeters: 5000, Source: maps.SourceMaps}},
	}
	h.svc = NewService(h.store, Deps{
		Notifier: notify.NewDispatcher(h.events, nil),
		Routes:   h.routes,
		Locator:  h.locator,
	}, cfg.Request, cfg.Sweeper)
	return h
}

func (h *harness) create(t *testing.T, requester types.ID, amount int64) *Request {
	t.Helper()
	r, err := h.svc.CreateRequest(context.Background(), CreateCommand{
		RequesterID:   requester,
		PhoneVerified: true,
		Location:      testSpot,
		ProblemType:   string(ProblemFlatTire),
		Description:   "rear tire is flat",
		OfferedAmount: amount,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return r
}

func (h *harness) offer(t *testing.T, id, helper types.ID) {
	t.Helper()
	loc := types.Point{Lat: 25.04, Lng: 121.56}
	if _, err := h.svc.OfferHelp(context.Background(), OfferCommand{
		RequestID: id, HelperID: helper, PhoneVerified: true, Message: "on my way", Location: &loc,
	}); err != nil {
		t.Fatalf("offer by %s: %v", helper, err)
	}
}

func (h *harness) assigned(t *testing.T, requester, helper types.ID, amount int64) *Request {
	t.Helper()
	r := h.create(t, requester, amount)
	h.offer(t, r.ID, helper)
	r, err := h.svc.ConfirmHelper(context.Background(), ConfirmCommand{RequestID: r.ID, RequesterID: requester, HelperID: helper})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	return r
}

func assertStatus(t *testing.T, h *harness, id types.ID, want Status) *Request {
	t.Helper()
	r, err := h.svc.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	if r.Status != want {
		t.Fatalf("status = %s, want %s", r.Status, want)
	}
	return r
}

// TestCanTransition verifies the transition table without a store.
func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusAssigned, true},
		{StatusPending, StatusCancelled, true},
		{StatusAssigned, StatusInProgress, true},
		{StatusAssigned, StatusCompleted, true},
		{StatusInProgress, StatusAssigned, true}, // helper marks done
		{StatusInProgress, StatusCompleted, true},
		{StatusAssigned, StatusPending, true},   // helper withdraws
		{StatusInProgress, StatusPending, true}, // helper withdraws on site
		{StatusAssigned, StatusCancelled, true},
		// terminal states have no outgoing transitions
		{StatusCompleted, StatusPending, false},
		{StatusCancelled, StatusPending, false},
		{StatusCompleted, StatusCancelled, false},
		// skipping the assignment
		{StatusPending, StatusInProgress, false},
		{StatusPending, StatusCompleted, false},
		{StatusInProgress, StatusCancelled, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestCreateRequestValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	base := CreateCommand{
		RequesterID:   "r1",
		PhoneVerified: true,
		Location:      testSpot,
		ProblemType:   string(ProblemDeadBattery),
		Description:   "won't start",
	}

	cases := []struct {
		name string
		edit func(c *CreateCommand)
		want error
	}{
		{"unverified phone", func(c *CreateCommand) { c.PhoneVerified = false }, ErrPhoneVerificationRequired},
		{"latitude out of range", func(c *CreateCommand) { c.Location.Lat = 91 }, ErrValidation},
		{"unknown problem", func(c *CreateCommand) { c.ProblemType = "alien_abduction" }, ErrValidation},
		{"blank description", func(c *CreateCommand) { c.Description = "   " }, ErrValidation},
		{"long description", func(c *CreateCommand) { c.Description = strings.Repeat("x", 501) }, ErrValidation},
		{"negative amount", func(c *CreateCommand) { c.OfferedAmount = -1 }, ErrValidation},
		{"too many photos", func(c *CreateCommand) { c.Photos = make([]Photo, 6) }, ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd := base
			tc.edit(&cmd)
			if _, err := h.svc.CreateRequest(ctx, cmd); !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}

	r, err := h.svc.CreateRequest(ctx, base)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if r.Status != StatusPending || r.HelperID != nil || len(r.PendingHelpers) != 0 {
		t.Fatalf("unexpected new request: %+v", r)
	}
	if r.Payment.OfferedAmount.Currency != "USD" {
		t.Fatalf("expected default currency, got %q", r.Payment.OfferedAmount.Currency)
	}
	if !h.locator.isIndexed(r.ID) {
		t.Fatal("new request should be in the geo index")
	}
	if got := h.events.find(notify.RequestAdded, ""); len(got) != 1 {
		t.Fatalf("expected one request.added broadcast, got %d", len(got))
	}
}

func TestCreateRequestOneOpenPerRequester(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.create(t, "r1", 0)

	_, err := h.svc.CreateRequest(ctx, CreateCommand{
		RequesterID: "r1", PhoneVerified: true, Location: testSpot,
		ProblemType: string(ProblemOther), Description: "again",
	})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.ExistingID != first.ID {
		t.Fatalf("conflict points at %s, want %s", conflict.ExistingID, first.ID)
	}
	if !errors.Is(err, ErrOpenRequest) {
		t.Fatal("ConflictError should unwrap to ErrOpenRequest")
	}

	if _, err := h.svc.CancelRequest(ctx, CancelCommand{RequestID: first.ID, RequesterID: "r1"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	h.create(t, "r1", 0)
}

func TestRequestFlowHappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r := h.create(t, "r1", 0)
	h.offer(t, r.ID, "h1")
	h.offer(t, r.ID, "h2")
	r = assertStatus(t, h, r.ID, StatusPending)
	if len(r.PendingHelpers) != 2 || r.PendingHelpers[0].HelperID != "h1" {
		t.Fatalf("offers should be kept in arrival order: %+v", r.PendingHelpers)
	}
	if got := h.events.find(notify.HelperOffered, "r1"); len(got) != 2 {
		t.Fatalf("requester should get one helper.offered per offer, got %d", len(got))
	}

	r, err := h.svc.ConfirmHelper(ctx, ConfirmCommand{RequestID: r.ID, RequesterID: "r1", HelperID: "h1"})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if r.Status != StatusAssigned || !r.IsAssignedTo("h1") || r.AssignedAt == nil {
		t.Fatalf("unexpected confirmed request: %+v", r)
	}
	if r.ETA == nil || r.ETA.ETASeconds != 600 || r.EstimatedArrival == nil {
		t.Fatalf("expected eta after confirm, got %+v", r.ETA)
	}
	if len(r.PendingHelpers) != 2 {
		t.Fatal("residual offers stay unless bulk reject is enabled")
	}
	if got := h.events.find(notify.HelperConfirmed, "h1"); len(got) != 1 {
		t.Fatal("confirmed helper was not notified")
	}
	if got := h.events.find(notify.ETAUpdated, "r1"); len(got) != 1 {
		t.Fatal("requester did not get the eta")
	}

	if _, err := h.svc.StartAssistance(ctx, HelperCommand{RequestID: r.ID, HelperID: "h1"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	assertStatus(t, h, r.ID, StatusInProgress)

	if _, err := h.svc.HelperMarkCompleted(ctx, HelperCommand{RequestID: r.ID, HelperID: "h1"}); err != nil {
		t.Fatalf("helper complete: %v", err)
	}
	r = assertStatus(t, h, r.ID, StatusAssigned)
	if r.HelperCompletedAt == nil {
		t.Fatal("helper completion not recorded")
	}

	r, err = h.svc.RequesterConfirmCompletion(ctx, RequesterCommand{RequestID: r.ID, RequesterID: "r1"})
	if err != nil {
		t.Fatalf("requester confirm: %v", err)
	}
	if r.Status != StatusCompleted || r.CompletedAt == nil || r.RequesterConfirmedAt == nil {
		t.Fatalf("unexpected completed request: %+v", r)
	}
	if h.locator.isIndexed(r.ID) {
		t.Fatal("completed request should leave the geo index")
	}
	if got := h.events.find(notify.RequestCompleted, "h1"); len(got) != 1 {
		t.Fatal("helper was not told about completion")
	}

	events, _ := h.svc.Events(ctx, r.ID)
	if len(events) == 0 || events[0].FromStatus != StatusNone || events[len(events)-1].ToStatus != StatusCompleted {
		t.Fatalf("unexpected audit trail: %+v", events)
	}
}

func TestOfferHelpErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.create(t, "r1", 0)

	cases := []struct {
		name string
		cmd  OfferCommand
		want error
	}{
		{"unknown request", OfferCommand{RequestID: "missing", HelperID: "h1", PhoneVerified: true}, ErrNotFound},
		{"own request", OfferCommand{RequestID: r.ID, HelperID: "r1", PhoneVerified: true}, ErrForbidden},
		{"unverified phone", OfferCommand{RequestID: r.ID, HelperID: "h1"}, ErrPhoneVerificationRequired},
		{"long message", OfferCommand{RequestID: r.ID, HelperID: "h1", PhoneVerified: true, Message: strings.Repeat("m", 301)}, ErrValidation},
	}
	for _, tc := range cases {
		if _, err := h.svc.OfferHelp(ctx, tc.cmd); !errors.Is(err, tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, err, tc.want)
		}
	}

	h.offer(t, r.ID, "h1")
	if _, err := h.svc.OfferHelp(ctx, OfferCommand{RequestID: r.ID, HelperID: "h1", PhoneVerified: true}); !errors.Is(err, ErrDuplicateOffer) {
		t.Fatalf("duplicate offer: got %v", err)
	}

	if _, err := h.svc.ConfirmHelper(ctx, ConfirmCommand{RequestID: r.ID, RequesterID: "r1", HelperID: "h1"}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := h.svc.OfferHelp(ctx, OfferCommand{RequestID: r.ID, HelperID: "h2", PhoneVerified: true}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("offer on assigned request: got %v", err)
	}
}

func TestConfirmHelperErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.create(t, "r1", 0)
	h.offer(t, r.ID, "h1")

	if _, err := h.svc.ConfirmHelper(ctx, ConfirmCommand{RequestID: r.ID, RequesterID: "someone", HelperID: "h1"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-requester confirm: got %v", err)
	}
	if _, err := h.svc.ConfirmHelper(ctx, ConfirmCommand{RequestID: r.ID, RequesterID: "r1", HelperID: "h9"}); !errors.Is(err, ErrNotOffered) {
		t.Fatalf("confirm without offer: got %v", err)
	}
	assertStatus(t, h, r.ID, StatusPending)
}

func TestConcurrentConfirmSingleWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.create(t, "r1", 0)
	helpers := []types.ID{"h1", "h2", "h3", "h4"}
	for _, id := range helpers {
		h.offer(t, r.ID, id)
	}

	errs := make(chan error, len(helpers))
	start := make(chan struct{})
	var wg sync.WaitGroup
	for _, helper := range helpers {
		wg.Add(1)
		go func(hid types.ID) {
			defer wg.Done()
			<-start
			_, err := h.svc.ConfirmHelper(ctx, ConfirmCommand{RequestID: r.ID, RequesterID: "r1", HelperID: hid})
			errs <- err
		}(helper)
	}
	close(start)
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, ErrInvalidState) {
			t.Fatalf("losing confirm should see the assigned state, got %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly 1 success, got %d", success)
	}
	got := assertStatus(t, h, r.ID, StatusAssigned)
	if got.HelperID == nil {
		t.Fatal("assigned request without helper")
	}
}

func TestVersionConflictRetriesThenGivesUp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.create(t, "r1", 0)

	// One competing write: the retry must succeed on the reloaded state.
	var bumped atomic.Bool
	h.store.beforeUpdate = func(id types.ID) {
		if bumped.CompareAndSwap(false, true) {
			h.store.mu.Lock()
			h.store.rows[id].StatusVersion++
			h.store.mu.Unlock()
		}
	}
	h.offer(t, r.ID, "h1")

	// Endless competition exhausts the retries.
	h.store.beforeUpdate = func(id types.ID) {
		h.store.mu.Lock()
		h.store.rows[id].StatusVersion++
		h.store.mu.Unlock()
	}
	_, err := h.svc.OfferHelp(ctx, OfferCommand{RequestID: r.ID, HelperID: "h2", PhoneVerified: true})
	if !errors.Is(err, ErrConcurrentUpdate) {
		t.Fatalf("expected ErrConcurrentUpdate, got %v", err)
	}
	h.store.beforeUpdate = nil

	got := assertStatus(t, h, r.ID, StatusPending)
	if len(got.PendingHelpers) != 1 {
		t.Fatalf("lost-race write must not apply, offers = %+v", got.PendingHelpers)
	}
}

func TestRejectHelper(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.create(t, "r1", 0)
	h.offer(t, r.ID, "h1")
	h.offer(t, r.ID, "h2")

	if _, err := h.svc.RejectHelper(ctx, RejectCommand{RequestID: r.ID, RequesterID: "h1", HelperID: "h1"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-requester reject: got %v", err)
	}
	got, err := h.svc.RejectHelper(ctx, RejectCommand{RequestID: r.ID, RequesterID: "r1", HelperID: "h1"})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if len(got.PendingHelpers) != 1 || got.PendingHelpers[0].HelperID != "h2" || got.Status != StatusPending {
		t.Fatalf("unexpected request after reject: %+v", got)
	}
	if len(h.events.find(notify.OfferRejected, "h1")) != 1 {
		t.Fatal("rejected helper was not notified")
	}
	if _, err := h.svc.RejectHelper(ctx, RejectCommand{RequestID: r.ID, RequesterID: "r1", HelperID: "h1"}); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("reject absent helper: got %v", err)
	}
}

func TestRejectHelperOnCompletedRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.create(t, "r1", 0)
	h.offer(t, r.ID, "h1")
	h.offer(t, r.ID, "h2")
	if _, err := h.svc.ConfirmHelper(ctx, ConfirmCommand{RequestID: r.ID, RequesterID: "r1", HelperID: "h1"}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := h.svc.HelperMarkCompleted(ctx, HelperCommand{RequestID: r.ID, HelperID: "h1"}); err != nil {
		t.Fatalf("helper complete: %v", err)
	}
	if _, err := h.svc.RequesterConfirmCompletion(ctx, RequesterCommand{RequestID: r.ID, RequesterID: "r1"}); err != nil {
		t.Fatalf("confirm completion: %v", err)
	}
	before := assertStatus(t, h, r.ID, StatusCompleted)
	h.events.reset()

	if _, err := h.svc.RejectHelper(ctx, RejectCommand{RequestID: r.ID, RequesterID: "r1", HelperID: "h2"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("reject on completed request: got %v", err)
	}
	after := assertStatus(t, h, r.ID, StatusCompleted)
	if after.StatusVersion != before.StatusVersion || len(after.PendingHelpers) != len(before.PendingHelpers) {
		t.Fatalf("completed request changed: version %d -> %d, offers %d -> %d",
			before.StatusVersion, after.StatusVersion, len(before.PendingHelpers), len(after.PendingHelpers))
	}
	if len(h.events.find(notify.OfferRejected, "h2")) != 0 {
		t.Fatal("helper notified for a rejected no-op")
	}
}

func TestRejectOthersOnConfirm(t *testing.T) {
	h := newHarness(t, func(c *config.RequestConfig) { c.RejectOthersOnConfirm = true })
	ctx := context.Background()
	r := h.create(t, "r1", 0)
	h.offer(t, r.ID, "h1")
	h.offer(t, r.ID, "h2")
	h.offer(t, r.ID, "h3")

	got, err := h.svc.ConfirmHelper(ctx, ConfirmCommand{RequestID: r.ID, RequesterID: "r1", HelperID: "h2"})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if len(got.PendingHelpers) != 1 || got.PendingHelpers[0].HelperID != "h2" {
		t.Fatalf("only the confirmed offer should remain: %+v", got.PendingHelpers)
	}
	for _, id := range []types.ID{"h1", "h3"} {
		if len(h.events.find(notify.OfferRejected, id)) != 1 {
			t.Errorf("%s should receive offer.rejected", id)
		}
	}
}

func TestCompletionHandshakeOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.assigned(t, "r1", "h1", 0)

	if _, err := h.svc.RequesterConfirmCompletion(ctx, RequesterCommand{RequestID: r.ID, RequesterID: "r1"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("confirm before helper completion: got %v", err)
	}
	if _, err := h.svc.HelperMarkCompleted(ctx, HelperCommand{RequestID: r.ID, HelperID: "h2"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("other helper completing: got %v", err)
	}
	if _, err := h.svc.HelperMarkCompleted(ctx, HelperCommand{RequestID: r.ID, HelperID: "h1"}); err != nil {
		t.Fatalf("helper complete: %v", err)
	}
	first := assertStatus(t, h, r.ID, StatusAssigned).HelperCompletedAt
	if _, err := h.svc.HelperMarkCompleted(ctx, HelperCommand{RequestID: r.ID, HelperID: "h1"}); err != nil {
		t.Fatalf("repeat helper complete: %v", err)
	}
	again := assertStatus(t, h, r.ID, StatusAssigned).HelperCompletedAt
	if !first.Equal(*again) {
		t.Fatal("helper completion time must be set once")
	}
	if _, err := h.svc.RequesterConfirmCompletion(ctx, RequesterCommand{RequestID: r.ID, RequesterID: "h1"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("helper confirming for requester: got %v", err)
	}
	if _, err := h.svc.RequesterConfirmCompletion(ctx, RequesterCommand{RequestID: r.ID, RequesterID: "r1"}); err != nil {
		t.Fatalf("requester confirm: %v", err)
	}
	assertStatus(t, h, r.ID, StatusCompleted)
	if _, err := h.svc.HelperMarkCompleted(ctx, HelperCommand{RequestID: r.ID, HelperID: "h1"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("complete after completion: got %v", err)
	}
}

func TestPaymentGateHoldsCompletion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.assigned(t, "r1", "h1", 2500)
	if _, err := h.svc.HelperMarkCompleted(ctx, HelperCommand{RequestID: r.ID, HelperID: "h1"}); err != nil {
		t.Fatalf("helper complete: %v", err)
	}

	got, err := h.svc.RequesterConfirmCompletion(ctx, RequesterCommand{RequestID: r.ID, RequesterID: "r1"})
	if err != nil {
		t.Fatalf("requester confirm: %v", err)
	}
	if got.Status != StatusAssigned || got.RequesterConfirmedAt == nil || got.CompletedAt != nil {
		t.Fatalf("unpaid request should wait for payment: %+v", got)
	}

	if _, done, err := h.svc.CompleteIfPaid(ctx, r.ID); err != nil || done {
		t.Fatalf("complete while unpaid: done=%v err=%v", done, err)
	}
	if _, _, err := h.store.MarkPaid(ctx, r.ID, "card", time.Now()); err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	got, done, err := h.svc.CompleteIfPaid(ctx, r.ID)
	if err != nil || !done {
		t.Fatalf("complete after payment: done=%v err=%v", done, err)
	}
	if got.Status != StatusCompleted || got.CompletedAt == nil {
		t.Fatalf("unexpected request: %+v", got)
	}
}

func TestPaymentGateErrorLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.svc.payments = gateFunc(func(context.Context, types.ID) (bool, error) {
		return false, errors.New("ledger unavailable")
	})
	r := h.assigned(t, "r1", "h1", 1000)
	if _, err := h.svc.HelperMarkCompleted(ctx, HelperCommand{RequestID: r.ID, HelperID: "h1"}); err != nil {
		t.Fatalf("helper complete: %v", err)
	}
	if _, err := h.svc.RequesterConfirmCompletion(ctx, RequesterCommand{RequestID: r.ID, RequesterID: "r1"}); err == nil {
		t.Fatal("expected gate error")
	}
	got := assertStatus(t, h, r.ID, StatusAssigned)
	if got.RequesterConfirmedAt != nil {
		t.Fatal("failed confirmation must not be recorded")
	}
}

func TestCancelHelperAssignment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.assigned(t, "r1", "h1", 0)
	h.events.reset()

	if _, err := h.svc.CancelHelperAssignment(ctx, HelperCommand{RequestID: r.ID, HelperID: "h2"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("other helper withdrawing: got %v", err)
	}
	got, err := h.svc.CancelHelperAssignment(ctx, HelperCommand{RequestID: r.ID, HelperID: "h1"})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got.Status != StatusPending || got.HelperID != nil || got.AssignedAt != nil ||
		got.EstimatedArrival != nil || got.ETA != nil || got.HelperCompletedAt != nil {
		t.Fatalf("assignment fields not cleared: %+v", got)
	}
	if got.offerIndex("h1") >= 0 {
		t.Fatal("withdrawn helper's offer should be removed")
	}
	if len(h.events.find(notify.HelperCancelled, "r1")) != 1 {
		t.Fatal("requester was not told about the withdrawal")
	}

	// The request is open for offers again.
	h.offer(t, r.ID, "h3")

	done := h.assigned(t, "r2", "h4", 0)
	if _, err := h.svc.HelperMarkCompleted(ctx, HelperCommand{RequestID: done.ID, HelperID: "h4"}); err != nil {
		t.Fatalf("helper complete: %v", err)
	}
	if _, err := h.svc.RequesterConfirmCompletion(ctx, RequesterCommand{RequestID: done.ID, RequesterID: "r2"}); err != nil {
		t.Fatalf("requester confirm: %v", err)
	}
	if _, err := h.svc.CancelHelperAssignment(ctx, HelperCommand{RequestID: done.ID, HelperID: "h4"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("withdraw from completed: got %v", err)
	}
}

func TestCancelRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.create(t, "r1", 0)
	h.offer(t, r.ID, "h1")
	h.offer(t, r.ID, "h2")
	if _, err := h.svc.ConfirmHelper(ctx, ConfirmCommand{RequestID: r.ID, RequesterID: "r1", HelperID: "h1"}); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	if _, err := h.svc.CancelRequest(ctx, CancelCommand{RequestID: r.ID, RequesterID: "h1"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("helper cancelling request: got %v", err)
	}
	got, err := h.svc.CancelRequest(ctx, CancelCommand{RequestID: r.ID, RequesterID: "r1", Reason: "got a tow"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != StatusCancelled || got.HelperID != nil || len(got.PendingHelpers) != 0 || got.CancelledAt == nil {
		t.Fatalf("unexpected cancelled request: %+v", got)
	}
	for _, id := range []types.ID{"h1", "h2"} {
		if len(h.events.find(notify.RequestCancelled, id)) != 1 {
			t.Errorf("%s should get exactly one request.cancelled", id)
		}
	}
	if _, err := h.svc.OfferHelp(ctx, OfferCommand{RequestID: r.ID, HelperID: "h3", PhoneVerified: true}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("offer on cancelled: got %v", err)
	}

	busy := h.assigned(t, "r2", "h5", 0)
	if _, err := h.svc.StartAssistance(ctx, HelperCommand{RequestID: busy.ID, HelperID: "h5"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := h.svc.CancelRequest(ctx, CancelCommand{RequestID: busy.ID, RequesterID: "r2"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("cancel in progress: got %v", err)
	}
}

func TestDeleteRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.assigned(t, "r1", "h1", 0)

	if err := h.svc.DeleteRequest(ctx, RequesterCommand{RequestID: r.ID, RequesterID: "h1"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("helper deleting: got %v", err)
	}
	if err := h.svc.DeleteRequest(ctx, RequesterCommand{RequestID: r.ID, RequesterID: "r1"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := h.svc.Get(ctx, r.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after delete: got %v", err)
	}
	if len(h.events.find(notify.RequestDeleted, "")) != 1 {
		t.Fatal("delete was not broadcast")
	}
	if err := h.svc.DeleteRequest(ctx, RequesterCommand{RequestID: r.ID, RequesterID: "r1"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete: got %v", err)
	}
}

func TestEstimatedArrivalSetOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.assigned(t, "r1", "h1", 0)
	first := *r.EstimatedArrival

	h.routes.route = maps.Route{ETASeconds: 120, DistanceMeters: 900, Source: maps.SourceMaps}
	got, err := h.svc.UpdateHelperLocation(ctx, LocationCommand{
		RequestID: r.ID, HelperID: "h1", Position: types.Point{Lat: 25.034, Lng: 121.565},
	})
	if err != nil {
		t.Fatalf("update location: %v", err)
	}
	if got.ETA == nil || got.ETA.ETASeconds != 120 {
		t.Fatalf("eta not refreshed: %+v", got.ETA)
	}
	if !got.EstimatedArrival.Equal(first) {
		t.Fatal("estimated arrival must not move after the first computation")
	}
	if _, err := h.svc.UpdateHelperLocation(ctx, LocationCommand{
		RequestID: r.ID, HelperID: "h2", Position: types.Point{Lat: 25.034, Lng: 121.565},
	}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("location from other helper: got %v", err)
	}
}

func TestETAFailureDoesNotFailConfirm(t *testing.T) {
	h := newHarness(t)
	h.routes.err = maps.ErrNoRoute
	r := h.assigned(t, "r1", "h1", 0)
	if r.Status != StatusAssigned {
		t.Fatalf("status = %s", r.Status)
	}
	if r.ETA != nil || r.EstimatedArrival != nil {
		t.Fatal("failed eta should leave eta fields empty")
	}
	if len(h.events.find(notify.ETAUpdated, "")) != 0 {
		t.Fatal("no eta event expected")
	}
}

func TestETAFallsBackToLastKnownPosition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.create(t, "r1", 0)
	if _, err := h.svc.OfferHelp(ctx, OfferCommand{RequestID: r.ID, HelperID: "h1", PhoneVerified: true}); err != nil {
		t.Fatalf("offer: %v", err)
	}
	_ = h.locator.SetHelperPosition(ctx, "h1", types.Point{Lat: 25.05, Lng: 121.55})
	got, err := h.svc.ConfirmHelper(ctx, ConfirmCommand{RequestID: r.ID, RequesterID: "r1", HelperID: "h1"})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if got.ETA == nil || got.ETA.HelperLocation.Lat != 25.05 {
		t.Fatalf("expected eta from last known position, got %+v", got.ETA)
	}
}

func TestPublicViewHidesParties(t *testing.T) {
	h := newHarness(t)
	r := h.assigned(t, "r1", "h1", 5000)
	data, err := json.Marshal(r.Public())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, field := range []string{"requester_id", "helper_id", "pending_helpers", "payment", "on my way"} {
		if strings.Contains(string(data), field) {
			t.Errorf("public view leaks %q: %s", field, data)
		}
	}
	if _, ok := r.VisibleTo("r1").(*Request); !ok {
		t.Error("requester should see the full request")
	}
	if _, ok := r.VisibleTo("stranger").(PublicView); !ok {
		t.Error("stranger should see the public view")
	}
}

func TestAssignedHelperDoesNotSeeOtherOffers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.create(t, "r1", 0)
	h.offer(t, r.ID, "h1")
	h.offer(t, r.ID, "h2")
	if _, err := h.svc.ConfirmHelper(ctx, ConfirmCommand{RequestID: r.ID, RequesterID: "r1", HelperID: "h1"}); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	confirmed := h.events.find(notify.HelperConfirmed, "h1")
	if len(confirmed) != 1 {
		t.Fatalf("expected one helper.confirmed for h1, got %d", len(confirmed))
	}
	data, err := json.Marshal(confirmed[0].Payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), `"h2"`) {
		t.Fatalf("helper.confirmed for h1 leaks h2's offer: %s", data)
	}

	got := assertStatus(t, h, r.ID, StatusAssigned)
	view, ok := got.VisibleTo("h1").(*Request)
	if !ok {
		t.Fatal("assigned helper should see the party view")
	}
	if len(view.PendingHelpers) != 1 || view.PendingHelpers[0].HelperID != "h1" {
		t.Fatalf("helper view offers = %+v", view.PendingHelpers)
	}
	if len(got.PendingHelpers) != 2 {
		t.Fatalf("party view must not modify the stored request, offers = %+v", got.PendingHelpers)
	}
	if full := got.VisibleTo("r1").(*Request); len(full.PendingHelpers) != 2 {
		t.Fatalf("requester should see every offer, got %+v", full.PendingHelpers)
	}
}

func TestMineAndActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.assigned(t, "r1", "h1", 0)
	h.create(t, "r2", 0)
	c := h.create(t, "r3", 0)
	if _, err := h.svc.CancelRequest(ctx, CancelCommand{RequestID: c.ID, RequesterID: "r3"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	mine, err := h.svc.Mine(ctx, "h1")
	if err != nil || len(mine) != 1 || mine[0].ID != a.ID {
		t.Fatalf("mine for helper: %v %+v", err, mine)
	}
	active, err := h.svc.Active(ctx)
	if err != nil || len(active) != 2 {
		t.Fatalf("active: %v, got %d", err, len(active))
	}
	if _, err := h.svc.List(ctx, Filter{Statuses: []Status{"bogus"}}); !errors.Is(err, ErrValidation) {
		t.Fatalf("bad status filter: got %v", err)
	}
}

func TestSweepExpired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	fresh := h.create(t, "r1", 0)
	sixHours := h.create(t, "r2", 0)
	tenHours := h.assigned(t, "r3", "h1", 0)
	done := h.assigned(t, "r4", "h2", 0)
	if _, err := h.svc.HelperMarkCompleted(ctx, HelperCommand{RequestID: done.ID, HelperID: "h2"}); err != nil {
		t.Fatalf("helper complete: %v", err)
	}
	if _, err := h.svc.RequesterConfirmCompletion(ctx, RequesterCommand{RequestID: done.ID, RequesterID: "r4"}); err != nil {
		t.Fatalf("requester confirm: %v", err)
	}
	h.store.backdate(fresh.ID, time.Hour)
	h.store.backdate(sixHours.ID, 6*time.Hour)
	h.store.backdate(tenHours.ID, 10*time.Hour)
	h.store.backdate(done.ID, 10*time.Hour)
	h.events.reset()

	n, err := h.svc.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("swept %d, want 2", n)
	}
	for _, id := range []types.ID{sixHours.ID, tenHours.ID} {
		if _, err := h.svc.Get(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Errorf("%s should be swept, got %v", id, err)
		}
		if h.locator.isIndexed(id) {
			t.Errorf("%s still in geo index", id)
		}
	}
	assertStatus(t, h, fresh.ID, StatusPending)
	assertStatus(t, h, done.ID, StatusCompleted)
	if len(h.events.find(notify.RequestDeleted, "")) != 2 {
		t.Fatal("each swept request should be broadcast as deleted")
	}
	if len(h.events.find(notify.RequestCancelled, "h1")) != 1 {
		t.Fatal("assigned helper of a swept request should be told")
	}
}
