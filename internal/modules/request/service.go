// README: Request engine: validation, state transitions, optimistic retries and notification fanout.
package request

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"roadassist/internal/config"
	"roadassist/internal/maps"
	"roadassist/internal/modules/notify"
	"roadassist/internal/types"
)

// PaymentGate reports whether the payment for a request has been captured.
type PaymentGate interface {
	IsPaid(ctx context.Context, requestID types.ID) (bool, error)
}

// ProfileSource resolves the public profile attached to offer notifications.
type ProfileSource interface {
	Profile(ctx context.Context, id types.ID) (types.Profile, error)
}

// Locator is the geo index kept next to the database.
type Locator interface {
	IndexRequest(ctx context.Context, id types.ID, p types.Point) error
	RemoveRequest(ctx context.Context, id types.ID) error
	SetHelperPosition(ctx context.Context, id types.ID, p types.Point) error
	HelperPosition(ctx context.Context, id types.ID) (types.Point, bool, error)
}

// Deps are optional collaborators; a nil field disables that side effect.
type Deps struct {
	Notifier *notify.Dispatcher
	Routes   maps.RouteResolver
	Payments PaymentGate
	Profiles ProfileSource
	Locator  Locator
	Log      *slog.Logger
}

type Service struct {
	store    Repository
	notifier *notify.Dispatcher
	routes   maps.RouteResolver
	payments PaymentGate
	profiles ProfileSource
	locator  Locator
	cfg      config.RequestConfig
	sweep    config.SweeperConfig
	log      *slog.Logger
	now      func() time.Time
}

func NewService(store Repository, deps Deps, cfg config.RequestConfig, sweep config.SweeperConfig) *Service {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	if cfg.UpdateRetries < 1 {
		cfg.UpdateRetries = 1
	}
	return &Service{
		store:    store,
		notifier: deps.Notifier,
		routes:   deps.Routes,
		payments: deps.Payments,
		profiles: deps.Profiles,
		locator:  deps.Locator,
		cfg:      cfg,
		sweep:    sweep,
		log:      log.With("module", "request"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type CreateCommand struct {
	RequesterID   types.ID
	PhoneVerified bool
	Location      Location
	ProblemType   string
	Description   string
	Photos        []Photo
	OfferedAmount int64
	Currency      string
}

type OfferCommand struct {
	RequestID     types.ID
	HelperID      types.ID
	PhoneVerified bool
	Message       string
	Location      *types.Point
}

type ConfirmCommand struct {
	RequestID   types.ID
	RequesterID types.ID
	HelperID    types.ID
}

type RejectCommand struct {
	RequestID   types.ID
	RequesterID types.ID
	HelperID    types.ID
}

// HelperCommand is issued by the assigned helper.
type HelperCommand struct {
	RequestID types.ID
	HelperID  types.ID
}

// RequesterCommand is issued by the requester.
type RequesterCommand struct {
	RequestID   types.ID
	RequesterID types.ID
}

type CancelCommand struct {
	RequestID   types.ID
	RequesterID types.ID
	Reason      string
}

type LocationCommand struct {
	RequestID types.ID
	HelperID  types.ID
	Position  types.Point
}

// change describes who caused a persisted mutation for the audit log.
type change struct {
	actorType string
	actorID   *types.ID
}

func actor(kind string, id types.ID) *change {
	return &change{actorType: kind, actorID: &id}
}

// errSkip aborts a mutation without reporting an error to the caller.
var errSkip = errors.New("skip")

// mutate loads the request, applies fn to a copy and writes it back guarded
// by status_version. A lost race reloads and re-runs fn so its checks see the
// winner's state.
func (s *Service) mutate(ctx context.Context, id types.ID, fn func(r *Request) (*change, error)) (*Request, error) {
	for attempt := 0; attempt < s.cfg.UpdateRetries; attempt++ {
		cur, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		next := cur.clone()
		ch, err := fn(next)
		if err != nil {
			return nil, err
		}
		if next.Status != cur.Status && !CanTransition(cur.Status, next.Status) {
			return nil, ErrInvalidState
		}
		next.UpdatedAt = s.now()
		ok, err := s.store.Update(ctx, next, cur.StatusVersion)
		if err != nil {
			return nil, err
		}
		if !ok {
			s.log.Debug("request version conflict, retrying", "request_id", id, "attempt", attempt+1)
			continue
		}
		next.StatusVersion = cur.StatusVersion + 1
		if ch != nil {
			s.appendEvent(ctx, next.ID, cur.Status, next.Status, ch)
		}
		return next, nil
	}
	return nil, ErrConcurrentUpdate
}

func (s *Service) appendEvent(ctx context.Context, id types.ID, from, to Status, ch *change) {
	err := s.store.AppendEvent(ctx, &Event{
		RequestID:  id,
		FromStatus: from,
		ToStatus:   to,
		ActorType:  ch.actorType,
		ActorID:    ch.actorID,
		CreatedAt:  s.now(),
	})
	if err != nil {
		s.log.Warn("append request event failed", "request_id", id, "err", err)
	}
}

func (s *Service) CreateRequest(ctx context.Context, cmd CreateCommand) (*Request, error) {
	if !cmd.PhoneVerified {
		return nil, ErrPhoneVerificationRequired
	}
	if cmd.RequesterID == "" {
		return nil, validationError("requester id is required")
	}
	if !cmd.Location.Valid() {
		return nil, validationError("location is out of range")
	}
	pt, err := ParseProblemType(cmd.ProblemType)
	if err != nil {
		return nil, err
	}
	desc := strings.TrimSpace(cmd.Description)
	if desc == "" {
		return nil, validationError("description is required")
	}
	if utf8.RuneCountInString(desc) > s.cfg.MaxDescriptionLen {
		return nil, validationError("description exceeds %d characters", s.cfg.MaxDescriptionLen)
	}
	if s.cfg.MaxPhotos > 0 && len(cmd.Photos) > s.cfg.MaxPhotos {
		return nil, validationError("at most %d photos", s.cfg.MaxPhotos)
	}
	if cmd.OfferedAmount < 0 {
		return nil, validationError("offered amount must not be negative")
	}

	existing, err := s.store.FindOpenByRequester(ctx, cmd.RequesterID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, &ConflictError{ExistingID: existing.ID}
	}

	now := s.now()
	photos := make([]Photo, 0, len(cmd.Photos))
	for _, p := range cmd.Photos {
		if strings.TrimSpace(p.URL) == "" {
			return nil, validationError("photo url is required")
		}
		if p.UploadedAt.IsZero() {
			p.UploadedAt = now
		}
		photos = append(photos, p)
	}
	currency := cmd.Currency
	if currency == "" {
		currency = s.cfg.DefaultCurrency
	}

	r := &Request{
		ID:             newID(),
		RequesterID:    cmd.RequesterID,
		Status:         StatusPending,
		Location:       cmd.Location,
		ProblemType:    pt,
		Description:    desc,
		Photos:         photos,
		PendingHelpers: []PendingHelper{},
		CreatedAt:      now,
		UpdatedAt:      now,
		Payment: Payment{
			OfferedAmount: types.Money{Amount: cmd.OfferedAmount, Currency: currency},
		},
	}
	if err := s.store.Create(ctx, r); err != nil {
		if errors.Is(err, ErrOpenRequest) {
			return nil, s.openConflict(ctx, cmd.RequesterID)
		}
		return nil, err
	}
	s.appendEvent(ctx, r.ID, StatusNone, StatusPending, actor(ActorRequester, cmd.RequesterID))
	if s.locator != nil {
		if err := s.locator.IndexRequest(ctx, r.ID, r.Location.Point); err != nil {
			s.log.Warn("index request failed", "request_id", r.ID, "err", err)
		}
	}
	s.notifier.Notify(ctx, notify.Broadcast(notify.RequestAdded, r.ID, r.Public()))
	s.log.Info("request created", "request_id", r.ID, "requester_id", r.RequesterID, "problem", r.ProblemType)
	return r, nil
}

// openConflict resolves the id of the request that won a concurrent create.
func (s *Service) openConflict(ctx context.Context, requesterID types.ID) error {
	existing, err := s.store.FindOpenByRequester(ctx, requesterID)
	if err != nil || existing == nil {
		return ErrOpenRequest
	}
	return &ConflictError{ExistingID: existing.ID}
}

func (s *Service) OfferHelp(ctx context.Context, cmd OfferCommand) (*Request, error) {
	if !cmd.PhoneVerified {
		return nil, ErrPhoneVerificationRequired
	}
	if cmd.HelperID == "" {
		return nil, validationError("helper id is required")
	}
	msg := strings.TrimSpace(cmd.Message)
	if utf8.RuneCountInString(msg) > s.cfg.MaxMessageLen {
		return nil, validationError("message exceeds %d characters", s.cfg.MaxMessageLen)
	}
	if cmd.Location != nil && !cmd.Location.Valid() {
		return nil, validationError("helper location is out of range")
	}

	var offer PendingHelper
	r, err := s.mutate(ctx, cmd.RequestID, func(r *Request) (*change, error) {
		if r.RequesterID == cmd.HelperID {
			return nil, ErrForbidden
		}
		if r.Status != StatusPending {
			return nil, ErrInvalidState
		}
		if r.offerIndex(cmd.HelperID) >= 0 {
			return nil, ErrDuplicateOffer
		}
		offer = PendingHelper{
			HelperID:    cmd.HelperID,
			RequestedAt: s.now(),
			Message:     msg,
			Location:    cmd.Location,
		}
		r.PendingHelpers = append(r.PendingHelpers, offer)
		return actor(ActorHelper, cmd.HelperID), nil
	})
	if err != nil {
		return nil, err
	}
	if cmd.Location != nil && s.locator != nil {
		if err := s.locator.SetHelperPosition(ctx, cmd.HelperID, *cmd.Location); err != nil {
			s.log.Warn("store helper position failed", "helper_id", cmd.HelperID, "err", err)
		}
	}

	s.notifier.Notify(ctx,
		notify.Direct(notify.HelperOffered, r.RequesterID, r.ID, OfferNotice{
			RequestID:   r.ID,
			Helper:      s.profile(ctx, cmd.HelperID),
			Message:     offer.Message,
			Location:    offer.Location,
			RequestedAt: offer.RequestedAt,
		}),
		notify.Broadcast(notify.RequestUpdated, r.ID, r.Public()),
	)
	return r, nil
}

func (s *Service) ConfirmHelper(ctx context.Context, cmd ConfirmCommand) (*Request, error) {
	var (
		offer    PendingHelper
		rejected []PendingHelper
	)
	r, err := s.mutate(ctx, cmd.RequestID, func(r *Request) (*change, error) {
		rejected = nil
		if r.RequesterID != cmd.RequesterID {
			return nil, ErrForbidden
		}
		if r.Status != StatusPending {
			return nil, ErrInvalidState
		}
		idx := r.offerIndex(cmd.HelperID)
		if idx < 0 {
			return nil, ErrNotOffered
		}
		offer = r.PendingHelpers[idx]
		now := s.now()
		helper := cmd.HelperID
		r.HelperID = &helper
		r.Status = StatusAssigned
		r.AssignedAt = &now
		if s.cfg.RejectOthersOnConfirm {
			for i, p := range r.PendingHelpers {
				if i != idx {
					rejected = append(rejected, p)
				}
			}
			r.PendingHelpers = []PendingHelper{offer}
		}
		return actor(ActorRequester, cmd.RequesterID), nil
	})
	if err != nil {
		return nil, err
	}

	events := []notify.Event{
		notify.Direct(notify.HelperConfirmed, cmd.HelperID, r.ID, r.ViewFor(cmd.HelperID)),
		notify.Broadcast(notify.RequestUpdated, r.ID, r.Public()),
	}
	for _, p := range rejected {
		events = append(events, notify.Direct(notify.OfferRejected, p.HelperID, r.ID, CancelNotice{RequestID: r.ID}))
	}
	s.notifier.Notify(ctx, events...)
	s.log.Info("helper confirmed", "request_id", r.ID, "helper_id", cmd.HelperID)

	if updated, ok := s.refreshETA(ctx, r, cmd.HelperID, offer.Location); ok {
		r = updated
	}
	return r, nil
}

func (s *Service) RejectHelper(ctx context.Context, cmd RejectCommand) (*Request, error) {
	r, err := s.mutate(ctx, cmd.RequestID, func(r *Request) (*change, error) {
		if r.RequesterID != cmd.RequesterID {
			return nil, ErrForbidden
		}
		if r.Status.IsTerminal() {
			return nil, ErrInvalidState
		}
		idx := r.offerIndex(cmd.HelperID)
		if idx < 0 {
			return nil, fmt.Errorf("%w: helper %s has no offer", ErrBadRequest, cmd.HelperID)
		}
		r.PendingHelpers = slices.Delete(r.PendingHelpers, idx, idx+1)
		return actor(ActorRequester, cmd.RequesterID), nil
	})
	if err != nil {
		return nil, err
	}
	s.notifier.Notify(ctx,
		notify.Direct(notify.OfferRejected, cmd.HelperID, r.ID, CancelNotice{RequestID: r.ID}),
		notify.Broadcast(notify.RequestUpdated, r.ID, r.Public()),
	)
	return r, nil
}

// StartAssistance marks the assigned helper as working on site.
func (s *Service) StartAssistance(ctx context.Context, cmd HelperCommand) (*Request, error) {
	r, err := s.mutate(ctx, cmd.RequestID, func(r *Request) (*change, error) {
		if !r.IsAssignedTo(cmd.HelperID) {
			return nil, ErrForbidden
		}
		if r.Status != StatusAssigned || r.HelperCompletedAt != nil {
			return nil, ErrInvalidState
		}
		r.Status = StatusInProgress
		return actor(ActorHelper, cmd.HelperID), nil
	})
	if err != nil {
		return nil, err
	}
	s.notifier.Notify(ctx,
		notify.Direct(notify.HelperStarted, r.RequesterID, r.ID, r),
		notify.Broadcast(notify.RequestUpdated, r.ID, r.Public()),
	)
	return r, nil
}

// HelperMarkCompleted records the helper's half of the completion handshake.
// The status goes back to assigned until the requester confirms.
func (s *Service) HelperMarkCompleted(ctx context.Context, cmd HelperCommand) (*Request, error) {
	r, err := s.mutate(ctx, cmd.RequestID, func(r *Request) (*change, error) {
		if r.Status.IsTerminal() {
			return nil, ErrInvalidState
		}
		if !r.IsAssignedTo(cmd.HelperID) {
			return nil, ErrForbidden
		}
		if r.Status != StatusAssigned && r.Status != StatusInProgress {
			return nil, ErrInvalidState
		}
		if r.HelperCompletedAt == nil {
			now := s.now()
			r.HelperCompletedAt = &now
		}
		r.Status = StatusAssigned
		return actor(ActorHelper, cmd.HelperID), nil
	})
	if err != nil {
		return nil, err
	}
	s.notifier.Notify(ctx,
		notify.Direct(notify.HelperCompleted, r.RequesterID, r.ID, r),
		notify.Broadcast(notify.RequestUpdated, r.ID, r.Public()),
	)
	return r, nil
}

// RequesterConfirmCompletion records the requester's confirmation and
// completes the request when the payment gate allows it. Otherwise the
// request stays open awaiting payment.
func (s *Service) RequesterConfirmCompletion(ctx context.Context, cmd RequesterCommand) (*Request, error) {
	cur, err := s.store.Get(ctx, cmd.RequestID)
	if err != nil {
		return nil, err
	}
	if err := checkConfirmable(cur, cmd.RequesterID); err != nil {
		return nil, err
	}
	paid, err := s.isPaid(ctx, cur)
	if err != nil {
		return nil, fmt.Errorf("payment gate: %w", err)
	}

	r, err := s.mutate(ctx, cmd.RequestID, func(r *Request) (*change, error) {
		if err := checkConfirmable(r, cmd.RequesterID); err != nil {
			return nil, err
		}
		now := s.now()
		if r.RequesterConfirmedAt == nil {
			r.RequesterConfirmedAt = &now
		}
		if paid {
			r.Status = StatusCompleted
			r.CompletedAt = &now
		}
		return actor(ActorRequester, cmd.RequesterID), nil
	})
	if err != nil {
		return nil, err
	}
	if r.Status == StatusCompleted {
		s.afterCompleted(ctx, r)
		return r, nil
	}
	// Payment may have landed between the gate read and the write.
	if done, ok, err := s.CompleteIfPaid(ctx, r.ID); err == nil && ok {
		return done, nil
	}
	return r, nil
}

func checkConfirmable(r *Request, requesterID types.ID) error {
	if r.RequesterID != requesterID {
		return ErrForbidden
	}
	if r.Status != StatusAssigned && r.Status != StatusInProgress {
		return ErrInvalidState
	}
	if r.HelperCompletedAt == nil {
		return ErrInvalidState
	}
	return nil
}

// CompleteIfPaid finishes a request whose handshake is done once payment is
// captured. It reports false when the request is not waiting on payment or
// the payment is still outstanding.
func (s *Service) CompleteIfPaid(ctx context.Context, id types.ID) (*Request, bool, error) {
	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !awaitingPayment(cur) {
		return cur, false, nil
	}
	paid, err := s.isPaid(ctx, cur)
	if err != nil {
		return nil, false, fmt.Errorf("payment gate: %w", err)
	}
	if !paid {
		return cur, false, nil
	}
	r, err := s.mutate(ctx, id, func(r *Request) (*change, error) {
		if !awaitingPayment(r) {
			return nil, errSkip
		}
		now := s.now()
		r.Status = StatusCompleted
		r.CompletedAt = &now
		return &change{actorType: ActorSystem}, nil
	})
	if errors.Is(err, errSkip) {
		return cur, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	s.afterCompleted(ctx, r)
	return r, true, nil
}

func awaitingPayment(r *Request) bool {
	return (r.Status == StatusAssigned || r.Status == StatusInProgress) &&
		r.HelperCompletedAt != nil && r.RequesterConfirmedAt != nil
}

func (s *Service) isPaid(ctx context.Context, r *Request) (bool, error) {
	if r.Payment.OfferedAmount.IsZero() || r.Payment.IsPaid {
		return true, nil
	}
	if s.payments == nil {
		return false, nil
	}
	return s.payments.IsPaid(ctx, r.ID)
}

func (s *Service) afterCompleted(ctx context.Context, r *Request) {
	s.unindex(ctx, r.ID)
	var events []notify.Event
	if r.HelperID != nil {
		events = append(events, notify.Direct(notify.RequestCompleted, *r.HelperID, r.ID, r.ViewFor(*r.HelperID)))
	}
	events = append(events, notify.Broadcast(notify.RequestUpdated, r.ID, r.Public()))
	s.notifier.Notify(ctx, events...)
	s.log.Info("request completed", "request_id", r.ID)
}

// CancelHelperAssignment lets the assigned helper withdraw. The request goes
// back to pending with its helper and timing fields cleared.
func (s *Service) CancelHelperAssignment(ctx context.Context, cmd HelperCommand) (*Request, error) {
	r, err := s.mutate(ctx, cmd.RequestID, func(r *Request) (*change, error) {
		if r.Status.IsTerminal() {
			return nil, ErrInvalidState
		}
		if !r.IsAssignedTo(cmd.HelperID) {
			return nil, ErrForbidden
		}
		r.HelperID = nil
		r.Status = StatusPending
		r.AssignedAt = nil
		r.HelperCompletedAt = nil
		r.RequesterConfirmedAt = nil
		r.EstimatedArrival = nil
		r.ETA = nil
		if idx := r.offerIndex(cmd.HelperID); idx >= 0 {
			r.PendingHelpers = slices.Delete(r.PendingHelpers, idx, idx+1)
		}
		return actor(ActorHelper, cmd.HelperID), nil
	})
	if err != nil {
		return nil, err
	}
	s.notifier.Notify(ctx,
		notify.Direct(notify.HelperCancelled, r.RequesterID, r.ID, r),
		notify.Broadcast(notify.RequestUpdated, r.ID, r.Public()),
	)
	s.log.Info("helper withdrew", "request_id", r.ID, "helper_id", cmd.HelperID)
	return r, nil
}

// CancelRequest is the requester abandoning a pending or assigned request.
func (s *Service) CancelRequest(ctx context.Context, cmd CancelCommand) (*Request, error) {
	var notified []types.ID
	r, err := s.mutate(ctx, cmd.RequestID, func(r *Request) (*change, error) {
		notified = nil
		if r.RequesterID != cmd.RequesterID {
			return nil, ErrForbidden
		}
		if r.Status != StatusPending && r.Status != StatusAssigned {
			return nil, ErrInvalidState
		}
		if r.HelperID != nil {
			notified = append(notified, *r.HelperID)
		}
		for _, p := range r.PendingHelpers {
			if !slices.Contains(notified, p.HelperID) {
				notified = append(notified, p.HelperID)
			}
		}
		now := s.now()
		r.Status = StatusCancelled
		r.CancelledAt = &now
		r.CancelReason = strings.TrimSpace(cmd.Reason)
		r.HelperID = nil
		r.PendingHelpers = []PendingHelper{}
		r.ETA = nil
		return actor(ActorRequester, cmd.RequesterID), nil
	})
	if err != nil {
		return nil, err
	}
	s.unindex(ctx, r.ID)
	events := make([]notify.Event, 0, len(notified)+1)
	for _, h := range notified {
		events = append(events, notify.Direct(notify.RequestCancelled, h, r.ID, CancelNotice{RequestID: r.ID, Reason: r.CancelReason}))
	}
	events = append(events, notify.Broadcast(notify.RequestUpdated, r.ID, r.Public()))
	s.notifier.Notify(ctx, events...)
	return r, nil
}

// DeleteRequest removes the request regardless of status.
func (s *Service) DeleteRequest(ctx context.Context, cmd RequesterCommand) error {
	cur, err := s.store.Get(ctx, cmd.RequestID)
	if err != nil {
		return err
	}
	if cur.RequesterID != cmd.RequesterID {
		return ErrForbidden
	}
	ok, err := s.store.Delete(ctx, cmd.RequestID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	s.unindex(ctx, cmd.RequestID)
	s.notifier.Notify(ctx, notify.Broadcast(notify.RequestDeleted, cmd.RequestID, DeletedNotice{ID: cmd.RequestID}))
	s.log.Info("request deleted", "request_id", cmd.RequestID, "status", cur.Status)
	return nil
}

// UpdateHelperLocation records the assigned helper's position and refreshes
// the ETA shown to the requester.
func (s *Service) UpdateHelperLocation(ctx context.Context, cmd LocationCommand) (*Request, error) {
	if !cmd.Position.Valid() {
		return nil, validationError("position is out of range")
	}
	cur, err := s.store.Get(ctx, cmd.RequestID)
	if err != nil {
		return nil, err
	}
	if !cur.IsAssignedTo(cmd.HelperID) {
		return nil, ErrForbidden
	}
	if cur.Status != StatusAssigned && cur.Status != StatusInProgress {
		return nil, ErrInvalidState
	}
	if s.locator != nil {
		if err := s.locator.SetHelperPosition(ctx, cmd.HelperID, cmd.Position); err != nil {
			s.log.Warn("store helper position failed", "helper_id", cmd.HelperID, "err", err)
		}
	}
	pos := cmd.Position
	if updated, ok := s.refreshETA(ctx, cur, cmd.HelperID, &pos); ok {
		return updated, nil
	}
	return cur, nil
}

// refreshETA computes and stores the helper's ETA. It never fails the caller:
// any error is logged and reported as ok=false.
func (s *Service) refreshETA(ctx context.Context, r *Request, helperID types.ID, from *types.Point) (*Request, bool) {
	if s.routes == nil {
		return r, false
	}
	var origin types.Point
	switch {
	case from != nil && from.Valid():
		origin = *from
	case s.locator != nil:
		p, ok, err := s.locator.HelperPosition(ctx, helperID)
		if err != nil || !ok {
			s.log.Info("no helper position for eta", "request_id", r.ID, "helper_id", helperID, "err", err)
			return r, false
		}
		origin = p
	default:
		return r, false
	}

	etaCtx, cancel := context.WithTimeout(ctx, s.cfg.ETATimeout)
	route, err := s.routes.ResolveRoute(etaCtx, origin, r.Location.Point)
	cancel()
	if err != nil {
		s.log.Warn("eta computation failed", "request_id", r.ID, "err", err)
		return r, false
	}
	now := s.now()
	eta := ETAData{
		ETASeconds:     route.ETASeconds,
		DistanceMeters: route.DistanceMeters,
		HelperLocation: origin,
		Source:         route.Source,
		UpdatedAt:      now,
	}
	updated, err := s.mutate(ctx, r.ID, func(cur *Request) (*change, error) {
		if !cur.IsAssignedTo(helperID) || (cur.Status != StatusAssigned && cur.Status != StatusInProgress) {
			return nil, errSkip
		}
		e := eta
		cur.ETA = &e
		if cur.EstimatedArrival == nil {
			arrival := now.Add(time.Duration(eta.ETASeconds) * time.Second)
			cur.EstimatedArrival = &arrival
		}
		return nil, nil
	})
	if err != nil {
		if !errors.Is(err, errSkip) {
			s.log.Warn("store eta failed", "request_id", r.ID, "err", err)
		}
		return r, false
	}
	s.notifier.Notify(ctx, notify.Direct(notify.ETAUpdated, updated.RequesterID, updated.ID, ETANotice{
		RequestID:        updated.ID,
		ETA:              eta,
		EstimatedArrival: updated.EstimatedArrival,
	}))
	return updated, true
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Request, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, f Filter) ([]*Request, error) {
	for _, st := range f.Statuses {
		if !st.Valid() {
			return nil, validationError("unknown status %q", st)
		}
	}
	if f.ProblemType != "" {
		if _, err := ParseProblemType(string(f.ProblemType)); err != nil {
			return nil, err
		}
	}
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 200
	}
	return s.store.List(ctx, f)
}

// Mine lists requests where uid is the requester or the assigned helper.
func (s *Service) Mine(ctx context.Context, uid types.ID) ([]*Request, error) {
	return s.List(ctx, Filter{Party: uid})
}

// Active lists every open request.
func (s *Service) Active(ctx context.Context) ([]*Request, error) {
	return s.List(ctx, Filter{Statuses: OpenStatuses})
}

func (s *Service) Events(ctx context.Context, id types.ID) ([]Event, error) {
	return s.store.Events(ctx, id)
}

func (s *Service) profile(ctx context.Context, id types.ID) types.Profile {
	if s.profiles == nil {
		return types.Profile{ID: id}
	}
	p, err := s.profiles.Profile(ctx, id)
	if err != nil {
		s.log.Debug("profile lookup failed", "user_id", id, "err", err)
		return types.Profile{ID: id}
	}
	return p
}

func (s *Service) unindex(ctx context.Context, id types.ID) {
	if s.locator == nil {
		return
	}
	if err := s.locator.RemoveRequest(ctx, id); err != nil {
		s.log.Warn("unindex request failed", "request_id", id, "err", err)
	}
}

func newID() types.ID {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return types.ID(hex.EncodeToString(b[:]))
}
