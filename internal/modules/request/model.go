// README: Help request aggregate, closed status/problem enums and the transition table.
package request

import (
	"fmt"
	"slices"
	"time"

	"roadassist/internal/types"
)

type Status string

const (
	StatusNone       Status = "none"
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// OpenStatuses are the statuses that block a requester from creating another
// request and that the expiry sweeper considers.
var OpenStatuses = []Status{StatusPending, StatusAssigned, StatusInProgress}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrValidation, s)
	}
	return st, nil
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAssigned, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

func (s Status) IsTerminal() bool { return s == StatusCompleted || s == StatusCancelled }

func (s Status) IsOpen() bool { return slices.Contains(OpenStatuses, s) }

// HasHelper reports whether a request in this status must carry a helper.
func (s Status) HasHelper() bool {
	return s == StatusAssigned || s == StatusInProgress || s == StatusCompleted
}

type ProblemType string

const (
	ProblemFlatTire     ProblemType = "flat_tire"
	ProblemDeadBattery  ProblemType = "dead_battery"
	ProblemOutOfFuel    ProblemType = "out_of_fuel"
	ProblemEngine       ProblemType = "engine_problem"
	ProblemLockedOut    ProblemType = "locked_out"
	ProblemAccident     ProblemType = "accident"
	ProblemTowingNeeded ProblemType = "towing_needed"
	ProblemOther        ProblemType = "other"
)

var problemTypes = []ProblemType{
	ProblemFlatTire, ProblemDeadBattery, ProblemOutOfFuel, ProblemEngine,
	ProblemLockedOut, ProblemAccident, ProblemTowingNeeded, ProblemOther,
}

func ParseProblemType(s string) (ProblemType, error) {
	p := ProblemType(s)
	if !slices.Contains(problemTypes, p) {
		return "", fmt.Errorf("%w: unknown problem type %q", ErrValidation, s)
	}
	return p, nil
}

type Location struct {
	types.Point
	Address string `json:"address,omitempty"`
}

type Photo struct {
	URL        string    `json:"url"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// PendingHelper is one helper's offer on a pending request.
type PendingHelper struct {
	HelperID    types.ID     `json:"helper_id"`
	RequestedAt time.Time    `json:"requested_at"`
	Message     string       `json:"message,omitempty"`
	Location    *types.Point `json:"location,omitempty"`
}

// ETAData is advisory; it may be stale or absent.
type ETAData struct {
	ETASeconds     int         `json:"eta_seconds"`
	DistanceMeters int         `json:"distance_meters"`
	HelperLocation types.Point `json:"helper_location"`
	Source         string      `json:"source"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Payment is owned by the payment module; the engine only reads it.
type Payment struct {
	OfferedAmount types.Money `json:"offered_amount"`
	IsPaid        bool        `json:"is_paid"`
	PaidAt        *time.Time  `json:"paid_at,omitempty"`
	Method        string      `json:"method,omitempty"`
}

type Request struct {
	ID            types.ID  `json:"id"`
	RequesterID   types.ID  `json:"requester_id"`
	HelperID      *types.ID `json:"helper_id,omitempty"`
	Status        Status    `json:"status"`
	StatusVersion int       `json:"status_version"`

	Location       Location        `json:"location"`
	ProblemType    ProblemType     `json:"problem_type"`
	Description    string          `json:"description"`
	Photos         []Photo         `json:"photos"`
	PendingHelpers []PendingHelper `json:"pending_helpers"`

	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	AssignedAt           *time.Time `json:"assigned_at,omitempty"`
	HelperCompletedAt    *time.Time `json:"helper_completed_at,omitempty"`
	RequesterConfirmedAt *time.Time `json:"requester_confirmed_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	EstimatedArrival     *time.Time `json:"estimated_arrival,omitempty"`
	CancelledAt          *time.Time `json:"cancelled_at,omitempty"`
	CancelReason         string     `json:"cancel_reason,omitempty"`

	ETA     *ETAData `json:"eta,omitempty"`
	Payment Payment  `json:"payment"`
}

// Event is one row of the request audit log.
type Event struct {
	ID         int64
	RequestID  types.ID
	FromStatus Status
	ToStatus   Status
	ActorType  string
	ActorID    *types.ID
	CreatedAt  time.Time
}

const (
	ActorRequester = "requester"
	ActorHelper    = "helper"
	ActorSystem    = "system"
)

// AllowedTransitions represents the request state flow as code. Self loops
// are checkpoints that change data but not the status.
var AllowedTransitions = map[Status][]Status{
	StatusPending:    {StatusPending, StatusAssigned, StatusCancelled},
	StatusAssigned:   {StatusAssigned, StatusInProgress, StatusPending, StatusCompleted, StatusCancelled},
	StatusInProgress: {StatusInProgress, StatusAssigned, StatusPending, StatusCompleted},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	return slices.Contains(next, to)
}

func (r *Request) IsAssignedTo(helperID types.ID) bool {
	return r.HelperID != nil && *r.HelperID == helperID
}

// IsParty reports whether uid is the requester or the assigned helper.
func (r *Request) IsParty(uid types.ID) bool {
	return r.RequesterID == uid || r.IsAssignedTo(uid)
}

func (r *Request) offerIndex(helperID types.ID) int {
	return slices.IndexFunc(r.PendingHelpers, func(p PendingHelper) bool { return p.HelperID == helperID })
}

func (r *Request) clone() *Request {
	c := *r
	if r.HelperID != nil {
		h := *r.HelperID
		c.HelperID = &h
	}
	c.Photos = slices.Clone(r.Photos)
	c.PendingHelpers = make([]PendingHelper, len(r.PendingHelpers))
	for i, p := range r.PendingHelpers {
		if p.Location != nil {
			loc := *p.Location
			p.Location = &loc
		}
		c.PendingHelpers[i] = p
	}
	if r.ETA != nil {
		eta := *r.ETA
		c.ETA = &eta
	}
	c.AssignedAt = cloneTime(r.AssignedAt)
	c.HelperCompletedAt = cloneTime(r.HelperCompletedAt)
	c.RequesterConfirmedAt = cloneTime(r.RequesterConfirmedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.EstimatedArrival = cloneTime(r.EstimatedArrival)
	c.CancelledAt = cloneTime(r.CancelledAt)
	c.Payment.PaidAt = cloneTime(r.Payment.PaidAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
