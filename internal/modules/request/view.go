// README: Projections of a request sent to non-parties and notification payloads.
package request

import (
	"time"

	"roadassist/internal/types"
)

// PublicView is what any authenticated user sees on the map. It carries no
// party identities, offer messages or payment details.
type PublicView struct {
	ID          types.ID    `json:"id"`
	Location    Location    `json:"location"`
	ProblemType ProblemType `json:"problem_type"`
	Description string      `json:"description"`
	Photos      []Photo     `json:"photos"`
	Status      Status      `json:"status"`
	OfferCount  int         `json:"offer_count"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

func (r *Request) Public() PublicView {
	photos := r.Photos
	if photos == nil {
		photos = []Photo{}
	}
	return PublicView{
		ID:          r.ID,
		Location:    r.Location,
		ProblemType: r.ProblemType,
		Description: r.Description,
		Photos:      photos,
		Status:      r.Status,
		OfferCount:  len(r.PendingHelpers),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

// VisibleTo returns the party view for the requester and the assigned helper
// and the public view for everyone else.
func (r *Request) VisibleTo(uid types.ID) any {
	if r.IsParty(uid) {
		return r.ViewFor(uid)
	}
	return r.Public()
}

// ViewFor returns r as uid may see it. Only the requester sees every offer;
// anyone else sees at most their own.
func (r *Request) ViewFor(uid types.ID) *Request {
	if uid == r.RequesterID {
		return r
	}
	v := r.clone()
	if i := v.offerIndex(uid); i >= 0 {
		v.PendingHelpers = v.PendingHelpers[i : i+1]
	} else {
		v.PendingHelpers = []PendingHelper{}
	}
	return v
}

// OfferNotice tells the requester that a helper offered.
type OfferNotice struct {
	RequestID   types.ID      `json:"request_id"`
	Helper      types.Profile `json:"helper"`
	Message     string        `json:"message,omitempty"`
	Location    *types.Point  `json:"location,omitempty"`
	RequestedAt time.Time     `json:"requested_at"`
}

type ETANotice struct {
	RequestID        types.ID   `json:"request_id"`
	ETA              ETAData    `json:"eta"`
	EstimatedArrival *time.Time `json:"estimated_arrival,omitempty"`
}

type DeletedNotice struct {
	ID     types.ID `json:"id"`
	Reason string   `json:"reason,omitempty"`
}

type CancelNotice struct {
	RequestID types.ID `json:"request_id"`
	Reason    string   `json:"reason,omitempty"`
}
