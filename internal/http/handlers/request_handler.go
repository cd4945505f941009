// README: Request handlers for the help-request lifecycle.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"roadassist/internal/http/middleware"
	"roadassist/internal/modules/location"
	"roadassist/internal/modules/request"
	"roadassist/internal/types"
)

type RequestHandler struct {
	requests *request.Service
	location *location.Service
}

func NewRequestHandler(requests *request.Service, loc *location.Service) *RequestHandler {
	return &RequestHandler{requests: requests, location: loc}
}

type pointReq struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (p pointReq) point() types.Point { return types.Point{Lat: p.Lat, Lng: p.Lng} }

type createRequestReq struct {
	Location struct {
		Lat     float64 `json:"lat"`
		Lng     float64 `json:"lng"`
		Address string  `json:"address"`
	} `json:"location"`
	ProblemType   string   `json:"problem_type"`
	Description   string   `json:"description"`
	Photos        []string `json:"photos"`
	OfferedAmount int64    `json:"offered_amount"`
	Currency      string   `json:"currency"`
}

func (h *RequestHandler) Create(c *gin.Context) {
	var req createRequestReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	photos := make([]request.Photo, 0, len(req.Photos))
	for _, u := range req.Photos {
		photos = append(photos, request.Photo{URL: u})
	}
	r, err := h.requests.CreateRequest(c.Request.Context(), request.CreateCommand{
		RequesterID:   types.ID(middleware.CallerUID(c)),
		PhoneVerified: middleware.CallerPhoneVerified(c),
		Location: request.Location{
			Point:   types.Point{Lat: req.Location.Lat, Lng: req.Location.Lng},
			Address: strings.TrimSpace(req.Location.Address),
		},
		ProblemType:   req.ProblemType,
		Description:   req.Description,
		Photos:        photos,
		OfferedAmount: req.OfferedAmount,
		Currency:      req.Currency,
	})
	if err != nil {
		writeRequestError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, r)
}

func (h *RequestHandler) List(c *gin.Context) {
	var f request.Filter
	if v := c.Query("status"); v != "" {
		for _, part := range strings.Split(v, ",") {
			st, err := request.ParseStatus(strings.TrimSpace(part))
			if err != nil {
				writeRequestError(c, err)
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	if v := c.Query("problem_type"); v != "" {
		pt, err := request.ParseProblemType(v)
		if err != nil {
			writeRequestError(c, err)
			return
		}
		f.ProblemType = pt
	}
	for key, dst := range map[string]*types.ID{"requester_id": &f.RequesterID, "helper_id": &f.HelperID} {
		if v := c.Query(key); v != "" {
			if !isValidID(v) {
				writeError(c, http.StatusBadRequest, "invalid "+key)
				return
			}
			*dst = types.ID(v)
		}
	}
	var ok bool
	if f.Limit, ok = queryInt(c, "limit"); !ok {
		return
	}
	if f.Offset, ok = queryInt(c, "offset"); !ok {
		return
	}
	list, err := h.requests.List(c.Request.Context(), f)
	if err != nil {
		writeRequestError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"requests": h.visible(c, list)})
}

func (h *RequestHandler) Active(c *gin.Context) {
	list, err := h.requests.Active(c.Request.Context())
	if err != nil {
		writeRequestError(c, err)
		return
	}
	views := make([]request.PublicView, len(list))
	for i, r := range list {
		views[i] = r.Public()
	}
	writeJSON(c, http.StatusOK, gin.H{"requests": views})
}

type nearbyItem struct {
	Request    request.PublicView `json:"request"`
	DistanceKm float64            `json:"distance_km"`
}

func (h *RequestHandler) Nearby(c *gin.Context) {
	lat, errLat := strconv.ParseFloat(c.Query("lat"), 64)
	lng, errLng := strconv.ParseFloat(c.Query("lng"), 64)
	if errLat != nil || errLng != nil {
		writeError(c, http.StatusBadRequest, "lat and lng are required")
		return
	}
	radius := 0.0
	if v := c.Query("radius_km"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(c, http.StatusBadRequest, "invalid radius_km")
			return
		}
		radius = r
	}
	if h.location == nil {
		writeError(c, http.StatusServiceUnavailable, "geo index unavailable")
		return
	}
	ctx := c.Request.Context()
	hits, err := h.location.Nearby(ctx, types.Point{Lat: lat, Lng: lng}, radius)
	if err != nil {
		if errors.Is(err, location.ErrInvalidPosition) {
			writeError(c, http.StatusBadRequest, err.Error())
			return
		}
		writeRequestError(c, err)
		return
	}
	items := []nearbyItem{}
	if len(hits) > 0 {
		ids := make([]types.ID, len(hits))
		for i, hit := range hits {
			ids[i] = hit.RequestID
		}
		list, err := h.requests.List(ctx, request.Filter{IDs: ids, Statuses: request.OpenStatuses})
		if err != nil {
			writeRequestError(c, err)
			return
		}
		byID := make(map[types.ID]*request.Request, len(list))
		for _, r := range list {
			byID[r.ID] = r
		}
		for _, hit := range hits {
			if r, ok := byID[hit.RequestID]; ok {
				items = append(items, nearbyItem{Request: r.Public(), DistanceKm: hit.DistanceKm})
			}
		}
	}
	writeJSON(c, http.StatusOK, gin.H{"requests": items})
}

func (h *RequestHandler) Mine(c *gin.Context) {
	list, err := h.requests.Mine(c.Request.Context(), types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeRequestError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"requests": h.visible(c, list)})
}

func (h *RequestHandler) Get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	r, err := h.requests.Get(c.Request.Context(), id)
	if err != nil {
		writeRequestError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r.VisibleTo(types.ID(middleware.CallerUID(c))))
}

// Events returns the audit trail to the parties of a request.
func (h *RequestHandler) Events(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	r, err := h.requests.Get(ctx, id)
	if err != nil {
		writeRequestError(c, err)
		return
	}
	if !r.IsParty(types.ID(middleware.CallerUID(c))) {
		writeRequestError(c, request.ErrForbidden)
		return
	}
	events, err := h.requests.Events(ctx, id)
	if err != nil {
		writeRequestError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"events": events})
}

func (h *RequestHandler) Delete(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	err := h.requests.DeleteRequest(c.Request.Context(), request.RequesterCommand{
		RequestID:   id,
		RequesterID: types.ID(middleware.CallerUID(c)),
	})
	if err != nil {
		writeRequestError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type offerReq struct {
	Message  string    `json:"message"`
	Location *pointReq `json:"location"`
}

func (h *RequestHandler) Offer(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req offerReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid json")
			return
		}
	}
	cmd := request.OfferCommand{
		RequestID:     id,
		HelperID:      types.ID(middleware.CallerUID(c)),
		PhoneVerified: middleware.CallerPhoneVerified(c),
		Message:       req.Message,
	}
	if req.Location != nil {
		p := req.Location.point()
		cmd.Location = &p
	}
	r, err := h.requests.OfferHelp(c.Request.Context(), cmd)
	if err != nil {
		writeRequestError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, r.Public())
}

func (h *RequestHandler) Reject(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	helperID, ok := pathID(c, "helperId")
	if !ok {
		return
	}
	r, err := h.requests.RejectHelper(c.Request.Context(), request.RejectCommand{
		RequestID:   id,
		RequesterID: types.ID(middleware.CallerUID(c)),
		HelperID:    helperID,
	})
	if err != nil {
		writeRequestError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

type confirmReq struct {
	HelperID string `json:"helper_id"`
}

func (h *RequestHandler) Confirm(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req confirmReq
	if err := c.ShouldBindJSON(&req); err != nil || !isValidID(req.HelperID) {
		writeError(c, http.StatusBadRequest, "helper_id is required")
		return
	}
	r, err := h.requests.ConfirmHelper(c.Request.Context(), request.ConfirmCommand{
		RequestID:   id,
		RequesterID: types.ID(middleware.CallerUID(c)),
		HelperID:    types.ID(req.HelperID),
	})
	if err != nil {
		writeRequestError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

func (h *RequestHandler) Start(c *gin.Context) {
	h.helperAction(c, h.requests.StartAssistance)
}

func (h *RequestHandler) HelperComplete(c *gin.Context) {
	h.helperAction(c, h.requests.HelperMarkCompleted)
}

func (h *RequestHandler) Unassign(c *gin.Context) {
	h.helperAction(c, h.requests.CancelHelperAssignment)
}

func (h *RequestHandler) helperAction(c *gin.Context, fn func(ctx context.Context, cmd request.HelperCommand) (*request.Request, error)) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	uid := types.ID(middleware.CallerUID(c))
	r, err := fn(c.Request.Context(), request.HelperCommand{RequestID: id, HelperID: uid})
	if err != nil {
		writeRequestError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r.VisibleTo(uid))
}

func (h *RequestHandler) ConfirmCompletion(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	r, err := h.requests.RequesterConfirmCompletion(c.Request.Context(), request.RequesterCommand{
		RequestID:   id,
		RequesterID: types.ID(middleware.CallerUID(c)),
	})
	if err != nil {
		writeRequestError(c, err)
		return
	}
	state := "completed"
	if r.Status != request.StatusCompleted {
		state = "awaiting_payment"
	}
	writeJSON(c, http.StatusOK, gin.H{"state": state, "request": r})
}

type cancelReq struct {
	Reason string `json:"reason"`
}

func (h *RequestHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req cancelReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid json")
			return
		}
	}
	r, err := h.requests.CancelRequest(c.Request.Context(), request.CancelCommand{
		RequestID:   id,
		RequesterID: types.ID(middleware.CallerUID(c)),
		Reason:      req.Reason,
	})
	if err != nil {
		writeRequestError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

func (h *RequestHandler) HelperLocation(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req pointReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	r, err := h.requests.UpdateHelperLocation(c.Request.Context(), request.LocationCommand{
		RequestID: id,
		HelperID:  types.ID(middleware.CallerUID(c)),
		Position:  req.point(),
	})
	if err != nil {
		writeRequestError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"eta": r.ETA, "estimated_arrival": r.EstimatedArrival})
}

func (h *RequestHandler) visible(c *gin.Context, list []*request.Request) []any {
	uid := types.ID(middleware.CallerUID(c))
	out := make([]any, len(list))
	for i, r := range list {
		out[i] = r.VisibleTo(uid)
	}
	return out
}
