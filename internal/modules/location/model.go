// README: Location index models.
package location

import (
	"time"

	"roadassist/internal/types"
)

// Nearby is an indexed request with its distance from the query point.
type Nearby struct {
	RequestID  types.ID
	Position   types.Point
	DistanceKm float64
}

type Update struct {
	UserID   types.ID
	Position types.Point
}

const (
	requestGeoKey    = "geo:requests:active"
	helperGeoKey     = "geo:helpers"
	helperSeenPrefix = "location:helper:%s:seen"
	// helperSeenTTL bounds how old a helper position may be before it is ignored for ETA.
	helperSeenTTL = 30 * time.Minute
	// maxRadiusKm caps map queries.
	maxRadiusKm = 100.0
)
