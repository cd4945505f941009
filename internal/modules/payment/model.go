// README: Payment capture records for help requests.
package payment

import (
	"errors"
	"time"

	"roadassist/internal/types"
)

var (
	ErrNotFound     = errors.New("request not found")
	ErrBadRequest   = errors.New("bad request")
	ErrInvalidState = errors.New("request cannot be paid in its current state")
)

// Receipt is the captured payment of one request.
type Receipt struct {
	RequestID types.ID    `json:"request_id"`
	Amount    types.Money `json:"amount"`
	Method    string      `json:"method"`
	PaidAt    time.Time   `json:"paid_at"`
}

type MarkPaidCommand struct {
	RequestID types.ID
	Method    string
}

// Result reports whether the payment also completed the request.
type Result struct {
	Receipt   Receipt `json:"receipt"`
	Duplicate bool    `json:"duplicate"`
	Completed bool    `json:"completed"`
}
