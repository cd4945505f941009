// README: Payment service records captured payments and releases payment-gated completions.
package payment

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"roadassist/internal/modules/request"
	"roadassist/internal/types"
)

// Completer finishes a request once its payment is captured.
type Completer interface {
	CompleteIfPaid(ctx context.Context, id types.ID) (*request.Request, bool, error)
}

type Service struct {
	ledger    Ledger
	completer Completer
	log       *slog.Logger
	now       func() time.Time
}

func NewService(ledger Ledger, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		ledger: ledger,
		log:    log.With("module", "payment"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetCompleter wires the engine after construction; the engine itself reads
// this service as its payment gate.
func (s *Service) SetCompleter(c Completer) {
	s.completer = c
}

// IsPaid implements request.PaymentGate.
func (s *Service) IsPaid(ctx context.Context, id types.ID) (bool, error) {
	return s.ledger.IsPaid(ctx, id)
}

// MarkPaid records the payment and completes the request when both parties
// already confirmed. Repeated calls are idempotent.
func (s *Service) MarkPaid(ctx context.Context, cmd MarkPaidCommand) (Result, error) {
	method := strings.TrimSpace(cmd.Method)
	if cmd.RequestID == "" || method == "" {
		return Result{}, ErrBadRequest
	}
	rec, fresh, err := s.ledger.MarkPaid(ctx, cmd.RequestID, method, s.now())
	if err != nil {
		return Result{}, err
	}
	res := Result{Receipt: rec, Duplicate: !fresh}
	if fresh {
		s.log.Info("payment captured", "request_id", cmd.RequestID, "amount", rec.Amount.Amount, "currency", rec.Amount.Currency, "method", rec.Method)
	}
	if s.completer == nil {
		return res, nil
	}
	_, done, err := s.completer.CompleteIfPaid(ctx, cmd.RequestID)
	if err != nil {
		return res, fmt.Errorf("complete request %s: %w", cmd.RequestID, err)
	}
	res.Completed = done
	return res, nil
}
