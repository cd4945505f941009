// README: Periodic removal of open requests that outlived their max age.
package request

import (
	"context"
	"time"

	"roadassist/internal/modules/notify"
)

// RunExpirySweeper blocks until ctx is done, sweeping once per interval.
func (s *Service) RunExpirySweeper(ctx context.Context) {
	interval := s.sweep.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepExpired(ctx); err != nil {
				s.log.Error("expiry sweep failed", "err", err)
			}
		}
	}
}

// SweepExpired deletes open requests created more than MaxAge ago. Completed
// and cancelled requests are kept as history.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	maxAge := s.sweep.MaxAge
	if maxAge <= 0 {
		maxAge = 5 * time.Hour
	}
	cutoff := s.now().Add(-maxAge)
	removed, err := s.store.DeleteExpired(ctx, cutoff, OpenStatuses)
	if err != nil {
		return 0, err
	}
	events := make([]notify.Event, 0, len(removed))
	for _, r := range removed {
		s.unindex(ctx, r.ID)
		events = append(events, notify.Broadcast(notify.RequestDeleted, r.ID, DeletedNotice{ID: r.ID, Reason: "expired"}))
		if r.HelperID != nil {
			events = append(events, notify.Direct(notify.RequestCancelled, *r.HelperID, r.ID, CancelNotice{RequestID: r.ID, Reason: "expired"}))
		}
	}
	s.notifier.Notify(ctx, events...)
	if len(removed) > 0 {
		s.log.Info("expired requests swept", "count", len(removed), "cutoff", cutoff)
	}
	return len(removed), nil
}
