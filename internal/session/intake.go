package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dontdude/scriptq/internal/domain"
	"github.com/dontdude/scriptq/internal/observability"
)

// Consume submits every job arriving on in until ctx is done or the feed closes.
// Each entry is acknowledged once Submit has accepted or rejected it; a
// rejected remote submission is logged, since its sender is not waiting on it.
func (s *Session) Consume(ctx context.Context, in domain.Intake) error {
	jobs, err := in.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to intake: %w", err)
	}

	observability.Logger.Info("Consuming remote submissions")
	for job := range jobs {
		logger := observability.Logger.With(zap.String("job", job.Name), zap.String("msg_id", job.RawID))

		name, err := s.Submit(job.Name, job.Script)
		if err != nil {
			logger.Warn("Remote submission rejected", zap.Error(err))
		} else {
			logger.Debug("Remote submission accepted", zap.String("assigned", name))
		}

		if job.RawID != "" {
			if err := in.Acknowledge(ctx, job.RawID); err != nil {
				logger.Error("Failed to acknowledge submission", zap.Error(err))
			}
		}
	}
	return ctx.Err()
}
