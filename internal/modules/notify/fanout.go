// README: Fan-out notifier delivering to every configured sink.
package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"fleetswap/internal/modules/swap"
	"fleetswap/internal/types"
)

type Fanout struct {
	sinks []swap.Notifier
	log   *zap.Logger
}

func NewFanout(log *zap.Logger, sinks ...swap.Notifier) *Fanout {
	if log == nil {
		log = zap.NewNop()
	}
	return &Fanout{sinks: sinks, log: log}
}

// Notify delivers to every sink even when an earlier one fails.
func (f *Fanout) Notify(ctx context.Context, userIDs []types.ID, title, body string) error {
	if len(userIDs) == 0 {
		return nil
	}
	var errs []error
	for _, s := range f.sinks {
		if err := s.Notify(ctx, userIDs, title, body); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		f.log.Debug("notification partially delivered", zap.Int("failed_sinks", len(errs)), zap.Int("sinks", len(f.sinks)))
	}
	return errors.Join(errs...)
}

// Log is a sink that writes every notification to the log, next to
// whatever push and broker sinks are configured.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log { return &Log{log: log} }

func (l *Log) Notify(_ context.Context, userIDs []types.ID, title, body string) error {
	ids := make([]string, len(userIDs))
	for i, id := range userIDs {
		ids[i] = string(id)
	}
	l.log.Info("notification", zap.Strings("to", ids), zap.String("title", title), zap.String("body", body))
	return nil
}
