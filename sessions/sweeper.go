package sessions

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

const DefaultSweepInterval = 15 * time.Minute

// Sweeper runs Store.Sweep on a fixed interval until its context ends.
type Sweeper struct {
	store    *Store
	interval time.Duration
	log      logrus.FieldLogger
}

func NewSweeper(store *Store, interval time.Duration, log logrus.FieldLogger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{store: store, interval: interval, log: log}
}

func (w *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.WithField("interval", w.interval.String()).Info("session sweeper started")
	for {
		select {
		case <-ctx.Done():
			w.log.Info("session sweeper stopped")
			return
		case <-ticker.C:
			if _, err := w.store.Sweep(ctx); err != nil && ctx.Err() == nil {
				w.log.WithError(err).Error("session sweep failed")
			}
		}
	}
}
