package challenge

import (
	"context"
	"time"
)

// Sweeper runs SweepExpired on a fixed interval.
type Sweeper struct {
	store    *Store
	interval time.Duration
}

// NewSweeper returns a Sweeper that sweeps s every interval once Run is called.
func NewSweeper(s *Store, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:    s,
		interval: interval,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (sw *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(sw.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			sw.sweepOnce(ctx)
		}
	}
}

func (sw *Sweeper) sweepOnce(ctx context.Context) int {
	n, err := sw.store.SweepExpired(ctx)
	if err != nil {
		if ctx.Err() == nil {
			sw.store.logger.Error("can't sweep expired challenges", "err", err)
		}
		return n
	}

	if n != 0 {
		sw.store.logger.Info("swept expired challenges", "count", n)
	}

	return n
}
