package pitwall

import (
	"time"

	"github.com/pitwall/pitwall/cache"
)

// CleanupExpired removes every expired entry from the store and
// returns the number removed. Failures are logged and swallowed so
// housekeeping can never keep the application from starting.
func (f *Fetcher) CleanupExpired() int64 {
	removed, err := f.store.SweepExpired()
	if err != nil {
		f.log.Error().Err(err).Msg("Could not sweep expired entries")
		return 0
	}
	if removed > 0 {
		f.log.Info().Msgf("Swept %d expired cache entries", removed)
	}
	return removed
}

// Stats reports the store's aggregate counters.
func (f *Fetcher) Stats() (cache.Stats, error) {
	return f.store.Stats()
}

// Invalidate removes the entry for one key.
func (f *Fetcher) Invalidate(key string) (int64, error) {
	return f.store.Invalidate(key)
}

// InvalidateAll empties the cache.
func (f *Fetcher) InvalidateAll() (int64, error) {
	return f.store.InvalidateAll()
}

// Sweeper runs CleanupExpired on a timer until stopped.
type Sweeper struct {
	stop chan struct{}
	done chan struct{}
}

// StartSweeper starts a background sweep loop. An interval of zero or
// less defaults to one hour.
func (f *Fetcher) StartSweeper(interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	s := &Sweeper{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		f.log.Info().Msgf("Starting cache sweep loop with interval %s", interval)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				f.CleanupExpired()
			case <-s.stop:
				return
			}
		}
	}()
	return s
}

// Stop ends the sweep loop and waits for it to finish.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}
