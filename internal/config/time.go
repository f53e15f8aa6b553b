package config

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultCollectionInterval = 6 * time.Hour
	defaultSweepInterval      = 24 * time.Hour
)

var (
	collectionInterval          atomic.Value
	sweepInterval               atomic.Value
	collectionIntervalListeners []chan time.Duration
	sweepIntervalListeners      []chan time.Duration
	listenersMu                 sync.Mutex
)

func init() {
	collectionInterval.Store(defaultCollectionInterval)
	sweepInterval.Store(defaultSweepInterval)
}

// SetIntervals recomputes the derived intervals from the current config and
// notifies listeners about changes.
func SetIntervals() {
	cfg := GetConfig()
	setCollectionInterval(calculateInterval(cfg.Collection.CollectionTimer, defaultCollectionInterval))
	setSweepInterval(calculateInterval(cfg.Retention.SweepTimer, defaultSweepInterval))
}

func calculateInterval(timer Timer, fallback time.Duration) time.Duration {
	if timer.Days == 0 && timer.Hours == 0 && timer.Minutes == 0 && timer.Seconds == 0 {
		return fallback
	}
	return CalculateBetweenTime(timer)
}

// CalculateBetweenTime converts a Timer into a duration with a one second floor.
func CalculateBetweenTime(timer Timer) time.Duration {
	intervalMs := CalculateMilliseconds(timer)

	minInterval := uint64(1000)
	if intervalMs < minInterval {
		intervalMs = minInterval
	}

	return time.Duration(intervalMs) * time.Millisecond
}

func CalculateMilliseconds(timer Timer) uint64 {
	return uint64(timer.Days)*24*60*60*1000 +
		uint64(timer.Hours)*60*60*1000 +
		uint64(timer.Minutes)*60*1000 +
		uint64(timer.Seconds)*1000
}

func GetCollectionInterval() time.Duration {
	return collectionInterval.Load().(time.Duration)
}

// CollectionIntervalUpdates registers a listener for interval changes. The
// current value is delivered immediately.
func CollectionIntervalUpdates() <-chan time.Duration {
	ch := make(chan time.Duration, 1)
	listenersMu.Lock()
	collectionIntervalListeners = append(collectionIntervalListeners, ch)
	listenersMu.Unlock()

	ch <- GetCollectionInterval()
	return ch
}

func setCollectionInterval(interval time.Duration) {
	if interval <= 0 {
		interval = defaultCollectionInterval
	}

	current := GetCollectionInterval()
	if current == interval {
		return
	}

	collectionInterval.Store(interval)

	listenersMu.Lock()
	defer listenersMu.Unlock()
	for _, ch := range collectionIntervalListeners {
		select {
		case ch <- interval:
		default:
		}
	}
}

func GetSweepInterval() time.Duration {
	return sweepInterval.Load().(time.Duration)
}

func SweepIntervalUpdates() <-chan time.Duration {
	ch := make(chan time.Duration, 1)
	listenersMu.Lock()
	sweepIntervalListeners = append(sweepIntervalListeners, ch)
	listenersMu.Unlock()

	ch <- GetSweepInterval()
	return ch
}

func setSweepInterval(interval time.Duration) {
	if interval <= 0 {
		interval = defaultSweepInterval
	}

	current := GetSweepInterval()
	if current == interval {
		return
	}

	sweepInterval.Store(interval)

	listenersMu.Lock()
	defer listenersMu.Unlock()
	for _, ch := range sweepIntervalListeners {
		select {
		case ch <- interval:
		default:
		}
	}
}
