package worker

import (
	"time"

	"github.com/Priya8975/notification-dispatcher/internal/domain"
	"github.com/Priya8975/notification-dispatcher/internal/store"
)

// seriesIdleTTL is how long a series with nothing buffered keeps its
// position before being forgotten.
const seriesIdleTTL = 30 * time.Minute

type seriesKey struct {
	subscriptionSeqID int64
	target            string
	seriesID          string
}

func (k seriesKey) stored() store.SeriesKey {
	return store.SeriesKey{SubscriptionSeqID: k.subscriptionSeqID, TargetKey: k.target, SeriesID: k.seriesID}
}

type bufferedNotification struct {
	n         domain.Notification
	arrivedAt time.Time
}

type seriesState struct {
	next     int64
	buffered map[int64]bufferedNotification
	lastSeen time.Time
}

// seriesSequencer releases a series' notifications to each (subscription,
// target) in increasing seriesSeqId order. A series starts at the position
// it was seeded with, or at 1 when nothing was delivered before. A
// notification arriving ahead of a gap waits at most maxWait; after that
// the gap is declared lost and delivery moves past it. Arrivals behind the
// current position are released immediately as late.
//
// Buffered notifications are already persisted, so a crash while they wait
// only delays them until the bucket resumes.
type seriesSequencer struct {
	maxWait time.Duration
	series  map[seriesKey]*seriesState
}

// seriesRelease is a notification ready for delivery.
type seriesRelease struct {
	n    domain.Notification
	late bool
}

// seriesGap reports sequence ids skipped after maxWait.
type seriesGap struct {
	key      seriesKey
	from, to int64
}

func newSeriesSequencer(maxWait time.Duration) *seriesSequencer {
	return &seriesSequencer{maxWait: maxWait, series: make(map[seriesKey]*seriesState)}
}

func keyOf(n domain.Notification) seriesKey {
	return seriesKey{
		subscriptionSeqID: n.SubscriptionSeqID,
		target:            n.DeliveryTarget.Key(),
		seriesID:          n.Event.SeriesID,
	}
}

// ordered reports whether n takes part in series sequencing.
func ordered(n domain.Notification) bool {
	return n.Event.InSeries() && n.Event.SeriesSeqID > 0
}

// known reports whether n's series has a position in memory.
func (s *seriesSequencer) known(n domain.Notification) bool {
	_, ok := s.series[keyOf(n)]
	return ok
}

// seed places n's series just past last, the highest id already released.
// A series already in memory keeps its position.
func (s *seriesSequencer) seed(n domain.Notification, last int64, now time.Time) {
	key := keyOf(n)
	if _, ok := s.series[key]; ok {
		return
	}
	if last < 0 {
		last = 0
	}
	s.series[key] = &seriesState{next: last + 1, buffered: make(map[int64]bufferedNotification), lastSeen: now}
}

// offer accepts a persisted notification and returns those now deliverable.
func (s *seriesSequencer) offer(n domain.Notification, now time.Time) []seriesRelease {
	if !ordered(n) {
		return []seriesRelease{{n: n}}
	}

	key := keyOf(n)
	st, ok := s.series[key]
	if !ok {
		st = &seriesState{next: 1, buffered: make(map[int64]bufferedNotification)}
		s.series[key] = st
	}
	st.lastSeen = now

	seq := n.Event.SeriesSeqID
	switch {
	case seq < st.next:
		return []seriesRelease{{n: n, late: true}}
	case seq == st.next:
		out := []seriesRelease{{n: n}}
		st.next++
		return append(out, st.drain()...)
	default:
		if _, taken := st.buffered[seq]; taken {
			// a second row for an occupied slot is released as late
			return []seriesRelease{{n: n, late: true}}
		}
		st.buffered[seq] = bufferedNotification{n: n, arrivedAt: now}
		return nil
	}
}

// markDelivered advances a series past n without buffering, used for
// notifications resumed at startup.
func (s *seriesSequencer) markDelivered(n domain.Notification, now time.Time) {
	if !ordered(n) {
		return
	}
	key := keyOf(n)
	st, ok := s.series[key]
	if !ok {
		st = &seriesState{next: 1, buffered: make(map[int64]bufferedNotification)}
		s.series[key] = st
	}
	st.lastSeen = now
	if n.Event.SeriesSeqID >= st.next {
		st.next = n.Event.SeriesSeqID + 1
	}
}

// expire releases series whose oldest buffered notification has waited
// longer than maxWait, and forgets idle series.
func (s *seriesSequencer) expire(now time.Time) ([]seriesRelease, []seriesGap) {
	var released []seriesRelease
	var gaps []seriesGap

	for key, st := range s.series {
		if len(st.buffered) == 0 {
			if now.Sub(st.lastSeen) > seriesIdleTTL {
				delete(s.series, key)
			}
			continue
		}

		oldest := now
		lowest := int64(-1)
		for seq, b := range st.buffered {
			if b.arrivedAt.Before(oldest) {
				oldest = b.arrivedAt
			}
			if lowest < 0 || seq < lowest {
				lowest = seq
			}
		}
		if now.Sub(oldest) < s.maxWait {
			continue
		}

		gaps = append(gaps, seriesGap{key: key, from: st.next, to: lowest - 1})
		st.next = lowest
		released = append(released, st.drain()...)
	}

	return released, gaps
}

// pending reports how many notifications are buffered.
func (s *seriesSequencer) pending() int {
	total := 0
	for _, st := range s.series {
		total += len(st.buffered)
	}
	return total
}

func (st *seriesState) drain() []seriesRelease {
	var out []seriesRelease
	for {
		b, ok := st.buffered[st.next]
		if !ok {
			return out
		}
		delete(st.buffered, st.next)
		out = append(out, seriesRelease{n: b.n})
		st.next++
	}
}
