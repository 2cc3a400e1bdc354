package engine

import (
	"time"

	"github.com/Priya8975/notification-dispatcher/internal/domain"
)

// DefaultWildcard matches any value in a type filter segment.
const DefaultWildcard = "*"

// Match is one (subscription, delivery target) pair selected for an event.
type Match struct {
	Subscription domain.Subscription
	Target       domain.DeliveryTarget
}

// MatchResult is the outcome of matching one event against candidates.
// DeleteSeqIDs lists subscriptions to remove in the same commit as the
// notifications, set only for events with deleteSubscriptionsMatchingSubject.
type MatchResult struct {
	Matches      []Match
	DeleteSeqIDs []int64
}

// Matcher selects the subscriptions interested in an event.
type Matcher struct {
	wildcard string
}

func NewMatcher(wildcard string) *Matcher {
	if wildcard == "" {
		wildcard = DefaultWildcard
	}
	return &Matcher{wildcard: wildcard}
}

// Match fans an event out to one entry per delivery target of every
// enabled, unexpired candidate whose type and subject filters accept it.
func (m *Matcher) Match(event domain.Event, candidates []domain.Subscription, now time.Time) MatchResult {
	var result MatchResult
	segments := event.TypeSegments()

	for _, sub := range candidates {
		if sub.Tenant != event.Tenant {
			continue
		}

		if event.DeleteSubscriptionsMatchingSubject && sub.SubjectFilter != "" && sub.SubjectFilter == event.Subject {
			result.DeleteSeqIDs = append(result.DeleteSeqIDs, sub.SeqID)
		}

		if !sub.Enabled || sub.Expired(now) {
			continue
		}
		if !m.typeMatches(sub.TypeFilterSegments(), segments) {
			continue
		}
		if sub.SubjectFilter != "" && sub.SubjectFilter != event.Subject {
			continue
		}

		for _, target := range sub.DeliveryTargets {
			result.Matches = append(result.Matches, Match{Subscription: sub, Target: target})
		}
	}

	return result
}

func (m *Matcher) typeMatches(filter, event [domain.MaxTypeSegments]string) bool {
	for i, f := range filter {
		if f == "" || f == m.wildcard {
			continue
		}
		if f != event[i] {
			return false
		}
	}
	return true
}
