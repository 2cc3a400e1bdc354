package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Priya8975/notification-dispatcher/internal/domain"
)

// MemoryStore is an in-process Gateway with the same semantics as
// PostgresStore. It backs tests and single-node development runs.
type MemoryStore struct {
	mu sync.Mutex

	subs        map[int64]*domain.Subscription
	subsByKey   map[string]int64
	nextSubSeq  int64
	pending     map[int64]*domain.Notification
	nextNotSeq  int64
	recovery    map[int64]*domain.RecoveryEntry
	nextRecSeq  int64
	checkpoints map[int]domain.BucketCheckpoint
	positions   map[SeriesKey]int64
}

var _ Gateway = (*MemoryStore)(nil)

func NewMemory() *MemoryStore {
	return &MemoryStore{
		subs:        make(map[int64]*domain.Subscription),
		subsByKey:   make(map[string]int64),
		pending:     make(map[int64]*domain.Notification),
		recovery:    make(map[int64]*domain.RecoveryEntry),
		checkpoints: make(map[int]domain.BucketCheckpoint),
		positions:   make(map[SeriesKey]int64),
	}
}

func subKey(tenant, owner, name string) string {
	return tenant + "\x00" + owner + "\x00" + name
}

func cloneSubscription(s *domain.Subscription) domain.Subscription {
	out := *s
	out.DeliveryTargets = append([]domain.DeliveryTarget(nil), s.DeliveryTargets...)
	if s.Expiry != nil {
		exp := *s.Expiry
		out.Expiry = &exp
	}
	return out
}

func cloneRecovery(r *domain.RecoveryEntry) domain.RecoveryEntry {
	out := *r
	if r.DeadLetteredAt != nil {
		at := *r.DeadLetteredAt
		out.DeadLetteredAt = &at
	}
	return out
}

func (m *MemoryStore) CreateSubscription(_ context.Context, sub *domain.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := subKey(sub.Tenant, sub.Owner, sub.Name)
	if _, ok := m.subsByKey[key]; ok {
		return fmt.Errorf("%w: subscription %q already exists", domain.ErrConflict, sub.Name)
	}
	for _, existing := range m.subs {
		if existing.UUID == sub.UUID {
			return fmt.Errorf("%w: uuid %s already exists", domain.ErrConflict, sub.UUID)
		}
	}

	m.nextSubSeq++
	sub.SeqID = m.nextSubSeq
	stored := cloneSubscription(sub)
	m.subs[sub.SeqID] = &stored
	m.subsByKey[key] = sub.SeqID
	return nil
}

func (m *MemoryStore) GetSubscription(_ context.Context, tenant, owner, name string) (*domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seq, ok := m.subsByKey[subKey(tenant, owner, name)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := cloneSubscription(m.subs[seq])
	return &out, nil
}

func (m *MemoryStore) ListSubscriptions(_ context.Context, tenant, owner string) ([]domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []domain.Subscription{}
	for _, s := range m.subs {
		if s.Tenant == tenant && (owner == "" || s.Owner == owner) {
			out = append(out, cloneSubscription(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Owner != out[j].Owner {
			return out[i].Owner < out[j].Owner
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *MemoryStore) ModifySubscription(_ context.Context, tenant, owner, name string, mutate func(*domain.Subscription) error) (*domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seq, ok := m.subsByKey[subKey(tenant, owner, name)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	working := cloneSubscription(m.subs[seq])
	if err := mutate(&working); err != nil {
		return nil, err
	}

	// identity columns are not writable
	current := m.subs[seq]
	working.SeqID, working.UUID = current.SeqID, current.UUID
	working.Tenant, working.Owner, working.Name = current.Tenant, current.Owner, current.Name
	working.BucketNumber, working.Created = current.BucketNumber, current.Created

	stored := cloneSubscription(&working)
	m.subs[seq] = &stored
	return &working, nil
}

func (m *MemoryStore) DeleteSubscription(_ context.Context, tenant, owner, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seq, ok := m.subsByKey[subKey(tenant, owner, name)]
	if !ok {
		return 0, nil
	}
	m.deleteSubscriptionLocked(seq)
	return 1, nil
}

func (m *MemoryStore) DeleteExpiredSubscriptions(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for seq, s := range m.subs {
		if s.Expiry != nil && s.Expiry.Before(now) {
			m.deleteSubscriptionLocked(seq)
			n++
		}
	}
	return n, nil
}

// deleteSubscriptionLocked drops a subscription and detaches the delivery
// work that referenced it, which stays pending.
func (m *MemoryStore) deleteSubscriptionLocked(seq int64) {
	s, ok := m.subs[seq]
	if !ok {
		return
	}
	delete(m.subsByKey, subKey(s.Tenant, s.Owner, s.Name))
	delete(m.subs, seq)
	for _, n := range m.pending {
		if n.SubscriptionSeqID == seq {
			n.SubscriptionSeqID = 0
		}
	}
	for _, r := range m.recovery {
		if r.SubscriptionSeqID == seq {
			r.SubscriptionSeqID = 0
		}
	}
	for key := range m.positions {
		if key.SubscriptionSeqID == seq {
			delete(m.positions, key)
		}
	}
}

func (m *MemoryStore) ListBucketSubscriptions(_ context.Context, bucket int) ([]domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []domain.Subscription{}
	for _, s := range m.subs {
		if s.BucketNumber == bucket {
			out = append(out, cloneSubscription(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeqID < out[j].SeqID })
	return out, nil
}

func (m *MemoryStore) CandidateBuckets(_ context.Context, tenant, typeSegment, wildcard string) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[int]bool)
	var out []int
	for _, s := range m.subs {
		if s.Tenant != tenant || seen[s.BucketNumber] {
			continue
		}
		first := s.TypeFilterSegments()[0]
		if typeSegment == "" || first == "" || first == typeSegment || first == wildcard {
			seen[s.BucketNumber] = true
			out = append(out, s.BucketNumber)
		}
	}
	sort.Ints(out)
	return out, nil
}

func (m *MemoryStore) GetCheckpoint(_ context.Context, bucket int) (*domain.BucketCheckpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp, ok := m.checkpoints[bucket]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

// GetSeriesPosition returns 0 for a series with no recorded position.
func (m *MemoryStore) GetSeriesPosition(_ context.Context, key SeriesKey) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positions[key], nil
}

// SaveSeriesPosition never moves a position backwards and ignores series of
// subscriptions that no longer exist.
func (m *MemoryStore) SaveSeriesPosition(_ context.Context, key SeriesKey, seq int64, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subs[key.SubscriptionSeqID]; !ok {
		return nil
	}
	if seq > m.positions[key] {
		m.positions[key] = seq
	}
	return nil
}

func (m *MemoryStore) ListCheckpoints(_ context.Context) ([]domain.BucketCheckpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.BucketCheckpoint, 0, len(m.checkpoints))
	for _, cp := range m.checkpoints {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketNumber < out[j].BucketNumber })
	return out, nil
}

func (m *MemoryStore) CommitBucketEvent(_ context.Context, commit BucketCommit) ([]domain.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	persisted := make([]domain.Notification, 0, len(commit.Notifications))
	for _, n := range commit.Notifications {
		if _, ok := m.subs[n.SubscriptionSeqID]; !ok {
			continue
		}
		m.nextNotSeq++
		n.SeqID = m.nextNotSeq
		stored := n
		m.pending[n.SeqID] = &stored
		persisted = append(persisted, n)
	}
	for _, seq := range commit.DeleteSeqIDs {
		m.deleteSubscriptionLocked(seq)
	}
	m.checkpoints[commit.Bucket] = domain.BucketCheckpoint{
		BucketNumber:           commit.Bucket,
		LastProcessedEventUUID: commit.Event.UUID,
		LastProcessedAt:        commit.ProcessedAt.UTC(),
	}
	return persisted, nil
}

func (m *MemoryStore) ListPendingNotifications(_ context.Context, bucket int) ([]domain.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []domain.Notification{}
	for _, n := range m.pending {
		if n.BucketNumber == bucket {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeqID < out[j].SeqID })
	return out, nil
}

func (m *MemoryStore) DeleteNotification(_ context.Context, seqID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pending[seqID]; !ok {
		return domain.ErrNotFound
	}
	delete(m.pending, seqID)
	return nil
}

func (m *MemoryStore) MoveToRecovery(_ context.Context, n domain.Notification, failure RecoveryFailure) (*domain.RecoveryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pending[n.SeqID]; !ok {
		return nil, domain.ErrNotFound
	}
	delete(m.pending, n.SeqID)

	if _, ok := m.subs[n.SubscriptionSeqID]; !ok {
		n.SubscriptionSeqID = 0
	}
	m.nextRecSeq++
	n.SeqID = m.nextRecSeq
	entry := &domain.RecoveryEntry{
		Notification:  n,
		AttemptCount:  failure.AttemptCount,
		NextAttemptAt: failure.NextAttemptAt.UTC(),
		LastError:     failure.LastError,
		Updated:       failure.At.UTC(),
	}
	if failure.DeadLetter {
		at := failure.At.UTC()
		entry.DeadLetteredAt = &at
	}
	m.recovery[entry.SeqID] = entry
	out := cloneRecovery(entry)
	return &out, nil
}

func (m *MemoryStore) ClaimDueRecovery(_ context.Context, now time.Time, lease time.Duration, limit int) ([]domain.RecoveryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*domain.RecoveryEntry
	for _, r := range m.recovery {
		if r.DeadLetteredAt == nil && !r.NextAttemptAt.After(now) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
		}
		return due[i].SeqID < due[j].SeqID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]domain.RecoveryEntry, 0, len(due))
	for _, r := range due {
		r.NextAttemptAt = now.Add(lease).UTC()
		out = append(out, cloneRecovery(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeqID < out[j].SeqID })
	return out, nil
}

func (m *MemoryStore) RecordRecoveryFailure(_ context.Context, seqID int64, failure RecoveryFailure) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.recovery[seqID]
	if !ok {
		return domain.ErrNotFound
	}
	r.AttemptCount = failure.AttemptCount
	r.NextAttemptAt = failure.NextAttemptAt.UTC()
	r.LastError = failure.LastError
	r.Updated = failure.At.UTC()
	r.DeadLetteredAt = nil
	if failure.DeadLetter {
		at := failure.At.UTC()
		r.DeadLetteredAt = &at
	}
	return nil
}

func (m *MemoryStore) DeleteRecovery(_ context.Context, seqID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.recovery[seqID]; !ok {
		return domain.ErrNotFound
	}
	delete(m.recovery, seqID)
	return nil
}

func (m *MemoryStore) GetRecovery(_ context.Context, seqID int64) (*domain.RecoveryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.recovery[seqID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := cloneRecovery(r)
	return &out, nil
}

func (m *MemoryStore) ListRecovery(_ context.Context, filter RecoveryFilter) ([]domain.RecoveryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultRecoveryLimit
	}
	out := []domain.RecoveryEntry{}
	for _, r := range m.recovery {
		if filter.Tenant != "" && r.Tenant != filter.Tenant {
			continue
		}
		if r.DeadLettered() != filter.DeadLettered {
			continue
		}
		out = append(out, cloneRecovery(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeqID > out[j].SeqID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) RequeueDeadLetter(_ context.Context, seqID int64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.recovery[seqID]
	if !ok {
		return domain.ErrNotFound
	}
	if r.DeadLetteredAt == nil {
		return fmt.Errorf("entry %d is not dead-lettered: %w", seqID, domain.ErrConflict)
	}
	r.AttemptCount = 0
	r.NextAttemptAt = now.UTC()
	r.LastError = ""
	r.DeadLetteredAt = nil
	r.Updated = now.UTC()
	return nil
}

func (m *MemoryStore) Stats(_ context.Context) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := &Stats{
		Subscriptions:        len(m.subs),
		PendingNotifications: len(m.pending),
		Buckets:              len(m.checkpoints),
	}
	for _, r := range m.recovery {
		if r.DeadLettered() {
			st.DeadLetters++
		} else {
			st.RecoveryPending++
		}
	}
	return st, nil
}
