package domain

import "time"

// Notification is the durable unit of delivery work for one
// (event, subscription, delivery target) match.
type Notification struct {
	SeqID             int64          `json:"seqId"`
	SubscriptionSeqID int64          `json:"subscriptionSeqId"`
	Tenant            string         `json:"tenant"`
	Owner             string         `json:"owner"`
	SubscriptionName  string         `json:"subscriptionName"`
	BucketNumber      int            `json:"bucketNumber"`
	EventUUID         string         `json:"eventUuid"`
	Event             Event          `json:"event"`
	DeliveryTarget    DeliveryTarget `json:"deliveryTarget"`
	Created           time.Time      `json:"created"`
}

// RecoveryEntry is a notification whose delivery failed and is awaiting
// retry. SeqID is the recovery row's own id.
type RecoveryEntry struct {
	Notification
	AttemptCount   int        `json:"attemptCount"`
	NextAttemptAt  time.Time  `json:"nextAttemptAt"`
	LastError      string     `json:"lastError"`
	DeadLetteredAt *time.Time `json:"deadLetteredAt,omitempty"`
	Updated        time.Time  `json:"updated"`
}

func (r *RecoveryEntry) DeadLettered() bool {
	return r.DeadLetteredAt != nil
}

// BucketCheckpoint records the last event a bucket committed.
type BucketCheckpoint struct {
	BucketNumber           int       `json:"bucketNumber"`
	LastProcessedEventUUID string    `json:"lastProcessedEventUuid"`
	LastProcessedAt        time.Time `json:"lastProcessedAt"`
}
