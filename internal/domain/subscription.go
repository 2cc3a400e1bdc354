package domain

import (
	"net/mail"
	"net/url"
	"regexp"
	"strings"
	"time"
)

type DeliveryMethod string

const (
	MethodWebhook DeliveryMethod = "WEBHOOK"
	MethodEmail   DeliveryMethod = "EMAIL"
)

// DeliveryTarget is one destination attached to a subscription.
type DeliveryTarget struct {
	Method  DeliveryMethod `json:"deliveryMethod"`
	Address string         `json:"deliveryAddress"`
}

// NewDeliveryTarget builds a target and rejects address/method mismatches.
func NewDeliveryTarget(method DeliveryMethod, address string) (DeliveryTarget, error) {
	t := DeliveryTarget{Method: DeliveryMethod(strings.ToUpper(string(method))), Address: strings.TrimSpace(address)}
	if err := t.Validate(); err != nil {
		return DeliveryTarget{}, err
	}
	return t, nil
}

func (t DeliveryTarget) Validate() error {
	if t.Address == "" {
		return invalid("deliveryAddress", "is required")
	}
	switch t.Method {
	case MethodWebhook:
		u, err := url.Parse(t.Address)
		if err != nil {
			return invalid("deliveryAddress", "invalid webhook url: %v", err)
		}
		if !u.IsAbs() || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return invalid("deliveryAddress", "webhook url must be an absolute http(s) url: %q", t.Address)
		}
	case MethodEmail:
		addr, err := mail.ParseAddress(t.Address)
		if err != nil || addr.Address != t.Address {
			return invalid("deliveryAddress", "invalid email address: %q", t.Address)
		}
	default:
		return invalid("deliveryMethod", "unsupported method %q", t.Method)
	}
	return nil
}

// Key identifies the target for per-destination guards.
func (t DeliveryTarget) Key() string {
	return string(t.Method) + ":" + t.Address
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._~-]{0,255}$`)

// Subscription is a standing registration owned by (tenant, owner, name).
type Subscription struct {
	SeqID           int64            `json:"seqId"`
	UUID            string           `json:"uuid"`
	Tenant          string           `json:"tenant"`
	Owner           string           `json:"owner"`
	Name            string           `json:"name"`
	Description     string           `json:"description,omitempty"`
	Enabled         bool             `json:"enabled"`
	TypeFilter      string           `json:"typeFilter"`
	SubjectFilter   string           `json:"subjectFilter"`
	DeliveryTargets []DeliveryTarget `json:"deliveryTargets"`
	TTLMinutes      int              `json:"ttlMinutes"`
	Expiry          *time.Time       `json:"expiry"`
	BucketNumber    int              `json:"bucketNumber"`
	Created         time.Time        `json:"created"`
	Updated         time.Time        `json:"updated"`
}

func (s *Subscription) Validate() error {
	if s.Tenant == "" {
		return invalid("tenant", "is required")
	}
	if s.Owner == "" {
		return invalid("owner", "is required")
	}
	if !namePattern.MatchString(s.Name) {
		return invalid("name", "must be 1-256 characters of letters, digits or ._~- : %q", s.Name)
	}
	if strings.Count(s.TypeFilter, ".") >= MaxTypeSegments {
		return invalid("typeFilter", "must have at most %d segments, got %q", MaxTypeSegments, s.TypeFilter)
	}
	if s.TTLMinutes < 0 {
		return invalid("ttlMinutes", "must not be negative")
	}
	if len(s.DeliveryTargets) == 0 {
		return invalid("deliveryTargets", "at least one delivery target is required")
	}
	for _, t := range s.DeliveryTargets {
		if err := t.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// TypeFilterSegments splits the type filter; empty segments match anything.
func (s *Subscription) TypeFilterSegments() [MaxTypeSegments]string {
	return splitSegments(s.TypeFilter)
}

// Touch stamps a mutation: updated moves to now (second precision) and
// expiry is recomputed from it.
func (s *Subscription) Touch(now time.Time) {
	s.Updated = now.UTC().Truncate(time.Second)
	if s.Created.IsZero() {
		s.Created = s.Updated
	}
	s.Expiry = ComputeExpiry(s.Updated, s.TTLMinutes)
}

// Expired reports whether the subscription is past its expiry at now.
func (s *Subscription) Expired(now time.Time) bool {
	return s.Expiry != nil && now.After(*s.Expiry)
}

// ComputeExpiry returns updated+ttl, or nil when ttl is zero (never expires).
func ComputeExpiry(updated time.Time, ttlMinutes int) *time.Time {
	if ttlMinutes <= 0 {
		return nil
	}
	exp := updated.UTC().Truncate(time.Second).Add(time.Duration(ttlMinutes) * time.Minute)
	return &exp
}

// PatchSubscription carries a partial update; nil fields are left unchanged.
type PatchSubscription struct {
	Description     *string          `json:"description,omitempty"`
	Enabled         *bool            `json:"enabled,omitempty"`
	TypeFilter      *string          `json:"typeFilter,omitempty"`
	SubjectFilter   *string          `json:"subjectFilter,omitempty"`
	DeliveryTargets []DeliveryTarget `json:"deliveryTargets,omitempty"`
	TTLMinutes      *int             `json:"ttlMinutes,omitempty"`
}

func (p PatchSubscription) Empty() bool {
	return p.Description == nil && p.Enabled == nil && p.TypeFilter == nil &&
		p.SubjectFilter == nil && p.DeliveryTargets == nil && p.TTLMinutes == nil
}

// Apply mutates s in place and re-validates it.
func (p PatchSubscription) Apply(s *Subscription, now time.Time) error {
	if p.Description != nil {
		s.Description = *p.Description
	}
	if p.Enabled != nil {
		s.Enabled = *p.Enabled
	}
	if p.TypeFilter != nil {
		s.TypeFilter = *p.TypeFilter
	}
	if p.SubjectFilter != nil {
		s.SubjectFilter = *p.SubjectFilter
	}
	if p.DeliveryTargets != nil {
		s.DeliveryTargets = p.DeliveryTargets
	}
	if p.TTLMinutes != nil {
		s.TTLMinutes = *p.TTLMinutes
	}
	if err := s.Validate(); err != nil {
		return err
	}
	s.Touch(now)
	return nil
}
