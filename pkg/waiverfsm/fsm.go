// Package waiverfsm defines the exception-waiver lifecycle: a waiver is
// created pending, becomes active or denied by an explicit decision, and an
// active waiver either expires naturally or is revoked by an administrator.
// Denied, expired and revoked are terminal.
package waiverfsm

import (
	"errors"
	"time"

	"rkbac/pkg/models"
)

var ErrInvalidTransition = errors.New("invalid waiver transition")

type Event string

const (
	EventApprove Event = "APPROVE"
	EventDeny    Event = "DENY"
	EventExpire  Event = "EXPIRE"
	EventRevoke  Event = "REVOKE"
)

func CanTransition(from, to models.WaiverStatus) bool {
	switch from {
	case models.WaiverPending:
		return to == models.WaiverActive || to == models.WaiverDenied
	case models.WaiverActive:
		return to == models.WaiverExpired || to == models.WaiverRevoked
	default:
		return false
	}
}

func Transition(from, to models.WaiverStatus) (models.WaiverStatus, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

func Next(from models.WaiverStatus, event Event) (models.WaiverStatus, error) {
	switch event {
	case EventApprove:
		return Transition(from, models.WaiverActive)
	case EventDeny:
		return Transition(from, models.WaiverDenied)
	case EventExpire:
		return Transition(from, models.WaiverExpired)
	case EventRevoke:
		return Transition(from, models.WaiverRevoked)
	default:
		return from, ErrInvalidTransition
	}
}

func IsTerminal(status models.WaiverStatus) bool {
	switch status {
	case models.WaiverDenied, models.WaiverExpired, models.WaiverRevoked:
		return true
	default:
		return false
	}
}

// IsExpired reports whether an expiry timestamp has passed. Nil means the
// waiver never expires by time (permanent, or one-time pending consumption).
func IsExpired(now time.Time, expiresAt *time.Time) bool {
	if expiresAt == nil {
		return false
	}
	return !now.UTC().Before(expiresAt.UTC())
}

// Usable reports whether a waiver can satisfy an evaluation right now:
// active status and not past its expiry.
func Usable(w models.ExceptionWaiver, now time.Time) bool {
	return w.Status == models.WaiverActive && !IsExpired(now, w.ExpiresAt)
}
