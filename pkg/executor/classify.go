package executor

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/wuwei-labs/antegen/pkg/submitter"
)

// Class buckets a submission failure for routing.
type Class int

const (
	// ClassTransient failures (transport, expired blockhash, unhealthy
	// node, rate limits) reschedule with backoff.
	ClassTransient Class = iota

	// ClassBenignRace failures mean another executor finished the work
	// first; the task completes.
	ClassBenignRace

	// ClassSuspicious failures (program says the trigger is not ready)
	// reschedule once, then dead-letter.
	ClassSuspicious

	// ClassPermanent failures dead-letter immediately.
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassBenignRace:
		return "benign_race"
	case ClassSuspicious:
		return "suspicious"
	case ClassPermanent:
		return "permanent"
	}
	return "unknown"
}

// Error-message markers for program-level failures. The node reports these
// as strings, so classification is substring-based, mirroring how the chain
// client surfaces them.
var (
	transientMarkers = []string{
		"blockhash not found",
		"blockhash expired",
		"node is unhealthy",
		"node is behind",
		"rate limit",
		"too many requests",
		"connection refused",
		"connection reset",
		"timed out",
		"i/o timeout",
		"service unavailable",
	}

	benignMarkers = []string{
		"nonce has already been advanced",
		"nonce is stale",
		"advanced nonce",
		"already been processed",
		"already executed",
	}

	suspiciousMarkers = []string{
		"trigger not ready",
		"triggernotready",
	}

	permanentMarkers = []string{
		"invalid signer",
		"signature verification failure",
		"invalid account",
		"accountnotfound",
		"account not found",
		"insufficient funds",
		"thread paused",
	}
)

// Classify maps a submission error to its handling class. Unrecognized
// program errors are permanent; unrecognized transport errors are
// transient.
func Classify(err error) Class {
	if err == nil {
		return ClassBenignRace
	}

	// Typed transport failures first.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, submitter.ErrDirectUnavailable) ||
		errors.Is(err, submitter.ErrNoLeaders) {
		return ClassTransient
	}

	msg := strings.ToLower(err.Error())
	for _, m := range benignMarkers {
		if strings.Contains(msg, m) {
			return ClassBenignRace
		}
	}
	for _, m := range suspiciousMarkers {
		if strings.Contains(msg, m) {
			return ClassSuspicious
		}
	}
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return ClassTransient
		}
	}
	for _, m := range permanentMarkers {
		if strings.Contains(msg, m) {
			return ClassPermanent
		}
	}

	// Program rejected the transaction for a reason we do not recognize.
	if strings.Contains(msg, "custom program error") || strings.Contains(msg, "instructionerror") {
		return ClassPermanent
	}

	// Anything else is assumed to be a transport-level hiccup.
	return ClassTransient
}
