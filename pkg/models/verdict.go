package models

import "time"

type VerdictKind string

const (
	VerdictAccept VerdictKind = "accept"
	VerdictDefer  VerdictKind = "defer"
	VerdictAbort  VerdictKind = "abort"
)

// Guard and failure reasons carried on guard events.
const (
	ReasonMaxDropExceeded = "max_drop_exceeded"
	ReasonMissingRows     = "missing_rows"
	ReasonFetchExhausted  = "fetch_exhausted"
	ReasonFetchPermanent  = "fetch_permanent"
	ReasonDeferredAlert   = "deferred_alert"
)

type Verdict struct {
	Kind       VerdictKind
	Reason     string
	RetryAfter time.Duration
}

func Accept() Verdict {
	return Verdict{Kind: VerdictAccept}
}

func Defer(reason string, retryAfter time.Duration) Verdict {
	return Verdict{Kind: VerdictDefer, Reason: reason, RetryAfter: retryAfter}
}

func Abort(reason string) Verdict {
	return Verdict{Kind: VerdictAbort, Reason: reason}
}
