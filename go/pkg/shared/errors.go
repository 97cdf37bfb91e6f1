package shared

import "errors"

var (
	ErrNoCapacity        = errors.New("NO_CAPACITY")
	ErrWSAtCapacity      = errors.New("WS_AT_CAPACITY")
	ErrAlreadySubscribed = errors.New("ALREADY_SUBSCRIBED")
	ErrConnectionFailed  = errors.New("CONNECTION_FAILED")
	ErrRateLimited       = errors.New("RATE_LIMITED")
	ErrBlocked           = errors.New("BLOCKED")
	ErrAuth              = errors.New("AUTH_ERROR")
	ErrMalformedTick     = errors.New("malformed tick")
	ErrNoChainSkeleton   = errors.New("option leg not in chain skeleton")
	ErrUnknownSlot       = errors.New("unknown connection slot")
)
