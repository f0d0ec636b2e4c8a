package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrNoData           = errors.New("no data yet")
	ErrWSDisconnect     = errors.New("websocket disconnected")
	ErrStoreClosed      = errors.New("store closed")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrQueueFull        = errors.New("pending queue full")
	ErrEntryExhausted   = errors.New("entry attempts exhausted")
	ErrContextDone      = errors.New("context cancelled")
)
