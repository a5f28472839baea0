package store

import "errors"

var (
	errTimestampInFuture = errors.New("store: timestamp too far in the future")
	errTimestampExpired  = errors.New("store: timestamp older than retention")
)
