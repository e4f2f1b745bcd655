package services

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the services layer. Callers branch on these
// with errors.Is to decide what to show the player.
var (
	ErrQuestNotFound    = errors.New("quest not found")
	ErrCodeMismatch     = errors.New("quest code does not match")
	ErrCapacityExceeded = errors.New("quest is full")
	ErrUnauthorized     = errors.New("sign-in required to join this quest")
	ErrPasswordMismatch = errors.New("incorrect quest password")
	ErrQuestNotJoinable = errors.New("quest is closed to new players")
	ErrInvalidStatus    = errors.New("invalid quest status")
	ErrEmptyCode        = errors.New("quest code is empty")
)

// BackendError wraps a store failure with the operation and collection it
// happened in, so logs carry enough to find the offending document.
type BackendError struct {
	Op         string
	Collection string
	Err        error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s on %s: %v", e.Op, e.Collection, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

func backendErr(op, collection string, err error) error {
	return &BackendError{Op: op, Collection: collection, Err: err}
}
