package session

import "errors"

var (
	ErrConnectionClosed = errors.New("session: connection closed")
	ErrResponseTimeout  = errors.New("session: response timeout")
	ErrSubmitTimeout    = errors.New("session: submit timeout")
	ErrBusy             = errors.New("session: request already in flight")
	ErrCanceled         = errors.New("session: request canceled")
	ErrClosed           = errors.New("session: closed by caller")
	ErrIDsExhausted     = errors.New("session: no free request id")
	ErrNilRequest       = errors.New("session: nil request")
)
