package mesh

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownPeer = errors.New("unknown peer")
	ErrUnknownKey  = errors.New("unknown connection key")
	ErrClosed      = errors.New("mesh closed")
)

// NegotiationError reports a connection attempt that never reached the
// handshake.
type NegotiationError struct {
	Op  string
	Key string
	Err error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}
