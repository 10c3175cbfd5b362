package link

import "errors"

var (
	ErrNotOpen    = errors.New("link not open")
	ErrClosed     = errors.New("link closed")
	ErrICETimeout = errors.New("ICE connection timed out")
	ErrICEFailed  = errors.New("ICE connection failed")
)
