package bus

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by Recv once the bus has been closed and the subscription has been drained.
var ErrClosed = errors.New("bus closed")

// LaggedError reports that a subscriber fell behind and Missed records were evicted from its buffer.
type LaggedError struct {
	Missed uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("subscriber lagged, %d records dropped", e.Missed)
}
