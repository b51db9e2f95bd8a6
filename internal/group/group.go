// Package group provides the process group a worker belongs to: its rank,
// the world size, and a blocking broadcast used for the initial handshake.
package group

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidRank    = errors.New("group: invalid rank")
	ErrBroadcastOrder = errors.New("group: broadcast received out of order")
	ErrGroupClosed    = errors.New("group: closed")
)

// Group is the capability a worker needs from the process-group runtime.
type Group interface {
	Rank() int
	WorldSize() int

	// Broadcast distributes payload from root to every rank. The root passes
	// its payload; other ranks pass nil and receive the root's bytes. Every
	// rank must call Broadcast the same number of times, in the same order,
	// or the group deadlocks. There is no timeout beyond ctx.
	Broadcast(ctx context.Context, root int, payload []byte) ([]byte, error)

	Close() error
}

func checkRoot(root, size int) error {
	if root < 0 || root >= size {
		return fmt.Errorf("%w: root %d outside world of size %d", ErrInvalidRank, root, size)
	}
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
