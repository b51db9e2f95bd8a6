package group

import (
	"context"
	"fmt"
	"sync"
)

type localMessage struct {
	seq     uint64
	root    int
	payload []byte
}

// localHub connects in-process ranks through channels.
type localHub struct {
	inboxes []chan localMessage
}

// LocalGroup is one rank of an in-process group. It stands in for the
// process-group runtime when all ranks live in the same process.
type LocalGroup struct {
	hub  *localHub
	rank int

	mu     sync.Mutex
	seq    uint64
	closed bool
}

// NewLocal creates n connected in-process ranks.
func NewLocal(n int) []*LocalGroup {
	hub := &localHub{inboxes: make([]chan localMessage, n)}
	groups := make([]*LocalGroup, n)
	for i := range groups {
		hub.inboxes[i] = make(chan localMessage, 64)
		groups[i] = &LocalGroup{hub: hub, rank: i}
	}
	return groups
}

// Single returns a group of one rank.
func Single() *LocalGroup {
	return NewLocal(1)[0]
}

func (g *LocalGroup) Rank() int {
	return g.rank
}

func (g *LocalGroup) WorldSize() int {
	return len(g.hub.inboxes)
}

func (g *LocalGroup) nextSeq() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return 0, ErrGroupClosed
	}
	g.seq++
	return g.seq, nil
}

func (g *LocalGroup) Broadcast(ctx context.Context, root int, payload []byte) ([]byte, error) {
	if err := checkRoot(root, g.WorldSize()); err != nil {
		return nil, err
	}
	seq, err := g.nextSeq()
	if err != nil {
		return nil, err
	}

	if g.rank == root {
		for i, inbox := range g.hub.inboxes {
			if i == root {
				continue
			}
			select {
			case inbox <- localMessage{seq: seq, root: root, payload: clone(payload)}:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return clone(payload), nil
	}

	select {
	case msg := <-g.hub.inboxes[g.rank]:
		if msg.seq != seq || msg.root != root {
			return nil, fmt.Errorf("%w: rank %d expected broadcast #%d from %d, got #%d from %d",
				ErrBroadcastOrder, g.rank, seq, root, msg.seq, msg.root)
		}
		return msg.payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *LocalGroup) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}
