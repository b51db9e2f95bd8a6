package group

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/fletcher-allreduce/internal/cache"
	"github.com/23skdu/fletcher-allreduce/internal/client"
)

const bcastAction = "group.bcast"

type bcastMessage struct {
	Seq     uint64 `cbor:"seq"`
	Root    int    `cbor:"root"`
	Payload []byte `cbor:"payload"`
}

type groupServer struct {
	flight.BaseFlightServer
	rank  int
	inbox *cache.Mailbox[bcastMessage]
}

func (s *groupServer) DoAction(action *flight.Action, stream flight.FlightService_DoActionServer) error {
	switch action.Type {
	case bcastAction:
		var msg bcastMessage
		if err := cbor.Unmarshal(action.Body, &msg); err != nil {
			return status.Errorf(codes.InvalidArgument, "decode broadcast: %v", err)
		}
		log.Debug().Int("rank", s.rank).Uint64("seq", msg.Seq).Int("root", msg.Root).Msg("Broadcast received")
		s.inbox.Put(seqKey(msg.Seq), msg)
		return stream.Send(&flight.Result{Body: []byte("ok")})
	default:
		return status.Errorf(codes.Unimplemented, "unknown action %q", action.Type)
	}
}

func seqKey(seq uint64) string {
	return strconv.FormatUint(seq, 10)
}

type options struct {
	listener net.Listener
}

type Option func(*options)

// WithListener serves the group on lis instead of binding the rank's peer address.
func WithListener(lis net.Listener) Option {
	return func(o *options) {
		o.listener = lis
	}
}

// FlightGroup is a networked group. Each rank serves an Arrow Flight
// endpoint; the broadcast root pushes its payload to every peer.
type FlightGroup struct {
	spec    Spec
	server  flight.Server
	inbox   *cache.Mailbox[bcastMessage]
	clients []*client.FlightClient

	mu     sync.Mutex
	seq    uint64
	closed bool
}

// ensure interface compliance
var _ Group = (*FlightGroup)(nil)
var _ Group = (*LocalGroup)(nil)

func NewFlightGroup(spec Spec, opts ...Option) (*FlightGroup, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	g := &FlightGroup{
		spec:    spec,
		inbox:   cache.NewMailbox[bcastMessage](),
		clients: make([]*client.FlightClient, spec.WorldSize),
	}

	g.server = flight.NewServerWithMiddleware(nil)
	g.server.RegisterFlightService(&groupServer{rank: spec.Rank, inbox: g.inbox})
	if o.listener != nil {
		g.server.InitListener(o.listener)
	} else if err := g.server.Init(spec.Peers[spec.Rank]); err != nil {
		return nil, fmt.Errorf("group: listen on %s: %w", spec.Peers[spec.Rank], err)
	}

	for i, addr := range spec.Peers {
		if i == spec.Rank {
			continue
		}
		c, err := client.NewFlightClient(addr)
		if err != nil {
			g.closeClients()
			return nil, fmt.Errorf("group: dial rank %d at %s: %w", i, addr, err)
		}
		g.clients[i] = c
	}

	go func() {
		if err := g.server.Serve(); err != nil {
			log.Error().Err(err).Int("rank", spec.Rank).Msg("Group server failed")
		}
	}()

	log.Info().
		Int("rank", spec.Rank).
		Int("world_size", spec.WorldSize).
		Str("addr", g.server.Addr().String()).
		Msg("Process group formed")
	return g, nil
}

func (g *FlightGroup) Rank() int {
	return g.spec.Rank
}

func (g *FlightGroup) WorldSize() int {
	return g.spec.WorldSize
}

// Addr returns the address the group server listens on.
func (g *FlightGroup) Addr() string {
	return g.server.Addr().String()
}

func (g *FlightGroup) Broadcast(ctx context.Context, root int, payload []byte) ([]byte, error) {
	if err := checkRoot(root, g.spec.WorldSize); err != nil {
		return nil, err
	}
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, ErrGroupClosed
	}
	g.seq++
	seq := g.seq
	g.mu.Unlock()

	start := time.Now()
	defer func() {
		broadcastDuration.Observe(time.Since(start).Seconds())
	}()

	if g.spec.Rank != root {
		msg, err := g.inbox.Take(ctx, seqKey(seq))
		if err != nil {
			return nil, fmt.Errorf("group: rank %d waiting for broadcast #%d: %w", g.spec.Rank, seq, err)
		}
		if msg.Root != root {
			return nil, fmt.Errorf("%w: broadcast #%d came from %d, expected %d", ErrBroadcastOrder, seq, msg.Root, root)
		}
		broadcastsTotal.WithLabelValues("receiver").Inc()
		return msg.Payload, nil
	}

	body, err := cbor.Marshal(bcastMessage{Seq: seq, Root: root, Payload: payload})
	if err != nil {
		return nil, err
	}
	eg, ctx := errgroup.WithContext(ctx)
	for i, c := range g.clients {
		if c == nil {
			continue
		}
		i, c := i, c
		eg.Go(func() error {
			if _, err := c.DoAction(ctx, bcastAction, body); err != nil {
				return fmt.Errorf("group: broadcast #%d to rank %d at %s: %w", seq, i, c.Addr(), err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	broadcastsTotal.WithLabelValues("root").Inc()
	return clone(payload), nil
}

func (g *FlightGroup) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()

	g.server.Shutdown()
	g.closeClients()
	return nil
}

func (g *FlightGroup) closeClients() {
	for _, c := range g.clients {
		if c != nil {
			if err := c.Close(); err != nil {
				log.Warn().Err(err).Str("addr", c.Addr()).Msg("Failed to close peer client")
			}
		}
	}
}
