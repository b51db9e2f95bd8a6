package collective

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/fletcher-allreduce/internal/cache"
	"github.com/23skdu/fletcher-allreduce/internal/client"
	"github.com/23skdu/fletcher-allreduce/internal/device"
)

var tracer = otel.Tracer("fletcher-collective")

const (
	phaseReduceScatter = "rs"
	phaseAllGather     = "ag"
)

type options struct {
	host     string
	listener net.Listener
}

type Option func(*options)

// WithHost sets the host a non-root rank binds and advertises.
func WithHost(host string) Option {
	return func(o *options) {
		o.host = host
	}
}

// WithListener serves ring traffic of a non-root rank on lis.
func WithListener(lis net.Listener) Option {
	return func(o *options) {
		o.listener = lis
	}
}

// Communicator is one rank's membership in a ring of worldSize ranks.
// Every rank of the world must issue the same sequence of collectives.
type Communicator struct {
	rank  int
	size  int
	id    UniqueID
	peers []string

	ctx    context.Context
	cancel context.CancelFunc
	server flight.Server
	inbox  *cache.Mailbox[[]float64]
	next   *client.FlightClient

	mu     sync.Mutex
	seq    uint64
	closed bool
}

// NewCommunicator joins the world named by id as rank. It blocks until all
// worldSize ranks have registered with the bootstrap root. Rank 0 must run
// in the process that created id.
func NewCommunicator(ctx context.Context, worldSize int, id UniqueID, rank int, opts ...Option) (*Communicator, error) {
	if worldSize < 1 {
		return nil, fmt.Errorf("collective: world size %d must be positive", worldSize)
	}
	if rank < 0 || rank >= worldSize {
		return nil, fmt.Errorf("collective: rank %d outside world of %d", rank, worldSize)
	}
	if err := id.Validate(); err != nil {
		return nil, err
	}
	o := options{host: "127.0.0.1"}
	for _, opt := range opts {
		opt(&o)
	}

	var (
		lis       net.Listener
		advertise string
		rv        *rendezvous
	)
	if rank == 0 {
		l, ok := takeRoot(id.Session)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotRoot, id)
		}
		lis, advertise = l, id.Root
		rv = newRendezvous(id.Session, worldSize)
	} else {
		lis = o.listener
		if lis == nil {
			l, err := net.Listen("tcp", net.JoinHostPort(o.host, "0"))
			if err != nil {
				return nil, fmt.Errorf("collective: rank %d listen: %w", rank, err)
			}
			lis = l
		}
		port := lis.Addr().(*net.TCPAddr).Port
		advertise = net.JoinHostPort(o.host, strconv.Itoa(port))
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &Communicator{
		rank:   rank,
		size:   worldSize,
		id:     id,
		ctx:    cctx,
		cancel: cancel,
		inbox:  cache.NewMailbox[[]float64](),
	}

	c.server = flight.NewServerWithMiddleware(nil)
	c.server.RegisterFlightService(&commServer{
		session: id.Session.String(),
		rank:    rank,
		alloc:   memory.NewGoAllocator(),
		inbox:   c.inbox,
		rv:      rv,
		closing: cctx.Done(),
	})
	c.server.InitListener(lis)
	go func() {
		if err := c.server.Serve(); err != nil {
			log.Error().Err(err).Int("rank", rank).Msg("Collective server failed")
		}
	}()

	peers, err := register(ctx, id, registerRequest{
		Session:   id.Session,
		Rank:      rank,
		WorldSize: worldSize,
		Addr:      advertise,
	})
	if err != nil {
		c.Close()
		return nil, err
	}
	c.peers = peers

	if worldSize > 1 {
		next := peers[(rank+1)%worldSize]
		nc, err := client.NewFlightClient(next)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("collective: dial rank %d at %s: %w", (rank+1)%worldSize, next, err)
		}
		c.next = nc
	}

	log.Info().
		Int("rank", rank).
		Int("world_size", worldSize).
		Str("session", id.Session.String()).
		Str("addr", advertise).
		Msg("Communicator ready")
	return c, nil
}

func register(ctx context.Context, id UniqueID, req registerRequest) ([]string, error) {
	root, err := client.NewFlightClient(id.Root)
	if err != nil {
		return nil, fmt.Errorf("collective: dial bootstrap root %s: %w", id.Root, err)
	}
	defer root.Close()

	body, err := cbor.Marshal(req)
	if err != nil {
		return nil, err
	}
	resp, err := root.DoAction(ctx, registerAction, body)
	if err != nil && ctx.Err() != nil {
		return nil, fmt.Errorf("collective: rank %d register with %s: %w", req.Rank, id.Root, ctx.Err())
	}
	if err != nil {
		return nil, fmt.Errorf("collective: rank %d register with %s: %w", req.Rank, id.Root, fromStatus(err))
	}
	var table peerTable
	if err := cbor.Unmarshal(resp, &table); err != nil {
		return nil, fmt.Errorf("collective: decode peer table: %w", err)
	}
	if len(table.Addrs) != req.WorldSize {
		return nil, fmt.Errorf("%w: peer table has %d ranks, want %d", ErrWorldSizeMismatch, len(table.Addrs), req.WorldSize)
	}
	return table.Addrs, nil
}

func (c *Communicator) Rank() int {
	return c.rank
}

func (c *Communicator) Size() int {
	return c.size
}

// Peers returns the advertised address of every rank.
func (c *Communicator) Peers() []string {
	return append([]string(nil), c.peers...)
}

// AllReduce enqueues recv = op(send over all ranks) on stream and returns
// without waiting. send and recv may be the same tensor.
func (c *Communicator) AllReduce(send, recv device.Tensor, dtype DataType, op Op, stream device.Stream) error {
	if dtype != Float64 {
		return fmt.Errorf("%w: data type %s", ErrUnsupported, dtype)
	}
	if !op.valid() {
		return fmt.Errorf("%w: %s", ErrUnsupported, op)
	}
	if send.Len() != recv.Len() {
		return fmt.Errorf("collective: send has %d elements, recv has %d", send.Len(), recv.Len())
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	return stream.Enqueue("allreduce", func() error {
		return c.allReduce(seq, send, recv, dtype, op)
	})
}

func (c *Communicator) allReduce(seq uint64, send, recv device.Tensor, dtype DataType, op Op) (err error) {
	ctx, span := tracer.Start(c.ctx, "AllReduce", trace.WithAttributes(
		attribute.Int("rank", c.rank),
		attribute.Int("world_size", c.size),
		attribute.Int("length", send.Len()),
		attribute.String("op", op.String()),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		allReduceDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, err.Error())
			allReduceTotal.WithLabelValues(op.String(), "error").Inc()
			return
		}
		allReduceTotal.WithLabelValues(op.String(), "ok").Inc()
		allReduceBytes.WithLabelValues(dtype.String()).Add(float64(send.Len() * dtype.Size()))
	}()

	in, out := send.Data(), recv.Data()
	if in == nil || out == nil {
		// Not host addressable: stage through host memory.
		work := send.ToHost()
		if err := c.ring(ctx, seq, work, op); err != nil {
			return err
		}
		recv.CopyFromFloat64(work)
		return nil
	}
	if !sameBuffer(in, out) {
		copy(out, in)
	}
	return c.ring(ctx, seq, out, op)
}

func sameBuffer(a, b []float64) bool {
	return len(a) > 0 && len(b) > 0 && &a[0] == &b[0]
}

// ring runs reduce-scatter then allgather over work in place. Rank r sends
// to r+1 and receives from r-1. After reduce-scatter rank r owns the fully
// reduced chunk r+1.
func (c *Communicator) ring(ctx context.Context, seq uint64, work []float64, op Op) error {
	n := c.size
	if n == 1 {
		return nil
	}
	parts := EvenPartition(len(work), n)

	for step := 0; step < n-1; step++ {
		out := parts[mod(c.rank-step, n)]
		in := parts[mod(c.rank-step-1, n)]
		if err := c.send(ctx, seq, phaseReduceScatter, step, work[out.Begin:out.End]); err != nil {
			return err
		}
		chunk, err := c.recv(ctx, seq, phaseReduceScatter, step, in.Len())
		if err != nil {
			return err
		}
		Transform(work[in.Begin:in.End], chunk, op)
	}

	for step := 0; step < n-1; step++ {
		out := parts[mod(c.rank+1-step, n)]
		in := parts[mod(c.rank-step, n)]
		if err := c.send(ctx, seq, phaseAllGather, step, work[out.Begin:out.End]); err != nil {
			return err
		}
		chunk, err := c.recv(ctx, seq, phaseAllGather, step, in.Len())
		if err != nil {
			return err
		}
		copy(work[in.Begin:in.End], chunk)
	}
	return nil
}

func (c *Communicator) send(ctx context.Context, seq uint64, phase string, step int, values []float64) error {
	path := []string{c.id.Session.String(), strconv.FormatUint(seq, 10), phase, strconv.Itoa(step)}
	if err := c.next.DoPut(ctx, path, values); err != nil {
		if c.ctx.Err() != nil {
			return ErrClosed
		}
		return fmt.Errorf("collective: rank %d send %s step %d of #%d to %s: %w", c.rank, phase, step, seq, c.next.Addr(), fromStatus(err))
	}
	return nil
}

func (c *Communicator) recv(ctx context.Context, seq uint64, phase string, step int, want int) ([]float64, error) {
	key := chunkKey(seq, phase, step)
	chunk, err := c.inbox.Take(ctx, key)
	if err != nil {
		if errors.Is(err, context.Canceled) && c.ctx.Err() != nil {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("collective: rank %d waiting for %s: %w", c.rank, key, err)
	}
	if len(chunk) != want {
		return nil, fmt.Errorf("collective: chunk %s has %d elements, want %d", key, len(chunk), want)
	}
	return chunk, nil
}

func chunkKey(seq uint64, phase string, step int) string {
	return strconv.FormatUint(seq, 10) + "/" + phase + "/" + strconv.Itoa(step)
}

func mod(a, n int) int {
	return ((a % n) + n) % n
}

// Close aborts pending collectives and stops serving peers. It is safe to
// call more than once.
func (c *Communicator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.server.Shutdown()
	if pending := c.inbox.Size(); pending > 0 {
		log.Warn().Int("rank", c.rank).Int("chunks", pending).Msg("Communicator closed with undelivered chunks")
	}
	if c.next != nil {
		if err := c.next.Close(); err != nil {
			log.Warn().Err(err).Str("addr", c.next.Addr()).Msg("Failed to close ring client")
		}
	}
	return nil
}
