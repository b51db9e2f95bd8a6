package collective

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/fletcher-allreduce/internal/cache"
	"github.com/23skdu/fletcher-allreduce/internal/client"
)

const registerAction = "collective.register"

type registerRequest struct {
	Session   uuid.UUID `cbor:"session"`
	Rank      int       `cbor:"rank"`
	WorldSize int       `cbor:"world_size"`
	Addr      string    `cbor:"addr"`
}

type peerTable struct {
	Addrs []string `cbor:"addrs"`
}

// rendezvous collects one address per rank at the bootstrap root.
type rendezvous struct {
	session uuid.UUID
	size    int

	mu     sync.Mutex
	addrs  []string
	joined int
	done   chan struct{}
}

func newRendezvous(session uuid.UUID, size int) *rendezvous {
	return &rendezvous{
		session: session,
		size:    size,
		addrs:   make([]string, size),
		done:    make(chan struct{}),
	}
}

func (r *rendezvous) join(req registerRequest) error {
	if req.Session != r.session {
		return fmt.Errorf("%w: rank %d joined session %s, root serves %s", ErrSessionMismatch, req.Rank, req.Session, r.session)
	}
	if req.WorldSize != r.size {
		return fmt.Errorf("%w: rank %d expects %d ranks, root expects %d", ErrWorldSizeMismatch, req.Rank, req.WorldSize, r.size)
	}
	if req.Rank < 0 || req.Rank >= r.size {
		return fmt.Errorf("collective: rank %d outside world of %d", req.Rank, r.size)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.addrs[req.Rank] != "" {
		return fmt.Errorf("collective: rank %d registered twice", req.Rank)
	}
	r.addrs[req.Rank] = req.Addr
	r.joined++
	if r.joined == r.size {
		close(r.done)
	}
	return nil
}

// wait blocks until every rank has joined.
func (r *rendezvous) wait(ctx context.Context, closing <-chan struct{}) ([]string, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-closing:
		return nil, ErrClosed
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.addrs...), nil
}

// commServer receives ring chunks from the previous rank and, on rank 0,
// answers registrations.
type commServer struct {
	flight.BaseFlightServer
	session string
	rank    int
	alloc   memory.Allocator
	inbox   *cache.Mailbox[[]float64]
	rv      *rendezvous
	closing <-chan struct{}
}

func (s *commServer) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	path := reader.LatestFlightDescriptor().GetPath()
	if len(path) != 4 {
		return status.Errorf(codes.InvalidArgument, "chunk descriptor path %v, want [session seq phase step]", path)
	}
	if path[0] != s.session {
		return toStatus(fmt.Errorf("%w: chunk for session %s delivered to %s", ErrSessionMismatch, path[0], s.session))
	}

	var values []float64
	for reader.Next() {
		chunk, err := client.ChunkValues(reader.Record())
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		values = append(values, chunk...)
	}
	if err := reader.Err(); err != nil {
		return err
	}

	key := strings.Join(path[1:], "/")
	log.Debug().Int("rank", s.rank).Str("key", key).Int("len", len(values)).Msg("Chunk received")
	s.inbox.Put(key, values)
	chunksReceived.Inc()
	return nil
}

func (s *commServer) DoAction(action *flight.Action, stream flight.FlightService_DoActionServer) error {
	switch action.Type {
	case registerAction:
		if s.rv == nil {
			return status.Errorf(codes.FailedPrecondition, "rank %d is not the bootstrap root", s.rank)
		}
		var req registerRequest
		if err := cbor.Unmarshal(action.Body, &req); err != nil {
			return status.Errorf(codes.InvalidArgument, "decode registration: %v", err)
		}
		if err := s.rv.join(req); err != nil {
			registrations.WithLabelValues("rejected").Inc()
			log.Error().Err(err).Int("rank", req.Rank).Msg("Registration rejected")
			return toStatus(err)
		}
		registrations.WithLabelValues("accepted").Inc()
		log.Debug().Int("rank", req.Rank).Str("addr", req.Addr).Msg("Rank registered")

		addrs, err := s.rv.wait(stream.Context(), s.closing)
		if err != nil {
			return status.Error(codes.Unavailable, err.Error())
		}
		body, err := cbor.Marshal(peerTable{Addrs: addrs})
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		return stream.Send(&flight.Result{Body: body})
	default:
		return status.Errorf(codes.Unimplemented, "unknown action %q", action.Type)
	}
}
