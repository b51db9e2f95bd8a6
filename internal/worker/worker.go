// Package worker runs one rank of a distributed all-reduce: it agrees on a
// collective identifier with its group, reduces a random vector across all
// ranks and reports the mean of the result.
package worker

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/stat"

	"github.com/23skdu/fletcher-allreduce/internal/collective"
	"github.com/23skdu/fletcher-allreduce/internal/config"
	"github.com/23skdu/fletcher-allreduce/internal/device"
	"github.com/23skdu/fletcher-allreduce/internal/group"
)

var tracer = otel.Tracer("fletcher-worker")

// Worker is the entry point of one rank.
type Worker struct {
	cfg     config.Config
	group   group.Group
	backend device.Backend
	out     io.Writer
}

// New creates a worker. The summary line is written to out.
func New(cfg config.Config, g group.Group, backend device.Backend, out io.Writer) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Worker{
		cfg:     cfg,
		group:   g,
		backend: backend,
		out:     out,
	}, nil
}

// BootstrapGroup returns this process's rank and the world size.
func (w *Worker) BootstrapGroup() (rank, worldSize int) {
	return w.group.Rank(), w.group.WorldSize()
}

// EstablishCollectiveID creates the identifier on rank 0 and broadcasts it.
// Every rank calls it exactly once; non-root ranks block until the root
// has sent.
func (w *Worker) EstablishCollectiveID(ctx context.Context, rank int) (collective.UniqueID, error) {
	ctx, span := tracer.Start(ctx, "EstablishCollectiveID", trace.WithAttributes(attribute.Int("rank", rank)))
	defer span.End()

	var (
		id      collective.UniqueID
		payload []byte
	)
	if rank == 0 {
		var err error
		id, err = collective.NewUniqueID(w.cfg.Host)
		if err != nil {
			return collective.UniqueID{}, err
		}
		payload, err = id.Encode()
		if err != nil {
			id.Discard()
			return collective.UniqueID{}, err
		}
	}

	b, err := w.group.Broadcast(ctx, 0, payload)
	if err != nil {
		id.Discard()
		span.RecordError(err)
		return collective.UniqueID{}, fmt.Errorf("worker: broadcast collective id: %w", err)
	}
	if rank == 0 {
		return id, nil
	}
	return collective.DecodeUniqueID(b)
}

// PerformReduction sums a vector seeded by globalRank across worldSize ranks
// on the device at localRank and returns the mean of the result.
func (w *Worker) PerformReduction(ctx context.Context, localRank, globalRank int, id collective.UniqueID, worldSize, vectorLength int) (mean float64, err error) {
	ctx, span := tracer.Start(ctx, "PerformReduction", trace.WithAttributes(
		attribute.Int("rank", globalRank),
		attribute.Int("local_rank", localRank),
		attribute.Int("length", vectorLength),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	// Rank 0 keeps the bootstrap endpoint open only until its communicator takes it over.
	defer id.Discard()

	// Backends number devices by visible ordinal, so the local rank is passed as is.
	dev, err := w.backend.Open(localRank)
	if err != nil {
		return 0, fmt.Errorf("worker: bind device %d: %w", localRank, err)
	}
	defer func() {
		if err := dev.Release(); err != nil {
			log.Warn().Err(err).Int("device", localRank).Msg("Failed to release device")
		}
	}()
	event := log.Debug().Int("rank", globalRank).Int("device", localRank).Str("backend", w.backend.Name())
	if physical, err := device.PhysicalIndex(localRank); err == nil {
		event = event.Int("physical_device", physical)
	}
	event.Msg("Device bound")

	stream, err := dev.NewStream()
	if err != nil {
		return 0, fmt.Errorf("worker: create stream: %w", err)
	}
	// Buffers outlive every queued operation: free them once the stream is drained.
	var tensors []device.Tensor
	defer func() {
		if err := stream.Close(); err != nil {
			log.Warn().Err(err).Int("rank", globalRank).Msg("Stream closed with error")
		}
		for _, t := range tensors {
			t.Free()
		}
	}()

	gen := device.NewGenerator(w.cfg.RankSeed(globalRank))
	log.Debug().Int("rank", globalRank).Uint64("seed", gen.Seed()).Int("length", vectorLength).Msg("Generating input")
	x, err := gen.Uniform(dev, stream, vectorLength)
	if err != nil {
		return 0, fmt.Errorf("worker: allocate x: %w", err)
	}
	tensors = append(tensors, x)

	y, err := dev.Alloc(vectorLength)
	if err != nil {
		return 0, fmt.Errorf("worker: allocate y: %w", err)
	}
	tensors = append(tensors, y)

	comm, err := collective.NewCommunicator(ctx, worldSize, id, globalRank, collective.WithHost(w.cfg.Host))
	if err != nil {
		return 0, fmt.Errorf("worker: create communicator: %w", err)
	}
	defer comm.Close()

	if err := comm.AllReduce(x, y, collective.Float64, collective.Sum, stream); err != nil {
		return 0, err
	}
	log.Debug().
		Int("rank", comm.Rank()).
		Int("world_size", comm.Size()).
		Strs("peers", comm.Peers()).
		Msg("All-reduce enqueued")
	if err := stream.Synchronize(); err != nil {
		return 0, fmt.Errorf("worker: synchronize: %w", err)
	}

	used, total := dev.MemoryUsage()
	log.Debug().Int("rank", globalRank).Int64("allocated", used).Int64("total", total).Msg("Device memory")

	return stat.Mean(y.ToHost(), nil), nil
}

// Run executes the full rank lifecycle and writes "Rank: <rank> -> <mean>".
func (w *Worker) Run(ctx context.Context) error {
	rank, worldSize := w.BootstrapGroup()
	log.Info().Int("rank", rank).Int("world_size", worldSize).Msg("Worker started")

	id, err := w.EstablishCollectiveID(ctx, rank)
	if err != nil {
		return err
	}
	log.Debug().Int("rank", rank).Str("id", id.String()).Msg("Collective id established")

	mean, err := w.PerformReduction(ctx, w.cfg.LocalRank(rank), rank, id, worldSize, w.cfg.VectorLength)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w.out, "Rank: %d -> %v\n", rank, mean)
	return err
}
