package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// FlightClient talks to a peer's Flight server. Calls wait for the peer to
// become reachable instead of failing fast, so a rank may dial a peer that
// has not started listening yet.
type FlightClient struct {
	addr    string
	client  flight.Client
	conn    *grpc.ClientConn
	builder *RecordBatchBuilder
}

// NewFlightClient creates a new Flight client for the given address.
func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.WaitForReady(true)),
	)
	if err != nil {
		return nil, err
	}

	return &FlightClient{
		addr:    addr,
		client:  flight.NewClientFromConn(conn, nil),
		conn:    conn,
		builder: NewRecordBatchBuilder(memory.NewGoAllocator()),
	}, nil
}

func (c *FlightClient) Addr() string {
	return c.addr
}

// DoPut sends values as one record batch tagged with the descriptor path.
// It returns once the peer has consumed the stream.
func (c *FlightClient) DoPut(ctx context.Context, path []string, values []float64) error {
	desc := &flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: path,
	}

	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return err
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(ChunkSchema))
	// The descriptor travels with the first message written.
	writer.SetFlightDescriptor(desc)

	for _, batch := range splitBatches(values, MaxBatchRows) {
		rec := c.builder.BuildRecordBatch(batch)
		err := writer.Write(rec)
		rec.Release()
		if err != nil {
			_ = writer.Close()
			return err
		}
	}
	if err := writer.Close(); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
	}

	bytesSent.WithLabelValues("put").Add(float64(len(values) * 8))
	requestsTotal.WithLabelValues("put").Inc()
	return nil
}

// MaxBatchRows bounds a single record batch so each Flight message stays
// below the default gRPC message size limit of 4MB.
const MaxBatchRows = 1 << 18

// splitBatches always returns at least one batch so empty chunks still
// produce a record on the wire.
func splitBatches(values []float64, size int) [][]float64 {
	if len(values) <= size {
		return [][]float64{values}
	}
	batches := make([][]float64, 0, (len(values)+size-1)/size)
	for start := 0; start < len(values); start += size {
		end := min(start+size, len(values))
		batches = append(batches, values[start:end])
	}
	return batches
}

// DoAction runs the named action and returns the body of its first result.
func (c *FlightClient) DoAction(ctx context.Context, actionType string, body []byte) ([]byte, error) {
	stream, err := c.client.DoAction(ctx, &flight.Action{Type: actionType, Body: body})
	if err != nil {
		return nil, err
	}

	var out []byte
	got := false
	for {
		res, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if !got {
			out = res.Body
			got = true
		}
	}
	if !got {
		return nil, fmt.Errorf("action %q on %s returned no result", actionType, c.addr)
	}

	bytesSent.WithLabelValues("action").Add(float64(len(body)))
	requestsTotal.WithLabelValues("action").Inc()
	return out, nil
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}
