package collective

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/fletcher-allreduce/internal/device"
)

func newComms(t *testing.T, n int) []*Communicator {
	t.Helper()
	id, err := NewUniqueID("127.0.0.1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	comms := make([]*Communicator, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			comms[rank], errs[rank] = NewCommunicator(ctx, n, id, rank)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "rank %d", i)
		c := comms[i]
		t.Cleanup(func() { _ = c.Close() })
	}
	return comms
}

// allReduce runs one collective over inputs[r] on rank r and returns every
// rank's result.
func allReduce(t *testing.T, comms []*Communicator, inputs [][]float64, op Op) [][]float64 {
	t.Helper()
	backend := device.NewCPUBackend(len(comms), 0)

	type rankState struct {
		send, recv device.Tensor
		stream     device.Stream
	}
	states := make([]rankState, len(comms))
	for r, c := range comms {
		dev, err := backend.Open(r)
		require.NoError(t, err)
		send, err := dev.Alloc(len(inputs[r]))
		require.NoError(t, err)
		send.CopyFromFloat64(inputs[r])
		recv, err := dev.Alloc(len(inputs[r]))
		require.NoError(t, err)
		stream, err := dev.NewStream()
		require.NoError(t, err)
		states[r] = rankState{send: send, recv: recv, stream: stream}

		require.NoError(t, c.AllReduce(send, recv, Float64, op, stream))
	}

	out := make([][]float64, len(comms))
	for r, st := range states {
		require.NoError(t, st.stream.Synchronize(), "rank %d", r)
		out[r] = st.recv.ToHost()
		require.NoError(t, st.stream.Close())
		st.send.Free()
		st.recv.Free()
	}
	return out
}

func rankInputs(n, length int) [][]float64 {
	inputs := make([][]float64, n)
	for r := range inputs {
		inputs[r] = make([]float64, length)
		for i := range inputs[r] {
			inputs[r][i] = float64(r*1000 + i%97)
		}
	}
	return inputs
}

func TestAllReduce_Sum(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5} {
		comms := newComms(t, n)
		for _, length := range []int{0, 1, 7, 1337} {
			t.Run(fmt.Sprintf("n=%d/len=%d", n, length), func(t *testing.T) {
				inputs := rankInputs(n, length)
				want := make([]float64, length)
				for _, in := range inputs {
					for i, v := range in {
						want[i] += v
					}
				}
				for r, got := range allReduce(t, comms, inputs, Sum) {
					assert.Equal(t, want, got, "rank %d", r)
				}
			})
		}
	}
}

func TestAllReduce_Ops(t *testing.T) {
	comms := newComms(t, 3)
	inputs := [][]float64{
		{1, -2, 3, 4},
		{2, 5, -1, 0.5},
		{3, 1, 2, 2},
	}
	tests := []struct {
		op   Op
		want []float64
	}{
		{Sum, []float64{6, 4, 4, 6.5}},
		{Prod, []float64{6, -10, -6, 4}},
		{Min, []float64{1, -2, -1, 0.5}},
		{Max, []float64{3, 5, 3, 4}},
	}
	for _, tt := range tests {
		for r, got := range allReduce(t, comms, inputs, tt.op) {
			assert.Equal(t, tt.want, got, "%s on rank %d", tt.op, r)
		}
	}
}

func TestAllReduce_SingleRankCopies(t *testing.T) {
	comms := newComms(t, 1)
	in := []float64{0.25, 0.5, 0.75}
	got := allReduce(t, comms, [][]float64{in}, Sum)
	assert.Equal(t, in, got[0])
}

func TestAllReduce_InPlace(t *testing.T) {
	comms := newComms(t, 2)
	backend := device.NewCPUBackend(2, 0)

	tensors := make([]device.Tensor, 2)
	streams := make([]device.Stream, 2)
	for r, c := range comms {
		dev, err := backend.Open(r)
		require.NoError(t, err)
		tensors[r], err = dev.Alloc(3)
		require.NoError(t, err)
		tensors[r].CopyFromFloat64([]float64{1, 2, float64(r)})
		streams[r], err = dev.NewStream()
		require.NoError(t, err)
		require.NoError(t, c.AllReduce(tensors[r], tensors[r], Float64, Sum, streams[r]))
	}
	for r := range comms {
		require.NoError(t, streams[r].Synchronize())
		assert.Equal(t, []float64{2, 4, 1}, tensors[r].ToHost())
		_ = streams[r].Close()
	}
}

// hostOnly hides the backing slice, as real device memory would.
type hostOnly struct {
	device.Tensor
}

func (hostOnly) Data() []float64 { return nil }

func TestAllReduce_StagesNonAddressableMemory(t *testing.T) {
	comms := newComms(t, 2)
	backend := device.NewCPUBackend(2, 0)

	recvs := make([]device.Tensor, 2)
	streams := make([]device.Stream, 2)
	for r, c := range comms {
		dev, err := backend.Open(r)
		require.NoError(t, err)
		send, err := dev.Alloc(2)
		require.NoError(t, err)
		send.CopyFromFloat64([]float64{float64(r + 1), 10})
		recvs[r], err = dev.Alloc(2)
		require.NoError(t, err)
		streams[r], err = dev.NewStream()
		require.NoError(t, err)
		require.NoError(t, c.AllReduce(hostOnly{send}, hostOnly{recvs[r]}, Float64, Sum, streams[r]))
	}
	for r := range comms {
		require.NoError(t, streams[r].Synchronize())
		assert.Equal(t, []float64{3, 20}, recvs[r].ToHost())
	}
}

func TestAllReduce_Reuse(t *testing.T) {
	comms := newComms(t, 3)
	for round := 0; round < 4; round++ {
		inputs := rankInputs(3, 10+round)
		want := make([]float64, len(inputs[0]))
		for _, in := range inputs {
			for i, v := range in {
				want[i] += v
			}
		}
		for _, got := range allReduce(t, comms, inputs, Sum) {
			assert.Equal(t, want, got, "round %d", round)
		}
	}
	// Every chunk a peer delivered was consumed.
	for r, c := range comms {
		assert.Zero(t, c.inbox.Size(), "rank %d", r)
	}
}

func TestAllReduce_Rejects(t *testing.T) {
	comms := newComms(t, 1)
	dev, err := device.NewCPUBackend(1, 0).Open(0)
	require.NoError(t, err)
	a, err := dev.Alloc(2)
	require.NoError(t, err)
	b, err := dev.Alloc(3)
	require.NoError(t, err)
	stream, err := dev.NewStream()
	require.NoError(t, err)
	defer stream.Close()

	assert.ErrorIs(t, comms[0].AllReduce(a, a, DataType(7), Sum, stream), ErrUnsupported)
	assert.ErrorIs(t, comms[0].AllReduce(a, a, Float64, Op(42), stream), ErrUnsupported)
	assert.Error(t, comms[0].AllReduce(a, b, Float64, Sum, stream))

	require.NoError(t, comms[0].Close())
	assert.ErrorIs(t, comms[0].AllReduce(a, a, Float64, Sum, stream), ErrClosed)
	assert.NoError(t, comms[0].Close())
}

func TestNewCommunicator_WorldSizeMismatch(t *testing.T) {
	id, err := NewUniqueID("127.0.0.1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rootErr := make(chan error, 1)
	go func() {
		// The root keeps waiting for a second well-formed rank.
		rootCtx, rootCancel := context.WithTimeout(ctx, 2*time.Second)
		defer rootCancel()
		c, err := NewCommunicator(rootCtx, 2, id, 0)
		if c != nil {
			_ = c.Close()
		}
		rootErr <- err
	}()

	_, err = NewCommunicator(ctx, 3, id, 1)
	assert.ErrorIs(t, err, ErrWorldSizeMismatch)
	assert.ErrorIs(t, <-rootErr, context.DeadlineExceeded)
}

func TestNewCommunicator_NotRoot(t *testing.T) {
	id, err := NewUniqueID("127.0.0.1")
	require.NoError(t, err)
	id.Discard()

	_, err = NewCommunicator(context.Background(), 1, id, 0)
	assert.ErrorIs(t, err, ErrNotRoot)
}

func TestNewCommunicator_InvalidArgs(t *testing.T) {
	id, err := NewUniqueID("127.0.0.1")
	require.NoError(t, err)
	defer id.Discard()

	_, err = NewCommunicator(context.Background(), 0, id, 0)
	assert.Error(t, err)
	_, err = NewCommunicator(context.Background(), 2, id, 2)
	assert.Error(t, err)
	_, err = NewCommunicator(context.Background(), 2, UniqueID{}, 1)
	assert.ErrorIs(t, err, ErrInvalidID)
}

// Ranks block in construction until the root shows up.
func TestNewCommunicator_WaitsForRoot(t *testing.T) {
	id, err := NewUniqueID("127.0.0.1")
	require.NoError(t, err)
	defer id.Discard()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err = NewCommunicator(ctx, 2, id, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCommunicator_Peers(t *testing.T) {
	comms := newComms(t, 3)
	for r, c := range comms {
		assert.Equal(t, r, c.Rank())
		assert.Equal(t, 3, c.Size())
		assert.Equal(t, comms[0].Peers(), c.Peers())
	}
	assert.Equal(t, comms[0].id.Root, comms[0].Peers()[0])
}
