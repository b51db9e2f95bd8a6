package worker

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/fletcher-allreduce/internal/collective"
	"github.com/23skdu/fletcher-allreduce/internal/config"
	"github.com/23skdu/fletcher-allreduce/internal/device"
	"github.com/23skdu/fletcher-allreduce/internal/group"
)

func testConfig(length int) config.Config {
	cfg := config.Default()
	cfg.VectorLength = length
	return cfg
}

// parseLine extracts rank and mean from "Rank: <rank> -> <mean>".
func parseLine(t *testing.T, line string) (int, float64) {
	t.Helper()
	line = strings.TrimSuffix(line, "\n")
	require.True(t, strings.HasPrefix(line, "Rank: "), line)
	parts := strings.SplitN(strings.TrimPrefix(line, "Rank: "), " -> ", 2)
	require.Len(t, parts, 2, line)
	rank, err := strconv.Atoi(parts[0])
	require.NoError(t, err)
	mean, err := strconv.ParseFloat(parts[1], 64)
	require.NoError(t, err)
	return rank, mean
}

func runWorld(t *testing.T, cfg config.Config, n int) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	backend := device.NewCPUBackend(cfg.GPUsPerNode, 0)
	groups := group.NewLocal(n)
	outs := make([]bytes.Buffer, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		w, err := New(cfg, groups[r], backend, &outs[r])
		require.NoError(t, err)
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			errs[r] = w.Run(ctx)
		}(r)
	}
	wg.Wait()

	lines := make([]string, n)
	for r := range lines {
		require.NoError(t, errs[r], "rank %d", r)
		lines[r] = outs[r].String()
	}
	return lines
}

func TestRun_TwoRanks(t *testing.T) {
	const length = 4
	cfg := testConfig(length)

	x0 := make([]float64, length)
	x1 := make([]float64, length)
	device.NewGenerator(42).Fill(x0)
	device.NewGenerator(43).Fill(x1)
	var want float64
	for i := range x0 {
		want += x0[i] + x1[i]
	}
	want /= length

	lines := runWorld(t, cfg, 2)
	means := make([]float64, 2)
	for r, line := range lines {
		rank, mean := parseLine(t, line)
		assert.Equal(t, r, rank)
		means[r] = mean
		assert.InDelta(t, want, mean, 1e-12)
	}
	assert.Equal(t, means[0], means[1])
}

func TestRun_SingleRank(t *testing.T) {
	cfg := testConfig(100)

	x := make([]float64, 100)
	device.NewGenerator(42).Fill(x)
	var want float64
	for _, v := range x {
		want += v
	}
	want /= 100

	lines := runWorld(t, cfg, 1)
	rank, mean := parseLine(t, lines[0])
	assert.Equal(t, 0, rank)
	assert.InDelta(t, want, mean, 1e-12)
}

func TestRun_ThreeRanksOddLength(t *testing.T) {
	cfg := testConfig(1001)
	cfg.GPUsPerNode = 2

	lines := runWorld(t, cfg, 3)
	_, first := parseLine(t, lines[0])
	for _, line := range lines[1:] {
		_, mean := parseLine(t, line)
		assert.Equal(t, first, mean)
	}
	// Three uniform [0,1) vectors sum to a mean near 1.5.
	assert.InDelta(t, 1.5, first, 0.1)
}

// CUDA_VISIBLE_DEVICES names physical GPUs; it must not change which
// backend ordinal a rank opens.
func TestRun_IgnoresVisibleDevices(t *testing.T) {
	t.Setenv("CUDA_VISIBLE_DEVICES", "5")
	lines := runWorld(t, testConfig(8), 1)
	rank, _ := parseLine(t, lines[0])
	assert.Equal(t, 0, rank)

	t.Setenv("CUDA_VISIBLE_DEVICES", "0")
	lines = runWorld(t, testConfig(4), 2)
	_, mean0 := parseLine(t, lines[0])
	_, mean1 := parseLine(t, lines[1])
	assert.Equal(t, mean0, mean1)
}

func TestEstablishCollectiveID(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	groups := group.NewLocal(3)
	ids := make([]collective.UniqueID, 3)
	errs := make([]error, 3)
	var wg sync.WaitGroup
	for r := range groups {
		w, err := New(testConfig(1), groups[r], device.NewCPUBackend(1, 0), &bytes.Buffer{})
		require.NoError(t, err)
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			ids[r], errs[r] = w.EstablishCollectiveID(ctx, r)
		}(r)
	}
	wg.Wait()

	for r := range ids {
		require.NoError(t, errs[r])
		assert.Equal(t, ids[0], ids[r])
	}
	ids[0].Discard()
}

// Without a root broadcast the other ranks stay blocked until the caller
// gives up.
func TestEstablishCollectiveID_RootNeverSends(t *testing.T) {
	groups := group.NewLocal(2)
	w, err := New(testConfig(1), groups[1], device.NewCPUBackend(1, 0), &bytes.Buffer{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = w.EstablishCollectiveID(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPerformReduction_InvalidDevice(t *testing.T) {
	w, err := New(testConfig(4), group.Single(), device.NewCPUBackend(1, 0), &bytes.Buffer{})
	require.NoError(t, err)

	id, err := collective.NewUniqueID("127.0.0.1")
	require.NoError(t, err)

	_, err = w.PerformReduction(context.Background(), 1, 0, id, 1, 4)
	assert.ErrorIs(t, err, device.ErrInvalidDevice)
}

func TestPerformReduction_OutOfMemory(t *testing.T) {
	// Room for x but not for y.
	backend := device.NewCPUBackend(1, 40)
	w, err := New(testConfig(4), group.Single(), backend, &bytes.Buffer{})
	require.NoError(t, err)

	id, err := collective.NewUniqueID("127.0.0.1")
	require.NoError(t, err)

	_, err = w.PerformReduction(context.Background(), 0, 0, id, 1, 4)
	assert.ErrorIs(t, err, device.ErrOutOfMemory)

	dev, err := backend.Open(0)
	require.NoError(t, err)
	used, total := dev.MemoryUsage()
	assert.Zero(t, used)
	assert.Equal(t, int64(40), total)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.GPUsPerNode = 0
	_, err := New(cfg, group.Single(), device.NewCPUBackend(1, 0), &bytes.Buffer{})
	assert.Error(t, err)
}
