package device

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// https://devblogs.nvidia.com/cuda-pro-tip-control-gpu-visibility-cuda_visible_devices/
const cudaVisibleDevicesKey = `CUDA_VISIBLE_DEVICES`

var lookupEnv = os.LookupEnv

var errInvalidCudaVisibleDevices = errors.New("invalid " + cudaVisibleDevicesKey)

// PhysicalIndex returns the physical GPU id behind a visible device ordinal.
// Backends are opened by ordinal; the physical id is only reported. Without
// CUDA_VISIBLE_DEVICES the ordinal is the physical id.
func PhysicalIndex(localRank int) (int, error) {
	if localRank < 0 {
		return -1, fmt.Errorf("%w: local rank %d", ErrInvalidDevice, localRank)
	}
	val, ok := lookupEnv(cudaVisibleDevicesKey)
	if !ok {
		return localRank, nil
	}
	ids, err := parseCudaVisibleDevices(val)
	if err != nil {
		return -1, fmt.Errorf("%w: %s=%q", err, cudaVisibleDevicesKey, val)
	}
	if len(ids) <= localRank {
		return -1, fmt.Errorf("%w: %s=%q is not enough for local rank %d",
			ErrInvalidDevice, cudaVisibleDevicesKey, val, localRank)
	}
	return ids[localRank], nil
}

func parseCudaVisibleDevices(val string) ([]int, error) {
	if len(val) == 0 {
		return nil, nil
	}
	parts := strings.Split(val, ",")
	set := make(map[int]struct{})
	var ids []int
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, errInvalidCudaVisibleDevices
		}
		if n < 0 {
			continue
		}
		if _, ok := set[n]; ok {
			return nil, errInvalidCudaVisibleDevices
		}
		set[n] = struct{}{}
		ids = append(ids, n)
	}
	return ids, nil
}
