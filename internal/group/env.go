package group

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// Environment injected by the launcher.
const (
	RankEnvKey      = `FLETCHER_RANK`
	WorldSizeEnvKey = `FLETCHER_WORLD_SIZE`
	PeersEnvKey     = `FLETCHER_PEERS`

	ompiRankEnvKey = `OMPI_COMM_WORLD_RANK`
	ompiSizeEnvKey = `OMPI_COMM_WORLD_SIZE`
	pmiRankEnvKey  = `PMI_RANK`
	pmiSizeEnvKey  = `PMI_SIZE`
)

// DefaultBasePort is the first port of generated peer addresses.
const DefaultBasePort = 10000

var lookupEnv = os.LookupEnv

// Spec describes this process's place in the group.
type Spec struct {
	Rank      int
	WorldSize int
	// Peers holds the group server address of every rank, indexed by rank.
	Peers []string
}

func (s Spec) Validate() error {
	if s.WorldSize < 1 {
		return fmt.Errorf("%w: world size %d", ErrInvalidRank, s.WorldSize)
	}
	if s.Rank < 0 || s.Rank >= s.WorldSize {
		return fmt.Errorf("%w: rank %d outside world of size %d", ErrInvalidRank, s.Rank, s.WorldSize)
	}
	if s.WorldSize > 1 && len(s.Peers) != s.WorldSize {
		return fmt.Errorf("group: %d peer addresses for world size %d", len(s.Peers), s.WorldSize)
	}
	for _, p := range s.Peers {
		if _, _, err := net.SplitHostPort(p); err != nil {
			return fmt.Errorf("group: invalid peer address %q: %w", p, err)
		}
	}
	return nil
}

// ParseSpecFromEnv reads the launcher environment. FLETCHER_* variables take
// precedence over OpenMPI and PMI ones. Without any of them the process is
// a group of one.
func ParseSpecFromEnv() (Spec, error) {
	rank, size, found, err := rankAndSize()
	if err != nil {
		return Spec{}, err
	}
	if !found {
		return Spec{Rank: 0, WorldSize: 1}, nil
	}

	spec := Spec{Rank: rank, WorldSize: size}
	if val, ok := lookupEnv(PeersEnvKey); ok && strings.TrimSpace(val) != "" {
		for _, p := range strings.Split(val, ",") {
			spec.Peers = append(spec.Peers, strings.TrimSpace(p))
		}
	} else if size > 1 {
		// Only correct when every rank runs on this host.
		spec.Peers = GenPeerList("127.0.0.1", size, DefaultBasePort)
	}
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

// GenPeerList assigns consecutive ports on host to n ranks.
func GenPeerList(host string, n int, basePort int) []string {
	peers := make([]string, n)
	for i := range peers {
		peers[i] = net.JoinHostPort(host, strconv.Itoa(basePort+i))
	}
	return peers
}

func rankAndSize() (int, int, bool, error) {
	for _, keys := range [][2]string{
		{RankEnvKey, WorldSizeEnvKey},
		{ompiRankEnvKey, ompiSizeEnvKey},
		{pmiRankEnvKey, pmiSizeEnvKey},
	} {
		rankVal, okRank := lookupEnv(keys[0])
		sizeVal, okSize := lookupEnv(keys[1])
		if !okRank && !okSize {
			continue
		}
		if okRank != okSize {
			return 0, 0, false, fmt.Errorf("group: %s and %s must be set together", keys[0], keys[1])
		}
		rank, err := strconv.Atoi(rankVal)
		if err != nil {
			return 0, 0, false, fmt.Errorf("group: invalid %s=%q: %w", keys[0], rankVal, err)
		}
		size, err := strconv.Atoi(sizeVal)
		if err != nil {
			return 0, 0, false, fmt.Errorf("group: invalid %s=%q: %w", keys[1], sizeVal, err)
		}
		return rank, size, true, nil
	}
	return 0, 0, false, nil
}

// FromEnv forms the group described by the launcher environment.
func FromEnv() (Group, error) {
	spec, err := ParseSpecFromEnv()
	if err != nil {
		return nil, err
	}
	if spec.WorldSize == 1 {
		return Single(), nil
	}
	return NewFlightGroup(spec)
}
