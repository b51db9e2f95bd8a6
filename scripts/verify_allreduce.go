//go:build ignore

// Launches a local world of reduceworker processes and checks that every
// rank reports the same mean.
//
//	go build -o /tmp/reduceworker ./cmd/reduceworker
//	go run scripts/verify_allreduce.go /tmp/reduceworker 4
package main

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/fletcher-allreduce/internal/group"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if len(os.Args) < 2 {
		log.Fatal().Msg("usage: verify_allreduce <reduceworker binary> [world size] [length]")
	}
	bin := os.Args[1]
	n := 2
	if len(os.Args) > 2 {
		v, err := strconv.Atoi(os.Args[2])
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid world size")
		}
		n = v
	}
	length := "1000000"
	if len(os.Args) > 3 {
		length = os.Args[3]
	}

	peers := strings.Join(group.GenPeerList("127.0.0.1", n, group.DefaultBasePort), ",")
	log.Info().Int("world_size", n).Str("peers", peers).Msg("Launching ranks")

	outs := make([]bytes.Buffer, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		cmd := exec.Command(bin, "--length", length, "--log-level", "warn")
		cmd.Env = append(os.Environ(),
			group.RankEnvKey+"="+strconv.Itoa(r),
			group.WorldSizeEnvKey+"="+strconv.Itoa(n),
			group.PeersEnvKey+"="+peers,
		)
		cmd.Stdout = &outs[r]
		cmd.Stderr = os.Stderr
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			errs[r] = cmd.Run()
		}(r)
	}
	wg.Wait()

	var first string
	for r := 0; r < n; r++ {
		if errs[r] != nil {
			log.Fatal().Err(errs[r]).Int("rank", r).Msg("Rank failed")
		}
		line := strings.TrimSpace(outs[r].String())
		_, mean, ok := strings.Cut(line, " -> ")
		if !ok {
			log.Fatal().Int("rank", r).Str("output", line).Msg("Unexpected output")
		}
		if r == 0 {
			first = mean
		} else if mean != first {
			log.Fatal().Int("rank", r).Str("mean", mean).Str("rank0", first).Msg("Mean mismatch")
		}
		log.Info().Int("rank", r).Str("mean", mean).Msg("Rank reported")
	}

	fmt.Println("VERIFICATION PASSED")
}
