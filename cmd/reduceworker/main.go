// Command reduceworker runs one rank of a distributed all-reduce. Start one
// instance per device; the launcher tells each instance its rank.
package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Initialize logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	if err := newRootCommand(run).Execute(); err != nil {
		log.Fatal().Err(err).Msg("Reduction worker failed")
	}
}
