package log

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/kettlelinna/shuttle/pkg/types"
)

// Logger is the process-wide root logger. Before Init it discards
// everything, so library code can log unconditionally.
var Logger = zerolog.Nop()

// Config holds logging configuration
type Config struct {
	// Level names a zerolog level ("debug", "info", ...). Unknown or
	// empty falls back to info.
	Level  string
	JSON   bool
	Output io.Writer
}

// Init builds the root logger. The level is attached to the logger
// itself rather than the global filter, so tests and embedded use can
// re-Init without cross-talk.
func Init(cfg Config) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if !cfg.JSON {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05.000"}
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	Logger = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// For returns a child logger tagged with a component name.
func For(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// ForWorker tags lines with the identity a worker registers under, so
// data-path logs correlate with the registry and the part file names.
func ForWorker(w types.WorkerDetail) zerolog.Logger {
	return Logger.With().
		Str("worker_id", w.ID()).
		Str("cluster", w.Cluster).
		Logger()
}

// ForStage tags lines with the shuffle output a code path is serving.
// Every record the data plane moves belongs to exactly one of these.
func ForStage(component string, s types.StageShuffleId) zerolog.Logger {
	return Logger.With().
		Str("component", component).
		Str("app_id", s.AppID).
		Int("shuffle_id", s.ShuffleID).
		Int("stage_attempt", s.StageAttempt).
		Logger()
}

// ForPartition narrows a stage logger to one partition.
func ForPartition(component string, p types.PartitionShuffleId) zerolog.Logger {
	return ForStage(component, p.Stage).With().
		Int("partition_id", p.PartitionID).
		Logger()
}
