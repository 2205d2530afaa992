// Package driftlog provides the structured logger shared by every DriftDB
// component.
//
// What: a zerolog.Logger factory with per-component context fields.
// How: mirrors cuemby-warren's pkg/log wrapper — a package-level default
// logger plus a With-style constructor for component-scoped children —
// rather than tinySQL's bare fmt.Printf/log.Printf calls in wal_advanced.go.
// Why: every log line in the engine needs to be filterable by component and
// table without grepping message text.
package driftlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// base is the process-wide root logger. Component loggers are derived from
// it via For so that a single level/output change propagates everywhere.
var base = newBase(os.Stderr, zerolog.InfoLevel)

func newBase(w io.Writer, level zerolog.Level) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// SetLevel adjusts the process-wide minimum log level.
func SetLevel(level zerolog.Level) {
	base = base.Level(level)
}

// SetOutput redirects the process-wide logger to w, preserving its level.
func SetOutput(w io.Writer) {
	base = newBase(w, base.GetLevel())
}

// For returns a logger scoped to component, e.g. For("wal"), For("mvcc").
func For(component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}

// ForTable returns a logger scoped to a component and a table name, the
// pairing almost every storage-layer log line in this engine needs.
func ForTable(component, table string) zerolog.Logger {
	return base.With().Str("component", component).Str("table", table).Logger()
}
