package mesh

import (
	"io"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with helpers for the consensus pipeline.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger with the given handler.
// If handler is nil, a text handler writing to stderr at info level is used.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewTextLogger creates a Logger writing human-readable lines to w.
func NewTextLogger(w io.Writer, level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// NoopLogger discards everything. It is the default for builders.
func NoopLogger() *Logger {
	return NewLogger(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.Level(1000),
	}))
}

// WithReconstruction tags log lines with a reconstruction name.
func (l *Logger) WithReconstruction(name string) *Logger {
	return &Logger{Logger: l.Logger.With("reconstruction", name)}
}

// LogPreprocess logs the result of preprocessing one reconstruction.
func (l *Logger) LogPreprocess(name string, before, after int) {
	l.Debug("preprocessed reconstruction",
		"reconstruction", name,
		"branches_before", before,
		"branches_after", after,
	)
}

// LogIncorporation logs the outcome of incorporating one reconstruction.
func (l *Logger) LogIncorporation(s IncorporationStats) {
	l.Info("incorporated reconstruction",
		"reconstruction", s.Name,
		"matches", s.Matches,
		"dropped", s.Dropped,
		"rounds", s.Rounds,
		"new_branches", s.NewBranches,
		"composite_branches", s.CompositeBranches,
	)
}

// LogBuild logs the end of a composite build.
func (l *Logger) LogBuild(reconstructions, branches int, err error) {
	if err != nil {
		l.Error("composite build failed",
			"reconstructions", reconstructions,
			"error", err,
		)
		return
	}
	l.Info("composite built",
		"reconstructions", reconstructions,
		"branches", branches,
	)
}
