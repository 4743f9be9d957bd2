// Package logging builds the process-wide slog handler. It is the one
// piece of ambient setup the teacher repo's main.go imports but whose
// source was never checked in alongside it; the shape below follows the
// only surviving evidence of intent, the text handler + level threshold
// the teacher's own test helper constructs by hand.
package logging

import (
	"log/slog"
	"os"
)

type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// New returns a logger writing structured text records to stdout at the
// given threshold, with source location attached to every record when the
// threshold is debug.
func New(level Level) *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:     level,
		AddSource: level <= LevelDebug,
	})
	return slog.New(handler)
}

// Discard returns a logger that drops everything, for use in tests that
// don't want to assert on log output but still need a non-nil *slog.Logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: LevelError + 1}))
}
