package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New builds the structured JSON logger for a dispatch process. Every
// line carries the service name so multiple workers can be told apart
// when their logs land in the same stream. Unknown levels fall back to
// info rather than failing startup.
func New(service, level string) *slog.Logger {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lv = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lv})
	return slog.New(handler).With("service", service)
}
