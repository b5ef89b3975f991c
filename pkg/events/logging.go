package events

import (
	"context"
	"log"
	"log/slog"
	"os"
	"strings"
)

// ConfigureLogging installs a structured slog handler at the given level
// and redirects stdlib log.Printf calls through it, so a component using
// the familiar log.Printf("[Tag] ...") style is never silenced by a
// stricter level filter. Call once at process startup before creating a
// MeshNodeFacade.
func ConfigureLogging(level string) {
	lvl := parseLevel(level)
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))

	log.SetOutput(&slogWriter{level: lvl})
	log.SetFlags(0)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type slogWriter struct {
	level slog.Level
}

func (w *slogWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")
	slog.Log(context.Background(), w.level, msg)
	return len(p), nil
}
