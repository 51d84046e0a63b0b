package decode

import (
	"log/slog"
	"strings"
)

// parseLogLine splits a line printed by ffmpeg with -loglevel level+...
// into its level and message. Lines look like "[error] msg" or
// "[h264 @ 0x55d0] [warning] msg"; the component prefix is kept in the
// message. Lines without a level are reported as info.
func parseLogLine(line string) (slog.Level, string) {
	rest, ok := strings.CutPrefix(line, "[")
	if !ok {
		return slog.LevelInfo, line
	}
	tag, msg, ok := strings.Cut(rest, "] ")
	if !ok {
		return slog.LevelInfo, line
	}
	if level, ok := ffmpegLevel(tag); ok {
		return level, msg
	}

	component := line[:len(tag)+3]
	if inner, ok := strings.CutPrefix(msg, "["); ok {
		if tag, tail, ok := strings.Cut(inner, "] "); ok {
			if level, ok := ffmpegLevel(tag); ok {
				return level, component + tail
			}
		}
	}
	return slog.LevelInfo, line
}

func ffmpegLevel(s string) (slog.Level, bool) {
	switch s {
	case "quiet", "panic", "fatal", "error":
		return slog.LevelError, true
	case "warning":
		return slog.LevelWarn, true
	case "info":
		return slog.LevelInfo, true
	case "verbose", "debug", "trace":
		return slog.LevelDebug, true
	}
	return 0, false
}
