package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Module names used across the application.
const (
	ModuleMain    = "main"
	ModuleV4L2    = "v4l2"
	ModuleUVC     = "uvc"
	ModuleCapture = "capture"
	ModuleDecode  = "decode"
	ModuleConfig  = "config"
	ModuleHotplug = "hotplug"
	ModuleMetrics = "metrics"
)

var (
	moduleLoggers   = make(map[string]*slog.Logger)
	moduleLevelVars = make(map[string]*slog.LevelVar)
	globalConfig    Config
	globalLevelVar  = &slog.LevelVar{}
	activeFormat    = "text"
	isInitialized   bool
	mutex           sync.RWMutex

	// output receives the text or JSON stream; journald gets its own copy.
	output io.Writer = os.Stdout
)

// Config represents logging configuration.
type Config struct {
	Level   string            `toml:"level"`
	Format  string            `toml:"format"`
	Modules map[string]string `toml:"modules"`
}

// Initialize sets up the logging system. Loggers handed out earlier keep
// working: their levels follow the new configuration, and they are rebuilt
// only when the output format changes.
func Initialize(config Config) {
	mutex.Lock()
	defer mutex.Unlock()

	globalConfig = config
	isInitialized = true

	format := config.Format
	if format == "" {
		format = "text"
	}
	rebuild := format != activeFormat
	activeFormat = format

	globalLevelVar.Set(levelFor(config, ""))

	for module, levelVar := range moduleLevelVars {
		levelVar.Set(levelFor(config, module))
		if rebuild {
			moduleLoggers[module] = slog.New(createHandler(format, levelVar)).With("module", module)
		}
	}

	slog.SetDefault(slog.New(createHandler(format, globalLevelVar)))
}

// GetLogger returns a logger for the specified module, creating it if needed.
func GetLogger(module string) *slog.Logger {
	mutex.RLock()
	if logger, exists := moduleLoggers[module]; exists {
		mutex.RUnlock()
		return logger
	}
	mutex.RUnlock()

	mutex.Lock()
	defer mutex.Unlock()

	if logger, exists := moduleLoggers[module]; exists {
		return logger
	}

	// Each module owns a LevelVar so its level can change at runtime.
	levelVar := &slog.LevelVar{}
	if isInitialized {
		levelVar.Set(levelFor(globalConfig, module))
	} else {
		levelVar.Set(slog.LevelInfo)
	}

	logger := slog.New(createHandler(activeFormat, levelVar)).With("module", module)
	moduleLoggers[module] = logger
	moduleLevelVars[module] = levelVar
	return logger
}

// SetModuleLevel changes the level of one module at runtime.
func SetModuleLevel(module, level string) bool {
	parsed, ok := parseLevel(level)
	if !ok {
		return false
	}
	GetLogger(module)

	mutex.Lock()
	defer mutex.Unlock()
	moduleLevelVars[module].Set(parsed)
	return true
}

func levelFor(config Config, module string) slog.Level {
	level, ok := parseLevel(config.Level)
	if !ok {
		level = slog.LevelInfo
	}
	if module == "" {
		return level
	}
	if override, exists := config.Modules[module]; exists {
		if parsed, ok := parseLevel(override); ok {
			level = parsed
		}
	}
	return level
}

// createHandler creates a slog handler with the specified format and level.
// Logs to stdout and to the journal when available.
func createHandler(format string, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}

	var stdoutHandler slog.Handler
	if format == "json" {
		stdoutHandler = slog.NewJSONHandler(output, opts)
	} else {
		stdoutHandler = slog.NewTextHandler(output, opts)
	}

	var handlers []slog.Handler
	if output != os.Stdout || isStdoutAvailable() {
		handlers = append(handlers, stdoutHandler)
	}
	if IsJournalAvailable() {
		handlers = append(handlers, NewJournalHandler(level))
	}

	switch len(handlers) {
	case 0:
		return stdoutHandler
	case 1:
		return handlers[0]
	default:
		return NewMultiHandler(handlers...)
	}
}

// isStdoutAvailable checks if stdout is connected to a terminal, pipe, socket, or file.
func isStdoutAvailable() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	mode := fi.Mode()
	// /dev/null is a ModeDevice without ModeCharDevice semantics we care about.
	return (mode&os.ModeCharDevice) != 0 || (mode&os.ModeNamedPipe) != 0 || (mode&os.ModeSocket) != 0 || mode.IsRegular()
}

func parseLevel(level string) (slog.Level, bool) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return 0, false
	}
}
