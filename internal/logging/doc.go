// Package logging provides structured logging with per-module log level configuration.
//
// # Overview
//
// The logging system uses Go's slog package with automatic output routing:
//   - Logs to systemd journal when available (Linux systems with journald)
//   - Logs to stdout when a terminal, pipe, or file is connected
//   - Logs to both when both are available
//
// # Usage
//
// Initialize the logging system once at startup:
//
//	logging.Initialize(logging.Config{
//		Level:  "info",      // Global log level: debug, info, warn, error
//		Format: "text",      // Output format: text or json
//		Modules: map[string]string{
//			"uvc":  "debug",  // Per-module overrides
//			"v4l2": "warn",
//		},
//	})
//
// Get a logger for your module:
//
//	logger := logging.GetLogger(logging.ModuleCapture)
//	logger.Info("Streaming started", "device", path)
//	logger.Debug("Committed probe", "probe", pc)
//	logger.Warn("Something unusual", "error", err)
//	logger.Error("Failed", "error", err)
//
// Add contextual attributes:
//
//	logger := logging.GetLogger("capture").With("device", path)
//	logger.Info("Frame timeout")  // Includes device in all logs
//
// # Log Levels
//
//	debug - Verbose debugging information
//	info  - General operational messages
//	warn  - Warning conditions
//	error - Error conditions
//
// # Output Destinations
//
// The system automatically detects available outputs:
//
//	Journal available + stdout available → MultiHandler (both)
//	Journal available only              → JournalHandler
//	Stdout available only               → TextHandler or JSONHandler
//
// Journal availability is checked via [github.com/coreos/go-systemd/v22/journal.Enabled].
//
// # Viewing Logs
//
// When running as a systemd service or on a system with journald:
//
//	journalctl -t uvccap              # All uvccap logs
//	journalctl -t uvccap -f           # Follow live
//	journalctl -t uvccap --since "5m" # Last 5 minutes
//	journalctl -t uvccap -p err       # Errors only
//
// Filter by structured fields:
//
//	journalctl -t uvccap MODULE=uvc
//	journalctl -t uvccap DEVICE=/dev/video0
//
// # Configuration
//
// Log levels can be set globally or per-module. Module-specific levels
// override the global level for that module only.
//
// Example TOML configuration:
//
//	[logging]
//	level = "info"
//	format = "text"
//
//	[logging.modules]
//	uvc = "debug"
//	v4l2 = "warn"
//	hotplug = "error"
package logging
