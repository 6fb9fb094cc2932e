package msicfb

import "log/slog"

// logger is the package-level diagnostic sink for Open and Write. It
// defaults to slog's default logger; callers embedding this core in a
// larger signing tool can redirect it with SetLogger so allocation and
// replacement decisions land in the host tool's own log stream.
var logger = slog.Default()

// SetLogger overrides the logger used for writer and reader diagnostics.
func SetLogger(l *slog.Logger) {
	if l != nil {
		logger = l
	}
}

func logDebug(msg string, args ...any) { logger.Debug(msg, args...) }
func logWarn(msg string, args ...any)  { logger.Warn(msg, args...) }
