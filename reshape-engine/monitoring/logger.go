package monitoring

import (
	"fmt"
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Log formats.
const (
	FormatLogfmt = "logfmt"
	FormatJSON   = "json"
)

// Levels lists the accepted level names.
var Levels = []string{"debug", "info", "warn", "error"}

// NewLogger builds a logger writing to stderr.
func NewLogger(levelName, format string) (log.Logger, error) {
	return NewLoggerTo(os.Stderr, levelName, format)
}

// NewLoggerTo builds a leveled logger writing to w. Every entry carries a
// UTC timestamp and the caller.
func NewLoggerTo(w io.Writer, levelName, format string) (log.Logger, error) {
	allow, err := ParseLevel(levelName)
	if err != nil {
		return nil, err
	}

	sync := log.NewSyncWriter(w)

	var logger log.Logger
	switch format {
	case FormatLogfmt, "":
		logger = log.NewLogfmtLogger(sync)
	case FormatJSON:
		logger = log.NewJSONLogger(sync)
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	logger = level.NewFilter(logger, allow)
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller), nil
}

// ParseLevel maps a level name to a level filter option.
func ParseLevel(name string) (level.Option, error) {
	switch name {
	case "debug":
		return level.AllowDebug(), nil
	case "info", "":
		return level.AllowInfo(), nil
	case "warn":
		return level.AllowWarn(), nil
	case "error":
		return level.AllowError(), nil
	}
	return nil, fmt.Errorf("unknown log level %q", name)
}
