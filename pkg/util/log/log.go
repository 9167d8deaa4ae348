// Package log provides the process-wide logger used by every component in
// this repository. It follows the same go-kit/log + level-filter
// convention used across the rest of the pack: one logfmt logger, wrapped
// once with a level filter, and never constructed again.
package log

import (
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Logger is the package-wide logger. InitLogger replaces it once, at
// startup; everything else just logs through this value.
var Logger log.Logger = level.NewFilter(
	log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr)),
	level.AllowInfo(),
)

// InitLogger rebuilds Logger from a textual level ("debug", "info",
// "warn", "error"; anything else means "info"). The rebuilt logger
// always adds a UTC timestamp and the caller to every line.
func InitLogger(levelName string) {
	base := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	base = log.With(base, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	var opt level.Option
	switch levelName {
	case "debug":
		opt = level.AllowDebug()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		opt = level.AllowInfo()
	}

	Logger = level.NewFilter(base, opt)
}
