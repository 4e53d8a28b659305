package main

import (
	"io"
	"log/slog"
	"log/syslog"
	"os"
)

// newLogger builds the process-wide structured logger. By default records
// go to syslog (spec §6: "Logs via syslog by default, stdout when
// flagged"); -vv/--logstdout switches to stdout instead. The returned
// closer releases the syslog connection, if any.
func newLogger(logOnStdout bool) (*slog.Logger, func()) {
	var w io.Writer = os.Stdout
	closer := func() {}

	if !logOnStdout {
		sw, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_INFO, "acsgwd")
		if err != nil {
			// Fall back to stdout; the daemon must never fail to start
			// just because syslog is unavailable.
			w = os.Stdout
		} else {
			w = sw
			closer = func() { _ = sw.Close() }
		}
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), closer
}
