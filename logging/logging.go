// Package logging wires the hclog.Logger shared by the driver and executor
// processes, matching the teacher's convention of a single named root
// logger handed down to every component via constructor injection.
package logging

import (
	"io"
	"os"

	hclog "github.com/hashicorp/go-hclog"
)

// New builds the root logger for a process. name becomes the logger's
// top-level name (e.g. "driver", "executor").
func New(name string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      hclog.LevelFromString(levelFromEnv()),
		Output:     output(),
		JSONFormat: os.Getenv("SKEWTUNE_LOG_JSON") != "",
	})
}

func levelFromEnv() string {
	if lvl := os.Getenv("SKEWTUNE_LOG_LEVEL"); lvl != "" {
		return lvl
	}
	return "info"
}

func output() io.Writer {
	return os.Stderr
}
