package logging

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
)

// New builds the root logger every component derives its named logger from.
func New(level string, json bool) hclog.Logger {
	return NewWithOutput(os.Stderr, level, json)
}

func NewWithOutput(w io.Writer, level string, json bool) hclog.Logger {
	lvl := hclog.LevelFromString(level)
	if lvl == hclog.NoLevel {
		lvl = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       "subfield",
		Level:      lvl,
		Output:     w,
		JSONFormat: json,
	})
}
