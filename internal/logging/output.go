package logging

import (
	"io"
	"os"
)

// stdout is separated out so tests can swap the sink.
var stdoutOverride io.Writer

func stdout() io.Writer {
	if stdoutOverride != nil {
		return stdoutOverride
	}
	return os.Stdout
}
