package mirage

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/mirage-av/mirage/pkg/mirage/util"
)

const (
	crashlogFilename        = "mirage-crash-%s.log"
	crashlogTimestampFormat = "2006.01.02-15.04.05"

	crashMessage = `mirage crashed at %s

If this keeps happening, please open an issue at
https://github.com/mirage-av/mirage/issues/new and attach this file
together with logs/mirage-latest-run.log.

Panic: %s

%s`
)

// recoverFromPanic turns an unhandled panic into a crashlog file and an
// orderly shutdown. Deferred at the top of the run loop.
func (d *Mirage) recoverFromPanic() {
	r := recover()

	if r == nil {
		return
	}

	crashlogPath, err := d.writeCrashlog(r)
	if err != nil {
		// the crashlog is best effort; the log line below still carries
		// the panic value
		d.logger.Errorw("Failed to write crashlog", "error", err)
	} else {
		d.notifier.Notify("Unexpected crash occurred...",
			fmt.Sprintf("More details in %s", crashlogPath))
	}

	d.logger.Errorw("Encountered panic, crashing",
		"crashlogPath", crashlogPath,
		"error", r)

	d.signalStop()
	d.logger.Errorw("Quitting", "exitCode", 1)
	os.Exit(1)
}

func (d *Mirage) writeCrashlog(r any) (string, error) {
	now := time.Now()

	if err := util.EnsureDirExists(logDirectory); err != nil {
		return "", fmt.Errorf("ensure crashlog dir exists: %w", err)
	}

	contents := fmt.Sprintf(crashMessage, now.Format(crashlogTimestampFormat), r, debug.Stack())
	path := filepath.Join(logDirectory, fmt.Sprintf(crashlogFilename, now.Format(crashlogTimestampFormat)))

	if err := os.WriteFile(path, []byte(contents), os.ModePerm); err != nil {
		return "", fmt.Errorf("write crashlog file: %w", err)
	}

	return path, nil
}
