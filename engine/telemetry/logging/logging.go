// Package logging builds the process logger: prefixed, colorized console
// output plus a plain copy into the run's log.log file.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// LogFileName is the log file written inside the output directory.
const LogFileName = "log.log"

// Setup returns the root logger. When outputDir is non-empty a plain-text
// copy of every entry is appended to <outputDir>/log.log.
func Setup(level, outputDir string) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&prefixed.TextFormatter{
		ForceColors:     true,
		ForceFormatting: true,
		FullTimestamp:   true,
	})
	if err := SetLevel(logger, level); err != nil {
		return nil, err
	}
	if outputDir != "" {
		f, err := os.OpenFile(filepath.Join(outputDir, LogFileName),
			os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		logger.AddHook(&fileHook{file: f})
	}
	return logger, nil
}

// SetLevel parses and applies a level name; it is also used by the runtime
// config watcher to change verbosity mid-run.
func SetLevel(logger *logrus.Logger, level string) error {
	if level == "" {
		level = "info"
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logger.SetLevel(parsed)
	return nil
}

// fileHook mirrors entries into the run log with a plain formatter, keeping
// ANSI colors out of the file.
type fileHook struct {
	file      io.Writer
	formatter logrus.Formatter
}

func (h *fileHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *fileHook) Fire(entry *logrus.Entry) error {
	if h.formatter == nil {
		h.formatter = &logrus.TextFormatter{DisableColors: true, FullTimestamp: true}
	}
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.file.Write(line)
	return err
}
