// Package logger builds the per-run structured logger. Records go to the
// console and to the run's log file in the same text format.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// EncryptLogPath is <dir>/<client>/ebs_encryption_<profile>.log
func EncryptLogPath(dir, client, profile string) string {
	return filepath.Join(dir, client, fmt.Sprintf("ebs_encryption_%s.log", profile))
}

// ScanLogPath is <dir>/<client>/gather_instances_info_<client>.log
func ScanLogPath(dir, client string) string {
	return filepath.Join(dir, client, fmt.Sprintf("gather_instances_info_%s.log", client))
}

// Options configures a run logger.
type Options struct {
	// Console receives every record; nil means os.Stdout.
	Console io.Writer
	// FilePath is the run's log file; empty disables file output.
	FilePath string
	// Append keeps previous runs in FilePath instead of truncating it.
	Append bool
	Level  slog.Level
}

// Run is a logger bound to one run and its log file.
type Run struct {
	*slog.Logger
	file *os.File
}

// New creates the run logger, creating the log directory when needed.
func New(opts Options) (*Run, error) {
	console := opts.Console
	if console == nil {
		console = os.Stdout
	}

	out := console
	var file *os.File
	if opts.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.FilePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		flags := os.O_CREATE | os.O_WRONLY
		if opts.Append {
			flags |= os.O_APPEND
		} else {
			flags |= os.O_TRUNC
		}
		f, err := os.OpenFile(opts.FilePath, flags, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		file = f
		out = io.MultiWriter(console, f)
	}

	handler := slog.NewTextHandler(out, &slog.HandlerOptions{Level: opts.Level})
	return &Run{Logger: slog.New(handler), file: file}, nil
}

// Path returns the log file path, or "" when logging to the console only.
func (r *Run) Path() string {
	if r.file == nil {
		return ""
	}
	return r.file.Name()
}

// Sync flushes the log file to disk.
func (r *Run) Sync() error {
	if r.file == nil {
		return nil
	}
	return r.file.Sync()
}

// Close flushes and closes the log file.
func (r *Run) Close() error {
	if r.file == nil {
		return nil
	}
	if err := r.file.Sync(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}
