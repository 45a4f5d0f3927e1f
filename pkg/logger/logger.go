// Package logger owns the process-wide structured loggers: an application
// logger for diagnostics and a dedicated audit trail that keeps a durable
// record of every irreversible escrow action.
package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Config describes how the application logger should behave.
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	Audit       AuditConfig
}

// AuditConfig controls the audit trail output. The audit log records escrow
// funding and settlement, so it rotates instead of truncating.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	once        sync.Once
	initErr     error
	appLogger   *slog.Logger
	auditLogger *slog.Logger
	closers     []io.Closer
)

// Init configures the global loggers. The first call wins; later calls
// return the outcome of the first.
func Init(cfg Config) error {
	once.Do(func() {
		handler, err := buildHandler(cfg)
		if err != nil {
			initErr = err
			return
		}
		appLogger = slog.New(handler)

		// Without a dedicated audit sink the trail shares the app outputs.
		auditLogger = appLogger
		if cfg.Audit.Enabled {
			auditLogger, initErr = buildAuditLogger(cfg.Audit)
		}
	})
	return initErr
}

func buildHandler(cfg Config) (slog.Handler, error) {
	writer, err := combineOutputs(cfg.OutputPaths)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: true}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.NewTextHandler(writer, opts), nil
	}
	return slog.NewJSONHandler(writer, opts), nil
}

// combineOutputs resolves the configured paths into a single writer. An
// empty list means stdout.
func combineOutputs(paths []string) (io.Writer, error) {
	if len(paths) == 0 {
		return os.Stdout, nil
	}
	writers := make([]io.Writer, 0, len(paths))
	for _, path := range paths {
		switch strings.ToLower(path) {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("create log directory: %w", err)
			}
			file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open log file %s: %w", path, err)
			}
			closers = append(closers, file)
			writers = append(writers, file)
		}
	}
	if len(writers) == 1 {
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}

func buildAuditLogger(cfg AuditConfig) (*slog.Logger, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log path cannot be empty when enabled")
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 100
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 7
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 30
	}

	writer, err := newRotatingWriter(cfg.Path, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
	if err != nil {
		return nil, err
	}
	closers = append(closers, writer)
	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(handler).With("stream", "audit"), nil
}

func parseLevel(raw string) slog.Level {
	name := strings.TrimSpace(raw)
	if strings.EqualFold(name, "warning") {
		name = "warn"
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// L returns the application logger.
func L() *slog.Logger {
	if appLogger == nil {
		_ = Init(Config{})
	}
	if appLogger == nil {
		return slog.Default()
	}
	return appLogger
}

// Audit returns the audit trail logger.
func Audit() *slog.Logger {
	if auditLogger == nil {
		return L()
	}
	return auditLogger
}

// AuditFunded records a completed escrow funding.
func AuditFunded(taskID, agentName, payer, amount string) {
	Audit().Info("escrow task funded",
		"event", "escrow.funded", "task_id", taskID, "agent", agentName,
		"payer", payer, "amount", amount)
}

// AuditSettled records a completed settlement and the spend transaction.
func AuditSettled(taskID, agentName, amount, txHash string) {
	Audit().Info("escrow task settled",
		"event", "escrow.settled", "task_id", taskID, "agent", agentName,
		"amount", amount, "tx_hash", txHash)
}

// AuditSettleFailed records a settlement that did not land. The funds stay
// locked in the vault until someone intervenes, so the failure belongs in
// the durable trail rather than only in diagnostics.
func AuditSettleFailed(taskID, agentName, amount string, err error) {
	Audit().Error("escrow settlement failed",
		"event", "escrow.settle_failed", "task_id", taskID, "agent", agentName,
		"amount", amount, "error", err)
}

// Sync closes every file-backed output.
func Sync() error {
	var err error
	for _, closer := range closers {
		err = errors.Join(err, closer.Close())
	}
	closers = nil
	return err
}

// Named returns a child logger scoped to a component.
func Named(name string) *slog.Logger {
	return L().WithGroup(name)
}
