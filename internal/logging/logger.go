// Package logging provides zap logger helpers and the optionally encrypted
// run log file.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the console style and the optional log file.
type Config struct {
	Development bool
	// File is the JSON-lines log path. Empty disables the file sink.
	File string
	// Encrypt seals each file line with Key (DefaultKey when empty).
	Encrypt bool
	Key     string
}

// New builds a zap.Logger configured for development or production,
// teed into the log file when cfg.File is set. The returned func flushes
// and closes the file.
func New(cfg Config) (*zap.Logger, func(), error) {
	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zcfg = zap.NewProductionConfig()
		zcfg.DisableStacktrace = false
	}
	zcfg.EncoderConfig.TimeKey = "ts"

	var opts []zap.Option
	closeFile := func() {}
	if cfg.File != "" {
		core, closer, err := newFileCore(cfg)
		if err != nil {
			return nil, nil, err
		}
		closeFile = closer
		opts = append(opts, zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return zapcore.NewTee(c, core)
		}))
	}

	logger, err := zcfg.Build(opts...)
	if err != nil {
		closeFile()
		if cfg.Development {
			return nil, nil, fmt.Errorf("build dev logger: %w", err)
		}
		return nil, nil, fmt.Errorf("build prod logger: %w", err)
	}
	return logger, func() {
		_ = logger.Sync()
		closeFile()
	}, nil
}

// FileEncoderConfig is the layout of log file lines.
func FileEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}
}

func newFileCore(cfg Config) (zapcore.Core, func(), error) {
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o750); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	var sink zapcore.WriteSyncer = f
	if cfg.Encrypt {
		key := cfg.Key
		if key == "" {
			key = DefaultKey
		}
		enc, err := NewEncryptingWriteSyncer(f, key)
		if err != nil {
			_ = f.Close()
			return nil, nil, err
		}
		sink = enc
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(FileEncoderConfig()), zapcore.Lock(sink), zapcore.DebugLevel)
	return core.With(hostFields()), func() { _ = f.Close() }, nil
}

func hostFields() []zap.Field {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return []zap.Field{zap.String("platform", runtime.GOOS), zap.String("hostname", hostname)}
}

// EncryptingWriteSyncer seals every line written to it.
type EncryptingWriteSyncer struct {
	mu     sync.Mutex
	next   zapcore.WriteSyncer
	cipher *Cipher
}

// NewEncryptingWriteSyncer wraps next, sealing lines with a key derived from passphrase.
func NewEncryptingWriteSyncer(next zapcore.WriteSyncer, passphrase string) (*EncryptingWriteSyncer, error) {
	c, err := NewCipher(passphrase)
	if err != nil {
		return nil, err
	}
	return &EncryptingWriteSyncer{next: next, cipher: c}, nil
}

// Write seals each newline-terminated line in p.
func (w *EncryptingWriteSyncer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out strings.Builder
	for _, line := range strings.Split(strings.TrimRight(string(p), "\r\n"), "\n") {
		if line == "" {
			continue
		}
		sealed, err := w.cipher.Seal([]byte(line))
		if err != nil {
			return 0, err
		}
		out.WriteString(sealed)
		out.WriteByte('\n')
	}
	if _, err := w.next.Write([]byte(out.String())); err != nil {
		return 0, fmt.Errorf("write sealed log line: %w", err)
	}
	return len(p), nil
}

// Sync flushes the wrapped syncer.
func (w *EncryptingWriteSyncer) Sync() error {
	return w.next.Sync()
}
