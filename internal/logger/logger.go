// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger provides leveled, structured logging for both the server
// and client processes. It wraps log/slog with a rotating file sink
// (lumberjack) and supports the same severities used throughout rewofs
// configuration: TRACE, DEBUG, INFO, WARNING, ERROR, OFF.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity levels, deliberately spaced out from slog's defaults so that
// TRACE can sit below DEBUG.
const (
	LevelTrace slog.Level = -8
	LevelDebug slog.Level = slog.LevelDebug
	LevelInfo  slog.Level = slog.LevelInfo
	LevelWarn  slog.Level = slog.LevelWarn
	LevelError slog.Level = slog.LevelError
	LevelOff   slog.Level = 100
)

const (
	SeverityTrace   = "TRACE"
	SeverityDebug   = "DEBUG"
	SeverityInfo    = "INFO"
	SeverityWarning = "WARNING"
	SeverityError   = "ERROR"
	SeverityOff     = "OFF"
)

// RotateConfig controls log file rotation, mirroring lumberjack's knobs.
type RotateConfig struct {
	MaxFileSizeMB   int
	BackupFileCount int
	Compress        bool
}

func DefaultRotateConfig() RotateConfig {
	return RotateConfig{MaxFileSizeMB: 512, BackupFileCount: 10, Compress: false}
}

type loggerFactory struct {
	mu sync.Mutex

	file      *lumberjack.Logger
	sysWriter io.Writer // non-nil when logging to stderr instead of a file
	format    string    // "text" or "json"
	level     string
	rotate    RotateConfig
}

var (
	defaultLoggerFactory = &loggerFactory{
		sysWriter: os.Stderr,
		format:    "json",
		level:     SeverityInfo,
		rotate:    DefaultRotateConfig(),
	}
	defaultLogger *slog.Logger
	levelVar      = new(slog.LevelVar)
)

func init() {
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(os.Stderr, levelVar, ""))
	setLoggingLevel(defaultLoggerFactory.level, levelVar)
}

// InitLogFile points the default logger at a rotating log file on disk.
func InitLogFile(path string, severity string, format string, rotate RotateConfig) error {
	defaultLoggerFactory.mu.Lock()
	defer defaultLoggerFactory.mu.Unlock()

	defaultLoggerFactory.file = &lumberjack.Logger{
		Filename: path,
		MaxSize:  rotate.MaxFileSizeMB,
		MaxBackups: rotate.BackupFileCount,
		Compress: rotate.Compress,
	}
	defaultLoggerFactory.sysWriter = nil
	defaultLoggerFactory.format = format
	defaultLoggerFactory.level = severity
	defaultLoggerFactory.rotate = rotate

	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(defaultLoggerFactory.file, levelVar, ""))
	setLoggingLevel(severity, levelVar)
	return nil
}

// SetLogFormat switches between "text" and "json" rendering without
// disturbing the current output sink or level.
func SetLogFormat(format string) {
	defaultLoggerFactory.mu.Lock()
	defer defaultLoggerFactory.mu.Unlock()

	defaultLoggerFactory.format = format

	var w io.Writer = defaultLoggerFactory.sysWriter
	if defaultLoggerFactory.file != nil {
		w = defaultLoggerFactory.file
	}
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(w, levelVar, ""))
}

func setLoggingLevel(severity string, lv *slog.LevelVar) {
	switch strings.ToUpper(severity) {
	case SeverityTrace:
		lv.Set(LevelTrace)
	case SeverityDebug:
		lv.Set(LevelDebug)
	case SeverityInfo:
		lv.Set(LevelInfo)
	case SeverityWarning:
		lv.Set(LevelWarn)
	case SeverityError:
		lv.Set(LevelError)
	default:
		lv.Set(LevelOff)
	}
}

// createJsonOrTextHandler builds an slog.Handler in either of the two wire
// formats exercised by the end-to-end tests: a terse text line, or a
// structured JSON object with a nested timestamp.
func (f *loggerFactory) createJsonOrTextHandler(w io.Writer, lv *slog.LevelVar, prefix string) slog.Handler {
	if f.format == "text" {
		return &textHandler{w: w, lv: lv, prefix: prefix}
	}
	return &jsonHandler{w: w, lv: lv, prefix: prefix}
}

func severityName(l slog.Level) string {
	switch {
	case l < LevelDebug:
		return SeverityTrace
	case l < LevelInfo:
		return SeverityDebug
	case l < LevelWarn:
		return SeverityInfo
	case l < LevelError:
		return SeverityWarning
	case l < LevelOff:
		return SeverityError
	default:
		return SeverityOff
	}
}

// textHandler renders `time="..." severity=X message="..."` lines, matching
// the format exercised by the ambient logging tests.
type textHandler struct {
	w      io.Writer
	lv     *slog.LevelVar
	prefix string
	mu     sync.Mutex
}

func (h *textHandler) Enabled(_ context.Context, l slog.Level) bool { return l >= h.lv.Level() }

func (h *textHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprintf(h.w, "time=\"%s\" severity=%s message=\"%s%s\"\n",
		r.Time.Format("2006/01/02 15:04:05.000000"), severityName(r.Level), h.prefix, r.Message)
	return err
}

func (h *textHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *textHandler) WithGroup(name string) slog.Handler       { return h }

// jsonHandler renders {"timestamp":{"seconds":N,"nanos":N},"severity":"X","message":"..."}.
type jsonHandler struct {
	w      io.Writer
	lv     *slog.LevelVar
	prefix string
	mu     sync.Mutex
}

func (h *jsonHandler) Enabled(_ context.Context, l slog.Level) bool { return l >= h.lv.Level() }

type jsonTimestamp struct {
	Seconds int64 `json:"seconds"`
	Nanos   int32 `json:"nanos"`
}

type jsonRecord struct {
	Timestamp jsonTimestamp `json:"timestamp"`
	Severity  string        `json:"severity"`
	Message   string        `json:"message"`
}

func (h *jsonHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec := jsonRecord{
		Timestamp: jsonTimestamp{Seconds: r.Time.Unix(), Nanos: int32(r.Time.Nanosecond())},
		Severity:  severityName(r.Level),
		Message:   h.prefix + r.Message,
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = h.w.Write(b)
	return err
}

func (h *jsonHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *jsonHandler) WithGroup(name string) slog.Handler       { return h }

func Tracef(format string, v ...interface{}) { defaultLogger.Log(context.Background(), LevelTrace, fmt.Sprintf(format, v...)) }
func Debugf(format string, v ...interface{}) { defaultLogger.Debug(fmt.Sprintf(format, v...)) }
func Infof(format string, v ...interface{})  { defaultLogger.Info(fmt.Sprintf(format, v...)) }
func Warnf(format string, v ...interface{})  { defaultLogger.Warn(fmt.Sprintf(format, v...)) }
func Errorf(format string, v ...interface{}) { defaultLogger.Error(fmt.Sprintf(format, v...)) }
