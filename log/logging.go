/*************************************************************************
 * Copyright 2024 Hookspike Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package log is the patch core's diagnostic logger. Every install,
// share, release, and cleanup event is rendered as a level-gated
// RFC5424 syslog record, so a host can point the trail at a file or
// its own collector without re-parsing ad-hoc text. It is sized to
// what the core emits: no rotation, no relays, no caller-location
// tracking.
package log

import (
	"context"
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/crewjam/rfc5424"
)

type Level int

const (
	OFF Level = iota
	DEBUG
	INFO
	WARN
	ERROR
	CRITICAL
	FATAL
)

// sdID is the structured-data element id carried on every KV record.
const sdID = `hs@1`

var (
	ErrNotOpen      = errors.New("logger is not open")
	ErrInvalidLevel = errors.New("invalid log level")
	ErrNilWriter    = errors.New("nil writer")
)

// Logger fans each accepted record out to one or more writers. The
// zero value is not usable; construct with New or one of its wrappers.
type Logger struct {
	mtx      sync.Mutex
	wtrs     []io.WriteCloser
	lvl      Level
	hot      bool
	hostname string
	appname  string
}

// New builds a Logger emitting to wtr at level INFO.
func New(wtr io.WriteCloser) *Logger {
	l := &Logger{
		wtrs: []io.WriteCloser{wtr},
		lvl:  INFO,
		hot:  true,
	}
	l.hostname, _ = os.Hostname()
	if exe, err := os.Executable(); err == nil {
		l.appname = filepath.Base(exe)
	}
	return l
}

// NewFile opens (creating or appending) path and logs to it.
func NewFile(path string) (*Logger, error) {
	fout, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0660)
	if err != nil {
		return nil, err
	}
	return New(fout), nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// NewStderrLogger logs to the process's stderr.
func NewStderrLogger() *Logger {
	return New(nopCloser{os.Stderr})
}

// NewDiscardLogger drops everything; the default when a host wires no
// logger at all.
func NewDiscardLogger() *Logger {
	return New(nopCloser{io.Discard})
}

// AddWriter registers another destination receiving every record the
// level gate admits from now on.
func (l *Logger) AddWriter(wtr io.WriteCloser) error {
	if wtr == nil {
		return ErrNilWriter
	}
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if !l.hot {
		return ErrNotOpen
	}
	l.wtrs = append(l.wtrs, wtr)
	return nil
}

// Close closes every writer. Further log calls that pass the level gate
// fail with ErrNotOpen; calls the gate filters out still return nil.
func (l *Logger) Close() (err error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if !l.hot {
		return ErrNotOpen
	}
	l.hot = false
	for _, w := range l.wtrs {
		if lerr := w.Close(); lerr != nil {
			err = lerr
		}
	}
	return
}

func (l *Logger) SetLevel(lvl Level) error {
	if !lvl.valid() {
		return ErrInvalidLevel
	}
	l.mtx.Lock()
	l.lvl = lvl
	l.mtx.Unlock()
	return nil
}

// SetLevelString sets the gate from a config value such as "warn".
func (l *Logger) SetLevelString(s string) error {
	lvl, err := LevelFromString(s)
	if err != nil {
		return err
	}
	return l.SetLevel(lvl)
}

func (l *Logger) GetLevel() Level {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.lvl
}

func (l *Logger) Debugf(f string, args ...interface{}) error {
	return l.emitf(DEBUG, f, args...)
}

func (l *Logger) Infof(f string, args ...interface{}) error {
	return l.emitf(INFO, f, args...)
}

func (l *Logger) Warnf(f string, args ...interface{}) error {
	return l.emitf(WARN, f, args...)
}

func (l *Logger) Errorf(f string, args ...interface{}) error {
	return l.emitf(ERROR, f, args...)
}

func (l *Logger) Criticalf(f string, args ...interface{}) error {
	return l.emitf(CRITICAL, f, args...)
}

// Fatalf logs at FATAL and exits the process.
func (l *Logger) Fatalf(f string, args ...interface{}) {
	l.emitf(FATAL, f, args...)
	os.Exit(-1)
}

func (l *Logger) Debug(msg string, sds ...rfc5424.SDParam) error {
	return l.emit(DEBUG, msg, sds...)
}

func (l *Logger) Info(msg string, sds ...rfc5424.SDParam) error {
	return l.emit(INFO, msg, sds...)
}

func (l *Logger) Warn(msg string, sds ...rfc5424.SDParam) error {
	return l.emit(WARN, msg, sds...)
}

func (l *Logger) Error(msg string, sds ...rfc5424.SDParam) error {
	return l.emit(ERROR, msg, sds...)
}

func (l *Logger) Critical(msg string, sds ...rfc5424.SDParam) error {
	return l.emit(CRITICAL, msg, sds...)
}

func (l *Logger) Fatal(msg string, sds ...rfc5424.SDParam) {
	l.emit(FATAL, msg, sds...)
	os.Exit(-1)
}

func (l *Logger) emitf(lvl Level, f string, args ...interface{}) error {
	return l.emit(lvl, fmt.Sprintf(f, args...))
}

func (l *Logger) emit(lvl Level, msg string, sds ...rfc5424.SDParam) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.lvl == OFF || lvl < l.lvl {
		return nil
	}
	if !l.hot {
		return ErrNotOpen
	}
	m := rfc5424.Message{
		Priority:  lvl.priority(),
		Timestamp: time.Now(),
		Hostname:  truncate(255, l.hostname),
		AppName:   truncate(48, l.appname),
		Message:   []byte(strings.TrimRight(msg, "\n\t\r")),
	}
	if len(sds) > 0 {
		m.StructuredData = []rfc5424.StructuredData{{
			ID:         sdID,
			Parameters: sds,
		}}
	}
	b, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	return l.write(append(b, '\n'))
}

// write hands b to every writer. Caller holds l.mtx.
func (l *Logger) write(b []byte) (err error) {
	for _, w := range l.wtrs {
		if _, lerr := w.Write(b); lerr != nil {
			err = lerr
		}
	}
	return
}

// Write passes b through to every writer untouched, so the Logger can
// stand wherever an io.Writer is expected (the stdlib log.Logger from
// StandardLogger goes through here).
func (l *Logger) Write(b []byte) (int, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if !l.hot {
		return 0, ErrNotOpen
	}
	if err := l.write(b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// KV builds a structured-data parameter for the Logger's structured
// variants.
func KV(name string, value interface{}) rfc5424.SDParam {
	if s, ok := value.(string); ok {
		return rfc5424.SDParam{Name: name, Value: s}
	}
	return rfc5424.SDParam{Name: name, Value: fmt.Sprintf("%v", value)}
}

func KVErr(err error) rfc5424.SDParam {
	return KV(`error`, err)
}

func (l Level) valid() bool {
	return l >= OFF && l <= FATAL
}

func (l Level) String() string {
	switch l {
	case OFF:
		return `OFF`
	case DEBUG:
		return `DEBUG`
	case INFO:
		return `INFO`
	case WARN:
		return `WARN`
	case ERROR:
		return `ERROR`
	case CRITICAL:
		return `CRITICAL`
	case FATAL:
		return `FATAL`
	}
	return `UNKNOWN`
}

func (l Level) priority() rfc5424.Priority {
	switch l {
	case DEBUG:
		return rfc5424.User | rfc5424.Debug
	case INFO:
		return rfc5424.User | rfc5424.Info
	case WARN:
		return rfc5424.User | rfc5424.Warning
	case ERROR:
		return rfc5424.User | rfc5424.Error
	case CRITICAL:
		return rfc5424.User | rfc5424.Crit
	case FATAL:
		return rfc5424.User | rfc5424.Emergency
	}
	return rfc5424.User | rfc5424.Debug
}

func LevelFromString(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case `OFF`:
		return OFF, nil
	case `DEBUG`:
		return DEBUG, nil
	case `INFO`:
		return INFO, nil
	case `WARN`:
		return WARN, nil
	case `ERROR`:
		return ERROR, nil
	case `CRITICAL`:
		return CRITICAL, nil
	case `FATAL`:
		return FATAL, nil
	}
	return OFF, ErrInvalidLevel
}

// truncate caps s at n bytes; RFC5424 bounds the header fields.
func truncate(n int, s string) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func slogLevel(lvl slog.Level) Level {
	switch {
	case lvl < slog.LevelInfo:
		return DEBUG
	case lvl < slog.LevelWarn:
		return INFO
	case lvl < slog.LevelError:
		return WARN
	}
	return ERROR
}

// Enabled implements slog.Handler, so a Logger can be handed directly
// to slog.New.
func (l *Logger) Enabled(_ context.Context, lvl slog.Level) bool {
	cur := l.GetLevel()
	return cur != OFF && slogLevel(lvl) >= cur
}

// Handle implements slog.Handler, emitting the record with each
// attribute carried as RFC5424 structured data.
func (l *Logger) Handle(_ context.Context, r slog.Record) error {
	sds := make([]rfc5424.SDParam, 0, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		sds = append(sds, KV(a.Key, a.Value.String()))
		return true
	})
	return l.emit(slogLevel(r.Level), r.Message, sds...)
}

// WithAttrs implements slog.Handler.
func (l *Logger) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &slogHandler{l: l, attrs: attrs}
}

// WithGroup implements slog.Handler.
func (l *Logger) WithGroup(name string) slog.Handler {
	return &slogHandler{l: l, group: name}
}

// slogHandler carries accumulated attrs and group qualification on top
// of a Logger; the Logger itself stays stateless with respect to slog.
type slogHandler struct {
	l     *Logger
	attrs []slog.Attr
	group string
}

func (h *slogHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	return h.l.Enabled(ctx, lvl)
}

func (h *slogHandler) key(k string) string {
	if h.group == `` {
		return k
	}
	return h.group + `.` + k
}

func (h *slogHandler) Handle(_ context.Context, r slog.Record) error {
	sds := make([]rfc5424.SDParam, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		sds = append(sds, KV(h.key(a.Key), a.Value.String()))
	}
	r.Attrs(func(a slog.Attr) bool {
		sds = append(sds, KV(h.key(a.Key), a.Value.String()))
		return true
	})
	return h.l.emit(slogLevel(r.Level), r.Message, sds...)
}

func (h *slogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := &slogHandler{l: h.l, group: h.group}
	nh.attrs = append(append(nh.attrs, h.attrs...), attrs...)
	return nh
}

func (h *slogHandler) WithGroup(name string) slog.Handler {
	if h.group != `` {
		name = h.group + `.` + name
	}
	return &slogHandler{l: h.l, attrs: h.attrs, group: name}
}

// StandardLogger returns a stdlib log.Logger whose output is passed
// straight through to this Logger's writers.
func (l *Logger) StandardLogger() *stdlog.Logger {
	return stdlog.New(l, ``, 0)
}
