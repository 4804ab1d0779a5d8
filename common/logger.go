package common

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"sync"
	"time"
)

// LogLevel represents the severity level of a log message.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

const timeLayout = "2006/01/02 15:04:05"

// AppLogger is the process-wide leveled logger. Lines look like
//
//	2026/01/02 15:04:05 [INFO] tunnel.go:210: tunnel 3f2a...: connected
//
// and go to stderr, plus a size-rotated file when file logging is on.
type AppLogger struct {
	mu    sync.Mutex
	level LogLevel
	out   io.Writer
	file  *rotatingFile
	now   func() time.Time

	maxFileSize int64
	maxBackups  int
}

// LogConfig holds configuration options for the logger.
type LogConfig struct {
	Level       LogLevel
	EnableFile  bool
	MaxFileSize int64 // bytes before rotation, default 5MB
	MaxBackups  int   // compressed files kept, default 5
}

var (
	defaultLogger *AppLogger
	loggerOnce    sync.Once
)

const (
	defaultMaxFileSize = 5 * 1024 * 1024
	defaultMaxBackups  = 5
)

func newAppLogger(out io.Writer, level LogLevel) *AppLogger {
	return &AppLogger{
		level:       level,
		out:         out,
		now:         time.Now,
		maxFileSize: defaultMaxFileSize,
		maxBackups:  defaultMaxBackups,
	}
}

// GetLogger returns the singleton logger instance.
func GetLogger() *AppLogger {
	loggerOnce.Do(func() {
		defaultLogger = newAppLogger(os.Stderr, LevelInfo)
	})
	return defaultLogger
}

// InitLogger configures the default logger. It may be called again, e.g.
// once the configuration file asks for file output.
func InitLogger(config LogConfig) error {
	logger := GetLogger()
	logger.mu.Lock()
	logger.level = config.Level
	if config.MaxFileSize > 0 {
		logger.maxFileSize = config.MaxFileSize
	}
	if config.MaxBackups > 0 {
		logger.maxBackups = config.MaxBackups
	}
	logger.mu.Unlock()

	if config.EnableFile {
		return logger.EnableFileLogging()
	}
	return nil
}

// SetLevel sets the minimum log level.
func (l *AppLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// Level returns the minimum log level.
func (l *AppLogger) Level() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// SetOutput replaces stderr as the console destination.
func (l *AppLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = w
}

// GetLogDir returns the log directory path.
func GetLogDir() string {
	dir, err := ConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "logs")
}

// EnableFileLogging mirrors output into LogFileName under GetLogDir.
// Symlinked paths are refused since the tunnel may run with elevated
// rights.
func (l *AppLogger) EnableFileLogging() error {
	logDir := GetLogDir()
	if logDir == "" {
		return errors.New("cannot determine log directory")
	}
	l.mu.Lock()
	maxSize, maxBackups := l.maxFileSize, l.maxBackups
	l.mu.Unlock()

	file, err := openRotatingFile(filepath.Join(logDir, LogFileName), maxSize, maxBackups)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
	}
	l.file = file
	return nil
}

// logf writes one line attributed to the caller skip frames up.
func (l *AppLogger) logf(skip int, level LogLevel, msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.level {
		return
	}

	caller := "???"
	if _, file, line, ok := runtime.Caller(skip); ok {
		caller = fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	line := fmt.Sprintf("%s [%s] %s: %s\n", l.now().Format(timeLayout), level, caller, msg)

	io.WriteString(l.out, line)
	if l.file != nil {
		if _, err := io.WriteString(l.file, line); err != nil {
			fmt.Fprintf(l.out, "%s [%s] logger: file output disabled: %v\n", l.now().Format(timeLayout), LevelError, err)
			l.file.Close()
			l.file = nil
		}
	}
}

func (l *AppLogger) Debug(msg string, args ...any) { l.logf(2, LevelDebug, msg, args...) }
func (l *AppLogger) Info(msg string, args ...any)  { l.logf(2, LevelInfo, msg, args...) }
func (l *AppLogger) Warn(msg string, args ...any)  { l.logf(2, LevelWarn, msg, args...) }
func (l *AppLogger) Error(msg string, args ...any) { l.logf(2, LevelError, msg, args...) }

// Named returns a Logger that tags every line with name.
func (l *AppLogger) Named(name string) Logger {
	return &namedLogger{base: l, prefix: name + ": "}
}

// NewComponentLogger returns a default-logger view tagged with name, e.g.
// "routing: connected to daemon".
func NewComponentLogger(name string) Logger {
	return GetLogger().Named(name)
}

type namedLogger struct {
	base   *AppLogger
	prefix string
}

func (n *namedLogger) Debug(msg string, args ...any) {
	n.base.logf(2, LevelDebug, n.prefix+msg, args...)
}

func (n *namedLogger) Info(msg string, args ...any) {
	n.base.logf(2, LevelInfo, n.prefix+msg, args...)
}

func (n *namedLogger) Warn(msg string, args ...any) {
	n.base.logf(2, LevelWarn, n.prefix+msg, args...)
}

func (n *namedLogger) Error(msg string, args ...any) {
	n.base.logf(2, LevelError, n.prefix+msg, args...)
}

// LogDebug logs a debug message to the default logger.
func LogDebug(msg string, args ...any) { GetLogger().logf(2, LevelDebug, msg, args...) }

// LogInfo logs an info message to the default logger.
func LogInfo(msg string, args ...any) { GetLogger().logf(2, LevelInfo, msg, args...) }

// LogWarn logs a warning message to the default logger.
func LogWarn(msg string, args ...any) { GetLogger().logf(2, LevelWarn, msg, args...) }

// LogError logs an error message to the default logger.
func LogError(msg string, args ...any) { GetLogger().logf(2, LevelError, msg, args...) }

// Close stops file output.
func (l *AppLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// CloseLogger closes the default logger.
func CloseLogger() error {
	return GetLogger().Close()
}

// rotatingFile is an append-only file that is gzipped aside and reopened
// empty whenever a write would take it past maxSize.
type rotatingFile struct {
	path       string
	maxSize    int64
	maxBackups int

	f    *os.File
	size int64
}

func openRotatingFile(path string, maxSize int64, maxBackups int) (*rotatingFile, error) {
	dir := filepath.Dir(path)
	if isSymlink(dir) || isSymlink(path) {
		return nil, fmt.Errorf("refusing to log through symlink at %s", path)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	r := &rotatingFile{path: path, maxSize: maxSize, maxBackups: maxBackups}
	if err := r.open(); err != nil {
		return nil, err
	}
	if r.size >= r.maxSize {
		if err := r.rotate(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *rotatingFile) open() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	r.f, r.size = f, info.Size()
	return nil
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	if r.f == nil {
		return 0, os.ErrClosed
	}
	if r.size > 0 && r.size+int64(len(p)) > r.maxSize {
		if err := r.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := r.f.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *rotatingFile) rotate() error {
	if err := r.f.Close(); err != nil {
		return err
	}
	r.f = nil

	backup := fmt.Sprintf("%s.%s.gz", r.path, time.Now().Format("20060102-150405.000000000"))
	if err := compressFile(r.path, backup); err != nil {
		os.Remove(backup)
		return fmt.Errorf("rotating %s: %w", r.path, err)
	}
	if err := os.Remove(r.path); err != nil {
		return err
	}
	r.pruneBackups()
	return r.open()
}

// pruneBackups keeps the newest maxBackups files. Backup names sort by
// creation time.
func (r *rotatingFile) pruneBackups() {
	matches, err := filepath.Glob(r.path + ".*.gz")
	if err != nil || len(matches) <= r.maxBackups {
		return
	}
	slices.Sort(matches)
	for _, old := range matches[:len(matches)-r.maxBackups] {
		os.Remove(old)
	}
}

func (r *rotatingFile) Close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		out.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// isSymlink reports whether path is a symbolic link. A missing path is
// not a symlink.
func isSymlink(path string) bool {
	info, err := os.Lstat(path)
	return err == nil && info.Mode()&os.ModeSymlink != 0
}
