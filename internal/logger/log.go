package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"rash/internal/util"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
)

var levelColors = map[slog.Level]string{
	slog.LevelDebug: "\033[36m", // Cyan
	slog.LevelInfo:  "\033[32m", // Green
	slog.LevelWarn:  "\033[33m", // Yellow
	slog.LevelError: "\033[31m", // Red
}

const resetColor = "\033[0m"

// LevelNone disables logging.
const LevelNone = slog.Level(100)

// LevelFromString maps a -log-level value to an slog level; unknown values disable logging.
func LevelFromString(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return LevelNone
	}
}

// Handler is a line oriented slog.Handler: `time [LEVEL] message key=value ...`, with the level
// tag colored when writing to a terminal.
type Handler struct {
	mu     *sync.Mutex
	out    io.Writer
	level  slog.Leveler
	color  bool
	attrs  string
	prefix string
}

func NewHandler(out io.Writer, level slog.Leveler, color bool) *Handler {
	return &Handler{
		mu:    &sync.Mutex{},
		out:   out,
		level: level,
		color: color && isTerminal(out),
	}
}

func isTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return false
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	if !r.Time.IsZero() {
		buf.WriteString(r.Time.Format("2006/01/02 15:04:05.000"))
		buf.WriteString(" ")
	}

	tag := r.Level.String()
	if h.color {
		tag = fmt.Sprintf("%s%-5s%s", colorFor(r.Level), tag, resetColor)
	}
	fmt.Fprintf(&buf, "[%s] %s", tag, r.Message)
	buf.WriteString(h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&buf, h.prefix, a)
		return true
	})
	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, buf.String())
	return err
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var buf strings.Builder
	buf.WriteString(h.attrs)
	for _, a := range attrs {
		writeAttr(&buf, h.prefix, a)
	}
	clone := *h
	clone.attrs = buf.String()
	return &clone
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.prefix = h.prefix + name + "."
	return &clone
}

func colorFor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return levelColors[slog.LevelError]
	case level >= slog.LevelWarn:
		return levelColors[slog.LevelWarn]
	case level >= slog.LevelInfo:
		return levelColors[slog.LevelInfo]
	default:
		return levelColors[slog.LevelDebug]
	}
}

func writeAttr(buf *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		group := prefix
		if a.Key != "" {
			group += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			writeAttr(buf, group, ga)
		}
		return
	}

	var value string
	switch a.Value.Kind() {
	case slog.KindDuration:
		value = a.Value.Duration().String()
	case slog.KindTime:
		value = a.Value.Time().Format(time.RFC3339Nano)
	default:
		value = a.Value.String()
	}
	if strings.ContainsAny(value, " \t\n\"=") {
		value = fmt.Sprintf("%q", value)
	}
	fmt.Fprintf(buf, " %s%s=%s", prefix, a.Key, value)
}

// reopenWriter lets the log file be swapped underneath the handler on SIGHUP.
type reopenWriter struct {
	mu   sync.Mutex
	path string
	file *os.File
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory for '%s': %w", path, err)
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

func (w *reopenWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Write(p)
}

func (w *reopenWriter) reopen() error {
	fh, err := openLogFile(w.path)
	if err != nil {
		return err
	}
	w.mu.Lock()
	old := w.file
	w.file = fh
	w.mu.Unlock()
	return old.Close()
}

func (w *reopenWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// Setup installs the process wide slog default from the log configuration and returns a
// function releasing the log file. When logging to a file, SIGHUP reopens it:
//
//	mv rash.log rash.bak && kill -HUP <pid>
func Setup(cfg util.LogConfig) (func() error, error) {
	level := LevelFromString(cfg.Level)

	var out io.Writer = os.Stderr
	closer := func() error { return nil }

	if cfg.File != "" {
		fh, err := openLogFile(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file '%s': %w", cfg.File, err)
		}
		w := &reopenWriter{path: cfg.File, file: fh}
		out = w

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGHUP)
		done := make(chan struct{})
		go func() {
			for {
				select {
				case <-sigs:
					if err := w.reopen(); err != nil {
						fmt.Fprintf(os.Stderr, "could not reopen log file: %v\n", err)
					}
				case <-done:
					return
				}
			}
		}()
		closer = func() error {
			signal.Stop(sigs)
			close(done)
			return w.Close()
		}
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	default:
		handler = NewHandler(out, level, cfg.Color)
	}
	slog.SetDefault(slog.New(handler))

	return closer, nil
}

// NewLogger returns the default logger tagged with the component name.
func NewLogger(component string) *slog.Logger {
	return slog.Default().With(slog.String("component", component))
}
