package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

const maxLogSize = 2 * 1024 * 1024 // 2MB

type RotatingWriter struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	size    int64
	maxSize int64
}

// Options control the process-wide logrus logger.
type Options struct {
	Path   string
	Level  string
	Format string
}

// Setup points the standard logrus logger at stdout and a rotating file.
// The returned writer is nil when file logging could not be set up; stdout
// logging still works in that case.
func Setup(opts Options) (*RotatingWriter, error) {
	configure(log.StandardLogger(), opts)

	if opts.Path == "" {
		log.SetOutput(os.Stdout)
		return nil, nil
	}

	rw, err := NewRotatingWriter(opts.Path, maxLogSize)
	if err != nil {
		log.SetOutput(os.Stdout)
		return nil, err
	}

	log.SetOutput(io.MultiWriter(os.Stdout, rw))
	return rw, nil
}

func configure(logger *log.Logger, opts Options) {
	level, err := log.ParseLevel(strings.ToLower(opts.Level))
	if err != nil {
		level = log.InfoLevel
	}
	logger.SetLevel(level)

	if strings.EqualFold(opts.Format, "json") {
		logger.SetFormatter(&log.JSONFormatter{})
	} else {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

func NewRotatingWriter(logPath string, maxSize int64) (*RotatingWriter, error) {
	// Truncate if too large on startup
	if info, err := os.Stat(logPath); err == nil && info.Size() > maxSize {
		os.Truncate(logPath, 0)
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	info, _ := f.Stat()
	size := int64(0)
	if info != nil {
		size = info.Size()
	}

	return &RotatingWriter{
		file:    f,
		path:    logPath,
		size:    size,
		maxSize: maxSize,
	}, nil
}

func (w *RotatingWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err = w.file.Write(p)
	w.size += int64(n)

	if w.size > w.maxSize {
		w.rotate()
	}

	return n, err
}

func (w *RotatingWriter) rotate() {
	w.file.Close()

	// Keep one backup
	os.Rename(w.path, w.path+".1")

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return
	}

	w.file = f
	w.size = 0
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
