package utils

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// RotatingWriter appends to a log file and rotates it once it passes MaxSize
// bytes, keeping MaxBackups older files.
type RotatingWriter struct {
	Filename   string
	MaxSize    int64
	MaxBackups int

	mu   sync.Mutex
	file *os.File
}

// NewRotatingWriter creates a rotating log writer.
func NewRotatingWriter(filename string, maxSize int64, maxBackups int) *RotatingWriter {
	return &RotatingWriter{Filename: filename, MaxSize: maxSize, MaxBackups: maxBackups}
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		if err := w.open(); err != nil {
			// Keep logging somewhere if the file cannot be opened.
			return os.Stderr.Write(p)
		}
	}

	if info, err := w.file.Stat(); err == nil && info.Size() > w.MaxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	return w.file.Write(p)
}

func (w *RotatingWriter) open() error {
	file, err := os.OpenFile(w.Filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.file = file
	return nil
}

func (w *RotatingWriter) rotate() error {
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return err
		}
		w.file = nil
	}

	for i := w.MaxBackups - 1; i >= 1; i-- {
		os.Rename(fmt.Sprintf("%s.%d", w.Filename, i), fmt.Sprintf("%s.%d", w.Filename, i+1))
	}
	if w.MaxBackups > 0 {
		os.Rename(w.Filename, w.Filename+".1")
	}
	return w.open()
}

// SetupLogger routes the global logger to stderr and a rotating file under
// logDir.
func SetupLogger(logDir string) {
	os.MkdirAll(logDir, 0o755)
	logFile := filepath.Join(logDir, "tgrelay.log")

	// 10MB limit, 5 backups
	writer := NewRotatingWriter(logFile, 10*1024*1024, 5)

	log.SetOutput(io.MultiWriter(os.Stderr, writer))
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
}
