package logcollection

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/core-tools/memstack/pkg/errors"
	"github.com/core-tools/memstack/pkg/logging"
)

const tailChunkSize = 64 * 1024

// Tail returns up to n last lines of the file, oldest first
func Tail(path string, n int) ([]string, error) {
	if n <= 0 {
		return []string{}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError("log file not found", err).WithContext("path", path)
		}
		return nil, errors.NewIOError("failed to open log file", err).WithContext("path", path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errors.NewIOError("failed to stat log file", err).WithContext("path", path)
	}

	// read backwards until the buffer holds more than n line breaks
	size := info.Size()
	offset := size
	var buf []byte
	for offset > 0 && bytes.Count(buf, []byte{'\n'}) <= n {
		chunk := int64(tailChunkSize)
		if offset < chunk {
			chunk = offset
		}
		offset -= chunk
		part := make([]byte, chunk)
		if _, err := f.ReadAt(part, offset); err != nil && err != io.EOF {
			return nil, errors.NewIOError("failed to read log file", err).WithContext("path", path)
		}
		buf = append(part, buf...)
	}

	text := strings.TrimSuffix(string(buf), "\n")
	if text == "" {
		return []string{}, nil
	}
	lines := strings.Split(text, "\n")
	if offset > 0 {
		// first line may be cut in the middle
		lines = lines[1:]
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// Follow copies data appended to path into w until ctx is done.
// Truncation, rotation and recreation of the file restart reading from the top of the new file.
func Follow(ctx context.Context, path string, w io.Writer, logger logging.Logger) error {
	if logger == nil {
		logger = logging.Nop()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.NewIOError("failed to create file watcher", err)
	}
	defer watcher.Close()

	// watch the directory so rename and create of the file are seen
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return errors.NewIOError("failed to watch log directory", err).WithContext("path", path)
	}

	f := &followedFile{path: path}
	defer f.close()
	if err := f.open(true); err != nil && !errors.IsNotFoundError(err) {
		return err
	}

	// poll as a fallback for filesystems without change notifications
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			switch {
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				logger.Debugf("Followed log file moved away, path: %s", path)
				f.close()
			case event.Op&fsnotify.Create != 0:
				f.close()
				if err := f.open(false); err != nil && !errors.IsNotFoundError(err) {
					return err
				}
			}
			if err := f.copyTo(w); err != nil {
				return err
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warnf("Log follow watcher error, path: %s, error: %v", path, err)

		case <-ticker.C:
			if f.file == nil {
				if err := f.open(false); err != nil && !errors.IsNotFoundError(err) {
					return err
				}
			}
			if err := f.copyTo(w); err != nil {
				return err
			}
		}
	}
}

type followedFile struct {
	path   string
	file   *os.File
	offset int64
}

func (f *followedFile) open(atEnd bool) error {
	file, err := os.Open(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.NewNotFoundError("log file not found", err).WithContext("path", f.path)
		}
		return errors.NewIOError("failed to open log file", err).WithContext("path", f.path)
	}
	f.file = file
	f.offset = 0
	if atEnd {
		if info, err := file.Stat(); err == nil {
			f.offset = info.Size()
		}
	}
	return nil
}

func (f *followedFile) close() {
	if f.file != nil {
		f.file.Close()
		f.file = nil
	}
}

func (f *followedFile) copyTo(w io.Writer) error {
	if f.file == nil {
		return nil
	}
	info, err := f.file.Stat()
	if err != nil {
		return errors.NewIOError("failed to stat log file", err).WithContext("path", f.path)
	}
	if info.Size() < f.offset {
		// truncated in place
		f.offset = 0
	}
	if info.Size() == f.offset {
		return nil
	}

	written, err := io.Copy(w, io.NewSectionReader(f.file, f.offset, info.Size()-f.offset))
	f.offset += written
	if err != nil {
		return errors.NewIOError("failed to copy log data", err).WithContext("path", f.path)
	}
	return nil
}
