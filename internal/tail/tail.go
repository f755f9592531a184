// Package tail streams newly appended lines from a log file, in the manner
// of tail -F, with rotation and truncation handling.
package tail

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tracetail/tracetail/internal/log"
	"github.com/tracetail/tracetail/internal/position"
)

// Line is one complete log line together with the offset range it occupied
// in the source file and the identity of the file it was read from.
type Line struct {
	Text   string
	Start  int64
	End    int64
	Number int64
	Device uint64
	Inode  uint64
}

// Config holds tailing options for a single source file.
type Config struct {
	Path  string
	Start position.Position

	// BufferSize caps how many lines may be queued ahead of the consumer.
	BufferSize  int
	MaxLineSize int

	PollInterval   time.Duration
	EnableFSNotify bool

	// OneShot stops the reader at the first EOF instead of tailing.
	OneShot bool
}

// Reader produces an ordered sequence of Lines from a growing file. Run
// must be called exactly once; Lines is closed when Run returns.
type Reader struct {
	conf Config
	log  log.Modular

	lines chan Line

	file    *os.File
	rdr     *bufio.Reader
	pending []byte
	offset  int64
	lineNum int64
	dev     uint64
	ino     uint64
}

// NewReader opens the source file and positions it according to the stored
// position, detecting truncation and rotation that happened while the
// pipeline was down.
func NewReader(conf Config, l log.Modular) (*Reader, error) {
	if conf.Path == "" {
		return nil, errors.New("a source file path is required")
	}
	if conf.BufferSize <= 0 {
		conf.BufferSize = 1000
	}
	if conf.MaxLineSize <= 0 {
		conf.MaxLineSize = 1024 * 1024
	}
	if conf.PollInterval <= 0 {
		conf.PollInterval = time.Second
	}

	r := &Reader{
		conf:  conf,
		log:   l,
		lines: make(chan Line, conf.BufferSize),
	}
	if err := r.open(); err != nil {
		return nil, err
	}

	start := conf.Start
	if start.Device != 0 || start.Inode != 0 || start.Offset > 0 {
		st, err := r.file.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat source file: %w", err)
		}
		switch {
		case start.Device != r.dev || start.Inode != r.ino:
			l.Warnf("Source file '%v' was replaced since the last run, reading the new file from the start", conf.Path)
		case st.Size() < start.Offset:
			l.Warnf("Source file '%v' was truncated below the stored offset %v, re-exporting from the start", conf.Path, start.Offset)
		default:
			if _, err := r.file.Seek(start.Offset, io.SeekStart); err != nil {
				return nil, fmt.Errorf("failed to seek to stored offset: %w", err)
			}
			r.rdr.Reset(r.file)
			r.offset = start.Offset
			r.lineNum = start.Line
			l.Infof("Resuming '%v' at offset %v (line %v)", conf.Path, start.Offset, start.Line)
		}
	}
	return r, nil
}

// Lines returns the channel of produced lines. It is closed once Run
// returns.
func (r *Reader) Lines() <-chan Line {
	return r.lines
}

// Run reads the file until the context is cancelled, or until EOF in
// one-shot mode. It owns the file handle and the lines channel.
func (r *Reader) Run(ctx context.Context) error {
	defer close(r.lines)
	defer r.closeFile()

	if err := r.drain(ctx); err != nil {
		return runErr(err)
	}
	if r.conf.OneShot {
		// The file is done growing, so a trailing unterminated line is
		// emitted rather than held back.
		return runErr(r.flushPending(ctx))
	}

	var events chan fsnotify.Event
	var watchErrs chan error
	if r.conf.EnableFSNotify {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			r.log.Warnf("Failed to create filesystem watcher, falling back to polling: %v", err)
		} else {
			defer watcher.Close()
			if err := watcher.Add(filepath.Dir(r.conf.Path)); err != nil {
				r.log.Warnf("Failed to watch source directory, falling back to polling: %v", err)
			} else {
				events = watcher.Events
				watchErrs = watcher.Errors
			}
		}
	}

	ticker := time.NewTicker(r.conf.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events, watchErrs = nil, nil
				continue
			}
			if ev.Name != r.conf.Path {
				continue
			}
			if err := r.checkAndReact(ctx); err != nil {
				return runErr(err)
			}
		case err, ok := <-watchErrs:
			if !ok {
				events, watchErrs = nil, nil
				continue
			}
			r.log.Warnf("Filesystem watcher error: %v", err)
		case <-ticker.C:
			if err := r.checkAndReact(ctx); err != nil {
				return runErr(err)
			}
		}
	}
}

func runErr(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// checkAndReact stats the source path and handles rotation, truncation and
// appended data accordingly.
func (r *Reader) checkAndReact(ctx context.Context) error {
	st, err := os.Stat(r.conf.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if r.file != nil {
				// Mid-rotation: finish whatever remains on the old handle,
				// then wait for the path to reappear.
				if err := r.drain(ctx); err != nil {
					return err
				}
				if err := r.flushPending(ctx); err != nil {
					return err
				}
				r.closeFile()
				r.log.Warnf("Source file '%v' disappeared, waiting for it to reappear", r.conf.Path)
			}
			return nil
		}
		return fmt.Errorf("failed to stat source file: %w", err)
	}

	if r.file == nil {
		r.log.Infof("Source file '%v' reappeared, reading from the start", r.conf.Path)
		if err := r.open(); err != nil {
			return err
		}
		return r.drain(ctx)
	}

	dev, ino := identityOf(st)
	switch {
	case dev != r.dev || ino != r.ino:
		r.log.Warnf("Source file '%v' was rotated, switching to the new file", r.conf.Path)
		if err := r.drain(ctx); err != nil {
			return err
		}
		if err := r.flushPending(ctx); err != nil {
			return err
		}
		r.closeFile()
		if err := r.open(); err != nil {
			return err
		}
		return r.drain(ctx)
	case st.Size() < r.offset:
		r.log.Warnf("Source file '%v' was truncated (size %v below offset %v), re-exporting from the start", r.conf.Path, st.Size(), r.offset)
		if _, err := r.file.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("failed to seek after truncation: %w", err)
		}
		r.rdr.Reset(r.file)
		r.offset, r.lineNum = 0, 0
		r.pending = r.pending[:0]
		return r.drain(ctx)
	default:
		return r.drain(ctx)
	}
}

// drain reads all currently available bytes, emitting each completed line.
// A trailing fragment without a terminator stays buffered in pending.
func (r *Reader) drain(ctx context.Context) error {
	if r.rdr == nil {
		return nil
	}
	for {
		chunk, err := r.rdr.ReadBytes('\n')
		if len(chunk) > 0 {
			r.pending = append(r.pending, chunk...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(r.pending) > r.conf.MaxLineSize {
					r.log.Warnf("Unterminated line exceeds %v bytes, emitting it early", r.conf.MaxLineSize)
					return r.flushPending(ctx)
				}
				return nil
			}
			return fmt.Errorf("failed to read source file: %w", err)
		}
		if err := r.emitPending(ctx); err != nil {
			return err
		}
	}
}

// flushPending emits any buffered unterminated fragment as a line.
func (r *Reader) flushPending(ctx context.Context) error {
	if len(r.pending) == 0 {
		return nil
	}
	return r.emitPending(ctx)
}

func (r *Reader) emitPending(ctx context.Context) error {
	start := r.offset
	r.offset += int64(len(r.pending))
	text := string(r.pending)
	r.pending = r.pending[:0]
	r.lineNum++

	text = strings.TrimSuffix(text, "\n")
	text = strings.TrimSuffix(text, "\r")
	if text == "" {
		// Blank lines advance the offset and numbering but are not shipped.
		return nil
	}

	select {
	case r.lines <- Line{
		Text:   text,
		Start:  start,
		End:    r.offset,
		Number: r.lineNum,
		Device: r.dev,
		Inode:  r.ino,
	}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (r *Reader) open() error {
	file, err := os.Open(r.conf.Path)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	st, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat source file: %w", err)
	}

	r.file = file
	r.rdr = bufio.NewReader(file)
	r.dev, r.ino = identityOf(st)
	r.offset, r.lineNum = 0, 0
	r.pending = r.pending[:0]
	return nil
}

func (r *Reader) closeFile() {
	if r.file != nil {
		r.file.Close()
		r.file = nil
		r.rdr = nil
	}
}
