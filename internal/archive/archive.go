// Package archive assembles the streaming zip delivered to a client
// while a run is in flight. Entries arrive one at a time from the run
// loop; each is optionally mirrored to object storage, appended to the
// zip stream, and optionally removed from local disk afterward.
package archive

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/photopd/photopd/internal/mirror"
)

// Root is the fixed top-level directory inside the archive. Entry paths
// are rewritten relative to it so the destination's folder hierarchy is
// preserved for the client.
const Root = "Photos"

// Entry is one file to append to the archive stream.
type Entry struct {
	// Path is the slash-separated path within the archive, already
	// rooted at Root.
	Path     string
	Modified time.Time
	Mode     fs.FileMode
	// LocalPath is the produced file on disk.
	LocalPath string
}

// Options configure a Streamer.
type Options struct {
	// Mirror, when non-nil, receives every entry before it is zipped.
	Mirror *mirror.Uploader
	// RemoveLocal deletes each entry's local file once streamed.
	RemoveLocal bool
	Logger      *slog.Logger
}

// Streamer writes entries into a zip stream on w as they arrive.
type Streamer struct {
	zw    *zip.Writer
	opts  Options
	count int
}

func NewStreamer(w io.Writer, opts Options) *Streamer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Streamer{zw: zip.NewWriter(w), opts: opts}
}

// Add mirrors, zips, and optionally removes one entry.
func (s *Streamer) Add(ctx context.Context, e Entry) error {
	if s.opts.Mirror != nil {
		if err := s.opts.Mirror.Upload(ctx, e.LocalPath, e.Path); err != nil {
			return err
		}
	}

	fh := zip.FileHeader{
		Name:     e.Path,
		Method:   zip.Deflate,
		Modified: e.Modified,
	}
	mode := e.Mode
	if mode == 0 {
		mode = 0o666
	}
	fh.SetMode(mode)

	dst, err := s.zw.CreateHeader(&fh)
	if err != nil {
		return fmt.Errorf("create archive entry %s: %w", e.Path, err)
	}
	src, err := os.Open(e.LocalPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", e.LocalPath, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		src.Close()
		return fmt.Errorf("write archive entry %s: %w", e.Path, err)
	}
	src.Close()
	s.count++

	if s.opts.RemoveLocal {
		if err := os.Remove(e.LocalPath); err != nil {
			s.opts.Logger.Warn("remove local copy", "path", e.LocalPath, "error", err)
		}
	}
	return nil
}

// Count returns the number of entries streamed so far.
func (s *Streamer) Count() int { return s.count }

// Close finalizes the zip stream. It must be called even after an Add
// error so the central directory is flushed to the writer.
func (s *Streamer) Close() error {
	return s.zw.Close()
}

// ChunkWriter coalesces a byte stream into fixed-size chunks and hands
// each to emit. Updates are batched deliberately: the transport pushes
// whole frames, not per-write fragments.
type ChunkWriter struct {
	emit func([]byte) error
	buf  []byte
	size int
}

// NewChunkWriter returns a writer emitting chunks of the given size.
func NewChunkWriter(size int, emit func([]byte) error) *ChunkWriter {
	if size <= 0 {
		size = 64 * 1024
	}
	return &ChunkWriter{emit: emit, size: size}
}

func (w *ChunkWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		room := w.size - len(w.buf)
		if room > len(p) {
			room = len(p)
		}
		w.buf = append(w.buf, p[:room]...)
		p = p[room:]
		if len(w.buf) == w.size {
			if err := w.flush(); err != nil {
				return total - len(p), err
			}
		}
	}
	return total, nil
}

// Flush emits any buffered partial chunk.
func (w *ChunkWriter) Flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	return w.flush()
}

func (w *ChunkWriter) flush() error {
	chunk := make([]byte, len(w.buf))
	copy(chunk, w.buf)
	w.buf = w.buf[:0]
	return w.emit(chunk)
}
