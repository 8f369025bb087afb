package upload

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/blobkit/upload-engine/part"
)

// chunkReader reads one part's bytes from the source file on disk. It keeps
// a single *os.File open for the controller's lifetime and serializes
// seeks behind a mutex, the same shape as the teacher's
// chunkuploader.FileChunkProvider — generalized here from fixed-size chunks
// to spec.md's Part byte ranges, and reading into memory so a failed part
// can be retried without re-seeking mid-read.
type chunkReader struct {
	mu   sync.Mutex
	file *os.File
}

func newChunkReader(path string) (*chunkReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("upload: open %s: %w", path, err)
	}
	return &chunkReader{file: file}, nil
}

// read returns the bytes of p, read fresh from disk. Safe to call
// concurrently for different (or the same) parts.
func (r *chunkReader) read(p *part.Part) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := p.Size()
	if _, err := r.file.Seek(p.Start, io.SeekStart); err != nil {
		return nil, fmt.Errorf("upload: seek to part %d: %w", p.Index, err)
	}

	buf := make([]byte, size)
	n, err := io.ReadFull(r.file, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("upload: read part %d: %w", p.Index, err)
	}

	return buf[:n], nil
}

func (r *chunkReader) Close() error {
	return r.file.Close()
}
