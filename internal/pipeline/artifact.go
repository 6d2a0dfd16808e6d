package pipeline

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// chunkSize is the read/write unit used when streaming an artifact.
const chunkSize = 8 << 10

// Artifact is a finished MP3 inside its workspace. The caller must Close it;
// Close releases the workspace.
type Artifact struct {
	f    *os.File
	size int64
	ws   *workspace

	once     sync.Once
	closeErr error
}

// ID identifies the conversion that produced the artifact.
func (a *Artifact) ID() string { return a.ws.id }

// Size is the artifact length in bytes.
func (a *Artifact) Size() int64 { return a.size }

// WriteTo streams the artifact to w in a single pass. It stops at the first
// write error, which is how a disconnected client shows up.
func (a *Artifact) WriteTo(w io.Writer) (int64, error) {
	buf := make([]byte, chunkSize)
	var written int64
	for {
		nr, rerr := a.f.Read(buf)
		if nr > 0 {
			nw, werr := w.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, fmt.Errorf("write artifact: %w", werr)
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, fmt.Errorf("read artifact: %w", rerr)
		}
	}
}

// Close closes the file and removes the workspace. It is safe to call more
// than once.
func (a *Artifact) Close() error {
	a.once.Do(func() {
		a.closeErr = a.f.Close()
		a.ws.release()
	})
	return a.closeErr
}
