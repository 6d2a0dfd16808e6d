package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	videoFile = "video.mp4"
	audioFile = "audio.mp3"
)

// workspace is a temp directory owned by exactly one conversion.
type workspace struct {
	id   string
	dir  string
	log  zerolog.Logger
	once sync.Once
}

// acquireWorkspace creates a uniquely named directory under root (the OS temp
// dir when root is empty).
func acquireWorkspace(root string, log zerolog.Logger) (*workspace, error) {
	id := uuid.NewString()
	dir, err := os.MkdirTemp(root, "convert-"+id+"-*")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &workspace{
		id:  id,
		dir: dir,
		log: log.With().Str("conversion_id", id).Logger(),
	}, nil
}

func (w *workspace) path(name string) string {
	return filepath.Join(w.dir, name)
}

// release removes the directory and everything in it. Only the first call
// does anything; failures are logged and swallowed.
func (w *workspace) release() {
	w.once.Do(func() {
		if err := os.RemoveAll(w.dir); err != nil {
			w.log.Warn().Err(err).Str("dir", w.dir).Msg("workspace removal failed")
		}
	})
}
