package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sambrabizz-star/istheaudio/internal/media"
)

// maxDetail bounds Error.Detail, which is returned to HTTP clients.
const maxDetail = 2 << 10

// ErrArtifactTooSmall reports a tool that exited cleanly but left no usable
// output file.
var ErrArtifactTooSmall = errors.New("artifact missing or too small")

// Error is a conversion failure attributable to one stage.
type Error struct {
	Stage Stage
	// Detail is safe to show to the caller: the tool's stderr tail with
	// workspace paths masked, or a short description.
	Detail string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("pipeline %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// stderrOf extracts the tool's diagnostic output from err.
func stderrOf(err error) string {
	var exitErr *media.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Stderr
	}
	return err.Error()
}

// sanitizeDetail masks dir and keeps the last maxDetail bytes of s.
func sanitizeDetail(s, dir, fallback string) string {
	if dir != "" {
		s = strings.ReplaceAll(s, dir, "<workspace>")
	}
	s = strings.TrimSpace(s)
	if len(s) > maxDetail {
		s = s[len(s)-maxDetail:]
		for len(s) > 0 && !utf8.RuneStart(s[0]) {
			s = s[1:]
		}
	}
	if s == "" {
		return fallback
	}
	return s
}
