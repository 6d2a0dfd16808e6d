// Package pipeline turns a video URL into an MP3 artifact on local disk.
//
// Each Run owns a private workspace directory. The workspace is removed on
// every failure path before Run returns; on success ownership passes to the
// returned Artifact and is released by Artifact.Close.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Stage names a point in a conversion's lifecycle.
type Stage string

const (
	StageDownloading Stage = "downloading"
	StageTranscoding Stage = "transcoding"
	StageReady       Stage = "ready"
	StageStreaming   Stage = "streaming"
)

// DefaultStepTimeout bounds each external tool invocation when Options leaves
// the timeout unset.
const DefaultStepTimeout = 5 * time.Minute

// Downloader fetches url into destPath.
type Downloader interface {
	Download(ctx context.Context, url, destPath string) error
}

// Transcoder converts inputPath to an MP3 at outputPath.
type Transcoder interface {
	ToMP3(ctx context.Context, inputPath, outputPath string) error
}

// StageObserver receives the wall time of each tool step.
type StageObserver interface {
	ObserveStage(stage string, d time.Duration)
}

// Options configures a Pipeline.
type Options struct {
	// WorkDir is the parent of per-conversion workspaces; empty means the OS
	// temp dir.
	WorkDir          string
	DownloadTimeout  time.Duration
	TranscodeTimeout time.Duration
	// MinArtifactBytes is the smallest acceptable output of either step.
	// Zero disables the check (a missing file is still an error).
	MinArtifactBytes int64
	Logger           zerolog.Logger
	Observer         StageObserver
}

// Pipeline runs download then transcode for one URL at a time per call. It is
// safe for concurrent use; calls share nothing but the tools.
type Pipeline struct {
	dl  Downloader
	tr  Transcoder
	opt Options
}

// New constructs a Pipeline.
func New(dl Downloader, tr Transcoder, opt Options) *Pipeline {
	if opt.DownloadTimeout <= 0 {
		opt.DownloadTimeout = DefaultStepTimeout
	}
	if opt.TranscodeTimeout <= 0 {
		opt.TranscodeTimeout = DefaultStepTimeout
	}
	if opt.MinArtifactBytes < 0 {
		opt.MinArtifactBytes = 0
	}
	return &Pipeline{dl: dl, tr: tr, opt: opt}
}

// Run downloads url, transcodes it and returns the open artifact.
// Tool failures, timeouts and undersized outputs are returned as *Error.
func (p *Pipeline) Run(ctx context.Context, url string) (_ *Artifact, err error) {
	ws, err := acquireWorkspace(p.opt.WorkDir, p.opt.Logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			ws.log.Debug().Err(err).Msg("conversion failed")
			ws.release()
		}
	}()

	video := ws.path(videoFile)
	if err := p.step(ctx, ws, StageDownloading, "downloader", p.opt.DownloadTimeout, video, func(ctx context.Context) error {
		return p.dl.Download(ctx, url, video)
	}); err != nil {
		return nil, err
	}

	audio := ws.path(audioFile)
	if err := p.step(ctx, ws, StageTranscoding, "transcoder", p.opt.TranscodeTimeout, audio, func(ctx context.Context) error {
		return p.tr.ToMP3(ctx, video, audio)
	}); err != nil {
		return nil, err
	}

	// The source video is no longer needed; free the space while streaming.
	if rmErr := os.Remove(video); rmErr != nil {
		ws.log.Debug().Err(rmErr).Msg("remove intermediate video")
	}

	f, err := os.Open(audio)
	if err != nil {
		return nil, &Error{Stage: StageReady, Detail: "audio file unavailable", Err: err}
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, &Error{Stage: StageReady, Detail: "audio file unavailable", Err: err}
	}

	ws.log.Debug().Int64("bytes", info.Size()).Msg("artifact ready")
	return &Artifact{f: f, size: info.Size(), ws: ws}, nil
}

// step runs fn under its own timeout and checks that it produced out.
func (p *Pipeline) step(
	ctx context.Context,
	ws *workspace,
	stage Stage,
	tool string,
	timeout time.Duration,
	out string,
	fn func(ctx context.Context) error,
) error {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := fn(stepCtx)
	if p.opt.Observer != nil {
		p.opt.Observer.ObserveStage(string(stage), time.Since(start))
	}

	if err != nil {
		switch {
		case ctx.Err() != nil:
			return &Error{Stage: stage, Detail: tool + " aborted", Err: fmt.Errorf("%w: %w", ctx.Err(), err)}
		case errors.Is(stepCtx.Err(), context.DeadlineExceeded):
			return &Error{
				Stage:  stage,
				Detail: fmt.Sprintf("%s timed out after %s", tool, timeout),
				Err:    fmt.Errorf("%w: %w", context.DeadlineExceeded, err),
			}
		}
		return &Error{
			Stage:  stage,
			Detail: sanitizeDetail(stderrOf(err), ws.dir, tool+" failed"),
			Err:    err,
		}
	}

	return p.checkOutput(stage, tool, out)
}

func (p *Pipeline) checkOutput(stage Stage, tool, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return &Error{
			Stage:  stage,
			Detail: tool + " produced no output file",
			Err:    fmt.Errorf("%w: %w", ErrArtifactTooSmall, err),
		}
	}
	if info.Size() < p.opt.MinArtifactBytes {
		return &Error{
			Stage:  stage,
			Detail: fmt.Sprintf("%s output is %d bytes, expected at least %d", tool, info.Size(), p.opt.MinArtifactBytes),
			Err:    ErrArtifactTooSmall,
		}
	}
	return nil
}
