// Command convert runs one conversion locally and writes the MP3 to disk.
// It checks that yt-dlp and ffmpeg work on a host without going through the
// HTTP API, so it needs neither a token nor a usage store.
//
// Tool settings are read from the same environment variables as the server:
//
//	DOWNLOADER_BIN, TRANSCODER_BIN       executables (yt-dlp, ffmpeg)
//	DOWNLOAD_TIMEOUT, TRANSCODE_TIMEOUT  per-step limits (5m)
//	MIN_ARTIFACT_BYTES                   smallest acceptable output (1024)
//	WORK_DIR                             parent of the temp workspace
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sambrabizz-star/istheaudio/internal/config"
	"github.com/sambrabizz-star/istheaudio/internal/logger"
	"github.com/sambrabizz-star/istheaudio/internal/media"
	"github.com/sambrabizz-star/istheaudio/internal/pipeline"
	"github.com/sambrabizz-star/istheaudio/internal/source"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "convert error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// Converter runs one conversion. Satisfied by *pipeline.Pipeline.
type Converter interface {
	Run(ctx context.Context, url string) (*pipeline.Artifact, error)
}

func newCmd() *cobra.Command {
	var (
		output  string
		verbose bool
	)
	cmd := &cobra.Command{
		Use:           "convert <url>",
		Short:         "Download a video and save its audio track as MP3",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.PipelineFromEnv(config.NewEnv())
			level := "info"
			if verbose {
				level = "debug"
			}
			log := logger.New(logger.Options{Level: level, Format: "console", Writer: cmd.ErrOrStderr()})

			p := pipeline.New(
				media.NewDownloader(cfg.DownloaderBin),
				media.NewTranscoder(cfg.TranscoderBin),
				pipeline.Options{
					WorkDir:          cfg.WorkDir,
					DownloadTimeout:  cfg.DownloadTimeout,
					TranscodeTimeout: cfg.TranscodeTimeout,
					MinArtifactBytes: cfg.MinArtifactBytes,
					Logger:           log,
				},
			)
			if output == "" {
				output = cfg.ArtifactName + ".mp3"
			}
			return convert(cmd.Context(), p, args[0], output, log)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "destination file (default $ARTIFACT_NAME.mp3)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log pipeline details")
	return cmd
}

// convert runs c for url and writes the artifact to dest. dest only appears
// once the whole file has been written.
func convert(ctx context.Context, c Converter, url, dest string, log zerolog.Logger) error {
	if !source.IsValid(url) {
		return fmt.Errorf("unsupported URL %q", url)
	}

	log.Info().Str("url", url).Msg("converting")
	art, err := c.Run(ctx, url)
	if err != nil {
		var pe *pipeline.Error
		if errors.As(err, &pe) {
			return fmt.Errorf("%s failed: %s", pe.Stage, pe.Detail)
		}
		return err
	}
	defer art.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".convert-*.mp3")
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := art.WriteTo(tmp)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("move output into place: %w", err)
	}

	log.Info().Str("file", dest).Int64("bytes", n).Msg("done")
	return nil
}
