package media

import "context"

// Downloader fetches a remote video to a local file with yt-dlp.
type Downloader struct {
	// Bin is the executable name or path; defaults to "yt-dlp".
	Bin string
	// Cmd is the command executor; defaults to ExecCommandRunner{}.
	Cmd CommandRunner
}

// NewDownloader constructs a Downloader with the real ExecCommandRunner.
func NewDownloader(bin string) *Downloader {
	if bin == "" {
		bin = "yt-dlp"
	}
	return &Downloader{Bin: bin, Cmd: ExecCommandRunner{}}
}

// Download saves the best video+audio of url as an MP4 at destPath. Partial
// files are written in place (--no-part) so a killed run leaves nothing
// outside destPath. url follows "--" and is never parsed as an option.
func (d *Downloader) Download(ctx context.Context, url, destPath string) error {
	args := []string{
		"-f", "bv*+ba/b",
		"--merge-output-format", "mp4",
		"--no-part",
		"--no-playlist",
		"--quiet",
		"-o", destPath,
		"--",
		url,
	}
	return d.Cmd.Run(ctx, d.Bin, args...)
}

// Transcoder extracts audio tracks with ffmpeg.
type Transcoder struct {
	// Bin is the executable name or path; defaults to "ffmpeg".
	Bin string
	// Cmd is the command executor; defaults to ExecCommandRunner{}.
	Cmd CommandRunner
}

// NewTranscoder constructs a Transcoder with the real ExecCommandRunner.
func NewTranscoder(bin string) *Transcoder {
	if bin == "" {
		bin = "ffmpeg"
	}
	return &Transcoder{Bin: bin, Cmd: ExecCommandRunner{}}
}

// ToMP3 drops the video stream of inputPath and encodes its audio as a
// 192 kbit/s MP3 at outputPath, overwriting it.
func (t *Transcoder) ToMP3(ctx context.Context, inputPath, outputPath string) error {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-i", inputPath,
		"-vn",
		"-acodec", "libmp3lame",
		"-b:a", "192k",
		outputPath,
	}
	return t.Cmd.Run(ctx, t.Bin, args...)
}
