package transcode

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"meeting-transcript-service/pkg/executor"
)

// Config holds ffmpeg transcoder settings.
type Config struct {
	Binary     string // ffmpeg binary, default "ffmpeg"
	SampleRate int    // target rate, default 16000
	TempDir    string // scratch directory, default os.TempDir()
}

// FFmpeg shells out to ffmpeg for each chunk.
type FFmpeg struct {
	exec executor.Executor
	cfg  Config
}

// NewFFmpeg creates an ffmpeg-backed transcoder.
func NewFFmpeg(exec executor.Executor, cfg Config) *FFmpeg {
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	return &FFmpeg{exec: exec, cfg: cfg}
}

// Transcode converts data to mono 16-bit PCM at the target rate.
// formatHint is the upload's file extension ("webm", ".ogg", ...).
func (f *FFmpeg) Transcode(ctx context.Context, data []byte, formatHint string) (PCM, error) {
	dir, err := os.MkdirTemp(f.cfg.TempDir, "chunk-*")
	if err != nil {
		return PCM{}, fmt.Errorf("%w: create scratch dir: %v", ErrTranscode, err)
	}
	defer os.RemoveAll(dir)

	inPath := filepath.Join(dir, "in"+normalizeExt(formatHint))
	outPath := filepath.Join(dir, "out.wav")

	if err := os.WriteFile(inPath, data, 0o600); err != nil {
		return PCM{}, fmt.Errorf("%w: write input: %v", ErrTranscode, err)
	}

	// -ar: target rate, -ac 1: mono, pcm_s16le: 16-bit little-endian
	// -map_metadata -1 -fflags +bitexact keep the header free of LIST chunks
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-i", inPath,
		"-vn",
		"-ar", strconv.Itoa(f.cfg.SampleRate),
		"-ac", "1",
		"-acodec", "pcm_s16le",
		"-map_metadata", "-1",
		"-fflags", "+bitexact",
		outPath,
	}

	if _, err := f.exec.Execute(ctx, f.cfg.Binary, args...); err != nil {
		return PCM{}, fmt.Errorf("%w: %v", ErrTranscode, err)
	}

	out, err := os.ReadFile(outPath)
	if err != nil {
		return PCM{}, fmt.Errorf("%w: read output: %v", ErrTranscode, err)
	}

	pcm, err := DecodeWAV(out)
	if err != nil {
		return PCM{}, err
	}
	if pcm.SampleRate != f.cfg.SampleRate {
		return PCM{}, fmt.Errorf("%w: sample rate %d, want %d", ErrUnsupportedAudio, pcm.SampleRate, f.cfg.SampleRate)
	}
	return pcm, nil
}

func normalizeExt(hint string) string {
	hint = strings.ToLower(strings.TrimSpace(hint))
	if hint == "" {
		return ".bin"
	}
	if !strings.HasPrefix(hint, ".") {
		hint = "." + hint
	}
	return filepath.Base(hint)
}
