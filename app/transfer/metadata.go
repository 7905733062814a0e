package transfer

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// ProbeVideo reads width, height, and duration from the downloaded file.
func (eng *Engine) ProbeVideo(ctx context.Context, path string) (VideoMeta, error) {
	cmd := exec.CommandContext(
		ctx,
		"ffprobe",
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height:format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		"-i", path,
	)
	output, err := cmd.Output()
	if err != nil {
		return VideoMeta{}, fmt.Errorf("probing video: %w", err)
	}
	return parseProbeOutput(string(output))
}

func parseProbeOutput(output string) (VideoMeta, error) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) < 3 {
		return VideoMeta{}, fmt.Errorf("unexpected ffprobe output: %q", output)
	}

	width, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return VideoMeta{}, fmt.Errorf("parsing width: %w", err)
	}
	height, err := strconv.Atoi(strings.TrimSpace(lines[1]))
	if err != nil {
		return VideoMeta{}, fmt.Errorf("parsing height: %w", err)
	}
	duration, err := strconv.ParseFloat(strings.TrimSpace(lines[2]), 64)
	if err != nil {
		return VideoMeta{}, fmt.Errorf("parsing duration: %w", err)
	}

	return VideoMeta{Width: width, Height: height, Duration: duration}, nil
}

// Thumbnail picks the thumbnail for an upload: a user-supplied override file
// when it exists on disk, otherwise a frame grabbed from the video. The
// second return value reports whether the file is job-owned and must be
// cleaned up.
func (eng *Engine) Thumbnail(ctx context.Context, override string, media *LocalMedia, jobTag string) (string, bool) {
	if override != "" {
		if _, err := os.Stat(override); err == nil {
			return override, false
		}
	}

	if !media.Video {
		return "", false
	}

	path := filepath.Join(eng.DownloadDir, jobTag+"_thumb.jpg")
	if err := eng.screenshot(ctx, media.Path, path); err != nil {
		eng.Log.Warn("generating video thumbnail failed", "error", err)
		return "", false
	}
	return path, true
}

// screenshot grabs a frame one second in, falling back to the first frame
// for clips shorter than that.
func (eng *Engine) screenshot(ctx context.Context, videoPath, outPath string) error {
	for _, seek := range []string{"1", "0"} {
		cmd := exec.CommandContext(
			ctx,
			"ffmpeg",
			"-y",
			"-ss", seek,
			"-i", videoPath,
			"-frames:v", "1",
			"-vf", "scale=320:-2",
			outPath,
		)
		if err := cmd.Run(); err != nil {
			continue
		}
		if info, err := os.Stat(outPath); err == nil && info.Size() > 0 {
			return nil
		}
	}
	return fmt.Errorf("no usable frame in %s", videoPath)
}
