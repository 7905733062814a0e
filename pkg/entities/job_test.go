package entities

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRemoveArtifactsDeletesJobFiles(t *testing.T) {
	dir := t.TempDir()
	download := filepath.Join(dir, "media.bin")
	thumb := filepath.Join(dir, "thumb.jpg")
	for _, p := range []string{download, thumb} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("writing %s: %v", p, err)
		}
	}

	job := RetrievalJob{
		DownloadPath:   download,
		ThumbPath:      thumb,
		ThumbGenerated: true,
	}
	job.RemoveArtifacts()

	for _, p := range []string{download, thumb} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s still exists after cleanup", p)
		}
	}
}

func TestRemoveArtifactsKeepsUserThumbnail(t *testing.T) {
	dir := t.TempDir()
	thumb := filepath.Join(dir, "override.jpg")
	if err := os.WriteFile(thumb, []byte("x"), 0o644); err != nil {
		t.Fatalf("writing thumb: %v", err)
	}

	job := RetrievalJob{ThumbPath: thumb, ThumbGenerated: false}
	job.RemoveArtifacts()

	if _, err := os.Stat(thumb); err != nil {
		t.Errorf("user thumbnail was deleted: %v", err)
	}
}

func TestRemoveArtifactsIdempotent(t *testing.T) {
	job := RetrievalJob{DownloadPath: filepath.Join(t.TempDir(), "never-created")}
	job.RemoveArtifacts()
	job.RemoveArtifacts()
}

func TestTerminalStatuses(t *testing.T) {
	cases := map[JobStatus]bool{
		JobStatusProcessing:  false,
		JobStatusChecking:    false,
		JobStatusAccessing:   false,
		JobStatusDownloading: false,
		JobStatusUploading:   false,
		JobStatusDelivered:   true,
		JobStatusFailed:      true,
	}
	for status, want := range cases {
		if got := status.Terminal(); got != want {
			t.Errorf("Terminal(%s) = %v, want %v", status, got, want)
		}
	}
}
