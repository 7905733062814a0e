package saver

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
)

// downloadBotFile pulls a Bot API file to the download directory and returns
// its local path. Used for user-supplied thumbnail photos, which the Bot API
// caps at sizes far below anything worth streaming.
func (h *Handler) downloadBotFile(fileID, name string) (string, error) {
	bot := h.Coordinator.Handles().Bot.API()

	url, err := bot.GetFileDirectURL(fileID)
	if err != nil {
		return "", fmt.Errorf("resolving file url: %w", err)
	}

	resp, err := http.Get(url)
	if err != nil {
		return "", fmt.Errorf("fetching file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching file: unexpected status %d", resp.StatusCode)
	}

	path := filepath.Join(h.Engine.DownloadDir, name)
	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("writing file: %w", err)
	}

	return path, nil
}
