package corpus

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bdougie/videobench/internal/models"
)

// Supported video extensions (lowercase, with leading dot).
var videoExtensions = map[string]bool{
	".mp4": true,
	".avi": true,
	".mov": true,
	".mkv": true,
	".flv": true,
	".wmv": true,
}

// IsVideo reports whether name carries a known video extension.
func IsVideo(name string) bool {
	return videoExtensions[strings.ToLower(filepath.Ext(name))]
}

// Discover lists regular files directly under dir with a video extension,
// sorted by name so reruns process videos in the same order. Symlinks are
// followed. A missing directory yields an empty corpus and a warning.
func Discover(dir string, logger *slog.Logger) ([]models.VideoItem, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		logger.Warn("videos directory does not exist", "dir", dir)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read videos directory '%s': %w", dir, err)
	}

	var videos []models.VideoItem
	for _, entry := range entries {
		if !IsVideo(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		info, err := os.Stat(path)
		if err != nil {
			logger.Warn("skipping unreadable video entry", "path", path, "error", err)
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		videos = append(videos, models.VideoItem{Path: path, Name: entry.Name()})
	}
	sort.Slice(videos, func(i, j int) bool { return videos[i].Name < videos[j].Name })

	logger.Info("discovered videos", "dir", dir, "count", len(videos))
	return videos, nil
}

// URL joins the hosting base URL and the video's file name.
func URL(base string, video models.VideoItem) string {
	return strings.TrimRight(base, "/") + "/" + video.Name
}

// Stem returns the file name without its extension.
func Stem(name string) string {
	base := filepath.Base(name)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
