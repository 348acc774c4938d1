// Burst loading from disk
package io

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

var supportedFormats = []string{".jpg", ".jpeg", ".png", ".tiff", ".tif", ".bmp", ".webp"}

// BurstLoader reads the compressed frames of a burst from files and directories.
type BurstLoader struct {
	logger logrus.FieldLogger
}

func NewBurstLoader(logger logrus.FieldLogger) *BurstLoader {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &BurstLoader{logger: logger}
}

// Frame is one compressed input image and where it came from.
type Frame struct {
	Path string
	Data []byte
}

// Load expands directories (non-recursively, sorted by name), keeps files with a
// supported image extension and returns their contents in order. Explicitly
// named files with an unsupported extension are an error.
func (bl *BurstLoader) Load(paths []string) ([]Frame, error) {
	files, err := bl.expand(paths)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no supported images found in %s", strings.Join(paths, ", "))
	}

	frames := make([]Frame, 0, len(files))
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		frames = append(frames, Frame{Path: path, Data: data})
		bl.logger.WithFields(logrus.Fields{
			"filepath": path,
			"bytes":    len(data),
		}).Debug("Image loaded")
	}

	bl.logger.WithField("frames", len(frames)).Info("Burst loaded")
	return frames, nil
}

func (bl *BurstLoader) expand(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}

		if !info.IsDir() {
			if !IsSupportedImageFormat(p) {
				return nil, fmt.Errorf("unsupported image format: %s", p)
			}
			files = append(files, p)
			continue
		}

		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, err
		}
		var names []string
		for _, e := range entries {
			if e.IsDir() || !IsSupportedImageFormat(e.Name()) {
				continue
			}
			names = append(names, e.Name())
		}
		sort.Strings(names)
		for _, name := range names {
			files = append(files, filepath.Join(p, name))
		}
	}
	return files, nil
}

func IsSupportedImageFormat(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, format := range supportedFormats {
		if ext == format {
			return true
		}
	}
	return false
}
