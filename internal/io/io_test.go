package io

import (
	"context"
	stdio "io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadExpandsDirectoriesInOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.JPG"), "b")
	writeFile(t, filepath.Join(dir, "a.png"), "a")
	writeFile(t, filepath.Join(dir, "notes.txt"), "skip")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o755))
	writeFile(t, filepath.Join(dir, "nested", "c.jpg"), "c")

	extra := filepath.Join(t.TempDir(), "z.webp")
	writeFile(t, extra, "z")

	logger, _ := test.NewNullLogger()
	frames, err := NewBurstLoader(logger).Load([]string{dir, extra})
	require.NoError(t, err)

	var got []string
	for _, f := range frames {
		got = append(got, string(f.Data))
	}
	assert.Equal(t, []string{"a", "b", "z"}, got)
}

func TestLoadRejectsUnsupportedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.mov")
	writeFile(t, path, "x")

	_, err := NewBurstLoader(nil).Load([]string{path})
	assert.ErrorContains(t, err, "unsupported image format")
}

func TestLoadEmptyDirectory(t *testing.T) {
	_, err := NewBurstLoader(nil).Load([]string{t.TempDir()})
	assert.ErrorContains(t, err, "no supported images")
}

func TestIsSupportedImageFormat(t *testing.T) {
	assert.True(t, IsSupportedImageFormat("photo.JPEG"))
	assert.True(t, IsSupportedImageFormat("scan.tif"))
	assert.False(t, IsSupportedImageFormat("loop.gif"))
	assert.False(t, IsSupportedImageFormat("README"))
}

func TestLocalStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore(t.TempDir(), nil)

	require.NoError(t, s.Put(ctx, "loops/job/0.jpg", "image/jpeg", strings.NewReader("frame")))

	r, err := s.Get(ctx, "loops/job/0.jpg")
	require.NoError(t, err)
	data, err := stdio.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "frame", string(data))

	url, err := s.URL("loops/job/0.jpg")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "file://"))

	require.NoError(t, s.Delete(ctx, "loops/job/0.jpg"))
	_, err = s.Get(ctx, "loops/job/0.jpg")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "loops/job/0.jpg"), ErrNotFound)
}

func TestLocalStoreRejectsEscapingKeys(t *testing.T) {
	s := NewLocalStore(t.TempDir(), nil)
	for _, key := range []string{"", "../outside", "/etc/passwd", "a/../../b"} {
		err := s.Put(context.Background(), key, "text/plain", strings.NewReader("x"))
		assert.Error(t, err, key)
	}
}

func TestLocalStoreHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewLocalStore(t.TempDir(), nil)
	assert.ErrorIs(t, s.Put(ctx, "k", "", strings.NewReader("x")), context.Canceled)
}
