package service

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dsnet/compress/bzip2"
	"github.com/haatos/vc4-buildbot/internal"
	"github.com/stretchr/testify/assert"
)

func readBzip2(t *testing.T, path string) string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	r, err := bzip2.NewReader(f, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestStaging_Prefix(t *testing.T) {
	t.Run("success - prefix is timestamp and tag", func(t *testing.T) {
		now := time.Date(2026, 10, 14, 3, 5, 0, 0, time.UTC)
		s := NewStaging(internal.StagingConfig{Dir: "/tmp", Tag: "vc4"}, now)

		assert.Equal(t, "20261014-0305-vc4", s.Prefix())
		assert.Equal(t, "/tmp/20261014-0305-vc4.log", s.LogPath())
		assert.Equal(t, "/tmp/20261014-0305-vc4-image.zip", s.Path(internal.ImageSuffix))
	})
}

func TestStaging_FinalizeLog(t *testing.T) {
	for _, success := range []bool{true, false} {
		t.Run("success - log renamed and compressed", func(t *testing.T) {
			// arrange
			dir := t.TempDir()
			s := NewStaging(internal.StagingConfig{Dir: dir, Tag: "vc4"}, time.Date(2026, 10, 14, 3, 0, 0, 0, time.UTC))
			assert.NoError(t, os.WriteFile(s.LogPath(), []byte("==> [1/27] apt-update\n"), 0644))

			// act
			path, err := s.FinalizeLog(success)

			// assert
			assert.NoError(t, err)
			expected := filepath.Join(dir, "20261014-0300-vc4-failure.log.bz2")
			if success {
				expected = filepath.Join(dir, "20261014-0300-vc4-success.log.bz2")
			}
			assert.Equal(t, expected, path)
			assert.Equal(t, "==> [1/27] apt-update\n", readBzip2(t, path))
			files, err := StagedFiles(internal.StagingConfig{Dir: dir, Tag: "vc4"})
			assert.NoError(t, err)
			assert.Equal(t, []string{expected}, files)
		})
	}

	t.Run("failure - missing log", func(t *testing.T) {
		s := NewStaging(internal.StagingConfig{Dir: t.TempDir(), Tag: "vc4"}, time.Now())

		_, err := s.FinalizeLog(true)

		assert.Error(t, err)
	})
}

func TestStaging_StagedFiles(t *testing.T) {
	t.Run("success - only regular files of any run", func(t *testing.T) {
		// arrange
		dir := t.TempDir()
		cfg := internal.StagingConfig{Dir: dir, Tag: "vc4"}
		for _, name := range []string{
			"20261013-0300-vc4-failure.log.bz2",
			"20261014-0300-vc4-image.zip",
			"raspbian_latest",
			"unrelated.txt",
		} {
			assert.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
		}
		assert.NoError(t, os.Mkdir(filepath.Join(dir, "buildbot-image"), 0755))
		assert.NoError(t, os.Mkdir(filepath.Join(dir, "old-vc4-dir"), 0755))

		// act
		files, err := StagedFiles(cfg)

		// assert
		assert.NoError(t, err)
		assert.Equal(t, []string{
			filepath.Join(dir, "20261013-0300-vc4-failure.log.bz2"),
			filepath.Join(dir, "20261014-0300-vc4-image.zip"),
		}, files)
	})
}
