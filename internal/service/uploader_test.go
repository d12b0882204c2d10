package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/haatos/vc4-buildbot/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type MockUploader struct {
	mock.Mock
}

func (m *MockUploader) Upload(ctx context.Context, paths []string) error {
	args := m.Called(ctx, paths)
	return args.Error(0)
}

func stageFiles(t *testing.T, dir string, names ...string) []string {
	t.Helper()
	paths := make([]string, 0, len(names))
	for _, name := range names {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(name), 0644); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, p)
	}
	return paths
}

func TestStagingFlusher_Flush(t *testing.T) {
	t.Run("success - uploaded files are deleted", func(t *testing.T) {
		// arrange
		dir := t.TempDir()
		cfg := internal.StagingConfig{Dir: dir, Tag: "vc4"}
		paths := stageFiles(t, dir,
			"20261014-0300-vc4-success.log.bz2",
			"20261014-0300-vc4-issue.json",
			"20261014-0300-vc4-overlay.tar.bz2",
			"20261014-0300-vc4-image.zip",
		)
		stageFiles(t, dir, "raspbian_latest")
		slices.Sort(paths)
		uploader := new(MockUploader)
		uploader.On("Upload", mock.Anything, paths).Return(nil)
		flusher := NewStagingFlusher(cfg, uploader)

		// act
		uploaded, err := flusher.Flush(context.Background())

		// assert
		assert.NoError(t, err)
		assert.True(t, uploaded)
		uploader.AssertExpectations(t)
		files, _ := StagedFiles(cfg)
		assert.Empty(t, files)
		_, err = os.Stat(filepath.Join(dir, "raspbian_latest"))
		assert.NoError(t, err)
	})

	t.Run("failure - nothing is deleted when upload fails", func(t *testing.T) {
		// arrange
		dir := t.TempDir()
		cfg := internal.StagingConfig{Dir: dir, Tag: "vc4"}
		paths := stageFiles(t, dir,
			"20261014-0300-vc4-failure.log.bz2",
			"20261013-0300-vc4-success.log.bz2",
		)
		uploader := new(MockUploader)
		uploader.On("Upload", mock.Anything, mock.Anything).Return(errors.New("connection refused"))
		flusher := NewStagingFlusher(cfg, uploader)

		// act
		uploaded, err := flusher.Flush(context.Background())

		// assert
		assert.Error(t, err)
		assert.False(t, uploaded)
		files, _ := StagedFiles(cfg)
		assert.ElementsMatch(t, paths, files)
	})

	t.Run("success - nothing staged means no upload", func(t *testing.T) {
		// arrange
		uploader := new(MockUploader)
		flusher := NewStagingFlusher(internal.StagingConfig{Dir: t.TempDir(), Tag: "vc4"}, uploader)

		// act
		uploaded, err := flusher.Flush(context.Background())

		// assert
		assert.NoError(t, err)
		assert.False(t, uploaded)
		uploader.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything)
	})

	t.Run("success - no uploader keeps files", func(t *testing.T) {
		// arrange
		dir := t.TempDir()
		cfg := internal.StagingConfig{Dir: dir, Tag: "vc4"}
		stageFiles(t, dir, "20261014-0300-vc4-image.zip")
		flusher := NewStagingFlusher(cfg, nil)

		// act
		uploaded, err := flusher.Flush(context.Background())

		// assert
		assert.NoError(t, err)
		assert.False(t, uploaded)
		files, _ := StagedFiles(cfg)
		assert.Len(t, files, 1)
	})
}

func TestUploader_resolveRemoteDir(t *testing.T) {
	assert.Equal(t, "/home/vc4-buildbot/upload", resolveRemoteDir("/home/vc4-buildbot", "~/upload/"))
	assert.Equal(t, "/home/vc4-buildbot", resolveRemoteDir("/home/vc4-buildbot", "~"))
	assert.Equal(t, "/srv/upload", resolveRemoteDir("/home/vc4-buildbot", "/srv/upload/"))
	assert.Equal(t, "/home/vc4-buildbot/nightly", resolveRemoteDir("/home/vc4-buildbot", "nightly"))
}

func TestUploader_objectKey(t *testing.T) {
	assert.Equal(t, "upload/20261014-0300-vc4-image.zip", objectKey("~/upload/", "/tmp/20261014-0300-vc4-image.zip"))
	assert.Equal(t, "20261014-0300-vc4-image.zip", objectKey("", "/tmp/20261014-0300-vc4-image.zip"))
}

func TestUploader_NewUploader(t *testing.T) {
	t.Run("success - none backend", func(t *testing.T) {
		u, err := NewUploader(context.Background(), internal.UploadConfig{Backend: "none"}, nil)
		assert.NoError(t, err)
		assert.Nil(t, u)
	})

	t.Run("success - sftp backend", func(t *testing.T) {
		u, err := NewUploader(context.Background(), internal.DefaultConfiguration().Upload, nil)
		assert.NoError(t, err)
		assert.IsType(t, &SFTPUploader{}, u)
	})

	t.Run("failure - unknown backend", func(t *testing.T) {
		_, err := NewUploader(context.Background(), internal.UploadConfig{Backend: "ftp"}, nil)
		assert.Error(t, err)
	})

	t.Run("failure - s3 without bucket", func(t *testing.T) {
		_, err := NewUploader(context.Background(), internal.UploadConfig{Backend: "s3"}, nil)
		assert.Error(t, err)
	})
}
