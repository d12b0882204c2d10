package service

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildIssue_Set(t *testing.T) {
	t.Run("success - names keep recording order", func(t *testing.T) {
		// arrange
		bi := NewBuildIssue()

		// act
		bi.Set("xorg-macros", Provenance{Commit: "a"})
		bi.Set("libxcb", Provenance{Commit: "b"})
		bi.Set("xorg-macros", Provenance{Commit: "c"})

		// assert
		assert.Equal(t, []string{"xorg-macros", "libxcb"}, bi.Names())
		assert.Equal(t, 2, bi.Len())
		p, ok := bi.Get("xorg-macros")
		assert.True(t, ok)
		assert.Equal(t, "c", p.Commit)
	})
}

func TestBuildIssue_WriteFile(t *testing.T) {
	t.Run("success - keys sorted and indented", func(t *testing.T) {
		// arrange
		path := filepath.Join(t.TempDir(), "issue-vc4.json")
		bi := NewBuildIssue()
		bi.Set("mesa", Provenance{Commit: "bbb", Branch: "11.2", URL: "git://anongit.freedesktop.org/mesa/mesa"})
		bi.Set("libdrm", Provenance{Commit: "aaa", Branch: "master", URL: "git://anongit.freedesktop.org/mesa/drm"})
		expected := `{
    "libdrm": {
        "branch": "master",
        "commit": "aaa",
        "url": "git://anongit.freedesktop.org/mesa/drm"
    },
    "mesa": {
        "branch": "11.2",
        "commit": "bbb",
        "url": "git://anongit.freedesktop.org/mesa/mesa"
    }
}`

		// act
		err := bi.WriteFile(path)

		// assert
		assert.NoError(t, err)
		b, err := os.ReadFile(path)
		assert.NoError(t, err)
		assert.Equal(t, expected, string(b))
	})

	t.Run("success - empty record", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "issue-vc4.json")

		err := NewBuildIssue().WriteFile(path)

		assert.NoError(t, err)
		b, _ := os.ReadFile(path)
		assert.Equal(t, "{}", string(b))
	})
}

func TestBuildIssue_ReadIssueFile(t *testing.T) {
	t.Run("success - record read back sorted", func(t *testing.T) {
		// arrange
		path := filepath.Join(t.TempDir(), "issue-vc4.json")
		bi := NewBuildIssue()
		bi.Set("xserver", Provenance{Commit: "c"})
		bi.Set("glproto", Provenance{Commit: "a"})
		assert.NoError(t, bi.WriteFile(path))

		// act
		got, err := ReadIssueFile(path)

		// assert
		assert.NoError(t, err)
		assert.Equal(t, []string{"glproto", "xserver"}, got.Names())
		p, _ := got.Get("xserver")
		assert.Equal(t, "c", p.Commit)
	})

	t.Run("failure - malformed record", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "issue-vc4.json")
		assert.NoError(t, os.WriteFile(path, []byte("{"), 0644))

		got, err := ReadIssueFile(path)

		assert.Error(t, err)
		assert.Nil(t, got)
	})
}
