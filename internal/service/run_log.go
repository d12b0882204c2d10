package service

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dsnet/compress/bzip2"
	"github.com/haatos/vc4-buildbot/internal"
	"github.com/haatos/vc4-buildbot/internal/util"
)

// Staging names the artifacts of one run. All of them share the run prefix,
// which ends in the staging tag so one glob finds the artifacts of every run.
type Staging struct {
	dir    string
	tag    string
	prefix string
}

func NewStaging(cfg internal.StagingConfig, now time.Time) *Staging {
	return &Staging{
		dir:    cfg.Dir,
		tag:    cfg.Tag,
		prefix: now.Format(internal.PrefixLayout) + "-" + cfg.Tag,
	}
}

func (s *Staging) Prefix() string {
	return s.prefix
}

func (s *Staging) Path(suffix string) string {
	return filepath.Join(s.dir, s.prefix+suffix)
}

func (s *Staging) LogPath() string {
	return s.Path(internal.LogSuffix)
}

// FinalizeLog renames the run log after the outcome and compresses it.
// It returns the path of the compressed log.
func (s *Staging) FinalizeLog(success bool) (string, error) {
	suffix := internal.FailureLogSuffix
	if success {
		suffix = internal.SuccessLogSuffix
	}
	outcomePath := s.Path(suffix)
	if err := os.Rename(s.LogPath(), outcomePath); err != nil {
		return "", fmt.Errorf("err renaming run log: %w", err)
	}
	return CompressFile(outcomePath)
}

// StagedFiles lists the regular files in the staging directory that belong
// to any run.
func StagedFiles(cfg internal.StagingConfig) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(cfg.Dir, "*-"+cfg.Tag+"*"))
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(matches))
	for _, m := range matches {
		if strings.HasPrefix(filepath.Base(m), ".") {
			continue
		}
		info, err := os.Lstat(m)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		files = append(files, m)
	}
	return files, nil
}

// CompressFile replaces path by path.bz2, compressed at the best level.
func CompressFile(path string) (string, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return "", err
	}

	outPath := path + internal.Bzip2Ext
	if err := util.WriteFileAtomic(outPath, info.Mode().Perm(), func(w io.Writer) error {
		bw, err := bzip2.NewWriter(w, &bzip2.WriterConfig{Level: bzip2.BestCompression})
		if err != nil {
			return err
		}
		if _, err := io.Copy(bw, in); err != nil {
			bw.Close()
			return err
		}
		return bw.Close()
	}); err != nil {
		return "", fmt.Errorf("err compressing %s: %w", path, err)
	}

	if err := os.Remove(path); err != nil {
		return "", err
	}
	return outPath, nil
}
