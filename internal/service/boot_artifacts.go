package service

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/haatos/vc4-buildbot/internal"
	"github.com/haatos/vc4-buildbot/internal/util"
	"lukechampine.com/blake3"
)

// BootArtifactSet is the set of boot partition files a build overwrites.
// Backup copies each one next to itself; Restore puts the copies back and
// checks them against the digests taken at backup time.
type BootArtifactSet struct {
	paths   []string
	suffix  string
	digests map[string][]byte
	absent  map[string]bool
}

func NewBootArtifactSet(cfg internal.BootConfig) *BootArtifactSet {
	paths := make([]string, 0, len(cfg.Artifacts))
	for _, name := range cfg.Artifacts {
		if filepath.IsAbs(name) {
			paths = append(paths, name)
		} else {
			paths = append(paths, filepath.Join(cfg.Dir, name))
		}
	}
	return &BootArtifactSet{
		paths:   paths,
		suffix:  cfg.BackupSuffix,
		digests: make(map[string][]byte),
		absent:  make(map[string]bool),
	}
}

func (s *BootArtifactSet) BackupPath(path string) string {
	return path + s.suffix
}

// Backup must succeed before anything may modify the boot partition. A
// backup left behind by an interrupted run is put back first, so the live
// artifact of that run is never taken as the original.
func (s *BootArtifactSet) Backup() error {
	for _, path := range s.paths {
		if err := s.recoverStale(path); err != nil {
			return err
		}
		exists, err := util.PathExists(path)
		if err != nil {
			return err
		}
		if !exists {
			s.absent[path] = true
			continue
		}
		h := blake3.New(32, nil)
		if err := util.CopyFile(path, s.BackupPath(path), h); err != nil {
			return fmt.Errorf("err backing up %s: %w", path, err)
		}
		s.digests[path] = h.Sum(nil)
	}
	return nil
}

func (s *BootArtifactSet) recoverStale(path string) error {
	backup := s.BackupPath(path)
	info, err := os.Lstat(backup)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("err recovering %s: backup is not a regular file", path)
	}
	log.Printf("restoring %s from a backup left by an interrupted run\n", path)
	if err := os.Rename(backup, path); err != nil {
		return fmt.Errorf("err recovering %s: %w", path, err)
	}
	return nil
}

// Restore attempts every artifact even when some fail.
func (s *BootArtifactSet) Restore() error {
	failures := make(map[string]error)
	for _, path := range s.paths {
		if err := s.restore(path); err != nil {
			failures[path] = err
		}
	}
	if len(failures) > 0 {
		return &RestoreError{Failures: failures}
	}
	return nil
}

func (s *BootArtifactSet) restore(path string) error {
	if s.absent[path] {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	digest, ok := s.digests[path]
	if !ok {
		return nil
	}
	if err := os.Rename(s.BackupPath(path), path); err != nil {
		return err
	}
	got, err := digestFile(path)
	if err != nil {
		return err
	}
	if !bytes.Equal(got, digest) {
		return fmt.Errorf("restored %s does not match its backup", path)
	}
	return nil
}

func digestFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
