package service

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dsnet/compress/bzip2"
	"github.com/haatos/vc4-buildbot/internal"
	"github.com/haatos/vc4-buildbot/internal/util"
)

// OverlayBuilder archives the files a build added or changed on the host so
// they can be layered onto a stock base image.
type OverlayBuilder struct {
	root    string
	include []string
	exclude []string
}

func NewOverlayBuilder(cfg internal.OverlayConfig) *OverlayBuilder {
	root := cfg.Root
	if root == "" {
		root = "/"
	}
	return &OverlayBuilder{root: root, include: cfg.Include, exclude: cfg.Exclude}
}

// Build writes a bzip2 compressed tar of every included path to out. Include
// entries are glob patterns; an include matching nothing is skipped.
func (ob *OverlayBuilder) Build(out string) error {
	return util.WriteFileAtomic(out, 0644, func(w io.Writer) error {
		bw, err := bzip2.NewWriter(w, &bzip2.WriterConfig{Level: bzip2.BestCompression})
		if err != nil {
			return err
		}
		tw := tar.NewWriter(bw)

		seen := make(map[string]bool)
		for _, pattern := range ob.include {
			matches, err := filepath.Glob(filepath.Join(ob.root, pattern))
			if err != nil {
				return fmt.Errorf("err matching overlay include %s: %w", pattern, err)
			}
			if len(matches) == 0 {
				log.Printf("overlay include %s matched nothing (skipped)\n", pattern)
				continue
			}
			for _, m := range matches {
				if err := ob.addTree(tw, m, seen); err != nil {
					return err
				}
			}
		}

		if err := tw.Close(); err != nil {
			return err
		}
		return bw.Close()
	})
}

// archivePath is p relative to the root, with forward slashes.
func (ob *OverlayBuilder) archivePath(p string) (string, error) {
	rel, err := filepath.Rel(ob.root, p)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is outside %s", p, ob.root)
	}
	return filepath.ToSlash(rel), nil
}

func (ob *OverlayBuilder) excluded(name string) bool {
	abs := "/" + name
	for _, pattern := range ob.exclude {
		if ok, _ := path.Match(pattern, abs); ok {
			return true
		}
	}
	return false
}

func (ob *OverlayBuilder) addTree(tw *tar.Writer, top string, seen map[string]bool) error {
	return filepath.WalkDir(top, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name, err := ob.archivePath(p)
		if err != nil {
			return err
		}
		if name == "." {
			return nil
		}
		if ob.excluded(name) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if seen[name] {
			return nil
		}
		seen[name] = true

		info, err := d.Info()
		if err != nil {
			return err
		}
		return writeTarEntry(tw, p, name, info)
	})
}

func writeTarEntry(tw *tar.Writer, p, name string, info fs.FileInfo) error {
	var link string
	if info.Mode()&fs.ModeSymlink != 0 {
		target, err := os.Readlink(p)
		if err != nil {
			return err
		}
		link = target
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return fmt.Errorf("err archiving %s: %w", p, err)
	}
	hdr.Name = name
	if info.IsDir() {
		hdr.Name += "/"
	}
	hdr.Format = tar.FormatPAX
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}

	if !info.Mode().IsRegular() {
		return nil
	}
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

// ExtractOverlay unpacks a bzip2 compressed tar into root. Ownership is
// restored only when running as root.
func ExtractOverlay(archive, root string) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	br, err := bzip2.NewReader(f, nil)
	if err != nil {
		return err
	}
	defer br.Close()

	chown := os.Geteuid() == 0
	tr := tar.NewReader(br)
	type dirTime struct {
		path  string
		mtime time.Time
	}
	var dirs []dirTime

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("err reading overlay %s: %w", archive, err)
		}

		target, err := safeJoin(root, hdr.Name)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}

		mode := hdr.FileInfo().Mode().Perm()
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, mode); err != nil {
				return err
			}
			if err := os.Chmod(target, mode); err != nil {
				return err
			}
			dirs = append(dirs, dirTime{target, hdr.ModTime})
		case tar.TypeReg:
			if err := extractFile(tr, target, mode); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.RemoveAll(target); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		case tar.TypeLink:
			src, err := safeJoin(root, hdr.Linkname)
			if err != nil {
				return err
			}
			if err := os.RemoveAll(target); err != nil {
				return err
			}
			if err := os.Link(src, target); err != nil {
				return err
			}
		default:
			log.Printf("overlay entry %s of type %c skipped\n", hdr.Name, hdr.Typeflag)
			continue
		}

		if chown {
			os.Lchown(target, hdr.Uid, hdr.Gid)
		}
		if hdr.Typeflag == tar.TypeReg {
			if err := os.Chtimes(target, hdr.ModTime, hdr.ModTime); err != nil {
				return err
			}
		}
	}

	// directory mtimes last, extracting their contents touched them
	for i := len(dirs) - 1; i >= 0; i-- {
		os.Chtimes(dirs[i].path, dirs[i].mtime, dirs[i].mtime)
	}
	return nil
}

func extractFile(r io.Reader, target string, mode fs.FileMode) error {
	if err := os.RemoveAll(target); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(target, mode)
}

func safeJoin(root, name string) (string, error) {
	local := filepath.Clean(filepath.FromSlash(name))
	if !filepath.IsLocal(local) {
		return "", fmt.Errorf("overlay entry %s escapes %s", name, root)
	}
	return filepath.Join(root, local), nil
}
