package service

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/haatos/vc4-buildbot/internal"
	"github.com/haatos/vc4-buildbot/internal/util"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	"github.com/schollz/progressbar/v3"
	"github.com/ulikunitz/xz"
)

const (
	mbrSize            = 512
	mbrPartitionOffset = 0x1BE
	mbrPartitionCount  = 4
	mbrEntrySize       = 16
)

var (
	zipMagic = []byte("PK\x03\x04")
	xzMagic  = []byte("\xFD7zXZ\x00")
)

type Mounter interface {
	Mount(ctx context.Context, source, target, fsType string, offset int64) error
	Unmount(ctx context.Context, target string) error
}

// ExecMounter mounts partitions of an image file through a loop device with
// mount(8).
type ExecMounter struct {
	runner CommandRunner
}

func NewExecMounter(runner CommandRunner) *ExecMounter {
	return &ExecMounter{runner: runner}
}

func (m *ExecMounter) Mount(ctx context.Context, source, target, fsType string, offset int64) error {
	return m.runner.Run(ctx, Command{
		Name: "mount",
		Args: []string{"-o", "offset=" + strconv.FormatInt(offset, 10), "-t", fsType, source, target},
	})
}

func (m *ExecMounter) Unmount(ctx context.Context, target string) error {
	return m.runner.Run(ctx, Command{Name: "umount", Args: []string{target}})
}

type Partition struct {
	Type        byte
	StartSector int64
	Sectors     int64
}

// ReadPartitionTable reads the primary partitions from the MBR of an image.
func ReadPartitionTable(img string) ([]Partition, error) {
	f, err := os.Open(img)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	mbr := make([]byte, mbrSize)
	if _, err := io.ReadFull(f, mbr); err != nil {
		return nil, fmt.Errorf("err reading partition table of %s: %w", img, err)
	}
	if mbr[510] != 0x55 || mbr[511] != 0xAA {
		return nil, fmt.Errorf("%s has no MBR boot signature", img)
	}

	var partitions []Partition
	for i := range mbrPartitionCount {
		entry := mbr[mbrPartitionOffset+i*mbrEntrySize : mbrPartitionOffset+(i+1)*mbrEntrySize]
		p := Partition{
			Type:        entry[4],
			StartSector: int64(binary.LittleEndian.Uint32(entry[8:12])),
			Sectors:     int64(binary.LittleEndian.Uint32(entry[12:16])),
		}
		if p.Type == 0 {
			continue
		}
		partitions = append(partitions, p)
	}
	return partitions, nil
}

// CheckGeometry asserts that the boot and root partitions start where the
// configuration expects them. Mounting at a wrong offset must not happen.
func CheckGeometry(partitions []Partition, cfg internal.ImageConfig) error {
	want := []struct {
		name  string
		start int64
	}{
		{"boot", cfg.BootStartSector},
		{"root", cfg.RootStartSector},
	}
	for i, w := range want {
		got := int64(-1)
		if i < len(partitions) {
			got = partitions[i].StartSector
		}
		if got != w.start {
			return &GeometryError{Partition: w.name, Want: w.start, Got: got}
		}
	}
	return nil
}

func PartitionOffset(startSector, bytesPerSector int64) int64 {
	return startSector * bytesPerSector
}

// EnableService links an init script into the given runlevels below root.
// Existing links are kept.
func EnableService(root, service string, runlevels []int) error {
	for _, level := range runlevels {
		link := filepath.Join(root, "etc", fmt.Sprintf("rc%d.d", level), "S02"+service)
		if _, err := os.Lstat(link); err == nil {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(link), 0755); err != nil {
			return err
		}
		if err := os.Symlink(filepath.Join("..", "init.d", service), link); err != nil {
			return fmt.Errorf("err enabling %s for runlevel %d: %w", service, level, err)
		}
	}
	return nil
}

// ZipImage writes img into a zip archive at out, deflated at the best level.
func ZipImage(img, out string) error {
	in, err := os.Open(img)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	return util.WriteFileAtomic(out, 0644, func(w io.Writer) error {
		zw := zip.NewWriter(w)
		zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
			return flate.NewWriter(out, flate.BestCompression)
		})

		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = filepath.Base(img)
		hdr.Method = zip.Deflate
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		if _, err := io.Copy(fw, in); err != nil {
			return err
		}
		return zw.Close()
	})
}

// ImageBuilder turns a stock base image and an overlay archive into a
// bootable disk image.
type ImageBuilder struct {
	cfg      internal.ImageConfig
	dir      string
	mounter  Mounter
	client   *http.Client
	progress io.Writer
}

// NewImageBuilder resolves relative base file and work dir paths against dir.
func NewImageBuilder(cfg internal.ImageConfig, dir string, mounter Mounter, progress io.Writer) *ImageBuilder {
	if progress == nil {
		progress = io.Discard
	}
	return &ImageBuilder{
		cfg:      cfg,
		dir:      dir,
		mounter:  mounter,
		client:   &http.Client{},
		progress: progress,
	}
}

func (ib *ImageBuilder) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(ib.dir, p)
}

func (ib *ImageBuilder) BasePath() string {
	return ib.resolve(ib.cfg.BaseFile)
}

func (ib *ImageBuilder) WorkDir() string {
	return ib.resolve(ib.cfg.WorkDir)
}

// Build writes the zipped image to out. The work dir is removed afterwards;
// the downloaded base image is kept for the next run.
func (ib *ImageBuilder) Build(ctx context.Context, overlay, out string) error {
	base, err := ib.DownloadBase(ctx)
	if err != nil {
		return err
	}

	workDir := ib.WorkDir()
	if err := os.RemoveAll(workDir); err != nil {
		return err
	}
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return err
	}
	defer os.RemoveAll(workDir)

	img, err := unpackBase(base, workDir)
	if err != nil {
		return err
	}

	partitions, err := ReadPartitionTable(img)
	if err != nil {
		return err
	}
	if err := CheckGeometry(partitions, ib.cfg); err != nil {
		return err
	}

	live := filepath.Join(workDir, "live")
	if err := ib.populate(ctx, img, live, overlay); err != nil {
		return err
	}

	return ZipImage(img, out)
}

// populate mounts the image partitions at live, applies the overlay and
// unmounts again, also when applying fails.
func (ib *ImageBuilder) populate(ctx context.Context, img, live, overlay string) (err error) {
	if err := os.MkdirAll(live, 0755); err != nil {
		return err
	}

	var mounted []string
	defer func() {
		for i := len(mounted) - 1; i >= 0; i-- {
			if uerr := ib.mounter.Unmount(ctx, mounted[i]); uerr != nil {
				err = errors.Join(err, fmt.Errorf("err unmounting %s: %w", mounted[i], uerr))
			}
		}
	}()

	bps := ib.cfg.BytesPerSector
	if err := ib.mounter.Mount(ctx, img, live, ib.cfg.RootFSType, PartitionOffset(ib.cfg.RootStartSector, bps)); err != nil {
		return fmt.Errorf("err mounting root partition: %w", err)
	}
	mounted = append(mounted, live)

	bootDir := filepath.Join(live, "boot")
	if err := os.MkdirAll(bootDir, 0755); err != nil {
		return err
	}
	if err := ib.mounter.Mount(ctx, img, bootDir, ib.cfg.BootFSType, PartitionOffset(ib.cfg.BootStartSector, bps)); err != nil {
		return fmt.Errorf("err mounting boot partition: %w", err)
	}
	mounted = append(mounted, bootDir)

	if err := ExtractOverlay(overlay, live); err != nil {
		return err
	}
	if ib.cfg.LoginService != "" {
		if err := EnableService(live, ib.cfg.LoginService, ib.cfg.Runlevels); err != nil {
			return err
		}
	}
	return nil
}

// DownloadBase fetches the base image unless the local copy is current.
// When the server cannot be reached an existing local copy is used.
func (ib *ImageBuilder) DownloadBase(ctx context.Context) (string, error) {
	dest := ib.BasePath()
	local, err := os.Stat(dest)
	haveLocal := err == nil

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ib.cfg.BaseURL, nil)
	if err != nil {
		return "", err
	}
	if haveLocal {
		req.Header.Set("If-Modified-Since", local.ModTime().UTC().Format(http.TimeFormat))
	}

	resp, err := ib.client.Do(req)
	if err != nil {
		if haveLocal {
			log.Printf("err downloading base image, using local copy: %v\n", err)
			return dest, nil
		}
		return "", fmt.Errorf("err downloading base image: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified && haveLocal:
		return dest, nil
	case resp.StatusCode != http.StatusOK:
		if haveLocal {
			log.Printf("base image download returned %s, using local copy\n", resp.Status)
			return dest, nil
		}
		return "", fmt.Errorf("err downloading base image: %s", resp.Status)
	}

	part := dest + ".part"
	if err := ib.save(resp, part); err != nil {
		os.Remove(part)
		return "", err
	}
	if err := os.Rename(part, dest); err != nil {
		return "", err
	}
	if lm, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
		os.Chtimes(dest, lm, lm)
	}
	return dest, nil
}

func (ib *ImageBuilder) save(resp *http.Response, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	bar := progressbar.NewOptions64(
		resp.ContentLength,
		progressbar.OptionSetWriter(ib.progress),
		progressbar.OptionSetDescription("downloading "+filepath.Base(path)),
		progressbar.OptionShowBytes(true),
		progressbar.OptionThrottle(500*time.Millisecond),
	)
	if _, err := io.Copy(io.MultiWriter(f, bar), resp.Body); err != nil {
		f.Close()
		return fmt.Errorf("err downloading base image: %w", err)
	}
	bar.Finish()
	fmt.Fprintln(ib.progress)

	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// unpackBase extracts the base image into dir and returns the path of the
// single .img it contains. Zip, xz and raw images are recognised by content.
func unpackBase(base, dir string) (string, error) {
	f, err := os.Open(base)
	if err != nil {
		return "", err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	magic, _ := br.Peek(len(xzMagic))

	switch {
	case bytes.HasPrefix(magic, zipMagic):
		f.Close()
		if err := unzipImages(base, dir); err != nil {
			return "", err
		}
	case bytes.HasPrefix(magic, xzMagic):
		xr, err := xz.NewReader(br)
		if err != nil {
			return "", err
		}
		name := strings.TrimSuffix(filepath.Base(base), ".xz")
		if !strings.HasSuffix(name, ".img") {
			name += ".img"
		}
		if err := writeStream(xr, filepath.Join(dir, name)); err != nil {
			return "", err
		}
	default:
		name := filepath.Base(base)
		if !strings.HasSuffix(name, ".img") {
			name += ".img"
		}
		if err := writeStream(br, filepath.Join(dir, name)); err != nil {
			return "", err
		}
	}

	images, err := filepath.Glob(filepath.Join(dir, "*.img"))
	if err != nil {
		return "", err
	}
	if len(images) != 1 {
		return "", fmt.Errorf("base image %s yielded %d .img files, expected 1", base, len(images))
	}
	return images[0], nil
}

// unzipImages extracts the .img entries of a zip into dir. Entry paths are
// flattened.
func unzipImages(src, dir string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, zf := range r.File {
		if zf.FileInfo().IsDir() || !strings.HasSuffix(zf.Name, ".img") {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return err
		}
		err = writeStream(rc, filepath.Join(dir, filepath.Base(zf.Name)))
		rc.Close()
		if err != nil {
			return fmt.Errorf("err extracting %s: %w", zf.Name, err)
		}
	}
	return nil
}

func writeStream(r io.Reader, path string) error {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
