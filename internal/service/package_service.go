package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/haatos/vc4-buildbot/internal"
	"github.com/haatos/vc4-buildbot/internal/store"
	"github.com/haatos/vc4-buildbot/internal/util"
	"golang.org/x/sys/unix"
)

// issueClockSkew tolerates coarse file system timestamps when deciding
// whether the issue record was written by the current run.
const issueClockSkew = 2 * time.Second

// childWaitDelay bounds how long Launch waits on the child's output after
// the group was killed.
const childWaitDelay = 10 * time.Second

type PipelineLauncher interface {
	// Launch runs the build pipeline to completion and returns its exit code.
	Launch(ctx context.Context, out io.Writer) (int, error)
}

// ChildLauncher runs the pipeline as a child of the current binary in its
// own process group.
type ChildLauncher struct {
	executable string
	args       []string
}

func NewChildLauncher(configPath string) (*ChildLauncher, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	args := []string{internal.BuildCommand}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	return &ChildLauncher{executable: exe, args: args}, nil
}

// Launch kills the child's whole process group when ctx is done, so no
// build command outlives a cancelled pipeline.
func (l *ChildLauncher) Launch(ctx context.Context, out io.Writer) (int, error) {
	cmd := exec.CommandContext(ctx, l.executable, l.args...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		if errors.Is(err, unix.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
	cmd.WaitDelay = childWaitDelay
	err := cmd.Run()
	if ctx.Err() != nil {
		return -1, fmt.Errorf("build pipeline cancelled: %w", ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}

type OverlayArchiver interface {
	Build(out string) error
}

type ImageMaker interface {
	Build(ctx context.Context, overlay, out string) error
}

type RunRecorder interface {
	StartRun(ctx context.Context, prefix string) (*store.Run, error)
	FinishRun(ctx context.Context, r *store.Run, result *RunResult, issue *BuildIssue) error
}

type RunResult struct {
	Prefix          string `json:"prefix"`
	LogPath         string `json:"log_path"`
	Success         bool   `json:"success"`
	ExitCode        int    `json:"exit_code"`
	OverlayPath     string `json:"overlay_path,omitempty"`
	ImagePath       string `json:"image_path,omitempty"`
	Uploaded        bool   `json:"uploaded"`
	RestoreVerified bool   `json:"restore_verified"`
}

// PackageService runs one build pipeline in a child process and turns a
// successful build into uploadable artifacts. The host's boot artifacts are
// put back after every run.
type PackageService struct {
	config   *internal.Configuration
	launcher PipelineLauncher
	killer   ProcessKiller
	flusher  *StagingFlusher
	overlay  OverlayArchiver
	image    ImageMaker
	runs     RunRecorder
	now      func() time.Time
	geteuid  func() int
}

// NewPackageService accepts a nil uploader, which keeps all artifacts
// staged, and a nil recorder, which disables the run history.
func NewPackageService(
	config *internal.Configuration,
	launcher PipelineLauncher,
	killer ProcessKiller,
	uploader Uploader,
	overlay OverlayArchiver,
	image ImageMaker,
	runs RunRecorder,
) *PackageService {
	return &PackageService{
		config:   config,
		launcher: launcher,
		killer:   killer,
		flusher:  NewStagingFlusher(config.Staging, uploader),
		overlay:  overlay,
		image:    image,
		runs:     runs,
		now:      time.Now,
		geteuid:  os.Geteuid,
	}
}

// Run returns a *PipelineError when the pipeline failed. Packaging and
// restore errors are joined into the returned error; the result describes
// what was produced either way.
func (s *PackageService) Run(ctx context.Context) (*RunResult, error) {
	if s.config.RequireRoot && s.geteuid() != 0 {
		return nil, ErrNotRoot
	}

	s.killPrevious()
	if _, err := s.flusher.Flush(ctx); err != nil {
		log.Println("err uploading staged artifacts (ignored):", err)
	}

	started := s.now()
	staging := NewStaging(s.config.Staging, started)
	result := &RunResult{Prefix: staging.Prefix()}

	var run *store.Run
	if s.runs != nil {
		r, err := s.runs.StartRun(ctx, result.Prefix)
		if err != nil {
			log.Println("err recording run start (ignored):", err)
		}
		run = r
	}

	var issue *BuildIssue
	var errs []error
	defer func() {
		if run == nil {
			return
		}
		if err := s.runs.FinishRun(context.WithoutCancel(ctx), run, result, issue); err != nil {
			log.Println("err recording run outcome:", err)
		}
	}()

	artifacts := NewBootArtifactSet(s.config.Boot)
	if err := artifacts.Backup(); err != nil {
		if rerr := artifacts.Restore(); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return result, fmt.Errorf("err backing up boot artifacts: %w", err)
	}

	if err := s.launch(ctx, staging, result); err != nil {
		errs = append(errs, err)
	}
	issue = s.readIssue(started)

	logPath, err := staging.FinalizeLog(result.Success)
	if err != nil {
		errs = append(errs, err)
	}
	result.LogPath = logPath

	if err := s.stage(staging, result, artifacts); err != nil {
		errs = append(errs, err)
	}

	if result.Success && result.OverlayPath != "" {
		imagePath := staging.Path(internal.ImageSuffix)
		if err := s.image.Build(ctx, result.OverlayPath, imagePath); err != nil {
			errs = append(errs, fmt.Errorf("err building disk image: %w", err))
		} else {
			result.ImagePath = imagePath
		}
	}

	uploaded, err := s.flusher.Flush(ctx)
	if err != nil {
		log.Println("err uploading artifacts, keeping them for the next run:", err)
	}
	result.Uploaded = uploaded

	if !result.Success {
		errs = append(errs, &PipelineError{Code: result.ExitCode})
	}
	return result, errors.Join(errs...)
}

func (s *PackageService) killPrevious() {
	if s.killer == nil || s.config.PipelineProcess == "" {
		return
	}
	n, err := s.killer.KillMatching(s.config.PipelineProcess)
	if err != nil {
		log.Println("err killing previous pipeline (ignored):", err)
	}
	if n > 0 {
		log.Printf("killed %d hanging pipeline process(es)\n", n)
	}
}

// launch runs the pipeline with its combined output in the run log.
func (s *PackageService) launch(ctx context.Context, staging *Staging, result *RunResult) error {
	f, err := os.Create(staging.LogPath())
	if err != nil {
		result.ExitCode = -1
		return fmt.Errorf("err creating run log: %w", err)
	}
	defer f.Close()

	code, err := s.launcher.Launch(ctx, f)
	if err != nil {
		fmt.Fprintln(f, "err launching build pipeline:", err)
	}
	result.ExitCode = code
	result.Success = err == nil && code == 0
	return f.Sync()
}

// stage collects what a successful build produced while its boot artifacts
// are still live, then puts the original boot artifacts back. The restore
// runs regardless of the outcome.
func (s *PackageService) stage(staging *Staging, result *RunResult, artifacts *BootArtifactSet) (err error) {
	defer func() {
		rerr := artifacts.Restore()
		result.RestoreVerified = rerr == nil
		if rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()

	if !result.Success {
		return nil
	}

	if err := util.CopyFile(s.config.IssuePath, staging.Path(internal.IssueSuffix), nil); err != nil {
		log.Println("err staging issue record:", err)
	}

	overlayPath := staging.Path(internal.OverlaySuffix)
	if err := s.overlay.Build(overlayPath); err != nil {
		return fmt.Errorf("err building overlay archive: %w", err)
	}
	result.OverlayPath = overlayPath
	return nil
}

// readIssue returns the issue record written by the pipeline of this run,
// nil when there is none.
func (s *PackageService) readIssue(started time.Time) *BuildIssue {
	info, err := os.Stat(s.config.IssuePath)
	if err != nil {
		return nil
	}
	if info.ModTime().Before(started.Add(-issueClockSkew)) {
		return nil
	}
	issue, err := ReadIssueFile(s.config.IssuePath)
	if err != nil {
		log.Println("err reading issue record:", err)
		return nil
	}
	return issue
}
