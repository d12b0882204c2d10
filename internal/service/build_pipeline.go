package service

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/haatos/vc4-buildbot/internal"
)

const (
	installPrefix = "/usr/local"
	aclocalPath   = "/usr/local/share/aclocal"
)

// BuildPipeline runs the build steps of a script in order and keeps the
// provenance of every component it built.
type BuildPipeline struct {
	config  *internal.Configuration
	script  *BuildScript
	runner  CommandRunner
	source  Source
	console *Console
	geteuid func() int
}

func NewBuildPipeline(
	config *internal.Configuration,
	script *BuildScript,
	runner CommandRunner,
	source Source,
	console *Console,
) *BuildPipeline {
	return &BuildPipeline{
		config:  config,
		script:  script,
		runner:  runner,
		source:  source,
		console: console,
		geteuid: os.Geteuid,
	}
}

// Run executes every step and writes the issue record. The first failing
// command aborts the run; the record written then only holds the steps
// completed before the failure.
func (p *BuildPipeline) Run(ctx context.Context) (*BuildIssue, error) {
	if p.config.RequireRoot && p.geteuid() != 0 {
		return nil, ErrNotRoot
	}

	issue := NewBuildIssue()
	runErr := p.runSteps(ctx, issue)
	if runErr == nil {
		p.recordSelf(issue)
	}

	if err := issue.WriteFile(p.config.IssuePath); err != nil {
		if runErr == nil {
			return issue, fmt.Errorf("err writing issue record: %w", err)
		}
		log.Println("err writing partial issue record:", err)
	}

	if runErr != nil {
		p.console.Result(false, "%v", runErr)
	} else {
		p.console.Result(true, "%d components built", issue.Len())
	}
	return issue, runErr
}

func (p *BuildPipeline) runSteps(ctx context.Context, issue *BuildIssue) error {
	total := len(p.script.Steps)
	for i, step := range p.script.Steps {
		p.console.Step(i+1, total, step.Name)
		if err := p.runStep(ctx, step, issue); err != nil {
			return err
		}
	}
	return nil
}

func (p *BuildPipeline) runStep(ctx context.Context, step BuildStep, issue *BuildIssue) error {
	dir := step.SourceDir(p.config.SourceRoot)
	workDir := "/"
	if step.Repo != "" {
		workDir = dir
	}
	env := p.stepEnv(step, dir)

	if len(step.Packages) > 0 {
		install := p.config.PackageInstall + " " + strings.Join(step.Packages, " ")
		if err := p.exec(ctx, step.Name, ShellCommand(install, "/", env)); err != nil {
			return err
		}
	}

	if step.Repo != "" {
		p.console.Command("sync " + step.Repo + " " + dir)
		if err := p.source.Sync(ctx, step.Repo, dir, step.Branch); err != nil {
			return &StepError{Step: step.Name, Command: "sync " + step.Repo, Code: 1, Err: err}
		}
	}

	phases := [][]string{step.Pre, step.Configure, step.Build, step.Install}
	for _, phase := range phases {
		for _, script := range phase {
			if err := p.exec(ctx, step.Name, ShellCommand(script, workDir, env)); err != nil {
				return err
			}
		}
	}
	if step.Ldconfig {
		if err := p.exec(ctx, step.Name, Command{Name: "ldconfig", Dir: workDir, Env: env}); err != nil {
			return err
		}
	}
	for _, script := range step.Post {
		if err := p.exec(ctx, step.Name, ShellCommand(script, workDir, env)); err != nil {
			return err
		}
	}
	if p.config.Cleanup {
		for _, script := range step.Clean {
			if err := p.exec(ctx, step.Name, ShellCommand(script, workDir, env)); err != nil {
				return err
			}
		}
	}

	if step.Records() {
		info, err := p.source.Info(dir)
		if err != nil {
			return &StepError{Step: step.Name, Command: "info " + dir, Code: 1, Err: err}
		}
		issue.Set(step.Name, info)
	}
	return nil
}

func (p *BuildPipeline) exec(ctx context.Context, step string, c Command) error {
	p.console.Command(c.String())
	if err := p.runner.Run(ctx, c); err != nil {
		return &StepError{Step: step, Command: c.String(), Code: ExitCode(err), Err: err}
	}
	return nil
}

func (p *BuildPipeline) stepEnv(step BuildStep, dir string) []string {
	env := []string{
		"MAKE_OPTS=" + p.config.MakeOpts,
		"PREFIX=" + installPrefix,
		"ACLOCAL_PATH=" + aclocalPath,
		"SOURCE_ROOT=" + p.config.SourceRoot,
		"SOURCE_DIR=" + dir,
		"DATA_DIR=" + p.config.DataDir,
		"BOOT_DIR=" + p.config.Boot.Dir,
	}
	return append(env, step.EnvList()...)
}

// recordSelf adds the provenance of the buildbot checkout itself. It is
// best effort: a missing or foreign self_repo leaves the entry out.
func (p *BuildPipeline) recordSelf(issue *BuildIssue) {
	if p.config.SelfRepo == "" {
		return
	}
	info, err := p.source.Info(p.config.SelfRepo)
	if err != nil {
		p.console.Warn("buildbot provenance unavailable: %v", err)
		return
	}
	issue.Set(internal.SelfIssueName, info)
}
