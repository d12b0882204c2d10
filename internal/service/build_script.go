package service

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/goccy/go-yaml"
	assets "github.com/haatos/vc4-buildbot"
	"github.com/haatos/vc4-buildbot/internal"
)

// BuildStep builds and installs one component. Steps without a repo run
// their commands from / and are never recorded in the issue.
type BuildStep struct {
	Name      string            `yaml:"name"`
	Repo      string            `yaml:"repo"`
	Dir       string            `yaml:"dir"`
	Branch    string            `yaml:"branch"`
	Packages  []string          `yaml:"packages"`
	Pre       []string          `yaml:"pre"`
	Configure []string          `yaml:"configure"`
	Build     []string          `yaml:"build"`
	Install   []string          `yaml:"install"`
	Post      []string          `yaml:"post"`
	Clean     []string          `yaml:"clean"`
	Ldconfig  bool              `yaml:"ldconfig"`
	Env       map[string]string `yaml:"env"`
	Record    *bool             `yaml:"record"`
	Requires  []string          `yaml:"requires"`
	Kernel    bool              `yaml:"kernel"`
}

// SourceDir resolves the step's checkout directory below root.
func (s BuildStep) SourceDir(root string) string {
	dir := s.Dir
	if dir == "" {
		dir = s.Name
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(root, dir)
}

func (s BuildStep) Records() bool {
	if s.Repo == "" {
		return false
	}
	return s.Record == nil || *s.Record
}

// EnvList returns the step's extra environment as KEY=value pairs sorted by key.
func (s BuildStep) EnvList() []string {
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+s.Env[k])
	}
	return env
}

type BuildScript struct {
	Steps []BuildStep `yaml:"steps"`
}

// LoadBuildScript reads the step file at path, or the embedded default step
// file when path is empty.
func LoadBuildScript(path string) (*BuildScript, error) {
	var b []byte
	var err error
	if path == "" {
		b, err = assets.StepsFS.ReadFile(internal.DefaultStepsFile)
	} else {
		b, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("err reading build steps: %w", err)
	}
	return ParseBuildScript(b)
}

func ParseBuildScript(b []byte) (*BuildScript, error) {
	var script BuildScript
	if err := yaml.Unmarshal(b, &script); err != nil {
		return nil, fmt.Errorf("err parsing build steps: %w", err)
	}
	if err := script.Validate(); err != nil {
		return nil, err
	}
	return &script, nil
}

// Validate checks that step names are unique, that every requirement names
// an earlier step and that kernel steps form the tail of the list.
func (bs *BuildScript) Validate() error {
	if len(bs.Steps) == 0 {
		return ValidationError{"build script has no steps"}
	}
	seen := make(map[string]bool, len(bs.Steps))
	inKernelBlock := false
	for i, step := range bs.Steps {
		if step.Name == "" {
			return ValidationError{fmt.Sprintf("step %d has no name", i+1)}
		}
		if seen[step.Name] {
			return ValidationError{fmt.Sprintf("duplicate step name %s", step.Name)}
		}
		for _, req := range step.Requires {
			if !seen[req] {
				return ValidationError{fmt.Sprintf("step %s requires %s, which is not an earlier step", step.Name, req)}
			}
		}
		if step.Kernel {
			inKernelBlock = true
		} else if inKernelBlock {
			return ValidationError{fmt.Sprintf("step %s follows the kernel steps", step.Name)}
		}
		if step.Branch != "" && step.Repo == "" {
			return ValidationError{fmt.Sprintf("step %s sets a branch without a repo", step.Name)}
		}
		seen[step.Name] = true
	}
	return nil
}
