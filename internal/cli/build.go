package cli

import (
	"os"

	"github.com/haatos/vc4-buildbot/internal"
	"github.com/haatos/vc4-buildbot/internal/service"
	"github.com/spf13/cobra"
)

var buildStepsFile string

var buildCmd = &cobra.Command{
	Use:   internal.BuildCommand,
	Short: "Run the component build pipeline",
	Long: `Run every build step in order against the host. The first failing command
aborts the pipeline and its exit status becomes the exit status of buildbot.
The issue record lists the components built up to that point.`,
	RunE: runBuild,
}

func init() {
	buildCmd.Flags().StringVar(&buildStepsFile, "steps", "", "build step file (default: from config, then built in)")
	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
	stepsFile := buildStepsFile
	if stepsFile == "" {
		stepsFile = cfg.StepsFile
	}
	script, err := service.LoadBuildScript(stepsFile)
	if err != nil {
		return err
	}

	pipeline := service.NewBuildPipeline(
		cfg,
		script,
		service.NewShellRunner(os.Stdout, os.Stderr),
		service.NewGitSource(os.Stdout),
		service.NewConsole(os.Stdout),
	)
	_, err = pipeline.Run(cmd.Context())
	return err
}
