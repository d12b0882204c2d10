package cli

import (
	"fmt"
	"os"

	"github.com/haatos/vc4-buildbot/internal"
	"github.com/haatos/vc4-buildbot/internal/settings"
	"github.com/spf13/cobra"
)

var (
	cfgFile     string
	configPath  string
	appSettings *settings.AppSettings
	cfg         *internal.Configuration
)

var rootCmd = &cobra.Command{
	Use:   "buildbot",
	Short: "Nightly VC4 graphics stack builds for Raspbian",
	Long: `buildbot builds the kernel and graphics stack from source on a Raspberry Pi,
packages the result into an overlay archive and a bootable Raspbian image and
uploads them. The host's own boot files are restored after every run.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		settings.ReadDotenv(internal.DotEnvPath)
		appSettings = settings.NewSettings()

		configPath = cfgFile
		if configPath == "" {
			configPath = appSettings.ConfigPath
		}
		var err error
		cfg, err = internal.LoadConfiguration(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $BUILDBOT_CONFIG or config.json)")
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}
