package cmd

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/inferexec/internal/config"
	"github.com/psantana5/inferexec/pkg/logging"
)

// version is set at build time with
// -ldflags "-X github.com/psantana5/inferexec/cmd/inferexec/cmd.version=...".
var version = "dev"

var (
	cfgFile string

	// fs is the filesystem every command reads and writes through.
	fs afero.Fs = afero.NewOsFs()

	v   *viper.Viper
	cfg *config.Config
)

// flagKeys maps persistent flags to config keys.
var flagKeys = map[string]string{
	"config-path": "config_path",
	"root-dir":    "root_dir",
	"log-level":   "log_level",
	"log-json":    "log_json",
}

// rootCmd runs the job when invoked without a subcommand.
var rootCmd = &cobra.Command{
	Use:   "inferexec",
	Short: "Run one TensorFlow Lite inference job",
	Long: `inferexec reads an execution configuration naming an input tensor file, a model
file and an output path, runs the model once against the input and writes the
output tensor bytes. It exits non-zero if any stage fails.`,
	Version:           version,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
	RunE:              runJob,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "settings file (YAML); INFEREXEC_* environment variables also apply")
	rootCmd.PersistentFlags().String("config-path", config.DefaultConfigPath, "execution configuration to read")
	rootCmd.PersistentFlags().String("root-dir", config.DefaultRootDir, "directory the output path is relative to")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit JSON log lines")
}

// loadConfig builds the settings from defaults, the settings file, the
// environment and flags, in increasing precedence.
func loadConfig(cmd *cobra.Command, _ []string) error {
	v = config.New(fs)
	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", flag, err)
		}
	}

	var err error
	cfg, err = config.Load(v, cfgFile)
	return err
}

func newLogger() *logging.Logger {
	return logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogJSON)
}
