package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"go.drove.dev/drove/cmd/aggregate"
	"go.drove.dev/drove/cmd/control"
	"go.drove.dev/drove/cmd/providers"
	"go.drove.dev/drove/cmd/retry"
	"go.drove.dev/drove/cmd/status"
	"go.drove.dev/drove/cmd/submit"
	"go.drove.dev/drove/cmd/worker"
)

var rootCmd = cobra.Command{
	Use:   "drove",
	Short: "drove batch job orchestrator",

	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var logConfig zap.Config
		if devMode {
			logConfig = zap.NewDevelopmentConfig()
		} else {
			logConfig = zap.NewProductionConfig()
		}
		log, err := logConfig.Build()
		if err != nil {
			panic("failed to build logger: " + err.Error())
		}
		providers.Log = log
		if configFile != "" {
			viper.SetConfigFile(configFile)
			if err := viper.ReadInConfig(); err != nil {
				log.Fatal("Failed to read config", zap.Error(err))
			}
			log.Info("Config loaded", zap.String("file", configFile))
		}
	},
}

var devMode bool
var configFile string

func init() {
	persistentFlags := rootCmd.PersistentFlags()
	persistentFlags.BoolVar(&devMode, "dev", false, "Dev mode")
	persistentFlags.StringVar(&configFile, "config", "", "Config file (TOML)")

	rootCmd.AddCommand(
		&submit.Cmd,
		&status.Cmd,
		&worker.Cmd,
		&retry.Cmd,
		&aggregate.Cmd,
		&control.PauseCmd,
		&control.ResumeCmd,
		&control.CancelCmd,
		&control.RecoverCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
