package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version is set at build time via ldflags
	version = "0.0.0-dev"
)

const defaultConfigPath = "/etc/ota-agent/config.cfg"

func main() {
	var (
		configPath string
		debug      bool
	)

	rootCmd := &cobra.Command{
		Use:     "ota-agent",
		Short:   "OTA Agent - OS and container update client for hawkBit",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), configPath, debug)
		},
		SilenceUsage: true,
	}

	// Customize version output to only print version string
	rootCmd.SetVersionTemplate("{{.Version}}\n")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to the agent config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "log at debug level")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version)
		},
	})
	rootCmd.AddCommand(newStatusCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
