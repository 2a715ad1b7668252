package cmd

import (
	"flag"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// Opts holds appmuxd's flag-bound configuration.
type Opts struct {
	ConfigPath string
	LogDirFlag string
}

// NewRootCmd builds the appmuxd root command.
func NewRootCmd() *cobra.Command {
	opts := &Opts{ConfigPath: "config.json"}

	rootCmd := &cobra.Command{
		Use:   "appmuxd",
		Args:  cobra.NoArgs,
		Short: "Run the app multiplexer: reverse proxy, process supervisor and WebSocket bridge",
		Long: `Run appmuxd.

appmuxd reads a JSON configuration describing a set of local applications,
reverse-proxies HTTP and WebSocket traffic to them on demand, and
supervises their process lifecycle.

  appmuxd --config ./config.json --log-dir /var/log/appmux
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.Run(cmd.Context())
		},
	}

	klog.InitFlags(nil)
	rootCmd.Flags().StringVar(&opts.ConfigPath, "config", opts.ConfigPath, "Path to the JSON configuration file")
	rootCmd.Flags().StringVar(&opts.LogDirFlag, "log-dir", "", "Override the config file's log_dir")
	rootCmd.Flags().AddGoFlagSet(flag.CommandLine)

	return rootCmd
}
