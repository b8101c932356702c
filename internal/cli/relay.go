package cli

import (
	"github.com/spf13/cobra"

	"replistock/internal/relay"
)

// NewRelayCommand creates the relay command.
func NewRelayCommand(rootOpts *RootOptions) *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the relay that forwards change events between replicas",
		Long: `Run the relay server. Every replica connected to /sync receives the change
events sent by every other connected replica. The relay keeps no state.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if port != "" {
				cfg.RelayPort = port
			}

			srv := relay.NewServer(logger, cfg.AllowedOrigin)
			defer srv.Close()
			return serveUntilSignal(cmd.Context(), newHTTPServer(cfg.RelayListenAddress(), srv.Handler()), logger)
		},
	}

	cmd.Flags().StringVar(&port, "port", "", "listen port (overrides RELAY_PORT)")
	return cmd
}
