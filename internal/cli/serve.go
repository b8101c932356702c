package cli

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"replistock/internal/httpapi"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a replica with its HTTP API",
		Long: `Run a replica: open the configured store, reconnect to the persisted relay
address if there is one, and serve the HTTP API until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, rootOpts)
		},
	}
}

func runServe(cmd *cobra.Command, opts *RootOptions) error {
	ctx := cmd.Context()
	cfg, logger, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if err := cfg.ValidateSecurity(); err != nil {
		return errors.Wrap(err, "invalid security configuration")
	}

	rt, err := bootstrap(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.startSync(ctx); err != nil {
		return err
	}
	logger.Info("replica ready",
		zap.String("replica", rt.channel.ReplicaID()),
		zap.String("relay", rt.channel.Address()),
		zap.String("state", rt.channel.State().String()))

	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL(), rt.service)
	api := httpapi.New(rt.service, auth, rt.channel, cfg.AllowedOrigin, logger)

	return serveUntilSignal(ctx, newHTTPServer(cfg.Address(), api.Handler()), logger)
}
