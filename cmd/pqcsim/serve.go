package main

import (
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the TLS endpoint on its own",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		srv := newEndpoint(cfg)
		if err := srv.Start(ctx); err != nil {
			return err
		}
		logger.Info().Str("addr", srv.Addr()).Str("health", srv.HealthAddr()).Msg("endpoint serving, press Ctrl+C to stop")

		<-ctx.Done()
		if err := srv.Stop(); err != nil {
			return err
		}
		st := srv.Stats()
		logger.Info().
			Int64("connections", st.Connections).
			Int64("failed", st.Failed).
			Int64("bytes", st.BytesReceived).
			Msg("endpoint stopped")
		return nil
	},
}
