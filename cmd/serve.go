package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
		Long:  "Start the HTTP API. Agents connect over server-sent events, other servers claim exported agents over WebSocket tunnels.",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().Bool("dev", false, "create sessions when agents connect to unknown ones")
	cmd.Flags().IntP("port", "p", 5555, "port to listen on")
	cmd.Flags().String("bind", "0.0.0.0", "address to listen on")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		v := viper.New()
		for key, flag := range map[string]string{
			"session.dev_mode":     "dev",
			"network.bind_port":    "port",
			"network.bind_address": "bind",
		} {
			if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
				return err
			}
		}

		cfg, err := loadConfig(v, flags)
		if err != nil {
			return err
		}
		logger := cfg.Logger(cmd.ErrOrStderr()).WithComponent("coralmesh")

		srv, cleanup, err := wireServer(cfg, logger)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return srv.ListenAndServe(ctx)
	}
	return cmd
}
