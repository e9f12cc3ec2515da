// File: cmd/serve.go
package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/pilot-cli/internal/control"
	"github.com/xkilldash9x/pilot-cli/internal/observability"
)

// newServeCmd creates the `serve` command: a long-running agent driven over
// the WebSocket control surface.
func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the agent as a service controlled over an authenticated WebSocket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			controlCfg := cfg.Control()
			if controlCfg.AuthSecret == "" {
				secret, err := randomSecret()
				if err != nil {
					return err
				}
				controlCfg.AuthSecret = secret
				logger.Warn("No control.auth_secret configured; generated an ephemeral one for this run.")
			}
			auth, err := control.NewAuthenticator(controlCfg.AuthSecret, controlCfg.TokenTTL)
			if err != nil {
				return err
			}

			components, err := initializeAgentComponents(ctx, cfg, logger)
			if components != nil {
				defer components.Shutdown()
			}
			if err != nil {
				return err
			}

			session := components.Session
			server := control.NewServer(controlCfg, session, session.Log(), auth, logger)
			components.Tasks.add(server.ObserveTask)

			if cfg.Control().AuthSecret == "" {
				token, err := auth.Issue("operator")
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Control token (valid %s):\n%s\n", controlCfg.TokenTTL, token)
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return session.Run(gctx) })
			g.Go(func() error { return server.Run(gctx) })
			if components.Sink != nil {
				g.Go(func() error { return components.Sink.Run(gctx) })
			}

			logger.Info("Pilot is serving.", zap.String("listen_addr", controlCfg.ListenAddr),
				zap.Bool("audit", components.Sink != nil))
			return g.Wait()
		},
	}

	serveCmd.Flags().String("listen", "127.0.0.1:8787", "Control surface listen address. (Overrides config/env)")
	serveCmd.Flags().Bool("headless", true, "Run the local browser headless. (Overrides config/env)")
	serveCmd.Flags().String("host", "", "DevTools host of a remote browser. Empty launches a local one. (Overrides config/env)")
	serveCmd.Flags().Int("port", 9222, "DevTools port of the remote browser. (Overrides config/env)")
	serveCmd.Flags().Int("max-turns", 1, "Maximum observe/propose/act rounds per task. (Overrides config/env)")
	serveCmd.Flags().Bool("audit", false, "Persist tasks and activity to the audit database. (Overrides config/env)")
	return serveCmd
}

// newTokenCmd issues a bearer token for the control surface.
func newTokenCmd() *cobra.Command {
	var subject string
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Issues a bearer token for the serve control surface",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			controlCfg := cfg.Control()
			if controlCfg.AuthSecret == "" {
				return fmt.Errorf("control.auth_secret is not configured (PILOT_CONTROL_AUTH_SECRET)")
			}
			auth, err := control.NewAuthenticator(controlCfg.AuthSecret, controlCfg.TokenTTL)
			if err != nil {
				return err
			}
			token, err := auth.Issue(subject)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	tokenCmd.Flags().StringVar(&subject, "subject", "operator", "Subject recorded in the token.")
	return tokenCmd
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate control secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
