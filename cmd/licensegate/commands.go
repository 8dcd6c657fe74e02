package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kdyw/my-tv/internal/config"
	"github.com/kdyw/my-tv/internal/security"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the interactive authorization flow",
		Long: `Verifies the stored code, or asks for a code or a trial, and
retries until the device is authorized or the user quits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, cleanup, err := setup(cmd, true)
			if err != nil {
				return err
			}
			defer cleanup()

			// Serves /metrics for the session when telemetry.metrics_enabled is set.
			ctx, cancel := context.WithCancel(cmd.Context())
			metricsDone := make(chan struct{})
			go func() {
				defer close(metricsDone)
				if err := a.ServeMetrics(ctx); err != nil {
					a.Logger.WarnContext(ctx, "Metrics endpoint failed", slog.String("error", err.Error()))
				}
			}()
			defer func() {
				cancel()
				<-metricsDone
			}()

			ui := newConsole(cmd.InOrStdin(), cmd.OutOrStdout())
			ctrl, err := a.NewController(ui)
			if err != nil {
				return err
			}
			ui.bind(ctrl)
			defer ctrl.Wait()
			defer ctrl.Close()

			if err := ctrl.Start(ctx); err != nil {
				return err
			}
			select {
			case err := <-ui.done:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

func verifyCmd() *cobra.Command {
	var save bool
	cmd := &cobra.Command{
		Use:   "verify CODE",
		Short: "Check a license code against the license service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code := strings.TrimSpace(args[0])
			if code == "" {
				return errors.New("license code must not be empty; use the trial command for a trial")
			}

			a, cleanup, err := setup(cmd, true)
			if err != nil {
				return err
			}
			defer cleanup()

			if save {
				return saveCode(cmd.Context(), a.NewController, code, cmd.OutOrStdout())
			}
			return printOutcome(cmd.OutOrStdout(), a.Client.Verify(cmd.Context(), code))
		},
	}
	cmd.Flags().BoolVar(&save, "save", false,
		"run the code through the authorization flow: store it when approved, clear the stored code when rejected")
	return cmd
}

func trialCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trial",
		Short: "Request a trial for this device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, cleanup, err := setup(cmd, true)
			if err != nil {
				return err
			}
			defer cleanup()

			return printOutcome(cmd.OutOrStdout(), a.Client.Verify(cmd.Context(), ""))
		},
	}
}

func clockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clock",
		Short: "Sample the trusted clock and print the offset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, cleanup, err := setup(cmd, false)
			if err != nil {
				return err
			}
			defer cleanup()

			a.Clock.Init(cmd.Context())
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "trusted: %s\n", a.Clock.Format(time.RFC3339))
			fmt.Fprintf(w, "local:   %s\n", time.Now().Format(time.RFC3339))
			fmt.Fprintf(w, "offset:  %s (synced: %t)\n", a.Clock.Offset(), a.Clock.Synced())
			return nil
		},
	}
}

func deviceIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "device-id",
		Short: "Print the device fingerprint sent to the license service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, cleanup, err := setup(cmd, false)
			if err != nil {
				return err
			}
			defer cleanup()

			fmt.Fprintln(cmd.OutOrStdout(), a.Identity.DeviceID())
			return nil
		},
	}
}

func encryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt PLAINTEXT",
		Short: "Encrypt a config payload with the configured key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := setup(cmd, false)
			if err != nil {
				return err
			}
			defer cleanup()
			if a.Cipher == nil {
				return errors.New("no config key configured (crypto.config_key)")
			}

			ct, err := a.Cipher.Encrypt(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), security.ConfigPrefix+ct)
			return nil
		},
	}
}

func decryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decrypt PAYLOAD",
		Short: "Decrypt a config payload with the configured key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := setup(cmd, false)
			if err != nil {
				return err
			}
			defer cleanup()
			if a.Cipher == nil {
				return errors.New("no config key configured (crypto.config_key)")
			}

			plain, err := a.Cipher.Decrypt(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), plain)
			return nil
		},
	}
}

func forgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget",
		Short: "Remove the stored license code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, cleanup, err := setup(cmd, true)
			if err != nil {
				return err
			}
			defer cleanup()

			return forget(a.NewController, cmd.OutOrStdout())
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the development license server",
		Long: `Serves the verification endpoint and a timestamp source using the
server section of the configuration. Codes are read from server.codes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, cleanup, err := setup(cmd, false)
			if err != nil {
				return err
			}
			defer cleanup()

			srv, err := a.NewLicenseServer()
			if err != nil {
				return err
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return srv.ListenAndServe(ctx) })
			if a.Config.Telemetry.MetricsAddr != a.Config.Server.Addr {
				g.Go(func() error { return a.ServeMetrics(ctx) })
			}
			return g.Wait()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", config.AppName, config.AppVersion)
		},
	}
}
