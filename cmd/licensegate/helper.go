package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kdyw/my-tv/internal/app"
	"github.com/kdyw/my-tv/internal/config"
	"github.com/kdyw/my-tv/internal/license"
)

// setup loads the application. With bootstrap set, the clock, device ID,
// store and client are also initialized.
func setup(cmd *cobra.Command, bootstrap bool) (*app.Application, func(), error) {
	if ephemeral {
		if err := os.Setenv(config.EnvPrefix+"_STORE_BACKEND", config.StoreBackendMemory); err != nil {
			return nil, nil, err
		}
	}
	a, err := app.New(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Close(ctx)
	}
	if bootstrap {
		if err := a.Bootstrap(cmd.Context()); err != nil {
			cleanup()
			return nil, nil, err
		}
	}
	return a, cleanup, nil
}

// printOutcome writes a one-line summary of a verification.
func printOutcome(w io.Writer, out license.Outcome) error {
	switch out.Kind {
	case license.OutcomeApproved:
		fmt.Fprintf(w, "approved: %s\n", daysText(out.RemainingDays))
		if out.EncryptedConfig != "" {
			fmt.Fprintln(w, "config payload attached")
		}
		return nil
	case license.OutcomeRejected:
		fmt.Fprintf(w, "rejected (code %d): %s\n", out.StatusCode, out.Message)
	default:
		fmt.Fprintf(w, "%s: %v\n", out.Kind, out.Err)
	}
	if out.Err != nil {
		return out.Err
	}
	return errors.New(out.Kind.String())
}

func daysText(days int) string {
	switch {
	case days <= 0:
		return "no expiry reported"
	case days == 1:
		return "1 day remaining"
	default:
		return fmt.Sprintf("%d days remaining", days)
	}
}
