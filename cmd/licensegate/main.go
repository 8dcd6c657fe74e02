package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kdyw/my-tv/internal/config"
)

var (
	cfgFile   string
	ephemeral bool
)

var rootCmd = &cobra.Command{
	Use:   "licensegate",
	Short: "License and trial gate for " + config.AppName,
	Long: `licensegate verifies license codes against the license service,
grants trials, keeps the accepted code on disk and decrypts the
configuration the service attaches to an approval.`,
	SilenceUsage: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default searches ./config.yaml and $XDG_CONFIG_HOME/my-tv/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&ephemeral, "ephemeral", false,
		"keep the license code in memory only")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(trialCmd())
	rootCmd.AddCommand(clockCmd())
	rootCmd.AddCommand(deviceIDCmd())
	rootCmd.AddCommand(encryptCmd())
	rootCmd.AddCommand(decryptCmd())
	rootCmd.AddCommand(forgetCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())
}
