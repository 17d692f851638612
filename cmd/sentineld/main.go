// Command sentineld runs the per-host sandbox lifecycle supervisor.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seantiz/sentinel/internal/config"
	"github.com/seantiz/sentinel/internal/netattach"
	"github.com/seantiz/sentinel/internal/sentinelerr"
	"github.com/seantiz/sentinel/internal/supervisor"
)

// Version information (set via ldflags during build).
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	var exitCode int
	rootCmd.SetVersionTemplate(fmt.Sprintf("sentineld %s (%s)\n", Version, Commit))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sentineld: %v\n", err)
		exitCode = exitCodeFor(err)
	}
	return exitCode
}

// exitCodeFor maps a returned error to the exit codes documented in spec.md
// §6: 0 clean shutdown, 1 configuration error, 2 missing prerequisite,
// 3 bus/state-store unreachable at startup, 130 cancelled by signal.
func exitCodeFor(err error) int {
	if errors.Is(err, context.Canceled) {
		return 130
	}
	kind, ok := sentinelerr.KindOf(err)
	if !ok {
		return 1
	}
	switch kind {
	case sentinelerr.KindConfig:
		return 1
	case sentinelerr.KindPrerequisiteMissing:
		return 2
	case sentinelerr.KindBusTransient, sentinelerr.KindBusFatal,
		sentinelerr.KindStateTransient, sentinelerr.KindStateFatal:
		return 3
	case sentinelerr.KindCancelled:
		return 130
	default:
		return 1
	}
}

var rootCmd = &cobra.Command{
	Use:     "sentineld",
	Short:   "sentineld supervises per-host microVM sandbox lifecycles",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("config", "/etc/sentinel/config.yaml", "Path to the supervisor configuration document")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(verifyPrereqsCmd)
	rootCmd.AddCommand(writeCNIConflistCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the supervisor until shut down",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return sentinelerr.Wrap(sentinelerr.KindConfig, "load config", err)
		}
		logger := config.NewLogger(os.Stdout, cfg.LogLevel)

		sup, err := supervisor.New(cfg, logger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := sup.Run(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		return nil
	},
}

var verifyPrereqsCmd = &cobra.Command{
	Use:   "verify-prereqs",
	Short: "Check that the hypervisor binary, kernel image, and image directory are present",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return sentinelerr.Wrap(sentinelerr.KindConfig, "load config", err)
		}

		if _, err := supervisor.New(cfg, config.NewLogger(os.Stdout, cfg.LogLevel)); err != nil {
			return err
		}

		fmt.Println("✓ hypervisor binary present")
		fmt.Println("✓ kernel image present")
		fmt.Println("✓ image directory present")
		return nil
	},
}

var writeCNIConflistCmd = &cobra.Command{
	Use:   "write-cni-conflist",
	Short: "Generate and write the NAT CNI conflist for this host's bridge network",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return sentinelerr.Wrap(sentinelerr.KindConfig, "load config", err)
		}

		logger := config.NewLogger(os.Stdout, cfg.LogLevel)
		nat, err := netattach.NewNATManager(cfg.CNIBinDir, cfg.CNIConfigDir, logger)
		if err != nil {
			return sentinelerr.Wrap(sentinelerr.KindNetworkSetup, "build NAT manager", err)
		}
		if err := nat.WriteConflist(); err != nil {
			return sentinelerr.Wrap(sentinelerr.KindNetworkSetup, "write CNI conflist", err)
		}
		return nil
	},
}
