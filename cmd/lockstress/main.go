// Command lockstress checks that a lock factory excludes concurrent
// owners. Start one server, then as many clients as it expects:
//
//	lockstress server --addr 127.0.0.1:7777 --clients 2
//	lockstress client --id 1 --addr 127.0.0.1:7777 --lock-dir /tmp/locks
//	lockstress client --id 2 --addr 127.0.0.1:7777 --lock-dir /tmp/locks
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"flagstone/pkg/lockverify"
	"flagstone/pkg/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var verbose bool
	var logger *zap.Logger
	root := &cobra.Command{
		Use:           "lockstress",
		Short:         "Stress test a lock factory against a verifying server.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if verbose {
				logger, err = zap.NewDevelopment()
			} else {
				logger, err = zap.NewProduction()
			}
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Sync()
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level in a human readable format.")
	root.AddCommand(serverCmd(&logger), clientCmd(&logger))
	return root
}

func serverCmd(logger **zap.Logger) *cobra.Command {
	var addr string
	var clients int
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the server that verifies clients never hold the lock together.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := lockverify.Listen(addr, clients, lockverify.WithLogger(*logger))
			if err != nil {
				return err
			}
			(*logger).Info("listening", zap.Stringer("addr", s.Addr()), zap.Int("clients", clients))
			return s.Serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:0", "Address to listen on.")
	cmd.Flags().IntVar(&clients, "clients", 2, "Number of clients to wait for before starting.")
	return cmd
}

func clientCmd(logger **zap.Logger) *cobra.Command {
	var (
		cfg     lockverify.StressConfig
		id      uint8
		factory string
		lockDir string
		sleep   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Repeatedly obtain and release a lock, reporting to the server.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lf, err := lockFactory(factory, lockDir, *logger)
			if err != nil {
				return err
			}
			cfg.ID = id
			cfg.Factory = lf
			cfg.Sleep = sleep
			return lockverify.RunStress(cmd.Context(), cfg, lockverify.WithLogger(*logger))
		},
	}
	cmd.Flags().Uint8Var(&id, "id", 0, "Id this client reports to the server.")
	cmd.Flags().StringVar(&cfg.Addr, "addr", "127.0.0.1:7777", "Address of the server.")
	cmd.Flags().StringVar(&factory, "factory", "native", "Lock factory under test: native or simple.")
	cmd.Flags().StringVar(&lockDir, "lock-dir", os.TempDir(), "Directory lock files are created in.")
	cmd.Flags().StringVar(&cfg.LockName, "lock-name", "test.lock", "Name of the contended lock.")
	cmd.Flags().DurationVar(&sleep, "sleep", 50*time.Millisecond, "How long to hold the lock and to pause between attempts.")
	cmd.Flags().IntVar(&cfg.Count, "count", 1000, "Number of attempts.")
	return cmd
}

func lockFactory(name, dir string, logger *zap.Logger) (store.LockFactory, error) {
	switch name {
	case "native":
		// Each client process gets its own registry, as separate processes
		// would.
		return store.NewNativeFSLockFactory(dir, store.WithLockRegistry(store.NewLockRegistry()), store.WithLogger(logger)), nil
	case "simple":
		return store.NewSimpleFSLockFactory(dir), nil
	}
	return nil, errors.Errorf("unknown lock factory %q", name)
}
