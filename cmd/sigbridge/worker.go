package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/woxQAQ/sigbridge/internal/channel"
	"github.com/woxQAQ/sigbridge/internal/client"
	"github.com/woxQAQ/sigbridge/internal/signer"
)

var workerCmd = &cobra.Command{
	Use:    client.WorkerCommand,
	Short:  "Serve sign requests on stdin and stdout for a parent process",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := logger.With(zap.Int("pid", os.Getpid()))

		source, path, err := signer.ResolveSource(cfg.Wasm)
		if err != nil {
			return err
		}

		adapter, err := signer.NewAdapter(ctx, cfg.Wasm, source, nil, logger)
		if err != nil {
			return err
		}
		defer adapter.Close(context.Background())

		if cfg.Wasm.WatchBinary && path != "" {
			watcher, err := signer.Watch(path, adapter, logger)
			if err != nil {
				return err
			}
			defer watcher.Close()
		}

		// Closing stdin unblocks a pending read on shutdown.
		conn := channel.NewStreamWorkerConn(os.Stdin, os.Stdout, os.Stdin)
		return channel.Serve(ctx, conn, signer.NewHandler(adapter, logger), logger)
	},
}
