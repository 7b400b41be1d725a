package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/woxQAQ/sigbridge/internal/channel"
	"github.com/woxQAQ/sigbridge/pkg/protocol"
)

// maxLine bounds one input line.
const maxLine = 1 << 20

var serveInflight int

// serveResult is one output line of serve.
type serveResult struct {
	Signature string `json:"signature,omitempty"`
	Error     string `json:"error,omitempty"`
	Kind      string `json:"kind,omitempty"`
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Sign newline-delimited JSON requests from stdin",
	Long: `Read one JSON object per line from stdin, each with method, path,
timestamp and nonce, and write one JSON result per line to stdout in input
order. Requests are signed concurrently.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveInflight < 1 {
			return fmt.Errorf("--max-inflight must be at least 1, got %d", serveInflight)
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		c, err := newClient(ctx)
		if err != nil {
			return err
		}
		defer c.Close(context.Background())

		if cfg.MetricsEnabled {
			go func() {
				if err := stats.Serve(ctx, cfg.MetricsPort, logger); err != nil {
					logger.Error("Metrics server failed", zap.Error(err))
				}
			}()
		}

		// Results are queued in input order and written as they complete.
		results := make(chan chan serveResult, serveInflight)
		written := make(chan error, 1)
		go func() {
			enc := json.NewEncoder(cmd.OutOrStdout())
			var werr error
			for res := range results {
				out := <-res
				if werr == nil {
					werr = enc.Encode(out)
				}
			}
			written <- werr
		}()

		scanner := bufio.NewScanner(cmd.InOrStdin())
		scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

		lines := 0
		for scanner.Scan() {
			if len(scanner.Bytes()) == 0 {
				continue
			}
			lines++

			res := make(chan serveResult, 1)
			results <- res

			var req protocol.SignRequest
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				res <- serveResult{Error: "invalid request: " + err.Error(), Kind: string(protocol.ErrorKindChannel)}
				continue
			}

			go func() {
				sig, err := c.Sign(ctx, req)
				if err != nil {
					res <- failure(err)
					return
				}
				res <- serveResult{Signature: sig}
			}()
		}
		close(results)

		werr := <-written
		logger.Info("Serve finished", zap.Int("requests", lines))

		if err := scanner.Err(); err != nil {
			return err
		}
		return werr
	},
}

func init() {
	serveCmd.Flags().IntVar(&serveInflight, "max-inflight", 64, "Maximum requests signed concurrently")
}

func failure(err error) serveResult {
	out := serveResult{Error: err.Error()}
	var callErr *channel.CallError
	if errors.As(err, &callErr) {
		out.Kind = string(callErr.Kind)
	}
	return out
}
