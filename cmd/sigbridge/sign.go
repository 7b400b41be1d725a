package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/woxQAQ/sigbridge/internal/signature"
	"github.com/woxQAQ/sigbridge/pkg/protocol"
)

var (
	signReq    protocol.SignRequest
	signJSON   bool
	verifyWant string
)

// signedRequest is the --json output of sign and verify.
type signedRequest struct {
	protocol.SignRequest
	Signature string `json:"signature"`
}

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Sign a request inside the sandbox",
	Long: `Sign a request inside the sandbox and print its signature.

The timestamp defaults to the current Unix time and the nonce to a random
UUID. Use --json to see the values that were signed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		req := requestFromFlags()

		sig, err := signOnce(cmd.Context(), req)
		if err != nil {
			return err
		}
		return printSigned(cmd, req, sig)
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the sandbox signature against the reference hash",
	Long: `Sign a request inside the sandbox and compare the result with the
signature computed in Go. With --signature, the given value must match too.
Exits non-zero on any mismatch.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		req := requestFromFlags()

		sig, err := signOnce(cmd.Context(), req)
		if err != nil {
			return err
		}

		if want := signature.Compute(req); sig != want {
			return fmt.Errorf("sandbox signature %s does not match reference %s", sig, want)
		}
		if verifyWant != "" && sig != verifyWant {
			return fmt.Errorf("signature %s does not match expected %s", sig, verifyWant)
		}
		return printSigned(cmd, req, sig)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{signCmd, verifyCmd} {
		flags := cmd.Flags()
		flags.StringVar(&signReq.Method, "method", "GET", "HTTP method")
		flags.StringVar(&signReq.Path, "path", "/", "Request path")
		flags.StringVar(&signReq.Timestamp, "timestamp", "", "Timestamp (default: current Unix time)")
		flags.StringVar(&signReq.Nonce, "nonce", "", "Nonce (default: random UUID)")
		flags.BoolVar(&signJSON, "json", false, "Print the signed request as JSON")
	}
	verifyCmd.Flags().StringVar(&verifyWant, "signature", "", "Expected signature")
}

func requestFromFlags() protocol.SignRequest {
	req := signReq
	if req.Timestamp == "" {
		req.Timestamp = strconv.FormatInt(time.Now().Unix(), 10)
	}
	if req.Nonce == "" {
		req.Nonce = uuid.NewString()
	}
	return req
}

func signOnce(ctx context.Context, req protocol.SignRequest) (string, error) {
	c, err := newClient(ctx)
	if err != nil {
		return "", err
	}
	defer c.Close(context.Background())

	return c.Sign(ctx, req)
}

func printSigned(cmd *cobra.Command, req protocol.SignRequest, sig string) error {
	if !signJSON {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), sig)
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(signedRequest{SignRequest: req, Signature: sig})
}
