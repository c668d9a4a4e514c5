// Command tftpput uploads a single file to a TFTP server, in the manner of
// the original crate's upload example.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	tftp "github.com/gotftp/client"
)

var fs = afero.NewOsFs()

func main() {
	var (
		baseTimeout time.Duration
		maxTimeout  time.Duration
		maxRetries  int
		remoteName  string
		verbose     bool
	)

	cmd := &cobra.Command{
		Use:   "tftpput <server:port> <local-file>",
		Short: "Upload a file to a TFTP server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(verbose)

			server, err := resolveAddr(args[0])
			if err != nil {
				return fmt.Errorf("resolve server address: %w", err)
			}
			localPath := args[1]

			remote := remoteName
			if remote == "" {
				remote = localPath
			}

			payload, err := afero.ReadFile(fs, localPath)
			if err != nil {
				return fmt.Errorf("read %q: %w", localPath, err)
			}

			conn, err := tftp.NewUDPTransport(":0")
			if err != nil {
				return fmt.Errorf("bind local socket: %w", err)
			}
			defer conn.Close()

			opts := tftp.Options{
				ServerAddr:  server,
				BaseTimeout: baseTimeout,
				MaxTimeout:  maxTimeout,
				MaxRetries:  maxRetries,
				Logger:      &log,
			}

			log.Info().Str("server", args[0]).Str("file", remote).Int("bytes", len(payload)).Msg("starting upload")
			start := time.Now()

			if err := tftp.Upload(cmd.Context(), conn, remote, payload, opts); err != nil {
				return fmt.Errorf("upload %q: %w", remote, err)
			}

			log.Info().
				Str("file", remote).
				Int("bytes", len(payload)).
				Dur("elapsed", time.Since(start)).
				Msg("upload complete")
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&remoteName, "remote-name", "n", "", "remote filename (defaults to the local path)")
	flags.DurationVar(&baseTimeout, "timeout", 2*time.Second, "initial per-block receive timeout")
	flags.DurationVar(&maxTimeout, "max-timeout", 30*time.Second, "backoff ceiling for the receive timeout")
	flags.IntVar(&maxRetries, "retries", 5, "consecutive timeouts tolerated before giving up")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug-level protocol tracing")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "tftpput:", err)
		os.Exit(1)
	}
}
