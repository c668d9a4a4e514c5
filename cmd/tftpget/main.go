// Command tftpget downloads a single file from a TFTP server, in the
// manner of the original crate's download example.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	tftp "github.com/gotftp/client"
)

var fs = afero.NewOsFs()

func main() {
	var (
		serverAddr  string
		output      string
		baseTimeout time.Duration
		maxTimeout  time.Duration
		maxRetries  int
		verbose     bool
	)

	cmd := &cobra.Command{
		Use:   "tftpget <server:port> <remote-file>",
		Short: "Download a file from a TFTP server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(verbose)

			server, err := resolveAddr(args[0])
			if err != nil {
				return fmt.Errorf("resolve server address: %w", err)
			}
			remote := args[1]

			dst := output
			if dst == "" {
				dst = remote
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

			log.Info().Str("server", args[0]).Str("file", remote).Msg("starting download")
			start := time.Now()

			data, err := tftp.Download(cmd.Context(), conn, remote, opts)
			if err != nil {
				return fmt.Errorf("download %q: %w", remote, err)
			}

			if err := afero.WriteFile(fs, dst, data, 0o644); err != nil {
				return fmt.Errorf("write %q: %w", dst, err)
			}

			log.Info().
				Str("file", remote).
				Int("bytes", len(data)).
				Dur("elapsed", time.Since(start)).
				Msg("download complete")
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&output, "output", "o", "", "local path to write (defaults to the remote filename)")
	flags.DurationVar(&baseTimeout, "timeout", 2*time.Second, "initial per-block receive timeout")
	flags.DurationVar(&maxTimeout, "max-timeout", 30*time.Second, "backoff ceiling for the receive timeout")
	flags.IntVar(&maxRetries, "retries", 5, "consecutive timeouts tolerated before giving up")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug-level protocol tracing")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "tftpget:", err)
		os.Exit(1)
	}
}
