package main

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/cheggaaa/pb/v3"
	"github.com/spf13/cobra"

	"github.com/cesargomez89/capsulecache/internal/retry"
	"github.com/cesargomez89/capsulecache/internal/transfer"
)

func newFetchCommand(ctx *commandContext) *cobra.Command {
	var sha256Flag string
	var sizeFlag int64
	var retriesFlag int
	var quietFlag bool

	cmd := &cobra.Command{
		Use:   "fetch <url> <path>",
		Short: "Download one object outside the queue, resuming any partial file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sigCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := ctx.ensureRuntime(sigCtx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			bar := newFetchBar(out, quietFlag)
			req := transfer.Request{
				RemoteURL:    args[0],
				LocalPath:    args[1],
				ExpectedHash: sha256Flag,
				ExpectedSize: sizeFlag,
			}
			if cmd.Flags().Changed("retries") {
				req.Policy = retry.Default(retriesFlag)
			}

			res, err := rt.engine.Transfer(sigCtx, req, transfer.Hooks{
				OnProgress: bar.update,
				OnRetry: func(n int, err error) {
					rt.log.Warn("Retrying transfer", "retry", n, "error", err)
				},
			})
			bar.finish()
			if err != nil {
				return fmt.Errorf("fetch %s: %w", args[0], err)
			}

			fmt.Fprintf(out, "Saved %s (%s", args[1], humanBytes(res.TotalBytes))
			if res.ResumedFrom > 0 {
				fmt.Fprintf(out, ", resumed from %s", humanBytes(res.ResumedFrom))
			}
			if res.Retries > 0 {
				fmt.Fprintf(out, ", %d retries", res.Retries)
			}
			fmt.Fprintf(out, ")\nsha256 %s\n", res.FinalHash)
			return nil
		},
	}

	cmd.Flags().StringVar(&sha256Flag, "sha256", "", "Expected SHA-256 of the object")
	cmd.Flags().Int64Var(&sizeFlag, "size", 0, "Expected size in bytes")
	cmd.Flags().IntVar(&retriesFlag, "retries", 0, "Retry budget for network errors (defaults to queue.max_retries)")
	cmd.Flags().BoolVarP(&quietFlag, "quiet", "q", false, "Do not draw a progress bar")
	return cmd
}

// fetchBar draws a byte progress bar on terminals and stays silent elsewhere.
type fetchBar struct {
	bar     *pb.ProgressBar
	out     io.Writer
	enabled bool
}

func newFetchBar(out io.Writer, quiet bool) *fetchBar {
	return &fetchBar{out: out, enabled: !quiet && isTerminal(out)}
}

func (f *fetchBar) update(p transfer.Progress) {
	if !f.enabled {
		return
	}
	if f.bar == nil {
		tmpl := `{{string . "prefix"}}{{counters . }} {{bar . }} {{percent . }} {{speed . }} {{rtime . "ETA %s"}}`
		f.bar = pb.New64(p.TotalBytes).SetTemplateString(tmpl)
		f.bar.Set(pb.Bytes, true)
		f.bar.Set(pb.SIBytesPrefix, true)
		f.bar.Set("prefix", "Downloading: ")
		f.bar.SetWriter(f.out)
		f.bar.Start()
	}
	if p.TotalBytes > 0 {
		f.bar.SetTotal(p.TotalBytes)
	}
	f.bar.SetCurrent(p.DownloadedBytes)
}

func (f *fetchBar) finish() {
	if f.bar != nil {
		f.bar.Finish()
	}
}
