package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/maauso/vidopt/internal/optimizer"
	"github.com/maauso/vidopt/internal/plan"
	"github.com/maauso/vidopt/internal/transcode"
)

type optimizeFlags struct {
	maxSize    int64
	maxBitrate int64
	pushToS3   bool
	quiet      bool
	asJSON     bool
}

func newOptimizeCommand(service Factory) *cobra.Command {
	var flags optimizeFlags

	cmd := &cobra.Command{
		Use:   "optimize <input> [output]",
		Short: "Re-encode a video to fit a size or bitrate budget",
		Long: `Re-encode a video to fit a size or bitrate budget.

Set at most one of --max-size and --max-bitrate; without either the configured
default bitrate applies. Without an output path a unique file named after the
input is created in TEMP_DIR. Press Ctrl-C to cancel; nothing is left at the
output path when the run does not succeed.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := service()
			if err != nil {
				return err
			}

			req := optimizer.OptimizeRequest{
				InputPath: args[0],
				Budget: plan.Budget{
					MaxSizeBytes:  flags.maxSize,
					MaxBitrateBps: flags.maxBitrate,
				},
				PushToS3: flags.pushToS3,
			}
			if len(args) == 2 {
				req.OutputPath = args[1]
			}

			var onProgress transcode.ProgressFunc
			if !flags.quiet {
				onProgress = progressPrinter(cmd.ErrOrStderr())
			}

			res, err := svc.OptimizeVideoForUpload(cmd.Context(), req, onProgress)
			if res != nil {
				if flags.asJSON {
					if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
						return perr
					}
				} else {
					printResult(cmd.OutOrStdout(), res)
				}
			}
			return err
		},
	}

	cmd.Flags().Int64Var(&flags.maxSize, "max-size", 0, "maximum output size in bytes")
	cmd.Flags().Int64Var(&flags.maxBitrate, "max-bitrate", 0, "maximum output bitrate in bits per second")
	cmd.Flags().BoolVar(&flags.pushToS3, "push-to-s3", false, "upload the result to the configured S3 bucket")
	cmd.Flags().BoolVarP(&flags.quiet, "quiet", "q", false, "do not print progress")
	cmd.Flags().BoolVar(&flags.asJSON, "json", false, "print the result as JSON")
	cmd.MarkFlagsMutuallyExclusive("max-size", "max-bitrate")
	return cmd
}

// progressPrinter returns a ProgressFunc that redraws a percentage line.
func progressPrinter(w io.Writer) transcode.ProgressFunc {
	last := -1
	return func(p transcode.Progress) {
		pct := int(p.Fraction * 100)
		if pct == last && !p.Final {
			return
		}
		last = pct
		fmt.Fprintf(w, "\rencoding %3d%%", pct)
		if p.Final {
			fmt.Fprintln(w)
		}
	}
}

func printResult(w io.Writer, res *optimizer.Result) {
	fmt.Fprintf(w, "output:   %s\n", res.OutputPath)
	fmt.Fprintf(w, "size:     %d -> %d bytes\n", res.Source.SizeBytes, res.Output.SizeBytes)
	fmt.Fprintf(w, "bitrate:  %d -> %d bps\n", res.Source.BitrateBps, res.Plan.TargetBitrateBps)
	fmt.Fprintf(w, "frame:    %s -> %dx%d\n", res.Source.Size(), res.Plan.TargetWidth, res.Plan.TargetHeight)
	if res.Plan.Clamped {
		fmt.Fprintln(w, "note:     budget below the minimum bitrate, output may exceed it")
	}
	if res.VideoURL != "" {
		fmt.Fprintf(w, "url:      %s\n", res.VideoURL)
	}
}
