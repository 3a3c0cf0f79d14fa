// Package cli implements the vidopt command line interface.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/maauso/vidopt/internal/media"
	"github.com/maauso/vidopt/internal/optimizer"
	"github.com/maauso/vidopt/internal/transcode"
)

// Service is the subset of optimizer.Service the commands use.
type Service interface {
	IsSupported(ctx context.Context) bool
	Probe(ctx context.Context, path string) (media.Descriptor, error)
	VideoBitrate(ctx context.Context, path string) (int64, error)
	VideoDuration(ctx context.Context, path string) (int64, error)
	VideoSize(ctx context.Context, path string) (string, error)
	OptimizeVideoForUpload(ctx context.Context, req optimizer.OptimizeRequest, onProgress transcode.ProgressFunc) (*optimizer.Result, error)
	ImageFromVideo(ctx context.Context, input, output string) error
}

var _ Service = (*optimizer.Service)(nil)

// Factory builds the Service on first use, so that help and flag errors
// need no configuration.
type Factory func() (Service, error)

// NewRootCommand returns the vidopt command tree.
func NewRootCommand(factory Factory) *cobra.Command {
	root := &cobra.Command{
		Use:   "vidopt",
		Short: "Shrink videos to a size or bitrate budget for upload",
		Long: `vidopt re-encodes videos so they fit a file size or bitrate budget,
downscaling along a resolution ladder when needed. It never upscales, never
overwrites the output with a partial file, and validates every result.

Examples:
  vidopt probe clip.mov
  vidopt optimize clip.mov --max-size 10000000
  vidopt optimize clip.mov small.mp4 --max-bitrate 500000 --push-to-s3
  vidopt frame clip.mov thumb.jpg`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var svc Service
	service := func() (Service, error) {
		if svc != nil {
			return svc, nil
		}
		s, err := factory()
		if err != nil {
			return nil, err
		}
		svc = s
		return svc, nil
	}

	root.AddCommand(
		newProbeCommand(service),
		newBitrateCommand(service),
		newDurationCommand(service),
		newSizeCommand(service),
		newOptimizeCommand(service),
		newFrameCommand(service),
		newSupportedCommand(service),
	)
	return root
}

func newProbeCommand(service Factory) *cobra.Command {
	return &cobra.Command{
		Use:   "probe <file>",
		Short: "Print the metadata of a video as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := service()
			if err != nil {
				return err
			}
			d, err := svc.Probe(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), d)
		},
	}
}

func newBitrateCommand(service Factory) *cobra.Command {
	return &cobra.Command{
		Use:   "bitrate <file>",
		Short: "Print the average bitrate in bits per second",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := service()
			if err != nil {
				return err
			}
			bitrate, err := svc.VideoBitrate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), bitrate)
			return nil
		},
	}
}

func newDurationCommand(service Factory) *cobra.Command {
	return &cobra.Command{
		Use:   "duration <file>",
		Short: "Print the duration in milliseconds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := service()
			if err != nil {
				return err
			}
			ms, err := svc.VideoDuration(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ms)
			return nil
		},
	}
}

func newSizeCommand(service Factory) *cobra.Command {
	return &cobra.Command{
		Use:   "size <file>",
		Short: "Print the frame size as WIDTHxHEIGHT",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := service()
			if err != nil {
				return err
			}
			size, err := svc.VideoSize(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), size)
			return nil
		},
	}
}

func newFrameCommand(service Factory) *cobra.Command {
	return &cobra.Command{
		Use:   "frame <video> <output.jpg>",
		Short: "Write the first frame of a video as a JPEG",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := service()
			if err != nil {
				return err
			}
			if err := svc.ImageFromVideo(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), args[1])
			return nil
		},
	}
}

func newSupportedCommand(service Factory) *cobra.Command {
	return &cobra.Command{
		Use:   "supported",
		Short: "Report whether ffmpeg, ffprobe and the needed encoders are available",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := service()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), svc.IsSupported(cmd.Context()))
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
