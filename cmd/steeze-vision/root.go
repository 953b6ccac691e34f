package main

import "github.com/spf13/cobra"

var version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "steeze-vision",
		Short: "Serve processed camera streams to WebRTC peers",
		Long: `steeze-vision captures frames from a camera, file or stream, runs them
through a configured solution and serves the result to any number of
WebRTC peers, with per-frame results on a data channel.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newSolutionsCmd(), newRunCmd())
	return root
}
