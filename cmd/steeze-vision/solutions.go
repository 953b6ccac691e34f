package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/joeydtaylor/steeze-vision/pkg/codec"
	"github.com/joeydtaylor/steeze-vision/pkg/registry"
	"github.com/joeydtaylor/steeze-vision/pkg/serverfx"
	"github.com/joeydtaylor/steeze-vision/pkg/transport/webrtc"
	"github.com/joeydtaylor/steeze-vision/pkg/unit"
	"github.com/spf13/cobra"
)

func newSolutionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "solutions",
		Short: "List registered solutions, detectors and sources",
		Long: `List every registered method by kind together with its default config.

Examples:
  steeze-vision solutions
  steeze-vision solutions | grep object_detector`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := webrtc.New(webrtc.Config{}, nil)
			if err != nil {
				return err
			}
			reg, err := serverfx.NewRegistry(t)
			if err != nil {
				return err
			}
			return listMethods(cmd.OutOrStdout(), reg)
		},
	}
}

func listMethods(w io.Writer, reg *registry.Registry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tMETHOD\tDEFAULTS")
	for _, kind := range reg.Kinds() {
		for _, name := range reg.ListAvailable(kind) {
			defaults := "-"
			if f, err := registry.Lookup[*unit.Factory](reg, kind, name); err == nil {
				b, err := codec.JSONStrict.Marshal(f.Defaults())
				if err != nil {
					return err
				}
				defaults = string(b)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", kind, name, defaults)
		}
	}
	return tw.Flush()
}
