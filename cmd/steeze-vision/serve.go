package main

import (
	"github.com/joeydtaylor/steeze-vision/pkg/serverfx"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func newServeCmd() *cobra.Command {
	var manifestPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP signaling server",
		Long: `Run the HTTP signaling server described by the manifest.

The manifest path is taken from --manifest, then STEEZE_VISION_MANIFEST,
then ./manifest.toml. SERVER_LISTEN_ADDRESS overrides [server].listen and
SSL_SERVER_CERTIFICATE/SSL_SERVER_KEY enable TLS.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app := fx.New(
				serverfx.Module(serverfx.WithManifestPath(manifestPath)),
				fx.NopLogger,
			)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
	cmd.Flags().StringVarP(&manifestPath, "manifest", "m", "", "manifest file (default $STEEZE_VISION_MANIFEST or manifest.toml)")
	return cmd
}
