package main

import (
	"net/http"

	"github.com/spf13/cobra"

	"apocnode/pkg/rpc"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "start the RPC server over the in-process node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			an := newNodeFromConfig(rootConfig)
			node = an

			addr := rootConfig.Network.ListenAddr
			if addr == "" {
				addr = ":8080"
			}
			srv := rpc.NewServer(an.core, appLogger)
			appLogger.WithField("addr", addr).Info("apocnode rpc server listening")
			return http.ListenAndServe(addr, srv)
		},
	}
}
