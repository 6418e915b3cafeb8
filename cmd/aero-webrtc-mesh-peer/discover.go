package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-relay/internal/discovery"
)

func newDiscoverCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find relays on the local network over mDNS",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			relays, err := discovery.Browse(ctx, nil)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), relaysTable(relays))
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", discovery.DefaultBrowseTimeout, "How long to listen for answers")
	return cmd
}

func relaysTable(relays []discovery.Relay) string {
	if len(relays) == 0 {
		return mutedStyle.Render("No relays found")
	}
	rows := make([][]string, 0, len(relays))
	for _, r := range relays {
		version := r.Version
		if version == "" {
			version = "-"
		}
		rows = append(rows, []string{r.Instance, r.SignalURL(), version})
	}
	return renderTable([]string{"Relay", "Signal URL", "Version"}, rows)
}
