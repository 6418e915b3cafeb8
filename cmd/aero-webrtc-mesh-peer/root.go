package main

import (
	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-relay/internal/config"
)

// peerFlags are shared by every subcommand that talks to a relay.
type peerFlags struct {
	server   string
	logLevel string
}

func (f *peerFlags) options() config.PeerOptions {
	return config.PeerOptions{ServerURL: f.server, LogLevel: f.logLevel}
}

func newRootCmd() *cobra.Command {
	flags := &peerFlags{}

	root := &cobra.Command{
		Use:   "aero-webrtc-mesh-peer",
		Short: "Join an aero mesh room from the terminal",
		Long: `aero-webrtc-mesh-peer joins a room on an aero WebRTC mesh relay as a full
participant: it negotiates a peer connection with every other member,
streams pre-encoded audio/video files in place of capture devices and
exchanges chat messages.`,
		Version: versionString(),
	}
	root.PersistentFlags().StringVar(&flags.server, "server", "", "Relay signaling URL (env AERO_MESH_SERVER_URL, default "+config.DefaultPeerServerURL+")")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn, error (env LOG_LEVEL)")

	root.AddCommand(
		newJoinCmd(flags),
		newMembersCmd(flags),
		newDiscoverCmd(),
	)
	return root
}
