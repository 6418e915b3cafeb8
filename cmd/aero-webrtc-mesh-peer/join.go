package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-relay/internal/mesh"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-relay/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-relay/internal/webrtcpeer"
)

func newJoinCmd(flags *peerFlags) *cobra.Command {
	var room, email, audio, video string

	cmd := &cobra.Command{
		Use:     "join",
		Aliases: []string{"j"},
		Short:   "Join a room and stay until /quit or Ctrl-C",
		Long: `Join a room on the relay and connect to every other participant.

Lines typed on stdin are sent as chat messages. Commands:
  /peers        list peer connections
  /stats        show packets received per remote track
  /mute-audio   toggle the local audio track
  /mute-video   toggle the local video track
  /quit         leave the room

Examples:
  aero-webrtc-mesh-peer join --room standup --email alice@example.com
  aero-webrtc-mesh-peer join --room standup --email bob@example.com --video camera.ivf --audio mic.ogg`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := flags.options()
			opts.Room = room
			opts.Email = email
			opts.AudioFile = audio
			opts.VideoFile = video

			cfg, err := config.LoadPeer(os.LookupEnv, opts)
			if err != nil {
				return err
			}
			if err := cfg.ValidateJoin(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runJoin(ctx, cfg, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&room, "room", "", "Room to join (env AERO_MESH_ROOM)")
	cmd.Flags().StringVar(&email, "email", "", "Email shown to other participants (env AERO_MESH_EMAIL)")
	cmd.Flags().StringVar(&audio, "audio", "", "Ogg/Opus file streamed as the microphone")
	cmd.Flags().StringVar(&video, "video", "", "IVF/VP8 file streamed as the camera")
	return cmd
}

// console serializes writes from orchestrator callbacks and the input loop.
type console struct {
	mu  sync.Mutex
	out io.Writer
}

func (c *console) println(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, s)
}

func runJoin(ctx context.Context, cfg config.PeerConfig, in io.Reader, out, errOut io.Writer) error {
	logger := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: cfg.LogLevel}))
	con := &console{out: out}

	api, err := webrtcpeer.NewAPI(cfg.Network, logger)
	if err != nil {
		return fmt.Errorf("configure webrtc: %w", err)
	}

	var media mesh.LocalMedia
	if cfg.AudioFile != "" || cfg.VideoFile != "" {
		lm, err := webrtcpeer.OpenLocalMedia(ctx, webrtcpeer.MediaOptions{
			AudioFile: cfg.AudioFile,
			VideoFile: cfg.VideoFile,
			Logger:    logger,
		})
		switch {
		case errors.Is(err, mesh.ErrCaptureUnavailable):
			printWarning(errOut, err.Error()+"; joining receive-only")
		case err != nil:
			return err
		default:
			media = lm
		}
	}

	client, err := signaling.Dial(ctx, cfg.ServerURL, nil)
	if err != nil {
		if media != nil {
			media.Stop()
		}
		return fmt.Errorf("connect to %s: %w", cfg.ServerURL, err)
	}

	stats := newTrackStats()
	o, err := mesh.New(mesh.Config{
		RoomID:       cfg.Room,
		Email:        cfg.Email,
		Signaler:     client,
		Media:        media,
		NewTransport: mesh.NewPionTransportFactory(api, cfg.ICEServers),
		Logger:       logger,
		OnRemoteTrack: func(peerID string, track *webrtc.TrackRemote) {
			kind := track.Kind().String()
			con.println(mutedStyle.Render(fmt.Sprintf("%s sent a %s track", shortID(peerID), kind)))
			go func() {
				if err := stats.drain(peerID, kind, track); err != nil {
					logger.Debug("remote track ended", "peer", peerID, "kind", kind, "err", err)
				}
			}()
		},
		OnPeerLeft: func(peerID, label string) {
			stats.forget(peerID)
			con.println(warningStyle.Render(label + " left"))
		},
		OnChat: func(e mesh.ChatEntry) {
			con.println(chatLine(e))
		},
		OnPeerStateChange: func(peerID string, s mesh.State) {
			con.println(stateStyle(s).Render(fmt.Sprintf("%s %s", shortID(peerID), s)))
		},
	})
	if err != nil {
		_ = client.Close()
		if media != nil {
			media.Stop()
		}
		return err
	}

	con.println(roomBanner(cfg.Room, cfg.Email, cfg.ServerURL))

	runErr := make(chan error, 1)
	go func() { runErr <- o.Run(ctx) }()

	quit := make(chan struct{})
	go func() {
		readInput(in, o, stats, con)
		close(quit)
	}()

	select {
	case err := <-runErr:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	case <-quit:
		o.Disconnect()
		<-runErr
		printSuccess(out, "left "+cfg.Room)
		return nil
	}
}

type inputKind int

const (
	inputNone inputKind = iota
	inputChat
	inputPeers
	inputStats
	inputMuteAudio
	inputMuteVideo
	inputQuit
	inputUnknown
)

// parseInput classifies one stdin line. Only a handful of slash commands
// are reserved; "//text" sends "/text" as chat.
func parseInput(line string) (inputKind, string) {
	line = strings.TrimRight(line, "\r\n")
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return inputNone, ""
	}
	if strings.HasPrefix(trimmed, "//") {
		return inputChat, trimmed[1:]
	}
	if !strings.HasPrefix(trimmed, "/") {
		return inputChat, line
	}
	switch strings.ToLower(trimmed) {
	case "/peers":
		return inputPeers, ""
	case "/stats":
		return inputStats, ""
	case "/mute-audio":
		return inputMuteAudio, ""
	case "/mute-video":
		return inputMuteVideo, ""
	case "/quit", "/exit":
		return inputQuit, ""
	default:
		return inputUnknown, trimmed
	}
}

// meshControl is the part of the orchestrator the input loop drives.
type meshControl interface {
	SendChat(message string) error
	Peers() ([]mesh.PeerInfo, error)
	ToggleAudio() (bool, error)
	ToggleVideo() (bool, error)
}

// readInput runs until /quit, EOF or the orchestrator shuts down.
func readInput(in io.Reader, o meshControl, stats *trackStats, con *console) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		kind, text := parseInput(scanner.Text())
		var err error
		switch kind {
		case inputNone:
			continue
		case inputChat:
			err = o.SendChat(text)
		case inputPeers:
			var peers []mesh.PeerInfo
			if peers, err = o.Peers(); err == nil {
				con.println(peersTable(peers))
			}
		case inputStats:
			con.println(stats.table())
		case inputMuteAudio:
			var on bool
			if on, err = o.ToggleAudio(); err == nil {
				con.println(mutedStyle.Render("audio " + onOff(on)))
			}
		case inputMuteVideo:
			var on bool
			if on, err = o.ToggleVideo(); err == nil {
				con.println(mutedStyle.Render("video " + onOff(on)))
			}
		case inputQuit:
			return
		case inputUnknown:
			con.println(warningStyle.Render("unknown command " + text))
		}

		switch {
		case errors.Is(err, mesh.ErrClosed):
			return
		case errors.Is(err, mesh.ErrNotJoined):
			con.println(warningStyle.Render("not in the room yet"))
		case err != nil:
			con.println(errorStyle.Render(err.Error()))
		}
	}
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
