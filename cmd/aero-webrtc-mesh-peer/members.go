package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-relay/internal/room"
)

func newMembersCmd(flags *peerFlags) *cobra.Command {
	var roomID string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "members",
		Short: "List who is in a room",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := flags.options()
			opts.Room = roomID
			cfg, err := config.LoadPeer(os.LookupEnv, opts)
			if err != nil {
				return err
			}
			if cfg.Room == "" {
				return fmt.Errorf("AERO_MESH_ROOM/--room must be set")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			members, err := fetchMembers(ctx, http.DefaultClient, cfg.HTTPBaseURL(), cfg.Room)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), membersTable(cfg.Room, members))
			return nil
		},
	}
	cmd.Flags().StringVar(&roomID, "room", "", "Room to inspect (env AERO_MESH_ROOM)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")
	return cmd
}

type membersResponse struct {
	RoomID  string             `json:"roomId"`
	Members []room.Participant `json:"members"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func fetchMembers(ctx context.Context, client *http.Client, baseURL, roomID string) ([]room.Participant, error) {
	endpoint := baseURL + "/rooms/" + url.PathEscape(roomID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", endpoint, err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("relay returned %d: %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("relay returned %d", resp.StatusCode)
	}

	var out membersResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode members: %w", err)
	}
	return out.Members, nil
}

func membersTable(roomID string, members []room.Participant) string {
	title := titleStyle.Render("Room " + roomID)
	if len(members) == 0 {
		return title + "\n" + mutedStyle.Render("Nobody here")
	}
	rows := make([][]string, 0, len(members))
	for i, m := range members {
		rows = append(rows, []string{strconv.Itoa(i + 1), m.Email, m.ID})
	}
	return title + "\n" + renderTable([]string{"#", "Email", "ID"}, rows)
}
