package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-relay/internal/mesh"
)

var (
	primary = lipgloss.Color("#22d3ee")
	accent  = lipgloss.Color("#7C3AED")
	success = lipgloss.Color("#10B981")
	warning = lipgloss.Color("#F59E0B")
	danger  = lipgloss.Color("#EF4444")
	muted   = lipgloss.Color("#6B7280")
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(primary)
	selfStyle    = lipgloss.NewStyle().Bold(true).Foreground(accent)
	senderStyle  = lipgloss.NewStyle().Bold(true).Foreground(primary)
	successStyle = lipgloss.NewStyle().Bold(true).Foreground(success)
	warningStyle = lipgloss.NewStyle().Foreground(warning)
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(danger)
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)

	tableHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(primary).Align(lipgloss.Center)
	tableCellStyle   = lipgloss.NewStyle().Padding(0, 1)
	tableRowStyle    = tableCellStyle.Foreground(lipgloss.Color("255"))
	tableRowAltStyle = tableCellStyle.Foreground(lipgloss.Color("245"))

	roomBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primary).
			Padding(0, 2)
)

func printError(w io.Writer, msg string) {
	fmt.Fprintln(w, errorStyle.Render("error: "+msg))
}

func printWarning(w io.Writer, msg string) {
	fmt.Fprintln(w, warningStyle.Render("warning: "+msg))
}

func printInfo(w io.Writer, msg string) {
	fmt.Fprintln(w, mutedStyle.Render(msg))
}

func printSuccess(w io.Writer, msg string) {
	fmt.Fprintln(w, successStyle.Render(msg))
}

func chatLine(e mesh.ChatEntry) string {
	sender := senderStyle.Render(e.Sender)
	if e.Self {
		sender = selfStyle.Render(e.Sender)
	}
	return fmt.Sprintf("%s %s: %s", mutedStyle.Render(e.At.Format("15:04:05")), sender, e.Message)
}

func stateStyle(s mesh.State) lipgloss.Style {
	switch s {
	case mesh.StateConnected:
		return successStyle
	case mesh.StateClosed:
		return mutedStyle
	default:
		return warningStyle
	}
}

func roomBanner(room, email, server string) string {
	return roomBoxStyle.Render(fmt.Sprintf("%s %s\n%s %s\n%s %s\n\n%s",
		titleStyle.Render("Room  "), room,
		titleStyle.Render("You   "), email,
		titleStyle.Render("Relay "), mutedStyle.Render(server),
		mutedStyle.Render("/peers /stats /mute-audio /mute-video /quit"),
	))
}

// renderTable draws rows with the shared table look.
func renderTable(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(primary)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return tableHeaderStyle
			case row%2 == 0:
				return tableRowStyle
			default:
				return tableRowAltStyle
			}
		}).
		Render()
}

// shortID trims a connection id for one-line event output.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func peersTable(peers []mesh.PeerInfo) string {
	if len(peers) == 0 {
		return mutedStyle.Render("No peers")
	}
	rows := make([][]string, 0, len(peers))
	for i, p := range peers {
		rows = append(rows, []string{strconv.Itoa(i + 1), p.Label, p.ID, p.State.String()})
	}
	return renderTable([]string{"#", "Peer", "ID", "State"}, rows)
}
