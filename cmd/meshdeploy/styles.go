package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"meshdeploy/pkg/discovery"
	"meshdeploy/pkg/orchestrator"
	"meshdeploy/pkg/protocol"
	"meshdeploy/pkg/types"
	"meshdeploy/pkg/utils"
)

var (
	primaryColor   = lipgloss.Color("#FF79C6") // Pink
	secondaryColor = lipgloss.Color("#8BE9FD") // Cyan
	accentColor    = lipgloss.Color("#50FA7B") // Green
	warningColor   = lipgloss.Color("#FFB86C") // Orange
	dangerColor    = lipgloss.Color("#FF5555") // Red
	mutedColor     = lipgloss.Color("#6272A4")
	bgLightColor   = lipgloss.Color("#44475A")
	fgColor        = lipgloss.Color("#F8F8F2")

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 2).
			MarginBottom(1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	successStyle = lipgloss.NewStyle().
			Foreground(accentColor).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(16)

	valueStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Bold(true)

	accentValueStyle = lipgloss.NewStyle().
				Foreground(accentColor).
				Bold(true)

	warningValueStyle = lipgloss.NewStyle().
				Foreground(warningColor).
				Bold(true)

	dangerValueStyle = lipgloss.NewStyle().
				Foreground(dangerColor).
				Bold(true)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(secondaryColor).
			Background(bgLightColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 1)

	iconStyle = lipgloss.NewStyle().
			Foreground(secondaryColor).
			Bold(true).
			MarginRight(1)
)

func createPanel(title, icon, content string, width int) string {
	panel := panelStyle
	if width > 0 {
		panel = panel.Width(width)
	}
	titleLine := iconStyle.Render(icon) + titleStyle.Render(title)
	return panel.Render(lipgloss.JoinVertical(lipgloss.Left, titleLine, content))
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(bgLightColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return rowStyle.Foreground(fgColor)
		}).
		Headers(headers...)
}

func field(label, value string, style lipgloss.Style) string {
	return labelStyle.Render(label+":") + " " + style.Render(value)
}

func renderArtifact(a types.Artifact) {
	content := strings.Join([]string{
		field("Name", a.Name, valueStyle),
		field("Size", utils.FormatDataSize(a.Size), valueStyle),
		field("SHA-256", a.Hash, mutedStyle),
	}, "\n")
	fmt.Println(createPanel("ARTIFACT", "📦", content, 0))
}

// renderSummary prints one wave: a status line and a per-peer table.
func renderSummary(s orchestrator.Summary) {
	status := s.Status()
	header := field("Status", strings.ToUpper(string(status)), statusStyle(status)) + "\n" +
		field("Peers", fmt.Sprintf("%d ok / %d failed / %d total", s.Succeeded, s.Failed, s.Total), valueStyle) + "\n" +
		field("Duration", s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond).String(), valueStyle)

	if len(s.Results) == 0 {
		fmt.Println(createPanel(strings.ToUpper(s.Operation), "🌊", header, 0))
		return
	}

	t := newTable("PEER", "RESULT", "ATTEMPTS", "DETAIL")
	for _, r := range s.Results {
		result := accentValueStyle.Render("ok")
		detail := ""
		if !r.Success {
			result = dangerValueStyle.Render(r.Class)
			detail = r.Error
		} else if r.Capabilities != nil {
			detail = formatProfile(*r.Capabilities)
		}
		t.Row(r.Peer.String(), result, fmt.Sprintf("%d", r.Attempts), detail)
	}
	fmt.Println(createPanel(strings.ToUpper(s.Operation), "🌊", header+"\n\n"+t.Render(), 0))
}

func statusStyle(s types.LogStatus) lipgloss.Style {
	switch s {
	case types.StatusSuccess:
		return accentValueStyle
	case types.StatusPartial, types.StatusSkipped:
		return warningValueStyle
	}
	return dangerValueStyle
}

func renderTopology(topo discovery.Topology) {
	if topo.Total == 0 {
		fmt.Println(mutedStyle.Render("No peers known."))
		return
	}
	t := newTable("PEER", "STATUS", "SOURCE", "DISCOVERED", "LAST SEEN")
	for _, p := range topo.Peers {
		t.Row(
			p.Peer.String(),
			peerStatus(p.Status),
			p.Source,
			formatTime(p.DiscoveredAt),
			formatTime(p.LastSeen),
		)
	}
	fmt.Println(createPanel(fmt.Sprintf("PEERS (%d)", topo.Total), "🌐", t.Render(), 0))
}

func peerStatus(s discovery.PeerStatus) string {
	switch s {
	case discovery.PeerAlive:
		return "🟢 " + accentValueStyle.Render("ALIVE")
	case discovery.PeerUnhealthy:
		return "🔴 " + dangerValueStyle.Render("UNHEALTHY")
	}
	return "⚪ " + mutedStyle.Render("UNKNOWN")
}

// nodeRow is one ping result.
type nodeRow struct {
	Peer  types.Peer         `json:"peer"`
	Info  *protocol.NodeInfo `json:"node_info,omitempty"`
	Err   error              `json:"-"`
	Error string             `json:"error,omitempty"`
}

func renderNodes(title string, rows []nodeRow) {
	t := newTable("PEER", "STATE", "COMPUTE", "MEMORY", "STORAGE", "NETWORK")
	for _, r := range rows {
		if r.Err != nil {
			t.Row(r.Peer.String(), dangerValueStyle.Render(types.Classify(r.Err)), "", "", "", "")
			continue
		}
		state := warningValueStyle.Render("idle")
		if r.Info.IsActive {
			state = accentValueStyle.Render("active")
		}
		c := r.Info.Capabilities
		t.Row(
			r.Peer.String(),
			state,
			createMiniProgressBar(c.Compute, 10),
			fmt.Sprintf("%.1f GB", c.Memory),
			fmt.Sprintf("%.1f GB", c.Storage),
			fmt.Sprintf("%.0f Mbps", c.Network),
		)
	}
	fmt.Println(createPanel(title, "🛰", t.Render(), 0))
}

func formatProfile(p types.CapabilityProfile) string {
	m := p.Map()
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, k := range names {
		parts[i] = fmt.Sprintf("%s=%.1f", k, m[k])
	}
	return strings.Join(parts, " ")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return mutedStyle.Render("never")
	}
	return t.Local().Format("15:04:05")
}

// createMiniProgressBar renders percentage as a short bar; higher is greener.
func createMiniProgressBar(percentage float64, width int) string {
	filled := int(percentage * float64(width) / 100)
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	color := accentColor
	if percentage < 20 {
		color = dangerColor
	} else if percentage < 40 {
		color = warningColor
	}
	filledPart := lipgloss.NewStyle().Foreground(color).Render(strings.Repeat("▪", filled))
	emptyPart := mutedStyle.Render(strings.Repeat("·", width-filled))
	return fmt.Sprintf("%s%s %.1f%%", filledPart, emptyPart, percentage)
}
