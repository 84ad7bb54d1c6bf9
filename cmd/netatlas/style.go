package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"netatlas/internal/domain"
	"netatlas/internal/repository"
	"netatlas/internal/stats"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle = lipgloss.NewStyle().Width(20).Foreground(lipgloss.Color("8"))
	valueStyle = lipgloss.NewStyle()
	riskStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	cellStyle  = lipgloss.NewStyle().PaddingRight(2)
)

func row(label, value string) string {
	return labelStyle.Render(label) + valueStyle.Render(value)
}

// renderStats formats topology stats and, when given, the stored snapshots
func renderStats(s stats.TopologyStats, snaps []repository.SnapshotInfo, now time.Time) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Topology") + "\n")
	b.WriteString(row("nodes", humanize.Comma(int64(s.NodeCount))) + "\n")
	b.WriteString(row("edges", humanize.Comma(int64(s.EdgeCount))) + "\n")
	if s.LatencyEdges > 0 {
		b.WriteString(row("avg latency", fmt.Sprintf("%.2f ms over %d edges", s.AverageLatencyMs, s.LatencyEdges)) + "\n")
	}
	if !s.LastSeen.IsZero() {
		b.WriteString(row("last seen", humanize.RelTime(s.LastSeen, now, "ago", "from now")) + "\n")
	}
	if s.HighestRisk.IsValid() {
		risk := fmt.Sprintf("%s (%d)", s.HighestRisk, s.HighestRiskScore)
		if s.HighestRiskScore >= stats.HighRiskScore {
			risk = riskStyle.Render(risk)
		}
		b.WriteString(row("highest risk", risk) + "\n")
		b.WriteString(row("high risk nodes", humanize.Comma(int64(s.HighRiskCount))) + "\n")
	}

	if len(s.ByType) > 0 {
		b.WriteString("\n" + titleStyle.Render("Device types") + "\n")
		types := make([]domain.DeviceType, 0, len(s.ByType))
		for t := range s.ByType {
			types = append(types, t)
		}
		sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
		for _, t := range types {
			b.WriteString(row(string(t), humanize.Comma(int64(s.ByType[t]))) + "\n")
		}
	}

	if len(snaps) > 0 {
		b.WriteString("\n" + titleStyle.Render("Snapshots") + "\n")
		b.WriteString(snapshotTable(snaps, now))
	}
	return strings.TrimRight(b.String(), "\n")
}

func snapshotTable(snaps []repository.SnapshotInfo, now time.Time) string {
	cols := [][]string{{"ID"}, {"TAKEN"}, {"NODES"}, {"EDGES"}}
	for _, s := range snaps {
		id := s.ID
		if len(id) > 8 {
			id = id[:8]
		}
		cols[0] = append(cols[0], id)
		cols[1] = append(cols[1], humanize.RelTime(s.TakenAt, now, "ago", "from now"))
		cols[2] = append(cols[2], humanize.Comma(int64(s.NodeCount)))
		cols[3] = append(cols[3], humanize.Comma(int64(s.EdgeCount)))
	}
	rendered := make([]string, len(cols))
	for i, c := range cols {
		c[0] = dimStyle.Render(c[0])
		rendered[i] = cellStyle.Render(lipgloss.JoinVertical(lipgloss.Left, c...))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, rendered...) + "\n"
}
