package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// pingStats accumulates round trips of one ping run.
type pingStats struct {
	count    int
	sent     int
	received int
	seen     map[uint32]bool
	min, max time.Duration
	total    time.Duration
}

func newPingStats(count int) *pingStats {
	return &pingStats{count: count, seen: make(map[uint32]bool, count)}
}

// record adds reply and reports false for an echo already counted.
func (s *pingStats) record(reply echoReply) bool {
	if s.seen[reply.seq] {
		return false
	}
	s.seen[reply.seq] = true

	if s.received == 0 || reply.rtt < s.min {
		s.min = reply.rtt
	}
	if reply.rtt > s.max {
		s.max = reply.rtt
	}
	s.total += reply.rtt
	s.received++
	return true
}

func (s *pingStats) lost() int {
	return s.sent - s.received
}

func (s *pingStats) avg() time.Duration {
	if s.received == 0 {
		return 0
	}
	return s.total / time.Duration(s.received)
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).PaddingBottom(1)
	labelStyle = lipgloss.NewStyle().Width(12).Foreground(lipgloss.Color("8"))
	valueStyle = lipgloss.NewStyle()
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("8")).
			Padding(0, 1)
)

// lossColor returns green for no loss, yellow for partial and red for total loss.
func lossColor(s *pingStats) lipgloss.Color {
	switch {
	case s.lost() == 0:
		return lipgloss.Color("2")
	case s.received > 0:
		return lipgloss.Color("3")
	default:
		return lipgloss.Color("1")
	}
}

// renderSummary renders the statistics of a ping run as a bordered table.
func renderSummary(addr string, s *pingStats) string {
	row := func(label string, value string, style lipgloss.Style) string {
		return labelStyle.Render(label) + style.Render(value)
	}

	round := func(d time.Duration) string {
		return d.Round(time.Microsecond).String()
	}

	rows := []string{
		titleStyle.Render(fmt.Sprintf("%s ping statistics", addr)),
		row("sent", fmt.Sprintf("%d", s.sent), valueStyle),
		row("received", fmt.Sprintf("%d", s.received), valueStyle),
		row("lost", fmt.Sprintf("%d", s.lost()), valueStyle.Foreground(lossColor(s))),
	}
	if s.received > 0 {
		rows = append(rows, row("rtt", fmt.Sprintf("min %s / avg %s / max %s", round(s.min), round(s.avg()), round(s.max)), valueStyle))
	}

	return boxStyle.Render(strings.Join(rows, "\n"))
}
