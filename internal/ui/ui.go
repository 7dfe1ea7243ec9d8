// Package ui holds the terminal rendering helpers shared by the CLI
// commands: status colors, queue tables, and the interactive conflict
// resolution form.
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/adamsuskin/grocery-sub002/internal/mutation"
	"github.com/adamsuskin/grocery-sub002/internal/queue"
)

var (
	styleAccent = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	stylePass   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	styleWarn   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	styleErr    = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	styleDim    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// ColorEnabled reports whether the terminal supports color output.
func ColorEnabled() bool {
	return termenv.ColorProfile() != termenv.Ascii
}

func render(style lipgloss.Style, s string) string {
	if !ColorEnabled() {
		return s
	}
	return style.Render(s)
}

// RenderAccent renders headline text.
func RenderAccent(s string) string { return render(styleAccent, s) }

// RenderPass renders success text.
func RenderPass(s string) string { return render(stylePass, s) }

// RenderWarn renders warning text.
func RenderWarn(s string) string { return render(styleWarn, s) }

// RenderErr renders failure text.
func RenderErr(s string) string { return render(styleErr, s) }

// RenderDim renders secondary text.
func RenderDim(s string) string { return render(styleDim, s) }

// StatusBadge renders a mutation status with its conventional color.
func StatusBadge(status mutation.Status) string {
	switch status {
	case mutation.StatusSuccess:
		return RenderPass(string(status))
	case mutation.StatusFailed:
		return RenderErr(string(status))
	case mutation.StatusConflicted:
		return RenderWarn(string(status))
	case mutation.StatusInFlight:
		return RenderAccent(string(status))
	default:
		return string(status)
	}
}

// RenderStatus formats a queue snapshot as the status summary block.
func RenderStatus(snap queue.Snapshot) string {
	var b strings.Builder

	conn := RenderPass("online")
	if !snap.Online {
		conn = RenderWarn("offline")
	}
	fmt.Fprintf(&b, "%s  %s\n", RenderAccent("Queue"), conn)
	fmt.Fprintf(&b, "  pending: %d  in flight: %d  succeeded: %d  failed: %d  conflicted: %d\n",
		snap.Pending, snap.InFlight, snap.Succeeded, snap.Failed, snap.Conflicted)
	if !snap.LastSyncTime.IsZero() {
		fmt.Fprintf(&b, "  last sync: %s\n", snap.LastSyncTime.Format(time.RFC822))
	}
	if snap.Overflowed {
		fmt.Fprintf(&b, "  %s\n", RenderWarn("queue overflow: oldest pending mutations were dropped"))
	}
	return b.String()
}

// RenderQueue formats the mutation list, most recent last.
func RenderQueue(muts []*mutation.Mutation) string {
	if len(muts) == 0 {
		return RenderDim("queue is empty") + "\n"
	}

	var b strings.Builder
	for _, m := range muts {
		fmt.Fprintf(&b, "%s  %-10s %-12s %s",
			RenderDim(shortID(m.ID)), m.Type, StatusBadge(m.Status), m.TargetID)
		if m.RetryCount > 0 {
			fmt.Fprintf(&b, "  %s", RenderDim(fmt.Sprintf("retries=%d", m.RetryCount)))
		}
		if !m.NextAttemptAt.IsZero() && m.Status == mutation.StatusPending {
			fmt.Fprintf(&b, "  %s", RenderDim("next "+m.NextAttemptAt.Format(time.Kitchen)))
		}
		if m.LastError != "" && m.Status != mutation.StatusSuccess {
			fmt.Fprintf(&b, "\n        %s", RenderErr(m.LastError))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
