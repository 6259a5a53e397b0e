package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/charmbracelet/lipgloss"

	"github.com/dmcdo/jabberwocky-container-manager/internal/wire"
)

var (
	useColor = os.Getenv("NO_COLOR") == ""

	headerStyle  = lipgloss.NewStyle().Bold(true)
	nameStyle    = lipgloss.NewStyle().Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	bootingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#3B82F6"))
	failedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	stoppedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
)

// render styles text unless NO_COLOR is set.
func render(s lipgloss.Style, text string) string {
	if !useColor {
		return text
	}
	return s.Render(text)
}

func stateStyle(state string) lipgloss.Style {
	switch state {
	case "RUNNING":
		return runningStyle
	case "BOOTING":
		return bootingStyle
	case "FAILED":
		return failedStyle
	default:
		return stoppedStyle
	}
}

func printList(w io.Writer, list []wire.ContainerStatus) {
	if len(list) == 0 {
		fmt.Fprintln(w, render(dimStyle, "no containers installed"))
		return
	}

	nameWidth := len("NAME")
	for _, st := range list {
		nameWidth = max(nameWidth, len(st.Name))
	}
	col := func(s string, width int) string {
		return lipgloss.NewStyle().Width(width + 2).Render(s)
	}

	fmt.Fprintln(w, render(headerStyle, col("NAME", nameWidth)+col("STATE", 8)+col("PORT", 6)+"IMAGE"))
	for _, st := range list {
		port := "-"
		if st.Port != 0 {
			port = strconv.Itoa(st.Port)
		}
		fmt.Fprintln(w,
			render(nameStyle, col(st.Name, nameWidth))+
				render(stateStyle(st.State), col(st.State, 8))+
				col(port, 6)+
				render(dimStyle, st.Image))
	}
}

func printStatus(w io.Writer, st wire.ContainerStatus) {
	row := func(k, v string) {
		fmt.Fprintf(w, "%s %s\n", render(dimStyle, fmt.Sprintf("%-15s", k+":")), v)
	}
	row("Name", render(nameStyle, st.Name))
	row("State", render(stateStyle(st.State), st.State))
	row("Image", st.Image)
	if st.Port != 0 {
		row("SSH port", strconv.Itoa(st.Port))
	}
	if st.PID != 0 {
		row("PID", strconv.Itoa(st.PID))
	}
	if st.State == "RUNNING" {
		row("Key authorized", strconv.FormatBool(st.KeyAuthorized))
	}
	if st.LastLogPath != "" {
		row("Last boot log", st.LastLogPath)
	}
	if st.LastError != "" {
		row("Last error", render(failedStyle, st.LastError))
	}
}
