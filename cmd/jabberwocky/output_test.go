package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmcdo/jabberwocky-container-manager/internal/wire"
)

func withoutColor(t *testing.T) {
	t.Helper()
	prev := useColor
	useColor = false
	t.Cleanup(func() { useColor = prev })
}

func TestPrintList(t *testing.T) {
	withoutColor(t)

	var buf bytes.Buffer
	printList(&buf, []wire.ContainerStatus{
		{Name: "alpine", State: "RUNNING", Port: 12301, Image: "/img/alpine.qcow2"},
		{Name: "debian-bookworm", State: "STOPPED", Image: "/img/debian.qcow2"},
	})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"NAME", "STATE", "PORT", "IMAGE"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"alpine", "RUNNING", "12301", "/img/alpine.qcow2"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"debian-bookworm", "STOPPED", "-", "/img/debian.qcow2"}, strings.Fields(lines[2]))

	// columns line up
	assert.Equal(t, strings.Index(lines[0], "STATE"), strings.Index(lines[1], "RUNNING"))
	assert.Equal(t, strings.Index(lines[0], "STATE"), strings.Index(lines[2], "STOPPED"))
}

func TestPrintList_Empty(t *testing.T) {
	withoutColor(t)

	var buf bytes.Buffer
	printList(&buf, nil)
	assert.Equal(t, "no containers installed\n", buf.String())
}

func TestPrintStatus(t *testing.T) {
	withoutColor(t)

	t.Run("running", func(t *testing.T) {
		var buf bytes.Buffer
		printStatus(&buf, wire.ContainerStatus{
			Name:          "alpine",
			State:         "RUNNING",
			Port:          12301,
			PID:           4242,
			Image:         "/img/alpine.qcow2",
			KeyAuthorized: true,
		})
		out := buf.String()
		assert.Contains(t, out, "State:          RUNNING\n")
		assert.Contains(t, out, "SSH port:       12301\n")
		assert.Contains(t, out, "PID:            4242\n")
		assert.Contains(t, out, "Key authorized: true\n")
		assert.NotContains(t, out, "Last error")
	})

	t.Run("failed", func(t *testing.T) {
		var buf bytes.Buffer
		printStatus(&buf, wire.ContainerStatus{
			Name:        "alpine",
			State:       "FAILED",
			Image:       "/img/alpine.qcow2",
			LastLogPath: "/data/containers/alpine/logs/abc.log",
			LastError:   "invalid login",
		})
		out := buf.String()
		assert.Contains(t, out, "Last boot log:  /data/containers/alpine/logs/abc.log\n")
		assert.Contains(t, out, "Last error:     invalid login\n")
		assert.NotContains(t, out, "SSH port")
		assert.NotContains(t, out, "Key authorized")
	})
}

func TestExitCodeError(t *testing.T) {
	err := error(&exitCodeError{code: 3})
	assert.Equal(t, "exit status 3", err.Error())
}
