package console

import (
	"bytes"
	"io"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	loginRe    = regexp.MustCompile(`login:\s*$`)
	passwordRe = regexp.MustCompile(`[Pp]assword:\s*$`)
)

func newTestConsole(t *testing.T) (*Console, *io.PipeWriter, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	pr, pw := io.Pipe()
	var in, transcript bytes.Buffer
	c := New(pr, &in, &transcript)
	return c, pw, &in, &transcript
}

func TestExpect_MatchAndConsume(t *testing.T) {
	c, pw, _, transcript := newTestConsole(t)

	_, err := io.WriteString(pw, "Booting kernel...\nalpine login: ")
	require.NoError(t, err)

	got, err := c.Expect(loginRe, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "login: ", got)
	assert.Empty(t, c.Pending())

	_, err = io.WriteString(pw, "Password: ")
	require.NoError(t, err)
	got, err = c.Expect(passwordRe, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Password: ", got)

	require.NoError(t, pw.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, "Booting kernel...\nalpine login: Password: ", transcript.String())
}

func TestExpect_MatchWinsOverEOF(t *testing.T) {
	c, pw, _, _ := newTestConsole(t)

	_, err := io.WriteString(pw, "welcome\nlogin: ")
	require.NoError(t, err)
	require.NoError(t, pw.Close())
	<-c.Done()

	got, err := c.Expect(loginRe, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "login: ", got)

	_, err = c.Expect(loginRe, time.Second)
	assert.ErrorIs(t, err, ErrEOF)

	require.NoError(t, c.Close())
}

func TestExpect_EOF(t *testing.T) {
	c, pw, _, transcript := newTestConsole(t)

	_, err := io.WriteString(pw, "qemu: Could not set up host forwarding rule 'tcp:127.0.0.1:12300-:22'\n")
	require.NoError(t, err)
	require.NoError(t, pw.Close())

	_, err = c.Expect(loginRe, 5*time.Second)
	assert.ErrorIs(t, err, ErrEOF)
	assert.NotErrorIs(t, err, ErrTimeout)

	require.NoError(t, c.Close())
	assert.Contains(t, transcript.String(), "Could not set up host forwarding rule")
}

func TestExpect_Timeout(t *testing.T) {
	c, pw, _, _ := newTestConsole(t)

	_, err := io.WriteString(pw, "Login incorrect\n")
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Expect(loginRe, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrEOF)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, "Login incorrect\n", c.Pending())

	require.NoError(t, c.Close())
	_ = pw.Close()
}

func TestExpect_SplitAcrossReads(t *testing.T) {
	c, pw, _, _ := newTestConsole(t)

	go func() {
		for _, part := range []string{"alpine lo", "gi", "n: "} {
			_, _ = io.WriteString(pw, part)
			time.Sleep(5 * time.Millisecond)
		}
	}()

	got, err := c.Expect(loginRe, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "login: ", got)

	require.NoError(t, pw.Close())
	require.NoError(t, c.Close())
}

func TestSendLine(t *testing.T) {
	c, pw, in, _ := newTestConsole(t)

	require.NoError(t, c.SendLine("root"))
	require.NoError(t, c.Send("secret"))
	assert.Equal(t, "root\nsecret", in.String())

	require.NoError(t, pw.Close())
	require.NoError(t, c.Close())
}

func TestClose_UnblocksReader(t *testing.T) {
	c, pw, _, _ := newTestConsole(t)

	require.NoError(t, c.Close())
	select {
	case <-c.Done():
	default:
		t.Fatal("console still reading after Close")
	}
	_ = pw.Close()
}
