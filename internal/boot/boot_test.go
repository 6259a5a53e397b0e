package boot

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dmcdo/jabberwocky-container-manager/internal/console"
	"github.com/dmcdo/jabberwocky-container-manager/internal/errdefs"
	"github.com/dmcdo/jabberwocky-container-manager/internal/portalloc"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeProc is a VM whose console is driven by a guest script.
type fakeProc struct {
	stdinR *io.PipeReader
	stdinW *io.PipeWriter
	outR   *io.PipeReader
	outW   *io.PipeWriter

	done   chan struct{}
	once   sync.Once
	code   int
	killed bool
}

func newFakeProc() *fakeProc {
	p := &fakeProc{done: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.outR, p.outW = io.Pipe()
	return p
}

func (p *fakeProc) PID() int              { return 4242 }
func (p *fakeProc) Stdin() io.Writer      { return p.stdinW }
func (p *fakeProc) Output() io.Reader     { return p.outR }
func (p *fakeProc) Done() <-chan struct{} { return p.done }
func (p *fakeProc) ExitCode() int         { return p.code }

func (p *fakeProc) Kill() error {
	p.exit(-1, true)
	return nil
}

func (p *fakeProc) exit(code int, killed bool) {
	p.once.Do(func() {
		p.code = code
		p.killed = killed
		_ = p.outW.Close()
		_ = p.stdinR.Close()
		close(p.done)
	})
}

// guest helpers
func (p *fakeProc) say(s string) {
	_, _ = io.WriteString(p.outW, s)
}

func (p *fakeProc) readLine(r *bufio.Reader) string {
	line, _ := r.ReadString('\n')
	return strings.TrimSuffix(line, "\n")
}

type fakeSpawner struct {
	proc   *fakeProc
	guest  func(p *fakeProc)
	spec   Spec
	calls  int
	err    error
	guests sync.WaitGroup
}

func (f *fakeSpawner) Spawn(_ context.Context, spec Spec) (Process, error) {
	f.calls++
	f.spec = spec
	if f.err != nil {
		return nil, f.err
	}
	f.proc = newFakeProc()
	f.guests.Add(1)
	go func() {
		defer f.guests.Done()
		f.guest(f.proc)
	}()
	return f.proc, nil
}

type fixedPort struct {
	port int
	err  error
}

func (f fixedPort) Allocate(context.Context) (int, error) { return f.port, f.err }

func testConfig() Config {
	return Config{
		LoginTimeout:   time.Second,
		PromptTimeout:  time.Second,
		LoginPrompt:    regexp.MustCompile(`login:\s*$`),
		PasswordPrompt: regexp.MustCompile(`[Pp]assword:\s*$`),
		ShellPrompt:    regexp.MustCompile(`[$#]\s*$`),
	}
}

func testRequest(t *testing.T) Request {
	return Request{
		Container: "foo",
		Image:     "/images/foo.qcow2",
		LogDir:    filepath.Join(t.TempDir(), "logs"),
		Username:  "root",
		Password:  "hunter2",
		MemoryMB:  512,
		VCPUs:     2,
	}
}

// goodGuest logs in and then serves shell commands until poweroff.
func goodGuest(exitCode int) func(p *fakeProc) {
	return func(p *fakeProc) {
		in := bufio.NewReader(p.stdinR)
		p.say("OpenRC 0.52 is starting up Linux\n\nalpine login: ")
		if p.readLine(in) != "root" {
			p.say("\nLogin incorrect\nalpine login: ")
			<-p.done
			return
		}
		p.say("Password: ")
		if p.readLine(in) != "hunter2" {
			p.say("\nLogin incorrect\nalpine login: ")
			<-p.done
			return
		}
		p.say("Welcome to Alpine!\nalpine:~# ")

		for {
			line, err := in.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "poweroff":
				p.exit(exitCode, false)
				return
			case strings.Contains(line, "authorized_keys"):
				p.say(line + "\r\n" + "jw-key-42\r\nalpine:~# ")
			}
		}
	}
}

func newTestEngine(sp *fakeSpawner, cfg Config) *Engine {
	return NewEngine(fixedPort{port: 12345}, sp, cfg, nil)
}

func TestBoot_Success(t *testing.T) {
	sp := &fakeSpawner{guest: goodGuest(0)}
	req := testRequest(t)

	s, err := newTestEngine(sp, testConfig()).Boot(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 12345, s.Port)
	assert.Equal(t, "foo", s.Container)
	assert.Equal(t, SessionLogPath(req.LogDir, s.ID), s.LogPath)
	assert.True(t, s.Alive())
	assert.Equal(t, Spec{Name: "foo", Image: "/images/foo.qcow2", Port: 12345, MemoryMB: 512, VCPUs: 2}, sp.spec)

	require.NoError(t, s.AuthorizeKey("ssh-ed25519 AAAAC3Nz jabberwocky@foo\n", time.Second))
	require.NoError(t, s.Poweroff(time.Second))
	assert.False(t, s.Alive())
	assert.False(t, sp.proc.killed)
	sp.guests.Wait()

	transcript, err := os.ReadFile(s.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(transcript), "alpine login: Password: Welcome to Alpine!")
}

func TestBoot_NewLogPerAttempt(t *testing.T) {
	req := testRequest(t)

	var paths []string
	for i := 0; i < 2; i++ {
		sp := &fakeSpawner{guest: goodGuest(0)}
		s, err := newTestEngine(sp, testConfig()).Boot(context.Background(), req)
		require.NoError(t, err)
		paths = append(paths, s.LogPath)
		require.NoError(t, s.Poweroff(time.Second))
		sp.guests.Wait()
	}

	assert.NotEqual(t, paths[0], paths[1])
	for _, p := range paths {
		assert.FileExists(t, p)
	}
}

func TestBoot_Failures(t *testing.T) {
	tests := []struct {
		name     string
		guest    func(p *fakeProc)
		cfg      func(*Config)
		wantKind errdefs.BootKind
		wantIs   error
	}{
		{
			name: "forwarding failure at end of stream",
			guest: func(p *fakeProc) {
				p.say("qemu-system-x86_64: -netdev user,id=net0,hostfwd=tcp:127.0.0.1:12345-:22: Could not set up host forwarding rule 'tcp:127.0.0.1:12345-:22'\n")
				p.exit(1, false)
			},
			wantKind: errdefs.BootPortAllocation,
			wantIs:   errdefs.ErrPortAllocation,
		},
		{
			name: "end of stream without signature",
			guest: func(p *fakeProc) {
				p.say("qemu-system-x86_64: could not open disk image\n")
				p.exit(1, false)
			},
			wantKind: errdefs.BootGeneric,
			wantIs:   console.ErrEOF,
		},
		{
			name: "login incorrect then timeout",
			guest: func(p *fakeProc) {
				in := bufio.NewReader(p.stdinR)
				p.say("alpine login: ")
				p.readLine(in)
				p.say("Password: ")
				p.readLine(in)
				p.say("\nLogin incorrect\nalpine login: ")
				<-p.done
			},
			cfg:      func(c *Config) { c.PromptTimeout = 100 * time.Millisecond },
			wantKind: errdefs.BootInvalidLogin,
			wantIs:   errdefs.ErrInvalidLogin,
		},
		{
			name: "silent guest times out",
			guest: func(p *fakeProc) {
				p.say("SeaBIOS (version 1.16.3)\nBooting from Hard Disk...\n")
				<-p.done
			},
			cfg:      func(c *Config) { c.LoginTimeout = 50 * time.Millisecond },
			wantKind: errdefs.BootGeneric,
			wantIs:   console.ErrTimeout,
		},
		{
			name: "login incorrect at end of stream is generic",
			guest: func(p *fakeProc) {
				p.say("Login incorrect\n")
				p.exit(1, false)
			},
			wantKind: errdefs.BootGeneric,
			wantIs:   console.ErrEOF,
		},
		{
			name: "forwarding text on timeout is generic",
			guest: func(p *fakeProc) {
				p.say("Could not set up host forwarding rule\n")
				<-p.done
			},
			cfg:      func(c *Config) { c.LoginTimeout = 50 * time.Millisecond },
			wantKind: errdefs.BootGeneric,
			wantIs:   console.ErrTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			sp := &fakeSpawner{guest: tt.guest}
			req := testRequest(t)

			s, err := newTestEngine(sp, cfg).Boot(context.Background(), req)
			require.Error(t, err)
			assert.Nil(t, s)
			sp.guests.Wait()

			var bootErr *errdefs.BootError
			require.ErrorAs(t, err, &bootErr)
			assert.Equal(t, tt.wantKind, bootErr.Kind)
			assert.ErrorIs(t, err, errdefs.ErrBootFailure)
			assert.ErrorIs(t, err, tt.wantIs)

			assert.True(t, strings.HasPrefix(bootErr.LogPath, req.LogDir), bootErr.LogPath)
			assert.FileExists(t, bootErr.LogPath)
			assert.Contains(t, err.Error(), bootErr.LogPath)

			select {
			case <-sp.proc.Done():
			default:
				t.Fatal("vm still running after failed boot")
			}
		})
	}
}

func TestBoot_TimeoutGenericReferencesLog(t *testing.T) {
	cfg := testConfig()
	cfg.LoginTimeout = 50 * time.Millisecond
	sp := &fakeSpawner{guest: func(p *fakeProc) { <-p.done }}

	_, err := newTestEngine(sp, cfg).Boot(context.Background(), testRequest(t))
	sp.guests.Wait()

	var bootErr *errdefs.BootError
	require.ErrorAs(t, err, &bootErr)
	assert.Equal(t, errdefs.BootGeneric, bootErr.Kind)
	assert.NotErrorIs(t, err, errdefs.ErrInvalidLogin)
	assert.NotErrorIs(t, err, errdefs.ErrPortAllocation)
	assert.True(t, sp.proc.killed)
	assert.Equal(t, errdefs.BootFailure(), errdefs.FromError(err))
}

func TestBoot_PortsExhausted(t *testing.T) {
	sp := &fakeSpawner{guest: func(*fakeProc) {}}
	e := NewEngine(fixedPort{err: &portalloc.ExhaustedError{Lo: 12300, Hi: 12300}}, sp, testConfig(), nil)

	_, err := e.Boot(context.Background(), testRequest(t))

	assert.ErrorIs(t, err, errdefs.ErrPortAllocation)
	assert.ErrorIs(t, err, portalloc.ErrExhausted)
	assert.Zero(t, sp.calls, "nothing may be spawned without a port")
}

func TestBoot_SpawnError(t *testing.T) {
	sp := &fakeSpawner{err: errors.New("qemu-system-x86_64: not found")}

	_, err := newTestEngine(sp, testConfig()).Boot(context.Background(), testRequest(t))

	var bootErr *errdefs.BootError
	require.ErrorAs(t, err, &bootErr)
	assert.Equal(t, errdefs.BootGeneric, bootErr.Kind)
	assert.NotEmpty(t, bootErr.LogPath)
}

func TestPoweroff_BadExit(t *testing.T) {
	sp := &fakeSpawner{guest: goodGuest(3)}
	s, err := newTestEngine(sp, testConfig()).Boot(context.Background(), testRequest(t))
	require.NoError(t, err)

	err = s.Poweroff(time.Second)
	sp.guests.Wait()

	var bad *errdefs.PoweroffBadExitError
	require.ErrorAs(t, err, &bad)
	assert.Equal(t, 3, bad.ExitCode)
	assert.Equal(t, errdefs.Exception(), errdefs.FromError(err))
}

func TestPoweroff_TimeoutKills(t *testing.T) {
	sp := &fakeSpawner{guest: func(p *fakeProc) {
		in := bufio.NewReader(p.stdinR)
		p.say("login: ")
		p.readLine(in)
		p.say("Password: ")
		p.readLine(in)
		p.say("# ")
		p.readLine(in) // poweroff, ignored
		<-p.done
	}}
	s, err := newTestEngine(sp, testConfig()).Boot(context.Background(), testRequest(t))
	require.NoError(t, err)

	err = s.Poweroff(50 * time.Millisecond)
	sp.guests.Wait()

	assert.ErrorIs(t, err, ErrPoweroffTimeout)
	assert.True(t, sp.proc.killed)
	assert.False(t, s.Alive())
}

func TestAuthorizeKey_Failure(t *testing.T) {
	sp := &fakeSpawner{guest: func(p *fakeProc) {
		in := bufio.NewReader(p.stdinR)
		p.say("login: ")
		p.readLine(in)
		p.say("Password: ")
		p.readLine(in)
		p.say("$ ")
		line := p.readLine(in)
		p.say(line + "\nsh: can't create /root/.ssh/authorized_keys: Read-only file system\n$ ")
		<-p.done
	}}
	s, err := newTestEngine(sp, testConfig()).Boot(context.Background(), testRequest(t))
	require.NoError(t, err)

	err = s.AuthorizeKey("ssh-ed25519 AAAA test", 50*time.Millisecond)
	assert.ErrorIs(t, err, errdefs.ErrFailedToAuthorizeKey)

	assert.ErrorIs(t, s.AuthorizeKey("bad'key", time.Second), errdefs.ErrFailedToAuthorizeKey)

	s.Kill()
	sp.guests.Wait()
}

func TestClassifyTranscript(t *testing.T) {
	eof := errors.Join(errors.New("await login prompt"), console.ErrEOF)
	timeout := errors.Join(errors.New("await login prompt"), console.ErrTimeout)
	forward := []byte("qemu: Could not set up host forwarding rule 'tcp::22'\n")
	login := []byte("alpine login: root\nPassword:\nLogin incorrect\n")

	tests := []struct {
		name  string
		cause error
		log   []byte
		want  errdefs.BootKind
	}{
		{"eof with forwarding", eof, forward, errdefs.BootPortAllocation},
		{"eof without signature", eof, []byte("kernel panic\n"), errdefs.BootGeneric},
		{"eof with login signature", eof, login, errdefs.BootGeneric},
		{"timeout with login", timeout, login, errdefs.BootInvalidLogin},
		{"timeout without signature", timeout, []byte("Booting...\n"), errdefs.BootGeneric},
		{"timeout with forwarding", timeout, forward, errdefs.BootGeneric},
		{"other cause", errors.New("broken pipe"), append(forward, login...), errdefs.BootGeneric},
		{"empty log", eof, nil, errdefs.BootGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyTranscript(tt.cause, tt.log))
		})
	}
}

func TestClassify_MissingLog(t *testing.T) {
	err := Classify(console.ErrEOF, filepath.Join(t.TempDir(), "missing.log"))
	assert.Equal(t, errdefs.BootGeneric, err.Kind)
	assert.ErrorIs(t, err, console.ErrEOF)
}
