package vm

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmcdo/jabberwocky-container-manager/internal/boot"
)

func TestArgs(t *testing.T) {
	opts := Options{Accel: "tcg", ImageFormat: "raw", ExtraArgs: []string{"-rtc", "base=utc"}}
	spec := boot.Spec{Name: "foo", Image: "/img/foo.raw", Port: 12301, MemoryMB: 2048, VCPUs: 4}

	got := strings.Join(Args(opts, spec), " ")
	want := "-m 2048 -smp 4 -accel tcg -display none -monitor none -serial stdio" +
		" -drive file=/img/foo.raw,if=virtio,format=raw" +
		" -netdev user,id=net0,hostfwd=tcp:127.0.0.1:12301-:22" +
		" -device virtio-net-pci,netdev=net0 -rtc base=utc"
	if got != want {
		t.Errorf("Args() =\n%s\nwant\n%s", got, want)
	}
}

func TestArgs_DefaultFormat(t *testing.T) {
	got := Args(Options{Accel: "kvm"}, boot.Spec{Image: "/img/a", Port: 1, MemoryMB: 1, VCPUs: 1})
	assert.Contains(t, got, "file=/img/a,if=virtio,format=qcow2")
}

func TestResolveAccel(t *testing.T) {
	orig := KVMDevice
	t.Cleanup(func() { KVMDevice = orig })

	dev := filepath.Join(t.TempDir(), "kvm")
	require.NoError(t, os.WriteFile(dev, nil, 0o600))

	KVMDevice = dev
	assert.Equal(t, "kvm", ResolveAccel("auto"))
	assert.Equal(t, "kvm", ResolveAccel(""))

	KVMDevice = filepath.Join(t.TempDir(), "missing")
	assert.Equal(t, "tcg", ResolveAccel("auto"))

	assert.Equal(t, "kvm", ResolveAccel("kvm"))
	assert.Equal(t, "tcg", ResolveAccel("tcg"))
}

// fakeQEMU writes a shell script standing in for the emulator.
func fakeQEMU(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "qemu-system-x86_64")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestManager_SpawnConsoleAndExit(t *testing.T) {
	bin := fakeQEMU(t, `echo "alpine login: "; read user; echo "hello $user" >&2; exit 3`)
	m, err := NewManager(Options{Binary: bin, Accel: "tcg"}, nil)
	require.NoError(t, err)

	proc, err := m.Spawn(context.Background(), boot.Spec{Name: "foo", Image: "/img/foo.qcow2", Port: 12300, MemoryMB: 64, VCPUs: 1})
	require.NoError(t, err)

	p, ok := m.Get("foo")
	require.True(t, ok)
	assert.Equal(t, proc.PID(), p.PID())

	out := bufio.NewReader(proc.Output())
	line, err := out.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "alpine login: \n", line)

	_, err = proc.Stdin().Write([]byte("root\n"))
	require.NoError(t, err)

	line, err = out.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "hello root\n", line, "stderr is joined with stdout")

	select {
	case <-proc.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.Equal(t, 3, proc.ExitCode())
	assert.NoError(t, p.Err())
	assert.False(t, p.Alive())

	_, ok = m.Get("foo")
	assert.False(t, ok)
	assert.Empty(t, m.List())
}

func TestManager_DuplicateAndKillAll(t *testing.T) {
	bin := fakeQEMU(t, `exec sleep 30`)
	m, err := NewManager(Options{Binary: bin, Accel: "tcg"}, nil)
	require.NoError(t, err)

	spec := boot.Spec{Name: "foo", Image: "/img/foo.qcow2", Port: 12300, MemoryMB: 64, VCPUs: 1}
	proc, err := m.Spawn(context.Background(), spec)
	require.NoError(t, err)

	_, err = m.Spawn(context.Background(), spec)
	assert.Error(t, err)

	spec.Name, spec.Port = "bar", 12301
	_, err = m.Spawn(context.Background(), spec)
	require.NoError(t, err)

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, "bar", list[0].Name)
	assert.Equal(t, "foo", list[1].Name)
	assert.True(t, proc.(*Process).Alive())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, m.KillAll(ctx))

	assert.Empty(t, m.List())
	assert.Equal(t, -1, proc.ExitCode())
}

func TestManager_RelativeImage(t *testing.T) {
	m, err := NewManager(Options{Binary: fakeQEMU(t, "exit 0")}, nil)
	require.NoError(t, err)

	_, err = m.Spawn(context.Background(), boot.Spec{Name: "foo", Image: "foo.qcow2"})
	assert.Error(t, err)
}

func TestNewManager_MissingBinary(t *testing.T) {
	_, err := NewManager(Options{Binary: filepath.Join(t.TempDir(), "nope")}, nil)
	assert.Error(t, err)
}
