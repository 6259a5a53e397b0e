// Package sshexec manages per-container SSH keys and runs commands in a
// booted container over its forwarded SSH port.
package sshexec

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// GenerateKeyPair returns a new ed25519 private key in OpenSSH PEM form and
// the matching authorized_keys line.
func GenerateKeyPair(comment string) (privatePEM, authorizedKey []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal public key: %w", err)
	}

	line := bytes.TrimSuffix(ssh.MarshalAuthorizedKey(sshPub), []byte("\n"))
	if comment != "" {
		line = append(line, ' ')
		line = append(line, comment...)
	}
	return pem.EncodeToMemory(block), append(line, '\n'), nil
}

// WriteKeyPair generates a key pair and writes it to privPath (0600) and
// pubPath (0644).
func WriteKeyPair(privPath, pubPath, comment string) error {
	priv, pub, err := GenerateKeyPair(comment)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(privPath), 0o700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(privPath, priv, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(pubPath, pub, 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

// Quote wraps s in single quotes for a POSIX shell.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Client is an SSH connection to one container.
type Client struct {
	client *ssh.Client
}

// Dial connects to 127.0.0.1:port as user with the private key at keyPath.
// The guest's host key is not checked: it is regenerated with the image
// and only ever reached over loopback.
func Dial(ctx context.Context, port int, user, keyPath string, timeout time.Duration) (*Client, error) {
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // loopback only
		Timeout:         timeout,
	}

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return &Client{client: ssh.NewClient(c, chans, reqs)}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Run executes command and returns its output and exit code. A non-zero
// exit is not an error.
func (c *Client) Run(ctx context.Context, command string) (stdout, stderr string, exitCode int, err error) {
	var out, errOut bytes.Buffer
	exitCode, err = c.run(ctx, command, nil, &out, &errOut)
	return out.String(), errOut.String(), exitCode, err
}

// Upload writes r to guestPath.
func (c *Client) Upload(ctx context.Context, r io.Reader, guestPath string) error {
	var errOut bytes.Buffer
	code, err := c.run(ctx, "cat > "+Quote(guestPath), r, io.Discard, &errOut)
	if err != nil {
		return fmt.Errorf("upload %s: %w", guestPath, err)
	}
	if code != 0 {
		return fmt.Errorf("upload %s: exit %d: %s", guestPath, code, strings.TrimSpace(errOut.String()))
	}
	return nil
}

// Download copies guestPath to w.
func (c *Client) Download(ctx context.Context, guestPath string, w io.Writer) error {
	var errOut bytes.Buffer
	code, err := c.run(ctx, "cat "+Quote(guestPath), nil, w, &errOut)
	if err != nil {
		return fmt.Errorf("download %s: %w", guestPath, err)
	}
	if code != 0 {
		return fmt.Errorf("download %s: exit %d: %s", guestPath, code, strings.TrimSpace(errOut.String()))
	}
	return nil
}

func (c *Client) run(ctx context.Context, command string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return 0, fmt.Errorf("open session: %w", err)
	}
	defer func() { _ = session.Close() }()

	session.Stdin = stdin
	session.Stdout = stdout
	session.Stderr = stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Close()
		<-done
		return 0, ctx.Err()
	}

	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		return 0, nil
	case errors.As(err, &exitErr):
		return exitErr.ExitStatus(), nil
	default:
		return 0, fmt.Errorf("run: %w", err)
	}
}
