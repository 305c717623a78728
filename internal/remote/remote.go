// ABOUTME: SSH session gateway used by the provisioning orchestrator.
// ABOUTME: One Client wraps one network connection; commands run in fresh ssh sessions on it.

// Package remote connects to a target host over SSH and runs shell commands.
//
// The gateway never retries: a failed dial or handshake is reported once as
// ErrConnection and retry policy belongs to the caller. A non-zero remote exit
// status is not an error; it is reported in Result.ExitCode.
package remote

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	defaultDialTimeout = 15 * time.Second
	maxLineBytes       = 1 << 20
)

var (
	// ErrConnection is returned when the TCP dial or SSH handshake fails.
	ErrConnection = errors.New("ssh connection failed")
	// ErrExecution is returned when a command cannot be started or its session breaks.
	ErrExecution = errors.New("remote command failed")
	// ErrClosed is returned when running a command on a closed client.
	ErrClosed = errors.New("ssh session closed")
)

// Credentials identify the target host and how to authenticate to it.
type Credentials struct {
	Host       string
	Port       int
	Username   string
	Password   string
	PrivateKey string
	Passphrase string
}

// Address returns host:port, bracketing IPv6 literals.
func (c Credentials) Address() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(strings.Trim(c.Host, "[]"), strconv.Itoa(port))
}

// Result is the outcome of one remote command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Combined returns stdout followed by stderr, trimmed.
func (r Result) Combined() string {
	out := strings.TrimSpace(r.Stdout)
	errOut := strings.TrimSpace(r.Stderr)
	switch {
	case out == "":
		return errOut
	case errOut == "":
		return out
	}
	return out + "\n" + errOut
}

// Session is the capability the orchestrator consumes.
type Session interface {
	Run(ctx context.Context, command string) (Result, error)
	RunStreaming(ctx context.Context, command string, onStdout, onStderr func(line string)) (Result, error)
	Close() error
}

// Dialer opens SSH connections.
//
// With StrictHostKey the host key must be present in KnownHostsPath;
// otherwise any host key is accepted and its fingerprint is recorded on the
// Client for diagnostics.
type Dialer struct {
	Timeout        time.Duration
	KnownHostsPath string
	StrictHostKey  bool
	UseAgent       bool
	Logger         *log.Logger
}

// Connect dials the host and completes the SSH handshake.
func (d Dialer) Connect(ctx context.Context, creds Credentials) (*Client, error) {
	if strings.TrimSpace(creds.Host) == "" {
		return nil, fmt.Errorf("%w: host is required", ErrConnection)
	}
	if strings.TrimSpace(creds.Username) == "" {
		return nil, fmt.Errorf("%w: username is required", ErrConnection)
	}
	auths, closeAgent, err := d.authMethods(creds)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	defer closeAgent()

	fp := &fingerprintRecorder{}
	hostKeyCB, err := d.hostKeyCallback(fp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	cfg := &ssh.ClientConfig{
		User:            creds.Username,
		Auth:            auths,
		HostKeyCallback: hostKeyCB,
		Timeout:         timeout,
	}

	addr := creds.Address()
	netDialer := net.Dialer{Timeout: timeout}
	conn, err := netDialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnection, addr, err)
	}
	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = conn.SetDeadline(deadline)
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: handshake %s: %v", ErrConnection, addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	client := &Client{
		client:      ssh.NewClient(c, chans, reqs),
		addr:        addr,
		fingerprint: fp.value(),
	}
	d.logf("connected to %s as %s (host key %s)", addr, creds.Username, client.fingerprint)
	return client, nil
}

func (d Dialer) authMethods(creds Credentials) ([]ssh.AuthMethod, func(), error) {
	var auths []ssh.AuthMethod
	closeAgent := func() {}
	if strings.TrimSpace(creds.PrivateKey) != "" {
		signer, err := ParsePrivateKey([]byte(creds.PrivateKey), creds.Passphrase)
		if err != nil {
			return nil, closeAgent, err
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}
	if creds.Password != "" {
		password := creds.Password
		auths = append(auths,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	if d.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			if conn, err := net.Dial("unix", sock); err == nil {
				auths = append(auths, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
				closeAgent = func() { _ = conn.Close() }
			}
		}
	}
	if len(auths) == 0 {
		return nil, closeAgent, errors.New("password or private key is required")
	}
	return auths, closeAgent, nil
}

func (d Dialer) hostKeyCallback(fp *fingerprintRecorder) (ssh.HostKeyCallback, error) {
	if !d.StrictHostKey {
		return func(_ string, _ net.Addr, key ssh.PublicKey) error {
			fp.record(key)
			return nil
		}, nil
	}
	if _, err := os.Stat(d.KnownHostsPath); err != nil {
		return nil, fmt.Errorf("known_hosts file not found at %s and strict host key checking is enabled", d.KnownHostsPath)
	}
	cb, err := knownhosts.New(d.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("known_hosts: %w", err)
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		fp.record(key)
		return cb(hostname, remote, key)
	}, nil
}

func (d Dialer) logf(format string, args ...any) {
	if d.Logger == nil {
		return
	}
	d.Logger.Printf(format, args...)
}

// ParsePrivateKey parses a PEM/OpenSSH private key with an optional passphrase.
func ParsePrivateKey(pemBytes []byte, passphrase string) (ssh.Signer, error) {
	if passphrase != "" {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return signer, nil
	}
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err == nil {
		return signer, nil
	}
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		return nil, errors.New("private key is encrypted; a passphrase is required")
	}
	return nil, fmt.Errorf("parse private key: %w", err)
}

type fingerprintRecorder struct {
	mu sync.Mutex
	fp string
}

func (f *fingerprintRecorder) record(key ssh.PublicKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fp = ssh.FingerprintSHA256(key)
}

func (f *fingerprintRecorder) value() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fp
}

// Client is one live SSH connection. It is safe to Close more than once.
type Client struct {
	client      *ssh.Client
	addr        string
	fingerprint string

	closeOnce sync.Once
	closeErr  error
	mu        sync.Mutex
	closed    bool
}

var _ Session = (*Client)(nil)

// HostKeyFingerprint returns the SHA256 fingerprint presented during the handshake.
func (c *Client) HostKeyFingerprint() string {
	if c == nil {
		return ""
	}
	return c.fingerprint
}

// Run executes command and waits for it to exit.
func (c *Client) Run(ctx context.Context, command string) (Result, error) {
	sess, err := c.newSession()
	if err != nil {
		return Result{ExitCode: -1}, err
	}
	defer sess.Close()
	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	stop := watchContext(ctx, sess)
	runErr := sess.Run(command)
	stop()
	return finish(ctx, stdout.String(), stderr.String(), runErr)
}

// RunStreaming executes command, invoking onStdout/onStderr for every output
// line as it arrives. Callbacks are never invoked concurrently.
func (c *Client) RunStreaming(ctx context.Context, command string, onStdout, onStderr func(line string)) (Result, error) {
	sess, err := c.newSession()
	if err != nil {
		return Result{ExitCode: -1}, err
	}
	defer sess.Close()
	stdoutPipe, err := sess.StdoutPipe()
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("%w: stdout pipe: %v", ErrExecution, err)
	}
	stderrPipe, err := sess.StderrPipe()
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("%w: stderr pipe: %v", ErrExecution, err)
	}

	var (
		callbackMu     sync.Mutex
		stdout, stderr bytes.Buffer
		wg             sync.WaitGroup
	)
	forward := func(r io.Reader, buf *bytes.Buffer, fn func(string)) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := scanner.Text()
			callbackMu.Lock()
			buf.WriteString(line)
			buf.WriteByte('\n')
			if fn != nil {
				fn(line)
			}
			callbackMu.Unlock()
		}
		// Drain so the remote side never blocks on a full window.
		_, _ = io.Copy(io.Discard, r)
	}
	wg.Add(2)
	go forward(stdoutPipe, &stdout, onStdout)
	go forward(stderrPipe, &stderr, onStderr)

	if err := sess.Start(command); err != nil {
		_ = sess.Close()
		wg.Wait()
		return Result{ExitCode: -1}, fmt.Errorf("%w: start: %v", ErrExecution, err)
	}
	stop := watchContext(ctx, sess)
	wg.Wait()
	waitErr := sess.Wait()
	stop()
	return finish(ctx, stdout.String(), stderr.String(), waitErr)
}

// Close releases the connection. Subsequent calls return the first result.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		if c.client != nil {
			c.closeErr = c.client.Close()
		}
	})
	return c.closeErr
}

func (c *Client) newSession() (*ssh.Session, error) {
	if c == nil || c.client == nil {
		return nil, ErrClosed
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: open session on %s: %v", ErrExecution, c.addr, err)
	}
	return sess, nil
}

func watchContext(ctx context.Context, sess *ssh.Session) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = sess.Signal(ssh.SIGKILL)
			_ = sess.Close()
		case <-done:
		}
	}()
	return func() { close(done) }
}

func finish(ctx context.Context, stdout, stderr string, err error) (Result, error) {
	res := Result{Stdout: stdout, Stderr: stderr}
	if err == nil {
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ExitCode = -1
		return res, fmt.Errorf("%w: %v", ErrExecution, ctxErr)
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	}
	res.ExitCode = -1
	return res, fmt.Errorf("%w: %v", ErrExecution, err)
}
