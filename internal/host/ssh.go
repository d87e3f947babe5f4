package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig describes how to log in to managed servers.
type SSHConfig struct {
	User    string
	KeyPath string
	// KnownHostsPath enables host key verification when set.
	KnownHostsPath string
	Port           int
	Timeout        time.Duration
}

// SSHCheck is the result of probing key-based login and passwordless sudo
// on one server.
type SSHCheck struct {
	Server    string `json:"server"`
	Hostname  string `json:"hostname"`
	SSHWorks  bool   `json:"ssh_works"`
	SudoWorks bool   `json:"sudo_works"`
	Error     string `json:"error,omitempty"`
}

const shutdownCommand = "sudo poweroff"

// ShutdownLimit is the longest Shutdown can take: the dial and the
// command are each bounded by SSH.Timeout.
func (s *System) ShutdownLimit() time.Duration { return 2 * s.cfg.SSH.Timeout }

// Shutdown asks hostname to power off. The remote side usually drops the
// connection before reporting an exit status, so a session that ends
// without one, or that is still open after SSH.Timeout, counts as success.
func (s *System) Shutdown(ctx context.Context, hostname string) error {
	client, err := s.dial(ctx, hostname)
	if err != nil {
		return err
	}
	defer client.Close()

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.SSH.Timeout)
	defer cancel()
	err = run(runCtx, client, shutdownCommand)
	if err == nil || shutdownAccepted(err) {
		s.logger.Info("shutdown command sent", "host", hostname)
		return nil
	}
	return fmt.Errorf("ssh %s: %s: %w", hostname, shutdownCommand, err)
}

// CheckSSH verifies key-based login and passwordless sudo on hostname.
func (s *System) CheckSSH(ctx context.Context, hostname string) SSHCheck {
	res := SSHCheck{Hostname: hostname}
	client, err := s.dial(ctx, hostname)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, 2*s.cfg.SSH.Timeout)
	defer cancel()
	if err := run(ctx, client, "true"); err != nil {
		res.Error = fmt.Sprintf("ssh command failed: %v", err)
		return res
	}
	res.SSHWorks = true

	if err := run(ctx, client, "sudo -n true"); err != nil {
		res.Error = "passwordless sudo not configured"
		return res
	}
	res.SudoWorks = true
	return res
}

func (s *System) dial(ctx context.Context, hostname string) (*ssh.Client, error) {
	cfg, err := s.clientConfig()
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(hostname, strconv.Itoa(s.cfg.SSH.Port))

	ctx, cancel := context.WithTimeout(ctx, s.cfg.SSH.Timeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ssh %s: %w", hostname, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh %s: %w", hostname, err)
	}
	conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

func (s *System) clientConfig() (*ssh.ClientConfig, error) {
	key, err := os.ReadFile(s.cfg.SSH.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if s.cfg.SSH.KnownHostsPath != "" {
		hostKey, err = knownhosts.New(s.cfg.SSH.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            s.cfg.SSH.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKey,
		Timeout:         s.cfg.SSH.Timeout,
	}, nil
}

// run executes cmd in a fresh session, giving up when ctx is done.
func run(ctx context.Context, client *ssh.Client, cmd string) error {
	sess, err := client.NewSession()
	if err != nil {
		return err
	}
	defer sess.Close()

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		client.Close()
		return ctx.Err()
	}
}

// shutdownAccepted reports whether err is the expected fallout of the
// remote host going down mid-command.
func shutdownAccepted(err error) bool {
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "connection reset by peer")
}
