package host_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/tphummel/lab_power/internal/host"
)

// sshServer is a minimal in-process SSH server that accepts any public key
// and answers exec requests with a configured exit status. Commands with
// no configured status close the channel without one, the way a host
// that is powering off does. With hang set, sessions stay open until the
// client goes away, like a host whose network dropped mid-command.
type sshServer struct {
	mu    sync.Mutex
	cmds  []string
	exits map[string]uint32
	hang  bool
	port  int
}

func (s *sshServer) commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cmds...)
}

func startSSHServer(t *testing.T, exits map[string]uint32) *sshServer {
	t.Helper()
	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error) { return nil, nil },
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	srv := &sshServer{exits: exits, port: ln.Addr().(*net.TCPAddr).Port}
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.serve(nc, cfg)
		}
	}()
	return srv
}

func (s *sshServer) serve(nc net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		nc.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	for nch := range chans {
		if nch.ChannelType() != "session" {
			nch.Reject(ssh.UnknownChannelType, "")
			continue
		}
		ch, creqs, err := nch.Accept()
		if err != nil {
			continue
		}
		go s.session(ch, creqs)
	}
}

func (s *sshServer) session(ch ssh.Channel, reqs <-chan *ssh.Request) {
	for req := range reqs {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}
		var payload struct{ Command string }
		ssh.Unmarshal(req.Payload, &payload)
		req.Reply(true, nil)

		s.mu.Lock()
		s.cmds = append(s.cmds, payload.Command)
		status, ok := s.exits[payload.Command]
		hang := s.hang
		s.mu.Unlock()
		if hang {
			for range reqs {
			}
			return
		}
		if ok {
			ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
		}
		ch.Close()
		return
	}
}

func writeClientKey(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func newSSHSystem(t *testing.T, port int) *host.System {
	return host.New(host.Config{SSH: host.SSHConfig{
		User:    "root",
		KeyPath: writeClientKey(t),
		Port:    port,
		Timeout: 5 * time.Second,
	}}, nil)
}

func TestShutdown_ConnectionDropCountsAsSuccess(t *testing.T) {
	srv := startSSHServer(t, nil)
	sys := newSSHSystem(t, srv.port)

	if err := sys.Shutdown(context.Background(), "127.0.0.1"); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	cmds := srv.commands()
	if len(cmds) != 1 || cmds[0] != "sudo poweroff" {
		t.Errorf("commands: got %v, want [sudo poweroff]", cmds)
	}
}

func TestShutdown_SessionNeverEnds(t *testing.T) {
	srv := startSSHServer(t, nil)
	srv.mu.Lock()
	srv.hang = true
	srv.mu.Unlock()
	sys := host.New(host.Config{SSH: host.SSHConfig{
		User:    "root",
		KeyPath: writeClientKey(t),
		Port:    srv.port,
		Timeout: 200 * time.Millisecond,
	}}, nil)

	done := make(chan error, 1)
	go func() { done <- sys.Shutdown(context.Background(), "127.0.0.1") }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Shutdown: got %v, want nil once the command times out", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown still blocked 5s after a 200ms SSH timeout")
	}
	if cmds := srv.commands(); len(cmds) != 1 {
		t.Errorf("commands: got %v, want one poweroff", cmds)
	}
}

func TestShutdown_SudoRefused(t *testing.T) {
	srv := startSSHServer(t, map[string]uint32{"sudo poweroff": 1})
	sys := newSSHSystem(t, srv.port)

	if err := sys.Shutdown(context.Background(), "127.0.0.1"); err == nil {
		t.Error("Shutdown with exit status 1: got nil error")
	}
}

func TestShutdown_Unreachable(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	sys := newSSHSystem(t, port)
	if err := sys.Shutdown(context.Background(), "127.0.0.1"); err == nil {
		t.Error("Shutdown to closed port: got nil error")
	}
}

func TestCheckSSH(t *testing.T) {
	tests := []struct {
		name      string
		exits     map[string]uint32
		wantSSH   bool
		wantSudo  bool
		wantError bool
	}{
		{"all good", map[string]uint32{"true": 0, "sudo -n true": 0}, true, true, false},
		{"no sudo", map[string]uint32{"true": 0, "sudo -n true": 1}, true, false, true},
		{"command fails", map[string]uint32{"true": 127}, false, false, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := startSSHServer(t, tc.exits)
			sys := newSSHSystem(t, srv.port)

			got := sys.CheckSSH(context.Background(), "127.0.0.1")
			if got.SSHWorks != tc.wantSSH || got.SudoWorks != tc.wantSudo {
				t.Errorf("got ssh=%v sudo=%v, want ssh=%v sudo=%v", got.SSHWorks, got.SudoWorks, tc.wantSSH, tc.wantSudo)
			}
			if (got.Error != "") != tc.wantError {
				t.Errorf("error: got %q, wantError=%v", got.Error, tc.wantError)
			}
		})
	}
}

func TestCheckSSH_MissingKey(t *testing.T) {
	sys := host.New(host.Config{SSH: host.SSHConfig{KeyPath: filepath.Join(t.TempDir(), "nope")}}, nil)
	got := sys.CheckSSH(context.Background(), "127.0.0.1")
	if got.SSHWorks || got.Error == "" {
		t.Errorf("got %+v, want failure with error", got)
	}
}
