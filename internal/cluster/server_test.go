package cluster

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"hpcorchestrator/internal/gate"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gliderlabs/ssh"
	"github.com/pkg/sftp"
	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type roleKey struct{}

// reply is what the emulated forced command prints and exits with.
type reply struct {
	out  string
	code int
}

// fakeIngress is an in-process SSH server standing in for the cluster's
// ingress host. Each key is bound to a gate mode as batch-gate would be:
// submit requests resolve through gate.Resolve with store and remove
// performed by the gate package and sbatch replaced by onSubmit, status
// requests reach onStatus, and only the fetch key may open a read-only
// sftp subsystem.
type fakeIngress struct {
	addr        string
	knownHosts  string
	submitKey   string
	statusKey   string
	fetchKey    string
	scriptDir   string
	scratchRoot string

	mu       sync.Mutex
	onSubmit func(path string) reply
	onStatus func(handle string) reply
	scripts  map[string][]byte // path -> body seen at trigger time
	modes    map[string]os.FileMode

	triggers atomic.Int64
	stores   atomic.Int64
	removes  atomic.Int64
}

func writeClientKey(t *testing.T, dir, name string) gossh.PublicKey {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	block, err := gossh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	sshPub, err := gossh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return sshPub
}

func newFakeIngress(t *testing.T) *fakeIngress {
	t.Helper()
	dir := t.TempDir()

	f := &fakeIngress{
		submitKey:   filepath.Join(dir, "submit_key"),
		statusKey:   filepath.Join(dir, "status_key"),
		fetchKey:    filepath.Join(dir, "fetch_key"),
		knownHosts:  filepath.Join(dir, "known_hosts"),
		scriptDir:   filepath.Join(dir, "remote", "jobs"),
		scratchRoot: filepath.Join(dir, "remote", "scratch"),
		scripts:     make(map[string][]byte),
		modes:       make(map[string]os.FileMode),
		onSubmit:    func(string) reply { return reply{out: "Submitted batch job 4821\n"} },
		onStatus:    func(string) reply { return reply{out: "RUNNING\n"} },
	}
	for _, d := range []string{f.scriptDir, f.scratchRoot} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	submitPub := writeClientKey(t, dir, "submit_key")
	statusPub := writeClientKey(t, dir, "status_key")
	fetchPub := writeClientKey(t, dir, "fetch_key")

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	hostSigner, err := gossh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatal(err)
	}

	srv := &ssh.Server{
		Handler: f.handle,
		PublicKeyHandler: func(ctx ssh.Context, key ssh.PublicKey) bool {
			switch {
			case ssh.KeysEqual(key, submitPub):
				ctx.SetValue(roleKey{}, "submit")
			case ssh.KeysEqual(key, statusPub):
				ctx.SetValue(roleKey{}, "status")
			case ssh.KeysEqual(key, fetchPub):
				ctx.SetValue(roleKey{}, "fetch")
			default:
				return false
			}
			return true
		},
		SubsystemHandlers: map[string]ssh.SubsystemHandler{
			"sftp": func(s ssh.Session) {
				role, _ := s.Context().Value(roleKey{}).(string)
				if _, err := gate.Resolve(gate.Config{Mode: gate.Mode(role), ScriptDir: f.scriptDir}, "internal-sftp"); err != nil {
					fmt.Fprintln(s.Stderr(), err)
					s.Exit(1)
					return
				}
				server, err := sftp.NewServer(s, sftp.ReadOnly())
				if err != nil {
					return
				}
				if err := server.Serve(); err == io.EOF {
					server.Close()
				}
			},
		},
	}
	srv.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	f.addr = ln.Addr().String()
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	line := knownhosts.Line([]string{f.addr}, hostSigner.PublicKey())
	if err := os.WriteFile(f.knownHosts, []byte(line+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fakeIngress) handle(s ssh.Session) {
	role, _ := s.Context().Value(roleKey{}).(string)
	cfg := gate.Config{Mode: gate.Mode(role), ScriptDir: f.scriptDir}

	cmd, err := gate.Resolve(cfg, s.RawCommand())
	if err != nil {
		fmt.Fprintln(s.Stderr(), err)
		s.Exit(1)
		return
	}

	var r reply
	switch {
	case cmd.Action == gate.ActionStore:
		f.stores.Add(1)
		if err := gate.Store(cfg, cmd.Path, s); err != nil {
			r = reply{out: err.Error() + "\n", code: 1}
		}
	case cmd.Action == gate.ActionRemove:
		f.removes.Add(1)
		if err := gate.Remove(cfg, cmd.Path); err != nil {
			r = reply{out: err.Error() + "\n", code: 1}
		}
	case role == "submit":
		script := cmd.Args[0]
		f.triggers.Add(1)
		if info, err := os.Stat(script); err == nil {
			body, _ := os.ReadFile(script)
			f.mu.Lock()
			f.scripts[script] = body
			f.modes[script] = info.Mode().Perm()
			f.mu.Unlock()
		}
		f.mu.Lock()
		h := f.onSubmit
		f.mu.Unlock()
		r = h(script)
	case role == "status":
		f.mu.Lock()
		h := f.onStatus
		f.mu.Unlock()
		r = h(cmd.Args[1])
	default:
		r = reply{out: "permission denied\n", code: 1}
	}
	io.WriteString(s, r.out)
	s.Exit(r.code)
}

func (f *fakeIngress) setSubmit(h func(path string) reply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSubmit = h
}

func (f *fakeIngress) setStatus(h func(handle string) reply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onStatus = h
}

func (f *fakeIngress) seen(path string) ([]byte, os.FileMode, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.scripts[path]
	return body, f.modes[path], ok
}

func (f *fakeIngress) config(t *testing.T) Config {
	t.Helper()
	return Config{
		Addr:            f.addr,
		KnownHostsFile:  f.knownHosts,
		Submit:          Credentials{User: "slurm_submit", KeyFile: f.submitKey},
		Status:          Credentials{User: "slurm_status", KeyFile: f.statusKey},
		Fetch:           Credentials{User: "slurm_fetch", KeyFile: f.fetchKey},
		RemoteScriptDir: f.scriptDir,
		ScratchRoot:     f.scratchRoot,
		LocalTempDir:    t.TempDir(),
		DialTimeout:     2 * time.Second,
		TransferTimeout: 5 * time.Second,
		TriggerTimeout:  5 * time.Second,
		StatusTimeout:   2 * time.Second,
		FetchTimeout:    5 * time.Second,
	}
}

func (f *fakeIngress) dispatcher(t *testing.T, cfg Config) *Dispatcher {
	t.Helper()
	d, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		t.Errorf("expected %s to be empty, found %v", dir, names)
	}
}

func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}
