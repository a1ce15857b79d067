// Package gate is the remote side of the restricted submission channel. It
// runs as the forced command of the dispatcher's SSH keys and turns the
// client's requested command into exactly one allowed action.
//
// The submit key never gets a file transfer subsystem. It speaks three
// commands, each naming a script directly inside the script directory:
//
//	store <path>    write stdin to <path> (mode 0755)
//	<path>          sbatch <path>
//	remove <path>   delete <path>
//
// The status key sends a numeric batch id. The fetch key gets a read-only
// sftp-server; its login should be chrooted to the scratch root by sshd
// (ChrootDirectory) since sftp-server itself does not confine paths.
package gate

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"strings"
	"syscall"

	"github.com/google/uuid"
)

// Mode selects what a key may do.
type Mode string

const (
	ModeSubmit Mode = "submit" // store, sbatch and remove dispatch scripts
	ModeStatus Mode = "status" // map a numeric job id to its sacct state
	ModeFetch  Mode = "fetch"  // read-only SFTP for scratch collection
)

// Action is what the gate does with a resolved command.
type Action int

const (
	ActionExec   Action = iota // replace the gate with Path Args
	ActionStore                // write stdin to the script at Path
	ActionRemove               // delete the script at Path
)

// ErrRejected is returned for every command the gate refuses.
var ErrRejected = errors.New("command rejected")

// Config configures the gate. Program paths are resolved by the caller.
type Config struct {
	Mode           Mode
	ScriptDir      string // only scripts directly inside this directory are handled
	MaxScriptBytes int64  // default: 1 MiB
	Sbatch         string // default: sbatch
	Sacct          string // default: sacct
	SftpServer     string // default: /usr/lib/openssh/sftp-server
}

// Command is the resolved action. For ActionExec it is a program and its
// argv, run without a shell; otherwise Path is the script to store or remove.
type Command struct {
	Action Action
	Path   string
	Args   []string
}

var (
	scriptName = regexp.MustCompile(`^job_[A-Za-z0-9_-]+\.sh$`)
	batchID    = regexp.MustCompile(`^[0-9]{1,20}$`)
)

func (c Config) withDefaults() Config {
	if c.MaxScriptBytes <= 0 {
		c.MaxScriptBytes = 1 << 20
	}
	if c.Sbatch == "" {
		c.Sbatch = "sbatch"
	}
	if c.Sacct == "" {
		c.Sacct = "sacct"
	}
	if c.SftpServer == "" {
		c.SftpServer = "/usr/lib/openssh/sftp-server"
	}
	return c
}

// Resolve maps the client's requested command (SSH_ORIGINAL_COMMAND) to the
// command to run. Anything not explicitly allowed for the mode is rejected.
func Resolve(cfg Config, original string) (Command, error) {
	cfg = cfg.withDefaults()
	requested := strings.TrimSpace(original)

	switch cfg.Mode {
	case ModeSubmit:
		verb, arg, found := strings.Cut(requested, " ")
		if found && (verb == "store" || verb == "remove") {
			if err := checkScript(cfg.ScriptDir, arg); err != nil {
				return Command{}, err
			}
			if verb == "store" {
				return Command{Action: ActionStore, Path: arg}, nil
			}
			return Command{Action: ActionRemove, Path: arg}, nil
		}
		if err := checkScript(cfg.ScriptDir, requested); err != nil {
			return Command{}, err
		}
		return Command{Path: cfg.Sbatch, Args: []string{requested}}, nil

	case ModeStatus:
		if !batchID.MatchString(requested) {
			return Command{}, fmt.Errorf("%w: status takes a numeric job id", ErrRejected)
		}
		return Command{Path: cfg.Sacct, Args: []string{"-j", requested, "-X", "-n", "-P", "-o", "State"}}, nil

	case ModeFetch:
		if !isSFTP(requested, cfg) {
			return Command{}, fmt.Errorf("%w: only sftp is available", ErrRejected)
		}
		return Command{Path: cfg.SftpServer, Args: []string{"-R"}}, nil

	default:
		return Command{}, fmt.Errorf("%w: unknown mode %q", ErrRejected, cfg.Mode)
	}
}

// Store writes the script read from r to name. The body goes to a fresh
// hidden sibling opened with O_EXCL|O_NOFOLLOW and is renamed over name, so
// sbatch never sees a partial file and no planted link is followed.
func Store(cfg Config, name string, r io.Reader) error {
	cfg = cfg.withDefaults()
	if err := checkScript(cfg.ScriptDir, name); err != nil {
		return err
	}

	tmp := path.Join(path.Dir(name), "."+path.Base(name)+"."+uuid.NewString()[:8])
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL|syscall.O_NOFOLLOW, 0o700)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}

	n, err := io.Copy(f, io.LimitReader(r, cfg.MaxScriptBytes+1))
	if err == nil && n > cfg.MaxScriptBytes {
		err = fmt.Errorf("%w: script exceeds %d bytes", ErrRejected, cfg.MaxScriptBytes)
	}
	if err == nil {
		// fchmod, so the umask does not matter.
		err = f.Chmod(0o755)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, name)
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Remove deletes the script at name. A missing file is not an error.
func Remove(cfg Config, name string) error {
	if err := checkScript(cfg.ScriptDir, name); err != nil {
		return err
	}
	if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// isSFTP reports whether the client requested the sftp subsystem. sshd
// passes the configured subsystem command as the original command.
func isSFTP(requested string, cfg Config) bool {
	return requested == "internal-sftp" || requested == cfg.SftpServer || path.Base(requested) == "sftp-server"
}

func checkScript(dir, requested string) error {
	if dir == "" {
		return fmt.Errorf("%w: no script directory configured", ErrRejected)
	}
	if strings.ContainsAny(requested, " \t\n;&|`$<>\\'\"") {
		return fmt.Errorf("%w: unexpected characters in script path", ErrRejected)
	}
	if !path.IsAbs(requested) || path.Clean(requested) != requested {
		return fmt.Errorf("%w: script path must be absolute and clean", ErrRejected)
	}
	if path.Dir(requested) != path.Clean(dir) {
		return fmt.Errorf("%w: script outside %s", ErrRejected, dir)
	}
	if !scriptName.MatchString(path.Base(requested)) {
		return fmt.Errorf("%w: not a dispatch script name", ErrRejected)
	}
	return nil
}
