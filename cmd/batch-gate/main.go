// batch-gate is installed as the forced command of the orchestrator's SSH
// keys on the cluster login node, e.g. in authorized_keys:
//
//	command="/usr/local/bin/batch-gate -mode submit -dir /home/slurm_submit/jobs",restrict ssh-ed25519 AAAA...
//	command="/usr/local/bin/batch-gate -mode status",restrict ssh-ed25519 AAAA...
//	command="/usr/local/bin/batch-gate -mode fetch",restrict ssh-ed25519 AAAA...
//
// Each mode belongs to its own user. The fetch user should also be chrooted
// to the scratch root in sshd_config (Match User slurm_fetch, ChrootDirectory).
//
// It reads SSH_ORIGINAL_COMMAND and either stores or removes a script itself
// or execs the single allowed program for the key's mode without a shell.
package main

import (
	"flag"
	"fmt"
	"hpcorchestrator/internal/gate"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
)

func main() {
	mode := flag.String("mode", "", "submit, status or fetch")
	dir := flag.String("dir", "", "directory dispatch scripts are uploaded to (submit mode)")
	sbatch := flag.String("sbatch", "sbatch", "sbatch binary")
	sacct := flag.String("sacct", "sacct", "sacct binary")
	sftpServer := flag.String("sftp-server", "/usr/lib/openssh/sftp-server", "sftp-server binary")
	maxScript := flag.Int64("max-script-bytes", 1<<20, "largest script accepted by store (submit mode)")
	flag.Parse()

	// stdout belongs to the protocol; diagnostics go to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg := gate.Config{
		Mode:           gate.Mode(*mode),
		ScriptDir:      *dir,
		Sbatch:         *sbatch,
		Sacct:          *sacct,
		SftpServer:     *sftpServer,
		MaxScriptBytes: *maxScript,
	}
	original := os.Getenv("SSH_ORIGINAL_COMMAND")

	cmd, err := gate.Resolve(cfg, original)
	if err != nil {
		logger.Warn("Rejected command", "mode", *mode, "command", original, "error", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	switch cmd.Action {
	case gate.ActionStore:
		err = gate.Store(cfg, cmd.Path, os.Stdin)
	case gate.ActionRemove:
		err = gate.Remove(cfg, cmd.Path)
	default:
		execute(logger, cmd)
	}
	if err != nil {
		logger.Error("Script operation failed", "path", cmd.Path, "error", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// execute replaces the process with cmd and never returns.
func execute(logger *slog.Logger, cmd gate.Command) {
	bin, err := exec.LookPath(cmd.Path)
	if err != nil {
		logger.Error("Program not found", "program", cmd.Path, "error", err)
		os.Exit(127)
	}

	argv := append([]string{cmd.Path}, cmd.Args...)
	err = syscall.Exec(bin, argv, os.Environ())
	logger.Error("Exec failed", "program", bin, "error", err)
	os.Exit(126)
}

func init() {
	flag.CommandLine.SetOutput(os.Stderr)
	flag.CommandLine.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: batch-gate -mode submit|status|fetch [-dir /home/slurm_submit/jobs]\n")
		flag.PrintDefaults()
	}
}
