// Package script renders the batch script that runs one analysis job on the
// remote cluster.
//
// Two escaping disciplines apply. Scheduler directives are parsed by the
// batch system line by line without shell quoting, so anything interpolated
// there is reduced to [A-Za-z0-9_-]. The shell body is parsed by a POSIX
// shell, so every interpolated value is single-quoted.
package script

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hpcorchestrator/internal/apperrors"
	"io/fs"
	"path"
	"strings"
)

// Mode is the permission set the remote script must carry.
const Mode fs.FileMode = 0o755

// Options holds the scheduler directives and remote layout.
type Options struct {
	Partition    string // default: gpu
	Gres         string // default: gpu:1
	TimeLimit    string // default: 02:00:00
	StdoutFile   string // default: slurm-%j.out
	StderrFile   string // default: slurm-%j.err
	JobNameStem  string // default: wcag
	TemplatePath string // default: /home/slurm_submit/jobs/job_template.sh
	ScratchRoot  string // default: /scratch/accessible-pdf
}

// DefaultOptions returns the directive set used in production.
func DefaultOptions() Options {
	return Options{
		Partition:    "gpu",
		Gres:         "gpu:1",
		TimeLimit:    "02:00:00",
		StdoutFile:   "slurm-%j.out",
		StderrFile:   "slurm-%j.err",
		JobNameStem:  "wcag",
		TemplatePath: "/home/slurm_submit/jobs/job_template.sh",
		ScratchRoot:  "/scratch/accessible-pdf",
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Partition == "" {
		o.Partition = d.Partition
	}
	if o.Gres == "" {
		o.Gres = d.Gres
	}
	if o.TimeLimit == "" {
		o.TimeLimit = d.TimeLimit
	}
	if o.StdoutFile == "" {
		o.StdoutFile = d.StdoutFile
	}
	if o.StderrFile == "" {
		o.StderrFile = d.StderrFile
	}
	if o.JobNameStem == "" {
		o.JobNameStem = d.JobNameStem
	}
	if o.TemplatePath == "" {
		o.TemplatePath = d.TemplatePath
	}
	if o.ScratchRoot == "" {
		o.ScratchRoot = d.ScratchRoot
	}
	return o
}

// DispatchScript is a rendered script ready for transfer.
type DispatchScript struct {
	JobID string
	Name  string // remote file name, no directory
	Body  []byte
	Mode  fs.FileMode
}

// Builder renders scripts with a fixed option set.
type Builder struct {
	opts Options
}

// NewBuilder creates a builder. Zero option fields take defaults.
func NewBuilder(opts Options) *Builder {
	return &Builder{opts: opts.withDefaults()}
}

// Build renders the script for one job. It performs no I/O.
func (b *Builder) Build(jobID, input, output string) (*DispatchScript, error) {
	fields := []struct{ name, value string }{
		{"jobId", jobID},
		{"inputTransferDescriptor", input},
		{"outputTransferDescriptor", output},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			return nil, apperrors.Validation(f.name, f.name+" is required")
		}
		if strings.IndexByte(f.value, 0) >= 0 {
			return nil, apperrors.Validation(f.name, f.name+" must not contain NUL bytes")
		}
	}
	// Job ids name storage prefixes and directories downstream.
	if jobID == "." || jobID == ".." {
		return nil, apperrors.Validation("jobId", "jobId must not be a relative path element")
	}

	safe := Sanitize(jobID)
	o := b.opts

	var sb strings.Builder
	sb.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&sb, "#SBATCH --job-name=%s-%s\n", Sanitize(o.JobNameStem), safe)
	fmt.Fprintf(&sb, "#SBATCH --partition=%s\n", Sanitize(o.Partition))
	fmt.Fprintf(&sb, "#SBATCH --gres=%s\n", directiveValue(o.Gres))
	fmt.Fprintf(&sb, "#SBATCH --time=%s\n", directiveValue(o.TimeLimit))
	fmt.Fprintf(&sb, "#SBATCH --output=%s\n", directiveValue(o.StdoutFile))
	fmt.Fprintf(&sb, "#SBATCH --error=%s\n", directiveValue(o.StderrFile))
	sb.WriteString("\nset -euo pipefail\n\n")
	fmt.Fprintf(&sb, "export JOB_ID=%s\n", Quote(jobID))
	fmt.Fprintf(&sb, "export INPUT_URL=%s\n", Quote(input))
	fmt.Fprintf(&sb, "export OUTPUT_URL=%s\n", Quote(output))
	fmt.Fprintf(&sb, "export SCRATCH_DIR=%s\n", Quote(ScratchDir(o.ScratchRoot, jobID)))
	fmt.Fprintf(&sb, "\nsource %s\n", Quote(o.TemplatePath))

	return &DispatchScript{
		JobID: jobID,
		Name:  FileName(jobID),
		Body:  []byte(sb.String()),
		Mode:  Mode,
	}, nil
}

// Sanitize replaces every byte outside [A-Za-z0-9_-] with '_'.
func Sanitize(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
			out[i] = c
		default:
			out[i] = '_'
		}
	}
	return string(out)
}

// Quote wraps s in single quotes for a POSIX shell. Embedded quotes become '\''.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// FileName returns the remote file name for a job. Ids that survive
// sanitization unchanged map to job_<id>.sh; others get a hash suffix so two
// ids that sanitize alike never share a file.
func FileName(jobID string) string {
	safe := Sanitize(jobID)
	if safe == jobID {
		return "job_" + safe + ".sh"
	}
	sum := sha256.Sum256([]byte(jobID))
	return "job_" + safe + "_" + hex.EncodeToString(sum[:4]) + ".sh"
}

// ScratchDir returns the per-job directory below root where the analysis
// writes its output. It is exported to the job as SCRATCH_DIR.
func ScratchDir(root, jobID string) string {
	name := FileName(jobID)
	return path.Join(root, name[len("job_"):len(name)-len(".sh")])
}

// directiveValue keeps the characters scheduler option values legitimately use.
func directiveValue(s string) string {
	out := []byte(s)
	for i, c := range out {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '_', c == '-', c == ':', c == '.', c == '%':
		default:
			out[i] = '_'
		}
	}
	return string(out)
}
