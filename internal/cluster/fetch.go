package cluster

import (
	"context"
	"errors"
	"fmt"
	"hpcorchestrator/internal/apperrors"
	"hpcorchestrator/internal/script"
	"hpcorchestrator/pkg/circuitbreaker"
	"io"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/pkg/sftp"
)

// Artifact is one output file read from a job's scratch directory.
type Artifact struct {
	Name string
	Data []byte
}

// ScratchDir returns the remote directory holding jobID's output.
func (d *Dispatcher) ScratchDir(jobID string) string {
	return script.ScratchDir(d.cfg.ScratchRoot, jobID)
}

// Fetch reads every regular file in the job's scratch directory, sorted by
// name. A missing directory is a NotFound error.
func (d *Dispatcher) Fetch(ctx context.Context, jobID string) ([]Artifact, error) {
	dir := d.ScratchDir(jobID)
	var artifacts []Artifact
	err := d.Breaker().Do(func() error {
		client, err := dial(ctx, d.cfg.Addr, d.fetch)
		if err != nil {
			return err
		}
		defer client.Close()
		return runWithTimeout(ctx, d.cfg.FetchTimeout, client, func() error {
			fs, err := sftp.NewClient(client)
			if err != nil {
				return err
			}
			defer fs.Close()
			artifacts, err = readDir(fs, dir, d.cfg.MaxArtifactBytes)
			return err
		})
	}, hostFault)

	var tooLarge *artifactTooLargeError
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		return nil, apperrors.Transient("fetch", jobID, ErrCircuitOpen)
	case errors.Is(err, os.ErrNotExist):
		return nil, apperrors.NotFound("scratch directory", dir)
	case errors.As(err, &tooLarge):
		return nil, apperrors.Internal("fetch", err)
	case err != nil:
		return nil, apperrors.Transient("fetch", jobID, err)
	}
	return artifacts, nil
}

type artifactTooLargeError struct {
	name  string
	limit int64
}

func (e *artifactTooLargeError) Error() string {
	return fmt.Sprintf("artifact %s exceeds %d bytes", e.name, e.limit)
}

func readDir(fs *sftp.Client, dir string, limit int64) ([]Artifact, error) {
	entries, err := fs.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var artifacts []Artifact
	for _, e := range entries {
		if !e.Mode().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if e.Size() > limit {
			return nil, &artifactTooLargeError{name: e.Name(), limit: limit}
		}
		data, err := readFile(fs, path.Join(dir, e.Name()), limit)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, Artifact{Name: e.Name(), Data: data})
	}
	slices.SortFunc(artifacts, func(a, b Artifact) int { return strings.Compare(a.Name, b.Name) })
	return artifacts, nil
}

func readFile(fs *sftp.Client, name string, limit int64) ([]byte, error) {
	f, err := fs.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if int64(len(data)) > limit {
		return nil, &artifactTooLargeError{name: path.Base(name), limit: limit}
	}
	return data, nil
}
