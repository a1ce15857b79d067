package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrCircuitOpen is the cause attached to calls rejected by the breaker.
var ErrCircuitOpen = errors.New("cluster circuit breaker open")

// hostFault reports whether err says the ingress host is down or not
// answering. A remote program that exits non-zero, a refused SFTP request or
// an oversized artifact all mean the host responded; a caller's cancellation
// says nothing about it.
func hostFault(err error) bool {
	var (
		exit     *ssh.ExitError
		status   *sftp.StatusError
		tooLarge *artifactTooLargeError
	)
	switch {
	case errors.As(err, &exit), errors.As(err, &status), errors.As(err, &tooLarge):
		return false
	case errors.Is(err, os.ErrNotExist), errors.Is(err, os.ErrPermission):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// loadSigner reads an unencrypted private key.
func loadSigner(path string) (ssh.Signer, error) {
	if path == "" {
		return nil, errors.New("key file not configured")
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("parse key %s: %w", path, err)
	}
	return signer, nil
}

func clientConfig(creds Credentials, hostKeys ssh.HostKeyCallback, timeout time.Duration) (*ssh.ClientConfig, error) {
	signer, err := loadSigner(creds.KeyFile)
	if err != nil {
		return nil, err
	}
	return &ssh.ClientConfig{
		User:            creds.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	}, nil
}

func hostKeyCallback(knownHostsFile string) (ssh.HostKeyCallback, error) {
	if knownHostsFile == "" {
		return nil, errors.New("known hosts file not configured")
	}
	cb, err := knownhosts.New(knownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	return cb, nil
}

// dial opens an SSH connection honouring ctx during the TCP connect and the
// handshake.
func dial(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else if cfg.Timeout > 0 {
		conn.SetDeadline(time.Now().Add(cfg.Timeout))
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	// The handshake deadline must not leak into the session.
	conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// runWithTimeout runs fn and closes c if ctx or the timeout expires first,
// which unblocks any I/O fn is doing on the connection.
func runWithTimeout(ctx context.Context, timeout time.Duration, c io.Closer, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		c.Close()
		<-done
		return ctx.Err()
	}
}
