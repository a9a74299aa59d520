// Package ssh is the transport for the remote backend: run a command on the
// submission host, push a script to it.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Client holds the connection settings for one remote host. Connections are
// established per call; batch submission traffic is far too sparse to be
// worth pooling.
type Client struct {
	Addr       string // host:port
	User       string
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
}

func (c *Client) config() (*xssh.ClientConfig, error) {
	if c.Signer == nil {
		return nil, errors.New("ssh: signer required")
	}
	hostKeys := c.KnownHosts
	if hostKeys == nil {
		return nil, errors.New("ssh: host key callback required")
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(c.Signer)},
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	}, nil
}

func (c *Client) dial(ctx context.Context) (*xssh.Client, error) {
	cfg, err := c.config()
	if err != nil {
		return nil, err
	}
	type res struct {
		cli *xssh.Client
		err error
	}
	ch := make(chan res, 1)
	go func() {
		cli, err := xssh.Dial("tcp", c.Addr, cfg)
		ch <- res{cli: cli, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("ssh dial %s: %w", c.Addr, r.err)
		}
		return r.cli, nil
	}
}

// Run executes command on the remote host, capturing both streams and the
// exit status.
func (c *Client) Run(ctx context.Context, command string) (stdout, stderr string, exitCode int, err error) {
	cli, err := c.dial(ctx)
	if err != nil {
		return "", "", -1, err
	}
	defer cli.Close()
	session, err := cli.NewSession()
	if err != nil {
		return "", "", -1, fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf
	runErr := session.Run(command)
	stdout, stderr = outBuf.String(), errBuf.String()
	if runErr == nil {
		return stdout, stderr, 0, nil
	}
	var ee *xssh.ExitError
	if errors.As(runErr, &ee) {
		return stdout, stderr, ee.ExitStatus(), nil
	}
	return stdout, stderr, -1, fmt.Errorf("ssh run: %w", runErr)
}

// LoadSigner reads an unencrypted OpenSSH/PEM private key.
func LoadSigner(path string) (xssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := xssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

// KnownHostsCallback returns a strict host key callback backed by an OpenSSH
// known_hosts file, defaulting to ~/.ssh/known_hosts.
func KnownHostsCallback(path string) (xssh.HostKeyCallback, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return cb, nil
}
