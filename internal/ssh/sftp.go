package ssh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/pkg/sftp"
)

// Push uploads a local file to remotePath, creating parent directories and
// preserving an executable bit for scripts.
func (c *Client) Push(ctx context.Context, localPath, remotePath string, mode os.FileMode) error {
	cli, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer cli.Close()
	sf, err := sftp.NewClient(cli)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := sf.MkdirAll(dir); err != nil {
			return fmt.Errorf("mkdir remote %s: %w", dir, err)
		}
	}
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local: %w", err)
	}
	defer src.Close()
	dst, err := sf.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	if mode != 0 {
		if err := sf.Chmod(remotePath, mode); err != nil {
			return fmt.Errorf("chmod remote: %w", err)
		}
	}
	return nil
}

// PushVerified uploads a file and confirms the remote copy's SHA-256 digest
// matches the local one. Verification needs sha256sum on the remote host.
func (c *Client) PushVerified(ctx context.Context, localPath, remotePath string, mode os.FileMode) error {
	local, err := checksum(localPath)
	if err != nil {
		return fmt.Errorf("local checksum: %w", err)
	}
	if err := c.Push(ctx, localPath, remotePath, mode); err != nil {
		return err
	}
	stdout, stderr, code, err := c.Run(ctx, "sha256sum "+remotePath)
	if err != nil {
		return fmt.Errorf("remote checksum: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("remote checksum exited %d: %s", code, stderr)
	}
	fields := strings.Fields(stdout)
	if len(fields) == 0 || fields[0] != local {
		return fmt.Errorf("checksum mismatch for %s: local %s, remote %q", remotePath, local, stdout)
	}
	return nil
}

func checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
