// Copyright 2025 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const defaultDialTimeout = 10 * time.Second

// Client implements Runner over real SSH connections. Each operation
// dials a fresh connection; instances are short-lived and connection
// reuse buys nothing across the orchestrator's few remote calls.
type Client struct {
	Host        string
	User        string
	Port        string
	PrivateKey  []byte
	Password    string
	DialTimeout time.Duration
}

// Option configures the Client.
type Option func(*Client) error

// WithPrivateKeyPath loads the private key used for public-key auth.
func WithPrivateKeyPath(privateKeyPath string) Option {
	return func(c *Client) error {
		key, err := os.ReadFile(privateKeyPath)
		if err != nil {
			return fmt.Errorf("unable to read private key: %w", err)
		}
		c.PrivateKey = key
		return nil
	}
}

// WithPassword enables password auth as a fallback to public-key auth.
func WithPassword(password string) Option {
	return func(c *Client) error {
		c.Password = password
		return nil
	}
}

// WithDialTimeout overrides the per-attempt connect timeout.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.DialTimeout = d
		return nil
	}
}

// NewClient creates a new SSH client for the given endpoint.
func NewClient(host, user, port string, opts ...Option) (*Client, error) {
	c := &Client{
		Host:        host,
		User:        user,
		Port:        port,
		DialTimeout: defaultDialTimeout,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if len(c.PrivateKey) == 0 && c.Password == "" {
		return nil, errors.New("no SSH auth method configured")
	}

	return c, nil
}

func (c *Client) clientConfig() (*ssh.ClientConfig, error) {
	auth := make([]ssh.AuthMethod, 0, 2)

	if len(c.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(c.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("unable to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	if c.Password != "" {
		auth = append(auth, ssh.Password(c.Password))
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // ephemeral guests have no stable host key
		Timeout:         c.DialTimeout,
	}, nil
}

func (c *Client) dial() (*ssh.Client, error) {
	config, err := c.clientConfig()
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(c.Host, c.Port)
	conn, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to %s: %w", addr, err)
	}

	return conn, nil
}

// Handshake implements Runner. A successful no-op command proves the
// remote shell is fully up; a bare TCP accept during boot is not enough.
func (c *Client) Handshake(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	conn, err := c.dial()
	if err != nil {
		return err
	}
	defer runFuncAndLogErr(conn.Close)

	session, err := conn.NewSession()
	if err != nil {
		return fmt.Errorf("unable to create SSH session: %w", err)
	}
	defer runFuncAndLogErr(session.Close)

	if err := session.Run("true"); err != nil {
		return fmt.Errorf("handshake command failed: %w", err)
	}

	return nil
}

// Run implements Runner.
func (c *Client) Run(
	ctx context.Context,
	command string,
) (stdout, stderr string, exitCode int, err error) {
	if err := ctx.Err(); err != nil {
		return "", "", 0, err
	}

	conn, err := c.dial()
	if err != nil {
		return "", "", 0, err
	}
	defer runFuncAndLogErr(conn.Close)

	session, err := conn.NewSession()
	if err != nil {
		return "", "", 0, fmt.Errorf("unable to create SSH session: %w", err)
	}
	defer runFuncAndLogErr(session.Close)

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	if err := session.Run(command); err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			// The command completed; its status is the result, not a
			// transport failure.
			return stdoutBuf.String(), stderrBuf.String(), exitErr.ExitStatus(), nil
		}
		return stdoutBuf.String(), stderrBuf.String(), 0,
			fmt.Errorf("remote command failed: %w", err)
	}

	return stdoutBuf.String(), stderrBuf.String(), 0, nil
}

// Stage implements Runner.
func (c *Client) Stage(ctx context.Context, localPath string) (string, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return "", fmt.Errorf("unable to stat local path: %w", err)
	}

	conn, err := c.dial()
	if err != nil {
		return "", err
	}
	defer runFuncAndLogErr(conn.Close)

	sftpClient, err := sftp.NewClient(conn)
	if err != nil {
		return "", fmt.Errorf("unable to create SFTP client: %w", err)
	}
	defer runFuncAndLogErr(sftpClient.Close)

	homeDir, err := sftpClient.Getwd()
	if err != nil {
		return "", fmt.Errorf("unable to resolve remote home directory: %w", err)
	}

	remotePath := path.Join(homeDir, filepath.Base(localPath))

	if info.IsDir() {
		if err := uploadDir(ctx, sftpClient, localPath, remotePath); err != nil {
			return "", err
		}
		return remotePath, nil
	}

	if err := uploadFile(sftpClient, localPath, remotePath, info.Mode()); err != nil {
		return "", err
	}

	return remotePath, nil
}

// MakeExecutable implements Runner.
func (c *Client) MakeExecutable(ctx context.Context, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	conn, err := c.dial()
	if err != nil {
		return err
	}
	defer runFuncAndLogErr(conn.Close)

	sftpClient, err := sftp.NewClient(conn)
	if err != nil {
		return fmt.Errorf("unable to create SFTP client: %w", err)
	}
	defer runFuncAndLogErr(sftpClient.Close)

	if err := sftpClient.Chmod(remotePath, 0o755); err != nil {
		return fmt.Errorf("unable to chmod %s: %w", remotePath, err)
	}

	return nil
}

func uploadDir(ctx context.Context, client *sftp.Client, localDir, remoteDir string) error {
	return filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		remote := path.Join(remoteDir, filepath.ToSlash(rel))

		if d.IsDir() {
			if err := client.MkdirAll(remote); err != nil {
				return fmt.Errorf("unable to create remote dir %s: %w", remote, err)
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		return uploadFile(client, p, remote, info.Mode())
	})
}

func uploadFile(client *sftp.Client, localPath, remotePath string, mode os.FileMode) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("unable to open %s: %w", localPath, err)
	}
	defer runFuncAndLogErr(src.Close)

	dst, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("unable to create remote file %s: %w", remotePath, err)
	}
	defer runFuncAndLogErr(dst.Close)

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("unable to copy to %s: %w", remotePath, err)
	}

	if err := client.Chmod(remotePath, mode.Perm()); err != nil {
		return fmt.Errorf("unable to chmod %s: %w", remotePath, err)
	}

	return nil
}

func runFuncAndLogErr(f func() error) {
	if err := f(); err != nil {
		slog.Debug("error closing ssh resource", "err", err.Error())
	}
}
