// Package sftp runs an SFTP client over a "sftp" subsystem channel of a
// transport connection.
package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/acolita/sshcore/internal/transport"
	"github.com/pkg/sftp"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("sftp client is closed")

// Client is an SFTP session on an authenticated connection. The subsystem
// channel is opened on Connect or lazily on first use.
type Client struct {
	conn *transport.Conn

	mu     sync.Mutex
	stream *transport.ChannelStream
	sftp   *sftp.Client
	closed bool
}

// NewClient returns a client for conn. conn must be authenticated before
// the first operation.
func NewClient(conn *transport.Conn) *Client {
	return &Client{conn: conn}
}

// Connect opens the session channel and starts the sftp subsystem.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.session(ctx)
	return err
}

func (c *Client) session(ctx context.Context) (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.sftp != nil {
		return c.sftp, nil
	}

	stream, err := c.conn.OpenStream(ctx, "session", nil)
	if err != nil {
		return nil, fmt.Errorf("open sftp channel: %w", err)
	}
	if err := c.conn.RequestSubsystem(ctx, stream.ID(), "sftp"); err != nil {
		stream.Close()
		return nil, fmt.Errorf("request sftp subsystem: %w", err)
	}
	client, err := sftp.NewClientPipe(stream, stream)
	if err != nil {
		stream.Close()
		return nil, fmt.Errorf("create sftp client: %w", err)
	}

	c.stream = stream
	c.sftp = client
	return client, nil
}

// Close ends the sftp session and closes its channel. The connection stays
// open.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.sftp == nil {
		return nil
	}
	err := c.sftp.Close()
	if cerr := c.stream.Close(); err == nil {
		err = cerr
	}
	c.sftp, c.stream = nil, nil
	return err
}

// IsConnected reports whether the subsystem is running.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sftp != nil && !c.closed
}

func (c *Client) do(fn func(*sftp.Client) error) error {
	client, err := c.session(context.Background())
	if err != nil {
		return err
	}
	return fn(client)
}

// Stat returns file information for path.
func (c *Client) Stat(path string) (os.FileInfo, error) {
	var info os.FileInfo
	err := c.do(func(s *sftp.Client) (err error) {
		info, err = s.Stat(path)
		return err
	})
	return info, err
}

// Lstat is Stat without following symlinks.
func (c *Client) Lstat(path string) (os.FileInfo, error) {
	var info os.FileInfo
	err := c.do(func(s *sftp.Client) (err error) {
		info, err = s.Lstat(path)
		return err
	})
	return info, err
}

// ReadDir lists a directory.
func (c *Client) ReadDir(path string) ([]os.FileInfo, error) {
	var infos []os.FileInfo
	err := c.do(func(s *sftp.Client) (err error) {
		infos, err = s.ReadDir(path)
		return err
	})
	return infos, err
}

// Getwd returns the remote working directory.
func (c *Client) Getwd() (string, error) {
	var wd string
	err := c.do(func(s *sftp.Client) (err error) {
		wd, err = s.Getwd()
		return err
	})
	return wd, err
}

// RealPath resolves path on the server.
func (c *Client) RealPath(path string) (string, error) {
	var resolved string
	err := c.do(func(s *sftp.Client) (err error) {
		resolved, err = s.RealPath(path)
		return err
	})
	return resolved, err
}

func (c *Client) Mkdir(path string) error {
	return c.do(func(s *sftp.Client) error { return s.Mkdir(path) })
}

func (c *Client) MkdirAll(path string) error {
	return c.do(func(s *sftp.Client) error { return s.MkdirAll(path) })
}

// Remove removes a file or an empty directory.
func (c *Client) Remove(path string) error {
	return c.do(func(s *sftp.Client) error { return s.Remove(path) })
}

func (c *Client) Rename(oldPath, newPath string) error {
	return c.do(func(s *sftp.Client) error { return s.Rename(oldPath, newPath) })
}

func (c *Client) Chmod(path string, mode os.FileMode) error {
	return c.do(func(s *sftp.Client) error { return s.Chmod(path, mode) })
}

// Open opens a remote file for streaming reads. The caller closes it.
func (c *Client) Open(path string) (*sftp.File, error) {
	var f *sftp.File
	err := c.do(func(s *sftp.Client) (err error) {
		f, err = s.Open(path)
		return err
	})
	return f, err
}

// Create creates or truncates a remote file for streaming writes. The
// caller closes it.
func (c *Client) Create(path string) (*sftp.File, error) {
	var f *sftp.File
	err := c.do(func(s *sftp.Client) (err error) {
		f, err = s.Create(path)
		return err
	})
	return f, err
}

// ReadFile downloads a whole file.
func (c *Client) ReadFile(path string) ([]byte, error) {
	f, err := c.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open remote file: %w", err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

// WriteFile uploads data, creating or truncating path. A non-zero perm is
// applied after the write.
func (c *Client) WriteFile(path string, data []byte, perm os.FileMode) error {
	f, err := c.Create(path)
	if err != nil {
		return fmt.Errorf("create remote file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write remote file: %w", err)
	}
	if perm != 0 {
		if err := f.Chmod(perm); err != nil {
			return fmt.Errorf("chmod remote file: %w", err)
		}
	}
	return nil
}

// Download copies a remote file into w and returns the byte count.
func (c *Client) Download(remotePath string, w io.Writer) (int64, error) {
	f, err := c.Open(remotePath)
	if err != nil {
		return 0, fmt.Errorf("open remote file: %w", err)
	}
	defer f.Close()
	return f.WriteTo(w)
}

// Upload copies r into a remote file and returns the byte count.
func (c *Client) Upload(r io.Reader, remotePath string) (int64, error) {
	f, err := c.Create(remotePath)
	if err != nil {
		return 0, fmt.Errorf("create remote file: %w", err)
	}
	n, err := f.ReadFrom(r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// FileInfo is a flattened os.FileInfo for listings.
type FileInfo struct {
	Name    string      `json:"name"`
	Size    int64       `json:"size"`
	Mode    os.FileMode `json:"mode"`
	ModTime int64       `json:"mod_time"` // Unix seconds
	IsDir   bool        `json:"is_dir"`
	IsLink  bool        `json:"is_link"`
}

func ToFileInfo(info os.FileInfo) FileInfo {
	return FileInfo{
		Name:    info.Name(),
		Size:    info.Size(),
		Mode:    info.Mode(),
		ModTime: info.ModTime().Unix(),
		IsDir:   info.IsDir(),
		IsLink:  info.Mode()&os.ModeSymlink != 0,
	}
}
