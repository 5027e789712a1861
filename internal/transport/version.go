package transport

import (
	"bytes"
	"log/slog"
	"strings"

	"github.com/acolita/sshcore/internal/errs"
)

const (
	// maxVersionLine includes the trailing CR LF (RFC 4253 §4.2).
	maxVersionLine = 255

	// maxBannerLines caps the lines a server may send before its
	// identification string.
	maxBannerLines = 1024
)

// readVersion consumes one line of the server's pre-packet output. It
// returns false when more input is needed or the connection failed.
func (c *Conn) readVersion() bool {
	i := bytes.IndexByte(c.rbuf, '\n')
	if i < 0 {
		if len(c.rbuf) >= maxVersionLine {
			c.fail(errs.New(errs.KindProtocol, "version exchange", "identification line too long"))
		}
		return false
	}
	if i+1 > maxVersionLine {
		c.fail(errs.New(errs.KindProtocol, "version exchange", "identification line too long"))
		return false
	}

	line := strings.TrimSuffix(string(c.rbuf[:i]), "\r")
	c.rbuf = c.rbuf[i+1:]

	if !strings.HasPrefix(line, "SSH-") {
		c.bannerLines++
		if c.bannerLines > maxBannerLines {
			c.fail(errs.Newf(errs.KindProtocol, "version exchange", "more than %d lines before identification", maxBannerLines))
			return false
		}
		c.log.Debug("server pre-banner line", slog.String("line", line))
		return true
	}

	if err := checkServerVersion(line); err != nil {
		c.fail(err)
		return false
	}

	c.versionDone = true
	c.mu.Lock()
	c.serverVersion = line
	c.mu.Unlock()
	c.log.Debug("server version", slog.String("version", line))
	c.setState(StateKeyExchange)
	c.startKex(false)
	return !c.closing
}

// checkServerVersion accepts protocol 2.0 and the 1.99 compatibility
// marker.
func checkServerVersion(line string) error {
	rest, ok := strings.CutPrefix(line, "SSH-2.0-")
	if !ok {
		rest, ok = strings.CutPrefix(line, "SSH-1.99-")
	}
	if !ok {
		return errs.Newf(errs.KindProtocol, "version exchange", "unsupported protocol version %q", line)
	}
	software, _, _ := strings.Cut(rest, " ")
	if software == "" {
		return errs.Newf(errs.KindProtocol, "version exchange", "missing software version in %q", line)
	}
	for _, r := range line {
		if r < 0x20 || r > 0x7e {
			return errs.Newf(errs.KindProtocol, "version exchange", "invalid character in %q", line)
		}
	}
	return nil
}
