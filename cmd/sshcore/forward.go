package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/acolita/sshcore/internal/forward"
)

// parseForward splits "[bind_address:]port:host:hostport" as ssh -L
// takes it. IPv6 addresses go in brackets.
func parseForward(spec string) (local, host string, port int, err error) {
	parts, err := splitForward(spec)
	if err != nil {
		return "", "", 0, err
	}
	bind := "127.0.0.1"
	switch len(parts) {
	case 3:
	case 4:
		bind, parts = parts[0], parts[1:]
	default:
		return "", "", 0, fmt.Errorf("forward %q: want [bind_address:]port:host:hostport", spec)
	}
	if _, err := strconv.ParseUint(parts[0], 10, 16); err != nil {
		return "", "", 0, fmt.Errorf("forward %q: bad local port %q", spec, parts[0])
	}
	port, err = strconv.Atoi(parts[2])
	if err != nil || port < 1 || port > 65535 {
		return "", "", 0, fmt.Errorf("forward %q: bad remote port %q", spec, parts[2])
	}
	if parts[1] == "" {
		return "", "", 0, fmt.Errorf("forward %q: missing host", spec)
	}
	return net.JoinHostPort(bind, parts[0]), parts[1], port, nil
}

func splitForward(spec string) ([]string, error) {
	var parts []string
	for spec != "" {
		if strings.HasPrefix(spec, "[") {
			end := strings.Index(spec, "]")
			if end < 0 {
				return nil, fmt.Errorf("forward %q: unclosed [", spec)
			}
			parts = append(parts, spec[1:end])
			spec = strings.TrimPrefix(spec[end+1:], ":")
			continue
		}
		field, rest, found := strings.Cut(spec, ":")
		parts = append(parts, field)
		spec = rest
		if found && rest == "" {
			parts = append(parts, "")
		}
	}
	return parts, nil
}

// forward runs local forwards until ctx is done.
func (a *app) forward(ctx context.Context, target string, specs []string) error {
	type fwd struct {
		local, host string
		port        int
	}
	var fwds []fwd
	for _, s := range specs {
		local, host, port, err := parseForward(s)
		if err != nil {
			return err
		}
		fwds = append(fwds, fwd{local, host, port})
	}

	conn, err := a.connect(ctx, target)
	if err != nil {
		return err
	}
	defer conn.Disconnect()
	defer a.watchKnownHosts()()

	m := forward.NewManager(forward.Through(conn), a.log)
	defer m.CloseAll()
	for _, f := range fwds {
		t, err := m.Local(f.local, f.host, f.port)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "forwarding %s -> %s:%d\n", t.Addr(), f.host, f.port)
	}

	var lost error
	select {
	case <-ctx.Done():
	case <-conn.Done():
		lost = fmt.Errorf("connection lost: %s", conn.Status().Reason)
	}
	for _, t := range m.List() {
		s := t.Stats()
		a.log.Info("tunnel stats",
			slog.String("local", s.Local),
			slog.String("remote", s.Remote),
			slog.Int64("connections", s.Total),
			slog.Int64("bytes_sent", s.BytesSent),
			slog.Int64("bytes_received", s.BytesReceived),
		)
	}
	return lost
}
