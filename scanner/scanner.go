// Package scanner is a clamd TCP client speaking the line protocol. Only the
// contract matters here: send a path, get back a per-path verdict. Operating
// the scanner daemon itself is out of scope.
package scanner

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// Verdict statuses, as reported by the daemon.
const (
	StatusOK    = "OK"
	StatusFound = "FOUND"
	StatusError = "ERROR"
)

// Verdict is the daemon's answer for one path. Reason carries the signature
// name (FOUND) or the failure text (ERROR).
type Verdict struct {
	Status string
	Reason string
}

// Client scans files through a clamd daemon reachable over TCP.
type Client struct {
	addr    string
	timeout time.Duration
	dial    func(ctx context.Context, addr string) (net.Conn, error)
}

// Option customises a Client.
type Option func(*Client)

// WithDialer overrides the TCP dialer (tests).
func WithDialer(dial func(ctx context.Context, addr string) (net.Conn, error)) Option {
	return func(c *Client) { c.dial = dial }
}

// New builds a Client for host:port with a per-call timeout.
func New(host string, port int, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		addr:    net.JoinHostPort(host, fmt.Sprint(port)),
		timeout: timeout,
	}
	c.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		d := net.Dialer{Timeout: c.timeout}
		return d.DialContext(ctx, "tcp", addr)
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Ping checks daemon reachability (PING/PONG round trip).
func (c *Client) Ping(ctx context.Context) error {
	lines, err := c.command(ctx, "PING")
	if err != nil {
		return err
	}
	if len(lines) == 0 || lines[0] != "PONG" {
		return fmt.Errorf("scanner: unexpected ping reply %q", lines)
	}
	return nil
}

// Scan asks the daemon to scan path and returns the per-path verdicts.
// A transport failure returns an error; a malformed reply returns an empty
// map, which callers treat as an invalid response.
func (c *Client) Scan(ctx context.Context, path string) (map[string]Verdict, error) {
	lines, err := c.command(ctx, "SCAN "+path)
	if err != nil {
		return nil, err
	}
	verdicts := make(map[string]Verdict)
	for _, line := range lines {
		p, v, ok := parseLine(line)
		if !ok {
			continue
		}
		verdicts[p] = v
	}
	return verdicts, nil
}

func (c *Client) command(ctx context.Context, cmd string) ([]string, error) {
	conn, err := c.dial(ctx, c.addr)
	if err != nil {
		return nil, fmt.Errorf("scanner: dial %s: %w", c.addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("scanner: set deadline: %w", err)
	}

	if _, err := fmt.Fprintf(conn, "n%s\n", cmd); err != nil {
		return nil, fmt.Errorf("scanner: send %q: %w", cmd, err)
	}

	var lines []string
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanner: read reply: %w", err)
	}
	return lines, nil
}

// parseLine splits "path: [reason ]STATUS" into its parts.
func parseLine(line string) (string, Verdict, bool) {
	idx := strings.Index(line, ": ")
	if idx < 0 {
		return "", Verdict{}, false
	}
	path := line[:idx]
	rest := strings.TrimSpace(line[idx+2:])
	switch {
	case rest == StatusOK:
		return path, Verdict{Status: StatusOK}, true
	case strings.HasSuffix(rest, " "+StatusFound):
		return path, Verdict{Status: StatusFound, Reason: strings.TrimSuffix(rest, " "+StatusFound)}, true
	case strings.HasSuffix(rest, " "+StatusError):
		return path, Verdict{Status: StatusError, Reason: strings.TrimSuffix(rest, " "+StatusError)}, true
	}
	return "", Verdict{}, false
}
