package scanner

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"
)

// fakeClamd answers every connection with the canned reply lines.
func fakeClamd(t *testing.T, replies map[string][]string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				line, err := bufio.NewReader(conn).ReadString('\n')
				if err != nil {
					return
				}
				cmd := strings.TrimSpace(strings.TrimPrefix(line, "n"))
				for _, reply := range replies[cmd] {
					conn.Write([]byte(reply + "\n"))
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func clientFor(t *testing.T, addr string) *Client {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		t.Fatal(err)
	}
	return New(host, p, 2*time.Second)
}

func TestScanOK(t *testing.T) {
	addr := fakeClamd(t, map[string][]string{
		"SCAN /tmp/a.pdf": {"/tmp/a.pdf: OK"},
	})
	c := clientFor(t, addr)
	verdicts, err := c.Scan(context.Background(), "/tmp/a.pdf")
	if err != nil {
		t.Fatal(err)
	}
	v, ok := verdicts["/tmp/a.pdf"]
	if !ok || v.Status != StatusOK {
		t.Fatalf("verdicts = %+v", verdicts)
	}
}

func TestScanFound(t *testing.T) {
	addr := fakeClamd(t, map[string][]string{
		"SCAN /tmp/evil.pdf": {"/tmp/evil.pdf: Eicar-Test-Signature FOUND"},
	})
	c := clientFor(t, addr)
	verdicts, err := c.Scan(context.Background(), "/tmp/evil.pdf")
	if err != nil {
		t.Fatal(err)
	}
	v := verdicts["/tmp/evil.pdf"]
	if v.Status != StatusFound || v.Reason != "Eicar-Test-Signature" {
		t.Fatalf("verdict = %+v", v)
	}
}

func TestScanError(t *testing.T) {
	addr := fakeClamd(t, map[string][]string{
		"SCAN /tmp/gone.pdf": {"/tmp/gone.pdf: lstat() failed: No such file or directory. ERROR"},
	})
	c := clientFor(t, addr)
	verdicts, err := c.Scan(context.Background(), "/tmp/gone.pdf")
	if err != nil {
		t.Fatal(err)
	}
	v := verdicts["/tmp/gone.pdf"]
	if v.Status != StatusError || !strings.Contains(v.Reason, "lstat") {
		t.Fatalf("verdict = %+v", v)
	}
}

func TestScanMalformedReply(t *testing.T) {
	addr := fakeClamd(t, map[string][]string{
		"SCAN /tmp/a.pdf": {"garbage with no separator"},
	})
	c := clientFor(t, addr)
	verdicts, err := c.Scan(context.Background(), "/tmp/a.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if len(verdicts) != 0 {
		t.Fatalf("verdicts = %+v, want empty for malformed reply", verdicts)
	}
}

func TestScanUnreachable(t *testing.T) {
	c := New("127.0.0.1", 1, 200*time.Millisecond)
	if _, err := c.Scan(context.Background(), "/tmp/a.pdf"); err == nil {
		t.Fatal("expected transport error")
	}
}

func TestPing(t *testing.T) {
	addr := fakeClamd(t, map[string][]string{"PING": {"PONG"}})
	c := clientFor(t, addr)
	if err := c.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
}
