package verify

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// DialFunc opens the probe connection. Injectable for tests; the default is
// a net.Dialer honoring the configured connect timeout.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// prober performs the handshake-only SMTP exchange: banner, EHLO, MAIL FROM,
// RCPT TO, QUIT. The RCPT response code is the probe's answer; no DATA phase
// is ever entered.
type prober struct {
	heloDomain     string
	mailFrom       string
	port           string
	connectTimeout time.Duration
	commandTimeout time.Duration
	dial           DialFunc
}

func newProber(cfg Config) *prober {
	p := &prober{
		heloDomain:     cfg.HeloDomain,
		mailFrom:       cfg.MailFrom,
		port:           cfg.ProbePort,
		connectTimeout: cfg.ConnectTimeout,
		commandTimeout: cfg.CommandTimeout,
	}
	d := &net.Dialer{Timeout: cfg.ConnectTimeout}
	p.dial = d.DialContext
	return p
}

// probe runs one handshake against mxHost and returns the RCPT TO response
// code (or the MAIL FROM code when that already rejects permanently). A
// non-nil error means the exchange never produced a usable response.
func (p *prober) probe(ctx context.Context, mxHost, address string) (int, string, error) {
	if err := ctx.Err(); err != nil {
		return 0, "", err
	}

	target := net.JoinHostPort(mxHost, p.port)
	nc, err := p.dial(ctx, "tcp", target)
	if err != nil {
		return 0, "", fmt.Errorf("connect %s: %w", target, err)
	}
	defer nc.Close()

	// Abandoning callers must not leak the connection.
	stop := context.AfterFunc(ctx, func() { nc.Close() })
	defer stop()

	ex := &exchange{
		nc:     nc,
		r:      bufio.NewReader(nc),
		w:      bufio.NewWriter(nc),
		budget: p.commandTimeout,
	}
	if d, ok := ctx.Deadline(); ok {
		ex.ceiling = d
	}

	code, msg, err := ex.read()
	if err != nil {
		return 0, "", fmt.Errorf("read banner: %w", err)
	}
	if code >= 500 {
		return 0, "", fmt.Errorf("banner rejected connection: %d %s", code, msg)
	}

	code, msg, err = ex.command(fmt.Sprintf("EHLO %s\r\n", p.heloDomain))
	if err != nil {
		return 0, "", fmt.Errorf("EHLO: %w", err)
	}
	if code >= 400 {
		// Older servers only speak HELO.
		code, msg, err = ex.command(fmt.Sprintf("HELO %s\r\n", p.heloDomain))
		if err != nil {
			return 0, "", fmt.Errorf("HELO: %w", err)
		}
		if code >= 400 {
			return 0, "", fmt.Errorf("greeting rejected: %d %s", code, msg)
		}
	}

	code, msg, err = ex.command(fmt.Sprintf("MAIL FROM:<%s>\r\n", p.mailFrom))
	if err != nil {
		return 0, "", fmt.Errorf("MAIL FROM: %w", err)
	}
	if code >= 500 {
		ex.quit()
		return code, msg, nil
	}
	if code >= 400 {
		return 0, "", fmt.Errorf("MAIL FROM temporary failure: %d %s", code, msg)
	}

	code, msg, err = ex.command(fmt.Sprintf("RCPT TO:<%s>\r\n", address))
	if err != nil {
		return 0, "", fmt.Errorf("RCPT TO: %w", err)
	}

	ex.quit()
	return code, msg, nil
}

// exchange carries the connection state of one handshake. Every command gets
// a fresh slice of the per-command budget; the command timeout bounds each
// round trip, not the whole session.
type exchange struct {
	nc      net.Conn
	r       *bufio.Reader
	w       *bufio.Writer
	budget  time.Duration
	ceiling time.Time // context deadline, zero when the caller set none
}

func (e *exchange) arm() error {
	deadline := time.Now().Add(e.budget)
	if !e.ceiling.IsZero() && e.ceiling.Before(deadline) {
		deadline = e.ceiling
	}
	return e.nc.SetDeadline(deadline)
}

func (e *exchange) read() (int, string, error) {
	if err := e.arm(); err != nil {
		return 0, "", fmt.Errorf("set deadline: %w", err)
	}
	return readResponse(e.r)
}

func (e *exchange) command(cmd string) (int, string, error) {
	if err := e.arm(); err != nil {
		return 0, "", fmt.Errorf("set deadline: %w", err)
	}
	if _, err := e.w.WriteString(cmd); err != nil {
		return 0, "", err
	}
	if err := e.w.Flush(); err != nil {
		return 0, "", err
	}
	return readResponse(e.r)
}

func (e *exchange) quit() {
	_ = e.nc.SetDeadline(time.Now().Add(2 * time.Second))
	_, _ = e.w.WriteString("QUIT\r\n")
	_ = e.w.Flush()
}

// readResponse reads one possibly multi-line SMTP response and returns its
// code and joined text.
func readResponse(r *bufio.Reader) (int, string, error) {
	var lines []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return 0, "", fmt.Errorf("read response: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if len(line) < 3 {
			return 0, "", errors.New("response line too short")
		}
		lines = append(lines, line)
		if len(line) < 4 || line[3] != '-' {
			break
		}
	}

	last := lines[len(lines)-1]
	var code int
	if _, err := fmt.Sscanf(last[:3], "%d", &code); err != nil {
		return 0, "", fmt.Errorf("invalid response code %q: %w", last[:3], err)
	}
	return code, strings.Join(lines, " | "), nil
}
