package executor

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/watchdeer/watchdeer/internal/domain"
)

// TCPTLSMode selects how (or whether) TCPExecutor negotiates TLS.
type TCPTLSMode string

const (
	TCPTLSNone     TCPTLSMode = "none"
	TCPTLSStartTLS TCPTLSMode = "starttls"
	TCPTLSImplicit TCPTLSMode = "implicit"
)

// TCPData is the per-check configuration for the tcp kind.
type TCPData struct {
	Port             int        `json:"port"`
	TLSMode          TCPTLSMode `json:"tls_mode"`
	StartTLSCommand  string     `json:"starttls_command"`
	Retries          int        `json:"retries"`
	RetryDelayMillis int        `json:"retry_delay"`
	CheckCertExpiry  bool       `json:"check_cert_expiry"`
	MinCertDays      int        `json:"min_cert_days"`
}

// DefaultSTARTTLSCommand is sent to upgrade the plaintext connection
// when StartTLSCommand is unset.
const DefaultSTARTTLSCommand = "STARTTLS"

// tlsHandshakeError distinguishes a failed TLS negotiation from a plain
// dial/connection failure so the payload can report tls_handshake_error
// instead of a generic connection_error.
type tlsHandshakeError struct{ err error }

func (e *tlsHandshakeError) Error() string { return e.err.Error() }
func (e *tlsHandshakeError) Unwrap() error { return e.err }
func (e *tlsHandshakeError) Transient() bool {
	return isTransient(e.err)
}

// TCPExecutor dials a host:port, optionally negotiates TLS (implicit or
// STARTTLS), and reports certificate expiry when TLS is in play.
// Grounded on nyxmon's TcpCheckExecutor, including its
// attempt/attempts retry payload shape and STARTTLS response heuristic.
type TCPExecutor struct {
	log *zap.Logger
}

func NewTCPExecutor(log *zap.Logger) *TCPExecutor {
	return &TCPExecutor{log: log}
}

func (e *TCPExecutor) Execute(ctx context.Context, check domain.Check) (Outcome, error) {
	var data TCPData
	if len(check.Data) > 0 {
		if err := json.Unmarshal(check.Data, &data); err != nil {
			return errorOutcome("configuration_error", err.Error()), nil
		}
	}
	if data.TLSMode == "" {
		data.TLSMode = TCPTLSNone
	}

	host := resolveHost(check.Target)
	if host == "" || data.Port == 0 {
		return errorOutcome("configuration_error", "target/port required"), nil
	}
	addr := net.JoinHostPort(host, strconv.Itoa(data.Port))

	attempts := data.Retries + 1
	retryDelay := time.Duration(data.RetryDelayMillis) * time.Millisecond
	var lastErr error
	var payload map[string]interface{}
	for attempt := 1; attempt <= attempts; attempt++ {
		outcomePayload, err := e.attempt(ctx, addr, data)
		if err == nil {
			outcomePayload["attempt"] = attempt
			outcomePayload["attempts"] = attempts
			return Outcome{Status: domain.ResultOK, Payload: outcomePayload}, nil
		}
		lastErr = err
		payload = map[string]interface{}{
			"error_type": classifyTCPError(err),
			"error_msg":  err.Error(),
			"attempt":    attempt,
			"attempts":   attempts,
		}
		if !isTransient(err) || attempt == attempts {
			break
		}
		if retryDelay > 0 {
			timer := time.NewTimer(retryDelay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
			}
		}
	}
	_ = lastErr
	return Outcome{Status: domain.ResultError, Payload: payload}, nil
}

func (e *TCPExecutor) attempt(ctx context.Context, addr string, data TCPData) (map[string]interface{}, error) {
	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, markTransient(err)
	}
	defer conn.Close()

	payload := map[string]interface{}{}

	switch data.TLSMode {
	case TCPTLSImplicit:
		tlsConn := tls.Client(conn, &tls.Config{ServerName: hostOnly(addr)})
		tlsConn.SetDeadline(time.Now().Add(5 * time.Second))
		if err := tlsConn.Handshake(); err != nil {
			return nil, &tlsHandshakeError{markTransient(err)}
		}
		annotateCertExpiry(payload, tlsConn, data.CheckCertExpiry, data.MinCertDays)
	case TCPTLSStartTLS:
		conn.SetDeadline(time.Now().Add(5 * time.Second))
		reader := bufio.NewReader(conn)
		greeting, err := reader.ReadString('\n')
		if err != nil {
			return nil, markTransient(err)
		}
		if !isPositiveSTARTTLSResponse(greeting) {
			return nil, &configError{"unexpected greeting before starttls"}
		}
		cmd := data.StartTLSCommand
		if cmd == "" {
			cmd = DefaultSTARTTLSCommand
		}
		if _, err := conn.Write([]byte(cmd + "\r\n")); err != nil {
			return nil, markTransient(err)
		}
		resp, err := reader.ReadString('\n')
		if err != nil {
			return nil, markTransient(err)
		}
		if !isPositiveSTARTTLSResponse(resp) {
			return nil, &configError{"starttls rejected: " + strings.TrimSpace(resp)}
		}
		tlsConn := tls.Client(conn, &tls.Config{ServerName: hostOnly(addr)})
		tlsConn.SetDeadline(time.Now().Add(5 * time.Second))
		if err := tlsConn.Handshake(); err != nil {
			return nil, &tlsHandshakeError{markTransient(err)}
		}
		annotateCertExpiry(payload, tlsConn, data.CheckCertExpiry, data.MinCertDays)
	}

	return payload, nil
}

// annotateCertExpiry marks payload with a cert_expiry warning (not a
// failure) when the leaf certificate has fewer than minDays remaining.
// The check itself still reports ok; the severity marker lets an
// operator notice an expiring certificate before it lapses.
func annotateCertExpiry(payload map[string]interface{}, tlsConn *tls.Conn, checkExpiry bool, minDays int) {
	if !checkExpiry {
		return
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return
	}
	cert := state.PeerCertificates[0]
	remaining := time.Until(cert.NotAfter)
	remainingDays := int(remaining.Hours() / 24)
	payload["cert_expires_in_days"] = remainingDays
	if remainingDays < minDays {
		payload["severity"] = string(SeverityWarning)
		payload["error_type"] = "cert_expiry"
	}
}

// isPositiveSTARTTLSResponse accepts any 2xx status code, or any line
// whose text contains "ok" case-insensitively, whatever it starts
// with — broader than the SMTP-only "220" check,
// since starttls_command lets this run against any line-oriented
// protocol's own upgrade sequence (IMAP's "a1 OK", FTP's "234", ...).
func isPositiveSTARTTLSResponse(line string) bool {
	trimmed := strings.TrimSpace(line)
	if len(trimmed) >= 3 {
		if code, err := strconv.Atoi(trimmed[:3]); err == nil && code >= 200 && code < 300 {
			return true
		}
	}
	return strings.Contains(strings.ToLower(trimmed), "ok")
}

func classifyTCPError(err error) string {
	if strings.Contains(err.Error(), "timeout") {
		return "timeout"
	}
	var handshakeErr *tlsHandshakeError
	if errors.As(err, &handshakeErr) {
		return "tls_handshake_error"
	}
	return "connection_error"
}

func resolveHost(target string) string {
	if host, _, err := net.SplitHostPort(target); err == nil {
		return host
	}
	return target
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
