package executor

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/watchdeer/watchdeer/internal/domain"
)

// SMTPData is the per-check configuration for the smtp kind. Target
// names the host; a port in Target is ignored. The port is Port, and
// when Port is unset it defaults per TLSMode.
type SMTPData struct {
	Port             int        `json:"port"`
	TLSMode          TCPTLSMode `json:"tls_mode"`
	Username         string     `json:"username"`
	Password         string     `json:"password"`
	MailFrom         string     `json:"mail_from"`
	RcptTo           string     `json:"rcpt_to"`
	SubjectPrefix    string     `json:"subject_prefix"`
	Retries          int        `json:"retries"`
	RetryDelayMillis int        `json:"retry_delay"`
}

// smtpTemporaryError carries the raw reply code so the caller can
// decide retry eligibility using the same 4xx == temporary convention
// nyxmon's SmtplibClient uses (`400 <= code < 500`).
type smtpTemporaryError struct {
	code int
	err  error
}

func (e *smtpTemporaryError) Error() string { return e.err.Error() }
func (e *smtpTemporaryError) Transient() bool {
	return e.code >= 400 && e.code < 500
}

// SMTPExecutor connects to a mail server, optionally authenticates,
// and sends a probe message whose subject embeds a timestamp and a
// random token so downstream imap checks can find it. Grounded on
// nyxmon's SmtplibClient.
type SMTPExecutor struct {
	log *zap.Logger
}

func NewSMTPExecutor(log *zap.Logger) *SMTPExecutor {
	return &SMTPExecutor{log: log}
}

func (e *SMTPExecutor) Execute(ctx context.Context, check domain.Check) (Outcome, error) {
	var data SMTPData
	if len(check.Data) > 0 {
		if err := json.Unmarshal(check.Data, &data); err != nil {
			return errorOutcome("configuration_error", err.Error()), nil
		}
	}
	if data.MailFrom == "" || data.RcptTo == "" {
		return errorOutcome("configuration_error", "mail_from and rcpt_to are required"), nil
	}
	if data.TLSMode == "" {
		data.TLSMode = TCPTLSStartTLS
	}
	port := data.Port
	if port == 0 {
		if data.TLSMode == TCPTLSImplicit {
			port = 465
		} else {
			port = 25
		}
	}
	host := resolveHost(check.Target)
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	subject, token := buildProbeSubject(data.SubjectPrefix)

	attempts := data.Retries + 1
	retryDelay := time.Duration(data.RetryDelayMillis) * time.Millisecond
	var payload map[string]interface{}
	for attempt := 1; attempt <= attempts; attempt++ {
		err := e.send(ctx, addr, host, data, subject)
		if err == nil {
			return Outcome{
				Status: domain.ResultOK,
				Payload: map[string]interface{}{
					"token":    token,
					"subject":  subject,
					"attempt":  attempt,
					"attempts": attempts,
				},
			}, nil
		}
		payload = map[string]interface{}{
			"error_type": classifySMTPError(err),
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
	return Outcome{Status: domain.ResultError, Payload: payload}, nil
}

// send dials, optionally negotiates TLS, and delivers the probe
// message. Only a 4xx protocol reply (via smtpErrorFromReply) is
// eligible for retry; dial failures, TLS/StartTLS negotiation
// failures, and write failures are left unwrapped (non-transient),
// matching nyxmon's SmtplibClient marking SMTPConnectError,
// ConnectionRefusedError, socket.timeout, and generic OSError as
// temporary=False.
func (e *SMTPExecutor) send(ctx context.Context, addr, host string, data SMTPData, subject string) error {
	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}

	var client *smtp.Client
	if data.TLSMode == TCPTLSImplicit {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: host})
		client, err = smtp.NewClient(tlsConn, host)
	} else {
		client, err = smtp.NewClient(conn, host)
	}
	if err != nil {
		conn.Close()
		return err
	}
	defer client.Close()

	if data.TLSMode == TCPTLSStartTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
				return err
			}
		}
	}

	if data.Username != "" {
		auth := smtp.PlainAuth("", data.Username, data.Password, host)
		if err := client.Auth(auth); err != nil {
			return &configError{"authentication failed: " + err.Error()}
		}
	}

	if err := client.Mail(data.MailFrom); err != nil {
		return smtpErrorFromReply(err)
	}
	if err := client.Rcpt(data.RcptTo); err != nil {
		return smtpErrorFromReply(err)
	}

	wc, err := client.Data()
	if err != nil {
		return smtpErrorFromReply(err)
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\nwatchdeer probe\r\n",
		data.MailFrom, data.RcptTo, subject)
	if _, err := wc.Write([]byte(msg)); err != nil {
		return err
	}
	if err := wc.Close(); err != nil {
		return smtpErrorFromReply(err)
	}

	return client.Quit()
}

// smtpErrorFromReply classifies a client.Mail/Rcpt/Data/wc.Close error.
// Only a genuine protocol reply (*textproto.Error) can be transient, and
// then only if its code is 4xx; any other failure (a connection reset
// mid-write, for instance) is returned unwrapped, so isTransient sees it
// as non-transient and the caller fails fast instead of retrying.
func smtpErrorFromReply(err error) error {
	if tp, ok := err.(*textproto.Error); ok {
		return &smtpTemporaryError{code: tp.Code, err: err}
	}
	return err
}

func buildProbeSubject(prefix string) (subject, token string) {
	if prefix == "" {
		prefix = "watchdeer-probe"
	}
	token = strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05Z")
	return fmt.Sprintf("%s %s %s", prefix, timestamp, token), token
}

func classifySMTPError(err error) string {
	if _, ok := err.(*configError); ok {
		return "auth_error"
	}
	if te, ok := err.(*smtpTemporaryError); ok && te.Transient() {
		return "temporary_failure"
	}
	if strings.Contains(err.Error(), "timeout") {
		return "timeout"
	}
	return "connection_error"
}
