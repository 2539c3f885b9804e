package executor

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/textproto"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/watchdeer/watchdeer/internal/domain"
)

// IMAPData is the per-check configuration for the imap kind: it looks
// for a message with a given subject delivered within MaxAgeMinutes,
// then optionally deletes matches so a repeat run doesn't find stale
// mail.
type IMAPData struct {
	Port            int        `json:"port"`
	TLSMode         TCPTLSMode `json:"tls_mode"`
	Username        string     `json:"username"`
	Password        string     `json:"password"`
	Mailbox         string     `json:"mailbox"`
	SearchSubject   string     `json:"search_subject"`
	MaxAgeMinutes   int        `json:"max_age_minutes"`
	DeleteAfterCheck bool      `json:"delete_after_check"`
}

// IMAPExecutor is a minimal IMAP4rev1 client speaking only the
// commands the probe workflow needs: STARTTLS, LOGIN, SELECT, SEARCH,
// FETCH INTERNALDATE, STORE, EXPUNGE, LOGOUT. Grounded on nyxmon's ImapLibSession,
// which layers the same operations over Python's imaplib.
type IMAPExecutor struct {
	log *zap.Logger
}

func NewIMAPExecutor(log *zap.Logger) *IMAPExecutor {
	return &IMAPExecutor{log: log}
}

func (e *IMAPExecutor) Execute(ctx context.Context, check domain.Check) (Outcome, error) {
	var data IMAPData
	if len(check.Data) > 0 {
		if err := json.Unmarshal(check.Data, &data); err != nil {
			return errorOutcome("configuration_error", err.Error()), nil
		}
	}
	if data.SearchSubject == "" || data.Username == "" {
		return errorOutcome("configuration_error", "search_subject and username are required"), nil
	}
	if data.Mailbox == "" {
		data.Mailbox = "INBOX"
	}
	if data.MaxAgeMinutes == 0 {
		data.MaxAgeMinutes = 15
	}
	if data.TLSMode == "" {
		data.TLSMode = TCPTLSImplicit
	}
	port := data.Port
	if port == 0 {
		if data.TLSMode == TCPTLSImplicit {
			port = 993
		} else {
			port = 143
		}
	}
	host := resolveHost(check.Target)
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	sess, err := dialIMAP(ctx, addr, host, data.TLSMode)
	if err != nil {
		return errorOutcome("connection_error", err.Error()), nil
	}
	defer sess.logout()

	if err := sess.login(data.Username, data.Password); err != nil {
		return errorOutcome("auth_error", err.Error()), nil
	}
	if err := sess.selectMailbox(data.Mailbox); err != nil {
		return errorOutcome("imap_error", err.Error()), nil
	}

	uids, latest, err := sess.searchRecent(data.SearchSubject, data.MaxAgeMinutes)
	if err != nil {
		return errorOutcome("imap_error", err.Error()), nil
	}
	if len(uids) == 0 {
		return Outcome{
			Status: domain.ResultError,
			Payload: map[string]interface{}{
				"error_type": "no_recent_message",
				"subject":    data.SearchSubject,
			},
		}, nil
	}

	if data.DeleteAfterCheck {
		if err := sess.deleteMessages(uids); err != nil {
			e.log.Warn("failed to delete matched messages", zap.Error(err))
		}
	}

	return Outcome{
		Status: domain.ResultOK,
		Payload: map[string]interface{}{
			"matched_uids":     uids,
			"latest_internaldate": latest,
		},
	}, nil
}

type imapSession struct {
	conn net.Conn
	tp   *textproto.Conn
	tag  int
}

func dialIMAP(ctx context.Context, addr, host string, mode TCPTLSMode) (*imapSession, error) {
	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	if mode == TCPTLSImplicit {
		conn = tls.Client(conn, &tls.Config{ServerName: host})
	}

	tp := textproto.NewConn(conn)
	if _, err := tp.ReadLine(); err != nil {
		conn.Close()
		return nil, err
	}

	s := &imapSession{conn: conn, tp: tp}

	if mode == TCPTLSStartTLS {
		if _, err := s.command("STARTTLS", nil); err != nil {
			conn.Close()
			return nil, err
		}
		tlsConn := tls.Client(conn, &tls.Config{ServerName: host})
		s.conn = tlsConn
		s.tp = textproto.NewConn(tlsConn)
	}

	return s, nil
}

func (s *imapSession) nextTag() string {
	s.tag++
	return fmt.Sprintf("a%03d", s.tag)
}

// command sends "<tag> name args" and reads lines until the tagged
// completion response, returning the untagged data lines collected
// along the way.
func (s *imapSession) command(name string, args []string) ([]string, error) {
	tag := s.nextTag()
	line := tag + " " + name
	if len(args) > 0 {
		line += " " + strings.Join(args, " ")
	}
	if err := s.tp.PrintfLine("%s", line); err != nil {
		return nil, err
	}

	var untagged []string
	for {
		reply, err := s.tp.ReadLine()
		if err != nil {
			return nil, err
		}
		if strings.HasPrefix(reply, tag+" ") {
			status := strings.SplitN(strings.TrimPrefix(reply, tag+" "), " ", 2)[0]
			if status != "OK" {
				return nil, fmt.Errorf("imap command %q failed: %s", name, reply)
			}
			return untagged, nil
		}
		untagged = append(untagged, reply)
	}
}

func (s *imapSession) login(user, pass string) error {
	_, err := s.command("LOGIN", []string{quoteIMAP(user), quoteIMAP(pass)})
	return err
}

func (s *imapSession) selectMailbox(name string) error {
	_, err := s.command("SELECT", []string{quoteIMAP(name)})
	return err
}

// searchRecent runs SEARCH NOT DELETED HEADER SUBJECT "<subject>" and
// fetches INTERNALDATE for each matching message id, filtering to
// messages newer than now - maxAgeMinutes.
func (s *imapSession) searchRecent(subject string, maxAgeMinutes int) ([]int, string, error) {
	lines, err := s.command("SEARCH", []string{"NOT", "DELETED", "HEADER", "SUBJECT", quoteIMAP(subject)})
	if err != nil {
		return nil, "", err
	}

	var ids []int
	for _, line := range lines {
		if !strings.HasPrefix(line, "* SEARCH") {
			continue
		}
		for _, f := range strings.Fields(strings.TrimPrefix(line, "* SEARCH")) {
			if n, err := strconv.Atoi(f); err == nil {
				ids = append(ids, n)
			}
		}
	}
	if len(ids) == 0 {
		return nil, "", nil
	}

	cutoff := time.Now().Add(-time.Duration(maxAgeMinutes) * time.Minute)

	var matched []int
	var latest time.Time
	var latestRaw string
	for _, id := range ids {
		fetchLines, err := s.command("FETCH", []string{strconv.Itoa(id), "(INTERNALDATE)"})
		if err != nil {
			continue
		}
		for _, l := range fetchLines {
			ts, raw, ok := parseInternalDate(l)
			if !ok {
				continue
			}
			if ts.Before(cutoff) {
				continue
			}
			matched = append(matched, id)
			if ts.After(latest) {
				latest = ts
				latestRaw = raw
			}
		}
	}

	sort.Ints(matched)
	return matched, latestRaw, nil
}

func (s *imapSession) deleteMessages(uids []int) error {
	for _, id := range uids {
		if _, err := s.command("STORE", []string{strconv.Itoa(id), "+FLAGS", "(\\Deleted)"}); err != nil {
			return err
		}
	}
	_, err := s.command("EXPUNGE", nil)
	return err
}

func (s *imapSession) logout() {
	_, _ = s.command("LOGOUT", nil)
	s.conn.Close()
}

func quoteIMAP(s string) string {
	return `"` + strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), `"`, `\"`) + `"`
}

func parseInternalDate(line string) (time.Time, string, bool) {
	idx := strings.Index(line, "INTERNALDATE")
	if idx == -1 {
		return time.Time{}, "", false
	}
	rest := line[idx+len("INTERNALDATE"):]
	start := strings.Index(rest, "\"")
	if start == -1 {
		return time.Time{}, "", false
	}
	rest = rest[start+1:]
	end := strings.Index(rest, "\"")
	if end == -1 {
		return time.Time{}, "", false
	}
	raw := rest[:end]
	ts, err := time.Parse("02-Jan-2006 15:04:05 -0700", raw)
	if err != nil {
		return time.Time{}, "", false
	}
	return ts, raw, true
}
