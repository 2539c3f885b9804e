package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/watchdeer/watchdeer/internal/domain"
)

// CustomSSHData is the per-check configuration for the custom-ssh-json
// kind: run a command over SSH on Target and evaluate threshold rules
// against its JSON stdout.
type CustomSSHData struct {
	Mode             string          `json:"mode"`
	Port             int             `json:"port"`
	User             string          `json:"user"`
	Command          CommandSpec     `json:"command"`
	Rules            []ThresholdRule `json:"rules"`
	Retries          int             `json:"retries"`
	RetryDelayMillis int             `json:"retry_delay"`
}

// CommandSpec accepts either a plain shell string or an argv list; a
// list is joined with shell quoting so it still runs as one remote
// command line over the same SSH session.
type CommandSpec struct {
	raw string
}

func (c CommandSpec) String() string { return c.raw }

// NewCommandSpec builds a CommandSpec from a plain shell string,
// mainly for tests and callers constructing CustomSSHData in code.
func NewCommandSpec(s string) CommandSpec { return CommandSpec{raw: s} }

func (c *CommandSpec) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		c.raw = s
		return nil
	}
	var argv []string
	if err := json.Unmarshal(b, &argv); err != nil {
		return err
	}
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shellQuote(a)
	}
	c.raw = strings.Join(quoted, " ")
	return nil
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (d CustomSSHData) Validate() error {
	if d.Mode != "" && d.Mode != "ssh-json" {
		return &configError{"mode must be ssh-json"}
	}
	if d.Command.String() == "" {
		return &configError{"command must not be empty"}
	}
	if len(d.Rules) == 0 {
		return &configError{"rules must not be empty"}
	}
	return nil
}

// CustomSSHExecutor runs an arbitrary command over SSH and parses its
// stdout as JSON, then applies threshold rules to it — the same
// contract as nyxmon's CustomExecutor, but dialing a native SSH client
// (golang.org/x/crypto/ssh) instead of shelling out to the ssh binary,
// authenticating via the local ssh-agent.
type CustomSSHExecutor struct {
	log *zap.Logger
}

func NewCustomSSHExecutor(log *zap.Logger) *CustomSSHExecutor {
	return &CustomSSHExecutor{log: log}
}

func (e *CustomSSHExecutor) Execute(ctx context.Context, check domain.Check) (Outcome, error) {
	var data CustomSSHData
	if len(check.Data) > 0 {
		if err := json.Unmarshal(check.Data, &data); err != nil {
			return errorOutcome("configuration_error", err.Error()), nil
		}
	}
	if err := data.Validate(); err != nil {
		return errorOutcome("configuration_error", err.Error()), nil
	}
	if check.Target == "" {
		return errorOutcome("configuration_error", "target must not be empty"), nil
	}

	port := data.Port
	if port == 0 {
		port = 22
	}
	user := data.User
	if user == "" {
		user = "watchdeer"
	}

	attempts := data.Retries + 1
	retryDelay := time.Duration(data.RetryDelayMillis) * time.Millisecond
	var payload map[string]interface{}
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err := e.run(ctx, check.Target, port, user, data.Command.String())
		if err != nil {
			payload = map[string]interface{}{
				"error_type": "ssh_error",
				"error_msg":  err.Error(),
				"attempt":    attempt,
				"attempts":   attempts,
			}
			if !isTransient(err) || attempt == attempts {
				return Outcome{Status: domain.ResultError, Payload: payload}, nil
			}
			if retryDelay > 0 {
				timer := time.NewTimer(retryDelay)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
				}
			}
			continue
		}

		var parsed interface{}
		if err := json.Unmarshal(out, &parsed); err != nil {
			// JSON parse failures are not retried: the command ran
			// fine, its output is simply not what we expect.
			return errorOutcome("json_error", err.Error()), nil
		}

		failures := EvaluateThresholds(parsed, data.Rules)
		result := map[string]interface{}{"attempt": attempt, "attempts": attempts}
		if len(failures) == 0 {
			return Outcome{Status: domain.ResultOK, Payload: result}, nil
		}
		result["failures"] = failures
		if AnyCritical(failures) {
			result["error_type"] = "threshold_failed"
			return Outcome{Status: domain.ResultError, Payload: result}, nil
		}
		result["severity"] = string(SeverityWarning)
		return Outcome{Status: domain.ResultOK, Payload: result}, nil
	}
	return Outcome{Status: domain.ResultError, Payload: payload}, nil
}

func (e *CustomSSHExecutor) run(ctx context.Context, host string, port int, user, command string) ([]byte, error) {
	authMethods, err := agentAuthMethods()
	if err != nil {
		return nil, markTransient(err)
	}

	config := &ssh.ClientConfig{
		User:            user,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		// Mirrors the "-o ConnectTimeout=5" default a subprocess-based
		// ssh invocation would use.
		Timeout: 5 * time.Second,
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, markTransient(err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		return nil, markTransient(err)
	}
	client := ssh.NewClient(c, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, markTransient(err)
	}
	defer session.Close()

	out, err := session.CombinedOutput(command)
	if err != nil {
		if _, ok := err.(*ssh.ExitError); ok {
			return nil, &configError{fmt.Sprintf("command exited non-zero: %s", strings.TrimSpace(string(out)))}
		}
		return nil, markTransient(err)
	}
	return out, nil
}

func agentAuthMethods() ([]ssh.AuthMethod, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, &configError{"SSH_AUTH_SOCK not set: no ssh-agent available"}
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, err
	}
	agentClient := agent.NewClient(conn)
	return []ssh.AuthMethod{ssh.PublicKeysCallback(agentClient.Signers)}, nil
}
