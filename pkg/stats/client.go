package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// Client is the contract against the proxy's traffic-accounting interface:
// read the downlink counter for one account and reset it. Implementations
// must honour the supplied context and never block past their timeout.
type Client interface {
	// QueryDownlink returns the current downlink byte counter for the user.
	QueryDownlink(ctx context.Context, username string) (int64, error)

	// ResetDownlink zeroes the user's downlink counter.
	ResetDownlink(ctx context.Context, username string) error
}

// counterName builds the stats key the proxy tracks per-user traffic under.
func counterName(username string) string {
	return fmt.Sprintf("user>>>%s>>>traffic>>>downlink", username)
}

// ExecClient talks to the proxy's stats API through its own binary
// (`xray api stats`). Every invocation runs under a bounded timeout.
type ExecClient struct {
	binary  string
	server  string
	timeout time.Duration
	logger  *zap.Logger
}

// NewExecClient creates a client that shells out to the given binary
// against the given stats API address.
func NewExecClient(binary, server string, timeout time.Duration, logger *zap.Logger) *ExecClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ExecClient{binary: binary, server: server, timeout: timeout, logger: logger}
}

type statResponse struct {
	Stat struct {
		Name  string      `json:"name"`
		Value json.Number `json:"value"`
	} `json:"stat"`
}

// QueryDownlink implements Client.QueryDownlink
func (c *ExecClient) QueryDownlink(ctx context.Context, username string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.binary,
		"api", "stats", "--server="+c.server, "-name", counterName(username))
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("stats query for %s failed: %w", username, err)
	}
	if len(out) == 0 {
		// No counter yet for this user
		return 0, nil
	}

	var resp statResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return 0, fmt.Errorf("malformed stats response for %s: %w", username, err)
	}
	if resp.Stat.Value == "" {
		return 0, nil
	}
	value, err := resp.Stat.Value.Int64()
	if err != nil {
		return 0, fmt.Errorf("non-numeric stats value for %s: %w", username, err)
	}
	return value, nil
}

// ResetDownlink implements Client.ResetDownlink
func (c *ExecClient) ResetDownlink(ctx context.Context, username string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.binary,
		"api", "stats", "--server="+c.server, "-name", counterName(username), "-reset")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("stats reset for %s failed: %w (output: %s)", username, err, out)
	}
	return nil
}
