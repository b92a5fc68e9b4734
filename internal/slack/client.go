package slack

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

const (
	postTimeout     = 10 * time.Second
	maxAlertsAtOnce = 4
)

// poster is the part of the slack API the client uses.
type poster interface {
	PostMessage(channelID string, options ...slack.MsgOption) (string, string, error)
}

// Client wraps the slack client
type Client struct {
	api       poster
	channelID string
	logger    zerolog.Logger
	now       func() time.Time
	inflight  chan struct{}

	mu           sync.Mutex
	backoffUntil time.Time
}

// NewClient creates a new slack client
func NewClient(token, channelID string, logger zerolog.Logger) *Client {
	if token == "" || channelID == "" {
		logger.Info().Msg("Slack token or channel ID is not configured. Slack notifications will be disabled.")
		return nil // Return nil if not configured
	}

	return &Client{
		api:       slack.New(token, slack.OptionHTTPClient(&http.Client{Timeout: postTimeout})),
		channelID: channelID,
		logger:    logger,
		now:       time.Now,
		inflight:  make(chan struct{}, maxAlertsAtOnce),
	}
}

// SendMessage sends a simple text message wrapped as an info block.
func (c *Client) SendMessage(message string) {
	if c == nil || c.api == nil {
		return // Do nothing if client is not initialized
	}
	c.SendRichMessage(NewInfoMessage("Irrigation Notification", message))
}

// SendAlert posts a warning block in the background so broker callbacks
// never wait on Slack. Alerts beyond maxAlertsAtOnce in flight are dropped.
// It satisfies the notifier interfaces of the broker runners and ingest
// handlers.
func (c *Client) SendAlert(title, message string) {
	if c == nil || c.api == nil {
		return
	}

	select {
	case c.inflight <- struct{}{}:
	default:
		c.logger.Warn().Str("title", title).Msg("Too many Slack alerts in flight, dropping alert")
		return
	}

	go func() {
		defer func() { <-c.inflight }()
		c.SendRichMessage(NewAlertMessage(title, message))
	}()
}

// SendRichMessage sends a message using block kit options with rate limit handling.
func (c *Client) SendRichMessage(options slack.MsgOption) {
	if c == nil || c.api == nil {
		return // Do nothing if client is not initialized
	}

	if c.IsRateLimited() {
		c.logger.Debug().Msg("Skipping Slack message due to rate limit backoff")
		return
	}

	_, _, err := c.api.PostMessage(c.channelID, options)
	if err != nil {
		if c.isRateLimitError(err) {
			c.handleRateLimit(err)
		} else {
			c.logger.Warn().Err(err).Msg("Failed to send rich Slack message")
		}
	}
}

// isRateLimitError checks if the error is related to rate limiting
func (c *Client) isRateLimitError(err error) bool {
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "rate_limited") ||
		strings.Contains(errStr, "message_limit_exceeded") ||
		strings.Contains(errStr, "too_many_requests")
}

// handleRateLimit suppresses messages for a backoff period after a rate limit error
func (c *Client) handleRateLimit(err error) time.Duration {
	backoffDuration := 1 * time.Minute

	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "message_limit_exceeded") {
		// For message limit exceeded, use longer backoff
		backoffDuration = 5 * time.Minute
	}

	c.mu.Lock()
	c.backoffUntil = c.clock().Add(backoffDuration)
	c.mu.Unlock()

	c.logger.Warn().Err(err).Dur("backoff", backoffDuration).Msg("Slack rate limit detected, suppressing messages")

	return backoffDuration
}

func (c *Client) clock() time.Time {
	if c.now == nil {
		return time.Now()
	}
	return c.now()
}

// IsRateLimited returns true if the client is currently in a rate limit backoff period
func (c *Client) IsRateLimited() bool {
	if c == nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.clock().Before(c.backoffUntil)
}
