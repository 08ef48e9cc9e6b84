package bridge

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"qms/attendance-service/internal/attendance"

	"github.com/cenkalti/backoff/v5"
	"github.com/imroc/req/v3"
	"go.uber.org/zap"
)

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client sets and removes reactions through the messaging transport bridge.
// Retries belong to the caller, so the underlying client never retries.
type Client struct {
	http   *req.Client
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := req.C().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetUserAgent("attendance-service")
	if cfg.Token != "" {
		client.SetCommonBearerAuthToken(cfg.Token)
	}
	return &Client{http: client, logger: logger}
}

// SetReaction posts the request to /reactions. A 4xx answer is permanent;
// anything else is worth retrying.
func (c *Client) SetReaction(ctx context.Context, request attendance.ReactionRequest) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(&request).
		Post("/reactions")
	if err != nil {
		return fmt.Errorf("bridge request: %w", err)
	}
	if resp.IsError() {
		err := fmt.Errorf("bridge responded %s", resp.Status)
		if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode < http.StatusInternalServerError && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}
	c.logger.Debug("reaction applied",
		zap.String("chat", request.ChatID),
		zap.String("message", request.MessageID),
		zap.String("emoji", request.Emoji),
	)
	return nil
}
