package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
)

const (
	DiscordModuleName = "discord"

	DefaultDiscordColor   = 28679
	DefaultDiscordTitle   = "✅Synced with Notion"
	DefaultDiscordMessage = "I found a new file, `{title}`, that was automatically added to Notion.\n**File links:** [File]({drive_link}) | [Notion]({notion_link})"

	discordMaxAttempts = 3
	discordBaseDelay   = 500 * time.Millisecond
	discordMaxDelay    = 5 * time.Second
)

func init() {
	Register(Module{Name: DiscordModuleName, RequiredKeys: []string{"webhook_url"}, New: NewDiscordNotifier})
}

type discordEmbed struct {
	Title       string `json:"title"`
	Color       int    `json:"color"`
	Description string `json:"description"`
}

type discordPayload struct {
	Embeds []discordEmbed `json:"embeds"`
}

type DiscordNotifier struct {
	webhookURL string
	payload    discordPayload
	deps       Deps
}

func NewDiscordNotifier(result SyncResult, cfg ModuleConfig, deps Deps) (Notifier, error) {
	webhookURL := strings.TrimSpace(cfg.String("webhook_url", ""))
	if webhookURL == "" {
		return nil, fmt.Errorf("%w: discord requires webhook_url", ErrMissingConfig)
	}
	color := DefaultDiscordColor
	if raw, ok := cfg["embed_color"]; ok {
		parsed, err := cast.ToIntE(raw)
		if err != nil {
			return nil, fmt.Errorf("discord embed_color: %w", err)
		}
		color = parsed
	}
	return &DiscordNotifier{
		webhookURL: webhookURL,
		payload: discordPayload{Embeds: []discordEmbed{{
			Title:       cfg.String("embed_title", DefaultDiscordTitle),
			Color:       color,
			Description: FormatMessage(cfg.String("embed_message_format", DefaultDiscordMessage), result),
		}}},
		deps: deps.withDefaults(),
	}, nil
}

// FormatMessage fills {title}, {drive_id}, {drive_link} and {notion_link}.
// Unknown placeholders are left untouched.
func FormatMessage(format string, result SyncResult) string {
	return strings.NewReplacer(
		"{title}", result.DisplayTitle,
		"{drive_id}", result.FileID,
		"{drive_link}", result.RemoteFileLink,
		"{notion_link}", result.RecordLink,
	).Replace(format)
}

// Run posts the embed. Transport errors, 429 and 5xx are retried a few times;
// any status other than 200 or 204 is a failure.
func (d *DiscordNotifier) Run(ctx context.Context) error {
	body, err := json.Marshal(d.payload)
	if err != nil {
		return err
	}
	logger := d.deps.Logger
	logger.Info("sending discord webhook", "title", d.payload.Embeds[0].Title)
	for attempt := 1; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.deps.HTTPClient.Do(req)
		if err != nil {
			if attempt < discordMaxAttempts {
				if waitErr := d.deps.Sleep(ctx, retryDelay(attempt, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return fmt.Errorf("%w: discord: %v", ErrNotifierFailed, err)
		}
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent {
			logger.Debug("discord webhook delivered", "status", resp.StatusCode)
			return nil
		}
		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < discordMaxAttempts {
			if waitErr := d.deps.Sleep(ctx, retryDelay(attempt, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		return &StatusError{Module: DiscordModuleName, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
}

func retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if seconds, err := strconv.ParseFloat(strings.TrimSpace(retryAfterHeader), 64); err == nil && seconds > 0 {
		delay := time.Duration(seconds * float64(time.Second))
		if delay > discordMaxDelay {
			return discordMaxDelay
		}
		return delay
	}
	delay := discordBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= discordMaxDelay {
			return discordMaxDelay
		}
	}
	return delay
}
