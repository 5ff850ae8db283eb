// Package telegram delivers submissions to a Telegram channel or group via
// the Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"postflow/internal/adapter"
	"postflow/internal/cancel"
	"postflow/internal/orchestrator"
	"postflow/internal/submission"
)

// Telegram caps message text at 4096 characters.
const maxMessageLen = 4096

type Options struct {
	Token         string `json:"token"`
	ChatID        int64  `json:"chat_id"`
	Silent        bool   `json:"silent,omitempty"`
	RatePerMinute int    `json:"rate_per_minute,omitempty"`
}

type Adapter struct {
	mu   sync.Mutex
	opts Options
	bot  *tele.Bot
}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) ID() string { return "telegram" }

func (a *Adapter) Capabilities() adapter.Capabilities {
	a.mu.Lock()
	rpm := a.opts.RatePerMinute
	a.mu.Unlock()
	if rpm <= 0 {
		// Bot API allows ~20 messages per minute to the same group.
		rpm = 20
	}
	return adapter.Capabilities{
		AcceptsSourceURLs: true,
		MaxTags:           10,
		RatePerMinute:     rpm,
	}
}

func (a *Adapter) Configure(raw json.RawMessage) error {
	var opts Options
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&opts); err != nil {
			return fmt.Errorf("telegram config: %w", err)
		}
	}
	a.mu.Lock()
	changed := opts.Token != a.opts.Token
	a.opts = opts
	if changed {
		a.bot = nil
	}
	a.mu.Unlock()
	return nil
}

// ensureBot creates the bot client lazily; NewBot performs a getMe call, so
// it must not run at configure time (config reload must stay offline-safe).
func (a *Adapter) ensureBot() (*tele.Bot, Options, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.opts.Token == "" {
		return nil, a.opts, fmt.Errorf("telegram token is not configured")
	}
	if a.bot != nil {
		return a.bot, a.opts, nil
	}
	b, err := tele.NewBot(tele.Settings{
		Token:       a.opts.Token,
		Synchronous: true,
	})
	if err != nil {
		return nil, a.opts, fmt.Errorf("telegram bot init: %w", err)
	}
	a.bot = b
	return b, a.opts, nil
}

func (a *Adapter) CheckLoginStatus(ctx context.Context) (adapter.LoginStatus, error) {
	_ = ctx // telebot manages its own request deadlines
	b, _, err := a.ensureBot()
	if err != nil {
		return adapter.LoginStatus{}, err
	}
	if b.Me == nil {
		return adapter.LoginStatus{}, nil
	}
	return adapter.LoginStatus{LoggedIn: true, Username: b.Me.Username}, nil
}

func (a *Adapter) Validate(sub *submission.Submission, merged, def *submission.Part) adapter.ValidationResult {
	var res adapter.ValidationResult
	a.mu.Lock()
	opts := a.opts
	a.mu.Unlock()

	if opts.Token == "" {
		res.Problem("telegram token is not configured")
	}
	if opts.ChatID == 0 {
		res.Problem("telegram chat_id is not configured")
	}
	if len(composeMessage(merged.Title, merged.Description, merged.Tags)) > maxMessageLen {
		res.Problem(fmt.Sprintf("message exceeds the %d character limit", maxMessageLen))
	}
	if merged.Rating != "" && merged.Rating != "general" {
		res.Warning("rating is ignored by this destination")
	}
	return res
}

func (a *Adapter) Post(ctx context.Context, tok *cancel.Token, data adapter.PostData) (adapter.Receipt, error) {
	_ = ctx
	if tok.Cancelled() {
		return adapter.Receipt{}, cancel.ErrCancelled
	}
	b, opts, err := a.ensureBot()
	if err != nil {
		return adapter.Receipt{}, orchestrator.NoRetry(err)
	}
	if opts.ChatID == 0 {
		return adapter.Receipt{}, orchestrator.NoRetry(fmt.Errorf("telegram chat_id is not configured"))
	}

	text := composeMessage(data.Title, data.Description, data.Tags)
	if len(text) > maxMessageLen {
		return adapter.Receipt{}, orchestrator.NoRetry(fmt.Errorf("message exceeds the %d character limit", maxMessageLen))
	}

	if tok.Cancelled() {
		return adapter.Receipt{}, cancel.ErrCancelled
	}

	msg, err := b.Send(&tele.Chat{ID: opts.ChatID}, text, &tele.SendOptions{
		DisableNotification:   opts.Silent,
		DisableWebPagePreview: true,
	})
	if err != nil {
		if tok.Cancelled() {
			return adapter.Receipt{}, cancel.ErrCancelled
		}
		return adapter.Receipt{}, fmt.Errorf("telegram send: %w", err)
	}
	return adapter.Receipt{
		PostedTo: strconv.FormatInt(opts.ChatID, 10) + "/" + strconv.Itoa(msg.ID),
		Response: "sent " + time.Unix(msg.Unixtime, 0).UTC().Format(time.RFC3339),
	}, nil
}

func composeMessage(title, description string, tags []string) string {
	var b strings.Builder
	if title != "" {
		b.WriteString(title)
	}
	if description != "" {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(description)
	}
	if len(tags) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		for i, t := range tags {
			if i > 0 {
				b.WriteString(" ")
			}
			b.WriteString("#" + strings.ReplaceAll(t, " ", "_"))
		}
	}
	return b.String()
}
