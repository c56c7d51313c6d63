// Package telegram publishes posts to a Telegram channel or group through the
// Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"crosspost/internal/post"
	"crosspost/internal/transport"
	"crosspost/pkg/logx"
)

// Config describes one bot posting into one chat.
type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	// Username of a public channel; when set receipts carry a t.me link.
	Username       string
	ParseMode      string
	DisablePreview bool
	// RatePerSec paces sendMessage calls for this bot (default 20).
	RatePerSec int
	// APIURL overrides https://api.telegram.org.
	APIURL  string
	Timeout time.Duration
}

const textLimit = 4000

// Adapter implements transport.Adapter on top of telebot.
type Adapter struct {
	cfg     Config
	log     logx.Logger
	bot     *tele.Bot
	limiter *rate.Limiter
}

// New builds an adapter without contacting Telegram; the first network call
// happens on Publish.
func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram: token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram: chat_id is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 20
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimRight(cfg.APIURL, "/"),
		Token:   cfg.Token,
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: init bot: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{
		cfg:     cfg,
		log:     log,
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}, nil
}

// Publish sends the post. Media posts go out as a photo with the text as
// caption; long text is split and the first message is the receipt.
func (a *Adapter) Publish(ctx context.Context, target string, content post.Content) (transport.Receipt, error) {
	text := Render(content)
	chat := &tele.Chat{ID: a.cfg.ChatID}
	opts := &tele.SendOptions{
		ParseMode:             a.cfg.ParseMode,
		DisableWebPagePreview: a.cfg.DisablePreview,
		ThreadID:              a.cfg.ThreadID,
	}

	var what []any
	if len(content.MediaURLs) > 0 {
		what = append(what, &tele.Photo{File: tele.FromURL(content.MediaURLs[0]), Caption: text})
	} else {
		for _, chunk := range splitText(text, textLimit) {
			what = append(what, chunk)
		}
	}

	var first *tele.Message
	for _, w := range what {
		if err := a.limiter.Wait(ctx); err != nil {
			return transport.Receipt{}, transport.NetworkError(err)
		}
		msg, err := a.bot.Send(chat, w, opts)
		if err != nil {
			if first != nil {
				a.log.Warn("telegram: partial send", logx.Target(target), logx.Int("message_id", first.ID), logx.Err(err))
			}
			return transport.Receipt{}, classify(err)
		}
		if first == nil {
			first = msg
		}
	}
	if first == nil {
		return transport.Receipt{}, &transport.PublishError{Kind: transport.KindClient, Message: "nothing to send"}
	}

	r := transport.Receipt{ExternalID: strconv.Itoa(first.ID)}
	if u := strings.TrimPrefix(a.cfg.Username, "@"); u != "" {
		r.URL = "https://t.me/" + u + "/" + r.ExternalID
	}
	return r, nil
}

func (a *Adapter) Close(context.Context) error {
	if a.bot != nil {
		_, err := a.bot.Close()
		if err != nil {
			a.log.Debug("telegram: close", logx.Err(err))
		}
	}
	return nil
}

// Render flattens content into a Telegram message body.
func Render(c post.Content) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(c.Text))
	for _, l := range c.Links {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(l)
	}
	if len(c.Hashtags) > 0 {
		tags := make([]string, 0, len(c.Hashtags))
		for _, h := range c.Hashtags {
			h = strings.TrimSpace(h)
			if h == "" {
				continue
			}
			if !strings.HasPrefix(h, "#") {
				h = "#" + h
			}
			tags = append(tags, h)
		}
		if len(tags) > 0 {
			if b.Len() > 0 {
				b.WriteString("\n\n")
			}
			b.WriteString(strings.Join(tags, " "))
		}
	}
	return b.String()
}

var (
	statusSuffix = regexp.MustCompile(`\((\d{3})\)$`)
	retryAfterRe = regexp.MustCompile(`retry after (\d+)`)
)

// classify maps telebot errors to transport error kinds.
func classify(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		pe := transport.StatusError(http.StatusTooManyRequests, err.Error())
		pe.After = time.Duration(flood.RetryAfter) * time.Second
		pe.Err = err
		return pe
	}
	var te *tele.Error
	if errors.As(err, &te) && te.Code != 0 {
		pe := transport.StatusError(te.Code, te.Description)
		pe.Err = err
		return pe
	}
	msg := strings.TrimSpace(err.Error())
	if m := statusSuffix.FindStringSubmatch(msg); m != nil {
		code, _ := strconv.Atoi(m[1])
		pe := transport.StatusError(code, msg)
		if m := retryAfterRe.FindStringSubmatch(msg); m != nil {
			secs, _ := strconv.Atoi(m[1])
			pe.After = time.Duration(secs) * time.Second
		}
		pe.Err = err
		return pe
	}
	return transport.NetworkError(err)
}

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries that keep chunks above a third of the limit.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
