package adapter

import (
	"bytes"
	"context"
	"errors"
	"strings"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	kit "eewbot/internal/transport"
	logx "eewbot/pkg/logx"
)

type Config struct {
	Token string
	// RatePerSec bounds outbound Bot API calls. Telegram throttles bots
	// that edit the same chat more than about once per second.
	RatePerSec int
	// Offline skips the getMe handshake (tests, dry runs).
	Offline bool
}

// Adapter is the outbound Telegram transport. eewbot never consumes
// updates, so no poller is started.
type Adapter struct {
	cfg     Config
	log     logx.Logger
	bot     *tele.Bot
	limiter *rate.Limiter
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 20
	}
	a := &Adapter{cfg: cfg, log: log, bot: b, limiter: rate.NewLimiter(rate.Limit(rps), rps)}
	if !cfg.Offline && b.Me != nil {
		log.Info("telegram bot ready", logx.String("username", b.Me.Username), logx.Int64("id", b.Me.ID))
	}
	return a, nil
}

const telegramTextLimit = 4000

// splitTelegramText splits long messages on newline boundaries into chunks
// Telegram accepts.
func splitTelegramText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
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

func (a *Adapter) wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return a.limiter.Wait(ctx)
}

func sendOptions(opt *kit.SendOptions, threadID int) *tele.SendOptions {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	return &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		DisableNotification:   opt.Silent,
		ThreadID:              threadID,
	}
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	chat := &tele.Chat{ID: to.ChatID}
	var first kit.MessageRef
	for i, chunk := range splitTelegramText(text, telegramTextLimit) {
		if err := a.wait(ctx); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, sendOptions(opt, to.ThreadID))
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// EditText replaces the text of ref. Text beyond the Telegram limit is
// truncated; an edit that changes nothing is not an error.
func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	if err := a.wait(ctx); err != nil {
		return err
	}
	rs := []rune(text)
	if len(rs) > telegramTextLimit {
		text = string(rs[:telegramTextLimit])
	}
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	_, err := a.bot.Edit(m, text, sendOptions(opt, 0))
	if isNotModified(err) {
		return nil
	}
	return err
}

func (a *Adapter) SendPhoto(ctx context.Context, to kit.ChatTarget, p kit.Photo, opt *kit.SendOptions) (kit.MessageRef, string, error) {
	if err := a.wait(ctx); err != nil {
		return kit.MessageRef{}, "", err
	}
	msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, toTelePhoto(p), sendOptions(opt, to.ThreadID))
	if err != nil {
		return kit.MessageRef{}, "", err
	}
	ref := kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
	return ref, photoFileID(msg, p), nil
}

func (a *Adapter) EditPhoto(ctx context.Context, ref kit.MessageRef, p kit.Photo, opt *kit.SendOptions) (string, error) {
	if err := a.wait(ctx); err != nil {
		return "", err
	}
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	msg, err := a.bot.EditMedia(m, toTelePhoto(p), sendOptions(opt, 0))
	if err != nil {
		if isNotModified(err) {
			return p.FileRef, nil
		}
		return "", err
	}
	return photoFileID(msg, p), nil
}

func toTelePhoto(p kit.Photo) *tele.Photo {
	if p.FileRef != "" {
		return &tele.Photo{File: tele.File{FileID: p.FileRef}, Caption: p.Caption}
	}
	return &tele.Photo{File: tele.FromReader(bytes.NewReader(p.Data)), Caption: p.Caption}
}

func photoFileID(msg *tele.Message, p kit.Photo) string {
	if msg != nil && msg.Photo != nil && msg.Photo.FileID != "" {
		return msg.Photo.FileID
	}
	return p.FileRef
}

func isNotModified(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "message is not modified")
}

// Close releases the bot's HTTP resources.
func (a *Adapter) Close(ctx context.Context) error {
	_ = ctx
	if a.bot.Client != nil {
		a.bot.Client.CloseIdleConnections()
	}
	a.log.Debug("telegram adapter closed")
	return nil
}
