// Package telegram runs the chat transport: long polling, one task per update,
// replies through the pipeline.
package telegram

import (
	"context"
	"errors"
	"log/slog"

	"github.com/alitto/pond/v2"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/Ziug/video-stats-bot/internal/llm"
	"github.com/Ziug/video-stats-bot/internal/metrics"
)

const (
	defaultLanes       = 8
	defaultPollTimeout = 60
)

// Client is the subset of *tgbotapi.BotAPI the bot uses.
type Client interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Answerer produces the reply for a message text.
type Answerer interface {
	Answer(ctx context.Context, text string) string
}

type Config struct {
	Logger      *slog.Logger
	Client      Client
	Answerer    Answerer
	Lanes       int // worker lanes; a chat always lands on the same one (0 = 8)
	PollTimeout int // long-poll timeout in seconds (0 = 60)
}

func (cfg *Config) validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("client is required")
	}
	if cfg.Answerer == nil {
		return errors.New("answerer is required")
	}
	if cfg.Lanes <= 0 {
		cfg.Lanes = defaultLanes
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	return nil
}

// Bot dispatches updates onto lanes. Each lane runs one task at a time, so
// messages of one chat are answered in the order they arrived while different
// chats proceed in parallel.
type Bot struct {
	log   *slog.Logger
	cfg   Config
	lanes []pond.Pool
}

func New(cfg Config) (*Bot, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	lanes := make([]pond.Pool, cfg.Lanes)
	for i := range lanes {
		lanes[i] = pond.NewPool(1)
	}
	return &Bot{log: cfg.Logger, cfg: cfg, lanes: lanes}, nil
}

// Run polls until ctx is cancelled, then waits for in-flight replies.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.cfg.PollTimeout
	updates := b.cfg.Client.GetUpdatesChan(u)

	b.log.Info("telegram bot polling", "lanes", len(b.lanes))
	// In-flight replies outlive ctx; each is still bounded by the pipeline timeouts.
	taskCtx := context.WithoutCancel(ctx)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case upd, ok := <-updates:
			if !ok {
				break loop
			}
			b.dispatch(taskCtx, upd)
		}
	}

	b.cfg.Client.StopReceivingUpdates()
	b.Stop()
	b.log.Info("telegram bot stopped")
	return nil
}

// Stop waits for every queued task to finish.
func (b *Bot) Stop() {
	for _, lane := range b.lanes {
		lane.StopAndWait()
	}
}

func (b *Bot) dispatch(ctx context.Context, upd tgbotapi.Update) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil {
		metrics.TelegramUpdatesTotal.WithLabelValues("ignored").Inc()
		b.log.Debug("ignoring update without message", "update_id", upd.UpdateID)
		return
	}
	lane := b.lanes[laneIndex(msg.Chat.ID, len(b.lanes))]
	lane.Submit(func() {
		b.handle(ctx, msg)
	})
}

func (b *Bot) handle(ctx context.Context, msg *tgbotapi.Message) {
	log := b.log.With("chat_id", msg.Chat.ID, "message_id", msg.MessageID)

	var reply string
	if msg.IsCommand() && msg.Command() == "start" {
		metrics.TelegramUpdatesTotal.WithLabelValues("start").Inc()
		reply = llm.GreetingText
	} else {
		metrics.TelegramUpdatesTotal.WithLabelValues("text").Inc()
		reply = b.answer(ctx, log, msg.Text)
	}

	if _, err := b.cfg.Client.Send(tgbotapi.NewMessage(msg.Chat.ID, reply)); err != nil {
		log.Error("failed to send reply", "error", err)
	}
}

// answer never panics; a broken Answerer still produces the fallback reply.
func (b *Bot) answer(ctx context.Context, log *slog.Logger, text string) (reply string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("recovered from panic", "panic", r)
			reply = "0"
		}
	}()
	return b.cfg.Answerer.Answer(ctx, text)
}

func laneIndex(chatID int64, n int) int {
	i := chatID % int64(n)
	if i < 0 {
		i += int64(n)
	}
	return int(i)
}
