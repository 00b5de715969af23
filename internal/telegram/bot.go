// Package telegram runs the operator chat bot: slash commands for status,
// manual buys and emergency exits, plus buy signals parsed from watched
// channels.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/alanyoungcy/exitpilot/internal/domain"
	"github.com/alanyoungcy/exitpilot/internal/exit"
	"github.com/alanyoungcy/exitpilot/internal/metrics"
	"github.com/alanyoungcy/exitpilot/internal/service"
)

// SignalSource tags positions opened from channel posts.
const SignalSource = "telegram"

// API is the subset of *tgbotapi.BotAPI the bot uses.
type API interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Trader is implemented by service.PositionService.
type Trader interface {
	Buy(ctx context.Context, assetID, source string) (domain.Position, error)
	Close(ctx context.Context, assetID string) (exit.CloseResult, error)
	CloseAll(ctx context.Context) []exit.CloseResult
	Positions(ctx context.Context) []service.PositionView
	Status() service.Status
}

// Config controls who may command the bot and which channels it reads.
type Config struct {
	AllowedUsers []int64
	Channels     []string
	Keywords     []string
	AutoBuy      bool
	PollTimeout  int
	// Summary is a one-line description of the exit rules shown by /start.
	Summary string
}

// Bot dispatches Telegram updates to the position service.
type Bot struct {
	api      API
	trader   Trader
	sizer    exit.Sizer
	cfg      Config
	allowed  map[int64]bool
	channels map[string]bool
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a Bot. sizer and m may be nil.
func New(api API, trader Trader, sizer exit.Sizer, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Bot {
	b := &Bot{
		api:      api,
		trader:   trader,
		sizer:    sizer,
		cfg:      cfg,
		allowed:  make(map[int64]bool, len(cfg.AllowedUsers)),
		channels: make(map[string]bool, len(cfg.Channels)),
		metrics:  m,
		logger:   logger.With(slog.String("component", "telegram")),
	}
	for _, id := range cfg.AllowedUsers {
		b.allowed[id] = true
	}
	for _, c := range cfg.Channels {
		if c = normalizeChannel(c); c != "" {
			b.channels[c] = true
		}
	}
	return b
}

// Run long-polls for updates until ctx is cancelled. Updates are handled one
// at a time; buys are quick because the engine watches positions on its own
// goroutines.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.cfg.PollTimeout
	updates := b.api.GetUpdatesChan(u)
	defer b.api.StopReceivingUpdates()

	b.logger.InfoContext(ctx, "telegram bot polling",
		slog.Int("channels", len(b.channels)),
		slog.Bool("auto_buy", b.cfg.AutoBuy),
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			b.handle(ctx, upd)
		}
	}
}

func (b *Bot) handle(ctx context.Context, upd tgbotapi.Update) {
	if post := upd.ChannelPost; post != nil {
		b.handleSignal(ctx, post)
		return
	}
	msg := upd.Message
	if msg == nil || msg.Chat == nil {
		return
	}
	if msg.IsCommand() {
		b.handleCommand(ctx, msg)
		return
	}
	if msg.Chat.UserName != "" && b.channels[normalizeChannel(msg.Chat.UserName)] {
		b.handleSignal(ctx, msg)
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	if !b.authorized(msg.From) {
		b.logger.WarnContext(ctx, "unauthorized command",
			slog.String("command", msg.Command()),
			slog.Int64("chat", msg.Chat.ID),
		)
		b.reply(msg, "Not authorized.")
		return
	}

	switch msg.Command() {
	case "start", "status":
		b.reply(msg, b.statusText(ctx))
	case "buy":
		b.cmdBuy(ctx, msg)
	case "close":
		b.cmdClose(ctx, msg)
	case "emergency_sell":
		b.cmdEmergencySell(ctx, msg)
	case "positions":
		b.reply(msg, formatPositions(b.trader.Positions(ctx)))
	default:
		b.reply(msg, "Commands: /start /buy <mint> /close <mint> /positions /emergency_sell")
	}
}

func (b *Bot) authorized(u *tgbotapi.User) bool {
	if len(b.allowed) == 0 {
		return true
	}
	return u != nil && b.allowed[u.ID]
}

func (b *Bot) statusText(ctx context.Context) string {
	st := b.trader.Status()
	var sb strings.Builder
	fmt.Fprintf(&sb, "Exit engine online (dry run: %t)\n", st.DryRun)
	if b.sizer != nil {
		fmt.Fprintf(&sb, "Trade size: $%.2f\n", b.sizer.TradeAmount(ctx))
	}
	if b.cfg.Summary != "" {
		sb.WriteString(b.cfg.Summary + "\n")
	}
	fmt.Fprintf(&sb, "Active: %d | Pending re-entries: %d\n", st.Active, len(st.PendingReentries))
	if len(b.cfg.Channels) > 0 {
		fmt.Fprintf(&sb, "Watching: %s", strings.Join(b.cfg.Channels, ", "))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *Bot) cmdBuy(ctx context.Context, msg *tgbotapi.Message) {
	args := strings.Fields(msg.CommandArguments())
	if len(args) != 1 {
		b.reply(msg, "Usage: /buy <TOKEN_MINT>")
		return
	}
	pos, err := b.trader.Buy(ctx, args[0], "command")
	if err != nil {
		b.reply(msg, buyError(err))
		return
	}
	b.reply(msg, fmt.Sprintf("Bought %s at %.10g | qty %.6g", pos.AssetID, pos.EntryPrice, pos.Quantity))
}

func (b *Bot) cmdClose(ctx context.Context, msg *tgbotapi.Message) {
	args := strings.Fields(msg.CommandArguments())
	if len(args) != 1 {
		b.reply(msg, "Usage: /close <TOKEN_MINT>")
		return
	}
	res, err := b.trader.Close(ctx, args[0])
	switch {
	case errors.Is(err, domain.ErrNotFound):
		b.reply(msg, "No position on this token.")
	case err != nil:
		b.reply(msg, "Close failed: "+err.Error())
	case res.AlreadyClosed:
		b.reply(msg, "Position was already closed.")
	default:
		b.reply(msg, "Closed "+res.AssetID+settlementRef(res.Settlement))
	}
}

func (b *Bot) cmdEmergencySell(ctx context.Context, msg *tgbotapi.Message) {
	results := b.trader.CloseAll(ctx)
	if len(results) == 0 {
		b.reply(msg, "No open positions.")
		return
	}
	var sb strings.Builder
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			fmt.Fprintf(&sb, "FAILED %s: %v\n", r.AssetID, r.Err)
			continue
		}
		fmt.Fprintf(&sb, "Emergency exit %s%s\n", r.AssetID, settlementRef(r.Settlement))
	}
	if failed == 0 {
		sb.WriteString("All positions exited.")
	} else {
		fmt.Fprintf(&sb, "%d position(s) still open.", failed)
	}
	b.reply(msg, sb.String())
}

func (b *Bot) handleSignal(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil || msg.Text == "" {
		return
	}
	if len(b.channels) > 0 && !b.channels[normalizeChannel(msg.Chat.UserName)] {
		return
	}
	mints := ParseSignal(msg.Text, b.cfg.Keywords)
	if len(mints) == 0 {
		return
	}
	b.logger.InfoContext(ctx, "channel signal",
		slog.String("channel", msg.Chat.UserName),
		slog.Any("mints", mints),
	)
	if !b.cfg.AutoBuy {
		// Buys count their own signal; watch-only posts are counted here.
		b.metrics.Signal(SignalSource)
		return
	}
	for _, mint := range mints {
		pos, err := b.trader.Buy(ctx, mint, SignalSource)
		if err != nil {
			b.logger.WarnContext(ctx, "signal buy skipped",
				slog.String("asset", mint),
				slog.String("error", err.Error()),
			)
			continue
		}
		b.logger.InfoContext(ctx, "signal buy",
			slog.String("asset", mint),
			slog.String("position", pos.ID),
		)
	}
}

func (b *Bot) reply(to *tgbotapi.Message, text string) {
	out := tgbotapi.NewMessage(to.Chat.ID, text)
	out.ReplyToMessageID = to.MessageID
	out.DisableWebPagePreview = true
	if _, err := b.api.Send(out); err != nil {
		b.logger.Warn("telegram reply failed",
			slog.Int64("chat", to.Chat.ID),
			slog.String("error", err.Error()),
		)
	}
}

func buyError(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidMint):
		return "Invalid token address."
	case errors.Is(err, domain.ErrPositionActive), errors.Is(err, domain.ErrLockHeld):
		return "Already in a position on this token."
	case errors.Is(err, domain.ErrPriceUnavailable):
		return "Couldn't fetch price. Try again."
	}
	return "Buy failed: " + err.Error()
}

func settlementRef(s *domain.Settlement) string {
	if s == nil || s.Ref == "" {
		return ""
	}
	return " | " + s.Ref
}

func formatPositions(views []service.PositionView) string {
	if len(views) == 0 {
		return "No open positions."
	}
	var sb strings.Builder
	for i, v := range views {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "%s entry %.10g", v.AssetID, v.EntryPrice)
		if v.LastPrice > 0 {
			fmt.Fprintf(&sb, " last %.10g (%+.1f%%)", v.LastPrice, v.ChangePct)
		}
		fmt.Fprintf(&sb, " peak %.10g remaining %s%%", v.PeakPrice, v.RemainingPct.StringFixed(1))
		if v.ReentryCount > 0 {
			fmt.Fprintf(&sb, " re-entry %d", v.ReentryCount)
		}
	}
	return sb.String()
}
