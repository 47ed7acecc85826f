package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"fassetbots/internal/concurrency"
	"fassetbots/internal/observability"
)

// Level is the severity of a notification.
type Level string

const (
	LevelInfo     Level = "info"
	LevelDanger   Level = "danger"
	LevelCritical Level = "critical"
)

// BotType identifies the kind of bot that raised a notification.
type BotType string

const (
	BotAgent          BotType = "agent"
	BotLiquidator     BotType = "liquidator"
	BotChallenger     BotType = "challenger"
	BotSystemKeeper   BotType = "systemKeeper"
	BotTimeKeeper     BotType = "timeKeeper"
	BotPricePublisher BotType = "pricePublisher"
)

// Notification titles raised by the actors.
const (
	TitleAgentLiquidated     = "AGENT LIQUIDATED"
	TitleLiquidationFailed   = "LIQUIDATION FAILED"
	TitleLiquidationStarted  = "LIQUIDATION STARTED"
	TitleLiquidationEnded    = "LIQUIDATION ENDED"
	TitleIllegalPayment      = "ILLEGAL PAYMENT CHALLENGE"
	TitleDoublePayment       = "DOUBLE PAYMENT CHALLENGE"
	TitleNegativeFreeBalance = "FREE BALANCE NEGATIVE CHALLENGE"
	TitleChallengeFailed     = "CHALLENGE FAILED"
	TitleNoProofObtained     = "NO PROOF OBTAINED"
	TitleBlockHeightFailed   = "UNDERLYING BLOCK UPDATE FAILED"
	TitleWithdrawalAnnounced = "ANNOUNCE UNDERLYING WITHDRAWAL"
	TitleWithdrawalPerformed = "UNDERLYING WITHDRAWAL"
	TitleWithdrawalConfirmed = "CONFIRM UNDERLYING WITHDRAWAL ANNOUNCEMENT"
	TitleWithdrawalCancelled = "CANCEL UNDERLYING WITHDRAWAL ANNOUNCEMENT"
	TitleActiveWithdrawal    = "ACTIVE WITHDRAWAL"
	TitleNoActiveWithdrawal  = "NO ACTIVE WITHDRAWAL"
	TitleActorStepFailed     = "ACTOR STEP FAILED"
)

// Record is the wire shape of a notification. Field names match the alert
// API body.
type Record struct {
	BotType     BotType `json:"bot_type"`
	Address     string  `json:"address"`
	Level       Level   `json:"level"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
}

// Transport delivers records to one destination.
type Transport interface {
	Name() string
	Send(ctx context.Context, rec Record) error
}

const defaultSendTimeout = 10 * time.Second

// Notifier fans notifications out to its transports. Send never blocks the
// caller; every transport delivery is a tracked thread that Close joins.
// A nil *Notifier discards everything.
type Notifier struct {
	botType    BotType
	address    string
	transports []Transport
	runner     *concurrency.ScopedRunner
	metrics    *observability.Metrics
	logger     zerolog.Logger
	timeout    time.Duration
}

// New creates a notifier for the bot at address. Deliveries run under ctx.
func New(ctx context.Context, botType BotType, address string, transports []Transport, metrics *observability.Metrics, logger zerolog.Logger) *Notifier {
	logger = logger.With().Str("component", "notifier").Str("bot_type", string(botType)).Str("address", address).Logger()

	opts := concurrency.ScopedRunnerOptions{}
	if metrics != nil {
		opts.InFlight = metrics.ScopedInFlight.WithLabelValues("notifier")
	}
	return &Notifier{
		botType:    botType,
		address:    address,
		transports: transports,
		runner:     concurrency.NewScopedRunner(ctx, logger, opts),
		metrics:    metrics,
		logger:     logger,
		timeout:    defaultSendTimeout,
	}
}

func (n *Notifier) BotType() BotType { return n.botType }
func (n *Notifier) Address() string  { return n.address }

// Send delivers a notification to every transport.
func (n *Notifier) Send(level Level, title, message string) {
	if n == nil {
		return
	}
	rec := Record{
		BotType:     n.botType,
		Address:     n.address,
		Level:       level,
		Title:       title,
		Description: message,
	}
	for _, t := range n.transports {
		_, err := n.runner.StartThread("notify-"+t.Name(), func(ctx context.Context) error {
			return n.deliver(ctx, t, rec)
		})
		if err != nil {
			n.logger.Warn().Err(err).Str("title", title).Msg("notification dropped")
		}
	}
}

func (n *Notifier) Info(title, format string, args ...any) {
	n.Send(LevelInfo, title, fmt.Sprintf(format, args...))
}

func (n *Notifier) Danger(title, format string, args ...any) {
	n.Send(LevelDanger, title, fmt.Sprintf(format, args...))
}

func (n *Notifier) Critical(title, format string, args ...any) {
	n.Send(LevelCritical, title, fmt.Sprintf(format, args...))
}

func (n *Notifier) deliver(ctx context.Context, t Transport, rec Record) error {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	if err := t.Send(ctx, rec); err != nil {
		if n.metrics != nil {
			n.metrics.NotificationErrors.WithLabelValues(t.Name()).Inc()
		}
		return fmt.Errorf("send %q via %s: %w", rec.Title, t.Name(), err)
	}
	if n.metrics != nil {
		n.metrics.NotificationsSent.WithLabelValues(t.Name(), string(rec.Level)).Inc()
	}
	return nil
}

// Close stops accepting notifications and waits for pending deliveries.
func (n *Notifier) Close(ctx context.Context) error {
	if n == nil {
		return nil
	}
	n.runner.RequestStop()
	return n.runner.Wait(ctx)
}

// Err returns the joined delivery errors so far.
func (n *Notifier) Err() error {
	if n == nil {
		return nil
	}
	return n.runner.Err()
}
