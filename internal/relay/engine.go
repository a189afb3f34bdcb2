// Package relay forwards a user's payment submission to the selected
// shop's recipient chat.
package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"payrelay/internal/catalog"
	"payrelay/internal/session"
	kit "payrelay/internal/transport"
	logx "payrelay/pkg/logx"
)

var (
	// ErrNoSelection means the user has not picked a shop yet. No transport
	// call is made; the caller prompts the user to select one.
	ErrNoSelection = fmt.Errorf("no shop selected")

	// ErrShopNotFound means the recorded selection no longer resolves in the
	// catalog. The caller prompts the user to re-select.
	ErrShopNotFound = fmt.Errorf("selected shop not found")
)

// DeliveryError wraps a transport failure. Deliveries are not retried:
// retrying blind against Telegram risks duplicate shop notifications, so the
// failure is surfaced to the caller instead.
type DeliveryError struct {
	Cause error
}

func (e *DeliveryError) Error() string { return "delivery failed: " + e.Cause.Error() }
func (e *DeliveryError) Unwrap() error { return e.Cause }

type Kind int

const (
	KindText Kind = iota
	KindPhoto
)

// Submission is one inbound payment confirmation. Transient: consumed once,
// never stored.
type Submission struct {
	Kind        Kind
	Text        string
	PhotoFileID string
	Caption     string
	At          time.Time
}

// Sender identifies the submitting user for display purposes.
type Sender struct {
	ID        int64
	Username  string
	FirstName string
}

const noDetailsPlaceholder = "no details provided"

type Config struct {
	// SendTimeout bounds one transport call. A timeout is a delivery
	// failure like any other; no partial state is left behind.
	SendTimeout time.Duration
}

type Engine struct {
	sessions *session.Store
	shops    *catalog.Catalog
	adapter  kit.Adapter
	log      logx.Logger

	mu  sync.Mutex
	cfg Config
}

func New(cfg Config, sessions *session.Store, shops *catalog.Catalog, adapter kit.Adapter, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	return &Engine{cfg: cfg, sessions: sessions, shops: shops, adapter: adapter, log: log}
}

func (e *Engine) Apply(cfg Config) {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

// Relay forwards the submission to the recipient of the sender's selected
// shop. It returns ErrNoSelection / ErrShopNotFound without touching the
// transport, and *DeliveryError when the transport call fails.
func (e *Engine) Relay(ctx context.Context, from Sender, sub Submission) error {
	shopID, ok := e.sessions.Current(from.ID)
	if !ok {
		return ErrNoSelection
	}
	shop, ok := e.shops.Get(shopID)
	if !ok {
		e.log.Warn("stale shop selection", logx.Int64("user_id", from.ID), logx.String("shop_id", shopID))
		return ErrShopNotFound
	}

	body := composeBody(from, shop, sub)

	e.mu.Lock()
	timeout := e.cfg.SendTimeout
	e.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	to := kit.ChatTarget{ChatID: shop.RecipientID}
	var err error
	if sub.Kind == KindPhoto {
		_, err = e.adapter.SendPhoto(sctx, to, sub.PhotoFileID, body, nil)
	} else {
		_, err = e.adapter.SendText(sctx, to, body, nil)
	}
	if err != nil {
		e.log.Error("relay delivery failed",
			logx.Int64("user_id", from.ID),
			logx.String("shop_id", shop.ID),
			logx.Int64("recipient_id", shop.RecipientID),
			logx.Err(err),
		)
		return &DeliveryError{Cause: err}
	}

	e.log.Info("submission relayed",
		logx.Int64("user_id", from.ID),
		logx.String("shop_id", shop.ID),
		logx.Bool("photo", sub.Kind == KindPhoto),
	)
	return nil
}

// composeBody builds the forwarded text deterministically: sender identity,
// shop name, free text (caption wins over plain text, fixed placeholder when
// both are empty), and the submission timestamp.
func composeBody(from Sender, shop catalog.Shop, sub Submission) string {
	info := strings.TrimSpace(sub.Caption)
	if info == "" {
		info = strings.TrimSpace(sub.Text)
	}
	if info == "" {
		info = noDetailsPlaceholder
	}

	who := from.Username
	if who != "" {
		who = "@" + who
	} else {
		who = from.FirstName
	}

	var b strings.Builder
	b.WriteString("New payment submission\n")
	b.WriteString("From: " + who + "\n")
	b.WriteString("Shop: " + shop.Name + "\n")
	b.WriteString("Info: " + info + "\n")
	b.WriteString("At: " + sub.At.Format("2006-01-02 15:04:05 MST"))
	return b.String()
}
