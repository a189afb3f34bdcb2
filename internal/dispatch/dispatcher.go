// Package dispatch routes inbound updates to the session, relay and
// broadcast components and renders their outcomes as user-facing replies.
//
// Per-request errors stop here: they become reply text, never faults.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"payrelay/internal/broadcast"
	"payrelay/internal/catalog"
	"payrelay/internal/relay"
	"payrelay/internal/session"
	kit "payrelay/internal/transport"
	"payrelay/internal/users"
	logx "payrelay/pkg/logx"
)

const (
	msgChooseShop     = "Choose a shop:"
	msgNoShops        = "No shops are available right now. Please try again later."
	msgShopGone       = "That shop is no longer available. Press /start and pick again."
	msgSelectFirst    = "Please choose a shop first: /start"
	msgSubmissionOK   = "Your payment details were sent. The shop will contact you shortly."
	msgSubmissionFail = "Something went wrong while sending your details. Please try again."
	msgBroadcastArm   = "Send the message you want to broadcast, or /cancel."
	msgBroadcastNone  = "Broadcast cancelled."
	msgAdminHint      = "Admin account: use /broadcast to message all users."
)

type Config struct {
	AdminUserIDs []int64
}

type Dispatcher struct {
	log       logx.Logger
	adapter   kit.Adapter
	shops     *catalog.Catalog
	sessions  *session.Store
	users     users.Store
	relay     *relay.Engine
	broadcast *broadcast.Engine

	mu      sync.Mutex
	admins  map[int64]struct{}
	pending map[int64]struct{} // admins with an armed /broadcast

	wg sync.WaitGroup
}

func New(cfg Config, adapter kit.Adapter, shops *catalog.Catalog, sessions *session.Store, userStore users.Store, relayEng *relay.Engine, broadcastEng *broadcast.Engine, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		log:       log,
		adapter:   adapter,
		shops:     shops,
		sessions:  sessions,
		users:     userStore,
		relay:     relayEng,
		broadcast: broadcastEng,
		pending:   make(map[int64]struct{}),
	}
	d.SetAdmins(cfg.AdminUserIDs)
	return d
}

// SetAdmins replaces the privileged identity set (hot reload).
func (d *Dispatcher) SetAdmins(ids []int64) {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	d.mu.Lock()
	d.admins = m
	d.mu.Unlock()
}

func (d *Dispatcher) isAdmin(id int64) bool {
	d.mu.Lock()
	_, ok := d.admins[id]
	d.mu.Unlock()
	return ok
}

// Run consumes updates until ctx is done. Each update is handled in its own
// goroutine: Telegram serializes a single user's interactions, so per-user
// ordering holds without any coordination here.
func (d *Dispatcher) Run(ctx context.Context, updates <-chan kit.Update) error {
	defer d.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				defer func() {
					if r := recover(); r != nil {
						d.log.Error("panic in update handler", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
					}
				}()
				d.handle(ctx, up)
			}()
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateCallback:
		if up.Callback == nil {
			return
		}
		d.touchUser(ctx, up.Callback.FromID)
		d.handleCallback(ctx, up.Callback)
	case kit.UpdateMessage:
		if up.Message == nil {
			return
		}
		d.touchUser(ctx, up.Message.FromID)
		d.handleMessage(ctx, up.Message)
	}
}

// touchUser records the user id for broadcast reach. It runs on every
// inbound update, before and independent of relay outcome.
func (d *Dispatcher) touchUser(ctx context.Context, userID int64) {
	sctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := d.users.AddIfAbsent(sctx, userID); err != nil {
		d.log.Warn("user store append failed", logx.Int64("user_id", userID), logx.Err(err))
	}
}

func (d *Dispatcher) handleMessage(ctx context.Context, m *kit.Message) {
	cmd := command(m.Text)

	if d.isAdmin(m.FromID) {
		d.handleAdminMessage(ctx, m, cmd)
		return
	}

	if cmd == "/start" {
		d.sendShopKeyboard(ctx, m.ChatID)
		return
	}

	d.handleSubmission(ctx, m)
}

func (d *Dispatcher) handleAdminMessage(ctx context.Context, m *kit.Message, cmd string) {
	switch cmd {
	case "/broadcast":
		d.mu.Lock()
		d.pending[m.FromID] = struct{}{}
		d.mu.Unlock()
		d.reply(ctx, m.ChatID, msgBroadcastArm)
		return
	case "/cancel":
		d.mu.Lock()
		_, armed := d.pending[m.FromID]
		delete(d.pending, m.FromID)
		d.mu.Unlock()
		if armed {
			d.reply(ctx, m.ChatID, msgBroadcastNone)
		} else {
			d.reply(ctx, m.ChatID, msgAdminHint)
		}
		return
	}

	d.mu.Lock()
	_, armed := d.pending[m.FromID]
	delete(d.pending, m.FromID)
	d.mu.Unlock()

	if !armed {
		// Admins are exempt from relay; nothing else to do with their text.
		d.reply(ctx, m.ChatID, msgAdminHint)
		return
	}

	d.runBroadcast(ctx, m)
}

func (d *Dispatcher) runBroadcast(ctx context.Context, m *kit.Message) {
	recipients, err := d.users.ListAll(ctx)
	if err != nil {
		d.log.Error("broadcast recipient snapshot failed", logx.Err(err))
		d.reply(ctx, m.ChatID, "Could not load the user list. Broadcast aborted.")
		return
	}

	src := kit.MessageRef{ChatID: m.ChatID, MessageID: m.ID}
	res := d.broadcast.Run(ctx, m.FromID, src, recipients)

	d.reply(ctx, m.ChatID, fmt.Sprintf(
		"Broadcast finished: %d/%d delivered, %d failed.",
		res.Succeeded, res.Attempted, res.Failed(),
	))
}

func (d *Dispatcher) handleSubmission(ctx context.Context, m *kit.Message) {
	from := relay.Sender{ID: m.FromID, Username: m.FromUsername, FirstName: m.FromFirstName}
	sub := relay.Submission{Kind: relay.KindText, Text: m.Text, Caption: m.Caption, At: m.At}
	if m.PhotoFileID != "" {
		sub.Kind = relay.KindPhoto
		sub.PhotoFileID = m.PhotoFileID
	}

	err := d.relay.Relay(ctx, from, sub)
	switch {
	case err == nil:
		d.reply(ctx, m.ChatID, msgSubmissionOK)
	case errors.Is(err, relay.ErrNoSelection):
		d.reply(ctx, m.ChatID, msgSelectFirst)
	case errors.Is(err, relay.ErrShopNotFound):
		d.reply(ctx, m.ChatID, msgShopGone)
	default:
		// DeliveryError and anything unexpected: generic notice, cause is
		// already logged by the relay.
		d.reply(ctx, m.ChatID, msgSubmissionFail)
	}
}

func (d *Dispatcher) handleCallback(ctx context.Context, cb *kit.Callback) {
	shopID, ok := strings.CutPrefix(cb.Data, "shop:")
	if !ok {
		d.answer(ctx, cb.ID, "")
		return
	}

	shop, found := d.shops.Get(shopID)
	if !found {
		d.answer(ctx, cb.ID, "Shop not found")
		d.reply(ctx, cb.ChatID, msgShopGone)
		return
	}

	d.sessions.Select(cb.FromID, shop.ID)
	d.answer(ctx, cb.ID, "")
	d.reply(ctx, cb.ChatID, paymentInstructions(shop))

	d.log.Info("shop selected", logx.Int64("user_id", cb.FromID), logx.String("shop_id", shop.ID))
}

func paymentInstructions(shop catalog.Shop) string {
	var b strings.Builder
	b.WriteString("Shop: " + shop.Name + "\n")
	b.WriteString("Card: " + shop.Card + "\n")
	if shop.Owner != "" {
		b.WriteString("Owner: " + shop.Owner + "\n")
	}
	b.WriteString("\nPlease make the payment and send:\n")
	b.WriteString("- a payment screenshot\n")
	b.WriteString("- your full name\n")
	b.WriteString("- the order number")
	return b.String()
}

func (d *Dispatcher) sendShopKeyboard(ctx context.Context, chatID int64) {
	shops := d.shops.Shops()
	if len(shops) == 0 {
		d.reply(ctx, chatID, msgNoShops)
		return
	}

	rows := make([][]kit.InlineButton, 0, len(shops))
	for _, s := range shops {
		rows = append(rows, []kit.InlineButton{{Text: s.Name, Data: "shop:" + s.ID}})
	}
	opt := &kit.SendOptions{InlineKeyboard: rows}
	if _, err := d.adapter.SendText(ctx, kit.ChatTarget{ChatID: chatID}, msgChooseShop, opt); err != nil {
		d.log.Warn("shop keyboard send failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}

func (d *Dispatcher) reply(ctx context.Context, chatID int64, text string) {
	if _, err := d.adapter.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, nil); err != nil {
		d.log.Warn("reply send failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}

func (d *Dispatcher) answer(ctx context.Context, callbackID, text string) {
	if err := d.adapter.AnswerCallback(ctx, callbackID, text); err != nil {
		d.log.Debug("callback answer failed", logx.Err(err))
	}
}

// command extracts the leading slash-command, lowercased, with a possible
// @botname suffix stripped. Empty when the text is not a command.
func command(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	cmd := text
	if i := strings.IndexAny(cmd, " \t\n"); i >= 0 {
		cmd = cmd[:i]
	}
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd)
}
