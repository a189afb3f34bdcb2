package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"payrelay/internal/catalog"
	"payrelay/internal/session"
	kit "payrelay/internal/transport"
	logx "payrelay/pkg/logx"
)

type sentText struct {
	to   kit.ChatTarget
	text string
}

type sentPhoto struct {
	to      kit.ChatTarget
	fileID  string
	caption string
}

// fakeAdapter records outbound calls; sendErr makes every send fail.
type fakeAdapter struct {
	mu      sync.Mutex
	texts   []sentText
	photos  []sentPhoto
	sendErr error
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                         { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return kit.MessageRef{}, f.sendErr
	}
	f.texts = append(f.texts, sentText{to: to, text: text})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.texts)}, nil
}

func (f *fakeAdapter) SendPhoto(ctx context.Context, to kit.ChatTarget, fileID, caption string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return kit.MessageRef{}, f.sendErr
	}
	f.photos = append(f.photos, sentPhoto{to: to, fileID: fileID, caption: caption})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.photos)}, nil
}

func (f *fakeAdapter) CopyMessage(ctx context.Context, to kit.ChatTarget, src kit.MessageRef) error {
	return nil
}

func (f *fakeAdapter) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return nil
}

func (f *fakeAdapter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts) + len(f.photos)
}

const testCatalogYAML = `shops:
  - id: shop-a
    name: Shop A
    card: "4000 1234"
    owner: Alice
    recipient_id: 111
  - id: shop-b
    name: Shop B
    recipient_id: 222
`

func testEngine(t *testing.T, fa *fakeAdapter) (*Engine, *session.Store) {
	t.Helper()
	shops, err := catalog.Parse([]byte(testCatalogYAML))
	if err != nil {
		t.Fatalf("catalog.Parse: %v", err)
	}
	sessions := session.NewStore()
	return New(Config{}, sessions, shops, fa, logx.Nop()), sessions
}

func TestRelayWithoutSelection(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{}
	e, _ := testEngine(t, fa)

	err := e.Relay(context.Background(), Sender{ID: 1}, Submission{Kind: KindText, Text: "paid"})
	if !errors.Is(err, ErrNoSelection) {
		t.Fatalf("err = %v, want ErrNoSelection", err)
	}
	if fa.calls() != 0 {
		t.Fatalf("adapter called %d times, want 0", fa.calls())
	}
}

func TestRelayTextToSelectedShop(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{}
	e, sessions := testEngine(t, fa)
	sessions.Select(1, "shop-a")

	from := Sender{ID: 1, Username: "buyer"}
	sub := Submission{
		Kind: KindText,
		Text: "paid order 42",
		At:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := e.Relay(context.Background(), from, sub); err != nil {
		t.Fatalf("Relay: %v", err)
	}

	if len(fa.texts) != 1 {
		t.Fatalf("texts = %d, want 1", len(fa.texts))
	}
	got := fa.texts[0]
	if got.to.ChatID != 111 {
		t.Fatalf("recipient = %d, want 111", got.to.ChatID)
	}
	for _, want := range []string{"@buyer", "Shop A", "paid order 42", "2026-03-01"} {
		if !strings.Contains(got.text, want) {
			t.Fatalf("body %q missing %q", got.text, want)
		}
	}
}

func TestRelayPhotoUsesCaption(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{}
	e, sessions := testEngine(t, fa)
	sessions.Select(2, "shop-b")

	sub := Submission{Kind: KindPhoto, PhotoFileID: "file-123", Caption: "receipt attached"}
	if err := e.Relay(context.Background(), Sender{ID: 2, FirstName: "Bob"}, sub); err != nil {
		t.Fatalf("Relay: %v", err)
	}

	if len(fa.photos) != 1 {
		t.Fatalf("photos = %d, want 1", len(fa.photos))
	}
	got := fa.photos[0]
	if got.to.ChatID != 222 || got.fileID != "file-123" {
		t.Fatalf("photo = %+v", got)
	}
	if !strings.Contains(got.caption, "receipt attached") || !strings.Contains(got.caption, "Bob") {
		t.Fatalf("caption %q missing details", got.caption)
	}
}

func TestRelayStaleSelection(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{}
	e, sessions := testEngine(t, fa)
	sessions.Select(3, "shop-gone")

	err := e.Relay(context.Background(), Sender{ID: 3}, Submission{Kind: KindText, Text: "x"})
	if !errors.Is(err, ErrShopNotFound) {
		t.Fatalf("err = %v, want ErrShopNotFound", err)
	}
	if fa.calls() != 0 {
		t.Fatalf("adapter called %d times, want 0", fa.calls())
	}
}

func TestRelayDeliveryFailure(t *testing.T) {
	t.Parallel()
	cause := errors.New("telegram 502")
	fa := &fakeAdapter{sendErr: cause}
	e, sessions := testEngine(t, fa)
	sessions.Select(4, "shop-a")

	err := e.Relay(context.Background(), Sender{ID: 4}, Submission{Kind: KindText, Text: "x"})
	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want *DeliveryError", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("cause %v not wrapped", cause)
	}
}

func TestComposeBodyPlaceholder(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{}
	e, sessions := testEngine(t, fa)
	sessions.Select(5, "shop-a")

	sub := Submission{Kind: KindText, Text: "   "}
	if err := e.Relay(context.Background(), Sender{ID: 5, Username: "u"}, sub); err != nil {
		t.Fatalf("Relay: %v", err)
	}
	if !strings.Contains(fa.texts[0].text, noDetailsPlaceholder) {
		t.Fatalf("body %q missing placeholder", fa.texts[0].text)
	}
}
