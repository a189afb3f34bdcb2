package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"

	kit "payrelay/internal/transport"
	logx "payrelay/pkg/logx"
)

// copyAdapter counts CopyMessage calls per recipient and fails the
// recipients listed in failFor.
type copyAdapter struct {
	mu      sync.Mutex
	copies  map[int64]int
	failFor map[int64]error
}

func newCopyAdapter() *copyAdapter {
	return &copyAdapter{copies: make(map[int64]int), failFor: make(map[int64]error)}
}

func (f *copyAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (f *copyAdapter) Stop(ctx context.Context) error                         { return nil }

func (f *copyAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	return kit.MessageRef{}, nil
}

func (f *copyAdapter) SendPhoto(ctx context.Context, to kit.ChatTarget, fileID, caption string, opt *kit.SendOptions) (kit.MessageRef, error) {
	return kit.MessageRef{}, nil
}

func (f *copyAdapter) CopyMessage(ctx context.Context, to kit.ChatTarget, src kit.MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copies[to.ChatID]++
	if err, ok := f.failFor[to.ChatID]; ok {
		return err
	}
	return nil
}

func (f *copyAdapter) AnswerCallback(ctx context.Context, callbackID, text string) error { return nil }

func TestRunExcludesSender(t *testing.T) {
	t.Parallel()
	fa := newCopyAdapter()
	e := New(Config{RatePerSec: 1000}, fa, logx.Nop())

	res := e.Run(context.Background(), 100, kit.MessageRef{ChatID: 100, MessageID: 1}, []int64{100, 1, 2})
	if res.Attempted != 2 || res.Succeeded != 2 || res.Failed() != 0 {
		t.Fatalf("result = %+v", res)
	}
	if fa.copies[100] != 0 {
		t.Fatalf("sender received broadcast %d times", fa.copies[100])
	}
}

func TestRunFailureIsolation(t *testing.T) {
	t.Parallel()
	fa := newCopyAdapter()
	fa.failFor[2] = errors.New("blocked by user")
	e := New(Config{Workers: 1, RatePerSec: 1000}, fa, logx.Nop())

	res := e.Run(context.Background(), 0, kit.MessageRef{ChatID: 9, MessageID: 5}, []int64{1, 2, 3})
	if res.Attempted != 3 || res.Succeeded != 2 || res.Failed() != 1 {
		t.Fatalf("result = %+v", res)
	}
	if res.Failures[0].Recipient != 2 || res.Failures[0].Err != "blocked by user" {
		t.Fatalf("failure = %+v", res.Failures[0])
	}
	// Recipients after the failing one are still attempted.
	for _, id := range []int64{1, 2, 3} {
		if fa.copies[id] != 1 {
			t.Fatalf("recipient %d attempted %d times, want 1", id, fa.copies[id])
		}
	}
}

func TestRunEachRecipientAttemptedOnce(t *testing.T) {
	t.Parallel()
	fa := newCopyAdapter()
	e := New(Config{Workers: 8, RatePerSec: 10000}, fa, logx.Nop())

	recipients := make([]int64, 200)
	for i := range recipients {
		recipients[i] = int64(i + 1)
	}

	res := e.Run(context.Background(), 0, kit.MessageRef{ChatID: 1, MessageID: 1}, recipients)
	if res.Attempted != 200 || res.Succeeded != 200 {
		t.Fatalf("result = %+v", res)
	}
	for _, id := range recipients {
		if fa.copies[id] != 1 {
			t.Fatalf("recipient %d attempted %d times, want 1", id, fa.copies[id])
		}
	}
}

func TestRunEmptyRecipients(t *testing.T) {
	t.Parallel()
	e := New(Config{}, newCopyAdapter(), logx.Nop())
	res := e.Run(context.Background(), 5, kit.MessageRef{}, nil)
	if res.Attempted != 0 || res.Succeeded != 0 || res.Failed() != 0 {
		t.Fatalf("result = %+v", res)
	}
}
