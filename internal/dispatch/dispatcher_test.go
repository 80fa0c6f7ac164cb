package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/afroverse/notify/internal/db"
)

// fakeSender records calls and returns a scripted outcome.
type fakeSender struct {
	id    string
	err   error
	calls int
}

func (f *fakeSender) Send(ctx context.Context, notif *db.Notification, prefs Preferences) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.id, nil
}

// fakeBulkSender implements the batch capability on top of fakeSender.
type fakeBulkSender struct {
	fakeSender
	bulkCalls int
}

func (f *fakeBulkSender) SendBulk(ctx context.Context, notifs []*db.Notification, prefs []Preferences) []Result {
	f.bulkCalls++
	results := make([]Result, len(notifs))
	for i := range notifs {
		if f.err != nil {
			results[i] = Result{Success: false, Channel: ChannelInApp, Err: f.err}
		} else {
			results[i] = Result{Success: true, Channel: ChannelInApp, MessageID: f.id}
		}
	}
	return results
}

// blockPrefs opts the user out of the listed channels.
type blockPrefs map[Channel]bool

func (p blockPrefs) CanReceive(notifType string, ch Channel) bool {
	return !p[ch]
}

func testNotification(channel string) *db.Notification {
	return &db.Notification{
		ID:      uuid.New(),
		UserID:  uuid.New(),
		Type:    db.TypeBattleLive,
		Channel: channel,
		Title:   "Battle is live",
		Message: "Your battle just started",
	}
}

func TestParseChannel(t *testing.T) {
	tests := []struct {
		raw     string
		want    Channel
		wantErr bool
	}{
		{"push", ChannelPush, false},
		{"whatsapp", ChannelWhatsApp, false},
		{"inapp", ChannelInApp, false},
		{"email", ChannelEmail, false},
		{"sms", "", true},
		{"", "", true},
		{"PUSH", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseChannel(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseChannel(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseChannel(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestDispatcherSend(t *testing.T) {
	d := New(zap.NewNop())
	push := &fakeSender{id: "msg-1"}
	d.Register(ChannelPush, push)

	res := d.Send(context.Background(), testNotification("push"), nil)
	if !res.Success {
		t.Fatalf("expected success, got error %v", res.Err)
	}
	if res.MessageID != "msg-1" {
		t.Errorf("expected message ID msg-1, got %q", res.MessageID)
	}
	if res.Channel != ChannelPush {
		t.Errorf("expected channel push, got %q", res.Channel)
	}
}

func TestDispatcherSendUnregisteredChannel(t *testing.T) {
	d := New(zap.NewNop())

	res := d.Send(context.Background(), testNotification("push"), nil)
	if res.Success {
		t.Fatal("expected failure for unregistered channel")
	}
	if !errors.Is(res.Err, ErrNoSender) {
		t.Errorf("expected ErrNoSender, got %v", res.Err)
	}
}

func TestDispatcherSendUnknownChannel(t *testing.T) {
	d := New(zap.NewNop())
	d.Register(ChannelPush, &fakeSender{id: "msg-1"})

	res := d.Send(context.Background(), testNotification("carrier-pigeon"), nil)
	if res.Success {
		t.Fatal("expected failure for unknown channel string")
	}
	if res.ErrorMessage() == "" {
		t.Error("expected error message on failed result")
	}
}

func TestDispatcherSendReportsProviderError(t *testing.T) {
	d := New(zap.NewNop())
	sendErr := errors.New("provider unavailable")
	d.Register(ChannelEmail, &fakeSender{err: sendErr})

	res := d.Send(context.Background(), testNotification("email"), nil)
	if res.Success {
		t.Fatal("expected failure")
	}
	if !errors.Is(res.Err, sendErr) {
		t.Errorf("expected provider error in result, got %v", res.Err)
	}
}

func TestRegisterLastWins(t *testing.T) {
	d := New(zap.NewNop())
	first := &fakeSender{id: "first"}
	second := &fakeSender{id: "second"}

	d.Register(ChannelPush, first)
	d.Register(ChannelPush, second)

	res := d.Send(context.Background(), testNotification("push"), nil)
	if res.MessageID != "second" {
		t.Errorf("expected later registration to win, got message ID %q", res.MessageID)
	}
	if first.calls != 0 {
		t.Errorf("replaced sender should not be invoked, got %d calls", first.calls)
	}
}

func TestSendWithFallbackFirstSuccessWins(t *testing.T) {
	d := New(zap.NewNop())
	push := &fakeSender{err: errors.New("no devices")}
	inapp := &fakeSender{id: "inapp-1"}
	whatsapp := &fakeSender{id: "wa-1"}
	d.Register(ChannelPush, push)
	d.Register(ChannelInApp, inapp)
	d.Register(ChannelWhatsApp, whatsapp)

	notif := testNotification("push")
	res := d.SendWithFallback(context.Background(), notif, nil)
	if !res.Success {
		t.Fatalf("expected success, got %v", res.Err)
	}
	if res.Channel != ChannelInApp {
		t.Errorf("expected inapp to win, got %q", res.Channel)
	}
	if whatsapp.calls != 0 {
		t.Errorf("channels after the first success must not be attempted, whatsapp called %d times", whatsapp.calls)
	}
	if notif.Channel != "inapp" {
		t.Errorf("notification channel should be rewritten to the delivering channel, got %q", notif.Channel)
	}
}

func TestSendWithFallbackSkipsOptedOutChannels(t *testing.T) {
	d := New(zap.NewNop())
	push := &fakeSender{id: "push-1"}
	inapp := &fakeSender{id: "inapp-1"}
	d.Register(ChannelPush, push)
	d.Register(ChannelInApp, inapp)

	prefs := blockPrefs{ChannelPush: true}
	res := d.SendWithFallback(context.Background(), testNotification("push"), prefs)
	if !res.Success {
		t.Fatalf("expected success, got %v", res.Err)
	}
	if res.Channel != ChannelInApp {
		t.Errorf("expected inapp after push opt-out, got %q", res.Channel)
	}
	if push.calls != 0 {
		t.Errorf("opted-out channel must not be attempted, push called %d times", push.calls)
	}
}

func TestSendWithFallbackAllFail(t *testing.T) {
	d := New(zap.NewNop())
	d.Register(ChannelPush, &fakeSender{err: errors.New("down")})
	d.Register(ChannelInApp, &fakeSender{err: errors.New("down")})

	res := d.SendWithFallback(context.Background(), testNotification("push"), nil,
		ChannelPush, ChannelInApp)
	if res.Success {
		t.Fatal("expected failure when every channel fails")
	}
	if !errors.Is(res.Err, ErrAllChannelsFailed) {
		t.Errorf("expected ErrAllChannelsFailed, got %v", res.Err)
	}
}

func TestSendWithFallbackExplicitChainOrder(t *testing.T) {
	d := New(zap.NewNop())
	push := &fakeSender{id: "push-1"}
	email := &fakeSender{id: "email-1"}
	d.Register(ChannelPush, push)
	d.Register(ChannelEmail, email)

	res := d.SendWithFallback(context.Background(), testNotification("push"), nil,
		ChannelEmail, ChannelPush)
	if res.Channel != ChannelEmail {
		t.Errorf("explicit chain order should be honored, got %q", res.Channel)
	}
	if push.calls != 0 {
		t.Errorf("push should not be attempted, got %d calls", push.calls)
	}
}

func TestSendToMultipleChannels(t *testing.T) {
	d := New(zap.NewNop())
	push := &fakeSender{id: "push-1"}
	email := &fakeSender{err: errors.New("bounce")}
	d.Register(ChannelPush, push)
	d.Register(ChannelEmail, email)

	prefs := blockPrefs{ChannelInApp: true}
	results := d.SendToMultipleChannels(context.Background(), testNotification("push"), prefs,
		[]Channel{ChannelPush, ChannelEmail, ChannelInApp})

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if !results[0].Success {
		t.Errorf("push should succeed: %v", results[0].Err)
	}
	if results[1].Success {
		t.Error("email should fail")
	}
	if !errors.Is(results[2].Err, ErrSkipped) {
		t.Errorf("opted-out channel should report ErrSkipped, got %v", results[2].Err)
	}
}

func TestSendToMultipleChannelsDuplicatesAttemptedTwice(t *testing.T) {
	d := New(zap.NewNop())
	push := &fakeSender{id: "push-1"}
	d.Register(ChannelPush, push)

	results := d.SendToMultipleChannels(context.Background(), testNotification("push"), nil,
		[]Channel{ChannelPush, ChannelPush})

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if push.calls != 2 {
		t.Errorf("duplicate channel entries should each be attempted, got %d calls", push.calls)
	}
}

func TestSendBulkGroupsByChannelAndPreservesOrder(t *testing.T) {
	d := New(zap.NewNop())
	inapp := &fakeBulkSender{fakeSender: fakeSender{id: "bulk-1"}}
	push := &fakeSender{id: "push-1"}
	d.Register(ChannelInApp, inapp)
	d.Register(ChannelPush, push)

	notifs := []*db.Notification{
		testNotification("inapp"),
		testNotification("push"),
		testNotification("inapp"),
	}
	results := d.SendBulk(context.Background(), notifs, make([]Preferences, len(notifs)))

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if inapp.bulkCalls != 1 {
		t.Errorf("batch-capable sender should get one SendBulk call, got %d", inapp.bulkCalls)
	}
	if inapp.calls != 0 {
		t.Errorf("batch-capable sender should not be called item-by-item, got %d Send calls", inapp.calls)
	}
	if push.calls != 1 {
		t.Errorf("plain sender should get one Send per item, got %d", push.calls)
	}
	for i, res := range results {
		if !res.Success {
			t.Errorf("result %d should succeed: %v", i, res.Err)
		}
	}
	if results[1].Channel != ChannelPush {
		t.Errorf("results must come back in input order, result 1 channel = %q", results[1].Channel)
	}
}

func TestSendBulkUnknownChannel(t *testing.T) {
	d := New(zap.NewNop())
	d.Register(ChannelPush, &fakeSender{id: "push-1"})

	notifs := []*db.Notification{
		testNotification("bogus"),
		testNotification("push"),
	}
	results := d.SendBulk(context.Background(), notifs, make([]Preferences, len(notifs)))

	if results[0].Success {
		t.Error("unknown channel should fail without aborting the batch")
	}
	if !results[1].Success {
		t.Errorf("remaining items should still be delivered: %v", results[1].Err)
	}
}

func TestFallbackChainCopySemantics(t *testing.T) {
	d := New(zap.NewNop())
	chain := []Channel{ChannelEmail, ChannelPush}
	d.SetFallbackChain(chain)

	chain[0] = ChannelInApp
	got := d.FallbackChain()
	if got[0] != ChannelEmail {
		t.Error("SetFallbackChain must copy the caller's slice")
	}

	got[1] = ChannelWhatsApp
	if d.FallbackChain()[1] != ChannelPush {
		t.Error("FallbackChain must return a copy")
	}
}

func TestDispatcherStats(t *testing.T) {
	d := New(zap.NewNop())
	d.Register(ChannelPush, &fakeSender{id: "push-1"})
	d.Register(ChannelInApp, &fakeSender{id: "inapp-1"})

	stats := d.Stats()
	if stats["registered"] != 2 {
		t.Errorf("expected 2 registered channels, got %v", stats["registered"])
	}
	chain, ok := stats["fallback_chain"].([]string)
	if !ok || len(chain) != 4 {
		t.Errorf("expected default 4-channel fallback chain, got %v", stats["fallback_chain"])
	}
}
