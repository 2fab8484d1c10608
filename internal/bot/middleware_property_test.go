// Property-based tests for the admin bot middleware and alert sink.
package bot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v3"
	"pgregory.net/rapid"

	"economy-guard/internal/config"
	"economy-guard/internal/model"
)

// fakeContext implements the parts of tele.Context the middleware touches.
type fakeContext struct {
	tele.Context
	sender  *tele.User
	replies []string
}

func (c *fakeContext) Sender() *tele.User { return c.sender }
func (c *fakeContext) Chat() *tele.Chat   { return nil }
func (c *fakeContext) Text() string       { return "/status" }

func (c *fakeContext) Reply(what interface{}, _ ...interface{}) error {
	c.replies = append(c.replies, what.(string))
	return nil
}

// TestAdminMiddlewareProperty checks that a command runs iff the sender is a configured admin.
func TestAdminMiddlewareProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		adminIDs := rapid.SliceOfN(rapid.Int64Range(1, 1_000_000_000), 1, 10).Draw(t, "adminIDs")
		cfg := &config.Config{Telegram: config.TelegramConfig{AdminIDs: adminIDs}}

		var userID int64
		if rapid.Bool().Draw(t, "pickAdmin") {
			userID = rapid.SampledFrom(adminIDs).Draw(t, "admin")
		} else {
			userID = rapid.Int64Range(1, 1_000_000_000).Draw(t, "user")
		}

		expectAdmin := false
		for _, id := range adminIDs {
			if id == userID {
				expectAdmin = true
				break
			}
		}

		ran := false
		h := AdminMiddleware(cfg)(func(tele.Context) error {
			ran = true
			return nil
		})
		c := &fakeContext{sender: &tele.User{ID: userID}}
		if err := h(c); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if ran != expectAdmin {
			t.Fatalf("userID=%d adminIDs=%v: ran=%v, want %v", userID, adminIDs, ran, expectAdmin)
		}
		if !ran && len(c.replies) != 1 {
			t.Fatalf("non-admin should get exactly one refusal, got %v", c.replies)
		}
	})
}

func TestAdminMiddleware_NoSender(t *testing.T) {
	cfg := &config.Config{Telegram: config.TelegramConfig{AdminIDs: []int64{1}}}
	ran := false
	h := AdminMiddleware(cfg)(func(tele.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, h(&fakeContext{}))
	assert.False(t, ran)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware()(func(tele.Context) error {
		panic("boom")
	})
	c := &fakeContext{sender: &tele.User{ID: 1}}
	require.NoError(t, h(c))
	require.Len(t, c.replies, 1)
	assert.Contains(t, c.replies[0], "Internal error")
}

type fakeSender struct {
	sent []string
	to   tele.Recipient
	err  error
}

func (s *fakeSender) Send(to tele.Recipient, what interface{}, _ ...interface{}) (*tele.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.to = to
	s.sent = append(s.sent, what.(string))
	return &tele.Message{}, nil
}

func TestAlertSink_ForwardsOnlyBansAndCheats(t *testing.T) {
	sender := &fakeSender{}
	sink := NewAlertSink(sender, -100123)
	now := time.Now()

	require.NoError(t, sink.Write(context.Background(), []model.SecurityEvent{
		model.NewSecurityEvent(1, model.EventSuspicious, "gain", now, nil),
		model.NewSecurityEvent(1, model.EventRateLimit, "slow down", now, nil),
	}))
	assert.Empty(t, sender.sent)

	require.NoError(t, sink.Write(context.Background(), []model.SecurityEvent{
		model.NewSecurityEvent(1, model.EventSuspicious, "gain", now, nil),
		model.NewSecurityEvent(1, model.EventBan, "threshold reached", now, nil),
		model.NewSecurityEvent(2, model.EventCheatDetected, "forged state", now, nil),
	}))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "-100123", sender.to.Recipient())
	assert.Contains(t, sender.sent[0], "🚫 user 1 [ban] threshold reached")
	assert.Contains(t, sender.sent[0], "🚨 user 2 [cheat_detected] forged state")
	assert.NotContains(t, sender.sent[0], "gain")
}

func TestAlertSink_SummarizesLargeBatches(t *testing.T) {
	sender := &fakeSender{}
	sink := NewAlertSink(sender, 1)

	events := make([]model.SecurityEvent, maxAlertsPerBatch+5)
	for i := range events {
		events[i] = model.NewSecurityEvent(int64(i), model.EventBan, "x", time.Now(), nil)
	}
	require.NoError(t, sink.Write(context.Background(), events))
	require.Len(t, sender.sent, 1)
	assert.Contains(t, sender.sent[0], "and 5 more")
}

func TestAlertSink_SendError(t *testing.T) {
	sink := NewAlertSink(&fakeSender{err: errors.New("blocked")}, 1)
	err := sink.Write(context.Background(), []model.SecurityEvent{
		model.NewSecurityEvent(1, model.EventBan, "x", time.Now(), nil),
	})
	assert.ErrorContains(t, err, "blocked")
	assert.Equal(t, "telegram", sink.Name())
}
