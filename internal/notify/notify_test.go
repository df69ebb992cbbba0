package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	name string
	err  error
	got  []Message
}

func (r *recordingSender) Send(_ context.Context, msg Message) error {
	r.got = append(r.got, msg)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifierFiltersEvents(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{EventPositionClosed, " "}, quietLogger())

	require.NoError(t, n.Notify(context.Background(), Message{Event: EventPositionOpened, Title: "opened"}))
	require.NoError(t, n.Notify(context.Background(), Message{Event: EventPositionClosed, Title: "closed"}))

	require.Len(t, s.got, 1)
	assert.Equal(t, "closed", s.got[0].Title)
	assert.False(t, n.Enabled(EventTxReverted))
}

func TestNotifierKeepsGoingAfterFailure(t *testing.T) {
	broken := &recordingSender{name: "broken", err: errors.New("boom")}
	ok := &recordingSender{name: "ok"}
	n := NewNotifier([]Sender{broken, ok}, nil, quietLogger())

	err := n.Notify(context.Background(), Message{Event: EventTxReverted, Title: "reverted"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken: boom")
	assert.Len(t, ok.got, 1)

	assert.False(t, NewNotifier(nil, nil, quietLogger()).Enabled(EventTxReverted))
}

func TestDiscordEmbed(t *testing.T) {
	var body map[string][]discordEmbed
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscordSender(srv.URL)
	err := d.Send(context.Background(), Message{
		Event:  EventPositionOpened,
		Title:  "Position #1 opened",
		Fields: []Field{{Name: "owner", Value: "0xa11ce"}},
	})
	require.NoError(t, err)
	require.Len(t, body["embeds"], 1)
	e := body["embeds"][0]
	assert.Equal(t, "Position #1 opened", e.Title)
	assert.Equal(t, 0x2ecc71, e.Color)
	assert.Equal(t, []discordField{{Name: "owner", Value: "0xa11ce", Inline: true}}, e.Fields)
}

func TestTelegramSend(t *testing.T) {
	var got map[string]string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	tg := NewTelegramSender("123:abc", "-100")
	tg.baseURL = srv.URL
	require.NoError(t, tg.Send(context.Background(), Message{
		Title:  "Reverted",
		Body:   "slippage limit exceeded",
		Fields: []Field{{Name: "tx", Value: "t-1"}},
	}))
	assert.Equal(t, "/bot123:abc/sendMessage", path)
	assert.Equal(t, "-100", got["chat_id"])
	assert.Equal(t, "*Reverted*\nslippage limit exceeded\ntx: `t-1`", got["text"])
}

func TestSenderStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), Message{Title: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 429")
}
