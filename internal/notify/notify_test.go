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

	"github.com/alanyoungcy/duckoracle/internal/domain"
)

type recorder struct {
	name   string
	titles []string
	err    error
}

func (r *recorder) Send(_ context.Context, title, _ string) error {
	r.titles = append(r.titles, title)
	return r.err
}

func (r *recorder) Name() string { return r.name }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifierFiltersEvents(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{name: "rec"}
	n := NewNotifier([]Sender{rec}, []string{EventHalted, " " + EventManualRequired}, discard())

	m := domain.Market{ID: "m1", Question: "q?", HaltReason: "collateral below max loss"}
	require.NoError(t, n.Halted(ctx, m))
	require.NoError(t, n.ManualRequired(ctx, m))
	require.NoError(t, n.MarketFinalized(ctx, m, domain.ResolutionRecord{Outcome: domain.OutcomeYes}))
	assert.Equal(t, []string{"Market halted", "Manual resolution required"}, rec.titles)
}

func TestNotifierCollectsSenderErrors(t *testing.T) {
	boom := errors.New("boom")
	bad := &recorder{name: "bad", err: boom}
	good := &recorder{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, discard())

	err := n.Challenge(context.Background(), domain.Market{ID: "m1"}, domain.Prediction{AgentID: "a"}, true)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"Resolution overturned"}, good.titles, "other senders still receive")
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42").WithAPIBase(srv.URL)
	require.NoError(t, s.Send(context.Background(), "Title", "body"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*Title*\nbody", got["text"])
}

func TestDiscordSenderStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}
