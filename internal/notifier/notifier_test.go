package notifier

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"quantforge/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) SendText(text string) error {
	args := m.Called(text)
	return args.Error(0)
}

func TestRenderMarkdownSkipsEmptySections(t *testing.T) {
	msg := StructuredMessage{
		Icon:  "🛑",
		Title: "模拟结束 s1",
		Sections: []MessageSection{
			{Title: "empty", Lines: []string{"  "}},
			{Title: "run r1", Lines: []string{"a", "b ```x```"}},
		},
		Footer: "done",
	}
	out := msg.RenderMarkdown()
	assert.Contains(t, out, "🛑 模拟结束 s1")
	assert.NotContains(t, out, "empty")
	assert.Contains(t, out, "- b '''x'''")
	assert.Contains(t, out, "done")
}

func TestSimulationStoppedMessage(t *testing.T) {
	run := types.SimulationRun{
		ID:         "r1",
		StrategyID: "s1",
		Status:     types.RunStoppedRisk,
		Breach:     types.BreachMaxDrawdown,
		Metrics:    types.RollingMetrics{TradeCount: 12, WinRate: 0.5, MaxDrawdown: 0.16},
	}
	out := SimulationStopped(run, time.Unix(0, 0)).RenderMarkdown()
	assert.Contains(t, out, "max_drawdown")
	assert.Contains(t, out, "16.00%")
}

func TestSendUsesNotifier(t *testing.T) {
	n := new(mockNotifier)
	n.On("SendText", mock.MatchedBy(func(s string) bool { return len(s) > 0 })).Return(nil).Once()
	Send(n, Promoted(types.PromotionRecord{StrategyID: "s1", ScoreAtPromotion: 0.3, QualitativeReasons: []string{"meets promotion criteria"}}))
	n.AssertExpectations(t)
	Send(nil, StructuredMessage{Title: "ignored"})
}

func TestTelegramRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottoken/sendMessage", r.URL.Path)
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "chat", body["chat_id"])
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tg := NewTelegram("token", "chat")
	tg.BaseURL = srv.URL
	tg.Backoff = time.Millisecond
	require.NoError(t, tg.SendText("hello"))
	assert.Equal(t, int32(2), calls.Load())
}

func TestTelegramRequiresCredentials(t *testing.T) {
	assert.Error(t, NewTelegram("", "").SendText("x"))
}
