package logging

import (
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func newStartedLogger(t *testing.T) *WebSocketLogger {
	t.Helper()
	wsl := NewWebSocketLogger()
	wsl.Start()
	t.Cleanup(wsl.Stop)
	return wsl
}

func waitHistory(t *testing.T, wsl *WebSocketLogger, n int) []LogMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := wsl.History(n); len(msgs) >= n {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("history never reached %d entries", n)
	return nil
}

func TestBroadcastAppendsHistory(t *testing.T) {
	wsl := newStartedLogger(t)

	wsl.BroadcastLog("info", "first", nil)
	wsl.BroadcastLog("warn", "second", map[string]any{"token_id": 3})

	msgs := waitHistory(t, wsl, 2)
	require.Equal(t, "first", msgs[0].Message)
	require.Equal(t, "warn", msgs[1].Level)
}

func TestHistoryLimit(t *testing.T) {
	wsl := newStartedLogger(t)

	for i := 0; i < 10; i++ {
		wsl.BroadcastLog("info", "msg", nil)
	}
	waitHistory(t, wsl, 10)
	require.Len(t, wsl.History(3), 3)
}

func TestHookFeedsLogger(t *testing.T) {
	wsl := newStartedLogger(t)

	logger := log.New()
	logger.AddHook(&Hook{WSL: wsl})
	logger.WithField("token_id", 7).Warn("identity quarantined")

	msgs := waitHistory(t, wsl, 1)
	require.Equal(t, "identity quarantined", msgs[0].Message)
	require.Equal(t, "warning", msgs[0].Level)
}

func TestHookSkipsDebug(t *testing.T) {
	wsl := newStartedLogger(t)

	hook := &Hook{WSL: wsl}
	for _, lvl := range hook.Levels() {
		require.NotEqual(t, log.DebugLevel, lvl)
	}
}
