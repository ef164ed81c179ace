package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"macd-systemv1/internal/model"
)

var ts0 = time.Date(2024, 1, 15, 9, 15, 0, 0, time.UTC)

func result(symbol string, macd float64) model.MACDResult {
	return model.MACDResult{Name: "MACD_12_26_9", Symbol: symbol, TS: ts0, MACD: macd, Ready: true}
}

func dial(t *testing.T, h *Hub, query string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestHub_InitialStateAndFiltering(t *testing.T) {
	h := NewHub(nil)
	h.Publish(result("A", 1))
	h.Publish(result("A", 2))

	conn := dial(t, h, "?symbols=A,%20B,,A")

	env := read(t, conn)
	assert.Equal(t, TypeSubscribed, env.Type)
	assert.Equal(t, []string{"A", "B"}, env.Symbols)

	env = read(t, conn)
	assert.Equal(t, TypeMACD, env.Type)
	assert.True(t, env.Initial)
	assert.Equal(t, int64(2), env.Seq)
	require.NotNil(t, env.Data)
	assert.Equal(t, 2.0, env.Data.MACD)

	h.Publish(result("C", 9)) // not subscribed
	h.Publish(model.MACDResult{Symbol: "B"})
	h.Publish(result("B", 3))
	h.Publish(result("A", 4))

	env = read(t, conn)
	assert.Equal(t, "B", env.Symbol)
	assert.Equal(t, int64(1), env.Seq)
	assert.False(t, env.Initial)

	env = read(t, conn)
	assert.Equal(t, "A", env.Symbol)
	assert.Equal(t, int64(3), env.Seq)
}

func TestHub_LiveResultsAreNotCached(t *testing.T) {
	h := NewHub(nil)
	conn := dial(t, h, "")
	assert.Equal(t, TypeSubscribed, read(t, conn).Type)

	live := result("A", 7)
	live.Live = true
	h.Publish(live)

	env := read(t, conn)
	assert.Equal(t, TypeLive, env.Type)
	assert.Zero(t, env.Seq)

	_, ok := h.Latest("A")
	assert.False(t, ok)
	assert.Empty(t, h.Missed("A", 0, 10))
}

func TestHub_ResubscribeAndPing(t *testing.T) {
	h := NewHub(nil)
	h.Publish(result("C", 5))

	conn := dial(t, h, "?symbols=A")
	assert.Equal(t, TypeSubscribed, read(t, conn).Type)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "subscribe", "symbols": []string{"C"}}))
	env := read(t, conn)
	assert.Equal(t, TypeSubscribed, env.Type)
	assert.Equal(t, []string{"C"}, env.Symbols)
	env = read(t, conn)
	assert.True(t, env.Initial)
	assert.Equal(t, "C", env.Symbol)

	h.Publish(result("A", 1))
	h.Publish(result("C", 6))
	env = read(t, conn)
	assert.Equal(t, "C", env.Symbol)
	assert.Equal(t, 6.0, env.Data.MACD)

	require.NoError(t, conn.WriteJSON(map[string]any{"ping": 42}))
	env = read(t, conn)
	assert.Equal(t, TypePong, env.Type)
	assert.Equal(t, int64(42), env.Ping)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("nope")))
	assert.Equal(t, TypeError, read(t, conn).Type)
}

func TestHub_DisconnectUnregisters(t *testing.T) {
	h := NewHub(nil)
	counts := make(chan int, 4)
	h.OnClients = func(n int) { counts <- n }

	conn := dial(t, h, "")
	read(t, conn)
	assert.Equal(t, 1, <-counts)

	conn.Close()
	select {
	case n := <-counts:
		assert.Equal(t, 0, n)
	case <-time.After(2 * time.Second):
		t.Fatal("client was not removed")
	}
	assert.Equal(t, 0, h.ClientCount())
}

func TestHub_ServeMissed(t *testing.T) {
	h := NewHub(nil)
	for i := 1; i <= 5; i++ {
		h.Publish(result("A", float64(i)))
	}

	rec := httptest.NewRecorder()
	h.ServeMissed(rec, httptest.NewRequest(http.MethodGet, "/missed?symbol=A&from=2&to=3", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got []Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].Seq)
	assert.Equal(t, 3.0, got[1].Data.MACD)

	rec = httptest.NewRecorder()
	h.ServeMissed(rec, httptest.NewRequest(http.MethodGet, "/missed?symbol=A&from=4&to=1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestParseSymbols(t *testing.T) {
	assert.Equal(t, []string{"A", "B"}, ParseSymbols(" A,B ,, A"))
	assert.Nil(t, ParseSymbols(""))
}
