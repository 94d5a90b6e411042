package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"polywatch/internal/config"
	"polywatch/pkg/types"
)

func testWSConfig() config.WSConfig {
	return config.WSConfig{
		HandshakeTimeout:     2 * time.Second,
		HeartbeatInterval:    time.Second,
		ReconnectInterval:    20 * time.Millisecond,
		MaxReconnectAttempts: 10,
		SubscriptionChunk:    500,
		BatchSize:            64,
		BatchTimeout:         20 * time.Millisecond,
	}
}

// wsServer records subscribe messages and can kill connections on demand.
type wsServer struct {
	*httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions [][]string // per-connection subscribed asset IDs, in arrival order
	conns    []*websocket.Conn
	payload  []byte // optional frame pushed after the first subscribe
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.sessions = append(s.sessions, nil)
		s.conns = append(s.conns, conn)
		idx := len(s.sessions) - 1
		s.mu.Unlock()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(msg) == "PING" {
				continue
			}
			var sub struct {
				AssetIDs []string `json:"assets_ids"`
			}
			if json.Unmarshal(msg, &sub) == nil && len(sub.AssetIDs) > 0 {
				s.mu.Lock()
				s.sessions[idx] = append(s.sessions[idx], sub.AssetIDs...)
				payload := s.payload
				s.mu.Unlock()
				if payload != nil {
					conn.WriteMessage(websocket.TextMessage, payload)
				}
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *wsServer) killAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func (s *wsServer) sessionSubs() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]string, len(s.sessions))
	for i, ids := range s.sessions {
		out[i] = append([]string(nil), ids...)
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestReconnectRepublishesSubscriptionsOnce(t *testing.T) {
	srv := newWSServer(t)
	feed := NewFeed(srv.url(), testWSConfig(), slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.Run(ctx)

	waitFor(t, 2*time.Second, func() bool { return feed.State() == StateOpen })

	if err := feed.Subscribe(ctx, []string{"A", "B", "C"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		sess := srv.sessionSubs()
		return len(sess) >= 1 && len(sess[0]) == 3
	})

	srv.killAll()

	// Within one reconnection cycle the full set is re-published, exactly
	// once per asset.
	waitFor(t, 3*time.Second, func() bool {
		sess := srv.sessionSubs()
		return len(sess) >= 2 && len(sess[len(sess)-1]) >= 3
	})

	sess := srv.sessionSubs()
	last := append([]string(nil), sess[len(sess)-1]...)
	sort.Strings(last)
	if len(last) != 3 || last[0] != "A" || last[1] != "B" || last[2] != "C" {
		t.Errorf("expected exactly A,B,C re-published, got %v", last)
	}
}

func TestFeedRoutesFrames(t *testing.T) {
	srv := newWSServer(t)
	srv.payload = []byte(`{"event_type":"book","asset_id":"A","market":"m1","hash":"h",
		"buys":[{"price":"0.5","size":"10"}],"sells":[{"price":"0.6","size":"5"}]}`)

	feed := NewFeed(srv.url(), testWSConfig(), slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.Run(ctx)

	waitFor(t, 2*time.Second, func() bool { return feed.State() == StateOpen })
	if err := feed.Subscribe(ctx, []string{"A"}); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-feed.BookEvents():
		if evt.AssetID != "A" || len(evt.Buys) != 1 {
			t.Errorf("unexpected book event %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no book event routed")
	}
}

func TestChunkIDs(t *testing.T) {
	ids := make([]string, 0, 1200)
	for i := 0; i < 1200; i++ {
		ids = append(ids, "x")
	}

	chunks := chunkIDs(ids, 500)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if len(chunks[0]) != 500 || len(chunks[1]) != 500 || len(chunks[2]) != 200 {
		t.Errorf("unexpected chunk sizes %d %d %d", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}

	if got := chunkIDs(nil, 500); got != nil {
		t.Errorf("empty input should yield no chunks, got %v", got)
	}
}

func TestReconnectBackoff(t *testing.T) {
	base := time.Second
	if reconnectBackoff(base, 0) != time.Second {
		t.Error("first retry should be base")
	}
	if reconnectBackoff(base, 2) != 4*time.Second {
		t.Error("third retry should be 4s")
	}
	if reconnectBackoff(base, 20) != 30*time.Second {
		t.Error("backoff must cap at 30s")
	}
}

func TestChunkHalvingAfterBurstDrop(t *testing.T) {
	feed := NewFeed("ws://unused", testWSConfig(), slog.Default())

	// No burst recorded: nothing to halve.
	feed.maybeHalveChunk()
	if feed.SubscribeChunk() != 500 {
		t.Errorf("chunk should stay 500, got %d", feed.SubscribeChunk())
	}

	// Drop right after a burst: halve.
	feed.lastBurst.Store(time.Now().UnixNano())
	feed.maybeHalveChunk()
	if feed.SubscribeChunk() != 250 {
		t.Errorf("chunk should halve to 250, got %d", feed.SubscribeChunk())
	}

	// Repeated halving floors at minChunk.
	for i := 0; i < 10; i++ {
		feed.lastBurst.Store(time.Now().UnixNano())
		feed.maybeHalveChunk()
	}
	if feed.SubscribeChunk() != minChunk {
		t.Errorf("chunk should floor at %d, got %d", minChunk, feed.SubscribeChunk())
	}

	// Stale burst: no halving.
	feed2 := NewFeed("ws://unused", testWSConfig(), slog.Default())
	feed2.lastBurst.Store(time.Now().Add(-time.Minute).UnixNano())
	feed2.maybeHalveChunk()
	if feed2.SubscribeChunk() != 500 {
		t.Errorf("stale burst must not halve, got %d", feed2.SubscribeChunk())
	}
}

func TestBatcherFlushesOnSizeAndTimeout(t *testing.T) {
	cfg := testWSConfig()
	cfg.BatchSize = 3
	feed := NewFeed("ws://unused", cfg, slog.Default())
	batcher := NewBatcher(feed, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go batcher.Run(ctx)

	// Size-triggered flush.
	for i := 0; i < 3; i++ {
		feed.bookCh <- types.WSBookEvent{AssetID: "A"}
	}
	select {
	case b := <-batcher.Batches():
		if len(b.Books) != 3 {
			t.Errorf("expected 3 books in batch, got %d", len(b.Books))
		}
	case <-time.After(time.Second):
		t.Fatal("no size-triggered flush")
	}

	// Timeout-triggered flush with mixed types.
	feed.tradeCh <- types.WSTradeEvent{AssetID: "A"}
	feed.priceChangeCh <- types.WSPriceChangeEvent{Market: "m1"}
	select {
	case b := <-batcher.Batches():
		if len(b.Trades) != 1 || len(b.PriceChanges) != 1 {
			t.Errorf("unexpected batch %+v", b)
		}
	case <-time.After(time.Second):
		t.Fatal("no timeout-triggered flush")
	}
}
