package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"droptracker/internal/cache"
	"droptracker/internal/database"
	"droptracker/internal/ingest"
	"droptracker/internal/metrics"
	"droptracker/internal/models"
	"droptracker/internal/ranking"
	"droptracker/internal/services"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"gorm.io/gorm/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	router *gin.Engine
	db     *database.DBManager
	client *cache.Client
	stats  *cache.StatsCache
	ws     *WebSocketHandler
	mr     *miniredis.Miniredis
	token  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.Open(database.Options{URL: "sqlite::memory:", LogLevel: logger.Silent, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.SaveNPC(context.Background(), models.NPC{NpcID: 8061, NpcName: "Vorkath"}); err != nil {
		t.Fatalf("SaveNPC: %v", err)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { rdb.Close() })
	client := cache.NewClientFromRedis(rdb, time.Second)

	stats := cache.NewStatsCache(client, db, 5*time.Minute)
	tracker := metrics.NewTracker(client)
	batcher := ingest.NewBatcher(db, stats, 2, ingest.WithNotifier(stats), ingest.WithCounter(tracker))
	parser := ingest.NewParser(ingest.NewNPCResolver(db, time.Minute))
	auth := services.NewAuthService(db.WriteDB, "test-secret", time.Hour)
	ws := NewWebSocketHandler()

	router := NewRouter(RouterConfig{
		Auth:             auth,
		RateLimiter:      client,
		RateLimitPerHour: 1000,
		Clients:          NewClientHandler(auth),
		Drops:            NewDropHandler(parser, batcher, db, stats),
		Stats:            NewStatsHandler(stats, ranking.NewEngine(stats, db, 4)),
		Health:           NewHealthHandler(client, tracker, batcher),
		WebSocket:        ws,
	})

	token, err := auth.GenerateToken("test-client")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return &testEnv{router: router, db: db, client: client, stats: stats, ws: ws, mr: mr, token: token}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+e.token)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
}

func TestRegisterClient(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/register", strings.NewReader(`{"name":"plugin","email":"p@example.com"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp RegisterResponse
	decodeBody(t, w, &resp)

	req = httptest.NewRequest(http.MethodGet, "/api/rankings", nil)
	req.Header.Set("X-API-Key", resp.APIKey)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("issued key rejected: %d %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/api/register", strings.NewReader(`{"name":"plugin","email":"p@example.com"}`))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate email status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/register", strings.NewReader(`{"name":"plugin","email":"not-an-email"}`))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad email status = %d", w.Code)
	}
}

func TestDropLifecycle(t *testing.T) {
	env := newTestEnv(t)
	drop := `{"item_id":100,"player_id":5,"source":"Vorkath","value":500,"quantity":2,"timestamp":"2024-10-12T18:00:00Z"}`

	for i := 0; i < 2; i++ {
		if w := env.do(t, http.MethodPost, "/api/drops", drop); w.Code != http.StatusAccepted {
			t.Fatalf("submit status = %d: %s", w.Code, w.Body.String())
		}
	}

	w := env.do(t, http.MethodGet, "/api/players/5/stats?partition=202410", "")
	if w.Code != http.StatusOK {
		t.Fatalf("stats status = %d: %s", w.Code, w.Body.String())
	}
	var stats cache.PlayerStats
	decodeBody(t, w, &stats)
	if stats.Total.TotalValue != 1000 || stats.Total.TotalDrops != 2 {
		t.Errorf("total = %+v", stats.Total)
	}
	if stats.Partition.Items[100] != (cache.ItemStats{Quantity: 4, Value: 1000}) {
		t.Errorf("items = %+v", stats.Partition.Items)
	}
	if stats.Partition.Bosses[8061] != (cache.BossStats{Drops: 2, Value: 1000}) {
		t.Errorf("bosses = %+v", stats.Partition.Bosses)
	}

	rows, err := env.db.DropsForPlayer(context.Background(), 5)
	if err != nil || len(rows) != 2 {
		t.Fatalf("DropsForPlayer = %d rows, %v", len(rows), err)
	}

	w = env.do(t, http.MethodDelete, "/api/drops/"+strconv.FormatInt(rows[0].DropID, 10), "")
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d: %s", w.Code, w.Body.String())
	}
	w = env.do(t, http.MethodGet, "/api/players/5/stats", "")
	decodeBody(t, w, &stats)
	if stats.Total.TotalValue != 500 || stats.Total.TotalDrops != 1 {
		t.Errorf("total after delete = %+v", stats.Total)
	}

	if w := env.do(t, http.MethodDelete, "/api/drops/"+strconv.FormatInt(rows[0].DropID, 10), ""); w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d", w.Code)
	}
}

// seedDrops stores drops for player 9 and returns their ids in insert order.
func seedDrops(t *testing.T, env *testEnv, events ...models.DropEvent) []int64 {
	t.Helper()
	ctx := context.Background()
	if _, err := env.db.InsertDrops(ctx, 9, events); err != nil {
		t.Fatalf("InsertDrops: %v", err)
	}
	rows, err := env.db.DropsForPlayer(ctx, 9)
	if err != nil || len(rows) != len(events) {
		t.Fatalf("DropsForPlayer = %d rows, %v", len(rows), err)
	}
	ids := make([]int64, len(rows))
	for i, r := range rows {
		ids[i] = r.DropID
	}
	return ids
}

func TestDeleteDrop_EmptyCache(t *testing.T) {
	env := newTestEnv(t)
	oct := time.Date(2024, 10, 3, 0, 0, 0, 0, time.UTC)
	ids := seedDrops(t, env,
		models.DropEvent{PlayerID: 9, ItemID: 100, Value: 500, Quantity: 2, Timestamp: oct},
		models.DropEvent{PlayerID: 9, ItemID: 100, Value: 300, Quantity: 1, Timestamp: oct},
	)
	env.mr.FlushAll()

	if w := env.do(t, http.MethodDelete, "/api/drops/"+strconv.FormatInt(ids[0], 10), ""); w.Code != http.StatusOK {
		t.Fatalf("delete status = %d: %s", w.Code, w.Body.String())
	}
	if got := env.mr.HGet("player:9:total", cache.FieldTotalValue); got != "300" {
		t.Errorf("lifetime total_value = %q, want 300", got)
	}

	w := env.do(t, http.MethodGet, "/api/players/9/stats?partition=202410", "")
	var stats cache.PlayerStats
	decodeBody(t, w, &stats)
	if stats.Total.TotalValue != 300 || stats.Total.TotalDrops != 1 {
		t.Errorf("total = %+v", stats.Total)
	}
	if stats.Partition.General.TotalValue != 300 || stats.Partition.Items[100] != (cache.ItemStats{Quantity: 1, Value: 300}) {
		t.Errorf("partition = %+v", stats.Partition)
	}
}

func TestDeleteDrop_AfterPartitionExpiry(t *testing.T) {
	env := newTestEnv(t)
	ids := seedDrops(t, env,
		models.DropEvent{PlayerID: 9, ItemID: 100, Value: 500, Quantity: 2, Timestamp: time.Date(2024, 10, 3, 0, 0, 0, 0, time.UTC)},
		models.DropEvent{PlayerID: 9, ItemID: 100, Value: 300, Quantity: 1, Timestamp: time.Date(2024, 10, 4, 0, 0, 0, 0, time.UTC)},
		models.DropEvent{PlayerID: 9, ItemID: 200, Value: 70, Quantity: 1, Timestamp: time.Date(2024, 11, 4, 0, 0, 0, 0, time.UTC)},
	)

	if w := env.do(t, http.MethodPost, "/api/players/9/rebuild", ""); w.Code != http.StatusOK {
		t.Fatalf("rebuild status = %d", w.Code)
	}
	env.mr.FastForward(5*time.Minute + time.Second)
	if env.mr.Exists("player:9:stats:202410") {
		t.Fatal("partition entries should have expired")
	}

	for _, id := range []int64{ids[0], ids[2]} {
		if w := env.do(t, http.MethodDelete, "/api/drops/"+strconv.FormatInt(id, 10), ""); w.Code != http.StatusOK {
			t.Fatalf("delete status = %d: %s", w.Code, w.Body.String())
		}
	}

	if got := env.mr.HGet("player:9:stats:202410", cache.FieldTotalValue); got != "300" {
		t.Errorf("partition total_value = %q, want 300", got)
	}
	if got := env.mr.HGet("player:9:items:202410", "100:quantity"); got != "1" {
		t.Errorf("item quantity = %q, want 1", got)
	}
	if ttl := env.mr.TTL("player:9:stats:202410"); ttl <= 0 {
		t.Errorf("partition ttl = %v, want > 0", ttl)
	}
	for _, key := range []string{"player:9:stats:202411", "player:9:items:202411"} {
		if env.mr.Exists(key) {
			t.Errorf("%s should be gone once its only drop is deleted", key)
		}
	}

	w := env.do(t, http.MethodGet, "/api/rankings?partition=202410", "")
	var resp RankingsResponse
	decodeBody(t, w, &resp)
	if len(resp.Rankings) != 1 || resp.Rankings[0] != (ranking.Entry{PlayerID: 9, TotalValue: 300}) {
		t.Errorf("partition rankings = %+v", resp.Rankings)
	}
}

func TestRankings(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ts := time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC)

	_, err := env.db.InsertDrops(ctx, 1, []models.DropEvent{{PlayerID: 1, ItemID: 1, Value: 1000, Quantity: 1, Timestamp: ts}})
	if err != nil {
		t.Fatalf("InsertDrops: %v", err)
	}
	_, err = env.db.InsertDrops(ctx, 2, []models.DropEvent{{PlayerID: 2, ItemID: 1, Value: 1000, Quantity: 1, Timestamp: ts}})
	if err != nil {
		t.Fatalf("InsertDrops: %v", err)
	}
	_, err = env.db.InsertDrops(ctx, 3, []models.DropEvent{{PlayerID: 3, ItemID: 1, Value: 10, Quantity: 1, Timestamp: ts}})
	if err != nil {
		t.Fatalf("InsertDrops: %v", err)
	}

	w := env.do(t, http.MethodGet, "/api/rankings", "")
	if w.Code != http.StatusOK {
		t.Fatalf("rankings status = %d: %s", w.Code, w.Body.String())
	}
	var resp RankingsResponse
	decodeBody(t, w, &resp)
	want := []ranking.Entry{{PlayerID: 1, TotalValue: 1000}, {PlayerID: 2, TotalValue: 1000}, {PlayerID: 3, TotalValue: 10}}
	if resp.TotalPlayers != 3 || len(resp.Rankings) != 3 {
		t.Fatalf("rankings = %+v", resp)
	}
	for i := range want {
		if resp.Rankings[i] != want[i] {
			t.Errorf("rankings[%d] = %+v, want %+v", i, resp.Rankings[i], want[i])
		}
	}

	w = env.do(t, http.MethodGet, "/api/players/3/rank", "")
	var rank ranking.Rank
	decodeBody(t, w, &rank)
	if rank != (ranking.Rank{Position: 3, Value: 10, TotalPlayers: 3}) {
		t.Errorf("rank = %+v", rank)
	}

	w = env.do(t, http.MethodGet, "/api/rankings?partition=202411", "")
	decodeBody(t, w, &resp)
	if resp.Partition != "202411" || resp.Rankings[0].TotalValue != 0 {
		t.Errorf("empty partition ranking = %+v", resp)
	}
}

func TestInvalidateAndRebuild(t *testing.T) {
	env := newTestEnv(t)
	ts := time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC)
	_, err := env.db.InsertDrops(context.Background(), 7, []models.DropEvent{{PlayerID: 7, ItemID: 1, Value: 40, Quantity: 1, Timestamp: ts}})
	if err != nil {
		t.Fatalf("InsertDrops: %v", err)
	}

	if w := env.do(t, http.MethodPost, "/api/players/7/rebuild", ""); w.Code != http.StatusOK {
		t.Fatalf("rebuild status = %d: %s", w.Code, w.Body.String())
	}
	if !env.mr.Exists("player:7:stats:202410") {
		t.Fatal("rebuild should populate the partition")
	}

	if w := env.do(t, http.MethodPost, "/api/players/7/invalidate", ""); w.Code != http.StatusOK {
		t.Fatalf("invalidate status = %d", w.Code)
	}
	if env.mr.Exists("player:7:total") || !env.mr.Exists("player:7:stats:202410") {
		t.Error("lifetime-only invalidate should keep partition entries")
	}

	if w := env.do(t, http.MethodPost, "/api/players/7/invalidate?partition=202410", ""); w.Code != http.StatusOK {
		t.Fatalf("invalidate status = %d", w.Code)
	}
	if env.mr.Exists("player:7:stats:202410") {
		t.Error("partition invalidate should remove partition entries")
	}
}

func TestErrorMapping(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"bad partition", http.MethodGet, "/api/players/1/stats?partition=2024-10", "", http.StatusBadRequest},
		{"bad player id", http.MethodGet, "/api/players/abc/stats", "", http.StatusBadRequest},
		{"malformed json", http.MethodPost, "/api/drops", `{"item_id":`, http.StatusBadRequest},
		{"missing field", http.MethodPost, "/api/drops", `{"player_id":1,"value":1,"quantity":1}`, http.StatusBadRequest},
		{"unknown source", http.MethodPost, "/api/drops", `{"item_id":1,"player_id":1,"source":"Nobody","value":1,"quantity":1}`, http.StatusBadRequest},
		{"unknown drop", http.MethodDelete, "/api/drops/999", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := env.do(t, tt.method, tt.path, tt.body); w.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestStatsUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.mr.Close()

	w := env.do(t, http.MethodGet, "/api/players/1/stats", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp ErrorResponse
	decodeBody(t, w, &resp)
	if resp.Error != "stats temporarily unavailable" {
		t.Errorf("error = %q", resp.Error)
	}

	w = env.do(t, http.MethodGet, "/health", "")
	var health HealthResponse
	decodeBody(t, w, &health)
	if health.Status != "degraded" || health.Redis {
		t.Errorf("health = %+v", health)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	drop := `{"item_id":1,"player_id":9,"value":5,"quantity":1}`
	for i := 0; i < 2; i++ {
		env.do(t, http.MethodPost, "/api/drops", drop)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var health HealthResponse
	decodeBody(t, w, &health)
	if health.Status != "healthy" || !health.Redis {
		t.Errorf("health = %+v", health)
	}
	if health.Batcher.Persisted != 2 {
		t.Errorf("batcher = %+v", health.Batcher)
	}
	if health.Metrics["drops"].Total != 2 {
		t.Errorf("metrics = %+v", health.Metrics)
	}
}

func TestWebSocketRelaysUpdates(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go env.ws.RunHub(ctx)
	sub := env.client.Subscribe(ctx, cache.UpdatesChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	go env.ws.Relay(ctx, sub)

	srv := httptest.NewServer(env.router)
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteJSON(map[string]interface{}{"type": "subscribe", "player_id": 4}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var ack map[string]interface{}
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack["type"] != "subscribed" {
		t.Fatalf("ack = %v", ack)
	}

	drop := `{"item_id":1,"player_id":4,"value":250,"quantity":1}`
	for i := 0; i < 2; i++ {
		if w := env.do(t, http.MethodPost, "/api/drops", drop); w.Code != http.StatusAccepted {
			t.Fatalf("submit status = %d", w.Code)
		}
	}

	var update cache.Update
	if err := conn.ReadJSON(&update); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if update.Action != "stats_updated" || update.PlayerID != 4 || update.TotalValue != 500 || update.TotalDrops != 2 {
		t.Errorf("update = %+v", update)
	}
}
