package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/talkincode/wagate/config"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	fail  error
	media int
}

func (f *fakeSender) SendText(ctx context.Context, to, content string, typing time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, content)
	return nil
}

func (f *fakeSender) SendMedia(ctx context.Context, to string, payload []byte, mediaType, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.media++
	return nil
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeProvider struct {
	mu      sync.Mutex
	devices map[string]Device
}

func (f *fakeProvider) Device(id string) (Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dev, found := f.devices[id]
	if !found {
		return Device{}, errors.New("unknown device")
	}
	return dev, nil
}

type fakeRecorder struct {
	mu     sync.Mutex
	sent   int
	failed int
}

func (f *fakeRecorder) RecordSent(deviceID string, elapsed time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent++
}

func (f *fakeRecorder) RecordFailed(deviceID string, sendErr error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed++
}

func (f *fakeRecorder) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent, f.failed
}

type fakeGate struct {
	safe   bool
	reason string
}

func (f *fakeGate) SafeToSend(ctx context.Context, deviceID string) (bool, string) {
	return f.safe, f.reason
}

func testConfig() config.QueueConfig {
	cfg := config.Default().Queue
	cfg.MinDelayMs = 0
	cfg.MaxDelayMs = 0
	cfg.RetryDelayMs = 0
	cfg.TypingDelay = false
	return cfg
}

func newTestService(t *testing.T, cfg config.QueueConfig, sender *fakeSender) (*Service, *redis.Client, *fakeRecorder) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	provider := &fakeProvider{devices: map[string]Device{
		"dev1": {Ready: true, Sender: sender},
	}}
	recorder := &fakeRecorder{}
	svc, err := New(cfg, rdb, provider, recorder, nil, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(svc.pool.Release)
	return svc, rdb, recorder
}

func TestEnqueueSchedulesWithinDelayRange(t *testing.T) {
	cfg := testConfig()
	cfg.MinDelayMs = 1000
	cfg.MaxDelayMs = 10000
	svc, _, _ := newTestService(t, cfg, &fakeSender{})

	ctx := context.Background()
	before := time.Now().UnixMilli()
	id, err := svc.Enqueue(ctx, EnqueueRequest{DeviceID: "dev1", To: "628123", Content: "hello"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if id == "" {
		t.Fatal("expected a message id")
	}

	st, err := svc.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Pending != 1 || st.Processing != 0 {
		t.Fatalf("unexpected status %+v", st)
	}

	raw, err := svc.rdb.ZRange(ctx, keySchedule, 0, -1).Result()
	if err != nil || len(raw) != 1 {
		t.Fatalf("schedule scan: %v, %d members", err, len(raw))
	}
	var msg QueuedMessage
	if err := json.Unmarshal([]byte(raw[0]), &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.DelayMs < 1000 || msg.DelayMs > 10000 {
		t.Fatalf("delay %dms outside configured range", msg.DelayMs)
	}
	if msg.ScheduledAt < before+1000 {
		t.Fatalf("scheduled_at %d earlier than minimum delay", msg.ScheduledAt)
	}
	if msg.Attempts != 0 || msg.MaxAttempts != cfg.MaxAttempts {
		t.Fatalf("unexpected attempt fields %+v", msg)
	}
}

func TestEnqueueValidation(t *testing.T) {
	svc, _, _ := newTestService(t, testConfig(), &fakeSender{})
	ctx := context.Background()

	tests := []struct {
		name string
		req  EnqueueRequest
	}{
		{"missing device", EnqueueRequest{To: "628123", Content: "x"}},
		{"missing recipient", EnqueueRequest{DeviceID: "dev1", Content: "x"}},
		{"unknown kind", EnqueueRequest{DeviceID: "dev1", To: "628123", Kind: "video"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Enqueue(ctx, tc.req); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestCalculateDelayPacing(t *testing.T) {
	cfg := testConfig()
	cfg.MinDelayMs = 1000
	cfg.MaxDelayMs = 10000
	svc, rdb, _ := newTestService(t, cfg, &fakeSender{})
	ctx := context.Background()

	tests := []struct {
		name  string
		setup func(t *testing.T)
		lo    int64
		hi    int64
	}{
		{
			name:  "idle device uses default range",
			setup: func(t *testing.T) {},
			lo:    1000, hi: 10000,
		},
		{
			name: "recent send pushes to high end",
			setup: func(t *testing.T) {
				if err := rdb.Set(ctx, keyLastSend("dev1"), time.Now().UnixMilli(), time.Minute).Err(); err != nil {
					t.Fatal(err)
				}
			},
			lo: 8000, hi: 10000,
		},
		{
			name: "at per-minute capacity",
			setup: func(t *testing.T) {
				if err := rdb.Set(ctx, keyRate("dev1"), cfg.MessagesPerMinute, time.Minute).Err(); err != nil {
					t.Fatal(err)
				}
			},
			lo: 6000, hi: 10000,
		},
		{
			name: "over burst limit",
			setup: func(t *testing.T) {
				if err := rdb.Set(ctx, keyRate("dev1"), cfg.BurstLimit, time.Minute).Err(); err != nil {
					t.Fatal(err)
				}
			},
			lo: 2000, hi: 7000,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rdb.Del(ctx, keyRate("dev1"), keyLastSend("dev1"))
			tc.setup(t)
			for i := 0; i < 20; i++ {
				d := svc.calculateDelay(ctx, "dev1").Milliseconds()
				if d < tc.lo || d > tc.hi {
					t.Fatalf("delay %dms outside [%d, %d]", d, tc.lo, tc.hi)
				}
			}
		})
	}
}

func TestProcessOnceDeliversDueMessage(t *testing.T) {
	sender := &fakeSender{}
	svc, rdb, recorder := newTestService(t, testConfig(), sender)
	ctx := context.Background()

	if _, err := svc.Enqueue(ctx, EnqueueRequest{DeviceID: "dev1", To: "628123", Content: "hi"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	svc.ProcessOnce(ctx)

	if got := sender.sentCount(); got != 1 {
		t.Fatalf("sent %d messages, want 1", got)
	}
	sent, failed := recorder.counts()
	if sent != 1 || failed != 0 {
		t.Fatalf("recorder sent=%d failed=%d", sent, failed)
	}

	st, err := svc.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.TotalQueued != 0 {
		t.Fatalf("queue not drained: %+v", st)
	}

	// The send must advance the device's rate counter and last-send marker.
	if n, err := rdb.Get(ctx, keyRate("dev1")).Int(); err != nil || n != 1 {
		t.Fatalf("rate counter = %d, err %v", n, err)
	}
	if _, err := rdb.Get(ctx, keyLastSend("dev1")).Int64(); err != nil {
		t.Fatalf("last-send marker missing: %v", err)
	}
}

func TestProcessOnceNotDueYet(t *testing.T) {
	cfg := testConfig()
	cfg.MinDelayMs = 60000
	cfg.MaxDelayMs = 60000
	sender := &fakeSender{}
	svc, _, _ := newTestService(t, cfg, sender)
	ctx := context.Background()

	if _, err := svc.Enqueue(ctx, EnqueueRequest{DeviceID: "dev1", To: "628123", Content: "later"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	svc.ProcessOnce(ctx)

	if got := sender.sentCount(); got != 0 {
		t.Fatalf("sent %d messages before due time", got)
	}
	st, _ := svc.Status(ctx)
	if st.Pending != 1 {
		t.Fatalf("message lost: %+v", st)
	}
}

func TestRetryExhaustionDropsMessage(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 3
	sender := &fakeSender{fail: errors.New("send refused")}
	svc, _, recorder := newTestService(t, cfg, sender)
	ctx := context.Background()

	if _, err := svc.Enqueue(ctx, EnqueueRequest{DeviceID: "dev1", To: "628123", Content: "doomed"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Zero retry delay makes every reschedule immediately due again.
	for i := 0; i < cfg.MaxAttempts; i++ {
		svc.ProcessOnce(ctx)
	}

	_, failed := recorder.counts()
	if failed != cfg.MaxAttempts {
		t.Fatalf("recorded %d failures, want %d", failed, cfg.MaxAttempts)
	}
	st, _ := svc.Status(ctx)
	if st.TotalQueued != 0 {
		t.Fatalf("exhausted message still queued: %+v", st)
	}
}

func TestDeviceNotReadyDefersWithoutAttempt(t *testing.T) {
	sender := &fakeSender{}
	svc, _, recorder := newTestService(t, testConfig(), sender)
	svc.devices = &fakeProvider{devices: map[string]Device{
		"dev1": {Ready: false},
	}}
	ctx := context.Background()

	if _, err := svc.Enqueue(ctx, EnqueueRequest{DeviceID: "dev1", To: "628123", Content: "wait"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	before := time.Now().UnixMilli()
	svc.ProcessOnce(ctx)

	sent, failed := recorder.counts()
	if sent != 0 || failed != 0 {
		t.Fatalf("deferral must not touch the recorder: sent=%d failed=%d", sent, failed)
	}

	raw, err := svc.rdb.ZRange(ctx, keySchedule, 0, -1).Result()
	if err != nil || len(raw) != 1 {
		t.Fatalf("deferred message missing: %v, %d members", err, len(raw))
	}
	var msg QueuedMessage
	if err := json.Unmarshal([]byte(raw[0]), &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Attempts != 0 {
		t.Fatalf("deferral consumed an attempt: %d", msg.Attempts)
	}
	if msg.ScheduledAt < before+notReadyDefer.Milliseconds() {
		t.Fatalf("deferred message due too soon: %d", msg.ScheduledAt)
	}
}

func TestSafetyGateDefersWithoutAttempt(t *testing.T) {
	sender := &fakeSender{}
	svc, _, recorder := newTestService(t, testConfig(), sender)
	svc.gate = &fakeGate{safe: false, reason: "Message rate too high"}
	ctx := context.Background()

	if _, err := svc.Enqueue(ctx, EnqueueRequest{DeviceID: "dev1", To: "628123", Content: "hold"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	svc.ProcessOnce(ctx)

	if got := sender.sentCount(); got != 0 {
		t.Fatalf("unsafe device still sent %d messages", got)
	}
	sent, failed := recorder.counts()
	if sent != 0 || failed != 0 {
		t.Fatalf("gated deferral must not touch the recorder: sent=%d failed=%d", sent, failed)
	}
	st, _ := svc.Status(ctx)
	if st.Pending != 1 {
		t.Fatalf("gated message lost: %+v", st)
	}
}

func TestMediaMessageDelivery(t *testing.T) {
	sender := &fakeSender{}
	svc, _, _ := newTestService(t, testConfig(), sender)
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, EnqueueRequest{
		DeviceID:     "dev1",
		To:           "628123",
		Kind:         KindMedia,
		Content:      "caption",
		MediaPayload: "aGVsbG8=",
		MediaType:    "image/png",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	svc.ProcessOnce(ctx)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if sender.media != 1 {
		t.Fatalf("media sends = %d, want 1", sender.media)
	}
}

func TestReclaimRequeuesStaleInflight(t *testing.T) {
	cfg := testConfig()
	cfg.ReclaimTimeoutMs = 1000
	svc, rdb, _ := newTestService(t, cfg, &fakeSender{})
	ctx := context.Background()

	stale := &QueuedMessage{ID: "m1", DeviceID: "dev1", To: "628123", Kind: KindText, MaxAttempts: 3}
	payload, _ := json.Marshal(inflightEntry{
		Message:  stale,
		MarkedAt: time.Now().UnixMilli() - 5000,
	})
	if err := rdb.HSet(ctx, keyInflight, stale.ID, payload).Err(); err != nil {
		t.Fatal(err)
	}

	svc.ReclaimOnce(ctx)

	if n, _ := rdb.HLen(ctx, keyInflight).Result(); n != 0 {
		t.Fatalf("stale marker not removed: %d", n)
	}
	st, _ := svc.Status(ctx)
	if st.Pending != 1 {
		t.Fatalf("reclaimed message not rescheduled: %+v", st)
	}
}

func TestReclaimLeavesFreshInflight(t *testing.T) {
	cfg := testConfig()
	cfg.ReclaimTimeoutMs = 60000
	svc, rdb, _ := newTestService(t, cfg, &fakeSender{})
	ctx := context.Background()

	fresh := &QueuedMessage{ID: "m2", DeviceID: "dev1", To: "628123", Kind: KindText, MaxAttempts: 3}
	payload, _ := json.Marshal(inflightEntry{
		Message:  fresh,
		MarkedAt: time.Now().UnixMilli(),
	})
	if err := rdb.HSet(ctx, keyInflight, fresh.ID, payload).Err(); err != nil {
		t.Fatal(err)
	}

	svc.ReclaimOnce(ctx)

	if n, _ := rdb.HLen(ctx, keyInflight).Result(); n != 1 {
		t.Fatalf("fresh in-flight entry reclaimed early: %d remain", n)
	}
}

func TestDeviceStatusCountsOwnMessages(t *testing.T) {
	cfg := testConfig()
	cfg.MinDelayMs = 60000
	cfg.MaxDelayMs = 60000
	svc, _, _ := newTestService(t, cfg, &fakeSender{})
	svc.devices = &fakeProvider{devices: map[string]Device{
		"dev1": {Ready: true, Sender: &fakeSender{}},
		"dev2": {Ready: true, Sender: &fakeSender{}},
	}}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := svc.Enqueue(ctx, EnqueueRequest{DeviceID: "dev1", To: "628123", Content: "a"}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := svc.Enqueue(ctx, EnqueueRequest{DeviceID: "dev2", To: "628456", Content: "b"}); err != nil {
		t.Fatal(err)
	}

	st, err := svc.DeviceStatus(ctx, "dev1")
	if err != nil {
		t.Fatalf("DeviceStatus: %v", err)
	}
	if st.QueuedMessages != 2 {
		t.Fatalf("dev1 queued = %d, want 2", st.QueuedMessages)
	}
}

func TestClearIsIdempotent(t *testing.T) {
	cfg := testConfig()
	cfg.MinDelayMs = 60000
	cfg.MaxDelayMs = 60000
	svc, _, _ := newTestService(t, cfg, &fakeSender{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.Enqueue(ctx, EnqueueRequest{DeviceID: "dev1", To: "628123", Content: "x"}); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := svc.Clear(ctx)
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if removed != 3 {
		t.Fatalf("removed %d, want 3", removed)
	}

	removed, err = svc.Clear(ctx)
	if err != nil {
		t.Fatalf("second Clear: %v", err)
	}
	if removed != 0 {
		t.Fatalf("second Clear removed %d, want 0", removed)
	}
}

func TestTypingDelayBounds(t *testing.T) {
	tests := []struct {
		content string
		want    time.Duration
	}{
		{"", 0},
		{"hi", 100 * time.Millisecond},
		{"a message of forty characters exactly!!!", 2 * time.Second},
		{string(make([]byte, 200)), 3 * time.Second},
	}
	for _, tc := range tests {
		if got := typingDelay(tc.content); got != tc.want {
			t.Errorf("typingDelay(%d chars) = %v, want %v", len(tc.content), got, tc.want)
		}
	}
}
