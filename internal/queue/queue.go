package queue

import (
	"context"
	"encoding/base64"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/talkincode/wagate/config"
	"github.com/talkincode/wagate/internal/store"
	"github.com/talkincode/wagate/pkg/metrics"
	"go.uber.org/zap"
)

const (
	keySchedulePrefix = "wa:queue:"
	keySchedule       = keySchedulePrefix + "schedule"
	keyInflight       = keySchedulePrefix + "inflight"
	keyLock           = keySchedulePrefix + "lock"

	// recentSendWindow is the gap under which a new enqueue is considered
	// bursty and pushed toward the high end of the delay range.
	recentSendWindow = 30 * time.Second
	// notReadyDefer is applied when the owning device is not connected or a
	// safety verdict denies the send; it never consumes a retry attempt.
	notReadyDefer = 30 * time.Second
	rateWindow    = 60 * time.Second
)

func keyRate(deviceID string) string     { return keySchedulePrefix + "rate:" + deviceID }
func keyLastSend(deviceID string) string { return keySchedulePrefix + "lastsend:" + deviceID }

type inflightEntry struct {
	Message  *QueuedMessage `json:"message"`
	MarkedAt int64          `json:"marked_at"`
}

// Service is the delivery queue. One instance per process; construct it
// explicitly and inject it where needed.
type Service struct {
	cfg      config.QueueConfig
	rdb      *redis.Client
	devices  DeviceProvider
	activity ActivityRecorder
	gate     SafetyGate
	node     *snowflake.Node
	pool     *ants.Pool
	lock     *store.Lock

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates the delivery queue service. activity must not be nil; gate may
// be nil to disable the pre-send circuit breaker.
func New(cfg config.QueueConfig, rdb *redis.Client, devices DeviceProvider,
	activity ActivityRecorder, gate SafetyGate, workerID int64) (*Service, error) {
	node, err := snowflake.NewNode(workerID % 1024)
	if err != nil {
		return nil, errors.Wrap(err, "queue: snowflake node")
	}
	workers := cfg.SendWorkers
	if workers <= 0 {
		workers = 5
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, errors.Wrap(err, "queue: worker pool")
	}
	return &Service{
		cfg:      cfg,
		rdb:      rdb,
		devices:  devices,
		activity: activity,
		gate:     gate,
		node:     node,
		pool:     pool,
		lock:     store.NewLock(rdb, keyLock, 3*cfg.ProcessInterval()),
		stop:     make(chan struct{}),
	}, nil
}

// Enqueue schedules a message and returns its id immediately. It fails only
// when the schedule write itself fails; device readiness is checked at send
// time, not here.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if req.DeviceID == "" || req.To == "" {
		return "", errors.New("queue: device_id and to are required")
	}
	if req.Kind == "" {
		req.Kind = KindText
	}
	if req.Kind != KindText && req.Kind != KindMedia {
		return "", errors.Errorf("queue: unknown message kind %q", req.Kind)
	}
	if req.Priority == "" {
		req.Priority = PriorityNormal
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.MaxAttempts
	}

	delay := s.calculateDelay(ctx, req.DeviceID)
	now := time.Now().UnixMilli()
	msg := &QueuedMessage{
		ID:           s.node.Generate().String(),
		DeviceID:     req.DeviceID,
		To:           req.To,
		Kind:         req.Kind,
		Content:      req.Content,
		MediaPayload: req.MediaPayload,
		MediaType:    req.MediaType,
		Priority:     req.Priority,
		ScheduledAt:  now + delay.Milliseconds(),
		Attempts:     0,
		MaxAttempts:  maxAttempts,
		CreatedAt:    now,
		DelayMs:      delay.Milliseconds(),
	}
	if err := s.schedule(ctx, msg); err != nil {
		return "", err
	}
	zap.L().Debug("queue: message scheduled",
		zap.String("id", msg.ID),
		zap.String("device_id", msg.DeviceID),
		zap.Int64("delay_ms", msg.DelayMs))
	return msg.ID, nil
}

func (s *Service) schedule(ctx context.Context, msg *QueuedMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "queue: encode message")
	}
	if err := s.rdb.ZAdd(ctx, keySchedule, redis.Z{
		Score:  float64(msg.ScheduledAt),
		Member: payload,
	}).Err(); err != nil {
		return errors.Wrap(err, "queue: schedule write")
	}
	return nil
}

// calculateDelay picks a randomized delay based on the device's recent send
// activity. Store failures fall back to the uniform default range so pacing
// never blocks or fails the enqueue path.
func (s *Service) calculateDelay(ctx context.Context, deviceID string) time.Duration {
	minD := s.cfg.MinDelay()
	maxD := s.cfg.MaxDelay()

	last, err := s.rdb.Get(ctx, keyLastSend(deviceID)).Int64()
	if err != nil && err != redis.Nil {
		zap.L().Warn("queue: last-send lookup failed, using default pacing", zap.Error(err))
		return randBetween(minD, maxD)
	}
	if err == nil && time.Since(time.UnixMilli(last)) < recentSendWindow {
		return randBetween(fraction(maxD, 0.8), maxD)
	}

	count, err := s.rdb.Get(ctx, keyRate(deviceID)).Int()
	if err != nil && err != redis.Nil {
		zap.L().Warn("queue: rate lookup failed, using default pacing", zap.Error(err))
		return randBetween(minD, maxD)
	}
	switch {
	case count >= s.cfg.MessagesPerMinute:
		return randBetween(fraction(maxD, 0.6), maxD)
	case count >= s.cfg.BurstLimit:
		return randBetween(2*minD, fraction(maxD, 0.7))
	default:
		return randBetween(minD, maxD)
	}
}

func fraction(d time.Duration, f float64) time.Duration {
	return time.Duration(float64(d) * f)
}

func randBetween(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)+1))
}

// Start launches the processing loop and the in-flight reclaim sweep. Stop()
// drains the tick in progress before returning.
func (s *Service) Start(ctx context.Context) {
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.ProcessInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.ProcessOnce(ctx)
			}
		}
	}()
	go func() {
		defer s.wg.Done()
		interval := s.cfg.ReclaimTimeout() / 2
		if interval <= 0 {
			interval = 30 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.ReclaimOnce(ctx)
			}
		}
	}()
	zap.L().Info("queue: delivery loop started",
		zap.Duration("interval", s.cfg.ProcessInterval()),
		zap.Int("batch_size", s.cfg.BatchSize))
}

// Stop terminates the loops and releases the send worker pool.
func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
	s.pool.Release()
	zap.L().Info("queue: delivery loop stopped")
}

// ProcessOnce pops one batch of due messages and dispatches them. Exported so
// callers (and tests) can drive the queue without the timer.
func (s *Service) ProcessOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			zap.S().Error("queue: tick panic: ", r)
		}
	}()

	ok, err := s.lock.Acquire(ctx)
	if err != nil {
		zap.L().Warn("queue: tick lock acquire failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	defer func() { _ = s.lock.Release(ctx) }()

	now := time.Now().UnixMilli()
	batch := s.cfg.BatchSize
	if batch <= 0 {
		batch = 5
	}
	members, err := s.rdb.ZRangeByScore(ctx, keySchedule, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now, 10),
		Count: int64(batch),
	}).Result()
	if err != nil {
		zap.L().Warn("queue: due-message fetch failed", zap.Error(err))
		return
	}

	var wg sync.WaitGroup
	for _, raw := range members {
		removed, err := s.rdb.ZRem(ctx, keySchedule, raw).Result()
		if err != nil || removed == 0 {
			continue
		}
		msg := new(QueuedMessage)
		if err := json.Unmarshal([]byte(raw), msg); err != nil {
			zap.L().Error("queue: dropping undecodable message", zap.Error(err))
			continue
		}

		dev, err := s.devices.Device(msg.DeviceID)
		if err != nil || !dev.Ready {
			s.deferMessage(ctx, msg, now)
			continue
		}
		if s.gate != nil {
			if safe, reason := s.gate.SafeToSend(ctx, msg.DeviceID); !safe {
				zap.L().Debug("queue: send blocked by safety verdict",
					zap.String("id", msg.ID),
					zap.String("device_id", msg.DeviceID),
					zap.String("reason", reason))
				s.deferMessage(ctx, msg, now)
				continue
			}
		}

		if err := s.markInflight(ctx, msg, now); err != nil {
			// Without a durable marker the message could be lost mid-send;
			// put it back and try again next tick.
			zap.L().Warn("queue: in-flight mark failed", zap.Error(err), zap.String("id", msg.ID))
			msg.ScheduledAt = now
			_ = s.schedule(ctx, msg)
			continue
		}

		m := msg
		sender := dev.Sender
		wg.Add(1)
		task := func() {
			defer wg.Done()
			s.send(ctx, sender, m)
		}
		if err := s.pool.Submit(task); err != nil {
			task()
		}
	}
	wg.Wait()
}

// deferMessage reschedules without touching the attempt counter.
func (s *Service) deferMessage(ctx context.Context, msg *QueuedMessage, now int64) {
	msg.ScheduledAt = now + notReadyDefer.Milliseconds()
	if err := s.schedule(ctx, msg); err != nil {
		zap.L().Error("queue: deferral reschedule failed", zap.Error(err), zap.String("id", msg.ID))
		return
	}
	zap.L().Debug("queue: message deferred, device not ready",
		zap.String("id", msg.ID),
		zap.String("device_id", msg.DeviceID))
}

func (s *Service) markInflight(ctx context.Context, msg *QueuedMessage, now int64) error {
	payload, err := json.Marshal(inflightEntry{Message: msg, MarkedAt: now})
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, keyInflight, msg.ID, payload).Err()
}

func (s *Service) send(ctx context.Context, sender Sender, msg *QueuedMessage) {
	start := time.Now()
	var err error
	switch msg.Kind {
	case KindText:
		var typing time.Duration
		if s.cfg.TypingDelay {
			typing = typingDelay(msg.Content)
		}
		err = sender.SendText(ctx, msg.To, msg.Content, typing)
	case KindMedia:
		var data []byte
		data, err = base64.StdEncoding.DecodeString(msg.MediaPayload)
		if err == nil {
			err = sender.SendMedia(ctx, msg.To, data, msg.MediaType, msg.Content)
		}
	}

	if err == nil {
		s.recordSuccess(ctx, msg, time.Since(start))
		return
	}
	s.recordFailure(ctx, msg, err)
}

func (s *Service) recordSuccess(ctx context.Context, msg *QueuedMessage, elapsed time.Duration) {
	now := time.Now().UnixMilli()
	if err := s.rdb.Set(ctx, keyLastSend(msg.DeviceID), now, 24*time.Hour).Err(); err != nil {
		zap.L().Warn("queue: last-send update failed", zap.Error(err))
	}
	if n, err := s.rdb.Incr(ctx, keyRate(msg.DeviceID)).Result(); err != nil {
		zap.L().Warn("queue: rate counter incr failed", zap.Error(err))
	} else if n == 1 {
		_ = s.rdb.Expire(ctx, keyRate(msg.DeviceID), rateWindow).Err()
	}
	_ = s.rdb.HDel(ctx, keyInflight, msg.ID).Err()

	s.activity.RecordSent(msg.DeviceID, elapsed)
	metrics.Incr("wagate_messages_sent", 1)
	zap.L().Info("queue: message sent",
		zap.String("id", msg.ID),
		zap.String("device_id", msg.DeviceID),
		zap.Duration("elapsed", elapsed))
}

func (s *Service) recordFailure(ctx context.Context, msg *QueuedMessage, sendErr error) {
	_ = s.rdb.HDel(ctx, keyInflight, msg.ID).Err()
	s.activity.RecordFailed(msg.DeviceID, sendErr)
	metrics.Incr("wagate_messages_failed", 1)

	msg.Attempts++
	if msg.Attempts < msg.MaxAttempts {
		msg.ScheduledAt = time.Now().UnixMilli() + s.cfg.RetryDelay().Milliseconds()*int64(msg.Attempts)
		if err := s.schedule(ctx, msg); err != nil {
			zap.L().Error("queue: retry reschedule failed", zap.Error(err), zap.String("id", msg.ID))
			return
		}
		zap.L().Warn("queue: send failed, retrying",
			zap.String("id", msg.ID),
			zap.String("device_id", msg.DeviceID),
			zap.Int("attempt", msg.Attempts),
			zap.Int("max_attempts", msg.MaxAttempts),
			zap.Error(sendErr))
		return
	}
	// Fire-and-forget contract: exhausted messages surface only here.
	zap.L().Error("queue: message dropped after exhausting attempts",
		zap.String("id", msg.ID),
		zap.String("device_id", msg.DeviceID),
		zap.String("to", msg.To),
		zap.Error(sendErr))
	metrics.Incr("wagate_messages_dropped", 1)
}

// ReclaimOnce requeues in-flight entries older than the reclaim timeout. A
// crash between marking and completion leaves such an orphan; requeueing it
// keeps delivery at-least-once. It does not consume an attempt.
func (s *Service) ReclaimOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			zap.S().Error("queue: reclaim panic: ", r)
		}
	}()

	entries, err := s.rdb.HGetAll(ctx, keyInflight).Result()
	if err != nil {
		zap.L().Warn("queue: in-flight scan failed", zap.Error(err))
		return
	}
	now := time.Now().UnixMilli()
	cutoff := s.cfg.ReclaimTimeout().Milliseconds()
	for id, raw := range entries {
		var entry inflightEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil || entry.Message == nil {
			_ = s.rdb.HDel(ctx, keyInflight, id).Err()
			continue
		}
		if now-entry.MarkedAt < cutoff {
			continue
		}
		_ = s.rdb.HDel(ctx, keyInflight, id).Err()
		entry.Message.ScheduledAt = now
		if err := s.schedule(ctx, entry.Message); err != nil {
			zap.L().Error("queue: reclaim reschedule failed", zap.Error(err), zap.String("id", id))
			continue
		}
		zap.L().Warn("queue: reclaimed stale in-flight message",
			zap.String("id", id),
			zap.String("device_id", entry.Message.DeviceID))
	}
}

// Status returns approximate queue depth counters.
func (s *Service) Status(ctx context.Context) (QueueStatus, error) {
	pending, err := s.rdb.ZCard(ctx, keySchedule).Result()
	if err != nil {
		return QueueStatus{}, errors.Wrap(err, "queue: pending count")
	}
	processing, err := s.rdb.HLen(ctx, keyInflight).Result()
	if err != nil {
		return QueueStatus{}, errors.Wrap(err, "queue: processing count")
	}
	return QueueStatus{
		Pending:     pending,
		Processing:  processing,
		TotalQueued: pending + processing,
	}, nil
}

// DeviceStatus reports the device's 60-second send count, last-send time and
// its own queued-message count.
func (s *Service) DeviceStatus(ctx context.Context, deviceID string) (DeviceStatus, error) {
	var st DeviceStatus
	count, err := s.rdb.Get(ctx, keyRate(deviceID)).Int()
	if err != nil && err != redis.Nil {
		return st, errors.Wrap(err, "queue: rate read")
	}
	st.MessagesInLast60s = count

	last, err := s.rdb.Get(ctx, keyLastSend(deviceID)).Int64()
	if err != nil && err != redis.Nil {
		return st, errors.Wrap(err, "queue: last-send read")
	}
	st.LastMessageTime = last

	members, err := s.rdb.ZRange(ctx, keySchedule, 0, -1).Result()
	if err != nil {
		return st, errors.Wrap(err, "queue: schedule scan")
	}
	for _, raw := range members {
		var msg QueuedMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			continue
		}
		if msg.DeviceID == deviceID {
			st.QueuedMessages++
		}
	}
	return st, nil
}

// Clear empties the schedule and the in-flight marker set and returns the
// number of messages removed. Operational reset only.
func (s *Service) Clear(ctx context.Context) (int64, error) {
	pending, err := s.rdb.ZCard(ctx, keySchedule).Result()
	if err != nil {
		return 0, errors.Wrap(err, "queue: clear pending count")
	}
	processing, err := s.rdb.HLen(ctx, keyInflight).Result()
	if err != nil {
		return 0, errors.Wrap(err, "queue: clear processing count")
	}
	if err := s.rdb.Del(ctx, keySchedule, keyInflight).Err(); err != nil {
		return 0, errors.Wrap(err, "queue: clear")
	}
	removed := pending + processing
	zap.L().Info("queue: cleared", zap.Int64("removed", removed))
	return removed, nil
}
