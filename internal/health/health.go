package health

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/talkincode/wagate/config"
	"github.com/talkincode/wagate/internal/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	keyPrefix  = "wa:health:"
	keyDevices = keyPrefix + "devices"
)

func keyActivity(deviceID string) string { return keyPrefix + "activity:" + deviceID }
func keySnapshot(deviceID string) string { return keyPrefix + "snapshot:" + deviceID }
func keyWarmup(deviceID string) string   { return keyPrefix + "warmup:" + deviceID }

type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
	// StatusBlocked is reserved for operator intervention; the scoring
	// function never assigns it.
	StatusBlocked Status = "blocked"
)

// Metrics are derived over two rolling windows: one hour for velocity, 24
// hours for reliability.
type Metrics struct {
	MessagesPerHour    int     `json:"messages_per_hour"`
	SuccessRate        float64 `json:"success_rate"`
	AvgResponseTimeMs  int64   `json:"avg_response_time_ms"`
	DisconnectionCount int     `json:"disconnection_count"`
	LastActivity       int64   `json:"last_activity"`
	WarmupPhase        bool    `json:"warmup_phase"`
}

// DeviceHealth is a derived, recomputed snapshot; status is a pure function
// of score plus metric thresholds and is never set independently.
type DeviceHealth struct {
	DeviceID    string   `json:"device_id"`
	Status      Status   `json:"status"`
	Score       int      `json:"score"`
	Metrics     Metrics  `json:"metrics"`
	Warnings    []string `json:"warnings"`
	LastUpdated int64    `json:"last_updated"`
}

// Readiness reports whether a device's connection is in the ready state.
type Readiness interface {
	DeviceReady(id string) bool
}

// Engine is the health scoring engine. One instance per process, explicitly
// constructed and injected.
type Engine struct {
	cfg       config.HealthConfig
	rdb       *redis.Client
	db        *gorm.DB // optional snapshot mirror, may be nil
	readiness Readiness

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(cfg config.HealthConfig, rdb *redis.Client, db *gorm.DB, readiness Readiness) *Engine {
	return &Engine{
		cfg:       cfg,
		rdb:       rdb,
		db:        db,
		readiness: readiness,
		stop:      make(chan struct{}),
	}
}

// Start launches the periodic sweep that recomputes every registered device,
// bounding staleness of gating data to one sweep interval.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.cfg.SweepInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stop:
				return
			case <-ticker.C:
				e.SweepOnce(ctx)
			}
		}
	}()
	zap.L().Info("health: sweep started", zap.Duration("interval", e.cfg.SweepInterval()))
}

func (e *Engine) Stop() {
	close(e.stop)
	e.wg.Wait()
	zap.L().Info("health: sweep stopped")
}

// SweepOnce recomputes health for every registered device.
func (e *Engine) SweepOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			zap.S().Error("health: sweep panic: ", r)
		}
	}()
	devices, err := e.rdb.SMembers(ctx, keyDevices).Result()
	if err != nil {
		zap.L().Warn("health: device enumeration failed", zap.Error(err))
		return
	}
	for _, id := range devices {
		if _, err := e.UpdateDeviceHealth(ctx, id); err != nil {
			zap.L().Warn("health: sweep recompute failed",
				zap.String("device_id", id), zap.Error(err))
		}
	}
}

// UpdateDeviceHealth recomputes the device's metrics, score and status from
// its activity log and persists the snapshot.
func (e *Engine) UpdateDeviceHealth(ctx context.Context, deviceID string) (*DeviceHealth, error) {
	entries := e.loadActivity(ctx, deviceID)
	now := time.Now().UnixMilli()

	m := deriveMetrics(entries, now)
	m.WarmupPhase = e.inWarmup(ctx, deviceID)

	ready := e.readiness == nil || e.readiness.DeviceReady(deviceID)
	score := computeScore(m, now)
	status, warnings := computeStatus(ready, score, m)

	h := &DeviceHealth{
		DeviceID:    deviceID,
		Status:      status,
		Score:       score,
		Metrics:     m,
		Warnings:    warnings,
		LastUpdated: now,
	}

	payload, err := json.Marshal(h)
	if err != nil {
		return nil, errors.Wrap(err, "health: encode snapshot")
	}
	if err := e.rdb.Set(ctx, keySnapshot(deviceID), payload, 0).Err(); err != nil {
		return nil, errors.Wrap(err, "health: persist snapshot")
	}
	_ = e.rdb.SAdd(ctx, keyDevices, deviceID).Err()
	e.mirrorSnapshot(h)
	return h, nil
}

func deriveMetrics(entries []Entry, now int64) Metrics {
	const (
		hourMs = int64(time.Hour / time.Millisecond)
		dayMs  = 24 * hourMs
	)
	var m Metrics
	var msgTotal, msgOK int
	var samples []float64

	for _, entry := range entries {
		age := now - entry.Timestamp
		isMessage := entry.Action == ActionMessageSent || entry.Action == ActionMessageFailed
		if isMessage && age <= hourMs {
			m.MessagesPerHour++
		}
		if age <= dayMs {
			if isMessage {
				msgTotal++
				if entry.Success {
					msgOK++
				}
				if entry.ResponseTimeMs > 0 {
					samples = append(samples, float64(entry.ResponseTimeMs))
				}
			}
			if entry.Action == ActionDisconnected {
				m.DisconnectionCount++
			}
		}
		if entry.Timestamp > m.LastActivity {
			m.LastActivity = entry.Timestamp
		}
	}

	// A fresh device carries no penalty.
	m.SuccessRate = 100
	if msgTotal > 0 {
		m.SuccessRate = float64(msgOK) / float64(msgTotal) * 100
	}
	if len(samples) > 0 {
		if mean, err := stats.Mean(samples); err == nil {
			m.AvgResponseTimeMs = int64(mean)
		}
	}
	return m
}

func computeScore(m Metrics, now int64) int {
	score := 100.0
	if m.MessagesPerHour > 20 {
		score -= float64(m.MessagesPerHour-20) * 2
	}
	score = score * m.SuccessRate / 100
	if m.AvgResponseTimeMs > 5000 {
		penalty := float64(m.AvgResponseTimeMs-5000) / 5000 * 20
		if penalty > 20 {
			penalty = 20
		}
		score -= penalty
	}
	score -= float64(m.DisconnectionCount) * 10
	if m.LastActivity == 0 || now-m.LastActivity > int64(time.Hour/time.Millisecond) {
		score -= 15
	}
	if m.WarmupPhase {
		score += 10
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return int(math.Round(score))
}

func computeStatus(ready bool, score int, m Metrics) (Status, []string) {
	var warnings []string
	if m.MessagesPerHour > 30 {
		warnings = append(warnings, "High message rate detected")
	}
	if m.SuccessRate < 80 {
		warnings = append(warnings, "Low success rate")
	}
	if m.DisconnectionCount > 3 {
		warnings = append(warnings, "Frequent disconnections detected")
	}
	if m.AvgResponseTimeMs > 10000 {
		warnings = append(warnings, "Slow response times")
	}

	status := StatusHealthy
	if score < 60 || len(warnings) > 0 {
		status = StatusWarning
	}
	if score < 30 {
		status = StatusCritical
	}
	if !ready {
		// Not-ready always forces critical regardless of score.
		status = StatusCritical
		warnings = append(warnings, "Device is not connected")
	}
	return status, warnings
}

func (e *Engine) inWarmup(ctx context.Context, deviceID string) bool {
	n, err := e.rdb.Exists(ctx, keyWarmup(deviceID)).Result()
	if err != nil {
		zap.L().Warn("health: warmup lookup failed", zap.Error(err))
		return false
	}
	return n > 0
}

// StartWarmup marks the device's warmup window; the marker expires on its own.
func (e *Engine) StartWarmup(ctx context.Context, deviceID string) error {
	if err := e.rdb.Set(ctx, keyWarmup(deviceID), 1, e.cfg.WarmupDuration()).Err(); err != nil {
		return errors.Wrap(err, "health: warmup marker")
	}
	_ = e.rdb.SAdd(ctx, keyDevices, deviceID).Err()
	zap.L().Info("health: warmup started",
		zap.String("device_id", deviceID),
		zap.Duration("duration", e.cfg.WarmupDuration()))
	return nil
}

// DeviceHealth returns the latest snapshot, computing one on demand when none
// exists yet.
func (e *Engine) DeviceHealth(ctx context.Context, deviceID string) (*DeviceHealth, error) {
	raw, err := e.rdb.Get(ctx, keySnapshot(deviceID)).Result()
	if err == redis.Nil {
		return e.UpdateDeviceHealth(ctx, deviceID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "health: snapshot read")
	}
	h := new(DeviceHealth)
	if err := json.Unmarshal([]byte(raw), h); err != nil {
		return nil, errors.Wrap(err, "health: snapshot decode")
	}
	return h, nil
}

// AllDeviceHealth returns snapshots for every registered device.
func (e *Engine) AllDeviceHealth(ctx context.Context) ([]*DeviceHealth, error) {
	devices, err := e.rdb.SMembers(ctx, keyDevices).Result()
	if err != nil {
		return nil, errors.Wrap(err, "health: device enumeration")
	}
	out := make([]*DeviceHealth, 0, len(devices))
	for _, id := range devices {
		h, err := e.DeviceHealth(ctx, id)
		if err != nil {
			zap.L().Warn("health: snapshot load failed",
				zap.String("device_id", id), zap.Error(err))
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

// DevicesNeedingAttention returns devices in warning or critical status.
func (e *Engine) DevicesNeedingAttention(ctx context.Context) ([]*DeviceHealth, error) {
	all, err := e.AllDeviceHealth(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*DeviceHealth, 0, len(all))
	for _, h := range all {
		if h.Status == StatusWarning || h.Status == StatusCritical {
			out = append(out, h)
		}
	}
	return out, nil
}

// SafeToSend is the pre-send circuit breaker. It is stricter than the status
// thresholds alone and reads only the persisted snapshot.
func (e *Engine) SafeToSend(ctx context.Context, deviceID string) (bool, string) {
	raw, err := e.rdb.Get(ctx, keySnapshot(deviceID)).Result()
	if err == redis.Nil {
		return false, "No health data available"
	}
	if err != nil {
		zap.L().Warn("health: safety snapshot read failed", zap.Error(err))
		return false, "Health data unavailable"
	}
	h := new(DeviceHealth)
	if err := json.Unmarshal([]byte(raw), h); err != nil {
		return false, "Health data unavailable"
	}
	switch {
	case h.Status == StatusCritical:
		return false, "Device health is critical"
	case h.Metrics.MessagesPerHour > 25:
		return false, "Message rate too high"
	case h.Metrics.SuccessRate < 70:
		return false, "Success rate too low"
	}
	return true, ""
}

// RecommendedDelay is a coarse pacing signal for callers that bypass the
// delivery queue for one-off sends.
func (e *Engine) RecommendedDelay(ctx context.Context, deviceID string) time.Duration {
	base := 2000.0
	h, err := e.DeviceHealth(ctx, deviceID)
	if err == nil {
		switch {
		case h.Score < 50:
			base *= 3
		case h.Score < 70:
			base *= 2
		}
		if h.Metrics.MessagesPerHour > 15 {
			base *= 1.5
		}
		if h.Metrics.WarmupPhase {
			base *= 0.7
		}
	}
	jitter := 0.8 + rand.Float64()*0.4
	return time.Duration(base*jitter) * time.Millisecond
}

func (e *Engine) mirrorSnapshot(h *DeviceHealth) {
	if e.db == nil {
		return
	}
	row := domain.WhatsAppDeviceHealth{
		DeviceID:           h.DeviceID,
		Status:             string(h.Status),
		Score:              h.Score,
		MessagesPerHour:    h.Metrics.MessagesPerHour,
		SuccessRate:        h.Metrics.SuccessRate,
		AvgResponseTimeMs:  h.Metrics.AvgResponseTimeMs,
		DisconnectionCount: h.Metrics.DisconnectionCount,
		WarmupPhase:        h.Metrics.WarmupPhase,
		Warnings:           strings.Join(h.Warnings, "\n"),
		LastActivity:       h.Metrics.LastActivity,
		UpdatedAt:          time.Now(),
	}
	if err := e.db.Save(&row).Error; err != nil {
		zap.L().Warn("health: snapshot mirror failed",
			zap.String("device_id", h.DeviceID), zap.Error(err))
	}
}
