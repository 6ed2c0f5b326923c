package database

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// maxBackoffExponent は指数バックオフの指数上限。
// 2^5倍を超えて増やさず、その先はmaxDelayで頭打ちにする。
const maxBackoffExponent = 5

// Pinger はデータベースの到達性確認に必要なインターフェース。
// *sql.DBが満たす。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// MonitorConfig はMonitorの設定。
type MonitorConfig struct {
	BaseDelay      time.Duration // 再試行の初回遅延
	MaxDelay       time.Duration // 再試行遅延の上限
	HealthInterval time.Duration // 接続中の再確認間隔
	PingTimeout    time.Duration // 1回のPingのタイムアウト
}

// Monitor はデータベースの到達性を監視し、可用性ゲートを提供する。
// 接続失敗時は無限に指数バックオフで再試行し、プロセスを終了させない。
type Monitor struct {
	db        Pinger
	config    MonitorConfig
	logger    *slog.Logger
	available atomic.Bool

	// onChange は可用性が変化したときに呼ばれる（メトリクス用、nil可）。
	onChange func(available bool)
}

// NewMonitor はMonitorを生成する。初期状態は利用不可。
func NewMonitor(db Pinger, config MonitorConfig, logger *slog.Logger) *Monitor {
	if config.BaseDelay <= 0 {
		config.BaseDelay = time.Second
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.HealthInterval <= 0 {
		config.HealthInterval = 5 * time.Second
	}
	if config.PingTimeout <= 0 {
		config.PingTimeout = 3 * time.Second
	}
	return &Monitor{db: db, config: config, logger: logger}
}

// OnChange は可用性変化時のコールバックを設定する。Start前に呼ぶこと。
func (m *Monitor) OnChange(fn func(available bool)) {
	m.onChange = fn
}

// Available はストアが現在利用可能かどうかを返す。
func (m *Monitor) Available() bool {
	return m.available.Load()
}

// CalculateBackoff は連続失敗回数に基づいて再接続までの遅延を計算する。
// base * 2^min(attempt, 5) をmaxで頭打ちにする。
func CalculateBackoff(attempt int, base, max time.Duration) time.Duration {
	if attempt > maxBackoffExponent {
		attempt = maxBackoffExponent
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// Start はコンテキストがキャンセルされるまで到達性の監視を続ける。
// ブロッキングで動作するため、goroutineで呼び出すこと。
func (m *Monitor) Start(ctx context.Context) {
	attempt := 0
	for {
		err := m.check(ctx)

		var wait time.Duration
		if err != nil {
			wait = CalculateBackoff(attempt, m.config.BaseDelay, m.config.MaxDelay)
			m.logger.Error("database connection error",
				slog.String("error", err.Error()),
				slog.Int("attempt", attempt+1),
				slog.Duration("retry_in", wait),
			)
			attempt++
		} else {
			attempt = 0
			wait = m.config.HealthInterval
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// CheckOnce は1回だけ到達性を確認し、状態を更新する。
func (m *Monitor) CheckOnce(ctx context.Context) error {
	return m.check(ctx)
}

func (m *Monitor) check(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, m.config.PingTimeout)
	defer cancel()

	err := m.db.PingContext(pingCtx)
	m.setAvailable(err == nil)
	return err
}

func (m *Monitor) setAvailable(ok bool) {
	prev := m.available.Swap(ok)
	if prev == ok {
		return
	}
	if ok {
		m.logger.Info("database connected")
	} else {
		m.logger.Warn("database became unavailable")
	}
	if m.onChange != nil {
		m.onChange(ok)
	}
}
