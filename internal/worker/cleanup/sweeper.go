// Package cleanup はアイドル状態のブラウザセッションを定期的に破棄するジョブを提供する。
// 破棄されるのはメモリ上のControllerのみで、IdPのトークンはTokenStoreに残るため
// 次のアクセスで同じセッションを再開できる。
package cleanup

import (
	"context"
	"log/slog"
	"time"
)

// Evictor は一定時間アクセスのないセッションを破棄する。session.Registryが実装する。
type Evictor interface {
	EvictIdle(maxIdle time.Duration) int
}

// SessionSweeper はアイドルセッションの掃除ジョブ。
type SessionSweeper struct {
	evictor     Evictor
	logger      *slog.Logger
	IdleTimeout time.Duration // この時間アクセスのないセッションを破棄する（デフォルト: 30分）
}

// NewSessionSweeper は新しいSessionSweeperを生成する。
func NewSessionSweeper(evictor Evictor, logger *slog.Logger) *SessionSweeper {
	return &SessionSweeper{
		evictor:     evictor,
		logger:      logger,
		IdleTimeout: 30 * time.Minute,
	}
}

// Run は1回分の掃除を行い、破棄した数を返す。
// 冪等: 対象がない場合は何もしない。
func (s *SessionSweeper) Run() int {
	start := time.Now()
	evicted := s.evictor.EvictIdle(s.IdleTimeout)

	if evicted > 0 {
		s.logger.Info("アイドルセッションを破棄しました",
			slog.Int("evicted_count", evicted),
			slog.Duration("idle_timeout", s.IdleTimeout),
			slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
		)
	}
	return evicted
}

// Start はinterval間隔でRunを繰り返す。ctxが終了するまで戻らない。
func (s *SessionSweeper) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("セッション掃除ジョブを開始します",
		slog.Duration("interval", interval),
		slog.Duration("idle_timeout", s.IdleTimeout),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("セッション掃除ジョブを停止しました")
			return
		case <-ticker.C:
			s.Run()
		}
	}
}
