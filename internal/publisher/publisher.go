// Package publisher は検証済みイベントのストリームへの発行を提供する。
//
// 発行はfail-closedであり、スキーマ検証に失敗したイベントは決して
// ストリームに入らない。ストリーム側の一時的な障害は呼び出し元に
// 波及させず、限定回数の指数バックオフで吸収する。
package publisher

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nao1215/taskhub/pkg/event"
	"github.com/nao1215/taskhub/pkg/metrics"
	"github.com/nao1215/taskhub/pkg/stream"
)

// TransportError はストリームへの追記がリトライ込みで失敗したことを表す。
// 検証エラーと区別することで、呼び出し元は「イベント自体が不正」なのか
// 「ストリームが不調」なのかを判別できる。
type TransportError struct {
	// Attempts は失敗までに行った試行回数。
	Attempts int
	// Err は最後の試行のエラー。
	Err error
}

// Error はエラーメッセージを返す。
func (e *TransportError) Error() string {
	return fmt.Sprintf("ストリームへの追記に失敗（%d回試行）: %v", e.Attempts, e.Err)
}

// Unwrap はラップされたエラーを返す。
func (e *TransportError) Unwrap() error { return e.Err }

// Publisher は検証済みイベントをストリームへ発行する。
type Publisher struct {
	// stream は発行先のイベントストリーム。
	stream stream.Stream
	// registry は発行前の検証に使うスキーマレジストリ。
	registry *event.Registry
	// metrics は運用メトリクス。
	metrics *metrics.Metrics
	// maxAttempts は追記の最大試行回数。
	maxAttempts int
	// baseDelay はリトライ間隔の基準値。
	baseDelay time.Duration
}

// New は新しいPublisherを生成する。
func New(st stream.Stream, registry *event.Registry, m *metrics.Metrics, maxAttempts int, baseDelay time.Duration) *Publisher {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Publisher{
		stream:      st,
		registry:    registry,
		metrics:     m,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
	}
}

// Publish はイベントを検証し、task_idをパーティションキーとして
// ストリームへ追記する。検証エラーの場合は*event.ValidationErrorを、
// 追記がリトライ込みで失敗した場合は*TransportErrorを返す。
func (p *Publisher) Publish(ctx context.Context, e *event.Event) (*stream.Record, error) {
	if err := p.registry.ValidateEvent(e); err != nil {
		return nil, err
	}

	payload, err := event.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("イベントのシリアライズに失敗: %w", err)
	}

	var lastErr error
	delay := p.baseDelay
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		rec, err := p.stream.Append(ctx, e.TaskID, payload)
		if err == nil {
			p.metrics.EventsPublished.Inc()
			return rec, nil
		}
		lastErr = err
		log.Printf("[Publisher] ストリームへの追記エラー: event_id=%s, attempt=%d, error=%v", e.ID, attempt, err)

		if attempt == p.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, &TransportError{Attempts: attempt, Err: ctx.Err()}
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, &TransportError{Attempts: p.maxAttempts, Err: lastErr}
}
