// Package router はストリームからイベントを読み出し、検証・重複排除を経て
// 通知のディスパッチへ橋渡しするコンシューマを提供する。
//
// パーティションごとに1つのゴルーチンが順番にレコードを処理するため、
// 同一タスクのイベントは発生順に処理される。配信はat-least-onceであり、
// 処理済みイベント台帳による重複排除で実質的な二重処理を防ぐ。
package router

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/nao1215/taskhub/internal/dispatcher"
	"github.com/nao1215/taskhub/internal/store"
	"github.com/nao1215/taskhub/pkg/event"
	"github.com/nao1215/taskhub/pkg/metrics"
	"github.com/nao1215/taskhub/pkg/stream"
)

// Router はコンシューマグループとしてストリームを購読し、イベントを
// 通知ディスパッチャへ振り分ける。
type Router struct {
	// stream は購読対象のイベントストリーム。
	stream stream.Stream
	// store は処理済みイベント台帳を持つ永続化層。
	store *store.Store
	// registry はイベントの検証に使うスキーマレジストリ。
	registry *event.Registry
	// dispatcher は導出された通知の配信先。
	dispatcher *dispatcher.Dispatcher
	// handlers はイベント種類ごとの通知導出ルール。
	handlers map[event.Kind]HandlerFunc
	// metrics は運用メトリクス。
	metrics *metrics.Metrics
	// group はこのルーターが属するコンシューマグループ名。
	group string
}

// New は新しいルーターを生成する。
func New(st stream.Stream, s *store.Store, registry *event.Registry, d *dispatcher.Dispatcher, handlers map[event.Kind]HandlerFunc, m *metrics.Metrics, group string) *Router {
	return &Router{
		stream:     st,
		store:      s,
		registry:   registry,
		dispatcher: d,
		handlers:   handlers,
		metrics:    m,
		group:      group,
	}
}

// Run はパーティションごとの消費ゴルーチンと遅延計測ゴルーチンを起動し、
// ctxの終了まで稼働する。すべてのゴルーチンの終了を待ってから戻る。
func (r *Router) Run(ctx context.Context, pollInterval time.Duration, batchSize int) {
	log.Printf("[Router] 消費を開始します。group=%s, partitions=%d, 間隔=%v",
		r.group, r.stream.Partitions(), pollInterval)

	var wg sync.WaitGroup
	for p := 0; p < r.stream.Partitions(); p++ {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.consumePartition(ctx, p, pollInterval, batchSize)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.updateLag(ctx, pollInterval)
	}()

	wg.Wait()
	log.Printf("[Router] 消費を停止しました。group=%s", r.group)
}

// consumePartition は1つのパーティションを定期的にポーリングして処理する。
func (r *Router) consumePartition(ctx context.Context, partition int, pollInterval time.Duration, batchSize int) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.drainPartition(ctx, partition, batchSize)
		}
	}
}

// drainPartition は未コミットのレコードを順番に処理し、成功した位置まで
// コミットを進める。途中で処理に失敗した場合はそこで止め、失敗した
// レコード以降は次回のポーリングで再配信させる。
func (r *Router) drainPartition(ctx context.Context, partition int, batchSize int) {
	records, err := r.stream.Fetch(ctx, r.group, partition, batchSize)
	if err != nil {
		log.Printf("[Router] レコードの読み出しエラー: partition=%d, error=%v", partition, err)
		return
	}

	for i := range records {
		rec := &records[i]
		if err := r.process(ctx, rec); err != nil {
			log.Printf("[Router] イベント処理エラー（再配信されます）: partition=%d, offset=%d, error=%v",
				rec.Partition, rec.Offset, err)
			return
		}
		if err := r.stream.Commit(ctx, r.group, rec.Partition, rec.Offset); err != nil {
			log.Printf("[Router] オフセットのコミットエラー: partition=%d, offset=%d, error=%v",
				rec.Partition, rec.Offset, err)
			return
		}
	}
}

// process は1件のレコードを検証・重複排除し、通知へ変換して配信する。
// エラーを返した場合、呼び出し側はコミットを進めず再配信を待つ。
// 検証エラー・未知のイベント種類は毒レコードとして読み飛ばす（nilを返す）。
func (r *Router) process(ctx context.Context, rec *stream.Record) error {
	e, err := r.registry.Validate(rec.Payload)
	if err != nil {
		var verr *event.ValidationError
		if errors.As(err, &verr) {
			// 不正なレコードはリトライしても成功しないため読み飛ばす
			log.Printf("[Router] 不正なイベントを読み飛ばします: partition=%d, offset=%d, error=%v",
				rec.Partition, rec.Offset, err)
			return nil
		}
		return err
	}

	processed, err := r.store.IsEventProcessed(ctx, r.group, e.ID)
	if err != nil {
		return err
	}
	if processed {
		r.metrics.DuplicatesSkipped.Inc()
		return nil
	}

	handler, ok := r.handlers[e.Kind]
	if !ok {
		// 新しいイベント種類が先行デプロイされた場合に消費を止めない
		log.Printf("[Router] ハンドラ未登録のイベント種類を読み飛ばします: kind=%s, event_id=%s", e.Kind, e.ID)
		return nil
	}

	derived, err := handler(e)
	if err != nil {
		log.Printf("[Router] ペイロードの解釈に失敗したため読み飛ばします: kind=%s, event_id=%s, error=%v",
			e.Kind, e.ID, err)
		return nil
	}

	if err := r.dispatcher.Dispatch(ctx, e, derived); err != nil {
		return err
	}

	if err := r.store.MarkEventProcessed(ctx, r.group, e.ID); err != nil {
		return err
	}
	r.metrics.EventsProcessed.Inc()
	return nil
}

// updateLag はコンシューマ遅延のゲージを定期的に更新する。
func (r *Router) updateLag(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lag, err := r.stream.Lag(ctx, r.group)
			if err != nil {
				log.Printf("[Router] 遅延の計測エラー: %v", err)
				continue
			}
			r.metrics.ConsumerLag.Set(float64(lag))
		}
	}
}
