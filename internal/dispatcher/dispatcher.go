// Package dispatcher はイベントから導出された通知のファンアウトと配信を管理する。
//
// 1つのイベントから導出された複数チャネルの配信は、固定サイズのワーカー
// プール上で互いに独立して実行される。あるチャネルの失敗や遅延が他の
// チャネルの配信を妨げることはない。一時的な失敗は指数バックオフと
// ジッターでリトライされ、上限を超えた通知はデッドレターへ移される。
package dispatcher

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/nao1215/taskhub/internal/channel"
	"github.com/nao1215/taskhub/internal/store"
	"github.com/nao1215/taskhub/pkg/event"
	"github.com/nao1215/taskhub/pkg/metrics"
)

// Derived は1つのイベントから導出された、1人の宛先に対する通知の素。
// どのチャネルで配信するかはイベント種類ごとのハンドラが決定する。
type Derived struct {
	// RecipientID は通知先のユーザーID。
	RecipientID string
	// Channels は配信するチャネルの一覧。
	Channels []channel.Channel
	// Title は通知のタイトル。
	Title string
	// Body は通知の本文。
	Body string
}

// AlertFunc はデッドレター発生時に運用者へ通報するためのフック。
// 1つの通知につき一度だけ呼び出される。
type AlertFunc func(n *store.Notification)

// Config はディスパッチャの動作設定。
type Config struct {
	// MaxAttempts は通知1件あたりの最大配信試行回数。
	MaxAttempts int
	// BaseDelay はリトライ間隔の基準値。試行回数に応じて指数的に増加する。
	BaseDelay time.Duration
	// MaxDelay はリトライ間隔の上限。
	MaxDelay time.Duration
	// Workers は配信ワーカープールのワーカー数。
	Workers int
	// StaleAfter は配信処理中（sending）のまま更新が止まった通知を
	// 放置とみなして回収するまでの時間。クラッシュした別インスタンスの
	// 仕掛かりを引き継ぐための閾値であり、配信タイムアウトより
	// 十分長くする必要がある。
	StaleAfter time.Duration
	// Alert はデッドレター発生時の通報フック。nilの場合はログのみ。
	Alert AlertFunc
}

// Dispatcher は通知のファンアウトと配信を管理する。
type Dispatcher struct {
	// store は通知の永続化層。
	store *store.Store
	// adapters はチャネルごとの配信アダプタ。
	adapters map[channel.Channel]channel.Adapter
	// metrics は運用メトリクス。
	metrics *metrics.Metrics
	// cfg は動作設定。
	cfg Config
	// sem は同時配信数を制限するセマフォ。
	// 全イベント・全チャネルで共有され、下流プロバイダーへの
	// 同時リクエスト数の上限となる。
	sem chan struct{}
}

// New は新しいディスパッチャを生成する。
func New(s *store.Store, adapters []channel.Adapter, m *metrics.Metrics, cfg Config) *Dispatcher {
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}

	byChannel := make(map[channel.Channel]channel.Adapter, len(adapters))
	for _, a := range adapters {
		byChannel[a.Channel()] = a
	}

	return &Dispatcher{
		store:    s,
		adapters: byChannel,
		metrics:  m,
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.Workers),
	}
}

// Dispatch は導出された通知を永続化し、チャネルごとに並行配信する。
// すべてのチャネルの結果（成功・リトライ予約・デッドレター）が揃うまで
// ブロックする。戻り値のエラーは永続化の失敗のみであり、個々のチャネルの
// 配信失敗はリトライ機構に委ねられエラーとしては返らない。
//
// 通知の作成は (event_id, recipient_id, channel) をキーとした冪等な
// upsertであるため、同一イベントの再配信で重複通知は作られない。
func (d *Dispatcher) Dispatch(ctx context.Context, e *event.Event, derived []Derived) error {
	var pending []*store.Notification
	for _, dv := range derived {
		for _, ch := range dv.Channels {
			n, created, err := d.store.UpsertNotification(ctx, e.ID, dv.RecipientID, string(ch), dv.Title, dv.Body)
			if err != nil {
				return err
			}
			if !created {
				// 再配信で到達した処理済み・処理中の通知には手を出さない
				if n.Status != store.StatusPending {
					continue
				}
				// リトライ予約済みの通知はスケジュールを守る
				if n.NextRetryAt.Valid && n.NextRetryAt.Time.After(time.Now().UTC()) {
					continue
				}
			}
			pending = append(pending, n)
		}
	}

	var wg sync.WaitGroup
	for _, n := range pending {
		n := n
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.sem <- struct{}{}
			defer func() { <-d.sem }()
			d.deliver(ctx, n)
		}()
	}
	wg.Wait()
	return nil
}

// RunRetryLoop はリトライ期限を過ぎた通知を定期的に再配信するループを
// 起動する。ctxの終了まで稼働し続ける。
func (d *Dispatcher) RunRetryLoop(ctx context.Context, interval time.Duration, batchSize int) {
	log.Printf("[Dispatcher] リトライループを開始します。間隔: %v", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Dispatcher] リトライループを停止します")
			return
		case <-ticker.C:
			d.retryDue(ctx, batchSize)
		}
	}
}

// retryDue は放置された配信処理中の通知を回収した上で、リトライ期限を
// 過ぎた通知を取得し、並行して再配信する。
func (d *Dispatcher) retryDue(ctx context.Context, batchSize int) {
	reclaimed, err := d.store.ReclaimStaleSending(ctx, time.Now().UTC().Add(-d.cfg.StaleAfter))
	if err != nil {
		log.Printf("[Dispatcher] 放置された配信処理中通知の回収エラー: %v", err)
	} else if reclaimed > 0 {
		log.Printf("[Dispatcher] 放置された配信処理中通知を回収しました: count=%d", reclaimed)
	}

	due, err := d.store.ListDueRetries(ctx, time.Now().UTC(), batchSize)
	if err != nil {
		log.Printf("[Dispatcher] リトライ対象の取得エラー: %v", err)
		return
	}

	var wg sync.WaitGroup
	for i := range due {
		n := &due[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.sem <- struct{}{}
			defer func() { <-d.sem }()
			d.deliver(ctx, n)
		}()
	}
	wg.Wait()
}

// deliver は1件の通知を配信し、結果に応じて状態を遷移させる。
// 状態遷移はすべて比較交換方式であり、複数のコンシューマインスタンスが
// 同じ通知を同時に処理しても最終状態は収束する。
func (d *Dispatcher) deliver(ctx context.Context, n *store.Notification) {
	claimed, err := d.store.ClaimForSending(ctx, n.ID)
	if err != nil {
		log.Printf("[Dispatcher] 配信中遷移エラー: notification_id=%s, error=%v", n.ID, err)
		return
	}
	if !claimed {
		// 別のワーカーが処理中か、既に終端状態に到達している
		return
	}

	ch := channel.Channel(n.Channel)
	adapter, ok := d.adapters[ch]
	if !ok {
		log.Printf("[Dispatcher] アダプタ未登録のチャネルです: channel=%s, notification_id=%s", n.Channel, n.ID)
		d.scheduleOrDeadLetter(ctx, n)
		return
	}

	if err := adapter.Send(ctx, n.RecipientID, n.Title, n.Body); err != nil {
		if channel.IsPermanent(err) {
			log.Printf("[Dispatcher] 恒久的な配信エラー: notification_id=%s, error=%v", n.ID, err)
			d.deadLetter(ctx, n, true)
			return
		}
		log.Printf("[Dispatcher] 一時的な配信エラー: notification_id=%s, attempt=%d, error=%v", n.ID, n.AttemptCount+1, err)
		d.scheduleOrDeadLetter(ctx, n)
		return
	}

	if err := d.store.MarkDelivered(ctx, n.ID); err != nil {
		log.Printf("[Dispatcher] 配信成功遷移エラー: notification_id=%s, error=%v", n.ID, err)
		return
	}
	d.metrics.NotificationsDelivered.WithLabelValues(n.Channel).Inc()
}

// scheduleOrDeadLetter は一時的な失敗の後、リトライ予算が残っていれば
// 次回リトライを予約し、尽きていればデッドレターへ移す。
func (d *Dispatcher) scheduleOrDeadLetter(ctx context.Context, n *store.Notification) {
	attempt := int(n.AttemptCount) + 1
	if attempt >= d.cfg.MaxAttempts {
		d.deadLetter(ctx, n, true)
		return
	}

	next := time.Now().UTC().Add(backoffDelay(d.cfg.BaseDelay, d.cfg.MaxDelay, attempt))
	if err := d.store.ScheduleRetry(ctx, n.ID, next); err != nil {
		log.Printf("[Dispatcher] リトライ予約エラー: notification_id=%s, error=%v", n.ID, err)
	}
}

// deadLetter は通知をデッドレターへ移し、初回の遷移時のみアラートを発報する。
func (d *Dispatcher) deadLetter(ctx context.Context, n *store.Notification, countAttempt bool) {
	moved, err := d.store.MarkDeadLettered(ctx, n.ID, countAttempt)
	if err != nil {
		log.Printf("[Dispatcher] デッドレター遷移エラー: notification_id=%s, error=%v", n.ID, err)
		return
	}
	if !moved {
		return
	}

	d.metrics.NotificationsDeadLettered.Inc()
	log.Printf("[Dispatcher] 通知をデッドレターへ移しました: notification_id=%s, event_id=%s, channel=%s",
		n.ID, n.EventID, n.Channel)

	if d.cfg.Alert != nil {
		dead, err := d.store.GetNotificationByID(ctx, n.ID)
		if err != nil {
			dead = n
		}
		d.cfg.Alert(dead)
	}
}

// backoffDelay は試行回数に応じた指数バックオフにジッターを加えた
// 待ち時間を計算する。複数の通知が同時に失敗した場合にリトライが
// 一斉に集中することを避ける。
func backoffDelay(base, limit time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= limit {
			delay = limit
			break
		}
	}
	// ±25%のジッター
	jitter := time.Duration(rand.Int63n(int64(delay)/2+1)) - delay/4
	return delay + jitter
}
