package dispatcher

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nao1215/taskhub/internal/channel"
	"github.com/nao1215/taskhub/internal/store"
	"github.com/nao1215/taskhub/pkg/event"
	"github.com/nao1215/taskhub/pkg/metrics"
)

// mockAdapter はテスト用の配信アダプタ。sendFnの結果をそのまま返す。
type mockAdapter struct {
	// ch は担当チャネル。
	ch channel.Channel
	// sendFn は配信結果を決定する関数。
	sendFn func(recipientID string) error
	// calls は呼び出し回数。
	calls atomic.Int64
}

// Channel は担当チャネルを返す。
func (m *mockAdapter) Channel() channel.Channel { return m.ch }

// Send はsendFnの結果を返す。
func (m *mockAdapter) Send(_ context.Context, recipientID, _, _ string) error {
	m.calls.Add(1)
	if m.sendFn == nil {
		return nil
	}
	return m.sendFn(recipientID)
}

// setupTestStore はテスト用の通知ストアを構築する。
func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "notification.db"))
	if err != nil {
		t.Fatalf("テスト用ストアの構築に失敗: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// testEvent はテスト用のTaskAssignedイベントを生成する。
func testEvent(t *testing.T) *event.Event {
	t.Helper()
	e, err := event.New("task-1", event.KindTaskAssigned, "owner-1", 1, event.TaskAssignedData{
		AssignerID: "owner-1",
		AssigneeID: "user-2",
		TaskTitle:  "レビュー対応",
	})
	if err != nil {
		t.Fatalf("テスト用イベントの生成に失敗: %v", err)
	}
	return e
}

// findByChannel は通知一覧から指定チャネルの通知を返すヘルパー関数。
func findByChannel(t *testing.T, notifications []store.Notification, ch channel.Channel) *store.Notification {
	t.Helper()
	for i := range notifications {
		if notifications[i].Channel == string(ch) {
			return &notifications[i]
		}
	}
	t.Fatalf("チャネル %s の通知が見つかりません", ch)
	return nil
}

// TestDispatcher_Dispatch_ChannelIsolation はチャネルごとの失敗分離を検証する。
// SMSが一時的エラーを返しても、メールとプッシュ通知は独立して配信成功する。
func TestDispatcher_Dispatch_ChannelIsolation(t *testing.T) {
	t.Parallel()

	s := setupTestStore(t)
	adapters := []channel.Adapter{
		&mockAdapter{ch: channel.ChannelEmail},
		&mockAdapter{ch: channel.ChannelSMS, sendFn: func(string) error {
			return channel.NewTransient(channel.ChannelSMS, errors.New("プロバイダー過負荷"))
		}},
		&mockAdapter{ch: channel.ChannelPush},
	}
	d := New(s, adapters, metrics.New(), Config{MaxAttempts: 5, BaseDelay: time.Second, Workers: 4})

	e := testEvent(t)
	derived := []Derived{{
		RecipientID: "user-2",
		Channels:    []channel.Channel{channel.ChannelEmail, channel.ChannelSMS, channel.ChannelPush},
		Title:       "タスクが割り当てられました",
		Body:        "「レビュー対応」があなたに割り当てられました",
	}}

	if err := d.Dispatch(context.Background(), e, derived); err != nil {
		t.Fatalf("ディスパッチに失敗: %v", err)
	}

	notifications, err := s.ListByRecipient(context.Background(), "user-2")
	if err != nil {
		t.Fatalf("通知一覧の取得に失敗: %v", err)
	}
	if len(notifications) != 3 {
		t.Fatalf("通知件数 = %d, want 3", len(notifications))
	}

	email := findByChannel(t, notifications, channel.ChannelEmail)
	if email.Status != store.StatusDelivered {
		t.Errorf("email Status = %q, want %q", email.Status, store.StatusDelivered)
	}
	push := findByChannel(t, notifications, channel.ChannelPush)
	if push.Status != store.StatusDelivered {
		t.Errorf("push Status = %q, want %q", push.Status, store.StatusDelivered)
	}

	sms := findByChannel(t, notifications, channel.ChannelSMS)
	if sms.Status != store.StatusPending {
		t.Errorf("sms Status = %q, want %q", sms.Status, store.StatusPending)
	}
	if !sms.NextRetryAt.Valid {
		t.Fatal("sms NextRetryAtが設定されていません")
	}
	if !sms.NextRetryAt.Time.After(time.Now().UTC()) {
		t.Errorf("sms NextRetryAt = %v が未来ではありません", sms.NextRetryAt.Time)
	}
	if sms.AttemptCount != 1 {
		t.Errorf("sms AttemptCount = %d, want 1", sms.AttemptCount)
	}
}

// TestDispatcher_Dispatch_PermanentError は恒久的エラーの通知が
// リトライ予算を消費せず即座にデッドレターへ移ることを検証する。
func TestDispatcher_Dispatch_PermanentError(t *testing.T) {
	t.Parallel()

	s := setupTestStore(t)
	var alerts atomic.Int64
	adapters := []channel.Adapter{
		&mockAdapter{ch: channel.ChannelEmail, sendFn: func(string) error {
			return channel.NewPermanent(channel.ChannelEmail, errors.New("宛先アドレスが不正です"))
		}},
	}
	d := New(s, adapters, metrics.New(), Config{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		Workers:     2,
		Alert:       func(*store.Notification) { alerts.Add(1) },
	})

	e := testEvent(t)
	derived := []Derived{{
		RecipientID: "user-2",
		Channels:    []channel.Channel{channel.ChannelEmail},
		Title:       "件名",
		Body:        "本文",
	}}
	if err := d.Dispatch(context.Background(), e, derived); err != nil {
		t.Fatalf("ディスパッチに失敗: %v", err)
	}

	notifications, err := s.ListByRecipient(context.Background(), "user-2")
	if err != nil {
		t.Fatalf("通知一覧の取得に失敗: %v", err)
	}
	if len(notifications) != 1 {
		t.Fatalf("通知件数 = %d, want 1", len(notifications))
	}

	n := notifications[0]
	if n.Status != store.StatusDeadLettered {
		t.Errorf("Status = %q, want %q", n.Status, store.StatusDeadLettered)
	}
	if n.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", n.AttemptCount)
	}
	if n.NextRetryAt.Valid {
		t.Error("デッドレター通知にリトライが予約されています")
	}
	if alerts.Load() != 1 {
		t.Errorf("アラート発報回数 = %d, want 1", alerts.Load())
	}
}

// TestDispatcher_RetryBudgetExhausted は一時的エラーが続いた通知が
// 最大試行回数でデッドレターへ移り、アラートが一度だけ発報されることを
// 検証する。
func TestDispatcher_RetryBudgetExhausted(t *testing.T) {
	t.Parallel()

	s := setupTestStore(t)
	var alerts atomic.Int64
	sms := &mockAdapter{ch: channel.ChannelSMS, sendFn: func(string) error {
		return channel.NewTransient(channel.ChannelSMS, errors.New("タイムアウト"))
	}}
	d := New(s, []channel.Adapter{sms}, metrics.New(), Config{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Workers:     2,
		Alert:       func(*store.Notification) { alerts.Add(1) },
	})

	e := testEvent(t)
	derived := []Derived{{
		RecipientID: "user-2",
		Channels:    []channel.Channel{channel.ChannelSMS},
		Title:       "件名",
		Body:        "本文",
	}}
	if err := d.Dispatch(context.Background(), e, derived); err != nil {
		t.Fatalf("ディスパッチに失敗: %v", err)
	}

	// リトライ期限の到来を待ってから再配信を繰り返す
	ctx := context.Background()
	for iter := 0; iter < 5; iter++ {
		time.Sleep(10 * time.Millisecond)
		d.retryDue(ctx, 10)
	}

	notifications, err := s.ListByRecipient(ctx, "user-2")
	if err != nil {
		t.Fatalf("通知一覧の取得に失敗: %v", err)
	}
	n := notifications[0]
	if n.Status != store.StatusDeadLettered {
		t.Fatalf("Status = %q, want %q", n.Status, store.StatusDeadLettered)
	}
	if n.AttemptCount != 3 {
		t.Errorf("AttemptCount = %d, want 3", n.AttemptCount)
	}
	if alerts.Load() != 1 {
		t.Errorf("アラート発報回数 = %d, want 1", alerts.Load())
	}
	if got := sms.calls.Load(); got != 3 {
		t.Errorf("配信試行回数 = %d, want 3", got)
	}
}

// TestDispatcher_Dispatch_Idempotent は同一イベントの再ディスパッチで
// 通知が重複作成されず、配信済みの通知が再送されないことを検証する。
func TestDispatcher_Dispatch_Idempotent(t *testing.T) {
	t.Parallel()

	s := setupTestStore(t)
	email := &mockAdapter{ch: channel.ChannelEmail}
	d := New(s, []channel.Adapter{email}, metrics.New(), Config{MaxAttempts: 5, BaseDelay: time.Second, Workers: 2})

	e := testEvent(t)
	derived := []Derived{{
		RecipientID: "user-2",
		Channels:    []channel.Channel{channel.ChannelEmail},
		Title:       "件名",
		Body:        "本文",
	}}

	// at-least-once配信を模して同じイベントを2回ディスパッチする
	for iter := 0; iter < 2; iter++ {
		if err := d.Dispatch(context.Background(), e, derived); err != nil {
			t.Fatalf("ディスパッチに失敗: %v", err)
		}
	}

	notifications, err := s.ListByRecipient(context.Background(), "user-2")
	if err != nil {
		t.Fatalf("通知一覧の取得に失敗: %v", err)
	}
	if len(notifications) != 1 {
		t.Errorf("通知件数 = %d, want 1", len(notifications))
	}
	if got := email.calls.Load(); got != 1 {
		t.Errorf("配信試行回数 = %d, want 1", got)
	}
}

// TestDispatcher_Dispatch_ConcurrentDuplicates は2つのコンシューマが同じ
// イベントを同時にディスパッチしても通知が1件に収束することを検証する。
func TestDispatcher_Dispatch_ConcurrentDuplicates(t *testing.T) {
	t.Parallel()

	s := setupTestStore(t)
	email := &mockAdapter{ch: channel.ChannelEmail}
	d := New(s, []channel.Adapter{email}, metrics.New(), Config{MaxAttempts: 5, BaseDelay: time.Second, Workers: 4})

	e := testEvent(t)
	derived := []Derived{{
		RecipientID: "user-2",
		Channels:    []channel.Channel{channel.ChannelEmail},
		Title:       "件名",
		Body:        "本文",
	}}

	var wg sync.WaitGroup
	for iter := 0; iter < 4; iter++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.Dispatch(context.Background(), e, derived); err != nil {
				t.Errorf("ディスパッチに失敗: %v", err)
			}
		}()
	}
	wg.Wait()

	notifications, err := s.ListByRecipient(context.Background(), "user-2")
	if err != nil {
		t.Fatalf("通知一覧の取得に失敗: %v", err)
	}
	if len(notifications) != 1 {
		t.Errorf("通知件数 = %d, want 1", len(notifications))
	}
	if notifications[0].Status != store.StatusDelivered {
		t.Errorf("Status = %q, want %q", notifications[0].Status, store.StatusDelivered)
	}
	if got := email.calls.Load(); got != 1 {
		t.Errorf("配信試行回数 = %d, want 1", got)
	}
}

// TestDispatcher_ReclaimsAbandonedSending は配信処理中のままプロセスが
// クラッシュした通知が、リトライループで回収されて再配信されることを
// 検証する。
func TestDispatcher_ReclaimsAbandonedSending(t *testing.T) {
	t.Parallel()

	s := setupTestStore(t)
	email := &mockAdapter{ch: channel.ChannelEmail}
	d := New(s, []channel.Adapter{email}, metrics.New(), Config{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		Workers:     2,
		StaleAfter:  time.Millisecond,
	})

	e := testEvent(t)

	// クラッシュを模して、claimだけ行い終端遷移せず放置する
	n, _, err := s.UpsertNotification(context.Background(), e.ID, "user-2", "email", "件名", "本文")
	if err != nil {
		t.Fatalf("テスト用通知の作成に失敗: %v", err)
	}
	claimed, err := s.ClaimForSending(context.Background(), n.ID)
	if err != nil || !claimed {
		t.Fatalf("配信中遷移に失敗: claimed=%v, err=%v", claimed, err)
	}
	derived := []Derived{{
		RecipientID: "user-2",
		Channels:    []channel.Channel{channel.ChannelEmail},
		Title:       "件名",
		Body:        "本文",
	}}

	// イベント再配信では配信処理中の行に手を出さない
	if err := d.Dispatch(context.Background(), e, derived); err != nil {
		t.Fatalf("ディスパッチに失敗: %v", err)
	}
	if got := email.calls.Load(); got != 0 {
		t.Fatalf("再配信での配信試行回数 = %d, want 0", got)
	}

	// 放置時間が閾値を過ぎるとリトライループが回収して再配信する
	time.Sleep(10 * time.Millisecond)
	d.retryDue(context.Background(), 10)

	got, err := s.GetNotificationByID(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("通知の取得に失敗: %v", err)
	}
	if got.Status != store.StatusDelivered {
		t.Errorf("Status = %q, want %q", got.Status, store.StatusDelivered)
	}
	if email.calls.Load() != 1 {
		t.Errorf("配信試行回数 = %d, want 1", email.calls.Load())
	}
}

// TestDispatcher_Dispatch_RespectsScheduledRetry はイベント再配信が
// リトライ予約済みの通知のバックオフを追い越さないことを検証する。
func TestDispatcher_Dispatch_RespectsScheduledRetry(t *testing.T) {
	t.Parallel()

	s := setupTestStore(t)
	sms := &mockAdapter{ch: channel.ChannelSMS, sendFn: func(string) error {
		return channel.NewTransient(channel.ChannelSMS, errors.New("プロバイダー過負荷"))
	}}
	d := New(s, []channel.Adapter{sms}, metrics.New(), Config{
		MaxAttempts: 5,
		BaseDelay:   time.Hour,
		Workers:     2,
	})

	e := testEvent(t)
	derived := []Derived{{
		RecipientID: "user-2",
		Channels:    []channel.Channel{channel.ChannelSMS},
		Title:       "件名",
		Body:        "本文",
	}}

	// 1回目のディスパッチで失敗し、1時間後のリトライが予約される
	if err := d.Dispatch(context.Background(), e, derived); err != nil {
		t.Fatalf("ディスパッチに失敗: %v", err)
	}
	if got := sms.calls.Load(); got != 1 {
		t.Fatalf("配信試行回数 = %d, want 1", got)
	}

	// 同一イベントの再配信は予約済みのバックオフを追い越さない
	if err := d.Dispatch(context.Background(), e, derived); err != nil {
		t.Fatalf("再ディスパッチに失敗: %v", err)
	}
	if got := sms.calls.Load(); got != 1 {
		t.Errorf("再配信後の配信試行回数 = %d, want 1", got)
	}

	notifications, err := s.ListByRecipient(context.Background(), "user-2")
	if err != nil {
		t.Fatalf("通知一覧の取得に失敗: %v", err)
	}
	if notifications[0].AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", notifications[0].AttemptCount)
	}
}

// TestBackoffDelay はバックオフが指数的に増加し上限で頭打ちになることを検証する。
func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	base := time.Second
	maxDelay := 30 * time.Second
	for attempt := 1; attempt <= 6; attempt++ {
		delay := backoffDelay(base, maxDelay, attempt)
		// ジッター込みでも上限の1.25倍は超えない
		if delay > maxDelay+maxDelay/4 {
			t.Errorf("attempt=%d: delay = %v が上限を超えています", attempt, delay)
		}
		if delay <= 0 {
			t.Errorf("attempt=%d: delay = %v が正ではありません", attempt, delay)
		}
	}
}
