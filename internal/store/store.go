// Package store は通知の永続化と処理済みイベント台帳を提供する。
//
// 通知は (event_id, recipient_id, channel) の組につき1件のみ存在し、
// 状態遷移はすべて比較交換（compare-and-set）方式のUPDATEで行う。
// 複数のコンシューマインスタンスが同一イベントを同時に再処理しても、
// 最終状態は同じ結果に収束する。
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nao1215/taskhub/pkg/migration"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Status は通知の配信状態を表す。
type Status string

const (
	// StatusPending は配信待ち（初期状態またはリトライ待ち）を表す。
	StatusPending Status = "pending"
	// StatusSending は配信処理中を表す。
	StatusSending Status = "sending"
	// StatusDelivered は配信成功（終端状態）を表す。
	StatusDelivered Status = "delivered"
	// StatusFailed は直近の試行が失敗したことを表す。
	StatusFailed Status = "failed"
	// StatusDeadLettered はリトライを放棄した終端状態を表す。
	// 運用者の介入が必要であり、自動では再送されない。
	StatusDeadLettered Status = "dead_lettered"
)

// Notification は1つのイベントから1人の宛先・1つのチャネルに対して
// 導出された配信作業単位。
type Notification struct {
	// ID は通知の一意識別子（UUID）。
	ID string `db:"id"`
	// EventID は通知の起点となったイベントのID。
	EventID string `db:"event_id"`
	// RecipientID は通知先のユーザーID。
	RecipientID string `db:"recipient_id"`
	// Channel は配信チャネル。
	Channel string `db:"channel"`
	// Title は通知のタイトル。
	Title string `db:"title"`
	// Body は通知の本文。
	Body string `db:"body"`
	// Status は配信状態。
	Status Status `db:"status"`
	// AttemptCount は配信試行回数。
	AttemptCount int64 `db:"attempt_count"`
	// LastAttemptAt は最終試行日時。未試行の場合は無効値。
	LastAttemptAt sql.NullTime `db:"last_attempt_at"`
	// NextRetryAt は次回リトライ予定日時。リトライ予定がない場合は無効値。
	NextRetryAt sql.NullTime `db:"next_retry_at"`
	// IsRead はユーザーによる既読状態。配信状態とは独立に管理される。
	IsRead int64 `db:"is_read"`
	// CreatedAt は通知の作成日時。
	CreatedAt time.Time `db:"created_at"`
	// UpdatedAt は通知の更新日時。
	UpdatedAt time.Time `db:"updated_at"`
}

// Store は通知と処理済みイベント台帳のSQLite永続化層。
type Store struct {
	// db はSQLiteデータベース接続。
	db *sqlx.DB
}

// New は指定パスのSQLiteデータベースを開き、マイグレーションを適用して
// ストアを生成する。
func New(dbPath string) (*Store, error) {
	// busy_timeoutは接続単位で効くため、プール内の全接続に行き渡るよう
	// DSNで指定する。WALは複数プロセスからの同時アクセスに備える。
	db, err := sqlx.Open("sqlite", "file:"+dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	if err := migration.Run(db.DB, migrationsFS, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("マイグレーションの適用に失敗: %w", err)
	}

	return &Store{db: db}, nil
}

// Close はデータベース接続を閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertNotification は (event_id, recipient_id, channel) をキーとして
// 通知を作成する。既に同一キーの通知が存在する場合は作成せず既存の行を
// 返す。戻り値のcreatedは新規作成されたかどうかを表す。
// イベントの再配信時に重複通知を作らないための冪等性の境界となる。
func (s *Store) UpsertNotification(ctx context.Context, eventID, recipientID, channel, title, body string) (*Notification, bool, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications
		     (id, event_id, recipient_id, channel, title, body, status, attempt_count, is_read, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?)
		 ON CONFLICT (event_id, recipient_id, channel) DO NOTHING`,
		uuid.New().String(), eventID, recipientID, channel, title, body, StatusPending, now, now)
	if err != nil {
		return nil, false, fmt.Errorf("通知の作成に失敗: %w", err)
	}

	created := false
	if n, err := result.RowsAffected(); err == nil && n > 0 {
		created = true
	}

	var notification Notification
	if err := s.db.GetContext(ctx, &notification,
		`SELECT * FROM notifications WHERE event_id = ? AND recipient_id = ? AND channel = ?`,
		eventID, recipientID, channel); err != nil {
		return nil, false, fmt.Errorf("通知の取得に失敗: %w", err)
	}
	return &notification, created, nil
}

// GetNotificationByID は指定IDの通知を取得する。
// 存在しない場合はsql.ErrNoRowsをラップしたエラーを返す。
func (s *Store) GetNotificationByID(ctx context.Context, id string) (*Notification, error) {
	var notification Notification
	if err := s.db.GetContext(ctx, &notification,
		`SELECT * FROM notifications WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("通知の取得に失敗: %w", err)
	}
	return &notification, nil
}

// ListByRecipient は指定ユーザー宛の通知を作成日時の降順で返す。
func (s *Store) ListByRecipient(ctx context.Context, recipientID string) ([]Notification, error) {
	var notifications []Notification
	if err := s.db.SelectContext(ctx, &notifications,
		`SELECT * FROM notifications WHERE recipient_id = ? ORDER BY created_at DESC, id`,
		recipientID); err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}
	return notifications, nil
}

// ListUnreadByRecipient は指定ユーザー宛の未読通知を作成日時の降順で返す。
func (s *Store) ListUnreadByRecipient(ctx context.Context, recipientID string) ([]Notification, error) {
	var notifications []Notification
	if err := s.db.SelectContext(ctx, &notifications,
		`SELECT * FROM notifications
		 WHERE recipient_id = ? AND is_read = 0
		 ORDER BY created_at DESC, id`,
		recipientID); err != nil {
		return nil, fmt.Errorf("未読通知一覧の取得に失敗: %w", err)
	}
	return notifications, nil
}

// MarkAsRead は指定通知を既読にする。
func (s *Store) MarkAsRead(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id); err != nil {
		return fmt.Errorf("通知の既読処理に失敗: %w", err)
	}
	return nil
}

// MarkAllAsRead は指定ユーザー宛の全通知を既読にする。
func (s *Store) MarkAllAsRead(ctx context.Context, recipientID string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1, updated_at = ? WHERE recipient_id = ? AND is_read = 0`,
		time.Now().UTC(), recipientID); err != nil {
		return fmt.Errorf("全通知の既読処理に失敗: %w", err)
	}
	return nil
}

// ClaimForSending は通知を配信処理中（sending）状態に遷移させる。
// pending状態の通知のみ遷移でき、戻り値は遷移に成功したかどうかを表す。
// 複数ワーカーが同じ通知を同時に取得した場合、1つだけが成功する。
func (s *Store) ClaimForSending(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		StatusSending, time.Now().UTC(), id, StatusPending)
	if err != nil {
		return false, fmt.Errorf("通知の配信中遷移に失敗: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	return n > 0, nil
}

// MarkDelivered は通知を配信成功（delivered）状態に遷移させる。
// 終端状態からの遷移は行わない。
func (s *Store) MarkDelivered(ctx context.Context, id string) error {
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE notifications
		 SET status = ?, attempt_count = attempt_count + 1,
		     last_attempt_at = ?, next_retry_at = NULL, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		StatusDelivered, now, now, id, StatusDelivered, StatusDeadLettered); err != nil {
		return fmt.Errorf("通知の配信成功遷移に失敗: %w", err)
	}
	return nil
}

// ScheduleRetry は一時的エラーの後、通知を配信待ちに戻して次回リトライ
// 日時を設定する。試行回数はここで加算される。
func (s *Store) ScheduleRetry(ctx context.Context, id string, nextRetryAt time.Time) error {
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE notifications
		 SET status = ?, attempt_count = attempt_count + 1,
		     last_attempt_at = ?, next_retry_at = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		StatusPending, now, nextRetryAt.UTC(), now, id, StatusDelivered, StatusDeadLettered); err != nil {
		return fmt.Errorf("通知のリトライ予約に失敗: %w", err)
	}
	return nil
}

// MarkDeadLettered は通知をデッドレター（終端状態）に遷移させる。
// 戻り値は今回の呼び出しで遷移が行われたかどうかを表す。既にデッドレター
// 済みの場合はfalseが返るため、呼び出し側はアラートを一度だけ発報できる。
func (s *Store) MarkDeadLettered(ctx context.Context, id string, countAttempt bool) (bool, error) {
	now := time.Now().UTC()
	increment := 0
	if countAttempt {
		increment = 1
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE notifications
		 SET status = ?, attempt_count = attempt_count + ?,
		     last_attempt_at = ?, next_retry_at = NULL, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		StatusDeadLettered, increment, now, now, id, StatusDelivered, StatusDeadLettered)
	if err != nil {
		return false, fmt.Errorf("通知のデッドレター遷移に失敗: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	return n > 0, nil
}

// ReclaimStaleSending は放置された配信処理中（sending）の通知を配信待ちに
// 戻す。プロセスがClaimForSendingと終端遷移の間でクラッシュした場合、
// 行はsendingのまま残るため、更新日時が閾値より古いものを回収して
// 通常のリトライ経路に乗せる。戻り値は回収した件数。
func (s *Store) ReclaimStaleSending(ctx context.Context, olderThan time.Time) (int64, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE notifications
		 SET status = ?, next_retry_at = ?, updated_at = ?
		 WHERE status = ? AND updated_at <= ?`,
		StatusPending, now, now, StatusSending, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("放置された配信処理中通知の回収に失敗: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	return n, nil
}

// ListDueRetries はリトライ予定日時を過ぎた配信待ち通知を最大limit件返す。
func (s *Store) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]Notification, error) {
	var notifications []Notification
	if err := s.db.SelectContext(ctx, &notifications,
		`SELECT * FROM notifications
		 WHERE status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		 ORDER BY next_retry_at
		 LIMIT ?`,
		StatusPending, now.UTC(), limit); err != nil {
		return nil, fmt.Errorf("リトライ対象の取得に失敗: %w", err)
	}
	return notifications, nil
}

// ListDeadLettered はデッドレター状態の通知を更新日時の降順で最大limit件返す。
// 運用者向けの一覧取得に使用する。
func (s *Store) ListDeadLettered(ctx context.Context, limit int) ([]Notification, error) {
	var notifications []Notification
	if err := s.db.SelectContext(ctx, &notifications,
		`SELECT * FROM notifications
		 WHERE status = ?
		 ORDER BY updated_at DESC, id
		 LIMIT ?`,
		StatusDeadLettered, limit); err != nil {
		return nil, fmt.Errorf("デッドレター一覧の取得に失敗: %w", err)
	}
	return notifications, nil
}

// MarkEventProcessed は指定イベントを処理済み台帳に記録する。
// 既に記録済みの場合も成功として扱う（冪等）。
func (s *Store) MarkEventProcessed(ctx context.Context, group, eventID string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO processed_events (group_name, event_id, processed_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (group_name, event_id) DO NOTHING`,
		group, eventID, time.Now().UTC()); err != nil {
		return fmt.Errorf("処理済みイベントの記録に失敗: %w", err)
	}
	return nil
}

// IsEventProcessed は指定イベントが処理済みかどうかを返す。
func (s *Store) IsEventProcessed(ctx context.Context, group, eventID string) (bool, error) {
	var one int
	err := s.db.GetContext(ctx, &one,
		`SELECT 1 FROM processed_events WHERE group_name = ? AND event_id = ?`,
		group, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("処理済みイベントの確認に失敗: %w", err)
	}
	return true, nil
}
