package stream

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// スキーマ定義。追記専用のログテーブルとグループごとのオフセット管理テーブル。
const schema = `
CREATE TABLE IF NOT EXISTS stream_records (
    -- パーティション番号
    partition INTEGER NOT NULL,
    -- パーティション内の追記順序番号（0始まり）
    offset INTEGER NOT NULL,
    -- パーティションを決定したキー（task_id）
    partition_key TEXT NOT NULL,
    -- シリアライズ済みイベント
    payload BLOB NOT NULL,
    -- 追記日時
    appended_at DATETIME NOT NULL DEFAULT (datetime('now')),
    PRIMARY KEY (partition, offset)
);

CREATE INDEX IF NOT EXISTS idx_stream_records_appended_at
    ON stream_records(appended_at);

CREATE TABLE IF NOT EXISTS stream_offsets (
    -- コンシューマグループ名
    group_name TEXT NOT NULL,
    -- パーティション番号
    partition INTEGER NOT NULL,
    -- 処理済みとしてコミットされた最後のオフセット
    committed_offset INTEGER NOT NULL,
    -- 最終更新日時
    updated_at DATETIME NOT NULL DEFAULT (datetime('now')),
    PRIMARY KEY (group_name, partition)
);
`

// SQLiteStream はSQLiteを永続層とするStream実装。
// プロデューサとコンシューマは同一のデータベースファイルを共有し、
// プロセス間の共有状態はこのログとオフセットのみとなる。
type SQLiteStream struct {
	// db はSQLiteデータベース接続。
	db *sqlx.DB
	// partitions はパーティション数。生成後は変更されない。
	partitions int
}

// NewSQLiteStream は指定パスのSQLiteデータベースを開き、スキーマを適用して
// Stream実装を生成する。パーティション数は1以上である必要がある。
func NewSQLiteStream(dbPath string, partitions int) (*SQLiteStream, error) {
	if partitions < 1 {
		return nil, fmt.Errorf("パーティション数は1以上である必要があります: %d", partitions)
	}

	// busy_timeoutは接続単位で効くため、プール内の全接続に行き渡るよう
	// DSNで指定する。WALは複数プロセスからの同時アクセスに備える。
	db, err := sqlx.Open("sqlite", "file:"+dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("スキーマの適用に失敗: %w", err)
	}

	return &SQLiteStream{db: db, partitions: partitions}, nil
}

// Close はデータベース接続を閉じる。
func (s *SQLiteStream) Close() error {
	return s.db.Close()
}

// Partitions はパーティション数を返す。
func (s *SQLiteStream) Partitions() int {
	return s.partitions
}

// Append はパーティションキーに対応するパーティションへペイロードを追記する。
// オフセットの採番と挿入は同一トランザクション内で行い、パーティション内の
// 順序を保証する。採番が読み取り→書き込みの昇格で衝突しないよう、
// トランザクションは最初から書き込みロック付き（BEGIN IMMEDIATE）で開始する。
func (s *SQLiteStream) Append(ctx context.Context, partitionKey string, payload []byte) (*Record, error) {
	partition := PartitionFor(partitionKey, s.partitions)

	conn, err := s.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("データベース接続の取得に失敗: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return nil, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}

	var next int64
	if err := conn.GetContext(ctx, &next,
		`SELECT COALESCE(MAX("offset") + 1, 0) FROM stream_records WHERE partition = ?`, partition); err != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		return nil, fmt.Errorf("次オフセットの採番に失敗: %w", err)
	}

	now := time.Now().UTC()
	if _, err := conn.ExecContext(ctx,
		`INSERT INTO stream_records (partition, "offset", partition_key, payload, appended_at)
		 VALUES (?, ?, ?, ?, ?)`,
		partition, next, partitionKey, payload, now); err != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		return nil, fmt.Errorf("レコードの追記に失敗: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		return nil, fmt.Errorf("トランザクションのコミットに失敗: %w", err)
	}

	return &Record{
		Partition:    partition,
		Offset:       next,
		PartitionKey: partitionKey,
		Payload:      payload,
		AppendedAt:   now,
	}, nil
}

// Fetch は指定グループのコミット済み位置より後のレコードをオフセット順に
// 最大limit件返す。コミットが行われない限り同じレコードが再配信される
// （at-least-once）。
func (s *SQLiteStream) Fetch(ctx context.Context, group string, partition int, limit int) ([]Record, error) {
	committed, err := s.committedOffset(ctx, group, partition)
	if err != nil {
		return nil, err
	}

	var records []Record
	if err := s.db.SelectContext(ctx, &records,
		`SELECT partition, "offset", partition_key, payload, appended_at
		 FROM stream_records
		 WHERE partition = ? AND "offset" > ?
		 ORDER BY "offset"
		 LIMIT ?`,
		partition, committed, limit); err != nil {
		return nil, fmt.Errorf("レコードの取得に失敗: %w", err)
	}
	return records, nil
}

// Commit は指定グループのコミット済みオフセットを進める。
// 更新は単調増加のみ許可し、グループ再分配で古いコンシューマが
// 小さいオフセットをコミットしても巻き戻らない。
func (s *SQLiteStream) Commit(ctx context.Context, group string, partition int, offset int64) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO stream_offsets (group_name, partition, committed_offset, updated_at)
		 VALUES (?, ?, ?, datetime('now'))
		 ON CONFLICT (group_name, partition) DO UPDATE SET
		     committed_offset = excluded.committed_offset,
		     updated_at = excluded.updated_at
		 WHERE excluded.committed_offset > stream_offsets.committed_offset`,
		group, partition, offset); err != nil {
		return fmt.Errorf("オフセットのコミットに失敗: %w", err)
	}
	return nil
}

// Lag は指定グループの全パーティション合計の未処理レコード数を返す。
// コンシューマ遅延のメトリクスとして公開される。
func (s *SQLiteStream) Lag(ctx context.Context, group string) (int64, error) {
	var total int64
	for partition := 0; partition < s.partitions; partition++ {
		committed, err := s.committedOffset(ctx, group, partition)
		if err != nil {
			return 0, err
		}
		var count int64
		if err := s.db.GetContext(ctx, &count,
			`SELECT COUNT(*) FROM stream_records WHERE partition = ? AND "offset" > ?`,
			partition, committed); err != nil {
			return 0, fmt.Errorf("未処理レコード数の取得に失敗: %w", err)
		}
		total += count
	}
	return total, nil
}

// Compact は保持期間を過ぎ、かつ全コンシューマグループがコミット済みの
// レコードを削除する。オフセット情報を持つグループが存在しない
// パーティションは未読の可能性があるため削除しない。
func (s *SQLiteStream) Compact(ctx context.Context, olderThan time.Time) (int64, error) {
	var deleted int64
	for partition := 0; partition < s.partitions; partition++ {
		var minCommitted sql.NullInt64
		if err := s.db.GetContext(ctx, &minCommitted,
			`SELECT MIN(committed_offset) FROM stream_offsets WHERE partition = ?`,
			partition); err != nil {
			return deleted, fmt.Errorf("最小コミットオフセットの取得に失敗: %w", err)
		}
		if !minCommitted.Valid {
			continue
		}

		result, err := s.db.ExecContext(ctx,
			`DELETE FROM stream_records
			 WHERE partition = ? AND "offset" <= ? AND appended_at < ?`,
			partition, minCommitted.Int64, olderThan.UTC())
		if err != nil {
			return deleted, fmt.Errorf("レコードの削除に失敗: %w", err)
		}
		if n, err := result.RowsAffected(); err == nil {
			deleted += n
		}
	}
	return deleted, nil
}

// committedOffset はグループのコミット済みオフセットを返す。
// 未コミットの場合は-1を返し、オフセット0のレコードから配信される。
func (s *SQLiteStream) committedOffset(ctx context.Context, group string, partition int) (int64, error) {
	var committed int64
	err := s.db.GetContext(ctx, &committed,
		`SELECT committed_offset FROM stream_offsets WHERE group_name = ? AND partition = ?`,
		group, partition)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("コミット済みオフセットの取得に失敗: %w", err)
	}
	return committed, nil
}
