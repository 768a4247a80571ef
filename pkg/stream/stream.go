// Package stream は順序保証付き・パーティション分割された耐久ログを提供する。
//
// Publisherがパーティションキー（task_id）で追記し、コンシューマグループが
// パーティションごとに読み出す。配信はat-least-onceであり、同一パーティション
// 内でのみ追記順が保証される。パーティションをまたぐ全順序は保証しない。
package stream

import (
	"context"
	"hash/fnv"
	"time"
)

// Record はストリームに追記された1件のレコードを表す。
type Record struct {
	// Partition はレコードが属するパーティション番号。
	Partition int `db:"partition"`
	// Offset はパーティション内での追記順序番号。0始まりで単調増加する。
	Offset int64 `db:"offset"`
	// PartitionKey はパーティションを決定したキー（task_id）。
	PartitionKey string `db:"partition_key"`
	// Payload は追記されたペイロード（シリアライズ済みイベント）。
	Payload []byte `db:"payload"`
	// AppendedAt はレコードが追記された日時。
	AppendedAt time.Time `db:"appended_at"`
}

// Stream は耐久ログへの追記と読み出しの抽象。
// 実装はat-least-once配信とパーティション内順序を保証する。
type Stream interface {
	// Append はパーティションキーに対応するパーティションへペイロードを追記する。
	Append(ctx context.Context, partitionKey string, payload []byte) (*Record, error)
	// Fetch は指定グループの未コミット位置以降のレコードを最大limit件返す。
	Fetch(ctx context.Context, group string, partition int, limit int) ([]Record, error)
	// Commit は指定グループのコミット済みオフセットを進める。
	// 既にコミット済みの位置より小さいオフセットは無視される。
	Commit(ctx context.Context, group string, partition int, offset int64) error
	// Partitions はパーティション数を返す。
	Partitions() int
	// Lag は指定グループの全パーティション合計の未処理レコード数を返す。
	Lag(ctx context.Context, group string) (int64, error)
}

// PartitionFor はパーティションキーからパーティション番号を決定する。
// FNV-1aハッシュの剰余を使用するため、同一キーは常に同一パーティションに入る。
func PartitionFor(partitionKey string, partitions int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(partitionKey))
	return int(h.Sum32() % uint32(partitions))
}
