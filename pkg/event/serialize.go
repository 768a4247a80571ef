package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// New は新しいイベントを生成する。
// dataにはイベント種類固有のデータ構造体を渡す。JSON形式にシリアライズされる。
// IDとOccurredAtはここで採番・記録され、以後変更されない。
func New(taskID string, kind Kind, actorID string, version int64, data any) (*Event, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("イベントデータのシリアライズに失敗: %w", err)
	}

	return &Event{
		ID:         uuid.New().String(),
		TaskID:     taskID,
		Kind:       kind,
		ActorID:    actorID,
		Version:    version,
		OccurredAt: time.Now().UTC(),
		Data:       jsonData,
	}, nil
}

// Marshal はイベント全体をJSON形式にシリアライズする。
// ストリームへの追記時のペイロードとして使用する。
func Marshal(e *Event) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("イベントのシリアライズに失敗: %w", err)
	}
	return payload, nil
}

// DecodeData はイベントのDataフィールドを指定された型にデシリアライズする。
func DecodeData[T any](e *Event) (*T, error) {
	var data T
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, fmt.Errorf("イベントデータのデシリアライズに失敗: %w", err)
	}
	return &data, nil
}
