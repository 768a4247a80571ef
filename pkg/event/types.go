package event

import (
	"encoding/json"
	"time"
)

// Kind はタスク変更イベントの種類を表す。
// 閉じた集合であり、未知の種類はスキーマレジストリで拒否される。
type Kind string

const (
	// KindTaskCreated はタスクが作成されたことを表す。
	KindTaskCreated Kind = "TaskCreated"
	// KindTaskUpdated はタスクが更新されたことを表す。
	KindTaskUpdated Kind = "TaskUpdated"
	// KindTaskDeleted はタスクが削除されたことを表す。
	KindTaskDeleted Kind = "TaskDeleted"
	// KindTaskAssigned はタスクがユーザーに割り当てられたことを表す。
	KindTaskAssigned Kind = "TaskAssigned"
	// KindDeadlineApproaching はタスクの期限が近づいていることを表す。
	KindDeadlineApproaching Kind = "DeadlineApproaching"
)

// Priority はタスクの優先度を表す。
type Priority string

const (
	// PriorityLow は低優先度を表す。
	PriorityLow Priority = "low"
	// PriorityMedium は中優先度を表す。
	PriorityMedium Priority = "medium"
	// PriorityHigh は高優先度を表す。
	PriorityHigh Priority = "high"
	// PriorityCritical は緊急優先度を表す。
	PriorityCritical Priority = "critical"
)

// Event はタスク変更の事実を表す不変のイベントレコード。
// Publisherが変更時に一度だけ生成し、以後変更されない。
// 同一TaskIDのイベントはパーティション内でのみ順序が保証される。
type Event struct {
	// ID はイベントの一意識別子（UUID）。重複排除のキーとなる。
	ID string `json:"event_id"`
	// TaskID は対象タスクの識別子。パーティションキーとして使用する。
	TaskID string `json:"task_id"`
	// Kind はイベントの種類。
	Kind Kind `json:"kind"`
	// ActorID は変更を行ったユーザーのID。
	ActorID string `json:"actor_id"`
	// Version はTaskID内で単調増加するバージョン番号。
	// 順序・競合の検出に使用し、マージには使用しない。
	Version int64 `json:"version"`
	// OccurredAt はイベントが発生した日時。
	OccurredAt time.Time `json:"occurred_at"`
	// Data はイベント種類固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
}

// TaskCreatedData はTaskCreatedイベントのデータ。
type TaskCreatedData struct {
	// OwnerID はタスクの所有者のユーザーID。
	OwnerID string `json:"owner_id"`
	// Title はタスクのタイトル。
	Title string `json:"title"`
	// Description はタスクの説明。
	Description string `json:"description,omitempty"`
	// Priority はタスクの優先度。
	Priority Priority `json:"priority"`
	// DueDate はタスクの期限。未設定の場合はnil。
	DueDate *time.Time `json:"due_date,omitempty"`
	// AssignedUserIDs は作成時点で割り当てられたユーザーIDの一覧。
	AssignedUserIDs []string `json:"assigned_user_ids,omitempty"`
	// Tags はタスクに付与されたタグの一覧。
	Tags []string `json:"tags,omitempty"`
}

// TaskUpdatedData はTaskUpdatedイベントのデータ。
type TaskUpdatedData struct {
	// OwnerID はタスクの所有者のユーザーID。
	OwnerID string `json:"owner_id"`
	// Title は更新後のタスクのタイトル。
	Title string `json:"title"`
	// UpdatedFields は更新されたフィールド名と新しい値のマップ。
	UpdatedFields map[string]any `json:"updated_fields"`
}

// TaskDeletedData はTaskDeletedイベントのデータ。
type TaskDeletedData struct {
	// OwnerID はタスクの所有者のユーザーID。
	OwnerID string `json:"owner_id"`
	// Title は削除されたタスクのタイトル。
	Title string `json:"title"`
}

// TaskAssignedData はTaskAssignedイベントのデータ。
type TaskAssignedData struct {
	// AssignerID は割り当てを行ったユーザーのID。
	AssignerID string `json:"assigner_id"`
	// AssigneeID は割り当てられたユーザーのID。通知の宛先となる。
	AssigneeID string `json:"assignee_id"`
	// TaskTitle は対象タスクのタイトル。
	TaskTitle string `json:"task_title"`
}

// DeadlineApproachingData はDeadlineApproachingイベントのデータ。
type DeadlineApproachingData struct {
	// OwnerID はタスクの所有者のユーザーID。通知の宛先となる。
	OwnerID string `json:"owner_id"`
	// TaskTitle は対象タスクのタイトル。
	TaskTitle string `json:"task_title"`
	// TimeUntilDeadlineSeconds は期限までの残り秒数。
	TimeUntilDeadlineSeconds int64 `json:"time_until_deadline_seconds"`
}
