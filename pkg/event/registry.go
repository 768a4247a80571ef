package event

import (
	"encoding/json"
	"fmt"
)

// ValidationError はイベントの構造検証に失敗したことを表すエラー。
// 検証は構造のみを対象とし、「タスクが存在するか」等の業務的な
// 不変条件は対象外である。
type ValidationError struct {
	// Kind は検証対象のイベント種類。envelope自体の不正の場合は空。
	Kind Kind
	// Field は不正と判定されたフィールド名。
	Field string
	// Reason は不正と判定された理由。
	Reason string
}

// Error はエラーメッセージを返す。
func (e *ValidationError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("イベントの検証に失敗: field=%s, reason=%s", e.Field, e.Reason)
	}
	return fmt.Sprintf("イベントの検証に失敗: kind=%s, field=%s, reason=%s", e.Kind, e.Field, e.Reason)
}

// validator はイベント種類ごとのデータ部検証関数。
type validator func(e *Event) error

// Registry はイベント種類ごとの必須フィールドと型制約を検証する
// スキーマレジストリ。Publisherは発行前に、Consumerは受信後に
// 同じレジストリで検証する（プロデューサとコンシューマのバージョンが
// ずれる可能性があるため、受信側でも再検証する）。
type Registry struct {
	// validators はイベント種類から検証関数への変換表。
	validators map[Kind]validator
}

// NewRegistry はすべての既知イベント種類を登録したレジストリを生成する。
// 新しいイベント種類を追加する場合はここに検証関数を登録する。
func NewRegistry() *Registry {
	return &Registry{
		validators: map[Kind]validator{
			KindTaskCreated:         validateTaskCreated,
			KindTaskUpdated:         validateTaskUpdated,
			KindTaskDeleted:         validateTaskDeleted,
			KindTaskAssigned:        validateTaskAssigned,
			KindDeadlineApproaching: validateDeadlineApproaching,
		},
	}
}

// Kinds は登録済みのイベント種類の一覧を返す。
func (r *Registry) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.validators))
	for k := range r.validators {
		kinds = append(kinds, k)
	}
	return kinds
}

// Validate は生のペイロードをデシリアライズし、構造検証を行った上で
// イベントとして返す。未知のイベント種類は黙殺せず拒否する。
func (r *Registry) Validate(raw []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, &ValidationError{Field: "envelope", Reason: fmt.Sprintf("JSONとして解析できません: %v", err)}
	}
	if err := r.ValidateEvent(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

// ValidateEvent は構造化済みのイベントに対して構造検証を行う。
func (r *Registry) ValidateEvent(e *Event) error {
	if e.ID == "" {
		return &ValidationError{Kind: e.Kind, Field: "event_id", Reason: "必須フィールドが空です"}
	}
	if e.TaskID == "" {
		return &ValidationError{Kind: e.Kind, Field: "task_id", Reason: "必須フィールドが空です"}
	}
	if e.ActorID == "" {
		return &ValidationError{Kind: e.Kind, Field: "actor_id", Reason: "必須フィールドが空です"}
	}
	if e.OccurredAt.IsZero() {
		return &ValidationError{Kind: e.Kind, Field: "occurred_at", Reason: "日時が設定されていません"}
	}
	if e.Version < 0 {
		return &ValidationError{Kind: e.Kind, Field: "version", Reason: "バージョンは0以上である必要があります"}
	}

	v, ok := r.validators[e.Kind]
	if !ok {
		return &ValidationError{Kind: e.Kind, Field: "kind", Reason: "未知のイベント種類です"}
	}
	return v(e)
}

// validPriority は優先度が定義済みの値であるかを判定する。
func validPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	default:
		return false
	}
}

// validateTaskCreated はTaskCreatedイベントのデータ部を検証する。
func validateTaskCreated(e *Event) error {
	data, err := DecodeData[TaskCreatedData](e)
	if err != nil {
		return &ValidationError{Kind: e.Kind, Field: "data", Reason: err.Error()}
	}
	if data.OwnerID == "" {
		return &ValidationError{Kind: e.Kind, Field: "owner_id", Reason: "必須フィールドが空です"}
	}
	if data.Title == "" {
		return &ValidationError{Kind: e.Kind, Field: "title", Reason: "必須フィールドが空です"}
	}
	if !validPriority(data.Priority) {
		return &ValidationError{Kind: e.Kind, Field: "priority", Reason: fmt.Sprintf("未定義の優先度です: %q", data.Priority)}
	}
	return nil
}

// validateTaskUpdated はTaskUpdatedイベントのデータ部を検証する。
func validateTaskUpdated(e *Event) error {
	data, err := DecodeData[TaskUpdatedData](e)
	if err != nil {
		return &ValidationError{Kind: e.Kind, Field: "data", Reason: err.Error()}
	}
	if data.OwnerID == "" {
		return &ValidationError{Kind: e.Kind, Field: "owner_id", Reason: "必須フィールドが空です"}
	}
	if len(data.UpdatedFields) == 0 {
		return &ValidationError{Kind: e.Kind, Field: "updated_fields", Reason: "更新フィールドが空です"}
	}
	return nil
}

// validateTaskDeleted はTaskDeletedイベントのデータ部を検証する。
func validateTaskDeleted(e *Event) error {
	data, err := DecodeData[TaskDeletedData](e)
	if err != nil {
		return &ValidationError{Kind: e.Kind, Field: "data", Reason: err.Error()}
	}
	if data.OwnerID == "" {
		return &ValidationError{Kind: e.Kind, Field: "owner_id", Reason: "必須フィールドが空です"}
	}
	return nil
}

// validateTaskAssigned はTaskAssignedイベントのデータ部を検証する。
func validateTaskAssigned(e *Event) error {
	data, err := DecodeData[TaskAssignedData](e)
	if err != nil {
		return &ValidationError{Kind: e.Kind, Field: "data", Reason: err.Error()}
	}
	if data.AssignerID == "" {
		return &ValidationError{Kind: e.Kind, Field: "assigner_id", Reason: "必須フィールドが空です"}
	}
	if data.AssigneeID == "" {
		return &ValidationError{Kind: e.Kind, Field: "assignee_id", Reason: "必須フィールドが空です"}
	}
	return nil
}

// validateDeadlineApproaching はDeadlineApproachingイベントのデータ部を検証する。
func validateDeadlineApproaching(e *Event) error {
	data, err := DecodeData[DeadlineApproachingData](e)
	if err != nil {
		return &ValidationError{Kind: e.Kind, Field: "data", Reason: err.Error()}
	}
	if data.OwnerID == "" {
		return &ValidationError{Kind: e.Kind, Field: "owner_id", Reason: "必須フィールドが空です"}
	}
	if data.TimeUntilDeadlineSeconds < 0 {
		return &ValidationError{Kind: e.Kind, Field: "time_until_deadline_seconds", Reason: "残り秒数は0以上である必要があります"}
	}
	return nil
}
