package router

import (
	"fmt"
	"time"

	"github.com/nao1215/taskhub/internal/channel"
	"github.com/nao1215/taskhub/internal/dispatcher"
	"github.com/nao1215/taskhub/pkg/event"
)

// HandlerFunc はイベント種類ごとに、どの宛先へどのチャネルで何を通知するかを
// 決定する。戻り値が空の場合、そのイベントからは通知を作らない。
type HandlerFunc func(e *event.Event) ([]dispatcher.Derived, error)

// DefaultHandlers は全イベント種類の標準の通知導出ルールを返す。
//
// チャネルの組はイベントの緊急度に応じて固定で決めている。タスクの割り当てと
// 締め切り接近は本人がすぐ気付く必要があるため全チャネル、更新のような
// 低優先度のイベントはプッシュ通知のみとする。
func DefaultHandlers() map[event.Kind]HandlerFunc {
	return map[event.Kind]HandlerFunc{
		event.KindTaskCreated:         handleTaskCreated,
		event.KindTaskUpdated:         handleTaskUpdated,
		event.KindTaskDeleted:         handleTaskDeleted,
		event.KindTaskAssigned:        handleTaskAssigned,
		event.KindDeadlineApproaching: handleDeadlineApproaching,
	}
}

// handleTaskCreated はタスク作成イベントをオーナー宛の通知に変換する。
func handleTaskCreated(e *event.Event) ([]dispatcher.Derived, error) {
	data, err := event.DecodeData[event.TaskCreatedData](e)
	if err != nil {
		return nil, err
	}
	return []dispatcher.Derived{{
		RecipientID: data.OwnerID,
		Channels:    []channel.Channel{channel.ChannelEmail, channel.ChannelSMS, channel.ChannelPush},
		Title:       "タスクを作成しました",
		Body:        fmt.Sprintf("タスク「%s」を作成しました", data.Title),
	}}, nil
}

// handleTaskUpdated はタスク更新イベントをオーナー宛のプッシュ通知に変換する。
func handleTaskUpdated(e *event.Event) ([]dispatcher.Derived, error) {
	data, err := event.DecodeData[event.TaskUpdatedData](e)
	if err != nil {
		return nil, err
	}
	return []dispatcher.Derived{{
		RecipientID: data.OwnerID,
		Channels:    []channel.Channel{channel.ChannelPush},
		Title:       "タスクが更新されました",
		Body:        fmt.Sprintf("タスク「%s」が更新されました", data.Title),
	}}, nil
}

// handleTaskDeleted はタスク削除イベントをオーナー宛のメール通知に変換する。
func handleTaskDeleted(e *event.Event) ([]dispatcher.Derived, error) {
	data, err := event.DecodeData[event.TaskDeletedData](e)
	if err != nil {
		return nil, err
	}
	return []dispatcher.Derived{{
		RecipientID: data.OwnerID,
		Channels:    []channel.Channel{channel.ChannelEmail},
		Title:       "タスクが削除されました",
		Body:        fmt.Sprintf("タスク「%s」が削除されました", data.Title),
	}}, nil
}

// handleTaskAssigned はタスク割り当てイベントを担当者宛の通知に変換する。
func handleTaskAssigned(e *event.Event) ([]dispatcher.Derived, error) {
	data, err := event.DecodeData[event.TaskAssignedData](e)
	if err != nil {
		return nil, err
	}
	return []dispatcher.Derived{{
		RecipientID: data.AssigneeID,
		Channels:    []channel.Channel{channel.ChannelEmail, channel.ChannelSMS, channel.ChannelPush},
		Title:       "タスクが割り当てられました",
		Body:        fmt.Sprintf("タスク「%s」があなたに割り当てられました", data.TaskTitle),
	}}, nil
}

// handleDeadlineApproaching は締め切り接近イベントをオーナー宛の通知に変換する。
func handleDeadlineApproaching(e *event.Event) ([]dispatcher.Derived, error) {
	data, err := event.DecodeData[event.DeadlineApproachingData](e)
	if err != nil {
		return nil, err
	}
	remaining := formatRemaining(time.Duration(data.TimeUntilDeadlineSeconds) * time.Second)
	return []dispatcher.Derived{{
		RecipientID: data.OwnerID,
		Channels:    []channel.Channel{channel.ChannelEmail, channel.ChannelSMS, channel.ChannelPush},
		Title:       "タスクの締め切りが近づいています",
		Body:        fmt.Sprintf("タスク「%s」の締め切りまで残り%sです", data.TaskTitle, remaining),
	}}, nil
}

// formatRemaining は締め切りまでの残り時間を日本語の概算表記にする。
func formatRemaining(d time.Duration) string {
	switch {
	case d >= 24*time.Hour:
		return fmt.Sprintf("%d日", int(d.Hours())/24)
	case d >= time.Hour:
		return fmt.Sprintf("%d時間", int(d.Hours()))
	case d >= time.Minute:
		return fmt.Sprintf("%d分", int(d.Minutes()))
	default:
		return fmt.Sprintf("%d秒", int(d.Seconds()))
	}
}
