// Package channel は通知チャネルごとの配信アダプタを提供する。
//
// 各アダプタは外部プロバイダー（メール・SMS・プッシュ通知）のHTTP APIを
// 呼び出し、失敗を一時的（Transient）か恒久的（Permanent）かに分類して
// 返す。アダプタ同士は状態を共有せず、1つのチャネルの遅延や障害が
// 他のチャネルの配信を妨げることはない。
package channel

import (
	"context"
	"errors"
	"fmt"
)

// Channel は通知の配信媒体を表す。
type Channel string

const (
	// ChannelEmail はメールによる配信を表す。
	ChannelEmail Channel = "email"
	// ChannelSMS はSMSによる配信を表す。
	ChannelSMS Channel = "sms"
	// ChannelPush はプッシュ通知による配信を表す。
	ChannelPush Channel = "push"
)

// Valid はチャネルが定義済みの値であるかを判定する。
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush:
		return true
	default:
		return false
	}
}

// SendError は配信失敗を表す種別付きエラー。
// Permanentがtrueの場合はリトライしても成功する見込みがなく、
// 通知は即座にデッドレターへ移される。falseの場合はリトライ対象となる。
type SendError struct {
	// Channel は失敗したチャネル。
	Channel Channel
	// Permanent は恒久的エラーであるかどうか。
	Permanent bool
	// Err は元のエラー。
	Err error
}

// Error はエラーメッセージを返す。
func (e *SendError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("配信に失敗: channel=%s, kind=%s: %v", e.Channel, kind, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *SendError) Unwrap() error {
	return e.Err
}

// NewTransient はリトライ可能な配信エラーを生成する。
func NewTransient(ch Channel, err error) error {
	return &SendError{Channel: ch, Permanent: false, Err: err}
}

// NewPermanent はリトライ不能な配信エラーを生成する。
func NewPermanent(ch Channel, err error) error {
	return &SendError{Channel: ch, Permanent: true, Err: err}
}

// IsPermanent はエラーが恒久的な配信エラーであるかを判定する。
// SendError以外のエラー（コンテキスト失効等）は一時的として扱う。
func IsPermanent(err error) bool {
	var serr *SendError
	if errors.As(err, &serr) {
		return serr.Permanent
	}
	return false
}

// Adapter は1つの配信媒体に対する配信能力の抽象。
// Sendは成功時にnilを、失敗時に種別付きのエラーを返す。
type Adapter interface {
	// Channel はこのアダプタが担当するチャネルを返す。
	Channel() Channel
	// Send は宛先に通知を配信する。
	Send(ctx context.Context, recipientID, title, body string) error
}
