package channel

import (
	"context"
	"errors"
	"time"

	"github.com/nao1215/taskhub/pkg/httpclient"
)

// PushAdapter はプッシュ通知プロバイダーのHTTP APIを呼び出す配信アダプタ。
type PushAdapter struct {
	// client はプロバイダーへのHTTPクライアント。
	client *httpclient.Client
	// timeout は1回の配信の最大待ち時間。
	timeout time.Duration
}

// NewPushAdapter は新しいプッシュ通知配信アダプタを生成する。
func NewPushAdapter(providerURL string, timeout time.Duration) *PushAdapter {
	return &PushAdapter{
		client:  httpclient.New(providerURL, timeout),
		timeout: timeout,
	}
}

// Channel は担当チャネル（push）を返す。
func (a *PushAdapter) Channel() Channel {
	return ChannelPush
}

// pushRequest はプッシュ通知プロバイダーへの送信リクエストのJSON構造。
type pushRequest struct {
	// UserID は宛先ユーザーのID。
	UserID string `json:"user_id"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Body は通知の本文。
	Body string `json:"body"`
}

// Send は宛先にプッシュ通知を配信する。
func (a *PushAdapter) Send(ctx context.Context, recipientID, title, body string) error {
	if recipientID == "" {
		return NewPermanent(ChannelPush, errors.New("宛先が空です"))
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req := pushRequest{UserID: recipientID, Title: title, Body: body}
	if err := a.client.PostJSON(ctx, "/v1/push", req, nil); err != nil {
		return classify(ChannelPush, err)
	}
	return nil
}
