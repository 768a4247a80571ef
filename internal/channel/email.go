package channel

import (
	"context"
	"errors"
	"time"

	"github.com/nao1215/taskhub/pkg/httpclient"
)

// EmailAdapter はメールプロバイダーのHTTP APIを呼び出す配信アダプタ。
type EmailAdapter struct {
	// client はプロバイダーへのHTTPクライアント。
	client *httpclient.Client
	// timeout は1回の配信の最大待ち時間。
	timeout time.Duration
}

// NewEmailAdapter は新しいメール配信アダプタを生成する。
func NewEmailAdapter(providerURL string, timeout time.Duration) *EmailAdapter {
	return &EmailAdapter{
		client:  httpclient.New(providerURL, timeout),
		timeout: timeout,
	}
}

// Channel は担当チャネル（email）を返す。
func (a *EmailAdapter) Channel() Channel {
	return ChannelEmail
}

// emailRequest はメールプロバイダーへの送信リクエストのJSON構造。
type emailRequest struct {
	// To は宛先ユーザーのID。
	To string `json:"to"`
	// Subject はメールの件名。
	Subject string `json:"subject"`
	// Body はメールの本文。
	Body string `json:"body"`
}

// Send は宛先にメールを配信する。
// 呼び出しには必ずハードタイムアウトを適用し、プロバイダーの応答遅延が
// ワーカープールを占有し続けることを防ぐ。
func (a *EmailAdapter) Send(ctx context.Context, recipientID, title, body string) error {
	if recipientID == "" {
		return NewPermanent(ChannelEmail, errors.New("宛先が空です"))
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req := emailRequest{To: recipientID, Subject: title, Body: body}
	if err := a.client.PostJSON(ctx, "/v1/messages", req, nil); err != nil {
		return classify(ChannelEmail, err)
	}
	return nil
}
