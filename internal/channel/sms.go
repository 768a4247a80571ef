package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nao1215/taskhub/pkg/httpclient"
)

// SMSAdapter はSMSプロバイダーのHTTP APIを呼び出す配信アダプタ。
type SMSAdapter struct {
	// client はプロバイダーへのHTTPクライアント。
	client *httpclient.Client
	// timeout は1回の配信の最大待ち時間。
	timeout time.Duration
}

// NewSMSAdapter は新しいSMS配信アダプタを生成する。
func NewSMSAdapter(providerURL string, timeout time.Duration) *SMSAdapter {
	return &SMSAdapter{
		client:  httpclient.New(providerURL, timeout),
		timeout: timeout,
	}
}

// Channel は担当チャネル（sms）を返す。
func (a *SMSAdapter) Channel() Channel {
	return ChannelSMS
}

// smsRequest はSMSプロバイダーへの送信リクエストのJSON構造。
type smsRequest struct {
	// To は宛先ユーザーのID。
	To string `json:"to"`
	// Message は送信メッセージ。SMSはタイトルと本文を1つにまとめる。
	Message string `json:"message"`
}

// Send は宛先にSMSを配信する。
func (a *SMSAdapter) Send(ctx context.Context, recipientID, title, body string) error {
	if recipientID == "" {
		return NewPermanent(ChannelSMS, errors.New("宛先が空です"))
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req := smsRequest{To: recipientID, Message: fmt.Sprintf("%s: %s", title, body)}
	if err := a.client.PostJSON(ctx, "/v1/sms", req, nil); err != nil {
		return classify(ChannelSMS, err)
	}
	return nil
}
