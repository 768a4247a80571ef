package channel

import (
	"errors"
	"net/http"

	"github.com/nao1215/taskhub/pkg/httpclient"
)

// classify はプロバイダー呼び出しのエラーを種別付きの配信エラーへ変換する。
// 5xxと429はリトライで回復しうるため一時的エラー、それ以外のHTTPエラーは
// 恒久的エラーとする。タイムアウトやネットワーク到達不能は一時的エラー。
func classify(ch Channel, err error) error {
	var serr *httpclient.StatusError
	if errors.As(err, &serr) {
		if serr.Code >= 500 || serr.Code == http.StatusTooManyRequests {
			return NewTransient(ch, err)
		}
		return NewPermanent(ch, err)
	}
	return NewTransient(ch, err)
}
