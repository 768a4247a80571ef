// Command notification はタスクイベントバスの通知サービスを起動する。
//
// イベントストリームの購読、通知のファンアウト配信、リトライ、
// デッドレター管理、通知照会APIを1つのプロセスで提供する。
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nao1215/taskhub/internal/api"
	"github.com/nao1215/taskhub/internal/channel"
	"github.com/nao1215/taskhub/internal/config"
	"github.com/nao1215/taskhub/internal/dispatcher"
	"github.com/nao1215/taskhub/internal/publisher"
	"github.com/nao1215/taskhub/internal/router"
	"github.com/nao1215/taskhub/internal/store"
	"github.com/nao1215/taskhub/pkg/event"
	"github.com/nao1215/taskhub/pkg/metrics"
	"github.com/nao1215/taskhub/pkg/stream"
)

func main() {
	configPath := flag.String("config", os.Getenv("TASKHUB_CONFIG"), "設定ファイル（YAML）のパス")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("[Main] 起動に失敗しました: %v", err)
	}
}

// run はサービスの全コンポーネントを組み立てて起動し、シグナルを受けて
// 順序立てて停止する。起動時の失敗（スキーマ適用、ストリーム接続）は
// エラーとして返し、プロセスを落とす。
func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	st, err := stream.NewSQLiteStream(cfg.StreamDBPath, cfg.Partitions)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	s, err := store.New(cfg.NotificationDBPath)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	m := metrics.New()
	registry := event.NewRegistry()
	pub := publisher.New(st, registry, m, 3, 100*time.Millisecond)

	adapters := []channel.Adapter{
		channel.NewEmailAdapter(cfg.EmailProviderURL, cfg.SendTimeout()),
		channel.NewSMSAdapter(cfg.SMSProviderURL, cfg.SendTimeout()),
		channel.NewPushAdapter(cfg.PushProviderURL, cfg.SendTimeout()),
	}
	disp := dispatcher.New(s, adapters, m, dispatcher.Config{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay(),
		Workers:     cfg.Workers,
		StaleAfter:  3 * cfg.SendTimeout(),
		Alert: func(n *store.Notification) {
			log.Printf("[Alert] 通知の配信を放棄しました。調査してください: notification_id=%s, event_id=%s, recipient_id=%s, channel=%s, attempts=%d",
				n.ID, n.EventID, n.RecipientID, n.Channel, n.AttemptCount)
		},
	})
	consumer := router.New(st, s, registry, disp, router.DefaultHandlers(), m, cfg.ConsumerGroup)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		consumer.Run(ctx, cfg.PollInterval(), cfg.BatchSize)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		disp.RunRetryLoop(ctx, cfg.PollInterval(), cfg.BatchSize)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		runCompaction(ctx, st, cfg.Retention())
	}()

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewServer(s, pub, m, cfg.JWTSecret, cfg.AllowedOrigins).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[Main] 通知サービスを起動します。port=%s, group=%s, partitions=%d",
			cfg.Port, cfg.ConsumerGroup, cfg.Partitions)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		stop()
		wg.Wait()
		return err
	case <-ctx.Done():
	}

	log.Println("[Main] シグナルを受信しました。シャットダウンします")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Main] HTTPサーバーの停止エラー: %v", err)
	}

	wg.Wait()
	log.Println("[Main] 通知サービスを停止しました")
	return nil
}

// runCompaction は全グループがコミット済みで保持期間を過ぎたストリーム
// レコードを定期的に削除する。
func runCompaction(ctx context.Context, st *stream.SQLiteStream, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := st.Compact(ctx, time.Now().UTC().Add(-retention))
			if err != nil {
				log.Printf("[Main] ストリームのコンパクションエラー: %v", err)
				continue
			}
			if deleted > 0 {
				log.Printf("[Main] ストリームをコンパクションしました: deleted=%d", deleted)
			}
		}
	}
}
