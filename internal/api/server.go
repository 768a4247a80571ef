// Package api は通知の照会・既読管理とイベント受け付けのHTTP APIを提供する。
//
// 通知は宛先ユーザー本人の情報であるため、照会系のエンドポイントはすべて
// JWT認証を必須とし、認証済みユーザー自身の通知のみを返す。
package api

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/taskhub/internal/publisher"
	"github.com/nao1215/taskhub/internal/store"
	"github.com/nao1215/taskhub/pkg/event"
	"github.com/nao1215/taskhub/pkg/metrics"
	"github.com/nao1215/taskhub/pkg/middleware"
)

// deadLetterLimit は運用者向けデッドレター一覧の最大件数。
const deadLetterLimit = 200

// Server は通知APIのHTTPサーバー。
type Server struct {
	// store は通知の永続化層。
	store *store.Store
	// publisher はタスクサービスから受け付けたイベントの発行先。
	publisher *publisher.Publisher
	// metrics は運用メトリクス。
	metrics *metrics.Metrics
	// jwtSecret はJWT検証用の署名鍵。
	jwtSecret string
	// allowedOrigins はCORSで許可するフロントエンドのオリジン一覧。
	allowedOrigins []string
	// engine はGinのルーティングエンジン。
	engine *gin.Engine
}

// NewServer は新しい通知APIサーバーを生成し、ルーティングを設定する。
func NewServer(s *store.Store, p *publisher.Publisher, m *metrics.Metrics, jwtSecret string, allowedOrigins []string) *Server {
	server := &Server{
		store:          s,
		publisher:      p,
		metrics:        m,
		jwtSecret:      jwtSecret,
		allowedOrigins: allowedOrigins,
	}
	server.setupRoutes()
	return server
}

// setupRoutes はルーティングを設定する。
func (s *Server) setupRoutes() {
	engine := gin.New()
	engine.Use(middleware.Recovery())
	engine.Use(middleware.CORS(s.allowedOrigins))

	engine.GET("/health", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	v1 := engine.Group("/api/v1")
	v1.Use(middleware.JWTAuth(s.jwtSecret))
	{
		v1.POST("/events", s.handlePublishEvent)
		v1.GET("/notifications", s.handleListNotifications)
		v1.GET("/notifications/unread", s.handleListUnread)
		v1.PUT("/notifications/read-all", s.handleMarkAllAsRead)
		v1.PUT("/notifications/:id/read", s.handleMarkAsRead)
		v1.GET("/notifications/dead-letter", s.handleListDeadLettered)
	}

	s.engine = engine
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.engine
}

// notificationResponse は通知のAPIレスポンス表現。
type notificationResponse struct {
	// ID は通知の一意識別子。
	ID string `json:"id"`
	// EventID は通知の起点となったイベントのID。
	EventID string `json:"event_id"`
	// Channel は配信チャネル。
	Channel string `json:"channel"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Body は通知の本文。
	Body string `json:"body"`
	// Status は配信状態。
	Status string `json:"status"`
	// AttemptCount は配信試行回数。
	AttemptCount int64 `json:"attempt_count"`
	// IsRead は既読状態。
	IsRead bool `json:"is_read"`
	// CreatedAt は通知の作成日時。
	CreatedAt time.Time `json:"created_at"`
}

// toResponse は永続化層の通知をAPIレスポンス表現に変換する。
func toResponse(n *store.Notification) notificationResponse {
	return notificationResponse{
		ID:           n.ID,
		EventID:      n.EventID,
		Channel:      n.Channel,
		Title:        n.Title,
		Body:         n.Body,
		Status:       string(n.Status),
		AttemptCount: n.AttemptCount,
		IsRead:       n.IsRead != 0,
		CreatedAt:    n.CreatedAt,
	}
}

// handleHealth はヘルスチェックに応答する。
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// publishEventRequest はイベント発行リクエストのボディ。
type publishEventRequest struct {
	// TaskID は対象タスクのID。パーティションキーとして使用される。
	TaskID string `json:"task_id" binding:"required"`
	// Kind はイベント種類。
	Kind string `json:"kind" binding:"required"`
	// Version はイベントスキーマのバージョン。
	Version int64 `json:"version"`
	// Data はイベント種類ごとのペイロード。
	Data map[string]any `json:"data" binding:"required"`
}

// handlePublishEvent はタスクサービスからのイベントを受け付けて
// ストリームへ発行する。actor_idは認証済みユーザーとする。
func (s *Server) handlePublishEvent(c *gin.Context) {
	var req publishEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディが不正です"})
		return
	}

	e, err := event.New(req.TaskID, event.Kind(req.Kind), middleware.GetUserID(c), req.Version, req.Data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "イベントの生成に失敗しました"})
		return
	}

	rec, err := s.publisher.Publish(c.Request.Context(), e)
	if err != nil {
		var verr *event.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error": "イベントの検証に失敗しました",
				"field": verr.Field,
			})
			return
		}
		log.Printf("[API] イベントの発行エラー: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "イベントの発行に失敗しました"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"event_id":  e.ID,
		"partition": rec.Partition,
		"offset":    rec.Offset,
	})
}

// handleListNotifications は認証済みユーザー宛の通知一覧を返す。
func (s *Server) handleListNotifications(c *gin.Context) {
	userID := middleware.GetUserID(c)
	notifications, err := s.store.ListByRecipient(c.Request.Context(), userID)
	if err != nil {
		log.Printf("[API] 通知一覧の取得エラー: user_id=%s, error=%v", userID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "通知一覧の取得に失敗しました"})
		return
	}

	responses := make([]notificationResponse, 0, len(notifications))
	for i := range notifications {
		responses = append(responses, toResponse(&notifications[i]))
	}
	c.JSON(http.StatusOK, gin.H{"notifications": responses, "count": len(responses)})
}

// handleListUnread は認証済みユーザー宛の未読通知一覧を返す。
func (s *Server) handleListUnread(c *gin.Context) {
	userID := middleware.GetUserID(c)
	notifications, err := s.store.ListUnreadByRecipient(c.Request.Context(), userID)
	if err != nil {
		log.Printf("[API] 未読通知一覧の取得エラー: user_id=%s, error=%v", userID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "未読通知一覧の取得に失敗しました"})
		return
	}

	responses := make([]notificationResponse, 0, len(notifications))
	for i := range notifications {
		responses = append(responses, toResponse(&notifications[i]))
	}
	c.JSON(http.StatusOK, gin.H{"notifications": responses, "count": len(responses)})
}

// handleMarkAsRead は指定通知を既読にする。他人の通知は404として扱い、
// 通知の存在自体を漏らさない。
func (s *Server) handleMarkAsRead(c *gin.Context) {
	userID := middleware.GetUserID(c)
	id := c.Param("id")

	n, err := s.store.GetNotificationByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "通知が見つかりません"})
		return
	}
	if n.RecipientID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "通知が見つかりません"})
		return
	}

	if err := s.store.MarkAsRead(c.Request.Context(), id); err != nil {
		log.Printf("[API] 既読処理エラー: notification_id=%s, error=%v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "既読処理に失敗しました"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleMarkAllAsRead は認証済みユーザー宛の全通知を既読にする。
func (s *Server) handleMarkAllAsRead(c *gin.Context) {
	userID := middleware.GetUserID(c)
	if err := s.store.MarkAllAsRead(c.Request.Context(), userID); err != nil {
		log.Printf("[API] 全既読処理エラー: user_id=%s, error=%v", userID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "既読処理に失敗しました"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleListDeadLettered はデッドレター状態の通知一覧を返す。
// 運用者が配信放棄された通知を調査するためのエンドポイント。
func (s *Server) handleListDeadLettered(c *gin.Context) {
	notifications, err := s.store.ListDeadLettered(c.Request.Context(), deadLetterLimit)
	if err != nil {
		log.Printf("[API] デッドレター一覧の取得エラー: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "デッドレター一覧の取得に失敗しました"})
		return
	}

	responses := make([]notificationResponse, 0, len(notifications))
	for i := range notifications {
		responses = append(responses, toResponse(&notifications[i]))
	}
	c.JSON(http.StatusOK, gin.H{"notifications": responses, "count": len(responses)})
}
