package admission

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nao1215/contesthub/internal/notify"
	"github.com/nao1215/contesthub/internal/queue"
	"github.com/nao1215/contesthub/pkg/middleware"
)

// Server は参加受付サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// store は大会と参加登録のストア。
	store *Store
	// service は参加受付のユースケース。
	service *Service
	// queue はタスクキュー。デッドレターの閲覧と再登録に使用する。
	queue *queue.Queue
	// notifier は通知レコードの読み取りに使用する。
	notifier *notify.Notifier
	// db はSQLiteデータベース接続。
	db *sql.DB
}

// NewServer は新しい参加受付サーバーを生成する。
// SQLiteデータベースの初期化とマイグレーションを行う。
func NewServer(port string) (*Server, error) {
	dbPath := os.Getenv("DB_PATH")
	if dbPath == "" {
		dbPath = "/data/contesthub.db"
	}

	sqlDB, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	store, err := NewStore(sqlDB)
	if err != nil {
		return nil, err
	}

	taskQueue, err := queue.New(sqlDB)
	if err != nil {
		return nil, err
	}

	// 通知レコードは読み取りのみ。外部配信はワーカープロセスが行う
	notifier, err := notify.New(sqlDB, nil)
	if err != nil {
		return nil, err
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())

	frontendURL := os.Getenv("FRONTEND_URL")
	if frontendURL != "" {
		router.Use(middleware.CORS([]string{frontendURL}))
	}

	s := &Server{
		router:   router,
		port:     port,
		store:    store,
		service:  NewService(store, taskQueue),
		queue:    taskQueue,
		notifier: notifier,
		db:       sqlDB,
	}
	s.setupRoutes()

	return s, nil
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.port))
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "dev-secret-key"
	}

	api := s.router.Group("/api/v1")
	api.Use(middleware.JWTAuth(jwtSecret))
	{
		competitions := api.Group("/competitions")
		{
			// 大会作成（管理者のみ）
			competitions.POST("", s.handleCreateCompetition())
			// 大会詳細取得
			competitions.GET("/:id", s.handleGetCompetition())
			// 大会への参加登録
			competitions.POST("/:id/registrations", s.handleAdmit())
		}

		// 自分の参加登録一覧取得
		api.GET("/registrations", s.handleListRegistrations())

		notifications := api.Group("/notifications")
		{
			// 通知一覧取得
			notifications.GET("", s.handleListNotifications())
			// 未読通知一覧取得
			notifications.GET("/unread", s.handleListUnreadNotifications())
			// 通知を既読にする
			notifications.PUT("/:id/read", s.handleMarkNotificationAsRead())
			// 全通知を既読にする
			notifications.PUT("/read-all", s.handleMarkAllNotificationsAsRead())
		}

		deadletters := api.Group("/deadletters")
		{
			// デッドレター一覧取得（管理者のみ）
			deadletters.GET("", s.handleListDeadLetters())
			// デッドレターの再登録（管理者のみ）
			deadletters.POST("/:id/requeue", s.handleRequeueDeadLetter())
		}
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "admission"})
	})
}

// registrationResponse は参加登録のJSONレスポンス構造。
type registrationResponse struct {
	// ID は参加登録の一意識別子。
	ID string `json:"id"`
	// UserID は参加者のユーザーID。
	UserID string `json:"user_id"`
	// CompetitionID は対象の大会の識別子。
	CompetitionID string `json:"competition_id"`
	// RegisteredAt は参加登録の作成日時（RFC3339形式）。
	RegisteredAt string `json:"registered_at"`
}

// toRegistrationResponse は参加登録をJSONレスポンスに変換する。
func toRegistrationResponse(r Registration) registrationResponse {
	return registrationResponse{
		ID:            r.ID,
		UserID:        r.UserID,
		CompetitionID: r.CompetitionID,
		RegisteredAt:  r.RegisteredAt.Format(time.RFC3339),
	}
}

// admitRequest は参加登録リクエストのJSON構造。ボディは省略可能。
type admitRequest struct {
	// IdempotencyKey は冪等性キー。リトライ時に同じ値を指定することで
	// 同じ論理リクエストとして扱われる。
	IdempotencyKey string `json:"idempotency_key"`
}

// handleAdmit は大会への参加登録を処理するハンドラを返す。
// 検証エラーは種類に応じたHTTPステータスコードへ対応付ける。
func (s *Server) handleAdmit() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		// 参加登録の呼び出しに必要な権限を明示的に検査する
		role := middleware.GetRole(c)
		if role != middleware.RoleParticipant && role != middleware.RoleAdmin {
			c.JSON(http.StatusForbidden, gin.H{"error": "参加登録を行う権限がありません"})
			return
		}

		var req admitRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		reg, err := s.service.Admit(c.Request.Context(), c.Param("id"), userID, req.IdempotencyKey)
		if err != nil {
			s.respondAdmitError(c, err)
			return
		}

		c.JSON(http.StatusCreated, toRegistrationResponse(*reg))
	}
}

// respondAdmitError は参加登録の失敗をHTTPレスポンスへ対応付ける。
func (s *Server) respondAdmitError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrCompetitionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ErrDeadlineExceeded):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ErrCapacityExceeded):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ErrAlreadyRegistered):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		// ストア層の障害は一時的な利用不可として返す。
		// 冪等性キー付きのリクエストはそのまま再試行できる
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "一時的に利用できません。時間をおいて再試行してください"})
		log.Printf("参加登録エラー: %v", err)
	}
}

// handleListRegistrations は認証済みユーザーの参加登録一覧を返すハンドラ。
func (s *Server) handleListRegistrations() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		registrations, err := s.store.ListRegistrationsByUser(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "参加登録一覧の取得に失敗しました"})
			log.Printf("参加登録一覧取得エラー: %v", err)
			return
		}

		responses := make([]registrationResponse, 0, len(registrations))
		for _, r := range registrations {
			responses = append(responses, toRegistrationResponse(r))
		}
		c.JSON(http.StatusOK, responses)
	}
}

// createCompetitionRequest は大会作成リクエストのJSON構造。
type createCompetitionRequest struct {
	// Name は大会名。
	Name string `json:"name" binding:"required"`
	// Capacity は参加定員。
	Capacity int `json:"capacity" binding:"required,gt=0"`
	// RegDeadline は参加登録の締め切り日時（RFC3339形式）。
	RegDeadline time.Time `json:"reg_deadline" binding:"required"`
	// StartDate は大会の開始日時（RFC3339形式、省略可能）。
	StartDate *time.Time `json:"start_date"`
}

// competitionResponse は大会のJSONレスポンス構造。
type competitionResponse struct {
	// ID は大会の一意識別子。
	ID string `json:"id"`
	// Name は大会名。
	Name string `json:"name"`
	// Capacity は参加定員。
	Capacity int `json:"capacity"`
	// RegDeadline は参加登録の締め切り日時（RFC3339形式）。
	RegDeadline string `json:"reg_deadline"`
	// StartDate は大会の開始日時（RFC3339形式）。未定の場合は空文字列。
	StartDate string `json:"start_date,omitempty"`
}

// toCompetitionResponse は大会をJSONレスポンスに変換する。
func toCompetitionResponse(c Competition) competitionResponse {
	resp := competitionResponse{
		ID:          c.ID,
		Name:        c.Name,
		Capacity:    c.Capacity,
		RegDeadline: c.RegDeadline.Format(time.RFC3339),
	}
	if c.StartDate != nil {
		resp.StartDate = c.StartDate.Format(time.RFC3339)
	}
	return resp
}

// handleCreateCompetition は大会を作成するハンドラを返す。
// 大会メタデータの管理は本来周辺システムの責務であり、
// ここでは運用に必要な最小限の作成APIのみを提供する。
func (s *Server) handleCreateCompetition() gin.HandlerFunc {
	return func(c *gin.Context) {
		if middleware.GetRole(c) != middleware.RoleAdmin {
			c.JSON(http.StatusForbidden, gin.H{"error": "大会を作成する権限がありません"})
			return
		}

		var req createCompetitionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		competition := Competition{
			ID:          uuid.New().String(),
			Name:        req.Name,
			Capacity:    req.Capacity,
			RegDeadline: req.RegDeadline,
			StartDate:   req.StartDate,
		}
		if err := s.store.CreateCompetition(c.Request.Context(), competition); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "大会の作成に失敗しました"})
			log.Printf("大会作成エラー: %v", err)
			return
		}

		c.JSON(http.StatusCreated, toCompetitionResponse(competition))
	}
}

// handleGetCompetition は大会の詳細を返すハンドラを返す。
func (s *Server) handleGetCompetition() gin.HandlerFunc {
	return func(c *gin.Context) {
		competition, err := s.store.GetCompetition(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, ErrCompetitionNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "大会の取得に失敗しました"})
			log.Printf("大会取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, toCompetitionResponse(*competition))
	}
}

// notificationResponse は通知のJSONレスポンス構造。
type notificationResponse struct {
	// ID は通知の一意識別子。
	ID string `json:"id"`
	// Kind は通知の種類。
	Kind string `json:"kind"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知メッセージ。
	Message string `json:"message"`
	// IsRead は通知の既読状態。
	IsRead bool `json:"is_read"`
	// CreatedAt は通知の作成日時（RFC3339形式）。
	CreatedAt string `json:"created_at"`
}

// toNotificationResponses は通知レコードのスライスをJSONレスポンスに変換する。
func toNotificationResponses(notifications []notify.Notification) []notificationResponse {
	responses := make([]notificationResponse, 0, len(notifications))
	for _, n := range notifications {
		responses = append(responses, notificationResponse{
			ID:        n.ID,
			Kind:      string(n.Kind),
			Title:     n.Title,
			Message:   n.Message,
			IsRead:    n.IsRead,
			CreatedAt: n.CreatedAt.Format(time.RFC3339),
		})
	}
	return responses
}

// handleListNotifications は認証済みユーザーの通知一覧を返すハンドラ。
func (s *Server) handleListNotifications() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		notifications, err := s.notifier.ListByUser(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知一覧の取得に失敗しました"})
			log.Printf("通知一覧取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, toNotificationResponses(notifications))
	}
}

// handleListUnreadNotifications は認証済みユーザーの未読通知一覧を返すハンドラ。
func (s *Server) handleListUnreadNotifications() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		notifications, err := s.notifier.ListUnreadByUser(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "未読通知一覧の取得に失敗しました"})
			log.Printf("未読通知一覧取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, toNotificationResponses(notifications))
	}
}

// handleMarkNotificationAsRead は指定された通知を既読にするハンドラ。
func (s *Server) handleMarkNotificationAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		ok, err := s.notifier.MarkAsRead(c.Request.Context(), userID, c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の既読処理に失敗しました"})
			log.Printf("通知既読処理エラー: %v", err)
			return
		}
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "通知が見つかりません"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "通知を既読にしました"})
	}
}

// handleMarkAllNotificationsAsRead は認証済みユーザーの全通知を既読にするハンドラ。
func (s *Server) handleMarkAllNotificationsAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		if err := s.notifier.MarkAllAsRead(c.Request.Context(), userID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "全通知の既読処理に失敗しました"})
			log.Printf("全通知既読処理エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "全通知を既読にしました"})
	}
}

// deadLetterResponse はデッドレターのJSONレスポンス構造。
type deadLetterResponse struct {
	// ID はデッドレターの一意識別子。
	ID string `json:"id"`
	// TaskID は元タスクの識別子。
	TaskID string `json:"task_id"`
	// Kind は元タスクの種類。
	Kind string `json:"kind"`
	// Payload は元タスクのペイロード（JSON形式）。
	Payload string `json:"payload"`
	// LastError は最後の失敗理由。
	LastError string `json:"last_error"`
	// Attempts は失敗した試行回数。
	Attempts int `json:"attempts"`
	// CreatedAt はデッドレターの作成日時（RFC3339形式）。
	CreatedAt string `json:"created_at"`
}

// handleListDeadLetters はデッドレター一覧を返すハンドラ。管理者のみ。
func (s *Server) handleListDeadLetters() gin.HandlerFunc {
	return func(c *gin.Context) {
		if middleware.GetRole(c) != middleware.RoleAdmin {
			c.JSON(http.StatusForbidden, gin.H{"error": "デッドレターを閲覧する権限がありません"})
			return
		}

		letters, err := s.queue.ListDeadLetters(c.Request.Context(), 100)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "デッドレター一覧の取得に失敗しました"})
			log.Printf("デッドレター一覧取得エラー: %v", err)
			return
		}

		responses := make([]deadLetterResponse, 0, len(letters))
		for _, dl := range letters {
			responses = append(responses, deadLetterResponse{
				ID:        dl.ID,
				TaskID:    dl.TaskID,
				Kind:      string(dl.Kind),
				Payload:   dl.Payload,
				LastError: dl.LastError,
				Attempts:  dl.Attempts,
				CreatedAt: dl.CreatedAt.Format(time.RFC3339),
			})
		}
		c.JSON(http.StatusOK, responses)
	}
}

// handleRequeueDeadLetter はデッドレターを新しいタスクとして再登録するハンドラ。
// 運用者が障害原因を解消した後の手動復旧に使用する。管理者のみ。
func (s *Server) handleRequeueDeadLetter() gin.HandlerFunc {
	return func(c *gin.Context) {
		if middleware.GetRole(c) != middleware.RoleAdmin {
			c.JSON(http.StatusForbidden, gin.H{"error": "デッドレターを再登録する権限がありません"})
			return
		}

		taskID, err := s.queue.RequeueDeadLetter(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, queue.ErrDeadLetterNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "デッドレターの再登録に失敗しました"})
			log.Printf("デッドレター再登録エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"task_id": taskID, "message": "タスクを再登録しました"})
	}
}
