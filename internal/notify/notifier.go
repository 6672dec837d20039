package notify

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nao1215/contesthub/internal/queue"
	"github.com/nao1215/contesthub/pkg/httpclient"
	"github.com/nao1215/contesthub/pkg/task"
)

// Notification はユーザーへの通知レコードを表す。
type Notification struct {
	// ID は通知の一意識別子。
	ID string
	// UserID は通知先のユーザーID。
	UserID string
	// Kind は通知の種類。
	Kind task.Kind
	// Title は通知のタイトル。
	Title string
	// Message は通知メッセージ。
	Message string
	// IsRead は通知の既読状態。
	IsRead bool
	// CreatedAt は通知の作成日時。
	CreatedAt time.Time
}

// Notifier は通知タスクのハンドラ。
// 通知レコードをデータベースに保存し、外部の通知配信エンドポイントが
// 設定されている場合はそこへもJSONをPOSTする。
type Notifier struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
	// client は外部通知配信エンドポイントへのHTTPクライアント。
	// nilの場合は外部への配信を行わない。
	client *httpclient.Client
}

// New は新しいNotifierを生成し、スキーマを適用する。
// clientにnilを渡した場合、通知はデータベースへの保存のみとなる。
func New(db *sql.DB, client *httpclient.Client) (*Notifier, error) {
	if err := initSchema(db); err != nil {
		return nil, fmt.Errorf("通知ストアの初期化に失敗: %w", err)
	}
	return &Notifier{db: db, client: client}, nil
}

// HandleConfirmation は参加登録完了通知タスクを処理する。
func (n *Notifier) HandleConfirmation(ctx context.Context, t *queue.Task) error {
	p, err := task.DecodePayload(t.Payload)
	if err != nil {
		return err
	}

	title := "参加登録が完了しました"
	message := fmt.Sprintf("大会 %s への参加登録を受け付けました。登録番号: %s", p.CompetitionID, p.RegistrationID)
	return n.deliver(ctx, t, p, title, message)
}

// HandleReminder はリマインダー通知タスクを処理する。
func (n *Notifier) HandleReminder(ctx context.Context, t *queue.Task) error {
	p, err := task.DecodePayload(t.Payload)
	if err != nil {
		return err
	}

	title := "大会開始が近づいています"
	message := fmt.Sprintf("大会 %s がまもなく開始されます。忘れずにご参加ください。", p.CompetitionID)
	return n.deliver(ctx, t, p, title, message)
}

// deliverRequest は外部通知配信エンドポイントへのリクエストのJSON構造。
// Keyは冪等化キーであり、配信先は同じキーの通知を重複して送信しないこと。
type deliverRequest struct {
	// Key は通知の冪等化キー。
	Key string `json:"key"`
	// UserID は通知先のユーザーID。
	UserID string `json:"user_id"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知メッセージ。
	Message string `json:"message"`
}

// deliver は通知レコードを保存し、外部エンドポイントへ配信する。
// 通知IDはタスクの論理的な同一性（重複防止キー）から決定的に導出する。
// タスクが完了・削除された後に同じ論理タスクが改めて登録された場合でも
// タスクIDではなくキーが同じであれば同じ通知IDに解決されるため、
// 再実行・再登録のいずれでも通知が重複することはない。
// 外部配信の失敗はエラーとして返し、ワーカーのリトライに委ねる。
func (n *Notifier) deliver(ctx context.Context, t *queue.Task, p task.Payload, title, message string) error {
	identity := t.DedupeKey
	if identity == "" {
		identity = t.ID
	}
	notificationID := uuid.NewSHA1(uuid.NameSpaceURL, []byte("contesthub:notification:"+identity)).String()

	_, err := n.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO notifications (id, user_id, kind, title, message)
		VALUES (?, ?, ?, ?, ?)`,
		notificationID, p.UserID, string(t.Kind), title, message,
	)
	if err != nil {
		return fmt.Errorf("通知レコードの保存に失敗: %w", err)
	}

	if n.client == nil {
		return nil
	}

	req := deliverRequest{
		Key:     notificationID,
		UserID:  p.UserID,
		Title:   title,
		Message: message,
	}
	var resp map[string]any
	if err := n.client.PostJSON(ctx, "/api/v1/notifications", req, &resp); err != nil {
		return fmt.Errorf("外部への通知配信に失敗: %w", err)
	}
	return nil
}

// ListByUser は指定ユーザーの通知を新しい順に返す。
func (n *Notifier) ListByUser(ctx context.Context, userID string) ([]Notification, error) {
	return n.list(ctx, `
		SELECT id, user_id, kind, title, message, is_read, created_at
		FROM notifications
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC`, userID)
}

// ListUnreadByUser は指定ユーザーの未読通知を新しい順に返す。
func (n *Notifier) ListUnreadByUser(ctx context.Context, userID string) ([]Notification, error) {
	return n.list(ctx, `
		SELECT id, user_id, kind, title, message, is_read, created_at
		FROM notifications
		WHERE user_id = ? AND is_read = 0
		ORDER BY created_at DESC, id DESC`, userID)
}

// list は通知一覧クエリの共通処理。
func (n *Notifier) list(ctx context.Context, query, userID string) ([]Notification, error) {
	rows, err := n.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var notifications []Notification
	for rows.Next() {
		var (
			item    Notification
			kindStr string
			isRead  int
		)
		if err := rows.Scan(&item.ID, &item.UserID, &kindStr, &item.Title, &item.Message, &isRead, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("通知の読み取りに失敗: %w", err)
		}
		item.Kind = task.Kind(kindStr)
		item.IsRead = isRead != 0
		notifications = append(notifications, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("通知一覧の走査に失敗: %w", err)
	}
	return notifications, nil
}

// MarkAsRead は指定された通知を既読にする。
// 通知が存在しない、または他ユーザーの通知の場合はfalseを返す。
func (n *Notifier) MarkAsRead(ctx context.Context, userID, notificationID string) (bool, error) {
	res, err := n.db.ExecContext(ctx,
		"UPDATE notifications SET is_read = 1 WHERE id = ? AND user_id = ?",
		notificationID, userID,
	)
	if err != nil {
		return false, fmt.Errorf("通知の既読処理に失敗: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("既読処理結果の取得に失敗: %w", err)
	}
	return rows > 0, nil
}

// MarkAllAsRead は指定ユーザーの全通知を既読にする。
func (n *Notifier) MarkAllAsRead(ctx context.Context, userID string) error {
	if _, err := n.db.ExecContext(ctx,
		"UPDATE notifications SET is_read = 1 WHERE user_id = ?", userID,
	); err != nil {
		return fmt.Errorf("全通知の既読処理に失敗: %w", err)
	}
	return nil
}
