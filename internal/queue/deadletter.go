package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nao1215/contesthub/pkg/task"
)

// ErrDeadLetterNotFound は指定されたデッドレターが存在しないことを表す。
var ErrDeadLetterNotFound = errors.New("デッドレターが見つかりません")

// DeadLetter はリトライを使い切って退避されたタスクの記録を表す。
// 追記専用であり、作成後に変更されることはない。
type DeadLetter struct {
	// ID はデッドレターの一意識別子（UUID）。
	ID string
	// TaskID は元タスクの識別子。
	TaskID string
	// Kind は元タスクの種類。
	Kind task.Kind
	// Payload は元タスクのペイロードのスナップショット。
	Payload string
	// DedupeKey は元タスクの重複投入防止キーのスナップショット。
	// キーなしで登録されたタスクでは空文字列。
	DedupeKey string
	// LastError は最後の失敗理由。
	LastError string
	// Attempts は失敗した試行回数。
	Attempts int
	// CreatedAt はデッドレターの作成日時。
	CreatedAt time.Time
}

// ListDeadLetters はデッドレターを新しい順に返す。
// 運用者による調査のための読み取り専用APIである。
func (q *Queue) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, task_id, kind, payload, dedupe_key, last_error, attempts, created_at
		FROM dead_letters
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("デッドレター一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var letters []DeadLetter
	for rows.Next() {
		var (
			dl        DeadLetter
			kindStr   string
			dedupeKey sql.NullString
		)
		if err := rows.Scan(&dl.ID, &dl.TaskID, &kindStr, &dl.Payload, &dedupeKey, &dl.LastError, &dl.Attempts, &dl.CreatedAt); err != nil {
			return nil, fmt.Errorf("デッドレターの読み取りに失敗: %w", err)
		}
		dl.Kind = task.Kind(kindStr)
		if dedupeKey.Valid {
			dl.DedupeKey = dedupeKey.String
		}
		letters = append(letters, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("デッドレター一覧の走査に失敗: %w", err)
	}
	return letters, nil
}

// RequeueDeadLetter は指定されたデッドレターを新しいタスクとして再登録する。
// 運用者が原因を解消した後の手動復旧に使用する。試行回数はリセットされる。
// 再登録された新しいタスクのIDを返す。
func (q *Queue) RequeueDeadLetter(ctx context.Context, deadLetterID string) (string, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("トランザクションの開始に失敗: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		kindStr, payload string
		dedupeKey        sql.NullString
	)
	err = tx.QueryRowContext(ctx,
		"SELECT kind, payload, dedupe_key FROM dead_letters WHERE id = ?", deadLetterID,
	).Scan(&kindStr, &payload, &dedupeKey)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrDeadLetterNotFound
	}
	if err != nil {
		return "", fmt.Errorf("デッドレターの取得に失敗: %w", err)
	}

	taskID := uuid.New().String()
	now := time.Now().UTC().UnixMilli()
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO tasks
			(id, kind, payload, dedupe_key, status, attempts, max_attempts, backoff_base_ms, run_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		taskID, kindStr, payload, dedupeKey,
		DefaultMaxAttempts, DefaultBackoffBase.Milliseconds(), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("タスクの再登録に失敗: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("タスク再登録結果の取得に失敗: %w", err)
	}
	if rows == 0 && dedupeKey.Valid {
		// 同じ論理タスクが既にキューに存在する。二重登録せず既存タスクに委ねる
		if err := tx.QueryRowContext(ctx,
			"SELECT id FROM tasks WHERE dedupe_key = ?", dedupeKey.String,
		).Scan(&taskID); err != nil {
			return "", fmt.Errorf("既存タスクの取得に失敗: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM dead_letters WHERE id = ?", deadLetterID); err != nil {
		return "", fmt.Errorf("デッドレターの削除に失敗: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("デッドレター再登録のコミットに失敗: %w", err)
	}
	return taskID, nil
}
