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

// デフォルトのリトライ設定。
const (
	// DefaultMaxAttempts はタスクのデフォルト最大試行回数。
	DefaultMaxAttempts = 3
	// DefaultBackoffBase はデフォルトのバックオフ基準遅延。
	DefaultBackoffBase = 2 * time.Second
)

// Task はキューに登録された通知タスクを表す。
type Task struct {
	// ID はタスクの一意識別子（UUID）。
	ID string
	// Kind はタスクの種類。
	Kind task.Kind
	// Payload はJSON形式のタスクペイロード。
	Payload string
	// DedupeKey は同一の論理タスクを表す重複投入防止キー。
	// 指定されずに登録されたタスクでは空文字列。
	DedupeKey string
	// Attempts はこれまでの失敗回数。
	Attempts int
	// MaxAttempts は最大試行回数。
	MaxAttempts int
	// BackoffBase はバックオフの基準遅延。
	BackoffBase time.Duration
	// RunAt は次に実行可能となる日時。
	RunAt time.Time
	// LastError は直近の失敗理由。
	LastError string
}

// EnqueueOptions はタスク登録時のリトライ設定。
type EnqueueOptions struct {
	// MaxAttempts は最大試行回数。0の場合はDefaultMaxAttemptsを使用する。
	MaxAttempts int
	// BackoffBase はバックオフの基準遅延。0の場合はDefaultBackoffBaseを使用する。
	BackoffBase time.Duration
	// DedupeKey は同一の論理タスクの二重投入を防ぐキー。
	// 空の場合は重複チェックを行わない。
	DedupeKey string
}

// Queue はSQLiteを永続化層とするタスクキュー。
// 複数のプロデューサ（admissionサービス、スケジューラ）と
// 複数のコンシューマ（ワーカープール）から並行に使用できる。
type Queue struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
}

// New は新しいタスクキューを生成し、スキーマを適用する。
func New(db *sql.DB) (*Queue, error) {
	if err := initSchema(db); err != nil {
		return nil, fmt.Errorf("タスクキューの初期化に失敗: %w", err)
	}
	return &Queue{db: db}, nil
}

// Enqueue はタスクをキューに登録し、タスクIDを返す。
// DedupeKeyが指定され、同じキーのタスクが既に存在する場合は
// 新規登録を行わず既存タスクのIDを返す。
func (q *Queue) Enqueue(ctx context.Context, kind task.Kind, payload task.Payload, opts EnqueueOptions) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("未定義のタスク種別です: %q", kind)
	}

	encoded, err := task.EncodePayload(payload)
	if err != nil {
		return "", err
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	backoffBase := opts.BackoffBase
	if backoffBase <= 0 {
		backoffBase = DefaultBackoffBase
	}

	var dedupeKey sql.NullString
	if opts.DedupeKey != "" {
		dedupeKey = sql.NullString{String: opts.DedupeKey, Valid: true}
	}

	for {
		id := uuid.New().String()
		now := time.Now().UTC()

		res, err := q.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO tasks
				(id, kind, payload, dedupe_key, status, attempts, max_attempts, backoff_base_ms, run_at, updated_at)
			VALUES (?, ?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
			id, string(kind), encoded, dedupeKey,
			maxAttempts, backoffBase.Milliseconds(), now.UnixMilli(), now.UnixMilli(),
		)
		if err != nil {
			return "", fmt.Errorf("タスクの登録に失敗: %w", err)
		}

		rows, err := res.RowsAffected()
		if err != nil {
			return "", fmt.Errorf("タスク登録結果の取得に失敗: %w", err)
		}
		if rows > 0 || !dedupeKey.Valid {
			return id, nil
		}

		// 同じ論理タスクが登録済みなので、既存タスクのIDを返す
		var existingID string
		err = q.db.QueryRowContext(ctx,
			"SELECT id FROM tasks WHERE dedupe_key = ?", opts.DedupeKey,
		).Scan(&existingID)
		if err == nil {
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("既存タスクの取得に失敗: %w", err)
		}
		// 挿入と検索の間に既存タスクが完了して削除された。挿入をやり直す
	}
}

// Dequeue は実行可能なタスクを1件取り出し、running状態に遷移させる。
// 実行可能なタスクが存在しない場合は (nil, nil) を返す。
// 取り出しはUPDATE ... RETURNINGによって原子的に行われるため、
// 複数のワーカーが同じタスクを取得することはない。
func (q *Queue) Dequeue(ctx context.Context) (*Task, error) {
	now := time.Now().UTC()

	row := q.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET status = 'running', updated_at = ?
		WHERE id = (
			SELECT id FROM tasks
			WHERE status = 'pending' AND run_at <= ?
			ORDER BY run_at ASC
			LIMIT 1
		)
		RETURNING id, kind, payload, dedupe_key, attempts, max_attempts, backoff_base_ms, run_at, last_error`,
		now.UnixMilli(), now.UnixMilli(),
	)

	var (
		t             Task
		kindStr       string
		dedupeKey     sql.NullString
		backoffBaseMS int64
		runAtMS       int64
	)
	err := row.Scan(&t.ID, &kindStr, &t.Payload, &dedupeKey, &t.Attempts, &t.MaxAttempts, &backoffBaseMS, &runAtMS, &t.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("タスクの取り出しに失敗: %w", err)
	}

	t.Kind = task.Kind(kindStr)
	if dedupeKey.Valid {
		t.DedupeKey = dedupeKey.String
	}
	t.BackoffBase = time.Duration(backoffBaseMS) * time.Millisecond
	t.RunAt = time.UnixMilli(runAtMS).UTC()
	return &t, nil
}

// Complete は正常に処理されたタスクをキューから完全に削除する。
func (q *Queue) Complete(ctx context.Context, taskID string) error {
	if _, err := q.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", taskID); err != nil {
		return fmt.Errorf("タスクの削除に失敗: %w", err)
	}
	return nil
}

// Fail は失敗したタスクの再スケジュールまたはデッドレターへの退避を行う。
// 試行回数が最大値未満の場合、遅延 = BackoffBase × 2^(attempts-1) で
// 再スケジュールする。最大値に達した場合はデッドレターに記録して削除する。
func (q *Queue) Fail(ctx context.Context, t *Task, taskErr error) error {
	attempts := t.Attempts + 1

	if attempts >= t.MaxAttempts {
		return q.moveToDeadLetter(ctx, t, taskErr, attempts)
	}

	delay := t.BackoffBase << (attempts - 1)
	runAt := time.Now().UTC().Add(delay)

	_, err := q.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'pending', attempts = ?, run_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		attempts, runAt.UnixMilli(), taskErr.Error(), time.Now().UTC().UnixMilli(), t.ID,
	)
	if err != nil {
		return fmt.Errorf("タスクの再スケジュールに失敗: %w", err)
	}
	return nil
}

// moveToDeadLetter はリトライを使い切ったタスクをデッドレターに退避する。
// デッドレターへの記録とタスクの削除は同一トランザクションで行う。
func (q *Queue) moveToDeadLetter(ctx context.Context, t *Task, taskErr error, attempts int) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var dedupeKey sql.NullString
	if t.DedupeKey != "" {
		dedupeKey = sql.NullString{String: t.DedupeKey, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO dead_letters (id, task_id, kind, payload, dedupe_key, last_error, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), t.ID, string(t.Kind), t.Payload, dedupeKey, taskErr.Error(), attempts,
	)
	if err != nil {
		return fmt.Errorf("デッドレターの記録に失敗: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", t.ID); err != nil {
		return fmt.Errorf("タスクの削除に失敗: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("デッドレター退避のコミットに失敗: %w", err)
	}
	return nil
}

// ReclaimStale はrunning状態のまま更新が止まったタスクをpendingに戻す。
// ワーカープロセスのクラッシュで残留したタスクの再配信を保証する。
// 試行回数をインクリメントするため、クラッシュを繰り返すタスクも
// 最終的にはデッドレターへ退避される。復旧したタスク数を返す。
func (q *Queue) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	threshold := time.Now().UTC().Add(-olderThan).UnixMilli()
	now := time.Now().UTC().UnixMilli()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("トランザクションの開始に失敗: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// 試行回数が残っているタスクはpendingに戻す
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'pending', attempts = attempts + 1,
		    last_error = 'ワーカーの停止により実行が中断されました', updated_at = ?
		WHERE status = 'running' AND updated_at < ? AND attempts + 1 < max_attempts`,
		now, threshold,
	)
	if err != nil {
		return 0, fmt.Errorf("残留タスクの復旧に失敗: %w", err)
	}
	reclaimed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("復旧タスク数の取得に失敗: %w", err)
	}

	// 試行回数を使い切ったタスクはデッドレターへ退避する
	_, err = tx.ExecContext(ctx, `
		INSERT INTO dead_letters (id, task_id, kind, payload, dedupe_key, last_error, attempts)
		SELECT lower(hex(randomblob(16))), id, kind, payload, dedupe_key,
		       'ワーカーの停止により実行が中断されました', attempts + 1
		FROM tasks
		WHERE status = 'running' AND updated_at < ? AND attempts + 1 >= max_attempts`,
		threshold,
	)
	if err != nil {
		return 0, fmt.Errorf("残留タスクのデッドレター退避に失敗: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM tasks
		WHERE status = 'running' AND updated_at < ? AND attempts + 1 >= max_attempts`,
		threshold,
	)
	if err != nil {
		return 0, fmt.Errorf("残留タスクの削除に失敗: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("残留タスク復旧のコミットに失敗: %w", err)
	}
	return int(reclaimed), nil
}
