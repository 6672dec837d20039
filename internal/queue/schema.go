package queue

import (
	"database/sql"
	"fmt"
)

// スキーマ定義。run_at / updated_at はバックオフ計算のためUNIXミリ秒で保持する。
const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    -- タスクの一意識別子（UUID）
    id TEXT PRIMARY KEY,
    -- タスクの種類（Confirmation | Reminder）
    kind TEXT NOT NULL,
    -- タスクペイロード（JSON形式）
    payload TEXT NOT NULL,
    -- 重複投入防止キー。NULLの場合は重複チェックを行わない
    dedupe_key TEXT,
    -- タスクの状態（pending | running）
    status TEXT NOT NULL DEFAULT 'pending',
    -- これまでの失敗回数
    attempts INTEGER NOT NULL DEFAULT 0,
    -- 最大試行回数
    max_attempts INTEGER NOT NULL,
    -- バックオフの基準遅延（ミリ秒）
    backoff_base_ms INTEGER NOT NULL,
    -- 次に実行可能となる日時（UNIXミリ秒）
    run_at INTEGER NOT NULL,
    -- 直近の失敗理由
    last_error TEXT NOT NULL DEFAULT '',
    -- タスクの作成日時
    created_at DATETIME NOT NULL DEFAULT (datetime('now')),
    -- 状態の最終更新日時（UNIXミリ秒）
    updated_at INTEGER NOT NULL
);

-- 同一の論理タスクの二重投入を防ぐユニークインデックス。
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_dedupe_key
    ON tasks(dedupe_key) WHERE dedupe_key IS NOT NULL;

-- 実行可能タスクの取得を高速化するインデックス。
CREATE INDEX IF NOT EXISTS idx_tasks_status_run_at
    ON tasks(status, run_at);

CREATE TABLE IF NOT EXISTS dead_letters (
    -- デッドレターの一意識別子（UUID）
    id TEXT PRIMARY KEY,
    -- 元タスクの識別子
    task_id TEXT NOT NULL,
    -- 元タスクの種類
    kind TEXT NOT NULL,
    -- 元タスクのペイロードのスナップショット
    payload TEXT NOT NULL,
    -- 元タスクの重複投入防止キーのスナップショット。再登録時に引き継がれる
    dedupe_key TEXT,
    -- 最後の失敗理由
    last_error TEXT NOT NULL,
    -- 失敗した試行回数
    attempts INTEGER NOT NULL,
    -- デッドレターの作成日時
    created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);
`

// initSchema はSQLiteデータベースにスキーマを適用する。
func initSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("スキーマの適用に失敗: %w", err)
	}
	return nil
}
