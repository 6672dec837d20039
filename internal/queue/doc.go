// Package queue はSQLiteを永続化層とする耐久性のあるタスクキューを提供する。
//
// タスクは生成元プロセスのクラッシュ後も残り、少なくとも1回（at-least-once）
// 配信される。失敗したタスクは指数バックオフで再スケジュールされ、
// 最大試行回数を超えたタスクはデッドレターとして退避される。
package queue
