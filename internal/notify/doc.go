// Package notify は通知タスクのハンドラと通知レコードの永続化を提供する。
//
// 参加登録の完了通知とリマインダー通知を処理する。通知レコードの作成は
// タスクIDから導出した決定的なIDによって冪等であり、at-least-once配信に
// よる二重実行でも通知が重複することはない。
package notify
