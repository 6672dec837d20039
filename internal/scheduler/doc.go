// Package scheduler は大会開始前のリマインダータスクを定期的に生成する。
//
// 固定周期で起動し、先読みウィンドウ内に開始する大会の全参加登録に対して
// リマインダータスクをキューへ登録する。決定的な重複防止キーにより、
// 再起動後の再実行でも同じリマインダーが二重に登録されることはない。
package scheduler
