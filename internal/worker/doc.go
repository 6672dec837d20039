// Package worker はタスクキューを消費する固定サイズのワーカープールを提供する。
//
// 各ワーカーはキューから実行可能なタスクを取り出し、種別に応じたハンドラへ
// ディスパッチする。タスクごとの実行タイムアウトを超過した場合は失敗として
// 扱い、キュー側のリトライ／デッドレター処理に委ねる。
package worker
