package admission

import "errors"

// 参加登録の検証エラー。リクエストに対する確定的な事実であり、
// 内部でリトライされることはない。トランスポート層が
// HTTPステータスコードへ対応付ける。
var (
	// ErrCompetitionNotFound は大会が存在しないか削除済みであることを表す。
	ErrCompetitionNotFound = errors.New("大会が見つかりません")
	// ErrDeadlineExceeded は参加登録の締め切りを過ぎていることを表す。
	ErrDeadlineExceeded = errors.New("参加登録の締め切りを過ぎています")
	// ErrCapacityExceeded は大会の定員に達していることを表す。
	ErrCapacityExceeded = errors.New("大会の定員に達しています")
	// ErrAlreadyRegistered は同一ユーザーが同一大会に登録済みであることを表す。
	ErrAlreadyRegistered = errors.New("既にこの大会に参加登録済みです")
)
