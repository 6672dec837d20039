// Package task は非同期通知タスクの種別とペイロードを定義する。
// タスクは {Confirmation, Reminder} の閉じたタグ付きバリアントであり、
// ワーカーは種別ごとに登録されたハンドラへディスパッチする。
package task

import (
	"encoding/json"
	"fmt"
)

// Kind はタスクの種類を表す。
type Kind string

const (
	// KindConfirmation は参加登録の完了通知タスクを表す。
	KindConfirmation Kind = "Confirmation"
	// KindReminder は大会開始前のリマインダー通知タスクを表す。
	KindReminder Kind = "Reminder"
)

// Valid はタスク種別が定義済みのものかを返す。
func (k Kind) Valid() bool {
	switch k {
	case KindConfirmation, KindReminder:
		return true
	}
	return false
}

// Payload は通知タスクのペイロード。
// Confirmation / Reminder の両種別で共通の固定形を持つ。
type Payload struct {
	// RegistrationID は対象の参加登録の識別子。
	RegistrationID string `json:"registration_id"`
	// UserID は通知先のユーザーID。
	UserID string `json:"user_id"`
	// CompetitionID は対象の大会の識別子。
	CompetitionID string `json:"competition_id"`
}

// EncodePayload はペイロードをJSON形式にシリアライズする。
func EncodePayload(p Payload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("タスクペイロードのシリアライズに失敗: %w", err)
	}
	return string(data), nil
}

// DecodePayload はJSON形式のペイロードをデシリアライズする。
func DecodePayload(data string) (Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return Payload{}, fmt.Errorf("タスクペイロードのデシリアライズに失敗: %w", err)
	}
	return p, nil
}
