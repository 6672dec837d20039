// Package admission は定員制の大会への参加受付サービスの内部実装を提供する。
//
// 参加登録は定員・重複・締め切りの検査と行の挿入を単一のトランザクションで
// 行い、並行するリクエストが定員を超過したり同一ユーザーを二重登録する
// ことはない。冪等性キーが指定された場合、同じキーの再リクエストは
// 最初の登録結果をそのまま返す。登録成功後は完了通知タスクをキューへ
// ベストエフォートで登録する。
package admission
