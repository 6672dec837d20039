// Package httpclient は外部サービスへのHTTP通信を行うクライアントを提供する。
//
// 通知ワーカーが外部の通知配信エンドポイントへJSONをPOSTする際に使用する。
// タイムアウト付きのリクエスト実行とユーザーIDの伝播を統一する。
package httpclient
