// 参加受付サービスのエントリポイント。
// 定員制の大会への参加登録APIを提供する。定員・締め切り・重複の検査を
// 単一トランザクションで行い、登録成功後は完了通知タスクをキューへ登録する。
package main

import (
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/nao1215/contesthub/internal/admission"
)

func main() {
	// .envファイルがあれば読み込む。なければ環境変数をそのまま使用する
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server, err := admission.NewServer(port)
	if err != nil {
		log.Fatalf("参加受付サーバーの初期化に失敗: %v", err)
	}

	log.Printf("参加受付サービスを起動します: :%s", port)
	if err := server.Run(); err != nil {
		log.Fatalf("参加受付サービスの起動に失敗: %v", err)
	}
}
