// 通知ワーカーのエントリポイント。
// タスクキューから完了通知とリマインドのタスクを取り出して処理する
// ワーカープールと、開催が近づいた大会のリマインドタスクを定期的に
// 登録するスケジューラを起動する。SIGINT/SIGTERMで安全に停止する。
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	_ "modernc.org/sqlite"

	"github.com/nao1215/contesthub/internal/admission"
	"github.com/nao1215/contesthub/internal/notify"
	"github.com/nao1215/contesthub/internal/queue"
	"github.com/nao1215/contesthub/internal/scheduler"
	"github.com/nao1215/contesthub/internal/worker"
	"github.com/nao1215/contesthub/pkg/httpclient"
	"github.com/nao1215/contesthub/pkg/middleware"
)

func main() {
	// .envファイルがあれば読み込む。なければ環境変数をそのまま使用する
	_ = godotenv.Load()

	dbPath := os.Getenv("DB_PATH")
	if dbPath == "" {
		dbPath = "/data/contesthub.db"
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate")
	if err != nil {
		log.Fatalf("データベース接続に失敗: %v", err)
	}
	defer db.Close()

	taskQueue, err := queue.New(db)
	if err != nil {
		log.Fatalf("タスクキューの初期化に失敗: %v", err)
	}

	store, err := admission.NewStore(db)
	if err != nil {
		log.Fatalf("参加受付ストアの初期化に失敗: %v", err)
	}

	// 外部の通知配信エンドポイント。未設定の場合はレコード保存のみ行う
	var client *httpclient.Client
	if notifierURL := os.Getenv("NOTIFIER_URL"); notifierURL != "" {
		client = httpclient.New(notifierURL)
	}
	notifier, err := notify.New(db, client)
	if err != nil {
		log.Fatalf("Notifierの初期化に失敗: %v", err)
	}

	pool := worker.NewPool(taskQueue, worker.Handlers{
		Confirmation: notifier.HandleConfirmation,
		Reminder:     notifier.HandleReminder,
	},
		worker.WithConcurrency(envInt("WORKER_CONCURRENCY", 4)),
		worker.WithPollInterval(envDuration("POLL_INTERVAL", time.Second)),
		worker.WithTaskTimeout(envDuration("TASK_TIMEOUT", 30*time.Second)),
	)

	reminder := scheduler.New(store, taskQueue,
		scheduler.WithPeriod(envDuration("REMINDER_PERIOD", 24*time.Hour)),
		scheduler.WithWindow(
			envDuration("REMINDER_LOOKAHEAD", 24*time.Hour),
			envDuration("REMINDER_WINDOW", 24*time.Hour),
		),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ヘルスチェック用のHTTPエンドポイント
	healthPort := os.Getenv("HEALTH_PORT")
	if healthPort == "" {
		healthPort = "8081"
	}
	go func() {
		router := gin.New()
		router.Use(middleware.Recovery())
		router.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "worker"})
		})
		if err := router.Run(fmt.Sprintf(":%s", healthPort)); err != nil {
			log.Printf("ヘルスチェックサーバーの起動に失敗: %v", err)
		}
	}()

	log.Printf("通知ワーカーを起動します (DB: %s)", dbPath)
	pool.Start(ctx)
	go reminder.Start(ctx)

	pool.Wait()
	log.Println("通知ワーカーを停止しました")
}

// envInt は環境変数を整数として読み取る。未設定または不正な場合は既定値を返す。
func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("環境変数%sの値が不正です (%q)。既定値%dを使用します", key, v, fallback)
		return fallback
	}
	return n
}

// envDuration は環境変数をtime.Durationとして読み取る。未設定または不正な場合は既定値を返す。
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("環境変数%sの値が不正です (%q)。既定値%sを使用します", key, v, fallback)
		return fallback
	}
	return d
}
