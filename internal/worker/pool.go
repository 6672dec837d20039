package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nao1215/contesthub/internal/queue"
	"github.com/nao1215/contesthub/pkg/task"
)

// Handler はタスクを処理する関数。
// 二重実行（at-least-once配信）を許容できるよう冪等に実装すること。
type Handler func(ctx context.Context, t *queue.Task) error

// Handlers はタスク種別ごとのハンドラの組。
// タスク種別は閉じたバリアントであるため、動的な登録ではなく
// 固定のフィールドで保持する。
type Handlers struct {
	// Confirmation は参加登録完了通知タスクのハンドラ。
	Confirmation Handler
	// Reminder はリマインダー通知タスクのハンドラ。
	Reminder Handler
}

// Pool はタスクキューを消費する固定サイズのワーカープール。
type Pool struct {
	// queue は消費対象のタスクキュー。
	queue *queue.Queue
	// handlers はタスク種別ごとのハンドラ。
	handlers Handlers
	// concurrency は並行に動作するワーカー数。
	concurrency int
	// pollInterval はキューが空のときの待機時間。
	pollInterval time.Duration
	// taskTimeout はタスク1件あたりの実行タイムアウト。
	taskTimeout time.Duration
	// reclaimInterval は残留タスク復旧の実行間隔。
	reclaimInterval time.Duration
	// staleAfter はrunning状態のタスクを残留とみなすまでの時間。
	staleAfter time.Duration
	// wg は起動中のgoroutineの待ち合わせに使用する。
	wg sync.WaitGroup
}

// Option はPoolの設定を変更する。
type Option func(*Pool)

// WithConcurrency は並行に動作するワーカー数を設定する。
func WithConcurrency(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithPollInterval はキューが空のときの待機時間を設定する。
func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithTaskTimeout はタスク1件あたりの実行タイムアウトを設定する。
func WithTaskTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.taskTimeout = d
		}
	}
}

// WithReclaim は残留タスク復旧の実行間隔と判定時間を設定する。
func WithReclaim(interval, staleAfter time.Duration) Option {
	return func(p *Pool) {
		if interval > 0 {
			p.reclaimInterval = interval
		}
		if staleAfter > 0 {
			p.staleAfter = staleAfter
		}
	}
}

// NewPool は新しいワーカープールを生成する。
func NewPool(q *queue.Queue, handlers Handlers, opts ...Option) *Pool {
	p := &Pool{
		queue:           q,
		handlers:        handlers,
		concurrency:     4,
		pollInterval:    time.Second,
		taskTimeout:     30 * time.Second,
		reclaimInterval: time.Minute,
		staleAfter:      5 * time.Minute,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start はワーカーと残留タスク復旧ループをバックグラウンドで起動する。
// ctxのキャンセルで全goroutineが停止する。停止の完了待ちにはWaitを使用する。
func (p *Pool) Start(ctx context.Context) {
	log.Printf("[Worker] ワーカープールを開始します。並行数: %d", p.concurrency)

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.workerLoop(ctx)
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reclaimLoop(ctx)
	}()
}

// Wait はStartで起動した全goroutineの停止を待つ。
func (p *Pool) Wait() {
	p.wg.Wait()
}

// workerLoop は1ワーカーのメインループ。
// タスクを取り出して実行し、キューが空のときはpollInterval待機する。
func (p *Pool) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		t, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[Worker] タスクの取り出しに失敗: %v", err)
			p.sleep(ctx)
			continue
		}
		if t == nil {
			p.sleep(ctx)
			continue
		}

		p.process(ctx, t)
	}
}

// process はタスク1件をタイムアウト付きで実行し、結果をキューに反映する。
func (p *Pool) process(ctx context.Context, t *queue.Task) {
	execCtx, cancel := context.WithTimeout(ctx, p.taskTimeout)
	defer cancel()

	err := p.dispatch(execCtx, t)

	// 結果の反映は呼び出し元のctxではなく独立したコンテキストで行う。
	// シャットダウン中でも取り出し済みタスクの状態は確定させる。
	finishCtx, finishCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer finishCancel()

	if err != nil {
		log.Printf("[Worker] タスク %s (%s) の実行に失敗 (試行 %d/%d): %v",
			t.ID, t.Kind, t.Attempts+1, t.MaxAttempts, err)
		if failErr := p.queue.Fail(finishCtx, t, err); failErr != nil {
			log.Printf("[Worker] タスク %s の失敗処理に失敗: %v", t.ID, failErr)
		}
		return
	}

	if err := p.queue.Complete(finishCtx, t.ID); err != nil {
		log.Printf("[Worker] タスク %s の完了処理に失敗: %v", t.ID, err)
	}
}

// dispatch はタスク種別に応じたハンドラを実行する。
// ハンドラがタイムアウトまでに戻らない場合は失敗として扱う。
func (p *Pool) dispatch(ctx context.Context, t *queue.Task) error {
	var handler Handler
	switch t.Kind {
	case task.KindConfirmation:
		handler = p.handlers.Confirmation
	case task.KindReminder:
		handler = p.handlers.Reminder
	default:
		return fmt.Errorf("未定義のタスク種別です: %q", t.Kind)
	}
	if handler == nil {
		return fmt.Errorf("タスク種別 %q のハンドラが設定されていません", t.Kind)
	}

	done := make(chan error, 1)
	go func() {
		done <- handler(ctx, t)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("タスクの実行がタイムアウトしました: %w", ctx.Err())
	}
}

// reclaimLoop は残留タスクの復旧を定期的に実行する。
func (p *Pool) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(p.reclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimed, err := p.queue.ReclaimStale(ctx, p.staleAfter)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("[Worker] 残留タスクの復旧に失敗: %v", err)
				}
				continue
			}
			if reclaimed > 0 {
				log.Printf("[Worker] 残留タスクを%d件復旧しました", reclaimed)
			}
		}
	}
}

// sleep はpollIntervalだけ待機する。ctxのキャンセルで即座に戻る。
func (p *Pool) sleep(ctx context.Context) {
	timer := time.NewTimer(p.pollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
