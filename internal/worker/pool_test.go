package worker

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nao1215/contesthub/internal/queue"
	"github.com/nao1215/contesthub/pkg/task"
)

// newTestQueue はテスト用のタスクキューを一時ファイルのSQLiteで構築する。
func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "worker.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate")
	if err != nil {
		t.Fatalf("テスト用DBの作成に失敗: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	q, err := queue.New(db)
	if err != nil {
		t.Fatalf("タスクキューの作成に失敗: %v", err)
	}
	return q
}

// testPayload はテストで使用する共通ペイロード。
var testPayload = task.Payload{
	RegistrationID: "reg-001",
	UserID:         "user-001",
	CompetitionID:  "comp-001",
}

// waitFor は条件が成立するまで最大waitだけポーリングするヘルパー関数。
func waitFor(t *testing.T, wait time.Duration, cond func() bool) bool {
	t.Helper()

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

// TestPoolProcessesTask はワーカープールがタスクを実行して完了させることを検証する。
func TestPoolProcessesTask(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handled atomic.Int32
	pool := NewPool(q, Handlers{
		Confirmation: func(_ context.Context, _ *queue.Task) error {
			handled.Add(1)
			return nil
		},
	}, WithConcurrency(2), WithPollInterval(10*time.Millisecond))

	if _, err := q.Enqueue(ctx, task.KindConfirmation, testPayload, queue.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	pool.Start(ctx)

	if !waitFor(t, 5*time.Second, func() bool { return handled.Load() == 1 }) {
		t.Fatalf("タスクが実行されなかった: handled = %d", handled.Load())
	}

	cancel()
	pool.Wait()

	// タスクはキューから削除されていること
	remaining, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if remaining != nil {
		t.Errorf("完了後にタスクが残っている: %+v", remaining)
	}
}

// TestPoolRetriesThenSucceeds は2回失敗した後に3回目で成功するタスクが
// デッドレターを生成せずに完了することを検証する。
func TestPoolRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	pool := NewPool(q, Handlers{
		Confirmation: func(_ context.Context, _ *queue.Task) error {
			if attempts.Add(1) < 3 {
				return errors.New("通知の送信に失敗")
			}
			return nil
		},
	}, WithConcurrency(1), WithPollInterval(5*time.Millisecond))

	// テストを高速にするためバックオフは数ミリ秒に設定する
	if _, err := q.Enqueue(ctx, task.KindConfirmation, testPayload, queue.EnqueueOptions{
		MaxAttempts: 3,
		BackoffBase: 5 * time.Millisecond,
	}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	pool.Start(ctx)

	if !waitFor(t, 10*time.Second, func() bool { return attempts.Load() == 3 }) {
		t.Fatalf("試行回数 = %d, want 3", attempts.Load())
	}

	cancel()
	pool.Wait()

	letters, err := q.ListDeadLetters(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListDeadLetters() error = %v", err)
	}
	if len(letters) != 0 {
		t.Errorf("成功したタスクがデッドレターに記録された: %+v", letters)
	}
}

// TestPoolExhaustedTaskGoesToDeadLetter は全試行が失敗したタスクが
// ちょうど1件のデッドレターになることを検証する。
func TestPoolExhaustedTaskGoesToDeadLetter(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	pool := NewPool(q, Handlers{
		Reminder: func(_ context.Context, _ *queue.Task) error {
			attempts.Add(1)
			return errors.New("通知先に接続できません")
		},
	}, WithConcurrency(1), WithPollInterval(5*time.Millisecond))

	if _, err := q.Enqueue(ctx, task.KindReminder, testPayload, queue.EnqueueOptions{
		MaxAttempts: 3,
		BackoffBase: 5 * time.Millisecond,
	}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	pool.Start(ctx)

	var letters []queue.DeadLetter
	ok := waitFor(t, 10*time.Second, func() bool {
		var err error
		letters, err = q.ListDeadLetters(context.Background(), 10)
		return err == nil && len(letters) == 1
	})
	if !ok {
		t.Fatalf("デッドレターが生成されなかった: %+v", letters)
	}

	cancel()
	pool.Wait()

	if attempts.Load() != 3 {
		t.Errorf("試行回数 = %d, want 3", attempts.Load())
	}
	if letters[0].Attempts != 3 {
		t.Errorf("デッドレターのAttempts = %d, want 3", letters[0].Attempts)
	}

	// デッドレター退避後に再配信されないこと
	time.Sleep(100 * time.Millisecond)
	if attempts.Load() != 3 {
		t.Errorf("デッドレター退避後に再配信された: 試行回数 = %d", attempts.Load())
	}
}

// TestPoolTaskTimeout はタイムアウトしたハンドラが失敗として扱われ、
// リトライされることを検証する。
func TestPoolTaskTimeout(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var started atomic.Int32
	block := make(chan struct{})
	defer close(block)

	pool := NewPool(q, Handlers{
		Confirmation: func(_ context.Context, _ *queue.Task) error {
			if started.Add(1) == 1 {
				// 1回目はタイムアウトまでブロックする
				<-block
				return nil
			}
			return nil
		},
	}, WithConcurrency(1), WithPollInterval(5*time.Millisecond), WithTaskTimeout(50*time.Millisecond))

	if _, err := q.Enqueue(ctx, task.KindConfirmation, testPayload, queue.EnqueueOptions{
		MaxAttempts: 3,
		BackoffBase: 5 * time.Millisecond,
	}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	pool.Start(ctx)

	// タイムアウト後のリトライで2回目の実行が行われること
	if !waitFor(t, 10*time.Second, func() bool { return started.Load() >= 2 }) {
		t.Fatalf("タイムアウト後にリトライされなかった: 実行回数 = %d", started.Load())
	}

	cancel()
	pool.Wait()
}

// TestPoolConcurrentWorkers は複数のワーカーが同じタスクを重複して
// 取得しないことを検証する。
func TestPoolConcurrentWorkers(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const taskCount = 20

	var mu sync.Mutex
	executed := make(map[string]int)

	pool := NewPool(q, Handlers{
		Confirmation: func(_ context.Context, tk *queue.Task) error {
			mu.Lock()
			executed[tk.ID]++
			mu.Unlock()
			return nil
		},
	}, WithConcurrency(4), WithPollInterval(5*time.Millisecond))

	for i := 0; i < taskCount; i++ {
		if _, err := q.Enqueue(ctx, task.KindConfirmation, testPayload, queue.EnqueueOptions{}); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	pool.Start(ctx)

	ok := waitFor(t, 10*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(executed) == taskCount
	})

	cancel()
	pool.Wait()

	if !ok {
		t.Fatalf("実行されたタスク数 = %d, want %d", len(executed), taskCount)
	}
	for id, count := range executed {
		if count != 1 {
			t.Errorf("タスク %s が%d回実行された, want 1", id, count)
		}
	}
}

// TestPoolHandlerNotSet はハンドラ未設定の種別のタスクが失敗扱いになることを検証する。
func TestPoolHandlerNotSet(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := NewPool(q, Handlers{}, WithConcurrency(1), WithPollInterval(5*time.Millisecond))

	if _, err := q.Enqueue(ctx, task.KindReminder, testPayload, queue.EnqueueOptions{
		MaxAttempts: 1,
		BackoffBase: time.Millisecond,
	}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	pool.Start(ctx)

	ok := waitFor(t, 10*time.Second, func() bool {
		letters, err := q.ListDeadLetters(context.Background(), 10)
		return err == nil && len(letters) == 1
	})

	cancel()
	pool.Wait()

	if !ok {
		t.Fatal("ハンドラ未設定のタスクがデッドレターにならなかった")
	}
}
