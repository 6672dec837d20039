package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/nao1215/contesthub/internal/queue"
	"github.com/nao1215/contesthub/pkg/task"
)

// Upcoming は先読みウィンドウ内に開始する大会の参加登録を表す。
type Upcoming struct {
	// RegistrationID は参加登録の識別子。
	RegistrationID string
	// UserID は参加者のユーザーID。
	UserID string
	// CompetitionID は大会の識別子。
	CompetitionID string
	// StartDate は大会の開始日時。
	StartDate time.Time
}

// Source は開始が近い大会の参加登録を列挙する読み取り専用のデータソース。
// admissionサービスのストアが実装する。
type Source interface {
	// ListUpcoming は開始日時が [from, to) に含まれる大会の
	// 有効な参加登録をすべて返す。
	ListUpcoming(ctx context.Context, from, to time.Time) ([]Upcoming, error)
}

// Scheduler はリマインダータスクを定期生成するプロデューサ。
type Scheduler struct {
	// source は対象の参加登録を列挙するデータソース。
	source Source
	// queue はタスクの登録先キュー。
	queue *queue.Queue
	// period は起動周期。
	period time.Duration
	// lookahead は先読みの起点（現在時刻からのオフセット）。
	lookahead time.Duration
	// window は先読みウィンドウの幅Δ。
	window time.Duration
	// running は実行の重なりを防ぐフラグ。
	// 周期を超過した実行がある間、次の周期の実行はスキップされる。
	running atomic.Bool
}

// Option はSchedulerの設定を変更する。
type Option func(*Scheduler)

// WithPeriod は起動周期を設定する。
func WithPeriod(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.period = d
		}
	}
}

// WithWindow は先読みの起点と幅を設定する。
func WithWindow(lookahead, window time.Duration) Option {
	return func(s *Scheduler) {
		if lookahead > 0 {
			s.lookahead = lookahead
		}
		if window > 0 {
			s.window = window
		}
	}
}

// New は新しいスケジューラを生成する。
// デフォルトでは24時間周期で起動し、24時間後から始まる24時間幅の
// ウィンドウ内に開始する大会を対象とする。
func New(source Source, q *queue.Queue, opts ...Option) *Scheduler {
	s := &Scheduler{
		source:    source,
		queue:     q,
		period:    24 * time.Hour,
		lookahead: 24 * time.Hour,
		window:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start はスケジューラのループをバックグラウンドで実行する。
// 起動直後に1回実行し、以後はperiodごとに実行する。
// ctxのキャンセルで停止する。ブロックするため通常はgoroutineで呼び出す。
func (s *Scheduler) Start(ctx context.Context) {
	log.Printf("[Scheduler] リマインダースケジューラを開始します。周期: %v", s.period)

	if _, err := s.RunOnce(ctx); err != nil {
		log.Printf("[Scheduler] リマインダー生成に失敗: %v", err)
	}

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Scheduler] スケジューラを停止します")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				log.Printf("[Scheduler] リマインダー生成に失敗: %v", err)
			}
		}
	}
}

// RunOnce はウィンドウ内の参加登録に対するリマインダータスクを登録し、
// 登録を試みた件数を返す。前回の実行がまだ終わっていない場合は何もしない。
// 同じ論理リマインダー（大会×ユーザー×日付）の二重登録は
// キューの重複防止キーによって抑止される。
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	if !s.running.CompareAndSwap(false, true) {
		log.Println("[Scheduler] 前回の実行が継続中のためスキップします")
		return 0, nil
	}
	defer s.running.Store(false)

	now := time.Now().UTC()
	from := now.Add(s.lookahead)
	to := from.Add(s.window)

	upcoming, err := s.source.ListUpcoming(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("開始が近い大会の取得に失敗: %w", err)
	}

	enqueued := 0
	for _, u := range upcoming {
		dedupeKey := reminderDedupeKey(u)
		_, err := s.queue.Enqueue(ctx, task.KindReminder, task.Payload{
			RegistrationID: u.RegistrationID,
			UserID:         u.UserID,
			CompetitionID:  u.CompetitionID,
		}, queue.EnqueueOptions{DedupeKey: dedupeKey})
		if err != nil {
			// 1件の失敗で全体を止めない。次回の実行で改めて登録される
			log.Printf("[Scheduler] リマインダーの登録に失敗 (%s): %v", dedupeKey, err)
			continue
		}
		enqueued++
	}

	if enqueued > 0 {
		log.Printf("[Scheduler] リマインダータスクを%d件登録しました", enqueued)
	}
	return enqueued, nil
}

// reminderDedupeKey は大会×ユーザー×開始日から決定的な重複防止キーを導出する。
func reminderDedupeKey(u Upcoming) string {
	return fmt.Sprintf("reminder:%s:%s:%s", u.CompetitionID, u.UserID, u.StartDate.UTC().Format("2006-01-02"))
}
