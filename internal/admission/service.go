package admission

import (
	"context"
	"log"

	"github.com/nao1215/contesthub/internal/queue"
	"github.com/nao1215/contesthub/pkg/task"
)

// TaskEnqueuer は完了通知タスクの登録先キューを表す。
// 本番では*queue.Queueが実装する。
type TaskEnqueuer interface {
	// Enqueue はタスクをキューへ登録し、タスクIDを返す。
	Enqueue(ctx context.Context, kind task.Kind, payload task.Payload, opts queue.EnqueueOptions) (string, error)
}

// Service は参加受付のユースケースを実装する。
type Service struct {
	// store は大会と参加登録のストア。
	store *Store
	// queue は完了通知タスクの登録先キュー。
	queue TaskEnqueuer
}

// NewService は新しい参加受付サービスを生成する。
func NewService(store *Store, q TaskEnqueuer) *Service {
	return &Service{store: store, queue: q}
}

// Admit は大会への参加登録を受け付ける。
//
// 冪等性キーが指定されている場合はまずキーで既存の登録を検索し、
// 該当があればその登録をそのまま返す。これは大会がその後満員になったり
// 締め切りを過ぎていても行われる。キーは「同じ論理リクエスト」を表すもの
// であり、最初の受付が成功した事実は変わらないためである。
//
// 該当がない場合は定員・締め切り・重複の検査と行の挿入を単一の
// トランザクションで実行する。成功後の完了通知タスクの登録は
// ベストエフォートであり、失敗しても参加登録は取り消されない。
// 登録された行が唯一の信頼できる事実であり、通知は派生的な副作用である。
func (s *Service) Admit(ctx context.Context, competitionID, userID, idempotencyKey string) (*Registration, error) {
	if idempotencyKey != "" {
		existing, err := s.store.GetRegistrationByIdempotencyKey(ctx, idempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	reg, err := s.store.admit(ctx, competitionID, userID, idempotencyKey)
	if err != nil {
		// 冪等性キーの衝突は、同じキーのリクエストが並行して挿入に
		// 成功したことを意味する。その登録を検索して返す
		if idempotencyKey != "" && isUniqueViolation(err, "registrations.idempotency_key") {
			existing, lookupErr := s.store.GetRegistrationByIdempotencyKey(ctx, idempotencyKey)
			if lookupErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}

	if _, err := s.queue.Enqueue(ctx, task.KindConfirmation, task.Payload{
		RegistrationID: reg.ID,
		UserID:         reg.UserID,
		CompetitionID:  reg.CompetitionID,
	}, queue.EnqueueOptions{DedupeKey: "confirmation:" + reg.ID}); err != nil {
		log.Printf("[Admission] 完了通知タスクの登録に失敗 (登録ID: %s): %v", reg.ID, err)
	}

	return reg, nil
}
