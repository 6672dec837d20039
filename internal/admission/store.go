package admission

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nao1215/contesthub/internal/scheduler"
)

// Competition は大会のメタデータを表す。
// 参加登録処理からは読み取り専用で参照される。
type Competition struct {
	// ID は大会の一意識別子（UUID）。
	ID string
	// Name は大会名。
	Name string
	// Capacity は参加定員。
	Capacity int
	// RegDeadline は参加登録の締め切り日時。
	RegDeadline time.Time
	// StartDate は大会の開始日時。未定の場合はnil。
	StartDate *time.Time
	// DeletedAt は論理削除された日時。有効な大会はnil。
	DeletedAt *time.Time
}

// Registration は大会への参加登録を表す。作成後は変更されない。
type Registration struct {
	// ID は参加登録の一意識別子（UUID）。
	ID string
	// CompetitionID は対象の大会の識別子。
	CompetitionID string
	// UserID は参加者のユーザーID。
	UserID string
	// IdempotencyKey は冪等性キー。指定されなかった場合は空文字列。
	IdempotencyKey string
	// RegisteredAt は参加登録の作成日時。
	RegisteredAt time.Time
}

// Store は大会と参加登録のSQLiteストア。
type Store struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
}

// NewStore は新しいストアを生成し、マイグレーションを適用する。
func NewStore(db *sql.DB) (*Store, error) {
	if err := initSchema(db); err != nil {
		return nil, fmt.Errorf("参加受付ストアの初期化に失敗: %w", err)
	}
	return &Store{db: db}, nil
}

// CreateCompetition は新しい大会を登録する。管理者用の周辺APIから使用する。
func (s *Store) CreateCompetition(ctx context.Context, c Competition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO competitions (id, name, capacity, reg_deadline, start_date)
		VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Capacity, c.RegDeadline.UTC(), nullableTime(c.StartDate),
	)
	if err != nil {
		return fmt.Errorf("大会の登録に失敗: %w", err)
	}
	return nil
}

// GetCompetition は大会を取得する。存在しないか削除済みの場合は
// ErrCompetitionNotFoundを返す。
func (s *Store) GetCompetition(ctx context.Context, id string) (*Competition, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, capacity, reg_deadline, start_date
		FROM competitions
		WHERE id = ? AND deleted_at IS NULL`, id,
	)

	var (
		c         Competition
		startDate sql.NullTime
	)
	err := row.Scan(&c.ID, &c.Name, &c.Capacity, &c.RegDeadline, &startDate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCompetitionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("大会の取得に失敗: %w", err)
	}
	if startDate.Valid {
		t := startDate.Time.UTC()
		c.StartDate = &t
	}
	c.RegDeadline = c.RegDeadline.UTC()
	return &c, nil
}

// GetRegistrationByIdempotencyKey は冪等性キーで参加登録を検索する。
// 該当がない場合は (nil, nil) を返す。
func (s *Store) GetRegistrationByIdempotencyKey(ctx context.Context, key string) (*Registration, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, competition_id, user_id, idempotency_key, registered_at
		FROM registrations
		WHERE idempotency_key = ?`, key,
	)

	reg, err := scanRegistration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("冪等性キーによる参加登録の検索に失敗: %w", err)
	}
	return reg, nil
}

// ListRegistrationsByUser は指定ユーザーの参加登録を新しい順に返す。
func (s *Store) ListRegistrationsByUser(ctx context.Context, userID string) ([]Registration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, competition_id, user_id, idempotency_key, registered_at
		FROM registrations
		WHERE user_id = ?
		ORDER BY registered_at DESC, id DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("参加登録一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var registrations []Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, fmt.Errorf("参加登録の読み取りに失敗: %w", err)
		}
		registrations = append(registrations, *reg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("参加登録一覧の走査に失敗: %w", err)
	}
	return registrations, nil
}

// ListUpcoming は開始日時が [from, to) に含まれる大会の有効な参加登録を返す。
// リマインダースケジューラのデータソースとして使用される。
func (s *Store) ListUpcoming(ctx context.Context, from, to time.Time) ([]scheduler.Upcoming, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.user_id, c.id, c.start_date
		FROM competitions c
		JOIN registrations r ON r.competition_id = c.id
		WHERE c.deleted_at IS NULL
		  AND c.start_date IS NOT NULL
		  AND c.start_date >= ? AND c.start_date < ?
		ORDER BY c.start_date ASC, r.id ASC`,
		from.UTC(), to.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("開始が近い大会の参加登録の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var upcoming []scheduler.Upcoming
	for rows.Next() {
		var u scheduler.Upcoming
		if err := rows.Scan(&u.RegistrationID, &u.UserID, &u.CompetitionID, &u.StartDate); err != nil {
			return nil, fmt.Errorf("参加登録の読み取りに失敗: %w", err)
		}
		u.StartDate = u.StartDate.UTC()
		upcoming = append(upcoming, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("参加登録の走査に失敗: %w", err)
	}
	return upcoming, nil
}

// admit は参加登録の検査と挿入を単一のトランザクションで実行する。
// BEGIN IMMEDIATE（DSNの_txlock=immediate）によって書き込みトランザクションが
// 直列化されるため、並行する参加登録が定員を超過することはない。
// ユニークインデックスは直列化が効かない経路に対する最終防衛線となる。
func (s *Store) admit(ctx context.Context, competitionID, userID, idempotencyKey string) (*Registration, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクションの開始に失敗: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		capacity    int
		regDeadline time.Time
	)
	err = tx.QueryRowContext(ctx, `
		SELECT capacity, reg_deadline
		FROM competitions
		WHERE id = ? AND deleted_at IS NULL`, competitionID,
	).Scan(&capacity, &regDeadline)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCompetitionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("大会の取得に失敗: %w", err)
	}

	now := time.Now().UTC()
	if now.After(regDeadline.UTC()) {
		return nil, ErrDeadlineExceeded
	}

	var count int
	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM registrations WHERE competition_id = ?", competitionID,
	).Scan(&count)
	if err != nil {
		return nil, fmt.Errorf("登録数の取得に失敗: %w", err)
	}
	if count >= capacity {
		return nil, ErrCapacityExceeded
	}

	var duplicate int
	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM registrations WHERE competition_id = ? AND user_id = ?",
		competitionID, userID,
	).Scan(&duplicate)
	if err != nil {
		return nil, fmt.Errorf("重複登録の確認に失敗: %w", err)
	}
	if duplicate > 0 {
		return nil, ErrAlreadyRegistered
	}

	reg := &Registration{
		ID:             uuid.New().String(),
		CompetitionID:  competitionID,
		UserID:         userID,
		IdempotencyKey: idempotencyKey,
		RegisteredAt:   now,
	}

	var key sql.NullString
	if idempotencyKey != "" {
		key = sql.NullString{String: idempotencyKey, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO registrations (id, competition_id, user_id, idempotency_key, registered_at)
		VALUES (?, ?, ?, ?, ?)`,
		reg.ID, reg.CompetitionID, reg.UserID, key, reg.RegisteredAt,
	)
	if err != nil {
		if isUniqueViolation(err, "registrations.competition_id") {
			return nil, ErrAlreadyRegistered
		}
		return nil, fmt.Errorf("参加登録の挿入に失敗: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("参加登録のコミットに失敗: %w", err)
	}
	return reg, nil
}

// scanRegistration は参加登録の1行を読み取る共通処理。
func scanRegistration(row interface{ Scan(...any) error }) (*Registration, error) {
	var (
		reg Registration
		key sql.NullString
	)
	if err := row.Scan(&reg.ID, &reg.CompetitionID, &reg.UserID, &key, &reg.RegisteredAt); err != nil {
		return nil, err
	}
	if key.Valid {
		reg.IdempotencyKey = key.String
	}
	reg.RegisteredAt = reg.RegisteredAt.UTC()
	return &reg, nil
}

// isUniqueViolation はユニーク制約違反かどうかを対象カラム名で判定する。
func isUniqueViolation(err error, column string) bool {
	return err != nil &&
		strings.Contains(err.Error(), "UNIQUE constraint failed") &&
		strings.Contains(err.Error(), column)
}

// nullableTime は*time.TimeをNULL許容のバインド値へ変換する。
func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
