package internal

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koopa0/duel-engine/pkg/errors"
)

// PostgresStore PostgreSQL 對戰儲存
//
// 出招的衝突檢查靠交易加列鎖：SELECT ... FOR UPDATE 鎖住對戰
// 列，兩個同時的出招請求序列化執行，重複出招與已完結衝突
// 在同一交易內判定。
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore 連上 PostgreSQL 並創建對戰儲存
func NewPostgresStore(ctx context.Context, url string, logger *slog.Logger) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool, logger: logger}, nil
}

// NewPostgresStoreFromPool 以現成的連線池創建對戰儲存（測試用）
func NewPostgresStoreFromPool(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Close 關閉連線池
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Pool 暴露連線池（遷移與健康檢查用）
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// CreateMatch 寫入一場新對戰
func (s *PostgresStore) CreateMatch(ctx context.Context, m *Match) error {
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	status := m.Status
	if status == "" {
		status = MatchActive
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO matches (id, kind, room_code, player1_id, player2_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.Kind, m.RoomCode, m.Player1, m.Player2, status, createdAt)
	if err != nil {
		return fmt.Errorf("insert match: %w", err)
	}
	return nil
}

// Match 以 ID 取回對戰
func (s *PostgresStore) Match(ctx context.Context, id string) (*Match, error) {
	m, err := scanMatch(ctx, s.pool, id, false)
	if err != nil {
		return nil, err
	}
	if err := s.loadChoices(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// ActiveMatch 取回使用者進行中的對戰
func (s *PostgresStore) ActiveMatch(ctx context.Context, kind GameKind, userID string) (*Match, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, kind, room_code, player1_id, player2_id, status,
		       COALESCE(winner_id, ''), draw, created_at, COALESCE(completed_at, 'epoch'::timestamptz)
		FROM matches
		WHERE kind = $1 AND status = $2 AND (player1_id = $3 OR player2_id = $3)
		ORDER BY created_at DESC
		LIMIT 1`, kind, MatchActive, userID)

	m, err := readMatchRow(row)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query active match: %w", err)
	}
	if err := s.loadChoices(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordChoice 記錄出招
func (s *PostgresStore) RecordChoice(ctx context.Context, matchID, userID, choice string) (*Match, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	m, err := scanMatch(ctx, tx, matchID, true)
	if err != nil {
		return nil, err
	}
	if m.Status == MatchCompleted {
		return nil, errors.ErrMatchCompleted
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO match_choices (match_id, user_id, choice)
		VALUES ($1, $2, $3)
		ON CONFLICT (match_id, user_id) DO NOTHING`,
		matchID, userID, choice)
	if err != nil {
		return nil, fmt.Errorf("insert choice: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, errors.ErrAlreadyChosen
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit choice: %w", err)
	}

	if err := s.loadChoices(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// CompleteMatch 落盤勝負結果
func (s *PostgresStore) CompleteMatch(ctx context.Context, matchID, winnerID string, draw bool) (*Match, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE matches
		SET status = $2, winner_id = NULLIF($3, ''), draw = $4, completed_at = now()
		WHERE id = $1`,
		matchID, MatchCompleted, winnerID, draw)
	if err != nil {
		return nil, fmt.Errorf("complete match: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, errors.ErrMatchNotFound
	}
	return s.Match(ctx, matchID)
}

// loadChoices 補上對戰的出招記錄
func (s *PostgresStore) loadChoices(ctx context.Context, m *Match) error {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, choice FROM match_choices WHERE match_id = $1`, m.ID)
	if err != nil {
		return fmt.Errorf("query choices: %w", err)
	}
	defer rows.Close()

	m.Choices = make(map[string]string)
	for rows.Next() {
		var userID, choice string
		if err := rows.Scan(&userID, &choice); err != nil {
			return fmt.Errorf("scan choice: %w", err)
		}
		m.Choices[userID] = choice
	}
	return rows.Err()
}

// querier 讓連線池與交易共用同一套查詢碼
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanMatch(ctx context.Context, q querier, id string, forUpdate bool) (*Match, error) {
	query := `
		SELECT id, kind, room_code, player1_id, player2_id, status,
		       COALESCE(winner_id, ''), draw, created_at, COALESCE(completed_at, 'epoch'::timestamptz)
		FROM matches WHERE id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}

	m, err := readMatchRow(q.QueryRow(ctx, query, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.ErrMatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query match: %w", err)
	}
	return m, nil
}

func readMatchRow(row pgx.Row) (*Match, error) {
	var m Match
	var completedAt time.Time
	err := row.Scan(&m.ID, &m.Kind, &m.RoomCode, &m.Player1, &m.Player2,
		&m.Status, &m.WinnerID, &m.Draw, &m.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if completedAt.Unix() > 0 {
		m.CompletedAt = completedAt
	}
	return &m, nil
}

// PostgresUserDirectory PostgreSQL 使用者目錄
type PostgresUserDirectory struct {
	pool *pgxpool.Pool
}

// NewPostgresUserDirectory 創建使用者目錄
func NewPostgresUserDirectory(pool *pgxpool.Pool) *PostgresUserDirectory {
	return &PostgresUserDirectory{pool: pool}
}

// Resolve 以 ID 解析使用者
func (d *PostgresUserDirectory) Resolve(ctx context.Context, userID string) (User, error) {
	var u User
	err := d.pool.QueryRow(ctx,
		`SELECT id, username, display_name FROM users WHERE id = $1`, userID).
		Scan(&u.ID, &u.Username, &u.DisplayName)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return User{ID: userID, Username: userID, DisplayName: userID}, nil
	}
	if err != nil {
		return User{}, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

// Upsert 寫入或更新使用者
func (d *PostgresUserDirectory) Upsert(ctx context.Context, u User) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO users (id, username, display_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET username = EXCLUDED.username, display_name = EXCLUDED.display_name`,
		u.ID, u.Username, u.DisplayName)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}
