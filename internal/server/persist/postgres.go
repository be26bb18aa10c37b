package persist

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/parley-chat/parley/internal/dbx"
	"github.com/parley-chat/parley/internal/server/cache"
	"github.com/parley-chat/parley/internal/server/persist/migrations"
)

// Postgres implements Store over database/sql with the pgx driver.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}

	p := &Postgres{db: db}
	if err := p.runMigrations(context.Background()); err != nil {
		return nil, fmt.Errorf("migration error: %w", err)
	}
	return p, nil
}

// NewPostgresFromDB wraps an existing handle without running migrations.
// Used by tests.
func NewPostgresFromDB(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) runMigrations(ctx context.Context) error {
	goose.SetBaseFS(migrations.Migrations)
	return goose.UpContext(ctx, p.db, ".")
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

// ---- bootstrap reads ----

func (p *Postgres) AllUsers(ctx context.Context) ([]cache.User, error) {
	query :=
		`SELECT id, username, display_name, email, password_hash, enabled, deleted, last_login, created_at
		 FROM users
		 `

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var users []cache.User
	for rows.Next() {
		var u cache.User
		var lastLogin sql.NullTime
		if err := rows.Scan(&u.ID, &u.Username, &u.DisplayName, &u.Email,
			&u.PasswordHash, &u.Enabled, &u.Deleted, &lastLogin, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		if lastLogin.Valid {
			u.LastLogin = lastLogin.Time
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (p *Postgres) AllChats(ctx context.Context) ([]cache.Chat, error) {
	query :=
		`SELECT id, name, creator_id, is_group, total_members, deleted_members, deleted, created_at
		 FROM chats
		 `

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var chats []cache.Chat
	for rows.Next() {
		var c cache.Chat
		if err := rows.Scan(&c.ID, &c.Name, &c.CreatorID, &c.IsGroup,
			&c.TotalMembers, &c.DeletedMembers, &c.Deleted, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

func (p *Postgres) AllMemberships(ctx context.Context) ([]cache.Membership, error) {
	query :=
		`SELECT chat_id, user_id, admin, deleted
		 FROM chat_members
		 `

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var members []cache.Membership
	index := make(map[[2]string]int)
	for rows.Next() {
		var m cache.Membership
		if err := rows.Scan(&m.ChatID, &m.UserID, &m.Admin, &m.Deleted); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		index[[2]string{m.ChatID, m.UserID}] = len(members)
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	periodQuery :=
		`SELECT chat_id, user_id, joined_at, left_at
		 FROM membership_periods
		 ORDER BY chat_id, user_id, seq
		 `

	prows, err := p.db.QueryContext(ctx, periodQuery)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer prows.Close()

	for prows.Next() {
		var chatID, userID string
		var joined time.Time
		var left sql.NullTime
		if err := prows.Scan(&chatID, &userID, &joined, &left); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		i, ok := index[[2]string{chatID, userID}]
		if !ok {
			continue
		}
		period := cache.Period{JoinedAt: joined}
		if left.Valid {
			t := left.Time
			period.LeftAt = &t
		}
		members[i].Periods = append(members[i].Periods, period)
	}
	return members, prows.Err()
}

func (p *Postgres) AllPersonalPairs(ctx context.Context) ([]cache.PersonalPair, error) {
	query :=
		`SELECT user_low, user_high, chat_id
		 FROM personal_chats
		 `

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var pairs []cache.PersonalPair
	for rows.Next() {
		var pp cache.PersonalPair
		if err := rows.Scan(&pp.UserA, &pp.UserB, &pp.ChatID); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		pairs = append(pairs, pp)
	}
	return pairs, rows.Err()
}

func (p *Postgres) AllTokens(ctx context.Context) ([]cache.VerificationToken, error) {
	query :=
		`SELECT token, user_id, purpose, expires_at
		 FROM verification_tokens
		 WHERE expires_at > now()
		 `

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var tokens []cache.VerificationToken
	for rows.Next() {
		var t cache.VerificationToken
		if err := rows.Scan(&t.Token, &t.UserID, &t.Purpose, &t.ExpiresAt); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// ---- per-mutation writes ----

func (p *Postgres) SaveUser(ctx context.Context, u cache.User) error {
	query :=
		`INSERT INTO users (id, username, display_name, email, password_hash, enabled, deleted, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING
		 `

	_, err := p.db.ExecContext(ctx, query,
		u.ID, u.Username, u.DisplayName, u.Email, u.PasswordHash, u.Enabled, u.Deleted, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateUser(ctx context.Context, u cache.User) error {
	query :=
		`UPDATE users
		 SET display_name = $2, email = $3, password_hash = $4, enabled = $5, deleted = $6, last_login = $7
		 WHERE id = $1
		 `

	var lastLogin sql.NullTime
	if !u.LastLogin.IsZero() {
		lastLogin = sql.NullTime{Time: u.LastLogin, Valid: true}
	}

	_, err := p.db.ExecContext(ctx, query,
		u.ID, u.DisplayName, u.Email, u.PasswordHash, u.Enabled, u.Deleted, lastLogin)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (p *Postgres) SaveChat(ctx context.Context, ch cache.Chat) error {
	query :=
		`INSERT INTO chats (id, name, creator_id, is_group, total_members, deleted_members, deleted, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING
		 `

	_, err := p.db.ExecContext(ctx, query,
		ch.ID, ch.Name, ch.CreatorID, ch.IsGroup, ch.TotalMembers, ch.DeletedMembers, ch.Deleted, ch.CreatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateChat(ctx context.Context, ch cache.Chat) error {
	query :=
		`UPDATE chats
		 SET name = $2, creator_id = $3, total_members = $4, deleted_members = $5, deleted = $6
		 WHERE id = $1
		 `

	_, err := p.db.ExecContext(ctx, query,
		ch.ID, ch.Name, ch.CreatorID, ch.TotalMembers, ch.DeletedMembers, ch.Deleted)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// UpsertMembership rewrites the membership row and its full period history
// in one transaction, which makes replays from the write-behind queue safe
// regardless of ordering.
func (p *Postgres) UpsertMembership(ctx context.Context, m cache.Membership) error {
	return dbx.WithTx(ctx, p.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		memberQuery :=
			`INSERT INTO chat_members (chat_id, user_id, admin, deleted)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (chat_id, user_id) DO UPDATE SET admin = $3, deleted = $4
			 `

		if _, err := tx.ExecContext(ctx, memberQuery, m.ChatID, m.UserID, m.Admin, m.Deleted); err != nil {
			return fmt.Errorf("db error: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM membership_periods WHERE chat_id = $1 AND user_id = $2`,
			m.ChatID, m.UserID); err != nil {
			return fmt.Errorf("db error: %w", err)
		}

		periodQuery :=
			`INSERT INTO membership_periods (chat_id, user_id, seq, joined_at, left_at)
			 VALUES ($1, $2, $3, $4, $5)
			 `

		for i, period := range m.Periods {
			var left sql.NullTime
			if period.LeftAt != nil {
				left = sql.NullTime{Time: *period.LeftAt, Valid: true}
			}
			if _, err := tx.ExecContext(ctx, periodQuery,
				m.ChatID, m.UserID, i, period.JoinedAt, left); err != nil {
				return fmt.Errorf("db error: %w", err)
			}
		}
		return nil
	})
}

func (p *Postgres) SavePersonalPair(ctx context.Context, pp cache.PersonalPair) error {
	key := cache.NewPairKey(pp.UserA, pp.UserB)

	query :=
		`INSERT INTO personal_chats (user_low, user_high, chat_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_low, user_high) DO UPDATE SET chat_id = $3
		 `

	_, err := p.db.ExecContext(ctx, query, key.Low, key.High, pp.ChatID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (p *Postgres) DeletePersonalPair(ctx context.Context, userA, userB string) error {
	key := cache.NewPairKey(userA, userB)

	_, err := p.db.ExecContext(ctx,
		`DELETE FROM personal_chats WHERE user_low = $1 AND user_high = $2`,
		key.Low, key.High)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (p *Postgres) SaveToken(ctx context.Context, tok cache.VerificationToken) error {
	query :=
		`INSERT INTO verification_tokens (token, user_id, purpose, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (token) DO NOTHING
		 `

	_, err := p.db.ExecContext(ctx, query, tok.Token, tok.UserID, tok.Purpose, tok.ExpiresAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (p *Postgres) DeleteToken(ctx context.Context, token string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM verification_tokens WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
