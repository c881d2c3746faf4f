package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ste316/rag-nivola-service-portal/internal/core/domain"
)

const insertConversationSQL = `
INSERT INTO conversation (id, messages, docs, created_at, updated_at)
VALUES ($1, '[]'::jsonb, '{}'::jsonb, $2, $2)
ON CONFLICT (id) DO NOTHING
`

type ConversationRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewConversationRepository(db *sql.DB) *ConversationRepository {
	return &ConversationRepository{db: db, now: time.Now}
}

func (r *ConversationRepository) GetOrCreate(ctx context.Context, id string) (*domain.Conversation, error) {
	if err := domain.ValidateConversationID(id); err != nil {
		return nil, err
	}
	now := r.now().UTC()
	_, err := r.db.ExecContext(ctx, insertConversationSQL, id, now)
	if err != nil {
		return nil, fmt.Errorf("ensure conversation insert: %w", err)
	}

	conv, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, domain.WrapError(domain.ErrNotFound, "get or create conversation", fmt.Errorf("id=%s deleted concurrently", id))
	}
	return conv, nil
}

func (r *ConversationRepository) AppendMessages(ctx context.Context, id string, messages []domain.Message) error {
	return r.withLockedRow(ctx, id, "append messages", false, func(tx *sql.Tx, conv *domain.Conversation) error {
		if err := conv.Append(messages...); err != nil {
			return err
		}
		raw, err := json.Marshal(conv.Messages)
		if err != nil {
			return fmt.Errorf("marshal messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE conversation SET messages = $2, updated_at = $3 WHERE id = $1
`, id, raw, r.now().UTC()); err != nil {
			return fmt.Errorf("update messages: %w", err)
		}
		return nil
	})
}

func (r *ConversationRepository) MergeEvidence(ctx context.Context, id string, evidence domain.EvidenceMap) (domain.EvidenceMap, error) {
	if err := domain.ValidateConversationID(id); err != nil {
		return nil, err
	}
	if err := domain.ValidateEvidence(evidence); err != nil {
		return nil, err
	}
	var merged domain.EvidenceMap
	err := r.withLockedRow(ctx, id, "merge evidence", true, func(tx *sql.Tx, conv *domain.Conversation) error {
		if conv.Evidence.Merge(evidence) > 0 {
			raw, err := json.Marshal(conv.Evidence)
			if err != nil {
				return fmt.Errorf("marshal docs: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
UPDATE conversation SET docs = $2, updated_at = $3 WHERE id = $1
`, id, raw, r.now().UTC()); err != nil {
				return fmt.Errorf("update docs: %w", err)
			}
		}
		merged = conv.Evidence
		return nil
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

// withLockedRow loads the conversation under a row lock and commits whatever
// fn writes through tx. With create set, an absent row is inserted first.
func (r *ConversationRepository) withLockedRow(ctx context.Context, id, op string, create bool, fn func(tx *sql.Tx, conv *domain.Conversation) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s tx: %w", op, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if create {
		now := r.now().UTC()
		if _, err := tx.ExecContext(ctx, insertConversationSQL, id, now); err != nil {
			return fmt.Errorf("%s: ensure conversation insert: %w", op, err)
		}
	}

	row := tx.QueryRowContext(ctx, `
SELECT id, messages, docs FROM conversation WHERE id = $1 FOR UPDATE
`, id)
	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.WrapError(domain.ErrNotFound, op, fmt.Errorf("conversation id=%s", id))
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := fn(tx, conv); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s tx: %w", op, err)
	}
	return nil
}

// Get returns nil, nil for unknown ids.
func (r *ConversationRepository) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, messages, docs FROM conversation WHERE id = $1
`, id)
	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

func (r *ConversationRepository) GetMany(ctx context.Context, ids []string) ([]domain.Conversation, error) {
	if len(ids) == 0 {
		return []domain.Conversation{}, nil
	}
	query := `SELECT id, messages, docs FROM conversation WHERE id IN (` + placeholders(1, len(ids)) + `) ORDER BY id`
	return r.queryConversations(ctx, "get conversations", query, stringArgs(ids)...)
}

func (r *ConversationRepository) List(ctx context.Context, limit int) ([]domain.Conversation, error) {
	if limit > 0 {
		return r.queryConversations(ctx, "list conversations", `
SELECT id, messages, docs FROM conversation ORDER BY id LIMIT $1
`, limit)
	}
	return r.queryConversations(ctx, "list conversations", `
SELECT id, messages, docs FROM conversation ORDER BY id
`)
}

func (r *ConversationRepository) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM conversation WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete conversation rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *ConversationRepository) queryConversations(ctx context.Context, op, query string, args ...any) ([]domain.Conversation, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := make([]domain.Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, *conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*domain.Conversation, error) {
	var (
		id          string
		messagesRaw []byte
		docsRaw     []byte
	)
	if err := row.Scan(&id, &messagesRaw, &docsRaw); err != nil {
		return nil, err
	}
	conv := domain.NewConversation(id)
	if len(messagesRaw) > 0 {
		if err := json.Unmarshal(messagesRaw, &conv.Messages); err != nil {
			return nil, fmt.Errorf("unmarshal messages: %w", err)
		}
	}
	if len(docsRaw) > 0 && string(docsRaw) != "null" {
		if err := json.Unmarshal(docsRaw, &conv.Evidence); err != nil {
			return nil, fmt.Errorf("unmarshal docs: %w", err)
		}
	}
	if conv.Messages == nil {
		conv.Messages = []domain.Message{}
	}
	if conv.Evidence == nil {
		conv.Evidence = domain.EvidenceMap{}
	}
	return conv, nil
}
