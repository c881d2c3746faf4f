package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ste316/rag-nivola-service-portal/internal/core/domain"
	"github.com/ste316/rag-nivola-service-portal/internal/infrastructure/keylock"
)

// ConversationStore serializes work per id in-process and wraps every
// read-modify-write in a transaction.
type ConversationStore struct {
	db   *sql.DB
	keys *keylock.Map
}

const insertConversationSQL = `
INSERT INTO conversation (id, messages, docs) VALUES (?, '[]', '{}')
ON CONFLICT(id) DO NOTHING
`

func NewConversationStore(db *sql.DB) *ConversationStore {
	return &ConversationStore{db: db, keys: keylock.New()}
}

func (s *ConversationStore) GetOrCreate(ctx context.Context, id string) (*domain.Conversation, error) {
	if err := domain.ValidateConversationID(id); err != nil {
		return nil, err
	}
	unlock := s.keys.Lock(id)
	defer unlock()

	if _, err := s.db.ExecContext(ctx, insertConversationSQL, id); err != nil {
		return nil, fmt.Errorf("ensure conversation insert: %w", err)
	}
	conv, err := s.get(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, domain.WrapError(domain.ErrNotFound, "get or create conversation", fmt.Errorf("id=%s", id))
	}
	return conv, nil
}

func (s *ConversationStore) AppendMessages(ctx context.Context, id string, messages []domain.Message) error {
	return s.update(ctx, id, "append messages", false, func(tx *sql.Tx, conv *domain.Conversation) error {
		if err := conv.Append(messages...); err != nil {
			return err
		}
		raw, err := json.Marshal(conv.Messages)
		if err != nil {
			return fmt.Errorf("marshal messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE conversation SET messages = ? WHERE id = ?`, string(raw), id); err != nil {
			return fmt.Errorf("update messages: %w", err)
		}
		return nil
	})
}

func (s *ConversationStore) MergeEvidence(ctx context.Context, id string, evidence domain.EvidenceMap) (domain.EvidenceMap, error) {
	if err := domain.ValidateConversationID(id); err != nil {
		return nil, err
	}
	if err := domain.ValidateEvidence(evidence); err != nil {
		return nil, err
	}
	var merged domain.EvidenceMap
	err := s.update(ctx, id, "merge evidence", true, func(tx *sql.Tx, conv *domain.Conversation) error {
		if conv.Evidence.Merge(evidence) > 0 {
			raw, err := json.Marshal(conv.Evidence)
			if err != nil {
				return fmt.Errorf("marshal docs: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `UPDATE conversation SET docs = ? WHERE id = ?`, string(raw), id); err != nil {
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

// update loads the conversation inside a tx and commits whatever fn writes.
// With create set, an absent conversation is inserted first.
func (s *ConversationStore) update(ctx context.Context, id, op string, create bool, fn func(tx *sql.Tx, conv *domain.Conversation) error) error {
	unlock := s.keys.Lock(id)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s tx: %w", op, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if create {
		if _, err := tx.ExecContext(ctx, insertConversationSQL, id); err != nil {
			return fmt.Errorf("%s: ensure conversation insert: %w", op, err)
		}
	}

	conv, err := s.get(ctx, tx, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if conv == nil {
		return domain.WrapError(domain.ErrNotFound, op, fmt.Errorf("conversation id=%s", id))
	}
	if err := fn(tx, conv); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s tx: %w", op, err)
	}
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *ConversationStore) get(ctx context.Context, q querier, id string) (*domain.Conversation, error) {
	row := q.QueryRowContext(ctx, `SELECT id, messages, docs FROM conversation WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

// Get returns nil, nil for unknown ids.
func (s *ConversationStore) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	unlock := s.keys.Lock(id)
	defer unlock()
	return s.get(ctx, s.db, id)
}

func (s *ConversationStore) GetMany(ctx context.Context, ids []string) ([]domain.Conversation, error) {
	if len(ids) == 0 {
		return []domain.Conversation{}, nil
	}
	return s.query(ctx, "get conversations",
		`SELECT id, messages, docs FROM conversation WHERE id IN (`+inPlaceholders(len(ids))+`) ORDER BY id`,
		stringArgs(ids)...)
}

func (s *ConversationStore) List(ctx context.Context, limit int) ([]domain.Conversation, error) {
	if limit > 0 {
		return s.query(ctx, "list conversations", `SELECT id, messages, docs FROM conversation ORDER BY id LIMIT ?`, limit)
	}
	return s.query(ctx, "list conversations", `SELECT id, messages, docs FROM conversation ORDER BY id`)
}

func (s *ConversationStore) Delete(ctx context.Context, id string) (bool, error) {
	unlock := s.keys.Lock(id)
	defer unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM conversation WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete conversation rows affected: %w", err)
	}
	return affected > 0, nil
}

func (s *ConversationStore) query(ctx context.Context, op, query string, args ...any) ([]domain.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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
		id       string
		messages string
		docs     sql.NullString
	)
	if err := row.Scan(&id, &messages, &docs); err != nil {
		return nil, err
	}
	conv := domain.NewConversation(id)
	if messages != "" {
		if err := json.Unmarshal([]byte(messages), &conv.Messages); err != nil {
			return nil, fmt.Errorf("unmarshal messages: %w", err)
		}
	}
	if docs.Valid && docs.String != "" && docs.String != "null" {
		if err := json.Unmarshal([]byte(docs.String), &conv.Evidence); err != nil {
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
