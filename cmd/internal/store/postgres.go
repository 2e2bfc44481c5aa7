package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/WhiteRabbitCoder/SDH-Chat/cmd/identity"
	"github.com/WhiteRabbitCoder/SDH-Chat/cmd/identity/ids"
)

// PostgresGateway is a Gateway backed by PostgreSQL.
//
// Ownership model:
// - PostgresGateway does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Message inserts lock the conversation row (SELECT ... FOR UPDATE) and allocate seq from it,
//   so ordering is strictly monotonic and duplicates never burn a seq.
type PostgresGateway struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresGateway behavior.
type PostgresOption func(*PostgresGateway) error

// WithSchema sets the DB schema used by this gateway (default: "chat").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(g *PostgresGateway) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("store: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("store: invalid schema identifier")
		}
		g.schema = schema
		return nil
	}
}

// NewPostgresGateway constructs a Postgres-backed Gateway.
func NewPostgresGateway(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresGateway, error) {
	g := &PostgresGateway{
		pool:   pool,
		schema: DefaultSchema,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(g); err != nil {
			return nil, err
		}
	}
	if g.pool == nil {
		return nil, errors.New("store: nil pool")
	}
	return g, nil
}

// Close is a no-op because the pool is owned by the caller.
func (g *PostgresGateway) Close() error { return nil }

func (g *PostgresGateway) users() string    { return pgIdent(g.schema, "users") }
func (g *PostgresGateway) convs() string    { return pgIdent(g.schema, "conversations") }
func (g *PostgresGateway) messages() string { return pgIdent(g.schema, "messages") }

// ---- users ----

const userColumns = `id, display_name, department, avatar_url, email, role, presence, last_seen_at, created_at`

func scanUser(row pgx.Row) (User, error) {
	var (
		u        User
		presence string
	)
	if err := row.Scan(&u.ID, &u.DisplayName, &u.Department, &u.AvatarURL, &u.Email, &u.Role, &presence, &u.LastSeenAt, &u.CreatedAt); err != nil {
		return User{}, err
	}
	u.Presence = Presence(presence)
	return u, nil
}

func collectUsers(rows pgx.Rows) ([]User, error) {
	defer rows.Close()
	out := make([]User, 0, 16)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (g *PostgresGateway) GetUser(ctx context.Context, id string) (User, error) {
	u, err := scanUser(g.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM `+g.users()+` WHERE id = $1`, strings.TrimSpace(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, notFound("store.GetUser", "user")
	}
	return u, err
}

func (g *PostgresGateway) FindUserByEmail(ctx context.Context, email string) (User, error) {
	norm := identity.NormalizeEmail(email)
	if norm == "" {
		return User{}, invalid("store.FindUserByEmail", "empty email")
	}
	u, err := scanUser(g.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM `+g.users()+` WHERE lower(email) = $1`, norm))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, notFound("store.FindUserByEmail", "user")
	}
	return u, err
}

func (g *PostgresGateway) ListUsers(ctx context.Context, excludeID string) ([]User, error) {
	rows, err := g.pool.Query(ctx,
		`SELECT `+userColumns+` FROM `+g.users()+` WHERE id <> $1 ORDER BY id`, excludeID)
	if err != nil {
		return nil, err
	}
	return collectUsers(rows)
}

func (g *PostgresGateway) SearchUsers(ctx context.Context, query, excludeID string) ([]User, error) {
	term := identity.NormalizeQuery(query)
	if term == "" {
		return []User{}, nil
	}
	rows, err := g.pool.Query(ctx,
		`SELECT `+userColumns+` FROM `+g.users()+`
		  WHERE id <> $1
		    AND (strpos(lower(email), $2) > 0
		      OR strpos(lower(display_name), $2) > 0
		      OR strpos(lower(department), $2) > 0)
		  ORDER BY id`,
		excludeID, term,
	)
	if err != nil {
		return nil, err
	}
	return collectUsers(rows)
}

// PutUsers upserts users in one transaction. Presence is left untouched on existing rows.
func (g *PostgresGateway) PutUsers(ctx context.Context, users []User) error {
	for _, u := range users {
		if strings.TrimSpace(u.ID) == "" {
			return invalid("store.PutUsers", "missing user id")
		}
	}
	if len(users) == 0 {
		return nil
	}

	tx, err := g.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	b := &pgx.Batch{}
	for _, u := range users {
		created := u.CreatedAt
		if created.IsZero() {
			created = now
		}
		b.Queue(
			`INSERT INTO `+g.users()+` (id, display_name, department, avatar_url, email, role, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (id) DO UPDATE
			    SET display_name = EXCLUDED.display_name,
			        department   = EXCLUDED.department,
			        avatar_url   = EXCLUDED.avatar_url,
			        email        = EXCLUDED.email,
			        role         = EXCLUDED.role`,
			u.ID, u.DisplayName, u.Department, u.AvatarURL, strings.TrimSpace(u.Email), u.Role, created,
		)
	}

	br := tx.SendBatch(ctx, b)
	for range users {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			if isUniqueViolation(err) {
				return ConflictError{Op: "store.PutUsers", Field: "email"}
			}
			return fmt.Errorf("put users: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (g *PostgresGateway) SetPresence(ctx context.Context, userID string, state Presence, at time.Time) error {
	if state != PresenceOnline && state != PresenceOffline {
		return invalid("store.SetPresence", "unknown presence state")
	}
	tag, err := g.pool.Exec(ctx,
		`UPDATE `+g.users()+` SET presence = $2, last_seen_at = $3 WHERE id = $1`,
		userID, string(state), at.UTC(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("store.SetPresence", "user")
	}
	return nil
}

func (g *PostgresGateway) ResetPresence(ctx context.Context, at time.Time) error {
	_, err := g.pool.Exec(ctx,
		`UPDATE `+g.users()+` SET presence = 'offline', last_seen_at = $1 WHERE presence = 'online'`,
		at.UTC(),
	)
	return err
}

// ---- conversations ----

const convColumns = `id, is_group, name, participants, admins, created_by, created_at, last_message, last_message_at, hidden_for`

func scanConv(row pgx.Row) (Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.IsGroup, &c.Name, &c.Participants, &c.Admins, &c.CreatedBy,
		&c.CreatedAt, &c.LastMessage, &c.LastMessageAt, &c.HiddenFor)
	return c, err
}

func (g *PostgresGateway) GetConversation(ctx context.Context, id string) (Conversation, error) {
	c, err := scanConv(g.pool.QueryRow(ctx,
		`SELECT `+convColumns+` FROM `+g.convs()+` WHERE id = $1`, strings.TrimSpace(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, notFound("store.GetConversation", "conversation")
	}
	return c, err
}

func (g *PostgresGateway) ConversationsFor(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := g.pool.Query(ctx,
		`SELECT `+convColumns+` FROM `+g.convs()+`
		  WHERE participants @> ARRAY[$1]::text[]
		  ORDER BY last_message_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Conversation, 0, 8)
	for rows.Next() {
		c, err := scanConv(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (g *PostgresGateway) CreateDirect(ctx context.Context, in CreateDirectInput) (Conversation, bool, error) {
	pair := CanonicalPair(in.CreatorID, in.RecipientID)
	if pair[0] == "" || pair[1] == "" {
		return Conversation{}, false, invalid("store.CreateDirect", "missing participant")
	}
	if pair[0] == pair[1] {
		return Conversation{}, false, invalid("store.CreateDirect", "self conversation")
	}
	now := nowOr(in.Now)
	id, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, false, err
	}
	key := pair[0] + "|" + pair[1]

	c, err := scanConv(g.pool.QueryRow(ctx,
		`INSERT INTO `+g.convs()+` (id, is_group, participants, created_by, created_at, last_message, last_message_at, direct_key)
		 VALUES ($1, false, $2, $3, $4, $5, $4, $6)
		 ON CONFLICT (direct_key) WHERE direct_key IS NOT NULL DO NOTHING
		 RETURNING `+convColumns,
		id, pair, strings.TrimSpace(in.CreatorID), now, DirectCreatedNote, key,
	))
	if err == nil {
		return c, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, false, err
	}

	// Existing pair: make it visible again for the creator.
	c, err = scanConv(g.pool.QueryRow(ctx,
		`UPDATE `+g.convs()+` SET hidden_for = array_remove(hidden_for, $2)
		  WHERE direct_key = $1
		  RETURNING `+convColumns,
		key, strings.TrimSpace(in.CreatorID),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, false, ConflictError{Op: "store.CreateDirect", Field: "direct_key"}
	}
	if err != nil {
		return Conversation{}, false, err
	}
	return c, false, nil
}

func (g *PostgresGateway) CreateGroup(ctx context.Context, in CreateGroupInput) (Conversation, error) {
	conv, err := newGroup(in)
	if err != nil {
		return Conversation{}, err
	}
	return scanConv(g.pool.QueryRow(ctx,
		`INSERT INTO `+g.convs()+` (id, is_group, name, participants, admins, created_by, created_at, last_message, last_message_at)
		 VALUES ($1, true, $2, $3, $4, $5, $6, $7, $6)
		 RETURNING `+convColumns,
		conv.ID, conv.Name, conv.Participants, conv.Admins, conv.CreatedBy, conv.CreatedAt, conv.LastMessage,
	))
}

// withConvTx runs fn against the conversation row locked FOR UPDATE.
func (g *PostgresGateway) withConvTx(ctx context.Context, op, conversationID string, fn func(tx pgx.Tx, c *Conversation) error) error {
	tx, err := g.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	c, err := scanConv(tx.QueryRow(ctx,
		`SELECT `+convColumns+` FROM `+g.convs()+` WHERE id = $1 FOR UPDATE`, conversationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(op, "conversation")
	}
	if err != nil {
		return err
	}
	if err := fn(tx, &c); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (g *PostgresGateway) AddParticipants(ctx context.Context, conversationID string, userIDs []string, note string, now time.Time) (Conversation, error) {
	var out Conversation
	err := g.withConvTx(ctx, "store.AddParticipants", conversationID, func(tx pgx.Tx, c *Conversation) error {
		if !c.IsGroup {
			return invalid("store.AddParticipants", "not a group")
		}
		added := 0
		for _, id := range UniqueIDs(userIDs...) {
			if c.HasParticipant(id) {
				continue
			}
			c.Participants = append(c.Participants, id)
			added++
		}
		if added == 0 {
			return invalid("store.AddParticipants", "no new participants")
		}
		touchNote(c, note, nowOr(now))
		var err error
		out, err = scanConv(tx.QueryRow(ctx,
			`UPDATE `+g.convs()+` SET participants = $2, last_message = $3, last_message_at = $4
			  WHERE id = $1
			  RETURNING `+convColumns,
			c.ID, c.Participants, c.LastMessage, c.LastMessageAt,
		))
		return err
	})
	return out, err
}

func (g *PostgresGateway) RemoveParticipant(ctx context.Context, conversationID, userID, note string, now time.Time) (Conversation, bool, error) {
	var (
		out     Conversation
		deleted bool
	)
	err := g.withConvTx(ctx, "store.RemoveParticipant", conversationID, func(tx pgx.Tx, c *Conversation) error {
		if !c.IsGroup {
			return invalid("store.RemoveParticipant", "not a group")
		}
		c.Participants = removeString(c.Participants, userID)
		if len(c.Participants) == 0 {
			deleted = true
			_, err := tx.Exec(ctx, `DELETE FROM `+g.convs()+` WHERE id = $1`, c.ID)
			return err
		}
		c.Admins = removeString(c.Admins, userID)
		c.HiddenFor = removeString(c.HiddenFor, userID)
		touchNote(c, note, nowOr(now))
		var err error
		out, err = scanConv(tx.QueryRow(ctx,
			`UPDATE `+g.convs()+`
			    SET participants = $2, admins = $3, hidden_for = $4, last_message = $5, last_message_at = $6
			  WHERE id = $1
			  RETURNING `+convColumns,
			c.ID, c.Participants, c.Admins, c.HiddenFor, c.LastMessage, c.LastMessageAt,
		))
		return err
	})
	return out, deleted, err
}

func (g *PostgresGateway) SetHidden(ctx context.Context, conversationID, userID string, hidden bool) error {
	return g.withConvTx(ctx, "store.SetHidden", conversationID, func(tx pgx.Tx, c *Conversation) error {
		if !c.HasParticipant(userID) {
			return invalid("store.SetHidden", "not a participant")
		}
		hiddenFor := removeString(c.HiddenFor, userID)
		if hidden {
			hiddenFor = append(hiddenFor, userID)
		}
		_, err := tx.Exec(ctx, `UPDATE `+g.convs()+` SET hidden_for = $2 WHERE id = $1`, c.ID, hiddenFor)
		return err
	})
}

// ---- messages ----

const messageColumns = `id, conversation_id, seq, sender, type, content, sent_at, seen, COALESCE(correlation_id, '')`

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.From, &m.Type, &m.Content, &m.SentAt, &m.Seen, &m.CorrelationID)
	return m, err
}

func collectMessages(rows pgx.Rows, capHint int) ([]Message, error) {
	defer rows.Close()
	out := make([]Message, 0, capHint)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AppendMessage appends a message with idempotency and monotonic sequence allocation.
func (g *PostgresGateway) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if err := validateAppend(in); err != nil {
		return AppendMessageResult{}, err
	}
	now := nowOr(in.Now)

	tx, err := g.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendMessageResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Row lock serializes writers per conversation.
	var seq int64
	err = tx.QueryRow(ctx,
		`SELECT next_seq FROM `+g.convs()+` WHERE id = $1 FOR UPDATE`, in.ConversationID,
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return AppendMessageResult{}, notFound("store.AppendMessage", "conversation")
	}
	if err != nil {
		return AppendMessageResult{}, fmt.Errorf("lock conversation: %w", err)
	}

	if in.CorrelationID != "" {
		existing, err := scanMessage(tx.QueryRow(ctx,
			`SELECT `+messageColumns+` FROM `+g.messages()+`
			  WHERE conversation_id = $1 AND sender = $2 AND correlation_id = $3`,
			in.ConversationID, in.From, in.CorrelationID,
		))
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return AppendMessageResult{}, err
			}
			return AppendMessageResult{Stored: existing, Duplicated: true}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return AppendMessageResult{}, err
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+g.convs()+` SET next_seq = next_seq + 1 WHERE id = $1`, in.ConversationID,
	); err != nil {
		return AppendMessageResult{}, err
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return AppendMessageResult{}, err
	}
	msg := Message{
		ID:             id,
		ConversationID: in.ConversationID,
		Seq:            seq,
		From:           in.From,
		Type:           messageType(in.Type),
		Content:        in.Content,
		SentAt:         now,
		CorrelationID:  in.CorrelationID,
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+g.messages()+` (conversation_id, seq, id, sender, type, content, sent_at, correlation_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''))`,
		msg.ConversationID, msg.Seq, msg.ID, msg.From, msg.Type, msg.Content, msg.SentAt, msg.CorrelationID,
	); err != nil {
		return AppendMessageResult{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendMessageResult{}, err
	}
	return AppendMessageResult{Stored: msg}, nil
}

func (g *PostgresGateway) TouchLastMessage(ctx context.Context, conversationID, content string, at time.Time) error {
	tag, err := g.pool.Exec(ctx,
		`UPDATE `+g.convs()+` SET last_message = $2, last_message_at = $3, hidden_for = '{}' WHERE id = $1`,
		conversationID, content, nowOr(at),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("store.TouchLastMessage", "conversation")
	}
	return nil
}

// ListMessages returns messages ordered by seq ASC, with optional paging by AfterSeq.
func (g *PostgresGateway) ListMessages(ctx context.Context, in ListMessagesInput) (ListMessagesResult, error) {
	if strings.TrimSpace(in.ConversationID) == "" {
		return ListMessagesResult{}, invalid("store.ListMessages", "missing conversation_id")
	}

	var exists bool
	if err := g.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+g.convs()+` WHERE id = $1)`, in.ConversationID,
	).Scan(&exists); err != nil {
		return ListMessagesResult{}, err
	}
	if !exists {
		return ListMessagesResult{}, notFound("store.ListMessages", "conversation")
	}

	limit := ClampLimit(in.Limit)
	fetch := limit + 1
	after := int64(0)
	if in.AfterSeq != nil {
		after = *in.AfterSeq
	}

	rows, err := g.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM `+g.messages()+`
		  WHERE conversation_id = $1 AND seq > $2
		  ORDER BY seq ASC
		  LIMIT $3`,
		in.ConversationID, after, fetch,
	)
	if err != nil {
		return ListMessagesResult{}, err
	}
	msgs, err := collectMessages(rows, fetch)
	if err != nil {
		return ListMessagesResult{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return ListMessagesResult{Messages: msgs, HasMore: hasMore}, nil
}

func (g *PostgresGateway) SearchMessages(ctx context.Context, conversationID, query string) ([]Message, error) {
	term := identity.NormalizeQuery(query)
	if strings.TrimSpace(conversationID) == "" || term == "" {
		return nil, invalid("store.SearchMessages", "conversation_id and query are required")
	}
	rows, err := g.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM `+g.messages()+`
		  WHERE conversation_id = $1 AND strpos(lower(content), $2) > 0
		  ORDER BY seq ASC`,
		conversationID, term,
	)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows, 16)
}

func (g *PostgresGateway) MarkSeen(ctx context.Context, conversationID, readerID string, uptoSeq int64) (int, error) {
	var exists bool
	if err := g.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+g.convs()+` WHERE id = $1)`, conversationID,
	).Scan(&exists); err != nil {
		return 0, err
	}
	if !exists {
		return 0, notFound("store.MarkSeen", "conversation")
	}
	tag, err := g.pool.Exec(ctx,
		`UPDATE `+g.messages()+` SET seen = true
		  WHERE conversation_id = $1 AND seq <= $2 AND sender <> $3 AND NOT seen`,
		conversationID, uptoSeq, readerID,
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ---- helpers ----

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

var _ Gateway = (*PostgresGateway)(nil)
