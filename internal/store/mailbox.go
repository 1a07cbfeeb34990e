package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ainp-network/broker/internal/types"
)

// MailboxRepo persists messages and thread aggregates (§4.6).
type MailboxRepo struct {
	db *gorm.DB
}

// NewMailboxRepo constructs a MailboxRepo.
func NewMailboxRepo(s *Store) *MailboxRepo { return &MailboxRepo{db: s.DB} }

// StoreInput is one delivered envelope to persist for one recipient.
type StoreInput struct {
	OwnerDID       string
	EnvelopeID     string
	FromDID        string
	ConversationID string
	MsgType        types.MsgType
	PayloadJSON    string
}

// Store persists one copy of env for owner, idempotent on (owner, envelope
// id), and atomically updates the thread aggregate in the same transaction.
func (r *MailboxRepo) Store(ctx context.Context, in StoreInput) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing types.Message
		err := tx.Where("owner_did = ? AND envelope_id = ?", in.OwnerDID, in.EnvelopeID).First(&existing).Error
		if err == nil {
			return nil // idempotent no-op
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		now := time.Now().UTC()
		msg := types.Message{
			OwnerDID:       in.OwnerDID,
			EnvelopeID:     in.EnvelopeID,
			FromDID:        in.FromDID,
			ConversationID: in.ConversationID,
			MsgType:        in.MsgType,
			PayloadJSON:    in.PayloadJSON,
			Read:           false,
			CreatedAt:      now,
		}
		if err := tx.Create(&msg).Error; err != nil {
			return fmt.Errorf("store: insert message: %w", err)
		}

		var thread types.Thread
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("conversation_id = ? AND owner_did = ?", in.ConversationID, in.OwnerDID).
			First(&thread).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			thread = types.Thread{
				ConversationID:  in.ConversationID,
				OwnerDID:        in.OwnerDID,
				ParticipantsRaw: joinParticipants(in.OwnerDID, in.FromDID),
				LastMessageAt:   now,
				MessageCount:    1,
				UnreadCount:     1,
			}
			if err := tx.Create(&thread).Error; err != nil {
				return fmt.Errorf("store: insert thread: %w", err)
			}
		case err != nil:
			return err
		default:
			thread.LastMessageAt = now
			thread.MessageCount++
			thread.UnreadCount++
			thread.ParticipantsRaw = extendParticipants(thread.ParticipantsRaw, in.FromDID)
			if err := tx.Model(&types.Thread{}).
				Where("conversation_id = ? AND owner_did = ?", in.ConversationID, in.OwnerDID).
				Updates(map[string]any{
					"last_message_at": thread.LastMessageAt,
					"message_count":   thread.MessageCount,
					"unread_count":    thread.UnreadCount,
					"participants":    thread.ParticipantsRaw,
				}).Error; err != nil {
				return fmt.Errorf("store: update thread: %w", err)
			}
		}
		return nil
	})
}

func joinParticipants(a, b string) string {
	if a == b {
		return a
	}
	return a + "," + b
}

func extendParticipants(existing, peer string) string {
	parts := strings.Split(existing, ",")
	for _, p := range parts {
		if p == peer {
			return existing
		}
	}
	return existing + "," + peer
}

// InboxPage is one page of list_inbox results.
type InboxPage struct {
	Messages   []types.Message
	NextCursor string
}

// ListInboxOptions configures list_inbox (§4.6).
type ListInboxOptions struct {
	Limit      int
	Cursor     string // format: "<unixnano>|<id>"
	Label      string
	UnreadOnly bool
}

// ListInbox returns a keyset-paginated page ordered by created_at DESC, id DESC.
func (r *MailboxRepo) ListInbox(ctx context.Context, owner string, opts ListInboxOptions) (InboxPage, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	q := r.db.WithContext(ctx).Where("owner_did = ?", owner)
	if opts.UnreadOnly {
		q = q.Where("read = ?", false)
	}
	if opts.Label != "" {
		q = q.Where("labels LIKE ?", "%"+opts.Label+"%")
	}
	if opts.Cursor != "" {
		ts, id, ok := parseCursor(opts.Cursor)
		if ok {
			q = q.Where("(created_at < ?) OR (created_at = ? AND id < ?)", ts, ts, id)
		}
	}
	var rows []types.Message
	if err := q.Order("created_at DESC, id DESC").Limit(limit + 1).Find(&rows).Error; err != nil {
		return InboxPage{}, err
	}
	page := InboxPage{}
	if len(rows) > limit {
		last := rows[limit-1]
		page.NextCursor = formatCursor(last.CreatedAt, last.ID)
		rows = rows[:limit]
	}
	page.Messages = rows
	return page, nil
}

func formatCursor(t time.Time, id uint64) string {
	return fmt.Sprintf("%d|%d", t.UnixNano(), id)
}

func parseCursor(c string) (time.Time, uint64, bool) {
	parts := strings.SplitN(c, "|", 2)
	if len(parts) != 2 {
		return time.Time{}, 0, false
	}
	var nanos int64
	var id uint64
	if _, err := fmt.Sscanf(parts[0], "%d", &nanos); err != nil {
		return time.Time{}, 0, false
	}
	if _, err := fmt.Sscanf(parts[1], "%d", &id); err != nil {
		return time.Time{}, 0, false
	}
	return time.Unix(0, nanos), id, true
}

// GetThread returns the thread aggregate and its messages, enforcing the
// ACL: owner must appear in the thread or own a message in it.
func (r *MailboxRepo) GetThread(ctx context.Context, owner, conversationID string) (types.Thread, []types.Message, error) {
	var thread types.Thread
	err := r.db.WithContext(ctx).Where("conversation_id = ? AND owner_did = ?", conversationID, owner).First(&thread).Error
	if err != nil {
		return types.Thread{}, nil, err
	}
	var msgs []types.Message
	if err := r.db.WithContext(ctx).Where("conversation_id = ? AND owner_did = ?", conversationID, owner).
		Order("created_at ASC, id ASC").Find(&msgs).Error; err != nil {
		return types.Thread{}, nil, err
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	return thread, msgs, nil
}

// MarkRead flips a message's read flag and keeps thread.unread_count in sync,
// idempotently (no-op if already at the requested state).
func (r *MailboxRepo) MarkRead(ctx context.Context, owner string, messageID uint64, read bool) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var msg types.Message
		if err := tx.Where("id = ? AND owner_did = ?", messageID, owner).First(&msg).Error; err != nil {
			return err
		}
		if msg.Read == read {
			return nil
		}
		if err := tx.Model(&msg).Update("read", read).Error; err != nil {
			return err
		}
		delta := -1
		if !read {
			delta = 1
		}
		return tx.Model(&types.Thread{}).
			Where("conversation_id = ? AND owner_did = ?", msg.ConversationID, owner).
			UpdateColumn("unread_count", gorm.Expr("unread_count + ?", delta)).Error
	})
}

// LabelDelta is the add/remove label set for one label operation.
type LabelDelta struct {
	Add    []string
	Remove []string
}

// Label applies a label set union/difference to a message.
func (r *MailboxRepo) Label(ctx context.Context, owner string, messageID uint64, delta LabelDelta) error {
	var msg types.Message
	if err := r.db.WithContext(ctx).Where("id = ? AND owner_did = ?", messageID, owner).First(&msg).Error; err != nil {
		return err
	}
	set := map[string]struct{}{}
	for _, l := range strings.Split(msg.LabelsRaw, ",") {
		if l != "" {
			set[l] = struct{}{}
		}
	}
	for _, l := range delta.Add {
		set[l] = struct{}{}
	}
	for _, l := range delta.Remove {
		delete(set, l)
	}
	labels := make([]string, 0, len(set))
	for l := range set {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return r.db.WithContext(ctx).Model(&msg).Update("labels", strings.Join(labels, ",")).Error
}
