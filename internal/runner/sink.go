package runner

import (
	"context"

	"github.com/joshsymonds/inboxrules/internal/mailbox"
	"github.com/joshsymonds/inboxrules/internal/rules"
	"github.com/joshsymonds/inboxrules/internal/store"
)

// statusSink applies each action to the mailbox first and mirrors it into
// the store only once the provider accepted it.
type statusSink struct {
	provider mailbox.Provider
	store    store.Store
}

func (s *statusSink) MarkRead(ctx context.Context, id string) error {
	if err := s.provider.MarkRead(ctx, id); err != nil {
		return err
	}
	read := true
	return s.store.UpdateStatus(ctx, id, store.StatusUpdate{IsRead: &read})
}

func (s *statusSink) MarkUnread(ctx context.Context, id string) error {
	if err := s.provider.MarkUnread(ctx, id); err != nil {
		return err
	}
	read := false
	return s.store.UpdateStatus(ctx, id, store.StatusUpdate{IsRead: &read})
}

func (s *statusSink) MoveToFolder(ctx context.Context, id, folder string) error {
	if err := s.provider.MoveToFolder(ctx, id, folder); err != nil {
		return err
	}
	return s.store.UpdateStatus(ctx, id, store.StatusUpdate{Mailbox: &folder})
}

var _ rules.ActionSink = (*statusSink)(nil)
