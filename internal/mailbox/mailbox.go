// Package mailbox defines the normalized email record and the provider
// surface the rule pipeline reads from and writes to.
package mailbox

import (
	"context"
	"strings"
	"time"
)

//go:generate mockgen -source=mailbox.go -destination=mocks/provider.go -package=mocks

// Email is a provider-neutral view of one message.
type Email struct {
	ID         string
	ThreadID   string
	From       string
	Subject    string
	ReceivedAt *time.Time // nil when the provider reported no usable date
	Mailbox    string
	IsRead     bool
	Snippet    string
}

// Provider fetches recent mail and applies state changes to it.
type Provider interface {
	Fetch(ctx context.Context, limit int) ([]Email, error)
	MarkRead(ctx context.Context, id string) error
	MarkUnread(ctx context.Context, id string) error
	MoveToFolder(ctx context.Context, id, mailbox string) error
	Close() error
}

// DisplayAddress renders a sender as plain text, "Name <addr>" or the bare
// address. The result is what rule conditions match against, so it is never
// quoted or RFC 2047 encoded.
func DisplayAddress(name, addr string) string {
	name = strings.TrimSpace(name)
	addr = strings.TrimSpace(addr)
	switch {
	case name == "":
		return addr
	case addr == "":
		return name
	default:
		return name + " <" + addr + ">"
	}
}
