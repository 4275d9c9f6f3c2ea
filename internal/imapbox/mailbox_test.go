package imapbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmailFromBuffer(t *testing.T) {
	sent := time.Date(2024, time.March, 10, 9, 0, 0, 0, time.UTC)
	internal := time.Date(2024, time.March, 10, 9, 5, 0, 0, time.UTC)

	cases := []struct {
		name string
		buf  *imapclient.FetchMessageBuffer
		want func(t *testing.T, got emailView)
	}{
		{
			name: "envelope",
			buf: &imapclient.FetchMessageBuffer{
				UID:   42,
				Flags: []imap.Flag{imap.FlagSeen, imap.FlagFlagged},
				Envelope: &imap.Envelope{
					Date:      sent,
					Subject:   "Login alert",
					MessageID: "abc@example.com",
					From:      []imap.Address{{Name: "Security Team", Mailbox: "security", Host: "example.com"}},
				},
				InternalDate: internal,
			},
			want: func(t *testing.T, got emailView) {
				assert.Equal(t, "42", got.ID)
				assert.Equal(t, "Security Team <security@example.com>", got.From)
				assert.Equal(t, "Login alert", got.Subject)
				assert.True(t, got.IsRead)
				require.NotNil(t, got.ReceivedAt)
				assert.True(t, got.ReceivedAt.Equal(sent))
			},
		},
		{
			name: "bare address unread",
			buf: &imapclient.FetchMessageBuffer{
				UID:      7,
				Envelope: &imap.Envelope{From: []imap.Address{{Mailbox: "digest", Host: "example.com"}}},
			},
			want: func(t *testing.T, got emailView) {
				assert.Equal(t, "digest@example.com", got.From)
				assert.False(t, got.IsRead)
				assert.Nil(t, got.ReceivedAt)
			},
		},
		{
			name: "non-ascii display name",
			buf: &imapclient.FetchMessageBuffer{
				UID:      9,
				Envelope: &imap.Envelope{From: []imap.Address{{Name: "Jörg Sécurité", Mailbox: "jorg", Host: "example.de"}}},
			},
			want: func(t *testing.T, got emailView) {
				assert.Equal(t, "Jörg Sécurité <jorg@example.de>", got.From)
			},
		},
		{
			name: "internal date fallback",
			buf:  &imapclient.FetchMessageBuffer{UID: 8, InternalDate: internal},
			want: func(t *testing.T, got emailView) {
				assert.Empty(t, got.From)
				require.NotNil(t, got.ReceivedAt)
				assert.True(t, got.ReceivedAt.Equal(internal))
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := emailFromBuffer(tc.buf, "INBOX")
			assert.Equal(t, "INBOX", e.Mailbox)
			tc.want(t, emailView{ID: e.ID, From: e.From, Subject: e.Subject, IsRead: e.IsRead, ReceivedAt: e.ReceivedAt})
		})
	}
}

type emailView struct {
	ID, From, Subject string
	IsRead            bool
	ReceivedAt        *time.Time
}

func TestParseUID(t *testing.T) {
	uid, err := parseUID(" 123 ")
	require.NoError(t, err)
	assert.Equal(t, imap.UID(123), uid)

	for _, bad := range []string{"", "0", "-1", "msg-1", "99999999999"} {
		_, err := parseUID(bad)
		assert.Error(t, err, bad)
	}
}

func TestNewDefaults(t *testing.T) {
	m := New(Config{Host: "imap.example.com"}, nil)
	assert.Equal(t, "INBOX", m.cfg.Mailbox)
	assert.Equal(t, 993, m.cfg.Port)
	assert.NoError(t, m.Close())
}

func TestInvalidIDsFailBeforeConnecting(t *testing.T) {
	m := New(Config{Host: "imap.invalid"}, nil)
	ctx := context.Background()
	assert.Error(t, m.MarkRead(ctx, "nope"))
	assert.Error(t, m.MarkUnread(ctx, ""))
	assert.Error(t, m.MoveToFolder(ctx, "1", "  "))
	assert.Nil(t, m.client)
}

func TestConnectionLost(t *testing.T) {
	no := &imap.Error{Type: imap.StatusResponseTypeNo, Text: "no such message"}
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"server NO", no, false},
		{"wrapped server NO", fmt.Errorf("store flags on 3: %w", no), false},
		{"eof", fmt.Errorf("select INBOX: %w", io.EOF), true},
		{"reset", &net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset by peer")}, true},
		{"canceled", context.Canceled, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, connectionLost(tc.err))
		})
	}
}
