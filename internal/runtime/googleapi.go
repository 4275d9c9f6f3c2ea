// internal/runtime/googleapi.go adapts *gmail.Service to the narrow client interface.
package runtime

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/api/gmail/v1"

	gc "github.com/joshsymonds/inboxrules/internal/gmail"
)

const me = "me"

type googleClient struct{ svc *gmail.Service }

// NewGoogleAPIClient wraps an authenticated Gmail service.
func NewGoogleAPIClient(svc *gmail.Service) gc.Client { return &googleClient{svc} }

func (g *googleClient) List(ctx context.Context, q gc.Query, pageToken string, pageSize int) (gc.ListPage, error) {
	call := g.svc.Users.Messages.List(me).MaxResults(int64(pageSize))
	if len(q.LabelIDs) > 0 {
		call = call.LabelIds(labelStrings(q.LabelIDs)...)
	}
	if q.Raw != "" {
		call = call.Q(q.Raw)
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	res, err := call.Context(ctx).Do()
	if err != nil {
		return gc.ListPage{}, err
	}
	page := gc.ListPage{IDs: make([]gc.MessageID, 0, len(res.Messages)), NextPageToken: res.NextPageToken}
	for _, m := range res.Messages {
		page.IDs = append(page.IDs, gc.MessageID(m.Id))
	}
	return page, nil
}

func (g *googleClient) GetMetadata(ctx context.Context, id gc.MessageID, headers []string) (gc.MessageMeta, error) {
	msg, err := g.svc.Users.Messages.Get(me, string(id)).
		Format("metadata").
		MetadataHeaders(headers...).
		Context(ctx).
		Do()
	if err != nil {
		return gc.MessageMeta{}, err
	}
	meta := gc.MessageMeta{
		ID:       id,
		ThreadID: msg.ThreadId,
		Headers:  map[string]string{},
		Snippet:  msg.Snippet,
	}
	if msg.Payload != nil {
		for _, hd := range msg.Payload.Headers {
			meta.Headers[hd.Name] = hd.Value
		}
	}
	for _, l := range msg.LabelIds {
		meta.LabelIDs = append(meta.LabelIDs, gc.LabelID(l))
	}
	if msg.InternalDate > 0 {
		meta.InternalDate = time.UnixMilli(msg.InternalDate).UTC()
	}
	return meta, nil
}

func (g *googleClient) Modify(ctx context.Context, id gc.MessageID, ops gc.ModifyOps) error {
	req := &gmail.ModifyMessageRequest{
		AddLabelIds:    labelStrings(ops.AddLabels),
		RemoveLabelIds: labelStrings(ops.RemoveLabels),
	}
	_, err := g.svc.Users.Messages.Modify(me, string(id), req).Context(ctx).Do()
	return err
}

func (g *googleClient) ListLabels(ctx context.Context) (map[string]gc.LabelID, map[gc.LabelID]string, error) {
	lr, err := g.svc.Users.Labels.List(me).Context(ctx).Do()
	if err != nil {
		return nil, nil, err
	}
	byName := map[string]gc.LabelID{}
	byID := map[gc.LabelID]string{}
	for _, l := range lr.Labels {
		byName[l.Name] = gc.LabelID(l.Id)
		byID[gc.LabelID(l.Id)] = l.Name
	}
	return byName, byID, nil
}

func (g *googleClient) EnsureLabel(ctx context.Context, name string) (gc.LabelID, error) {
	byName, _, err := g.ListLabels(ctx)
	if err != nil {
		return "", err
	}
	if id, ok := byName[name]; ok {
		return id, nil
	}
	created, err := g.svc.Users.Labels.Create(me, &gmail.Label{
		Name:                  name,
		LabelListVisibility:   "labelShow",
		MessageListVisibility: "show",
	}).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("create label %q: %w", name, err)
	}
	return gc.LabelID(created.Id), nil
}

func labelStrings(ids []gc.LabelID) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
