package teamsync

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// FeedClient pulls one page of changes at a time from the watched resource
// and fetches full item payloads, which feed pages do not carry.
type FeedClient interface {
	// Page fetches the page addressed by link. An empty link starts a full
	// enumeration of the resource.
	Page(ctx context.Context, resource, link string) (FeedPage, error)
	Item(ctx context.Context, resource, itemID string) (ItemPayload, error)
}

type HTTPFeedClient struct {
	api *apiClient
}

func NewHTTPFeedClient(opts APIClientOptions) *HTTPFeedClient {
	return &HTTPFeedClient{api: newAPIClient(opts)}
}

type feedItemDocument struct {
	ID              string `json:"id"`
	ParentReference *struct {
		ID string `json:"id"`
	} `json:"parentReference"`
	Deleted *struct {
		State string `json:"state"`
	} `json:"deleted"`
	File   map[string]any `json:"file"`
	Fields map[string]any `json:"fields"`
}

type feedPageDocument struct {
	Value     []feedItemDocument `json:"value"`
	NextLink  string             `json:"@odata.nextLink"`
	DeltaLink string             `json:"@odata.deltaLink"`
}

func (c *HTTPFeedClient) Page(ctx context.Context, resource, link string) (FeedPage, error) {
	if c == nil || c.api == nil {
		return FeedPage{}, fmt.Errorf("feed client is nil")
	}
	link = strings.TrimSpace(link)
	if link == "" {
		resource = strings.TrimSpace(resource)
		if resource == "" {
			return FeedPage{}, ErrInvalidInput
		}
		link = "/" + strings.Trim(resource, "/") + "/delta"
	}
	var doc feedPageDocument
	if err := c.api.do(ctx, http.MethodGet, link, nil, nil, &doc); err != nil {
		return FeedPage{}, err
	}
	page := FeedPage{
		Records:   make([]ChangeRecord, 0, len(doc.Value)),
		NextLink:  strings.TrimSpace(doc.NextLink),
		DeltaLink: strings.TrimSpace(doc.DeltaLink),
	}
	for _, item := range doc.Value {
		record := ChangeRecord{
			ItemID:     strings.TrimSpace(item.ID),
			Deleted:    item.Deleted != nil,
			HasContent: item.File != nil || item.Fields != nil,
		}
		if item.ParentReference != nil {
			record.ParentID = strings.TrimSpace(item.ParentReference.ID)
		}
		if record.ItemID == "" {
			continue
		}
		page.Records = append(page.Records, record)
	}
	if page.NextLink == "" && page.DeltaLink == "" {
		return FeedPage{}, fmt.Errorf("feed page carries neither next link nor delta link")
	}
	if page.NextLink != "" && page.DeltaLink != "" {
		return FeedPage{}, fmt.Errorf("feed page carries both next link and delta link")
	}
	return page, nil
}

type itemDocument struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

func (c *HTTPFeedClient) Item(ctx context.Context, resource, itemID string) (ItemPayload, error) {
	if c == nil || c.api == nil {
		return ItemPayload{}, fmt.Errorf("feed client is nil")
	}
	resource = strings.TrimSpace(resource)
	itemID = strings.TrimSpace(itemID)
	if resource == "" || itemID == "" {
		return ItemPayload{}, ErrInvalidInput
	}
	path := "/" + strings.Trim(resource, "/") + "/items/" + url.PathEscape(itemID) + "?expand=fields"
	var doc itemDocument
	if err := c.api.do(ctx, http.MethodGet, path, nil, nil, &doc); err != nil {
		return ItemPayload{}, err
	}
	payload := ItemPayload{
		ItemID: strings.TrimSpace(doc.ID),
		Fields: map[string]string{},
	}
	if payload.ItemID == "" {
		payload.ItemID = itemID
	}
	for name, value := range doc.Fields {
		payload.Fields[name] = toString(value)
	}
	return payload, nil
}

func toString(v any) string {
	switch typed := v.(type) {
	case nil:
		return ""
	case string:
		return typed
	case bool:
		if typed {
			return "true"
		}
		return "false"
	case float64:
		if typed == float64(int64(typed)) {
			return fmt.Sprintf("%d", int64(typed))
		}
		return fmt.Sprintf("%g", typed)
	default:
		return fmt.Sprintf("%v", typed)
	}
}

// entryFromPayload maps the fixed list shape onto a directory entry. Unknown
// fields are ignored.
func entryFromPayload(payload ItemPayload) DirectoryEntry {
	fields := payload.Fields
	name := strings.TrimSpace(fields["Title"])
	if name == "" {
		name = strings.TrimSpace(fields["Name"])
	}
	return DirectoryEntry{
		ItemID:   payload.ItemID,
		Name:     name,
		Gate:     strings.TrimSpace(fields["Gate"]),
		MeetTime: strings.TrimSpace(fields["MeetTime"]),
		Location: strings.TrimSpace(fields["Location"]),
	}
}
