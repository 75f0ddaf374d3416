package teamsync

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newFeedTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *HTTPFeedClient) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := NewHTTPFeedClient(APIClientOptions{
		BaseURL:       server.URL,
		TokenProvider: StaticTokenProvider("feed-token"),
		MaxRetries:    1,
	})
	return server, client
}

func TestFeedClientPageParsesRecords(t *testing.T) {
	_, client := newFeedTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/lists/roster/delta" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer feed-token" {
			t.Errorf("unexpected authorization header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"value": [
				{"id": "1", "fields": {"Title": "Blue Crew"}},
				{"id": "2", "deleted": {"state": "deleted"}},
				{"id": "3", "file": {}, "parentReference": {"id": "root"}},
				{"id": "", "fields": {}}
			],
			"@odata.deltaLink": "delta_1"
		}`)
	})

	page, err := client.Page(context.Background(), "lists/roster", "")
	if err != nil {
		t.Fatalf("page fetch failed: %v", err)
	}
	if page.DeltaLink != "delta_1" || page.NextLink != "" {
		t.Fatalf("unexpected links: next=%q delta=%q", page.NextLink, page.DeltaLink)
	}
	if len(page.Records) != 3 {
		t.Fatalf("expected 3 records (blank id dropped), got %d", len(page.Records))
	}
	if !page.Records[0].HasContent || page.Records[0].Deleted {
		t.Fatalf("record 1 should have content: %+v", page.Records[0])
	}
	if !page.Records[1].Deleted {
		t.Fatalf("record 2 should be deleted: %+v", page.Records[1])
	}
	if page.Records[2].ParentID != "root" || !page.Records[2].HasContent {
		t.Fatalf("record 3 should carry parent and content: %+v", page.Records[2])
	}
}

func TestFeedClientPageFollowsAbsoluteLink(t *testing.T) {
	var server *httptest.Server
	server, client := newFeedTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/lists/roster/delta":
			fmt.Fprintf(w, `{"value": [], "@odata.nextLink": %q}`, server.URL+"/page2")
		case "/page2":
			fmt.Fprint(w, `{"value": [], "@odata.deltaLink": "delta_1"}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
		}
	})

	first, err := client.Page(context.Background(), "lists/roster", "")
	if err != nil {
		t.Fatalf("first page failed: %v", err)
	}
	if first.NextLink == "" {
		t.Fatalf("expected a next link")
	}
	second, err := client.Page(context.Background(), "lists/roster", first.NextLink)
	if err != nil {
		t.Fatalf("second page failed: %v", err)
	}
	if second.DeltaLink != "delta_1" {
		t.Fatalf("expected terminal delta link, got %q", second.DeltaLink)
	}
}

func TestFeedClientPageRejectsMalformedLinks(t *testing.T) {
	bodies := map[string]string{
		"neither": `{"value": []}`,
		"both":    `{"value": [], "@odata.nextLink": "n", "@odata.deltaLink": "d"}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			_, client := newFeedTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				fmt.Fprint(w, body)
			})
			if _, err := client.Page(context.Background(), "lists/roster", ""); err == nil {
				t.Fatalf("expected malformed page to be rejected")
			}
		})
	}
}

func TestFeedClientItemStringifiesFields(t *testing.T) {
	_, client := newFeedTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/lists/roster/items/42" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("expand"); got != "fields" {
			t.Errorf("expected expand=fields, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id": "42", "fields": {"Title": "Blue Crew", "Seats": 12, "Ratio": 1.5, "Active": true}}`)
	})

	payload, err := client.Item(context.Background(), "lists/roster", "42")
	if err != nil {
		t.Fatalf("item fetch failed: %v", err)
	}
	if payload.ItemID != "42" {
		t.Fatalf("unexpected item id %q", payload.ItemID)
	}
	want := map[string]string{"Title": "Blue Crew", "Seats": "12", "Ratio": "1.5", "Active": "true"}
	for name, value := range want {
		if payload.Fields[name] != value {
			t.Fatalf("field %s: expected %q, got %q", name, value, payload.Fields[name])
		}
	}
}

func TestFeedClientRejectsEmptyResource(t *testing.T) {
	_, client := newFeedTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no request expected")
	})
	if _, err := client.Page(context.Background(), "  ", ""); err != ErrInvalidInput {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := client.Item(context.Background(), "lists/roster", " "); err != ErrInvalidInput {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestEntryFromPayloadFieldMapping(t *testing.T) {
	entry := entryFromPayload(ItemPayload{
		ItemID: "42",
		Fields: map[string]string{
			"Title":    " Blue Crew ",
			"Gate":     "A4",
			"MeetTime": "09:30",
			"Location": "North Hall",
			"Ignored":  "x",
		},
	})
	if entry.Name != "Blue Crew" || entry.Gate != "A4" || entry.MeetTime != "09:30" || entry.Location != "North Hall" {
		t.Fatalf("unexpected mapping: %+v", entry)
	}

	// Name falls back to the Name column when Title is absent.
	entry = entryFromPayload(ItemPayload{ItemID: "43", Fields: map[string]string{"Name": "Red Crew"}})
	if entry.Name != "Red Crew" {
		t.Fatalf("expected Name fallback, got %q", entry.Name)
	}
}
