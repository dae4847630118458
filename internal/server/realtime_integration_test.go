package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type streamPayload struct {
	State   string            `json:"state"`
	Pending *conflictPayload  `json:"pending"`
	Status  *runStatusPayload `json:"status"`
}

func (p streamPayload) pending() *conflictPayload {
	if p.Pending != nil {
		return p.Pending
	}
	if p.Status != nil {
		return p.Status.Pending
	}
	return nil
}

func TestImportEventStreamDeliversConflictAndCompletion(t *testing.T) {
	service := newTestStore(t)
	seedRecord(t, service, "GitHub", "name", "Work", "email", "a@x.com")
	manager := newTestImportManager(t, service, 5*time.Second)
	handler := newTestHandler(t, service, manager)

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	importResp, err := http.Post(server.URL+"/imports", "text/plain",
		strings.NewReader("GitHub\n\nName - Work Laptop\nEmail - a@x.com\n\n\nAmazon\n\nEmail - shop@x.com"))
	if err != nil {
		t.Fatalf("import request failed: %v", err)
	}
	var started struct {
		RunID string `json:"run_id"`
	}
	if err := json.NewDecoder(importResp.Body).Decode(&started); err != nil {
		t.Fatalf("failed to decode import response: %v", err)
	}
	_ = importResp.Body.Close()
	if importResp.StatusCode != http.StatusAccepted {
		t.Fatalf("unexpected import status: %d", importResp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	streamRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/imports/"+started.RunID+"/events", http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	streamResp, err := http.DefaultClient.Do(streamRequest)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = streamResp.Body.Close()
	})
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}
	if contentType := streamResp.Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/event-stream") {
		t.Fatalf("unexpected content type %q", contentType)
	}

	streamReader := bufio.NewReader(streamResp.Body)
	currentEventType := ""
	resolved := false
	seen := make(map[string]bool)
	for {
		line, err := streamReader.ReadString('\n')
		if err != nil {
			t.Fatalf("stream ended before completion (seen %v): %v", seen, err)
		}
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "event:") {
			currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			seen[currentEventType] = true
			continue
		}
		if !strings.HasPrefix(line, "data:") || currentEventType == runEventHeartbeat {
			continue
		}
		var payload streamPayload
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &payload); err != nil {
			t.Fatalf("failed to decode event payload: %v", err)
		}

		if pending := payload.pending(); pending != nil && !resolved {
			if pending.CollectionKey != "github" || pending.IdentifierField != "email" {
				t.Fatalf("unexpected pending conflict: %+v", pending)
			}
			resolutionResp, err := http.Post(server.URL+"/imports/"+started.RunID+"/resolution", "application/json",
				strings.NewReader(`{"action":"update"}`))
			if err != nil {
				t.Fatalf("resolution request failed: %v", err)
			}
			_ = resolutionResp.Body.Close()
			if resolutionResp.StatusCode != http.StatusAccepted {
				t.Fatalf("unexpected resolution status: %d", resolutionResp.StatusCode)
			}
			resolved = true
			continue
		}

		if payload.State == "done" {
			break
		}
		if payload.State == "aborted" {
			t.Fatalf("run aborted unexpectedly")
		}
	}

	if !resolved {
		t.Fatalf("expected a conflict to be resolved through the stream")
	}
	status, err := manager.Status(started.RunID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Summary == nil || status.Summary.Created != 1 || status.Summary.Updated != 1 {
		t.Fatalf("unexpected summary: %+v", status.Summary)
	}
}
