package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/recordstore/internal/records"
	"github.com/MarcoPoloResearchLab/recordstore/internal/scheduler"
)

func TestRealtimeStreamEmitsRecordChangeEvents(t *testing.T) {
	harness := newAPIHarness(t, func() scheduler.Scheduler { return scheduler.NewTimer(time.Millisecond) })

	server := httptest.NewServer(harness.handler)
	t.Cleanup(server.Close)

	streamRequest, err := http.NewRequest(http.MethodGet, server.URL+"/documents/live/stream", http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	streamRequest.Header.Set("Authorization", "Bearer "+harness.token)
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

	streamReader := bufio.NewReader(streamResp.Body)

	putReq, err := http.NewRequest(http.MethodPost, server.URL+"/documents/live/records", bytes.NewBufferString(authorAndCursor))
	if err != nil {
		t.Fatalf("failed to construct put request: %v", err)
	}
	putReq.Header.Set("Authorization", "Bearer "+harness.token)
	putReq.Header.Set("Content-Type", "application/json")
	putResp, err := http.DefaultClient.Do(putReq)
	if err != nil {
		t.Fatalf("put request failed: %v", err)
	}
	_ = putResp.Body.Close()
	if putResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected put status: %d", putResp.StatusCode)
	}

	type eventPayload struct {
		DocumentID string        `json:"documentId"`
		Epoch      uint64        `json:"epoch"`
		Source     string        `json:"source"`
		Changes    changePayload `json:"changes"`
	}

	currentEventType := ""
	deadline := time.After(5 * time.Second)
	type readResult struct {
		line string
		err  error
	}
	for {
		resultCh := make(chan readResult, 1)
		go func() {
			line, err := streamReader.ReadString('\n')
			resultCh <- readResult{line: line, err: err}
		}()
		select {
		case <-deadline:
			t.Fatal("timed out waiting for realtime event")
		case res := <-resultCh:
			if res.err != nil {
				t.Fatalf("failed to read stream: %v", res.err)
			}
			line := strings.TrimSpace(res.line)
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "event:") {
				currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				continue
			}
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			if currentEventType != RealtimeEventRecordsChanged {
				continue
			}
			dataJSON := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			var payload eventPayload
			if err := json.Unmarshal([]byte(dataJSON), &payload); err != nil {
				t.Fatalf("failed to decode event payload: %v", err)
			}
			if payload.DocumentID != "live" || payload.Epoch != 1 || payload.Source != "user" {
				t.Fatalf("unexpected event header: %+v", payload)
			}
			added := payload.Changes.Added
			if len(added) != 2 || added[0].ID != records.NewID("author", "1") || added[1].ID != records.NewID("cursor", "me") {
				t.Fatalf("unexpected added records: %+v", added)
			}
			return
		}
	}
}

func TestNewChangePayloadOrdersByID(t *testing.T) {
	diff := records.NewDiff()
	for _, key := range []string{"c", "a", "b"} {
		id := records.NewID("note", key)
		diff.Added[id] = records.New(id, "note", records.Fields{})
	}
	from := records.New(records.NewID("note", "z"), "note", records.Fields{"v": 1})
	diff.Updated[from.ID] = records.Update{From: from, To: from.With("v", 2)}

	payload := newChangePayload(diff)
	if len(payload.Added) != 3 || payload.Added[0].ID != "note:a" || payload.Added[2].ID != "note:c" {
		t.Fatalf("expected added records ordered by id, got %+v", payload.Added)
	}
	if len(payload.Updated) != 1 || payload.Updated[0].To.Fields["v"] != 2 {
		t.Fatalf("unexpected updates %+v", payload.Updated)
	}
	if payload.Removed == nil {
		t.Fatalf("expected empty removed list to encode as an array")
	}
}
