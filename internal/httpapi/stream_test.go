package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestScanStreamDeliversOrganizationEvents(t *testing.T) {
	api := newTestAPI(t)
	now := time.Now().UTC()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api.baseURL+"/v1/scans/stream", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range api.bearer(porterActor) {
		req.Header.Set(k, v)
	}
	resp, err := api.client.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	reader := bufio.NewReader(resp.Body)
	first, err := reader.ReadString('\n')
	if err != nil || !strings.HasPrefix(first, ": stream started") {
		t.Fatalf("expected stream preamble, got %q (%v)", first, err)
	}

	issue := api.post("/v1/access-codes", map[string]any{
		"visitRequestId": "visit-1",
		"codeType":       "ALPHANUMERIC",
		"validFrom":      now.Add(-time.Minute).Format(time.RFC3339),
		"validUntil":     now.Add(time.Hour).Format(time.RFC3339),
	}, api.bearer(adminActor))
	expectStatus(t, issue, http.StatusCreated)
	issued := decode[map[string]any](t, issue)

	scan := api.post("/v1/access-codes/scan", map[string]any{"code": issued["code"], "scanLocation": "Gate B"}, api.bearer(porterActor))
	expectStatus(t, scan, http.StatusOK)
	scan.Body.Close()

	var event, data string
	for data == "" {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
	if event != "scan" {
		t.Fatalf("unexpected event %q", event)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if payload["accessCodeId"] != issued["id"] || payload["result"] != "VALID" {
		t.Fatalf("unexpected event payload %v", payload)
	}
}

func TestScanStreamRequiresRole(t *testing.T) {
	api := newTestAPI(t)
	resp := api.get("/v1/scans/stream", nil, api.bearer(residentActor))
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()
}
