package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/milla-ai/dispatch/pkg/models"
)

func newTestApp(t *testing.T) (*App, *httptest.Server) {
	t.Helper()
	app, err := NewApp(ServerOptions{Home: t.TempDir(), Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ts := httptest.NewServer(app.Server.Handler)
	t.Cleanup(ts.Close)
	return app, ts
}

func postJSON(t *testing.T, url, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	b, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, b
}

func getJSON(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	b, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, b
}

func TestTaskLifecycle(t *testing.T) {
	t.Parallel()
	_, ts := newTestApp(t)

	// Create a reminder task.
	resp, b := postJSON(t, ts.URL+"/tasks",
		`{"supervisor":"alex","agent":"reminder","action":"create","payload":{"note":"water the plants"}}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /tasks status=%d body=%s", resp.StatusCode, b)
	}
	var created models.Task
	if err := json.Unmarshal(b, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.TaskID == "" || created.Status != models.StatusPending {
		t.Fatalf("created task = %+v", created)
	}

	// It shows up in the list.
	resp, b = getJSON(t, ts.URL+"/tasks")
	if resp.StatusCode != 200 {
		t.Fatalf("GET /tasks status=%d", resp.StatusCode)
	}
	var list []models.Task
	if err := json.Unmarshal(b, &list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(list) != 1 || list[0].TaskID != created.TaskID {
		t.Fatalf("list = %+v", list)
	}

	// Run it.
	resp, b = postJSON(t, ts.URL+"/tasks/"+created.TaskID+"/run", "")
	if resp.StatusCode != 200 {
		t.Fatalf("POST run status=%d body=%s", resp.StatusCode, b)
	}
	var done models.Task
	if err := json.Unmarshal(b, &done); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	if done.Status != models.StatusCompleted {
		t.Fatalf("run result = %+v", done)
	}
	if !strings.Contains(string(done.Result), "water the plants") {
		t.Fatalf("result = %s", done.Result)
	}

	// Audit trail: created, started, completed in order.
	resp, b = getJSON(t, ts.URL+"/tasks/"+created.TaskID+"/audit")
	if resp.StatusCode != 200 {
		t.Fatalf("GET audit status=%d", resp.StatusCode)
	}
	var events []models.AuditEvent
	if err := json.Unmarshal(b, &events); err != nil {
		t.Fatalf("unmarshal audit: %v", err)
	}
	want := []string{models.EventCreated, models.EventStarted, models.EventCompleted}
	if len(events) != len(want) {
		t.Fatalf("got %d events: %+v", len(events), events)
	}
	for i, ev := range events {
		if ev.EventType != want[i] {
			t.Fatalf("event[%d] = %q, want %q", i, ev.EventType, want[i])
		}
	}

	// Running a completed task conflicts.
	resp, _ = postJSON(t, ts.URL+"/tasks/"+created.TaskID+"/run", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("rerun completed status=%d, want 409", resp.StatusCode)
	}
}

func TestApprovalFlowAndOutbox(t *testing.T) {
	t.Parallel()
	_, ts := newTestApp(t)

	// High-safety email send requiring approval; run flag set.
	resp, b := postJSON(t, ts.URL+"/tasks",
		`{"agent":"email","action":"send","safety_level":"high","require_user_approval":true,"run":true,
		  "payload":{"to":"alex@example.com","subject":"Weekly report","body":"All green."}}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /tasks status=%d body=%s", resp.StatusCode, b)
	}
	var task models.Task
	if err := json.Unmarshal(b, &task); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	// The gate fires before the handler: task is failed, nothing queued.
	if task.Status != models.StatusFailed || task.Error != "requires user approval" {
		t.Fatalf("gated task = %+v", task)
	}
	_, b = getJSON(t, ts.URL+"/outbox")
	var items []models.OutboxItem
	if err := json.Unmarshal(b, &items); err != nil {
		t.Fatalf("unmarshal outbox: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("outbox should be empty before approval: %+v", items)
	}

	// Approve, then run.
	resp, b = postJSON(t, ts.URL+"/tasks/"+task.TaskID+"/approve", "")
	if resp.StatusCode != 200 {
		t.Fatalf("approve status=%d body=%s", resp.StatusCode, b)
	}
	resp, b = postJSON(t, ts.URL+"/tasks/"+task.TaskID+"/run", "")
	if resp.StatusCode != 200 {
		t.Fatalf("run status=%d body=%s", resp.StatusCode, b)
	}
	if err := json.Unmarshal(b, &task); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if task.Status != models.StatusCompleted {
		t.Fatalf("task after approve+run = %+v", task)
	}

	// Exactly one outbox item, not yet sent.
	_, b = getJSON(t, ts.URL+"/outbox")
	if err := json.Unmarshal(b, &items); err != nil {
		t.Fatalf("unmarshal outbox: %v", err)
	}
	if len(items) != 1 || items[0].To != "alex@example.com" || items[0].Sent {
		t.Fatalf("outbox = %+v", items)
	}
	itemID := items[0].ItemID

	// Resend and delete endpoints.
	resp, _ = postJSON(t, fmt.Sprintf("%s/outbox/%d/resend", ts.URL, itemID), "")
	if resp.StatusCode != 200 {
		t.Fatalf("resend status=%d", resp.StatusCode)
	}
	req, _ := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/outbox/%d", ts.URL, itemID), nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE outbox item: %v", err)
	}
	_ = delResp.Body.Close()
	if delResp.StatusCode != 200 {
		t.Fatalf("delete status=%d", delResp.StatusCode)
	}

	// Metrics endpoint returns the counter snapshot.
	resp, b = getJSON(t, ts.URL+"/outbox/metrics")
	if resp.StatusCode != 200 {
		t.Fatalf("GET /outbox/metrics status=%d", resp.StatusCode)
	}
	var m models.OutboxMetrics
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal metrics: %v", err)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	t.Parallel()
	_, ts := newTestApp(t)

	cases := []struct {
		name string
		body string
	}{
		{"missing agent", `{"action":"create"}`},
		{"missing action", `{"agent":"reminder"}`},
		{"unknown agent", `{"agent":"teleport","action":"go"}`},
		{"bad safety level", `{"agent":"reminder","action":"create","safety_level":"extreme"}`},
		{"malformed json", `{`},
	}
	for _, c := range cases {
		resp, b := postJSON(t, ts.URL+"/tasks", c.body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status=%d body=%s", c.name, resp.StatusCode, b)
		}
	}
}

func TestRejectAndCancel(t *testing.T) {
	t.Parallel()
	_, ts := newTestApp(t)

	resp, b := postJSON(t, ts.URL+"/tasks",
		`{"agent":"email","action":"send","require_user_approval":true,"payload":{"to":"a@b.c"}}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status=%d", resp.StatusCode)
	}
	var task models.Task
	if err := json.Unmarshal(b, &task); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	resp, b = postJSON(t, ts.URL+"/tasks/"+task.TaskID+"/reject", `{"reason":"not today"}`)
	if resp.StatusCode != 200 {
		t.Fatalf("reject status=%d body=%s", resp.StatusCode, b)
	}
	if err := json.Unmarshal(b, &task); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if task.Status != models.StatusCancelled || task.RejectReason != "not today" {
		t.Fatalf("rejected task = %+v", task)
	}

	// Cancelling a cancelled task conflicts.
	resp, _ = postJSON(t, ts.URL+"/tasks/"+task.TaskID+"/cancel", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("cancel cancelled status=%d, want 409", resp.StatusCode)
	}

	// Cancel a pending task.
	resp, b = postJSON(t, ts.URL+"/tasks", `{"agent":"reminder","action":"create","payload":{"note":"n"}}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status=%d", resp.StatusCode)
	}
	if err := json.Unmarshal(b, &task); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	resp, b = postJSON(t, ts.URL+"/tasks/"+task.TaskID+"/cancel", "")
	if resp.StatusCode != 200 {
		t.Fatalf("cancel status=%d body=%s", resp.StatusCode, b)
	}
}

func TestAgentsEndpoint(t *testing.T) {
	t.Parallel()
	_, ts := newTestApp(t)

	resp, b := getJSON(t, ts.URL+"/agents")
	if resp.StatusCode != 200 {
		t.Fatalf("GET /agents status=%d", resp.StatusCode)
	}
	var agents []models.AgentInfo
	if err := json.Unmarshal(b, &agents); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(agents) != 2 || agents[0].Name != "email" || agents[1].Name != "reminder" {
		t.Fatalf("agents = %+v", agents)
	}
}

func TestTaskNotFound(t *testing.T) {
	t.Parallel()
	_, ts := newTestApp(t)

	for _, call := range []struct {
		method, path string
	}{
		{http.MethodGet, "/tasks/nope"},
		{http.MethodPost, "/tasks/nope/run"},
		{http.MethodPost, "/tasks/nope/approve"},
		{http.MethodPost, "/tasks/nope/cancel"},
		{http.MethodGet, "/tasks/nope/audit"},
	} {
		req, _ := http.NewRequest(call.method, ts.URL+call.path, strings.NewReader("{}"))
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", call.method, call.path, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s %s: status=%d, want 404", call.method, call.path, resp.StatusCode)
		}
	}
}
