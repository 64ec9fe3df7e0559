package notify

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hochfrequenz/autodev-orchestrator/internal/domain"
)

func TestSlack_Send(t *testing.T) {
	var got SlackMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	err := NewSlack(server.URL).Send(Notification{Title: "Run failed", Message: "build broke", Level: LevelError, RunID: "r1"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got.Text != "Run failed" || got.Attachments[0].Color != "danger" || got.Attachments[0].Title != "r1" {
		t.Errorf("unexpected payload %+v", got)
	}
}

func TestSlack_RunFields(t *testing.T) {
	var got SlackMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	run := domain.NewPipelineRun("shop", "Build a web shop", domain.ModeParallel, 2)
	run.State = domain.RunFailed
	run.Phase = domain.PhaseHealing
	run.HealingAttempts = 2
	run.Tasks = []*domain.DecomposedTask{
		{ID: "t1", Status: domain.TaskCompleted, InputTokens: 100, OutputTokens: 50, CostUSD: 0.5},
		{ID: "t2", Status: domain.TaskFailed},
	}
	run.BuildAttempts = []domain.BuildAttempt{{Number: 1}, {Number: 2}, {Number: 3}}

	if err := NewSlack(server.URL).Send(ForRun(run)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(got.Attachments) != 1 {
		t.Fatalf("attachments = %+v", got.Attachments)
	}
	fields := map[string]string{}
	for _, f := range got.Attachments[0].Fields {
		fields[f.Title] = f.Value
	}
	want := map[string]string{
		"State":  "failed",
		"Phase":  "healing",
		"Tasks":  "1/2 completed",
		"Builds": "3, 2 healing",
		"Usage":  "150 tokens, $0.5000",
	}
	for title, value := range want {
		if fields[title] != value {
			t.Errorf("field %s = %q, want %q", title, fields[title], value)
		}
	}
}

func TestSlack_PlainNotificationHasNoFields(t *testing.T) {
	if fields := slackFields(Notification{Title: "x"}); fields != nil {
		t.Errorf("fields = %+v, want none", fields)
	}
}

func TestSlack_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	if err := NewSlack(server.URL).Send(Notification{Title: "x"}); err == nil {
		t.Error("expected error for non-200 response")
	}
}

func TestSlack_Disabled(t *testing.T) {
	if err := NewSlack("").Send(Notification{Title: "x"}); err != nil {
		t.Errorf("disabled notifier returned %v", err)
	}
}

func TestSlackColor(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelSuccess, "good"},
		{LevelWarning, "warning"},
		{LevelError, "danger"},
		{LevelInfo, "#439FE0"},
	}
	for _, tt := range tests {
		if got := SlackColor(tt.level); got != tt.want {
			t.Errorf("SlackColor(%v) = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestDesktopCommand(t *testing.T) {
	name, args := desktopCommand("linux", Notification{Title: "t", Message: "m", Level: LevelError})
	if name != "notify-send" || args[1] != "dialog-error" || args[2] != "t" {
		t.Errorf("linux command = %s %v", name, args)
	}
	if name, _ := desktopCommand("plan9", Notification{}); name != "" {
		t.Errorf("unsupported platform should have no command, got %s", name)
	}
	if err := NewDesktop(false).Send(Notification{}); err != nil {
		t.Errorf("disabled desktop notifier returned %v", err)
	}
}

type recorder struct {
	got []Notification
	err error
}

func (r *recorder) Send(n Notification) error {
	r.got = append(r.got, n)
	return r.err
}

func TestMulti_SendsToAll(t *testing.T) {
	a := &recorder{err: errors.New("down")}
	b := &recorder{}

	err := NewMulti(a, b, Noop{}).Send(Notification{Title: "x"})

	if err == nil {
		t.Error("expected the failing notifier's error")
	}
	if len(a.got) != 1 || len(b.got) != 1 {
		t.Errorf("not every notifier was called: %d, %d", len(a.got), len(b.got))
	}
}

func TestForRun(t *testing.T) {
	run := domain.NewPipelineRun("shop", "Build a web shop\nwith a cart", domain.ModeSequential, 1)
	run.State = domain.RunFailed

	n := ForRun(run)
	if n.Level != LevelError || n.Title != "Run failed: shop" {
		t.Errorf("failed run notification = %+v", n)
	}
	if n.Message != "Build a web shop" {
		t.Errorf("message = %q, want first requirement line", n.Message)
	}

	run.State = domain.RunCompleted
	run.Summary = "3/3 tasks completed, build passed"
	n = ForRun(run)
	if n.Level != LevelSuccess || n.Message != run.Summary {
		t.Errorf("completed run notification = %+v", n)
	}
}
