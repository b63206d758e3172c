package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"quiz-arena-service/internal/domain"
)

const validQuestions = `[
  {"text": "Which keyword starts a goroutine?", "options": ["go", "run", "spawn", "async"], "answer": "go", "explanation": "The go statement starts a goroutine."},
  {"text": "What is the zero value of a slice?", "options": ["nil", "[]", "0", "{}"], "answer": "nil", "explanation": "An uninitialized slice is nil."}
]`

// fakeModel serves a canned model reply in the generateContent envelope.
func fakeModel(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if got := r.Header.Get("x-goog-api-key"); got != "test-key" {
			t.Errorf("api key header = %q", got)
		}
		resp := map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"parts": []map[string]string{{"text": reply}}}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestClient(t *testing.T, reply string) *Client {
	t.Helper()
	return NewClientWithBaseURL("test-key", "test-model", fakeModel(t, reply).URL)
}

func TestGenerateQuizParsesCleanJSON(t *testing.T) {
	client := newTestClient(t, validQuestions)
	questions, err := client.GenerateQuiz(context.Background(), "Go", 2)
	if err != nil {
		t.Fatalf("GenerateQuiz: %v", err)
	}
	if len(questions) != 2 {
		t.Fatalf("questions = %d, want 2", len(questions))
	}
	if questions[0].Answer != "go" || len(questions[0].Options) != 4 {
		t.Fatalf("first question: %+v", questions[0])
	}
}

func TestGenerateQuizStripsCodeFence(t *testing.T) {
	client := newTestClient(t, "```json\n"+validQuestions+"\n```")
	questions, err := client.GenerateQuiz(context.Background(), "Go", 2)
	if err != nil {
		t.Fatalf("GenerateQuiz: %v", err)
	}
	if len(questions) != 2 {
		t.Fatalf("questions = %d, want 2", len(questions))
	}
}

func TestGenerateQuizRejectsBadContent(t *testing.T) {
	cases := []struct {
		name  string
		reply string
	}{
		{"not json", "Here are your questions! 1) ..."},
		{"empty array", "[]"},
		{"missing option", `[{"text": "q", "options": ["a", "b", "c"], "answer": "a"}]`},
		{"duplicate options", `[{"text": "q", "options": ["a", "a", "b", "c"], "answer": "a"}]`},
		{"answer not an option", `[{"text": "q", "options": ["a", "b", "c", "d"], "answer": "e"}]`},
		{"blank text", `[{"text": "  ", "options": ["a", "b", "c", "d"], "answer": "a"}]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, tc.reply)
			if _, err := client.GenerateQuiz(context.Background(), "Go", 1); !errors.Is(err, domain.ErrGenerationFailed) {
				t.Fatalf("GenerateQuiz = %v, want ErrGenerationFailed", err)
			}
		})
	}
}

func TestGenerateQuizUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"message": "quota exceeded"}}`, http.StatusTooManyRequests)
	}))
	t.Cleanup(server.Close)

	client := NewClientWithBaseURL("test-key", "test-model", server.URL)
	if _, err := client.GenerateQuiz(context.Background(), "Go", 1); !errors.Is(err, domain.ErrGenerationFailed) {
		t.Fatalf("GenerateQuiz = %v, want ErrGenerationFailed", err)
	}
}

func TestExplain(t *testing.T) {
	client := newTestClient(t, "  The go statement starts a new goroutine.\n")
	text, err := client.Explain(context.Background(), domain.Question{
		Text:    "Which keyword starts a goroutine?",
		Options: []string{"go", "run", "spawn", "async"},
		Answer:  "go",
	}, "run")
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	if text != "The go statement starts a new goroutine." {
		t.Fatalf("explanation = %q", text)
	}
}
