package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"quiz-arena-service/internal/domain"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

// Client talks to a Gemini-style generateContent endpoint to produce quiz
// question sets and answer explanations.
type Client struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
	model      string
}

func NewClient(apiKey, model string) *Client {
	return NewClientWithBaseURL(apiKey, model, defaultBaseURL)
}

// NewClientWithBaseURL overrides the API host, mainly for tests.
func NewClientWithBaseURL(apiKey, model, baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		apiKey:     apiKey,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		model:      model,
	}
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

const quizPromptTemplate = `Generate %d multiple-choice %s questions.

Return the response ONLY as a valid JSON array of objects.
Each object must contain:

"text": The question text. If the question includes a code snippet, wrap the snippet inside a fenced code block delimited by triple backticks, with the language name after the opening fence. Inline code uses single backticks.
"options": An array of exactly 4 distinct strings.
"answer": A string that exactly matches one of the options.
"explanation": A brief explanation of why that answer is correct.

Do not add any extra text, messages, markdown, commentary, or explanation outside the JSON.
Return ONLY the raw JSON array.`

// GenerateQuiz asks the model for count questions on the topic and validates
// the result strictly: malformed or partially-parsed content is rejected with
// domain.ErrGenerationFailed, never silently accepted.
func (c *Client) GenerateQuiz(ctx context.Context, topic string, count int) ([]domain.Question, error) {
	text, err := c.generate(ctx, fmt.Sprintf(quizPromptTemplate, count, topic))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrGenerationFailed, err)
	}

	var questions []domain.Question
	if err := json.Unmarshal([]byte(stripFences(text)), &questions); err != nil {
		return nil, fmt.Errorf("%w: model returned non-JSON output: %v", domain.ErrGenerationFailed, err)
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("%w: model returned no questions", domain.ErrGenerationFailed)
	}
	for i, q := range questions {
		if err := validateQuestion(q); err != nil {
			return nil, fmt.Errorf("%w: question %d: %v", domain.ErrGenerationFailed, i, err)
		}
	}
	return questions, nil
}

const explainPromptTemplate = `You are a helpful quiz tutor. Explain why the correct answer is right and (if provided and different) why the user's answer is wrong.

Question: %q
Correct Answer: %q
User's Answer: %q

Keep the explanation concise (max 2-3 sentences), friendly, and educational.`

// Explain produces a short natural-language justification. Callers treat
// failures as degradable; this never persists anything.
func (c *Client) Explain(ctx context.Context, question domain.Question, userAnswer string) (string, error) {
	if userAnswer == "" {
		userAnswer = "N/A"
	}
	text, err := c.generate(ctx, fmt.Sprintf(explainPromptTemplate, question.Text, question.Answer, userAnswer))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func (c *Client) generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Contents: []content{{Parts: []part{{Text: prompt}}}},
	})
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("generate returned status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var parsed generateResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("generate error: %s", parsed.Error.Message)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("empty response from model")
	}
	return parsed.Candidates[0].Content.Parts[0].Text, nil
}

// stripFences removes a markdown code fence the model sometimes wraps around
// the JSON despite instructions.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	return strings.TrimSpace(text)
}

func validateQuestion(q domain.Question) error {
	if strings.TrimSpace(q.Text) == "" {
		return fmt.Errorf("empty question text")
	}
	if len(q.Options) != 4 {
		return fmt.Errorf("expected 4 options, got %d", len(q.Options))
	}
	seen := make(map[string]struct{}, 4)
	answerFound := false
	for _, opt := range q.Options {
		if _, dup := seen[opt]; dup {
			return fmt.Errorf("duplicate option %q", opt)
		}
		seen[opt] = struct{}{}
		if opt == q.Answer {
			answerFound = true
		}
	}
	if !answerFound {
		return fmt.Errorf("answer %q does not match any option", q.Answer)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
