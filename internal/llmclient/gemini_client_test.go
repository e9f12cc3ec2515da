package llmclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

const proposalResponse = `{
  "candidates": [{
    "content": {
      "role": "model",
      "parts": [
        {"text": "I will search for running shoes."},
        {"functionCall": {"name": "click_at", "args": {"x": 500, "y": 250}}},
        {"functionCall": {"name": "type_text_at", "args": {
          "x": 500, "y": 250, "text": "running shoes",
          "safety_decision": {"decision": "require_confirmation", "explanation": "submits a form"}
        }}},
        {"functionCall": {"name": "wait_5_seconds", "args": {}}}
      ]
    },
    "finishReason": "STOP"
  }],
  "usageMetadata": {"promptTokenCount": 12, "candidatesTokenCount": 8, "totalTokenCount": 20}
}`

// setupGeminiClient points a GeminiClient at a mock HTTP server.
func setupGeminiClient(t *testing.T, handler http.HandlerFunc) *GeminiClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	logger, _ := setupTestLogger(t)
	cfg := getValidModelConfig()
	cfg.Endpoint = server.URL

	client, err := NewGeminiClient(context.Background(), cfg, logger)
	require.NoError(t, err, "NewGeminiClient initialization failed")
	return client
}

func TestNewGeminiClient_Validation(t *testing.T) {
	logger, _ := setupTestLogger(t)

	cfg := getValidModelConfig()
	cfg.APIKey = ""
	_, err := NewGeminiClient(context.Background(), cfg, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API Key is required")

	cfg = getValidModelConfig()
	cfg.Model = ""
	_, err = NewGeminiClient(context.Background(), cfg, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model name is required")
}

func TestGeminiClient_Propose(t *testing.T) {
	var body string
	client := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.True(t, strings.HasSuffix(r.URL.Path, "models/test-model:generateContent"), "path %s", r.URL.Path)
		assert.Equal(t, "test-api-key", r.Header.Get("x-goog-api-key"))
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, proposalResponse)
	})

	resp, err := client.Propose(context.Background(), schemas.ModelRequest{
		Instruction: "find running shoes",
		Capture:     &schemas.Capture{Data: []byte{0x89, 'P', 'N', 'G'}, MimeType: "image/png"},
	})
	require.NoError(t, err)

	assert.Contains(t, body, "computerUse")
	assert.Contains(t, body, "find running shoes")
	assert.Contains(t, body, "inlineData")

	assert.Equal(t, "I will search for running shoes.", resp.Reasoning)
	require.Len(t, resp.Actions, 3)

	click := resp.Actions[0]
	assert.Equal(t, schemas.ActionClickAt, click.Name)
	assert.Equal(t, schemas.DecisionAllowed, click.Decision())
	assert.NoError(t, click.Validate())

	typing := resp.Actions[1]
	assert.Equal(t, schemas.ActionTypeTextAt, typing.Name)
	assert.True(t, typing.RequiresConfirmation())
	assert.Equal(t, "submits a form", typing.Explanation())
	assert.NotContains(t, typing.Args, "safety_decision")
	assert.NoError(t, typing.Validate())

	assert.Equal(t, schemas.ActionWait, resp.Actions[2].Name)
}

func TestGeminiClient_Propose_EmptyCandidates(t *testing.T) {
	client := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"candidates": []}`)
	})

	resp, err := client.Propose(context.Background(), schemas.ModelRequest{Instruction: "noop"})
	require.NoError(t, err)
	assert.Empty(t, resp.Actions)
	assert.Empty(t, resp.Reasoning)
}

func TestGeminiClient_Propose_BlockedPrompt(t *testing.T) {
	client := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"promptFeedback": {"blockReason": "SAFETY"}}`)
	})

	_, err := client.Propose(context.Background(), schemas.ModelRequest{Instruction: "bad"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, schemas.ErrModelUnavailable))
	assert.Contains(t, err.Error(), "SAFETY")
}

func TestGeminiClient_Propose_APIErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	client := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error": {"code": 401, "message": "API key not valid", "status": "UNAUTHENTICATED"}}`)
	})

	_, err := client.Propose(context.Background(), schemas.ModelRequest{Instruction: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, schemas.ErrModelUnavailable))
	assert.Equal(t, int32(1), calls.Load())
}

func TestGeminiClient_Propose_RateLimitHonorsContext(t *testing.T) {
	client := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"candidates": []}`)
	})
	client.limiter = newLimiter(1)

	_, err := client.Propose(context.Background(), schemas.ModelRequest{Instruction: "first"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = client.Propose(ctx, schemas.ModelRequest{Instruction: "second"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, schemas.ErrModelUnavailable))
}

func TestNewLimiter(t *testing.T) {
	assert.Equal(t, float64(0.5), float64(newLimiter(30).Limit()))
	assert.True(t, newLimiter(0).Allow())
	assert.True(t, newLimiter(0).Allow())
}

func TestDescriptorFromCall(t *testing.T) {
	t.Run("map safety decision", func(t *testing.T) {
		d := descriptorFromCall(&genai.FunctionCall{
			Name: "open_browser",
			Args: map[string]any{"safety_decision": map[string]any{"decision": "blocked", "explanation": "no"}},
		})
		assert.Equal(t, schemas.ActionOpenWebBrowser, d.Name)
		assert.True(t, d.Blocked())
		assert.Empty(t, d.Args)
	})

	t.Run("string safety decision", func(t *testing.T) {
		d := descriptorFromCall(&genai.FunctionCall{
			Name: "navigate",
			Args: map[string]any{"url": "example.com", "safety_decision": `{"decision":"require_confirmation","explanation":"login"}`},
		})
		assert.True(t, d.RequiresConfirmation())
		assert.Equal(t, "example.com", d.Args["url"])
	})

	t.Run("bare decision keyword", func(t *testing.T) {
		blocked := descriptorFromCall(&genai.FunctionCall{
			Name: "click_at",
			Args: map[string]any{"x": 1.0, "y": 2.0, "safety_decision": "blocked"},
		})
		assert.True(t, blocked.Blocked())
		assert.NoError(t, blocked.Validate())

		confirm := descriptorFromCall(&genai.FunctionCall{
			Name: "click_at",
			Args: map[string]any{"x": 1.0, "y": 2.0, "safety_decision": " Require_Confirmation "},
		})
		assert.True(t, confirm.RequiresConfirmation())
	})

	undecodable := map[string]any{
		"non-string decision": map[string]any{"decision": 2},
		"missing decision":    map[string]any{"explanation": "looks risky"},
		"unknown keyword":     "maybe",
		"empty string":        "",
		"malformed json":      `{"decision":`,
		"unsupported type":    42,
	}
	for name, raw := range undecodable {
		t.Run("undecodable decision is rejected: "+name, func(t *testing.T) {
			d := descriptorFromCall(&genai.FunctionCall{
				Name: "click_at",
				Args: map[string]any{"x": 1.0, "y": 2.0, "safety_decision": raw},
			})
			require.NotNil(t, d.SafetyDecision)
			assert.NotEqual(t, schemas.DecisionAllowed, d.Decision())
			assert.ErrorIs(t, d.Validate(), schemas.ErrValidation)
		})
	}

	t.Run("unknown name kept for validation", func(t *testing.T) {
		d := descriptorFromCall(&genai.FunctionCall{Name: "Teleport"})
		assert.Equal(t, schemas.ActionName("teleport"), d.Name)
		assert.ErrorIs(t, d.Validate(), schemas.ErrValidation)
	})
}

func TestBuildContents(t *testing.T) {
	confirmed := schemas.ActionDescriptor{
		Name:           schemas.ActionClickAt,
		Args:           map[string]any{"x": 1.0, "y": 2.0},
		SafetyDecision: &schemas.SafetyDecision{Decision: schemas.DecisionRequireConfirmation, Explanation: "buy"},
	}
	req := schemas.ModelRequest{
		Instruction: "buy the shoes",
		History: []schemas.ModelTurn{{
			Reasoning: "clicking buy",
			Results: []schemas.ActionResult{
				{Descriptor: confirmed, Executed: true},
				{Descriptor: schemas.ActionDescriptor{Name: schemas.ActionGoBack}, Executed: false, Error: "denied"},
			},
		}},
		Capture: &schemas.Capture{Data: []byte("img")},
	}

	contents := buildContents(req)
	require.Len(t, contents, 3)

	assert.Equal(t, "user", contents[0].Role)
	assert.Equal(t, "buy the shoes", contents[0].Parts[0].Text)

	model := contents[1]
	assert.Equal(t, "model", model.Role)
	require.Len(t, model.Parts, 3)
	assert.Equal(t, "clicking buy", model.Parts[0].Text)
	require.NotNil(t, model.Parts[1].FunctionCall)
	assert.Equal(t, "click_at", model.Parts[1].FunctionCall.Name)
	assert.Contains(t, model.Parts[1].FunctionCall.Args, "safety_decision")

	user := contents[2]
	assert.Equal(t, "user", user.Role)
	require.Len(t, user.Parts, 3, "two function responses plus the capture")
	first := user.Parts[0].FunctionResponse
	require.NotNil(t, first)
	assert.Equal(t, "true", first.Response["safety_acknowledgement"])
	second := user.Parts[1].FunctionResponse
	require.NotNil(t, second)
	assert.Equal(t, "denied", second.Response["error"])
	assert.NotContains(t, second.Response, "safety_acknowledgement")
	require.NotNil(t, user.Parts[2].InlineData)
	assert.Equal(t, "image/png", user.Parts[2].InlineData.MIMEType)
}

func TestBuildContents_NoHistory(t *testing.T) {
	contents := buildContents(schemas.ModelRequest{Instruction: "hi"})
	require.Len(t, contents, 1)
	assert.Len(t, contents[0].Parts, 1)
}

func TestClose(t *testing.T) {
	c := &GeminiClient{logger: zap.NewNop()}
	assert.NoError(t, c.Close())
}
