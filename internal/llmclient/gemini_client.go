// internal/llmclient/gemini_client.go
package llmclient

import (
	"context"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/config"
)

const (
	defaultAPITimeout = 60 * time.Second
	safetyDecisionArg = "safety_decision"

	systemPrompt = `You operate a web browser on behalf of the user through the computer use tool.
Coordinates are on a 1000x1000 grid regardless of the real screen size.
Propose the smallest sequence of actions that makes progress on the task.
Mark any action that spends money, deletes data, sends messages or changes credentials with a
safety_decision of require_confirmation.`
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// GeminiClient proposes UI actions with the Gemini computer use tool.
type GeminiClient struct {
	client  *genai.Client
	model   string
	timeout time.Duration
	limiter *rate.Limiter
	genCfg  *genai.GenerateContentConfig
	logger  *zap.Logger
}

// NewGeminiClient initializes the client. An empty API key is an error.
func NewGeminiClient(ctx context.Context, cfg config.ModelConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API Key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("Gemini model name is required")
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.Endpoint != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.Endpoint}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	timeout := cfg.APITimeout
	if timeout <= 0 {
		timeout = defaultAPITimeout
	}

	return &GeminiClient{
		client:  client,
		model:   cfg.Model,
		timeout: timeout,
		limiter: newLimiter(cfg.RequestsPerMinute),
		genCfg: &genai.GenerateContentConfig{
			Temperature:       genai.Ptr(cfg.Temperature),
			SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
			Tools: []*genai.Tool{
				{ComputerUse: &genai.ComputerUse{Environment: genai.EnvironmentBrowser}},
			},
		},
		logger: logger.Named("llm_client.gemini"),
	}, nil
}

// newLimiter spaces requests evenly across the minute. Zero disables throttling.
func newLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
}

// Propose sends the instruction, history and latest capture to the model.
// Every failure wraps schemas.ErrModelUnavailable; nothing is retried.
func (c *GeminiClient) Propose(ctx context.Context, req schemas.ModelRequest) (*schemas.ModelResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: waiting for request quota: %w", schemas.ErrModelUnavailable, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.client.Models.GenerateContent(callCtx, c.model, buildContents(req), c.genCfg)
	if err != nil {
		c.logger.Warn("Gemini request failed.", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", schemas.ErrModelUnavailable, err)
	}

	out, err := toModelResponse(resp)
	if err != nil {
		return nil, err
	}

	fields := []zap.Field{
		zap.Duration("duration", time.Since(start)),
		zap.Int("actions", len(out.Actions)),
	}
	if resp.UsageMetadata != nil {
		fields = append(fields,
			zap.Int32("prompt_tokens", resp.UsageMetadata.PromptTokenCount),
			zap.Int32("total_tokens", resp.UsageMetadata.TotalTokenCount),
		)
	}
	c.logger.Info("Model proposal received.", fields...)
	return out, nil
}

// Close releases client resources. The genai client holds none.
func (c *GeminiClient) Close() error { return nil }

var _ schemas.ModelClient = (*GeminiClient)(nil)

// buildContents lays out the conversation: the instruction, then one
// model/user pair per completed round, with the current capture attached to
// the final user turn.
func buildContents(req schemas.ModelRequest) []*genai.Content {
	contents := []*genai.Content{genai.NewContentFromText(req.Instruction, genai.RoleUser)}

	for _, turn := range req.History {
		var modelParts, responseParts []*genai.Part
		if turn.Reasoning != "" {
			modelParts = append(modelParts, genai.NewPartFromText(turn.Reasoning))
		}
		for _, r := range turn.Results {
			name := string(r.Descriptor.Name)
			modelParts = append(modelParts, genai.NewPartFromFunctionCall(name, callArgs(r.Descriptor)))
			responseParts = append(responseParts, genai.NewPartFromFunctionResponse(name, functionResponse(r)))
		}
		if len(modelParts) == 0 {
			continue
		}
		contents = append(contents, genai.NewContentFromParts(modelParts, genai.RoleModel))
		if len(responseParts) > 0 {
			contents = append(contents, genai.NewContentFromParts(responseParts, genai.RoleUser))
		}
	}

	if req.Capture != nil && len(req.Capture.Data) > 0 {
		mime := req.Capture.MimeType
		if mime == "" {
			mime = "image/png"
		}
		img := genai.NewPartFromBytes(req.Capture.Data, mime)
		last := contents[len(contents)-1]
		if last.Role == string(genai.RoleUser) {
			last.Parts = append(last.Parts, img)
		} else {
			contents = append(contents, genai.NewContentFromParts([]*genai.Part{img}, genai.RoleUser))
		}
	}
	return contents
}

func callArgs(d schemas.ActionDescriptor) map[string]any {
	args := make(map[string]any, len(d.Args)+1)
	for k, v := range d.Args {
		args[k] = v
	}
	if d.SafetyDecision != nil {
		args[safetyDecisionArg] = map[string]any{
			"decision":    string(d.SafetyDecision.Decision),
			"explanation": d.SafetyDecision.Explanation,
		}
	}
	return args
}

func functionResponse(r schemas.ActionResult) map[string]any {
	resp := map[string]any{"executed": r.Executed}
	if r.Error != "" {
		resp["error"] = r.Error
	}
	// The API rejects the next turn unless confirmed actions are acknowledged.
	if r.Executed && r.Descriptor.RequiresConfirmation() {
		resp["safety_acknowledgement"] = "true"
	}
	return resp
}

func toModelResponse(resp *genai.GenerateContentResponse) (*schemas.ModelResponse, error) {
	out := &schemas.ModelResponse{}
	if resp == nil || len(resp.Candidates) == 0 {
		if resp != nil && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return nil, fmt.Errorf("%w: prompt blocked (%s)", schemas.ErrModelUnavailable, resp.PromptFeedback.BlockReason)
		}
		return out, nil
	}

	content := resp.Candidates[0].Content
	if content == nil {
		return out, nil
	}

	var reasoning []string
	for _, part := range content.Parts {
		if part == nil {
			continue
		}
		if part.Text != "" && !part.Thought {
			reasoning = append(reasoning, strings.TrimSpace(part.Text))
		}
		if part.FunctionCall != nil {
			out.Actions = append(out.Actions, descriptorFromCall(part.FunctionCall))
		}
	}
	out.Reasoning = strings.Join(reasoning, "\n")
	return out, nil
}

// descriptorFromCall lifts the safety_decision argument out of the call's
// args. Unknown names are kept verbatim so validation can report them.
func descriptorFromCall(fc *genai.FunctionCall) schemas.ActionDescriptor {
	name, _ := schemas.ParseActionName(fc.Name)
	d := schemas.ActionDescriptor{Name: name, Args: make(map[string]any, len(fc.Args))}
	for k, v := range fc.Args {
		if k == safetyDecisionArg {
			d.SafetyDecision = parseSafetyDecision(v)
			continue
		}
		d.Args[k] = v
	}
	return d
}

// parseSafetyDecision fails closed: a present annotation that cannot be
// decoded keeps its raw text as the decision, which Validate rejects, so the
// descriptor is skipped instead of running as allowed.
func parseSafetyDecision(v any) *schemas.SafetyDecision {
	var raw []byte
	switch t := v.(type) {
	case string:
		if d, ok := parseDecision(t); ok {
			return &schemas.SafetyDecision{Decision: d}
		}
		raw = []byte(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return unparsedDecision(fmt.Sprint(t))
		}
		raw = b
	}
	var sd schemas.SafetyDecision
	if err := json.Unmarshal(raw, &sd); err != nil {
		return unparsedDecision(string(raw))
	}
	d, ok := parseDecision(string(sd.Decision))
	if !ok {
		return unparsedDecision(string(raw))
	}
	sd.Decision = d
	return &sd
}

// parseDecision accepts a bare decision keyword in any case.
func parseDecision(s string) (schemas.Decision, bool) {
	switch d := schemas.Decision(strings.ToLower(strings.TrimSpace(s))); d {
	case schemas.DecisionAllowed, schemas.DecisionRequireConfirmation, schemas.DecisionBlocked:
		return d, true
	}
	return "", false
}

func unparsedDecision(raw string) *schemas.SafetyDecision {
	return &schemas.SafetyDecision{Decision: schemas.Decision("unparsed: " + raw)}
}
