package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nhle/mailtriage/internal/model"
	"github.com/nhle/mailtriage/internal/triage"
)

const (
	defaultEndpoint = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel    = "gemini-2.0-flash"
	defaultTimeout  = 60 * time.Second
)

// safetyCategories are all set to BLOCK_MEDIUM_AND_ABOVE.
var safetyCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
}

// Analyzer calls the Gemini generateContent REST endpoint. It makes
// exactly one request per message: no retries, no streaming.
type Analyzer struct {
	apiKey string
	cfg    model.AnalysisConfig
	marker string
	client *http.Client
}

// New creates an analyzer. marker is the reply label the prompt asks for.
func New(apiKey string, cfg model.AnalysisConfig, marker string) *Analyzer {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}

	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Analyzer{
		apiKey: apiKey,
		cfg:    cfg,
		marker: marker,
		client: &http.Client{Timeout: timeout},
	}
}

// Analyze sends the triage prompt for msg and returns the model's text.
// Any failure is a *triage.ClassifierError.
func (a *Analyzer) Analyze(
	ctx context.Context,
	msg model.InboundMessage,
	rules model.RuleSet,
) (model.AnalysisResult, error) {
	prompt := BuildPrompt(msg, rules, a.marker)

	text, err := a.callAPI(ctx, prompt)
	if err != nil {
		return "", &triage.ClassifierError{Err: err}
	}

	return model.AnalysisResult(text), nil
}

// callAPI makes a single request to the generateContent endpoint.
func (a *Analyzer) callAPI(ctx context.Context, prompt string) (string, error) {
	reqBody := apiRequest{
		Contents: []apiContent{{
			Role:  "user",
			Parts: []apiPart{{Text: prompt}},
		}},
		GenerationConfig: apiGenerationConfig{
			Temperature:     a.cfg.Temperature,
			TopP:            a.cfg.TopP,
			TopK:            a.cfg.TopK,
			MaxOutputTokens: a.cfg.MaxOutputTokens,
		},
	}
	for _, c := range safetyCategories {
		reqBody.SafetySettings = append(reqBody.SafetySettings, apiSafetySetting{
			Category:  c,
			Threshold: "BLOCK_MEDIUM_AND_ABOVE",
		})
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := strings.TrimRight(a.cfg.Endpoint, "/") +
		"/models/" + url.PathEscape(a.cfg.Model) + ":generateContent"

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes),
	)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling Gemini API: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			return "", fmt.Errorf("API error (%d %s): %s",
				resp.StatusCode, apiErr.Error.Status, apiErr.Error.Message)
		}
		return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	var result apiResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}

	return result.text()
}

type apiRequest struct {
	Contents         []apiContent        `json:"contents"`
	GenerationConfig apiGenerationConfig `json:"generationConfig"`
	SafetySettings   []apiSafetySetting  `json:"safetySettings,omitempty"`
}

type apiContent struct {
	Role  string    `json:"role,omitempty"`
	Parts []apiPart `json:"parts"`
}

type apiPart struct {
	Text string `json:"text"`
}

type apiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	TopP            float64 `json:"topP"`
	TopK            int     `json:"topK"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type apiSafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type apiCandidate struct {
	Content      apiContent `json:"content"`
	FinishReason string     `json:"finishReason"`
}

type apiResponse struct {
	Candidates     []apiCandidate `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

// text joins the parts of the first candidate.
func (r *apiResponse) text() (string, error) {
	if r.PromptFeedback.BlockReason != "" {
		return "", fmt.Errorf("prompt blocked: %s", r.PromptFeedback.BlockReason)
	}
	if len(r.Candidates) == 0 {
		return "", fmt.Errorf("response has no candidates")
	}

	cand := r.Candidates[0]
	var sb strings.Builder
	for _, p := range cand.Content.Parts {
		sb.WriteString(p.Text)
	}

	if sb.Len() == 0 {
		if cand.FinishReason != "" {
			return "", fmt.Errorf("empty response (finish reason %s)", cand.FinishReason)
		}
		return "", fmt.Errorf("empty response")
	}

	return sb.String(), nil
}

type apiErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}
