package solver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const (
	DefaultModel   = "gpt-5-mini"
	DefaultBaseURL = "https://api.openai.com/v1"

	// Upper bound on the response body we are willing to buffer.
	maxResponseBytes = 8 << 20
)

const instructions = `You are a general-purpose assistant that solves tasks shown in an image.

Rules:
1. Math task: briefly analyse the domain and properties, then solve it with Python code
   (sympy/numpy as needed) using school-level simplifications, and verify the final value in code.
2. Programming task: write working Python code and show an example run.
3. Text task (logic, humanities): solve it concisely; confirm counts with simple Python code when possible.

Output format is always the same: only the answer or the chosen option, no explanations.`

// Config for the Responses API client.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
	Logger  *zap.SugaredLogger
}

// Client solves images through the OpenAI Responses API with the code
// interpreter tool enabled.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	logger     *zap.SugaredLogger
}

func NewClient(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 480 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Client{
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

type inputContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type inputMessage struct {
	Role    string         `json:"role"`
	Content []inputContent `json:"content"`
}

type tool struct {
	Type      string         `json:"type"`
	Container map[string]any `json:"container,omitempty"`
}

type responsesRequest struct {
	Model        string         `json:"model"`
	Instructions string         `json:"instructions"`
	Input        []inputMessage `json:"input"`
	Tools        []tool         `json:"tools,omitempty"`
	ToolChoice   string         `json:"tool_choice,omitempty"`
}

type outputContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type outputItem struct {
	Type    string          `json:"type"`
	Role    string          `json:"role"`
	Content []outputContent `json:"content"`
}

type responsesResponse struct {
	ID     string       `json:"id"`
	Status string       `json:"status"`
	Output []outputItem `json:"output"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// OutputText joins all output_text parts, like the SDK's output_text helper.
func (r *responsesResponse) OutputText() string {
	var b strings.Builder
	for _, item := range r.Output {
		for _, c := range item.Content {
			if c.Type == "output_text" {
				b.WriteString(c.Text)
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// Solve sends image to the model and returns the trimmed answer.
func (c *Client) Solve(ctx context.Context, image []byte) (string, error) {
	if c.apiKey == "" {
		return "", errors.New("OpenAI API key not configured")
	}
	if len(image) == 0 {
		return "", errors.New("empty image")
	}

	mime := http.DetectContentType(image)
	if !strings.HasPrefix(mime, "image/") {
		mime = "image/jpeg"
	}

	req := responsesRequest{
		Model:        c.model,
		Instructions: instructions,
		Input: []inputMessage{{
			Role: "user",
			Content: []inputContent{
				{Type: "input_text", Text: "The user sent an image"},
				{Type: "input_image", ImageURL: "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(image)},
			},
		}},
		Tools:      []tool{{Type: "code_interpreter", Container: map[string]any{"type": "auto"}}},
		ToolChoice: "auto",
	}

	start := time.Now()
	resp, err := c.createResponse(ctx, req)
	if err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", errors.Newf("response %s failed: %s: %s", resp.ID, resp.Error.Code, resp.Error.Message)
	}

	text := resp.OutputText()
	if text == "" {
		return "", errors.Newf("response %s has no output text (status %s)", resp.ID, resp.Status)
	}
	c.logger.Debugw("solver answered", "model", c.model, "response_id", resp.ID, "duration", time.Since(start))
	return text, nil
}

func (c *Client) createResponse(ctx context.Context, req responsesRequest) (*responsesResponse, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/responses", bytes.NewReader(reqBody))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Newf("API request failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var out responsesResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal response")
	}
	return &out, nil
}
