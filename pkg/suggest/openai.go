package suggest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/oauth2"
	"golang.org/x/xerrors"

	"github.com/cve-monitor/cve-monitor/pkg/log"
	"github.com/cve-monitor/cve-monitor/pkg/types"
)

const (
	DefaultBaseURL = "https://api.deepseek.com"
	DefaultModel   = "deepseek-chat"

	defaultMaxRetries = 3
)

const promptTemplate = `Generate detailed remediation advice for the following CVE.

CVE ID: %s
Description: %s

Provide concrete remediation steps and best-practice recommendations.`

type OpenAIOption func(*OpenAI)

func WithBaseURL(url string) OpenAIOption {
	return func(o *OpenAI) {
		o.baseURL = strings.TrimRight(url, "/")
	}
}

func WithModel(model string) OpenAIOption {
	return func(o *OpenAI) {
		o.model = model
	}
}

func WithHTTPClient(hc *http.Client) OpenAIOption {
	return func(o *OpenAI) {
		o.httpClient = hc
	}
}

// WithRetry sets the first retry interval and the maximum number of retries
// for rate-limited or failed requests.
func WithRetry(initialInterval time.Duration, maxRetries uint64) OpenAIOption {
	return func(o *OpenAI) {
		o.initialInterval = initialInterval
		o.maxRetries = maxRetries
	}
}

func WithProviderLogger(logger *log.Logger) OpenAIOption {
	return func(o *OpenAI) {
		o.logger = logger
	}
}

// OpenAI talks to any OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	baseURL         string
	model           string
	httpClient      *http.Client
	initialInterval time.Duration
	maxRetries      uint64
	logger          *log.Logger
}

func NewOpenAI(apiKey string, opts ...OpenAIOption) OpenAI {
	o := &OpenAI{
		baseURL:         DefaultBaseURL,
		model:           DefaultModel,
		httpClient:      &http.Client{Timeout: 60 * time.Second},
		initialInterval: time.Second,
		maxRetries:      defaultMaxRetries,
		logger:          log.WithPrefix("openai"),
	}
	for _, opt := range opts {
		opt(o)
	}

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, o.httpClient)
	o.httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: apiKey}))
	return *o
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (o OpenAI) Suggest(ctx context.Context, record types.Record) string {
	content, err := o.complete(ctx, fmt.Sprintf(promptTemplate, record.ID, record.Description))
	if err != nil {
		o.logger.Warn("Failed to generate suggestion", log.CVEID(record.ID), log.Err(err))
		return Placeholder
	}
	return content
}

func (o OpenAI) complete(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model:    o.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", xerrors.Errorf("json encode error: %w", err)
	}

	var resp chatResponse
	operation := func() error {
		return o.post(ctx, payload, &resp)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.initialInterval
	b := backoff.WithContext(backoff.WithMaxRetries(bo, o.maxRetries), ctx)
	err = backoff.RetryNotify(operation, b, func(err error, d time.Duration) {
		o.logger.Debug("Retrying chat completion", log.Duration("after", d), log.Err(err))
	})
	if err != nil {
		return "", err
	}

	if len(resp.Choices) == 0 {
		return "", xerrors.New("empty completion")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (o OpenAI) post(ctx context.Context, payload []byte, v *chatResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return xerrors.Errorf("request error: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, resp.Body)
		return xerrors.Errorf("status code %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, resp.Body)
		return backoff.Permanent(xerrors.Errorf("status code %d", resp.StatusCode))
	}

	if err = json.NewDecoder(resp.Body).Decode(v); err != nil {
		return backoff.Permanent(xerrors.Errorf("json decode error: %w", err))
	}
	return nil
}
