package services

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/lumenlearn/lumen-backend/internal/logger"
	"github.com/lumenlearn/lumen-backend/internal/repos"
	"github.com/lumenlearn/lumen-backend/internal/types"
	"github.com/lumenlearn/lumen-backend/internal/utils"
)

// CompletionClient issues one logical model request: up to maxRetries+1
// attempts, validation folded into the retry budget, exponential backoff
// between attempts.
type CompletionClient interface {
	Complete(ctx context.Context, promptName, promptText string, shape ExpectedShape, maxRetries int) (*types.CompletionResponse, error)
}

// ModelInvoker performs a single raw model call. Retry policy lives in the
// client, never in the invoker.
type ModelInvoker interface {
	Invoke(ctx context.Context, promptName, promptText string) (string, error)
	Model() string
}

// CompletionError is raised when the retry budget is exhausted on a
// transport failure. Validation exhaustion returns the *ValidationError from
// the last attempt instead, since that is the more actionable diagnostic.
type CompletionError struct {
	PromptName string
	Attempts   int
	Err        error
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("completion %q failed after %d attempts: %v", e.PromptName, e.Attempts, e.Err)
}

func (e *CompletionError) Unwrap() error { return e.Err }

type completionClient struct {
	log         *logger.Logger
	invoker     ModelInvoker
	callLogRepo repos.CompletionCallLogRepo
	backoffBase time.Duration
}

func NewCompletionClient(baseLog *logger.Logger, invoker ModelInvoker, callLogRepo repos.CompletionCallLogRepo) CompletionClient {
	base := time.Duration(utils.GetEnvAsInt("COMPLETION_BACKOFF_BASE_MS", 1000, baseLog)) * time.Millisecond
	return &completionClient{
		log:         baseLog.With("service", "CompletionClient"),
		invoker:     invoker,
		callLogRepo: callLogRepo,
		backoffBase: base,
	}
}

func PromptHash(promptText string) string {
	sum := sha256.Sum256([]byte(promptText))
	return hex.EncodeToString(sum[:])
}

func (c *completionClient) Complete(ctx context.Context, promptName, promptText string, shape ExpectedShape, maxRetries int) (*types.CompletionResponse, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}

	requestID := uuid.New()
	hash := PromptHash(promptText)
	start := time.Now()
	backoff := c.backoffBase

	var lastErr error
	var lastRaw string
	attempts := 0

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoff); err != nil {
				lastErr = err
				break
			}
			backoff *= 2
		}
		attempts++

		raw, err := c.invoker.Invoke(ctx, promptName, promptText)
		if err != nil {
			lastErr = err
			c.log.Warn("Completion attempt failed",
				"prompt_name", promptName,
				"prompt_hash", hash,
				"attempt", attempt+1,
				"max_retries", maxRetries,
				"error", err,
			)
			continue
		}
		lastRaw = raw

		payload, verr := ValidateOutput(raw, shape)
		if verr != nil {
			// A malformed completion spends the same budget as a failed
			// transport.
			lastErr = verr
			c.log.Warn("Completion output rejected",
				"prompt_name", promptName,
				"prompt_hash", hash,
				"attempt", attempt+1,
				"max_retries", maxRetries,
				"error", verr,
			)
			continue
		}

		resp := &types.CompletionResponse{
			RequestID:  requestID,
			PromptName: promptName,
			PromptHash: hash,
			RawText:    raw,
			Payload:    payload,
			Success:    true,
			Retries:    attempt,
			Latency:    time.Since(start),
			Model:      c.invoker.Model(),
		}
		c.record(ctx, resp, "")
		return resp, nil
	}

	// attempts can stop short of the budget when cancellation interrupts the
	// backoff sleep; the envelope reports what actually ran.
	resp := &types.CompletionResponse{
		RequestID:  requestID,
		PromptName: promptName,
		PromptHash: hash,
		RawText:    lastRaw,
		Success:    false,
		Retries:    attempts - 1,
		Latency:    time.Since(start),
		Model:      c.invoker.Model(),
	}
	c.record(ctx, resp, fmt.Sprint(lastErr))

	var verr *ValidationError
	if errors.As(lastErr, &verr) {
		return nil, verr
	}
	return nil, &CompletionError{PromptName: promptName, Attempts: attempts, Err: lastErr}
}

// record writes the call-log shadow of a CompletionResponse. Best effort; a
// log write failure never fails the completion itself.
func (c *completionClient) record(ctx context.Context, resp *types.CompletionResponse, errMsg string) {
	if c.callLogRepo == nil {
		return
	}
	row := &types.CompletionCallLog{
		ID:         uuid.New(),
		RequestID:  resp.RequestID,
		PromptName: resp.PromptName,
		PromptHash: resp.PromptHash,
		Model:      resp.Model,
		RawChars:   len(resp.RawText),
		Success:    resp.Success,
		Retries:    resp.Retries,
		LatencyMS:  resp.Latency.Milliseconds(),
		Error:      errMsg,
		Metadata:   datatypes.JSON([]byte(`{}`)),
		CreatedAt:  time.Now(),
	}
	if _, err := c.callLogRepo.Create(ctx, nil, []*types.CompletionCallLog{row}); err != nil {
		c.log.Warn("Failed to persist completion call log", "prompt_name", resp.PromptName, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ---- HTTP-backed invoker ----

type openAIInvoker struct {
	log        *logger.Logger
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

// NewOpenAIInvoker builds the production invoker against an OpenAI-style
// chat completions endpoint. Each call carries the configured per-call
// timeout; a timeout surfaces as a plain attempt failure to the client.
func NewOpenAIInvoker(baseLog *logger.Logger) (ModelInvoker, error) {
	apiKey := utils.GetEnv("OPENAI_API_KEY", "", baseLog)
	if apiKey == "" {
		return nil, fmt.Errorf("missing OPENAI_API_KEY")
	}
	baseURL := utils.GetEnv("OPENAI_BASE_URL", "https://api.openai.com", baseLog)
	model := utils.GetEnv("OPENAI_MODEL", "gpt-4o-mini", baseLog)
	timeoutSec := utils.GetEnvAsInt("OPENAI_TIMEOUT_SECONDS", 120, baseLog)

	return &openAIInvoker{
		log:        baseLog.With("service", "OpenAIInvoker"),
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
	}, nil
}

func (o *openAIInvoker) Model() string { return o.model }

type chatCompletionRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	Temperature float64 `json:"temperature"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (o *openAIInvoker) Invoke(ctx context.Context, promptName, promptText string) (string, error) {
	reqBody := chatCompletionRequest{Model: o.model, Temperature: 0.2}
	reqBody.Messages = append(reqBody.Messages, struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{Role: "user", Content: promptText})

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(reqBody); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/v1/chat/completions", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return "", readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("model endpoint http %d: %s", resp.StatusCode, string(raw))
	}

	var out chatCompletionResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode model response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("model response carried no choices")
	}
	return out.Choices[0].Message.Content, nil
}
