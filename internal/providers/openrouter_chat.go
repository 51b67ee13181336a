package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Chat sends a chat completion request.
func (c *OpenRouterClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	start := time.Now()

	// Generate request ID if not provided
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}

	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	// Build OpenRouter request
	orReq := openRouterRequest{
		Model:       model,
		Messages:    make([]openRouterMessage, 0, len(req.Messages)),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Usage:       &openRouterUsageRequest{Include: true}, // Request cost tracking
	}

	for _, m := range req.Messages {
		orReq.Messages = append(orReq.Messages, openRouterMessage{
			Role:             m.Role,
			Content:          m.Content,
			ReasoningDetails: m.ReasoningDetails,
		})
	}

	// Set provider-adapted response format if specified.
	if req.ResponseFormat != nil {
		adaptedFormat, err := adaptedResponseFormat(model, req.ResponseFormat)
		if err != nil {
			return &ChatResult{
				RequestID:    requestID,
				Provider:     OpenRouterName,
				ModelUsed:    model,
				Success:      false,
				ErrorType:    "schema_adapter",
				ErrorMessage: err.Error(),
				TotalTime:    time.Since(start),
			}, fmt.Errorf("failed to adapt structured schema: %w", err)
		}
		orReq.ResponseFormat = adaptedFormat
	}

	result := &ChatResult{
		RequestID: requestID,
		Provider:  OpenRouterName,
		ModelUsed: model,
	}

	for attempt := 0; ; attempt++ {
		result.Attempts = attempt + 1

		// Make request (pass pointer for nonce injection on retries).
		orResp, httpErr := c.doRequest(ctx, "/chat/completions", &orReq)
		if httpErr != nil {
			result.Success = false
			result.ErrorType = "http_error"
			result.ErrorMessage = httpErr.Error()
			result.TotalTime = time.Since(start)
			result.ExecutionTime = result.TotalTime
			return result, httpErr
		}

		// Check for API-level error (can be returned with 200 status).
		if orResp.Error != nil {
			result.Success = false
			result.ErrorType = "api_error"
			result.ErrorMessage = orResp.Error.Message
			result.TotalTime = time.Since(start)
			result.ExecutionTime = result.TotalTime
			return result, fmt.Errorf("OpenRouter API error: %s", orResp.Error.Message)
		}

		// Parse response.
		if len(orResp.Choices) == 0 {
			result.Success = false
			result.ErrorType = "empty_response"
			result.ErrorMessage = fmt.Sprintf("no choices in response (model=%s, id=%s)", orResp.Model, orResp.ID)
			result.TotalTime = time.Since(start)
			result.ExecutionTime = result.TotalTime
			return result, fmt.Errorf("no choices in response (model=%s, id=%s)", orResp.Model, orResp.ID)
		}

		result.ModelUsed = orResp.Model
		result.PromptTokens += orResp.Usage.PromptTokens
		result.CompletionTokens += orResp.Usage.CompletionTokens
		result.TotalTokens += orResp.Usage.TotalTokens
		result.ReasoningTokens += orResp.Usage.CompletionTokensDetails.ReasoningTokens
		if orResp.Usage.NativeTotalCost > 0 {
			result.CostUSD += orResp.Usage.NativeTotalCost
		} else if orResp.Usage.Cost > 0 {
			result.CostUSD += orResp.Usage.Cost
		}

		choice := orResp.Choices[0]

		// Include reasoning_details for reasoning models.
		if len(choice.Message.ReasoningDetails) > 0 {
			result.ReasoningDetails = choice.Message.ReasoningDetails
		}

		content := ""
		if choice.Message.Content != nil {
			switch contentValue := choice.Message.Content.(type) {
			case string:
				content = contentValue
			default:
				b, err := json.Marshal(contentValue)
				if err != nil {
					result.Success = false
					result.ErrorType = "content_marshal_error"
					result.ErrorMessage = fmt.Sprintf("failed to marshal content: %v", err)
					result.TotalTime = time.Since(start)
					result.ExecutionTime = result.TotalTime
					return result, fmt.Errorf("failed to marshal content: %w", err)
				}
				content = string(b)
			}
		}

		result.Content = content

		// Non-structured responses are complete at first successful provider reply.
		if req.ResponseFormat == nil {
			result.Success = true
			result.TotalTime = time.Since(start)
			result.ExecutionTime = result.TotalTime
			return result, nil
		}

		parsed, parseErr := parseStructuredJSON(content)
		var validationErr error
		if parseErr == nil {
			result.ParsedJSON = parsed
			validationErr = validateStructuredJSON(req.ResponseFormat.JSONSchema, parsed)
		}

		if parseErr == nil && validationErr == nil {
			result.Success = true
			result.ErrorType = ""
			result.ErrorMessage = ""
			result.TotalTime = time.Since(start)
			result.ExecutionTime = result.TotalTime
			return result, nil
		}

		issue := parseErr
		result.ErrorType = "json_parse"
		if issue == nil {
			issue = validationErr
			result.ErrorType = "schema_validation"
		}
		result.ErrorMessage = issue.Error()

		if attempt >= maxStructuredRepairAttempts {
			result.Success = false
			result.TotalTime = time.Since(start)
			result.ExecutionTime = result.TotalTime
			return result, nil
		}

		// Ask the model to repair the output using the same response
		// schema, echoing any reasoning blocks back with the assistant
		// turn as OpenRouter's contract requires.
		orReq.Messages = append(orReq.Messages,
			openRouterMessage{
				Role:             "assistant",
				Content:          content,
				ReasoningDetails: choice.Message.ReasoningDetails,
			},
			openRouterMessage{
				Role:    "user",
				Content: structuredRepairPrompt(req.ResponseFormat.JSONSchema, content, issue),
			},
		)
	}
}
