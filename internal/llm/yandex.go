package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Morwran/yagpt"
)

type YandexClient struct {
	ya       yagpt.YaGPTFace
	iamToken string
	model    string
}

// NewYandex exchanges the OAuth token for an IAM token. IAM tokens expire,
// so the Factory rebuilds the client after its token TTL.
func NewYandex(ctx context.Context, oauthToken, folderID, model string) (*YandexClient, error) {
	if oauthToken == "" || folderID == "" {
		return nil, fmt.Errorf("yandex: %w", ErrNotConfigured)
	}
	// Create IAM token from OAuth token
	iam, err := yagpt.NewYaIamWithCtx(ctx, oauthToken)
	if err != nil {
		return nil, &Error{Kind: KindUnavailable, Err: fmt.Errorf("failed to init yandex iam: %w", err)}
	}
	defer iam.Close()
	resp, err := iam.CreateWithCtx(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("failed to create iam token: %w", ctx.Err())
		}
		return nil, &Error{Kind: KindUnavailable, Err: fmt.Errorf("failed to create iam token: %w", err)}
	}

	// Create YaGPT client for a folder
	ya, err := yagpt.NewYagpt(folderID)
	if err != nil {
		return nil, fmt.Errorf("failed to init yagpt: %w", err)
	}
	if model == "" {
		model = yagpt.YaModelLite
	}

	return &YandexClient{
		ya:       ya,
		iamToken: resp.IamToken,
		model:    model,
	}, nil
}

func (c *YandexClient) Generate(ctx context.Context, messages []Message) (Response, error) {
	ms := make([]yagpt.Message, 0, len(messages))
	for _, m := range messages {
		ms = append(ms, yagpt.Message{Role: m.Role, Content: m.Content})
	}

	resp, err := c.ya.CompletionWithCtx(ctx, c.iamToken, ms)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return Response{}, fmt.Errorf("yagpt completion failed: %w", err)
		}
		// yagpt reports HTTP failures as plain errors; treat them as an
		// endpoint problem rather than a rejection.
		return Response{}, &Error{Kind: KindUnavailable, Err: fmt.Errorf("yagpt completion failed: %w", err)}
	}
	if resp == nil || len(resp.Alternatives) == 0 {
		return Response{}, fmt.Errorf("yagpt: %w", ErrEmptyResponse)
	}
	content := resp.Alternatives[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return Response{}, fmt.Errorf("yagpt: blank alternative: %w", ErrEmptyResponse)
	}
	out := Response{Content: content, Model: c.model}
	out.PromptTokens = int(resp.Usage.InputTextTokens)
	out.CompletionTokens = int(resp.Usage.CompletionTokens)
	out.TotalTokens = int(resp.Usage.TotalTokens)
	return out, nil
}
