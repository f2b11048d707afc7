package store

import (
	"fmt"

	"chat-relay/internal/conversation"
)

func wrapUnavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, conversation.ErrStoreUnavailable, err)
}
