// Package threads remembers which assistant thread carries each conversation
// so follow-up questions keep their context.
package threads

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a conversation has no live thread.
var ErrNotFound = errors.New("thread not found")

// Store maps conversation keys to thread ids.
type Store interface {
	Get(ctx context.Context, conversation string) (string, error)
	Put(ctx context.Context, conversation, threadID string) error
	Delete(ctx context.Context, conversation string) error
}

// Key scopes a conversation id to its tenant so two tenants can never share
// a thread.
func Key(tenantID, conversationID string) string {
	return tenantID + "/" + conversationID
}
