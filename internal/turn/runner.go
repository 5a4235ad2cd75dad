// Package turn runs one user question through the assistant: it resolves the
// conversation's thread, posts the question, starts a streamed run and hands
// the stream to the dispatcher until the run ends.
package turn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/palisade/services/sql_guard/internal/assistant"
	"github.com/triage-ai/palisade/services/sql_guard/internal/catalog"
	"github.com/triage-ai/palisade/services/sql_guard/internal/dispatch"
	"github.com/triage-ai/palisade/services/sql_guard/internal/threads"
	"github.com/triage-ai/palisade/services/sql_guard/internal/toolcall"
	"go.uber.org/zap"
)

// Backend is the agent side of a turn. *assistant.Client implements it.
type Backend interface {
	dispatch.Submitter
	NewThread(ctx context.Context) (string, error)
	AddMessage(ctx context.Context, threadID, text string) error
	StartRun(ctx context.Context, threadID, additionalInstructions string) (dispatch.Stream, error)
}

// Runner answers questions. Turns on the same conversation are serialized.
type Runner struct {
	backend    Backend
	dispatcher *dispatch.Dispatcher
	threads    threads.Store
	catalog    *catalog.Catalog
	logger     *zap.Logger
	now        func() time.Time

	mu    sync.Mutex
	locks map[string]*conversationLock
}

type conversationLock struct {
	mu   sync.Mutex
	refs int
}

// NewRunner wires a runner. A nil store keeps every question on a fresh thread.
func NewRunner(backend Backend, d *dispatch.Dispatcher, store threads.Store, c *catalog.Catalog, logger *zap.Logger) *Runner {
	return &Runner{
		backend:    backend,
		dispatcher: d,
		threads:    store,
		catalog:    c,
		logger:     logger,
		now:        time.Now,
		locks:      make(map[string]*conversationLock),
	}
}

// Question is one user turn.
type Question struct {
	ConversationID string // empty starts a one-off thread
	TenantID       string
	Text           string
}

// Answer is the result of a finished turn.
type Answer struct {
	RequestID string
	ThreadID  string
	Outcome   *dispatch.Outcome
}

// Text is the assistant's reply.
func (a *Answer) Text() string {
	if a.Outcome == nil {
		return ""
	}
	return a.Outcome.Text()
}

// ErrEmptyQuestion is returned for blank questions.
var ErrEmptyQuestion = errors.New("question is empty")

// Ask runs q to a terminal run state. Query failures are reported to the
// assistant and never surface here; a broken stream returns *dispatch.StreamError.
func (r *Runner) Ask(ctx context.Context, q Question) (*Answer, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, ErrEmptyQuestion
	}

	key := ""
	if q.ConversationID != "" {
		key = threads.Key(q.TenantID, q.ConversationID)
		unlock := r.lock(key)
		defer unlock()
	}

	ans := &Answer{RequestID: uuid.NewString()}
	threadID, err := r.resolveThread(ctx, key)
	if err != nil {
		return nil, err
	}
	ans.ThreadID = threadID

	if err := r.backend.AddMessage(ctx, threadID, q.Text); err != nil {
		return nil, fmt.Errorf("Runner.Ask: %w", err)
	}

	stream, err := r.backend.StartRun(ctx, threadID, assistant.Briefing(r.now(), q.TenantID, r.catalog))
	if err != nil {
		return nil, fmt.Errorf("Runner.Ask: %w", err)
	}

	ctx = toolcall.WithScope(ctx, toolcall.Scope{
		RequestID: ans.RequestID,
		TenantID:  q.TenantID,
		ThreadID:  threadID,
	})
	start := time.Now()
	outcome, err := r.dispatcher.Run(ctx, stream)
	ans.Outcome = outcome
	if err != nil {
		r.logger.Warn("turn aborted",
			zap.String("request_id", ans.RequestID),
			zap.String("thread_id", threadID),
			zap.Error(err),
		)
		return ans, err
	}

	if key != "" && r.threads != nil {
		// Re-put on every turn to slide the TTL.
		if err := r.threads.Put(ctx, key, threadID); err != nil {
			r.logger.Warn("failed to save conversation thread", zap.String("thread_id", threadID), zap.Error(err))
		}
	}

	r.logger.Info("turn finished",
		zap.String("request_id", ans.RequestID),
		zap.String("thread_id", threadID),
		zap.String("status", string(outcome.Status)),
		zap.Int("rounds", outcome.Rounds),
		zap.Duration("duration", time.Since(start)),
	)
	return ans, nil
}

// Forget drops the stored thread of a conversation.
func (r *Runner) Forget(ctx context.Context, tenantID, conversationID string) error {
	if r.threads == nil {
		return nil
	}
	return r.threads.Delete(ctx, threads.Key(tenantID, conversationID))
}

func (r *Runner) resolveThread(ctx context.Context, key string) (string, error) {
	if key != "" && r.threads != nil {
		id, err := r.threads.Get(ctx, key)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, threads.ErrNotFound) {
			// Store outages fall back to a fresh thread.
			r.logger.Warn("thread store unavailable", zap.Error(err))
		}
	}
	id, err := r.backend.NewThread(ctx)
	if err != nil {
		return "", fmt.Errorf("Runner.resolveThread: %w", err)
	}
	return id, nil
}

func (r *Runner) lock(key string) func() {
	r.mu.Lock()
	l, ok := r.locks[key]
	if !ok {
		l = &conversationLock{}
		r.locks[key] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, key)
		}
		r.mu.Unlock()
	}
}
