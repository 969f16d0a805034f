package provision

import (
	"context"
	"fmt"
	"sync"

	"github.com/biscuitshop/biscuitflash/pkg/firmware"
	"github.com/biscuitshop/biscuitflash/pkg/session"
)

// AskFunc presents one prompt on the console and blocks until the operator
// answers. It is never called concurrently.
type AskFunc func(prompt session.Prompt) (session.Choice, error)

// PromptQueue serializes operator prompts coming from concurrently running
// sessions. When both sessions want input at the same time, the one with the
// higher role priority (the order of firmware.Roles) is served first.
type PromptQueue struct {
	ask AskFunc

	mutex   sync.Mutex
	cond    *sync.Cond
	pending []*promptRequest
	closed  bool
}

type promptRequest struct {
	prompt  session.Prompt
	replyCh chan promptReply
}

type promptReply struct {
	choice session.Choice
	err    error
}

// NewPromptQueue starts the dispatch loop; Close stops it.
func NewPromptQueue(ask AskFunc) *PromptQueue {
	q := &PromptQueue{
		ask: ask,
	}
	q.cond = sync.NewCond(&q.mutex)
	go q.dispatchLoop()
	return q
}

var _ session.Prompter = (*PromptQueue)(nil)

// Ask implements session.Prompter. It enqueues the prompt and blocks until
// the dispatch loop served it (or the context was cancelled).
func (q *PromptQueue) Ask(ctx context.Context, prompt session.Prompt) (session.Choice, error) {
	req := &promptRequest{
		prompt:  prompt,
		replyCh: make(chan promptReply, 1),
	}

	q.mutex.Lock()
	if q.closed {
		q.mutex.Unlock()
		return "", fmt.Errorf("the prompt queue is closed")
	}
	q.pending = append(q.pending, req)
	q.cond.Signal()
	q.mutex.Unlock()

	select {
	case reply := <-req.replyCh:
		return reply.choice, reply.err
	case <-ctx.Done():
		// withdraw the request so the dispatcher never presents a prompt
		// nobody is waiting for; if the dispatcher took it already, its
		// answer lands in the buffered replyCh and is discarded
		q.removeRequest(req)
		return "", ctx.Err()
	}
}

func (q *PromptQueue) removeRequest(req *promptRequest) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	for idx, pending := range q.pending {
		if pending == req {
			q.pending = append(q.pending[:idx], q.pending[idx+1:]...)
			return
		}
	}
}

// Close stops the dispatch loop. Outstanding Ask calls receive an error.
func (q *PromptQueue) Close() {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for _, req := range q.pending {
		req.replyCh <- promptReply{err: fmt.Errorf("the prompt queue is closed")}
	}
	q.pending = nil
	q.cond.Broadcast()
}

func (q *PromptQueue) dispatchLoop() {
	for {
		q.mutex.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mutex.Unlock()
			return
		}
		req := q.takeNextLocked()
		q.mutex.Unlock()

		choice, err := q.ask(req.prompt)
		req.replyCh <- promptReply{choice: choice, err: err}
	}
}

// takeNextLocked removes and returns the pending request with the highest
// role priority. Requires q.mutex to be held.
func (q *PromptQueue) takeNextLocked() *promptRequest {
	best := 0
	for idx := 1; idx < len(q.pending); idx++ {
		if rolePriority(q.pending[idx].prompt.Role) < rolePriority(q.pending[best].prompt.Role) {
			best = idx
		}
	}
	req := q.pending[best]
	q.pending = append(q.pending[:best], q.pending[best+1:]...)
	return req
}

func rolePriority(role firmware.Role) int {
	for idx, known := range firmware.Roles() {
		if known == role {
			return idx
		}
	}
	return len(firmware.Roles())
}
