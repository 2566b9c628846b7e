package main

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/dreamware/distributor/internal/message"
)

// replyRouter hands client replies from the node to the HTTP handler
// waiting for them.
type replyRouter struct {
	logger zerolog.Logger

	mu      sync.Mutex
	waiters map[message.ID]chan message.Reply
}

func newReplyRouter(logger zerolog.Logger) *replyRouter {
	return &replyRouter{
		logger:  logger,
		waiters: make(map[message.ID]chan message.Reply),
	}
}

// expect registers interest in the reply to id. The channel is buffered so
// Deliver never blocks, even when the reply arrives before the caller
// starts waiting.
func (r *replyRouter) expect(id message.ID) <-chan message.Reply {
	ch := make(chan message.Reply, 1)
	r.mu.Lock()
	r.waiters[id] = ch
	r.mu.Unlock()
	return ch
}

func (r *replyRouter) forget(id message.ID) {
	r.mu.Lock()
	delete(r.waiters, id)
	r.mu.Unlock()
}

// Deliver implements distributor.ReplySink.
func (r *replyRouter) Deliver(reply message.Reply) {
	r.mu.Lock()
	ch, ok := r.waiters[reply.MsgID()]
	delete(r.waiters, reply.MsgID())
	r.mu.Unlock()

	if !ok {
		r.logger.Debug().Stringer("reply", reply).Msg("No client waiting for reply")
		return
	}
	ch <- reply
}

func (r *replyRouter) waiting() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}
