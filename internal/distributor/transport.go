package distributor

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dreamware/distributor/internal/message"
	"github.com/dreamware/distributor/internal/storage"
)

// ReplyHandler receives storage replies, typically Node.HandleReply.
type ReplyHandler func(reply message.Reply)

// LocalTransport delivers commands to in-process storage nodes. Each command
// is handled on its own goroutine and its reply handed to the registered
// ReplyHandler, the way a network completion would arrive.
type LocalTransport struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	nodes   map[int]*storage.Node
	handler ReplyHandler
	paused  bool
	held    []message.Command
	wg      sync.WaitGroup
}

// NewLocalTransport creates a transport over the given storage nodes.
func NewLocalTransport(logger zerolog.Logger, nodes ...*storage.Node) *LocalTransport {
	t := &LocalTransport{
		logger: logger,
		nodes:  make(map[int]*storage.Node, len(nodes)),
	}
	for _, n := range nodes {
		t.nodes[n.Index] = n
	}
	return t
}

// SetReplyHandler registers where replies go. Must be called before Send.
func (t *LocalTransport) SetReplyHandler(h ReplyHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Send dispatches cmd asynchronously. Commands addressed to an unknown
// storage node are answered with INTERNAL_FAILURE.
func (t *LocalTransport) Send(cmd message.Command) {
	t.mu.Lock()
	if t.paused {
		t.held = append(t.held, cmd)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.dispatch(cmd)
}

func (t *LocalTransport) dispatch(cmd message.Command) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		reply := t.execute(cmd)

		t.mu.RLock()
		h := t.handler
		t.mu.RUnlock()
		if h == nil {
			t.logger.Warn().Stringer("reply", reply).Msg("No reply handler registered, dropping reply")
			return
		}
		h(reply)
	}()
}

func (t *LocalTransport) execute(cmd message.Command) message.Reply {
	target := -1
	if vc, ok := cmd.(*message.VisitBucketCommand); ok {
		target = vc.Node
	}

	t.mu.RLock()
	node, ok := t.nodes[target]
	t.mu.RUnlock()
	if !ok {
		return cmd.MakeReply(message.Result{
			Code:    message.InternalFailure,
			Message: fmt.Sprintf("no route to storage node %d", target),
		})
	}
	return node.Handle(cmd)
}

// Pause holds back commands until Resume. Used to keep storage traffic in
// flight deterministically.
func (t *LocalTransport) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paused = true
}

// Resume dispatches every held command and stops holding new ones.
func (t *LocalTransport) Resume() {
	t.mu.Lock()
	held := t.held
	t.held = nil
	t.paused = false
	t.mu.Unlock()

	for _, cmd := range held {
		t.dispatch(cmd)
	}
}

// Held returns the commands currently held back by Pause.
func (t *LocalTransport) Held() []message.Command {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]message.Command(nil), t.held...)
}

// Wait blocks until every dispatched command has been answered.
func (t *LocalTransport) Wait() {
	t.wg.Wait()
}
