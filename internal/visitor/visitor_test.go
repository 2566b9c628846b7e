package visitor

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/distributor/internal/bucket"
	"github.com/dreamware/distributor/internal/bucketdb"
	"github.com/dreamware/distributor/internal/message"
	"github.com/dreamware/distributor/internal/pending"
	"github.com/dreamware/distributor/internal/sequencer"
)

// mockSender implements operation.Sender for testing.
type mockSender struct {
	mu       sync.Mutex
	commands []message.Command
	replies  []message.Reply
	tracker  *pending.Tracker
}

func newMockSender(tracker *pending.Tracker) *mockSender {
	return &mockSender{tracker: tracker}
}

func (m *mockSender) SendCommand(cmd message.Command) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, cmd)
}

func (m *mockSender) SendReply(reply message.Reply) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, reply)
}

func (m *mockSender) NodeIndex() int                      { return 0 }
func (m *mockSender) ClusterName() string                 { return "test" }
func (m *mockSender) PendingMessageTracker() pending.View { return m.tracker }

func (m *mockSender) sentCommands() []message.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]message.Command(nil), m.commands...)
}

func (m *mockSender) sentReplies() []*message.CreateVisitorReply {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*message.CreateVisitorReply, 0, len(m.replies))
	for _, r := range m.replies {
		out = append(out, r.(*message.CreateVisitorReply))
	}
	return out
}

// newTestDB places buckets 0..n-1 on node (bucket % 2).
func newTestDB(t *testing.T, n int) *bucketdb.Database {
	t.Helper()
	db := bucketdb.New(64)
	for i := 0; i < n; i++ {
		require.NoError(t, db.SetReplicas(bucket.ID(i), i%2))
	}
	return db
}

func visitReply(cmd message.Command, docs ...string) message.Reply {
	reply := cmd.MakeReply(message.Result{Code: message.OK}).(*message.VisitBucketReply)
	for _, d := range docs {
		reply.Documents = append(reply.Documents, message.Document{Key: d, Value: []byte(d)})
	}
	return reply
}

func TestVerifyCommandAndExpandBuckets(t *testing.T) {
	db := newTestDB(t, 8)

	tests := []struct {
		name    string
		cmd     *message.CreateVisitorCommand
		ok      bool
		buckets int
	}{
		{name: "explicit buckets", cmd: &message.CreateVisitorCommand{Library: "dump", Buckets: []bucket.ID{5, 2, 5}}, ok: true, buckets: 2},
		{name: "unknown buckets dropped", cmd: &message.CreateVisitorCommand{Library: "dump", Buckets: []bucket.ID{40, 41}}, ok: true, buckets: 0},
		{name: "group selection", cmd: &message.CreateVisitorCommand{Library: "dump", Group: "user:1"}, ok: true},
		{name: "missing library", cmd: &message.CreateVisitorCommand{Buckets: []bucket.ID{1}}},
		{name: "no selection", cmd: &message.CreateVisitorCommand{Library: "dump"}},
		{name: "both selections", cmd: &message.CreateVisitorCommand{Library: "dump", Buckets: []bucket.ID{1}, Group: "g"}},
		{name: "negative pending limit", cmd: &message.CreateVisitorCommand{Library: "dump", Buckets: []bucket.ID{1}, MaxPendingBuckets: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := newMockSender(pending.NewTracker())
			op := New(tt.cmd, Config{DB: db})

			assert.Equal(t, tt.ok, op.VerifyCommandAndExpandBuckets(sender))
			if !tt.ok {
				replies := sender.sentReplies()
				require.Len(t, replies, 1)
				assert.Equal(t, message.IllegalParameters, replies[0].Result().Code)
				assert.True(t, op.HasSentReply())
				return
			}
			assert.Empty(t, sender.sentReplies())
			assert.False(t, op.HasSentReply())
			if tt.cmd.Group == "" {
				assert.Len(t, op.buckets, tt.buckets)
			}
		})
	}

	t.Run("repeated failure replies once", func(t *testing.T) {
		sender := newMockSender(pending.NewTracker())
		op := New(&message.CreateVisitorCommand{Buckets: []bucket.ID{1}}, Config{DB: db})

		assert.False(t, op.VerifyCommandAndExpandBuckets(sender))
		assert.False(t, op.VerifyCommandAndExpandBuckets(sender))

		replies := sender.sentReplies()
		require.Len(t, replies, 1)
		require.NotNil(t, replies[0])
		assert.Equal(t, message.IllegalParameters, replies[0].Result().Code)
	})

	t.Run("instance assigned", func(t *testing.T) {
		cmd := &message.CreateVisitorCommand{Library: "dump", Buckets: []bucket.ID{1}}
		New(cmd, Config{DB: db})
		assert.NotEmpty(t, cmd.Instance)
	})

	t.Run("first bucket is the lowest", func(t *testing.T) {
		op := New(&message.CreateVisitorCommand{Library: "dump", Buckets: []bucket.ID{6, 3, 4}}, Config{DB: db})
		require.True(t, op.VerifyCommandAndExpandBuckets(newMockSender(nil)))
		b, ok := op.FirstBucketToVisit()
		assert.True(t, ok)
		assert.Equal(t, bucket.ID(3), b)
	})
}

func TestVisitorRun(t *testing.T) {
	t.Run("visits every bucket within the pending limit", func(t *testing.T) {
		db := newTestDB(t, 8)
		sender := newMockSender(nil)
		op := New(&message.CreateVisitorCommand{Library: "dump", Buckets: []bucket.ID{1, 2, 3}, MaxPendingBuckets: 2}, Config{DB: db})

		op.OnStart(sender)
		cmds := sender.sentCommands()
		require.Len(t, cmds, 2)
		assert.Equal(t, bucket.ID(1), cmds[0].Bucket())
		assert.Equal(t, 1, cmds[0].(*message.VisitBucketCommand).Node)

		op.OnReceive(sender, visitReply(cmds[0], "a"))
		cmds = sender.sentCommands()
		require.Len(t, cmds, 3, "a completed visit frees a slot")
		assert.Equal(t, bucket.ID(3), cmds[2].Bucket())

		op.OnReceive(sender, visitReply(cmds[1], "b"))
		assert.Empty(t, sender.sentReplies())
		op.OnReceive(sender, visitReply(cmds[2], "c", "d"))

		replies := sender.sentReplies()
		require.Len(t, replies, 1)
		assert.True(t, replies[0].Result().Success())
		assert.Equal(t, 3, replies[0].VisitedBuckets)
		assert.Len(t, replies[0].Documents, 4)
	})

	t.Run("failed bucket fails the visitor once in-flight visits drain", func(t *testing.T) {
		db := newTestDB(t, 8)
		sender := newMockSender(nil)
		op := New(&message.CreateVisitorCommand{Library: "dump", Buckets: []bucket.ID{1, 2, 3}, MaxPendingBuckets: 2}, Config{DB: db})
		op.OnStart(sender)
		cmds := sender.sentCommands()

		op.OnReceive(sender, cmds[0].MakeReply(message.Result{Code: message.BucketNotFound}))
		assert.Len(t, sender.sentCommands(), 2, "no new visits after a failure")
		assert.Empty(t, sender.sentReplies())

		op.OnReceive(sender, visitReply(cmds[1], "b"))
		replies := sender.sentReplies()
		require.Len(t, replies, 1)
		assert.Equal(t, message.BucketNotFound, replies[0].Result().Code)
		assert.Empty(t, replies[0].Documents)
	})

	t.Run("empty visitor replies immediately", func(t *testing.T) {
		sender := newMockSender(nil)
		op := New(&message.CreateVisitorCommand{Library: "dump", Buckets: []bucket.ID{50}}, Config{DB: newTestDB(t, 2)})
		op.OnStart(sender)

		assert.Empty(t, sender.sentCommands())
		replies := sender.sentReplies()
		require.Len(t, replies, 1)
		assert.True(t, replies[0].Result().Success())
		assert.Zero(t, replies[0].VisitedBuckets)
	})

	t.Run("close sends a single aborted reply and releases the lock", func(t *testing.T) {
		seq := sequencer.New()
		sender := newMockSender(nil)
		op := New(&message.CreateVisitorCommand{Library: "dump", Buckets: []bucket.ID{1}}, Config{DB: newTestDB(t, 2)})
		op.AssignBucketLockHandle(seq.TryAcquire(1))
		op.OnStart(sender)

		op.OnClose(sender)
		op.OnClose(sender)

		replies := sender.sentReplies()
		require.Len(t, replies, 1)
		assert.Equal(t, message.Aborted, replies[0].Result().Code)
		assert.False(t, seq.IsLocked(1))

		// A late reply must not produce another client reply
		op.OnReceive(sender, visitReply(sender.sentCommands()[0], "x"))
		assert.Len(t, sender.sentReplies(), 1)
	})

	t.Run("completion releases the lock", func(t *testing.T) {
		seq := sequencer.New()
		sender := newMockSender(nil)
		op := New(&message.CreateVisitorCommand{Library: "dump", Buckets: []bucket.ID{1}}, Config{DB: newTestDB(t, 2)})
		op.AssignBucketLockHandle(seq.TryAcquire(1))
		op.OnStart(sender)
		assert.True(t, seq.IsLocked(1))

		op.OnReceive(sender, visitReply(sender.sentCommands()[0]))
		assert.False(t, seq.IsLocked(1))
	})

	t.Run("busy reply names the bucket", func(t *testing.T) {
		sender := newMockSender(nil)
		op := New(&message.CreateVisitorCommand{Library: "dump", Buckets: []bucket.ID{1}}, Config{DB: newTestDB(t, 2)})
		require.True(t, op.VerifyCommandAndExpandBuckets(sender))
		op.FailWithBucketAlreadyLocked(sender)
		op.FailWithBucketAlreadyLocked(sender)

		replies := sender.sentReplies()
		require.Len(t, replies, 1)
		assert.Equal(t, message.Busy, replies[0].Result().Code)
		assert.Contains(t, replies[0].Result().Message, bucket.ID(1).String())
	})
}
