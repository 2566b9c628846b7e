package visitor

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/distributor/internal/bucket"
	"github.com/dreamware/distributor/internal/bucketdb"
	"github.com/dreamware/distributor/internal/message"
	"github.com/dreamware/distributor/internal/metrics"
	"github.com/dreamware/distributor/internal/operation"
	"github.com/dreamware/distributor/internal/pending"
	"github.com/dreamware/distributor/internal/sequencer"
)

// starterFixture wires a starter against fresh core components.
type starterFixture struct {
	db      *bucketdb.Database
	seq     *sequencer.Sequencer
	tracker *pending.Tracker
	sender  *mockSender
	stable  *operation.Owner
	metrics *metrics.CoreMetrics
}

func newStarterFixture(t *testing.T) *starterFixture {
	t.Helper()
	tracker := pending.NewTracker()
	sender := newMockSender(tracker)
	return &starterFixture{
		db:      newTestDB(t, 16),
		seq:     sequencer.New(),
		tracker: tracker,
		sender:  sender,
		stable:  operation.NewOwner(sender, operation.OwnerConfig{Name: "stable"}),
		metrics: metrics.NewCoreMetrics(prometheus.NewRegistry(), "test"),
	}
}

func (f *starterFixture) starter(cmd *message.CreateVisitorCommand) (*ReadForWriteStarter, *Operation) {
	op := New(cmd, Config{DB: f.db})
	return NewReadForWriteStarter(op, f.seq, f.stable, f.tracker, WithMetrics(f.metrics)), op
}

// inFlight records n storage commands already in flight to b.
func (f *starterFixture) inFlight(b bucket.ID, n int) []message.Command {
	cmds := make([]message.Command, 0, n)
	for i := 0; i < n; i++ {
		cmd := message.NewVisitBucketCommand(b, 0, "other-writer")
		f.tracker.Insert(cmd)
		cmds = append(cmds, cmd)
	}
	return cmds
}

func visitBuckets(buckets ...bucket.ID) *message.CreateVisitorCommand {
	return &message.CreateVisitorCommand{ID: message.NextID(), Library: "reindex", Buckets: buckets}
}

func TestStarterVerificationFailure(t *testing.T) {
	f := newStarterFixture(t)
	s, _ := f.starter(&message.CreateVisitorCommand{ID: message.NextID(), Buckets: []bucket.ID{7}})

	s.OnStart(f.sender)

	replies := f.sender.sentReplies()
	require.Len(t, replies, 1)
	assert.Equal(t, message.IllegalParameters, replies[0].Result().Code)
	assert.Equal(t, StateCompleted, s.State())
	assert.Zero(t, f.seq.Len())
	assert.Zero(t, f.stable.Size())
}

func TestStarterNoBuckets(t *testing.T) {
	f := newStarterFixture(t)
	// Every bucket in the keyspace is held: consulting the sequencer would
	// produce BUSY instead of an empty result.
	for i := 0; i < f.db.NumBuckets(); i++ {
		require.True(t, f.seq.TryAcquire(bucket.ID(i)).Valid())
	}
	s, _ := f.starter(visitBuckets(40))

	s.OnStart(f.sender)

	replies := f.sender.sentReplies()
	require.Len(t, replies, 1)
	assert.True(t, replies[0].Result().Success())
	assert.Zero(t, replies[0].VisitedBuckets)
	assert.Equal(t, StateCompleted, s.State())
	assert.Zero(t, testutil.ToFloat64(f.metrics.BucketLockConflicts))
	assert.Zero(t, f.tracker.Waiting())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ReadForWriteStarts.WithLabelValues("no_buckets")))
}

func TestStarterBucketAlreadyLocked(t *testing.T) {
	f := newStarterFixture(t)
	held := f.seq.TryAcquire(7)
	require.True(t, held.Valid())
	sizeBefore := f.stable.Size()
	s, _ := f.starter(visitBuckets(7, 8))

	s.OnStart(f.sender)

	replies := f.sender.sentReplies()
	require.Len(t, replies, 1)
	assert.Equal(t, message.Busy, replies[0].Result().Code)
	assert.Equal(t, StateCompleted, s.State())
	assert.Equal(t, sizeBefore, f.stable.Size())
	assert.Zero(t, f.tracker.Waiting(), "a conflict is never deferred")
	assert.True(t, held.Valid(), "the existing holder keeps its lock")
}

// TestStarterDeferredHandOff follows a visitor whose bucket has two writes
// in flight: it waits for both replies, then moves to the stable owner.
func TestStarterDeferredHandOff(t *testing.T) {
	f := newStarterFixture(t)
	writes := f.inFlight(7, 2)
	s, _ := f.starter(visitBuckets(7))

	s.OnStart(f.sender)

	assert.Equal(t, StateDeferred, s.State())
	assert.Empty(t, f.sender.sentReplies())
	assert.Empty(t, f.sender.sentCommands())
	assert.Zero(t, f.stable.Size())
	assert.True(t, f.seq.IsLocked(7))
	assert.Equal(t, 1, f.tracker.Waiting())

	f.tracker.Reply(writes[0].MakeReply(message.Result{}))
	assert.Equal(t, StateDeferred, s.State())
	assert.Zero(t, f.stable.Size())

	f.tracker.Reply(writes[1].MakeReply(message.Result{}))
	assert.Equal(t, StateHandedOff, s.State())
	assert.Equal(t, 1, f.stable.Size())
	assert.True(t, f.seq.IsLocked(7), "the visitor now owns the bucket lock")

	// Another read-for-write visitor of the same bucket is refused
	other, _ := f.starter(visitBuckets(7))
	other.OnStart(f.sender)
	assert.Equal(t, StateCompleted, other.State())
	require.Len(t, f.sender.sentReplies(), 1)
	assert.Equal(t, message.Busy, f.sender.sentReplies()[0].Result().Code)

	// Finish the visit through the stable owner
	cmds := f.sender.sentCommands()
	require.Len(t, cmds, 1)
	assert.True(t, f.stable.HandleReply(visitReply(cmds[0], "doc:1")))

	replies := f.sender.sentReplies()
	require.Len(t, replies, 2)
	assert.True(t, replies[1].Result().Success())
	assert.Len(t, replies[1].Documents, 1)
	assert.Zero(t, f.stable.Size())
	assert.False(t, f.seq.IsLocked(7))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ReadForWriteStarts.WithLabelValues("handed_off")))

	// Closing the starter after hand-off must not touch the operation
	s.OnClose(f.sender)
	assert.Len(t, f.sender.sentReplies(), 2)
}

func TestStarterIdleBucketStartsImmediately(t *testing.T) {
	f := newStarterFixture(t)
	s, _ := f.starter(visitBuckets(3))

	s.OnStart(f.sender)

	assert.Equal(t, StateHandedOff, s.State())
	assert.Equal(t, 1, f.stable.Size())
	assert.Len(t, f.sender.sentCommands(), 1)
}

// TestStarterAbortedOnShutdown closes the tracker before the bucket drains.
func TestStarterAbortedOnShutdown(t *testing.T) {
	f := newStarterFixture(t)
	writes := f.inFlight(7, 2)
	s, _ := f.starter(visitBuckets(7))
	s.OnStart(f.sender)
	require.Equal(t, StateDeferred, s.State())

	f.tracker.Close()

	assert.Equal(t, StateClosed, s.State())
	assert.Zero(t, f.stable.Size())
	assert.False(t, f.seq.IsLocked(7))
	assert.Empty(t, f.sender.sentCommands(), "the visitor never started")
	replies := f.sender.sentReplies()
	require.Len(t, replies, 1)
	assert.Equal(t, message.Aborted, replies[0].Result().Code)

	// Late replies change nothing
	f.tracker.Reply(writes[0].MakeReply(message.Result{}))
	f.tracker.Reply(writes[1].MakeReply(message.Result{}))
	assert.Zero(t, f.stable.Size())
	assert.Len(t, f.sender.sentReplies(), 1)
}

func TestStarterClosedWhileDeferred(t *testing.T) {
	f := newStarterFixture(t)
	writes := f.inFlight(7, 1)
	s, _ := f.starter(visitBuckets(7))
	s.OnStart(f.sender)

	s.OnClose(f.sender)
	assert.Equal(t, StateClosed, s.State())
	require.Len(t, f.sender.sentReplies(), 1)
	assert.True(t, f.seq.IsLocked(7), "the deferred task still owns the lock")

	f.tracker.Reply(writes[0].MakeReply(message.Result{}))
	assert.Equal(t, StateClosed, s.State())
	assert.Zero(t, f.stable.Size(), "a closed visitor is never handed off")
	assert.False(t, f.seq.IsLocked(7))
	assert.Len(t, f.sender.sentReplies(), 1)
}

func TestStarterStableOwnerClosing(t *testing.T) {
	f := newStarterFixture(t)
	writes := f.inFlight(7, 1)
	s, _ := f.starter(visitBuckets(7))
	s.OnStart(f.sender)

	f.stable.Close()
	f.tracker.Reply(writes[0].MakeReply(message.Result{}))

	assert.Equal(t, StateClosed, s.State())
	assert.Zero(t, f.stable.Size())
	assert.False(t, f.seq.IsLocked(7))
	replies := f.sender.sentReplies()
	require.Len(t, replies, 1)
	assert.Equal(t, message.Aborted, replies[0].Result().Code)
}

func TestStarterPriority(t *testing.T) {
	f := newStarterFixture(t)
	op := New(visitBuckets(1), Config{DB: f.db})
	s := NewReadForWriteStarter(op, f.seq, f.stable, f.tracker, WithPriority(operation.PriorityHighest))
	assert.Equal(t, operation.PriorityHighest, s.priority)

	def := NewReadForWriteStarter(op, f.seq, f.stable, f.tracker)
	assert.Equal(t, operation.PriorityReadForWrite, def.priority)
	assert.Contains(t, def.String(), "created")
}

func TestStarterStateString(t *testing.T) {
	assert.Equal(t, "deferred", StateDeferred.String())
	assert.Equal(t, "handed_off", StateHandedOff.String())
	assert.Equal(t, "StarterState(42)", StarterState(42).String())
}
