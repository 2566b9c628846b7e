package message

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/distributor/internal/bucket"
)

func TestNextID(t *testing.T) {
	t.Run("never zero and increasing", func(t *testing.T) {
		a := NextID()
		b := NextID()
		assert.NotZero(t, a)
		assert.Greater(t, uint64(b), uint64(a))
	})

	t.Run("unique under concurrency", func(t *testing.T) {
		const workers = 8
		const perWorker = 500

		var mu sync.Mutex
		seen := make(map[ID]bool)
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				local := make([]ID, 0, perWorker)
				for i := 0; i < perWorker; i++ {
					local = append(local, NextID())
				}
				mu.Lock()
				for _, id := range local {
					seen[id] = true
				}
				mu.Unlock()
			}()
		}
		wg.Wait()
		assert.Len(t, seen, workers*perWorker)
	})
}

func TestReturnCodeString(t *testing.T) {
	tests := []struct {
		code ReturnCode
		want string
	}{
		{OK, "OK"},
		{Busy, "BUSY"},
		{Aborted, "ABORTED"},
		{ReturnCode(42), "ReturnCode(42)"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.code.String())
		})
	}
}

func TestReturnCodeJSON(t *testing.T) {
	data, err := json.Marshal(Result{Code: Busy, Message: "locked"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"code":"BUSY","message":"locked"}`, string(data))

	var res Result
	require.NoError(t, json.Unmarshal(data, &res))
	assert.Equal(t, Busy, res.Code)

	assert.Error(t, json.Unmarshal([]byte(`{"code":"NOPE"}`), &res))
}

func TestMakeReply(t *testing.T) {
	t.Run("visit bucket reply keeps identity", func(t *testing.T) {
		cmd := NewVisitBucketCommand(bucket.ID(7), 2, "inst")
		reply := cmd.MakeReply(Result{Code: Aborted, Message: "erased"})

		require.IsType(t, &VisitBucketReply{}, reply)
		assert.Equal(t, cmd.MsgID(), reply.MsgID())
		assert.Equal(t, bucket.ID(7), reply.Bucket())
		assert.Equal(t, Aborted, reply.Result().Code)
		assert.False(t, reply.Result().Success())
		assert.Equal(t, 2, reply.(*VisitBucketReply).Node)
	})

	t.Run("create visitor reply keeps instance", func(t *testing.T) {
		cmd := NewCreateVisitorCommand("dump", 3, 4)
		cmd.Instance = "abc"
		reply := cmd.MakeReply(Result{Code: Busy})

		assert.Equal(t, cmd.ID, reply.MsgID())
		assert.Equal(t, "abc", reply.(*CreateVisitorReply).Instance)
		assert.Equal(t, bucket.ID(3), cmd.Bucket())
		assert.Equal(t, "BUSY", reply.Result().String())
	})
}
