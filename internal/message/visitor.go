package message

import (
	"fmt"

	"github.com/dreamware/distributor/internal/bucket"
)

// Document is a single stored document returned by a visitor.
type Document struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// CreateVisitorCommand is the client request that starts a visitor. Exactly
// one of Buckets or Group selects what to visit.
type CreateVisitorCommand struct {
	ID                ID          `json:"id"`
	Instance          string      `json:"instance,omitempty"`
	Library           string      `json:"library"`
	Buckets           []bucket.ID `json:"buckets,omitempty"`
	Group             string      `json:"group,omitempty"`
	MaxPendingBuckets int         `json:"max_pending_buckets,omitempty"`
}

// NewCreateVisitorCommand returns a command with a freshly allocated ID.
func NewCreateVisitorCommand(library string, buckets ...bucket.ID) *CreateVisitorCommand {
	return &CreateVisitorCommand{
		ID:      NextID(),
		Library: library,
		Buckets: buckets,
	}
}

func (c *CreateVisitorCommand) MsgID() ID { return c.ID }

// Bucket returns the first selected bucket, or 0 when selecting by group.
func (c *CreateVisitorCommand) Bucket() bucket.ID {
	if len(c.Buckets) == 0 {
		return 0
	}
	return c.Buckets[0]
}

func (c *CreateVisitorCommand) MakeReply(result Result) Reply {
	return &CreateVisitorReply{ID: c.ID, Instance: c.Instance, Res: result}
}

func (c *CreateVisitorCommand) String() string {
	return fmt.Sprintf("CreateVisitorCommand(%d, instance=%s, library=%s, buckets=%d, group=%q)",
		c.ID, c.Instance, c.Library, len(c.Buckets), c.Group)
}

// CreateVisitorReply is the single terminal reply to a CreateVisitorCommand.
type CreateVisitorReply struct {
	ID             ID         `json:"id"`
	Instance       string     `json:"instance,omitempty"`
	Res            Result     `json:"result"`
	VisitedBuckets int        `json:"visited_buckets"`
	Documents      []Document `json:"documents,omitempty"`
}

func (r *CreateVisitorReply) MsgID() ID         { return r.ID }
func (r *CreateVisitorReply) Bucket() bucket.ID { return 0 }
func (r *CreateVisitorReply) Result() Result    { return r.Res }

func (r *CreateVisitorReply) String() string {
	return fmt.Sprintf("CreateVisitorReply(%d, %s, visited=%d, docs=%d)",
		r.ID, r.Res, r.VisitedBuckets, len(r.Documents))
}

// VisitBucketCommand asks a storage node to stream one bucket's documents.
type VisitBucketCommand struct {
	ID       ID
	Target   bucket.ID
	Node     int
	Instance string
}

// NewVisitBucketCommand returns a command with a freshly allocated ID.
func NewVisitBucketCommand(b bucket.ID, node int, instance string) *VisitBucketCommand {
	return &VisitBucketCommand{ID: NextID(), Target: b, Node: node, Instance: instance}
}

func (c *VisitBucketCommand) MsgID() ID         { return c.ID }
func (c *VisitBucketCommand) Bucket() bucket.ID { return c.Target }

func (c *VisitBucketCommand) MakeReply(result Result) Reply {
	return &VisitBucketReply{ID: c.ID, Target: c.Target, Node: c.Node, Res: result}
}

func (c *VisitBucketCommand) String() string {
	return fmt.Sprintf("VisitBucketCommand(%d, %s, node=%d)", c.ID, c.Target, c.Node)
}

// VisitBucketReply carries the documents of one bucket.
type VisitBucketReply struct {
	ID        ID
	Target    bucket.ID
	Node      int
	Res       Result
	Documents []Document
}

func (r *VisitBucketReply) MsgID() ID         { return r.ID }
func (r *VisitBucketReply) Bucket() bucket.ID { return r.Target }
func (r *VisitBucketReply) Result() Result    { return r.Res }

func (r *VisitBucketReply) String() string {
	return fmt.Sprintf("VisitBucketReply(%d, %s, node=%d, %s, docs=%d)",
		r.ID, r.Target, r.Node, r.Res, len(r.Documents))
}
