// Package message defines the opaque request/reply shapes the distributor
// core exchanges with clients and storage nodes.
//
// The coordination core only relies on the Command and Reply interfaces: a
// message identifier, the bucket it targets, and for commands the ability to
// produce a failure reply locally. Concrete message types live alongside so
// the visitor operation and the storage nodes can speak to each other.
package message

import (
	"fmt"
	"sync/atomic"

	"github.com/dreamware/distributor/internal/bucket"
)

// ID identifies a request and its matching reply.
type ID uint64

var lastID atomic.Uint64

// NextID allocates a process-unique message identifier. Never returns 0.
func NextID() ID {
	return ID(lastID.Add(1))
}

// ReturnCode classifies the outcome carried by a reply.
type ReturnCode int

const (
	// OK means the request succeeded.
	OK ReturnCode = iota
	// IllegalParameters means the request was malformed or unsupported.
	IllegalParameters
	// Busy means the target bucket is already exclusively held.
	Busy
	// Aborted means the request was abandoned locally, typically on
	// shutdown or when a message was erased after a timeout.
	Aborted
	// BucketNotFound means the storage node does not hold the bucket.
	BucketNotFound
	// InternalFailure covers everything else.
	InternalFailure
)

var returnCodeNames = map[ReturnCode]string{
	OK:                "OK",
	IllegalParameters: "ILLEGAL_PARAMETERS",
	Busy:              "BUSY",
	Aborted:           "ABORTED",
	BucketNotFound:    "BUCKET_NOT_FOUND",
	InternalFailure:   "INTERNAL_FAILURE",
}

func (c ReturnCode) String() string {
	if name, ok := returnCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ReturnCode(%d)", int(c))
}

// MarshalText encodes known codes by name so replies read well as JSON.
func (c ReturnCode) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (c *ReturnCode) UnmarshalText(text []byte) error {
	for code, name := range returnCodeNames {
		if name == string(text) {
			*c = code
			return nil
		}
	}
	return fmt.Errorf("unknown return code %q", text)
}

// Result is the outcome of a request.
type Result struct {
	Code    ReturnCode `json:"code"`
	Message string     `json:"message,omitempty"`
}

// Success reports whether the result carries OK.
func (r Result) Success() bool {
	return r.Code == OK
}

func (r Result) String() string {
	if r.Message == "" {
		return r.Code.String()
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

// Command is a request sent to a storage node.
type Command interface {
	MsgID() ID
	Bucket() bucket.ID
	// MakeReply builds a reply to this command carrying result. Used to
	// synthesize failures locally when no network reply will arrive.
	MakeReply(result Result) Reply
	String() string
}

// Reply answers a previously sent Command, or a client request.
type Reply interface {
	MsgID() ID
	Bucket() bucket.ID
	Result() Result
	String() string
}
