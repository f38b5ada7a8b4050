package allocstats

import "fmt"

// Checkpoint names a point in the request lifecycle where counters are read.
type Checkpoint uint8

const (
	Init Checkpoint = iota
	RequestStart
	AfterHeaderMarshal
	AfterSerialize
	OnCallResponse
	RequestEnd

	numCheckpoints
)

var checkpointNames = [...]string{
	Init:               "init",
	RequestStart:       "request_start",
	AfterHeaderMarshal: "after_header_marshal",
	AfterSerialize:     "after_serialize",
	OnCallResponse:     "on_call_response",
	RequestEnd:         "request_end",
}

func (c Checkpoint) String() string {
	if c < numCheckpoints {
		return checkpointNames[c]
	}
	return fmt.Sprintf("checkpoint(%d)", uint8(c))
}

// Snapshot is the counter state at a checkpoint.
type Snapshot struct {
	Checkpoint     Checkpoint `json:"checkpoint"`
	BytesAllocated uint64     `json:"bytes_allocated"`
	Allocations    uint64     `json:"allocation_count"`
	Deallocations  uint64     `json:"deallocation_count"`
}

// Live is the number of allocations not yet freed.
func (s Snapshot) Live() int64 {
	return int64(s.Allocations) - int64(s.Deallocations)
}

// MarshalText renders the checkpoint name in JSON output.
func (c Checkpoint) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}
