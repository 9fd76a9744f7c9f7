package recon

import (
	"encoding/json"
	"time"
)

// Phase is the engine's current position in a cycle, exposed for status and
// tests rather than inferred from call-stack position.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseCollecting    Phase = "collecting"
	PhaseDeduplicating Phase = "deduplicating"
	PhaseProcessing    Phase = "processing"
	PhaseSales         Phase = "sales-collection"
)

// CycleResult is what a manual trigger returns and what getStatus reports as
// the last outcome.
type CycleResult struct {
	RunId      string     `json:"runId"`
	Detected   int        `json:"detected"`
	Processed  int        `json:"processed"`
	Errors     int        `json:"errors"`
	Skipped    int        `json:"skipped"`
	SalesAdded int        `json:"salesAdded"`
	Message    string     `json:"message,omitempty"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

type StatusResponse struct {
	Active       bool         `json:"active"`
	Running      bool         `json:"running"`
	Phase        Phase        `json:"phase"`
	LastSyncTime *string      `json:"lastSyncTime"`
	LastResult   *CycleResult `json:"lastResult"`
}

type StartSchedulerRequest struct {
	IntervalMinutes int `json:"intervalMinutes" binding:"required,gt=0"`
}

// RetrySet is the set of order-line ids that failed in the previous cycle and
// must be retried. Ordered and unique; serialized as a single JSON array at
// the persistence boundary.
type RetrySet struct {
	ids   []string
	index map[string]struct{}
}

func NewRetrySet(ids ...string) *RetrySet {
	s := &RetrySet{index: map[string]struct{}{}}
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

func (s *RetrySet) Add(id string) {
	if id == "" {
		return
	}
	if _, ok := s.index[id]; ok {
		return
	}
	s.index[id] = struct{}{}
	s.ids = append(s.ids, id)
}

func (s *RetrySet) Remove(id string) {
	if _, ok := s.index[id]; !ok {
		return
	}
	delete(s.index, id)
	for i, v := range s.ids {
		if v == id {
			s.ids = append(s.ids[:i], s.ids[i+1:]...)
			break
		}
	}
}

func (s *RetrySet) Contains(id string) bool {
	_, ok := s.index[id]
	return ok
}

func (s *RetrySet) Len() int { return len(s.ids) }

// IDs returns a copy in insertion order.
func (s *RetrySet) IDs() []string {
	out := make([]string, len(s.ids))
	copy(out, s.ids)
	return out
}

func DecodeRetrySet(raw string) *RetrySet {
	if raw == "" {
		return NewRetrySet()
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return NewRetrySet()
	}
	return NewRetrySet(ids...)
}

func EncodeRetrySet(s *RetrySet) string {
	if s == nil || s.Len() == 0 {
		return "[]"
	}
	b, _ := json.Marshal(s.ids)
	return string(b)
}
