package stats

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// fakeSource serves records from a fixed table. Responses can be scripted
// per call with the pending slice: each entry is consumed by one call and
// answers 202 with that Retry-After.
type fakeSource struct {
	mu      sync.Mutex
	data    map[string]map[Day]Record
	pending []time.Duration
	err     error
	calls   []Gap
	block   chan struct{}
	started chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{data: make(map[string]map[Day]Record)}
}

func (s *fakeSource) put(metric string, day Day, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[metric] == nil {
		s.data[metric] = make(map[Day]Record)
	}
	rec := Record{"date": day.String()}
	for k, v := range fields {
		rec[k] = v
	}
	s.data[metric][day] = rec
}

func (s *fakeSource) FetchDays(ctx context.Context, metric string, start, end Day) (*FetchResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, Gap{Start: start, End: end})
	block, started := s.block, s.started
	s.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}
	if len(s.pending) > 0 {
		wait := s.pending[0]
		s.pending = s.pending[1:]
		return &FetchResult{Status: FetchPending, RetryAfter: wait}, nil
	}

	var recs []Record
	for d := start; d <= end; d = d.AddDays(1) {
		if rec, ok := s.data[metric][d]; ok {
			recs = append(recs, rec)
		}
	}
	return &FetchResult{Status: FetchComplete, Records: recs}, nil
}

func (s *fakeSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// memPersister keeps the JSON snapshot in memory.
type memPersister struct {
	mu    sync.Mutex
	data  []byte
	saves int
}

func (p *memPersister) Load(ctx context.Context, dst any) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.data == nil {
		return false, nil
	}
	return true, json.Unmarshal(p.data, dst)
}

func (p *memPersister) Save(ctx context.Context, src any) error {
	b, err := json.Marshal(src)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data = b
	p.saves++
	return nil
}

func (p *memPersister) saveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saves
}

func mustDay(s string) Day {
	d, err := ParseDay(s)
	if err != nil {
		panic(err)
	}
	return d
}

func fixedClock(day string) func() time.Time {
	t := mustDay(day).Time().Add(15 * time.Hour)
	return func() time.Time { return t }
}

func instantAfter(waits *[]time.Duration, mu *sync.Mutex) func(time.Duration) <-chan time.Time {
	return func(d time.Duration) <-chan time.Time {
		mu.Lock()
		*waits = append(*waits, d)
		mu.Unlock()
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}
}
