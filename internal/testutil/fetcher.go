package testutil

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/roach88/fieldsync/internal/servicetitan"
)

// FetchCall records one call to a ScriptedFetcher.
type FetchCall struct {
	Entity        string
	ModifiedSince *time.Time
	PageToken     string
}

// ScriptedFetcher serves a fixed list of pages. Pages[i] is the record count
// of page i; tokens are page indexes. The first FailTimes calls return Err.
//
// Thread-safety: safe for concurrent use.
type ScriptedFetcher struct {
	EntityName string
	Pages      []int
	FailTimes  int
	Err        error

	// Hook, when set, runs at the start of every call after it is recorded.
	Hook func(ctx context.Context, call FetchCall)

	mu    sync.Mutex
	calls []FetchCall
}

func (f *ScriptedFetcher) Entity() string { return f.EntityName }

// Fetch implements servicetitan.Fetcher.
func (f *ScriptedFetcher) Fetch(ctx context.Context, modifiedSince *time.Time, pageToken string) (servicetitan.FetchResult, error) {
	call := FetchCall{Entity: f.EntityName, ModifiedSince: modifiedSince, PageToken: pageToken}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	fail := f.FailTimes > 0
	if fail {
		f.FailTimes--
	}
	f.mu.Unlock()

	if f.Hook != nil {
		f.Hook(ctx, call)
	}
	if fail {
		err := f.Err
		if err == nil {
			err = fmt.Errorf("scripted failure")
		}
		return servicetitan.FetchResult{}, err
	}

	idx := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil {
			return servicetitan.FetchResult{}, fmt.Errorf("bad page token %q", pageToken)
		}
		idx = n
	}
	if idx >= len(f.Pages) {
		return servicetitan.FetchResult{}, nil
	}
	res := servicetitan.FetchResult{RecordsFetched: f.Pages[idx]}
	if idx < len(f.Pages)-1 {
		res.HasMore = true
		res.ContinuationToken = strconv.Itoa(idx + 1)
	}
	return res, nil
}

// Calls returns a copy of the recorded calls.
func (f *ScriptedFetcher) Calls() []FetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FetchCall(nil), f.calls...)
}

// ScriptedSource serves ScriptedFetchers in a fixed entity order,
// ignoring the tenant.
type ScriptedSource struct {
	Order    []string
	Fetchers map[string]*ScriptedFetcher
}

// NewScriptedSource builds a source from fetchers, keeping their order.
func NewScriptedSource(fetchers ...*ScriptedFetcher) *ScriptedSource {
	s := &ScriptedSource{Fetchers: make(map[string]*ScriptedFetcher, len(fetchers))}
	for _, f := range fetchers {
		s.Order = append(s.Order, f.EntityName)
		s.Fetchers[f.EntityName] = f
	}
	return s
}

func (s *ScriptedSource) Entities() []string { return append([]string(nil), s.Order...) }

func (s *ScriptedSource) Fetcher(_ string, entity string) (servicetitan.Fetcher, error) {
	f, ok := s.Fetchers[entity]
	if !ok {
		return nil, fmt.Errorf("unknown entity %q", entity)
	}
	return f, nil
}
