// Package testutil provides hand-rolled collaborator mocks for orchestrator
// and pipeline tests.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lotfb86/NewLetterAgent/internal/core"
)

// MockCall records a call to a mock.
type MockCall struct {
	Method    string
	Args      interface{}
	Timestamp time.Time
}

type callRecorder struct {
	mu    sync.Mutex
	calls []MockCall
}

func (r *callRecorder) record(method string, args interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, MockCall{Method: method, Args: args, Timestamp: time.Now()})
}

// Calls returns all recorded calls.
func (r *callRecorder) Calls() []MockCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]MockCall, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallCount returns the number of calls to the given method.
func (r *callRecorder) CallCount(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// MockCollector implements core.Collector.
type MockCollector struct {
	callRecorder
	CollectFunc func(context.Context, time.Time, time.Time, []core.PublishedItem) (*core.Bundle, error)
}

func (m *MockCollector) Collect(ctx context.Context, from, to time.Time, published []core.PublishedItem) (*core.Bundle, error) {
	m.record("Collect", []time.Time{from, to})
	if m.CollectFunc != nil {
		return m.CollectFunc(ctx, from, to, published)
	}
	return &core.Bundle{
		Ref: "bundle-test",
		Items: []core.BundleItem{
			{Title: "Test story", URL: "https://example.com/story", Body: "body"},
		},
		WindowEnd: to,
	}, nil
}

// MockComposer implements core.Composer.
type MockComposer struct {
	callRecorder
	ComposeFunc func(context.Context, *core.Bundle) (*core.Draft, error)
	ReviseFunc  func(context.Context, *core.Draft, string) (*core.Draft, error)
}

func (m *MockComposer) Compose(ctx context.Context, bundle *core.Bundle) (*core.Draft, error) {
	m.record("Compose", bundle)
	if m.ComposeFunc != nil {
		return m.ComposeFunc(ctx, bundle)
	}
	return &core.Draft{
		Subject:  "Test issue",
		Content:  "# Test issue\n\n- [Test story](https://example.com/story)",
		Rendered: "<h1>Test issue</h1>",
	}, nil
}

func (m *MockComposer) Revise(ctx context.Context, prior *core.Draft, feedback string) (*core.Draft, error) {
	m.record("Revise", feedback)
	if m.ReviseFunc != nil {
		return m.ReviseFunc(ctx, prior, feedback)
	}
	return &core.Draft{
		Subject:  prior.Subject,
		Content:  prior.Content + "\n\nRevised per: " + feedback,
		Rendered: prior.Rendered,
	}, nil
}

// MockNotifier implements core.Notifier.
type MockNotifier struct {
	callRecorder
	PostDraftFunc  func(context.Context, *core.Draft, int) (core.MessageRef, error)
	PostStatusFunc func(context.Context, core.RunID, core.Stage, string) error
}

func (m *MockNotifier) PostDraft(ctx context.Context, d *core.Draft, version int) (core.MessageRef, error) {
	m.record("PostDraft", version)
	if m.PostDraftFunc != nil {
		return m.PostDraftFunc(ctx, d, version)
	}
	return core.MessageRef(fmt.Sprintf("msg-v%d", version)), nil
}

func (m *MockNotifier) PostStatus(ctx context.Context, runID core.RunID, stage core.Stage, detail string) error {
	m.record("PostStatus", string(stage))
	if m.PostStatusFunc != nil {
		return m.PostStatusFunc(ctx, runID, stage, detail)
	}
	return nil
}

// MockPublisher implements core.Publisher with per-run idempotency, the same
// contract the real broadcast service honors.
type MockPublisher struct {
	callRecorder
	PublishFunc func(context.Context, core.RunID, string, string) (core.BroadcastID, error)
	SendFunc    func(context.Context, core.RunID, core.BroadcastID) error

	mu        sync.Mutex
	published map[core.RunID]core.BroadcastID
	sent      map[core.RunID]bool
}

func (m *MockPublisher) Publish(ctx context.Context, runID core.RunID, rendered, subject string) (core.BroadcastID, error) {
	m.record("Publish", runID)
	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, runID, rendered, subject)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.published == nil {
		m.published = make(map[core.RunID]core.BroadcastID)
	}
	if id, ok := m.published[runID]; ok {
		return id, nil
	}
	id := core.BroadcastID("bc-" + string(runID))
	m.published[runID] = id
	return id, nil
}

func (m *MockPublisher) Send(ctx context.Context, runID core.RunID, id core.BroadcastID) error {
	m.record("Send", id)
	if m.SendFunc != nil {
		return m.SendFunc(ctx, runID, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sent == nil {
		m.sent = make(map[core.RunID]bool)
	}
	m.sent[runID] = true
	return nil
}

// Sent reports whether the run's broadcast was sent.
func (m *MockPublisher) Sent(runID core.RunID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent[runID]
}

// MockRecord implements core.PermanentRecord with the double-append guard.
type MockRecord struct {
	callRecorder
	AppendFunc func(context.Context, core.RunID, string, []core.PublishedItem) error

	mu      sync.Mutex
	applied map[core.RunID]bool
	items   []core.PublishedItem
}

func (m *MockRecord) Append(ctx context.Context, runID core.RunID, issueDate string, items []core.PublishedItem) error {
	m.record("Append", runID)
	if m.AppendFunc != nil {
		return m.AppendFunc(ctx, runID, issueDate, items)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applied == nil {
		m.applied = make(map[core.RunID]bool)
	}
	if m.applied[runID] {
		return nil
	}
	m.applied[runID] = true
	m.items = append(m.items, items...)
	return nil
}

func (m *MockRecord) List(context.Context) ([]core.PublishedItem, error) {
	m.record("List", nil)
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.PublishedItem, len(m.items))
	copy(out, m.items)
	return out, nil
}

// Items returns everything appended so far.
func (m *MockRecord) Items() []core.PublishedItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.PublishedItem, len(m.items))
	copy(out, m.items)
	return out
}

// MockBackups implements core.BackupManager.
type MockBackups struct {
	callRecorder
	SnapshotFunc func(context.Context, string) (string, error)
}

func (m *MockBackups) Snapshot(ctx context.Context, issueDate string) (string, error) {
	m.record("Snapshot", issueDate)
	if m.SnapshotFunc != nil {
		return m.SnapshotFunc(ctx, issueDate)
	}
	return "snapshot_" + issueDate, nil
}

var (
	_ core.Collector       = (*MockCollector)(nil)
	_ core.Composer        = (*MockComposer)(nil)
	_ core.Notifier        = (*MockNotifier)(nil)
	_ core.Publisher       = (*MockPublisher)(nil)
	_ core.PermanentRecord = (*MockRecord)(nil)
	_ core.BackupManager   = (*MockBackups)(nil)
)
