package api

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/warp/postboard/posts"
	memstore "github.com/warp/postboard/posts/store"
)

type auditCalls struct {
	mu      sync.Mutex
	drifted []int
}

func (a *auditCalls) AuditCompleted(checked, drifted int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.drifted = append(a.drifted, drifted)
}

func (a *auditCalls) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.drifted)
}

func TestAuditScheduler_RunsImmediatelyAndStops(t *testing.T) {
	// GIVEN: A store with one drifted post
	store := memstore.NewTxMemory()
	ctx := context.Background()
	p, err := posts.NewPost("p1", posts.Identity{ID: "u1"}, "hello", time.Now().UTC())
	require.NoError(t, err)
	p.Dislikes = 2
	require.NoError(t, store.PutPost(ctx, p))

	calls := &auditCalls{}
	s := NewAuditScheduler(posts.NewAuditor(store, nil), time.Hour, nil)
	s.Recorder = calls

	// WHEN: Started
	s.Start(ctx)
	require.Eventually(t, func() bool { return calls.count() == 1 }, time.Second, 5*time.Millisecond)
	s.Stop()

	// THEN: The first pass ran right away and its report is kept
	report, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, 1, report.Checked)
	require.Len(t, report.Drift, 1)
	assert.Equal(t, 2, report.Drift[0].CachedDislikes)
	assert.Equal(t, []int{1}, calls.drifted)
	assert.True(t, s.NextRunTime().After(time.Now()))

	// Stop twice is harmless.
	s.Stop()
}

func TestAuditScheduler_Disabled(t *testing.T) {
	s := NewAuditScheduler(posts.NewAuditor(memstore.NewTxMemory(), nil), 0, nil)
	s.Start(context.Background())
	s.Stop()

	_, ok := s.Last()
	assert.False(t, ok)
}

func TestAPI_LastAudit(t *testing.T) {
	ctrl := gomock.NewController(t)
	resolver := NewMockResolver(ctrl)
	resolver.EXPECT().Resolve(gomock.Any(), gomock.Any()).
		Return(posts.Identity{ID: "a1", Role: posts.RoleAdmin}, nil).AnyTimes()

	ts := newTestServer(t, resolver, RouterOptions{})

	// Without a scheduler
	rec := ts.do(t, http.MethodGet, "/api/admin/audit/last", "x", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Before the first pass
	ts.handler.Scheduler = NewAuditScheduler(ts.handler.Auditor, time.Hour, nil)
	rec = ts.do(t, http.MethodGet, "/api/admin/audit/last", "x", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// After one
	_, err := ts.handler.Scheduler.RunNow(context.Background())
	require.NoError(t, err)
	rec = ts.do(t, http.MethodGet, "/api/admin/audit/last", "x", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Next-Audit"))
	assert.True(t, decode[posts.AuditReport](t, rec).Consistent())
}
