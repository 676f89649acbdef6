package metrics_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/postboard/metrics"
	"github.com/warp/postboard/posts"
)

func TestResult(t *testing.T) {
	cases := map[string]error{
		"ok":                      nil,
		"invalid":                 &posts.ValidationError{Field: "content", Message: "must not be empty"},
		"unauthenticated":         fmt.Errorf("x: %w", posts.ErrUnauthenticated),
		"forbidden":               posts.ErrForbidden,
		"not_found":               &posts.OrphanedPostError{PostID: "p", CreatorID: "u"},
		"conflict":                posts.ErrConflict,
		"invariant_violation":     &posts.InvariantViolationError{PostID: "p", Counter: "likes", Value: -1},
		"concurrent_modification": posts.ErrConcurrentModification,
		"error":                   errors.New("disk on fire"),
	}
	for want, err := range cases {
		assert.Equal(t, want, metrics.Result(err))
	}
}

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.ReactionApplied(posts.OutcomeApplied)
	m.ReactionApplied(posts.OutcomeApplied)
	m.ReactionApplied(posts.OutcomeSwitched)
	m.InvariantViolation()
	m.Operation("delete", posts.ErrForbidden)
	m.ObserveReact(3 * time.Millisecond)
	m.HTTPRequest("GET", "", 404, time.Millisecond)

	count, err := testutil.GatherAndCount(reg, "postboard_reactions_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "one series per outcome")

	expected := `
# HELP postboard_reactions_total Applied reaction toggles by outcome.
# TYPE postboard_reactions_total counter
postboard_reactions_total{outcome="applied"} 2
postboard_reactions_total{outcome="switched"} 1
# HELP postboard_invariant_violations_total Reaction toggles rejected because ledger and counters disagreed.
# TYPE postboard_invariant_violations_total counter
postboard_invariant_violations_total 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"postboard_reactions_total", "postboard_invariant_violations_total"))

	count, err = testutil.GatherAndCount(reg, "postboard_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Registering twice on one registry must fail loudly.
	assert.Panics(t, func() { metrics.New(reg) })
}
