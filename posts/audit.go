/*
audit.go - Ledger vs counter reconciliation

PURPOSE:
  Recounts the reaction ledger of every post and compares the result with
  the counters cached on the post. Differences are reported, never fixed:
  a drift means an earlier write went wrong and needs a human.

CONSISTENCY:
  Each post is re-read and recounted inside one transaction while holding
  the post's keyed mutex, so a toggle committing mid-audit cannot show up
  as drift. Share the engine's Locks when the server runs the audit.

SEE ALSO:
  - ledger.go: CountReactions is the recount
  - cmd/server/audit.go: CLI entry point
*/
package posts

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultAuditConcurrency bounds how many posts are recounted at once.
const DefaultAuditConcurrency = 8

// Drift describes one post whose counters disagree with its ledger.
type Drift struct {
	PostID         PostID `json:"post_id"`
	CachedLikes    int    `json:"cached_likes"`
	LedgerLikes    int    `json:"ledger_likes"`
	CachedDislikes int    `json:"cached_dislikes"`
	LedgerDislikes int    `json:"ledger_dislikes"`
}

// AuditReport is the result of one pass over all posts.
type AuditReport struct {
	Checked   int       `json:"checked"`
	Drift     []Drift   `json:"drift"`
	StartedAt time.Time `json:"started_at"`
	Duration  string    `json:"duration"`
}

// Consistent reports whether no drift was found.
func (r AuditReport) Consistent() bool {
	return len(r.Drift) == 0
}

// Auditor recounts ledgers.
type Auditor struct {
	Store       TxStore
	Locks       *KeyedMutex
	Concurrency int
	Logger      *zap.SugaredLogger
	Now         Clock
}

// NewAuditor creates an auditor with its own lock table. Point Locks at
// Engine.Locks to audit a store the engine is writing to.
func NewAuditor(store TxStore, logger *zap.SugaredLogger) *Auditor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Auditor{
		Store:       store,
		Locks:       NewKeyedMutex(),
		Concurrency: DefaultAuditConcurrency,
		Logger:      logger,
		Now:         systemClock,
	}
}

// Audit checks every post. The first store error aborts the pass.
func (a *Auditor) Audit(ctx context.Context) (AuditReport, error) {
	started := a.Now()

	all, err := a.Store.ListPosts(ctx)
	if err != nil {
		return AuditReport{}, fmt.Errorf("list posts: %w", err)
	}

	limit := a.Concurrency
	if limit <= 0 {
		limit = DefaultAuditConcurrency
	}

	var (
		mu      sync.Mutex
		drift   = make([]Drift, 0)
		checked atomic.Int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, p := range all {
		id := p.ID
		g.Go(func() error {
			d, found, err := a.recount(gctx, id)
			if err != nil {
				return err
			}
			if !found {
				return nil // deleted since the listing
			}
			checked.Add(1)
			if d.CachedLikes == d.LedgerLikes && d.CachedDislikes == d.LedgerDislikes {
				return nil
			}

			a.Logger.Errorw("counter drift detected",
				"post_id", d.PostID,
				"cached_likes", d.CachedLikes,
				"ledger_likes", d.LedgerLikes,
				"cached_dislikes", d.CachedDislikes,
				"ledger_dislikes", d.LedgerDislikes,
			)

			mu.Lock()
			drift = append(drift, d)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return AuditReport{}, err
	}

	sort.Slice(drift, func(i, j int) bool { return drift[i].PostID < drift[j].PostID })

	report := AuditReport{
		Checked:   int(checked.Load()),
		Drift:     drift,
		StartedAt: started,
		Duration:  a.Now().Sub(started).String(),
	}
	a.Logger.Infow("audit finished", "checked", report.Checked, "drift", len(report.Drift))
	return report, nil
}

// recount reads one post and its ledger counts as a single snapshot.
func (a *Auditor) recount(ctx context.Context, id PostID) (Drift, bool, error) {
	if a.Locks != nil {
		unlock := a.Locks.Lock(postLockKey(id))
		defer unlock()
	}

	d := Drift{PostID: id}
	found := false
	err := a.Store.WithTx(ctx, func(tx Store) error {
		post, err := tx.GetPost(ctx, id)
		if err != nil {
			return fmt.Errorf("load post %s: %w", id, err)
		}
		if post == nil {
			return nil
		}
		likes, dislikes, err := NewLedger(tx).Counts(ctx, id)
		if err != nil {
			return err
		}
		found = true
		d.CachedLikes, d.CachedDislikes = post.Likes, post.Dislikes
		d.LedgerLikes, d.LedgerDislikes = likes, dislikes
		return nil
	})
	return d, found, err
}
