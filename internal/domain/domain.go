// Package domain implements the multi-tenant domain dispatcher: it
// selects an isolated tenant domain for an incoming connection from
// {client-id, username, server-name}, enforces per-domain message
// quotas, and owns each domain's subscription trie, retained store, and
// session store so that no state is ever visible across domains.
package domain

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"mqttd/internal/auth"
	"mqttd/internal/expr"
	"mqttd/internal/retained"
	"mqttd/internal/session"
	"mqttd/internal/topic"
)

// QuotaAction selects what happens when a domain's publish quota is
// exceeded.
type QuotaAction int

const (
	QuotaActionDrop QuotaAction = iota
	QuotaActionDisconnect
)

// Config describes one configured domain.
type Config struct {
	Name         string
	StoragePath  string
	UsersDB      string
	Selector     string
	Active       bool
	MonthlyQuota int64
	DailyQuota   int64
	QuotaAction  QuotaAction
}

// Domain is an administratively isolated tenant within one broker
// instance, with its own auth chain, storage, trie, and retained store.
type Domain struct {
	Name        string
	StoragePath string
	selector    *expr.Expr
	active      atomic.Bool
	quotaAction QuotaAction

	AuthChain *auth.Chain
	Trie      *topic.Trie
	Retained  *retained.Store
	Sessions  *session.Store

	monthlyQuota int64
	dailyQuota   int64

	mu         sync.Mutex
	day        string
	month      string
	dayCount   int64
	monthCount int64

	connCount     atomic.Int64
	connCountAll  atomic.Int64 // monotonic, never decremented; total connections ever accepted
}

// New constructs a Domain and opens its storage-backed subsystems.
func New(ctx context.Context, cfg Config, backends []auth.Backend, backendPaths []string) (*Domain, error) {
	sel, err := expr.Compile(cfg.Selector)
	if err != nil {
		return nil, fmt.Errorf("domain %q: compile selector: %w", cfg.Name, err)
	}

	chain, err := auth.NewChain(ctx, backends, backendPaths)
	if err != nil {
		return nil, fmt.Errorf("domain %q: load auth backends: %w", cfg.Name, err)
	}

	ret, err := retained.New(joinIfSet(cfg.StoragePath, "retained"))
	if err != nil {
		return nil, fmt.Errorf("domain %q: open retained store: %w", cfg.Name, err)
	}

	sess, err := session.NewStore(joinIfSet(cfg.StoragePath, "sessions"))
	if err != nil {
		return nil, fmt.Errorf("domain %q: open session store: %w", cfg.Name, err)
	}

	d := &Domain{
		Name:         cfg.Name,
		StoragePath:  cfg.StoragePath,
		selector:     sel,
		quotaAction:  cfg.QuotaAction,
		AuthChain:    chain,
		Trie:         topic.New(),
		Retained:     ret,
		Sessions:     sess,
		monthlyQuota: cfg.MonthlyQuota,
		dailyQuota:   cfg.DailyQuota,
	}
	d.active.Store(cfg.Active)
	return d, nil
}

func joinIfSet(base, leaf string) string {
	if base == "" {
		return ""
	}
	return base + "/" + leaf
}

// Active reports whether the domain currently accepts new connections.
func (d *Domain) Active() bool { return d.active.Load() }

// SetActive enables or disables the domain without tearing down its
// storage, matching the "active" flag semantics.
func (d *Domain) SetActive(v bool) { d.active.Store(v) }

// Matches reports whether this domain's selector accepts a connection
// presenting any of username, clientID, or serverName.
func (d *Domain) Matches(username, clientID, serverName string) bool {
	if username != "" && d.selector.Match(username) {
		return true
	}
	if clientID != "" && d.selector.Match(clientID) {
		return true
	}
	if serverName != "" && d.selector.Match(serverName) {
		return true
	}
	return false
}

// Authenticate runs the domain's auth backend chain.
// Authenticate checks username/password against the domain's auth chain.
// preSelected distinguishes a connection whose domain was pinned
// administratively (e.g. by listener or virtual host) from one inferred
// by matching username/client-id against the domain's selector; it does
// not change the outcome here, since both paths authenticate against the
// same already-resolved domain, but callers should still pass it
// accurately so a future backend (or the audit log) can tell the two
// apart.
func (d *Domain) Authenticate(ctx context.Context, username, password, clientID string, preSelected bool) (bool, error) {
	if d.AuthChain == nil {
		return true, nil
	}
	return d.AuthChain.Authenticate(ctx, username, password, clientID)
}

// AccountPublish records one accepted publish against the domain's
// day/month counters, rolling them over on calendar boundaries. It
// returns false when the domain is over quota, in which case the caller
// must apply quotaAction (drop the publish, or close the connection).
func (d *Domain) AccountPublish(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	day := now.Format("2006-01-02")
	month := now.Format("2006-01")
	if day != d.day {
		d.day = day
		d.dayCount = 0
	}
	if month != d.month {
		d.month = month
		d.monthCount = 0
	}

	if d.dailyQuota > 0 && d.dayCount >= d.dailyQuota {
		return false
	}
	if d.monthlyQuota > 0 && d.monthCount >= d.monthlyQuota {
		return false
	}

	d.dayCount++
	d.monthCount++
	return true
}

// QuotaBehavior reports the configured behavior for this domain when a
// publish is rejected by AccountPublish.
func (d *Domain) QuotaBehavior() QuotaAction { return d.quotaAction }

// ConnectionOpened/Closed track the live and lifetime connection counts
// surfaced through Stats.
func (d *Domain) ConnectionOpened() {
	d.connCount.Add(1)
	d.connCountAll.Add(1)
}

func (d *Domain) ConnectionClosed() { d.connCount.Add(-1) }

// Stats is a point-in-time snapshot of a domain's accounting. The
// metrics endpoint does not publish it.
type Stats struct {
	Name             string
	Active           bool
	ConnCount        int64
	ConnCountAll     int64
	DayMessageCount  int64
	MonthMessageCount int64
	DailyQuota       int64
	MonthlyQuota     int64
}

func (d *Domain) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		Name:              d.Name,
		Active:            d.Active(),
		ConnCount:         d.connCount.Load(),
		ConnCountAll:      d.connCountAll.Load(),
		DayMessageCount:   d.dayCount,
		MonthMessageCount: d.monthCount,
		DailyQuota:        d.dailyQuota,
		MonthlyQuota:      d.monthlyQuota,
	}
}

// Close releases every storage-backed subsystem owned by the domain.
func (d *Domain) Close(ctx context.Context) {
	if d.AuthChain != nil {
		d.AuthChain.Close(ctx)
	}
	if d.Sessions != nil {
		d.Sessions.Close()
	}
}
