// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package syncer runs reconciliation passes: refresh the wallet's view of the
// chain, then advance the claims that depend on it.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"decred.org/sealwallet/client/claims"
	"decred.org/sealwallet/client/db"
	"decred.org/sealwallet/client/utxo"
	"decred.org/sealwallet/seal"
	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultPassInterval    = 2 * time.Second
	DefaultMaxPassInterval = time.Minute
)

// Refresher updates the observed outputs.
type Refresher interface {
	Refresh(ctx context.Context) (*utxo.RefreshResult, error)
}

// Advancer advances active claims.
type Advancer interface {
	AdvanceAll(ctx context.Context) (*claims.Report, error)
}

// ClaimSource lists the claims still being reconciled.
type ClaimSource interface {
	ActiveClaims() ([]*db.ClaimRecord, error)
}

// Config is the configuration for the Orchestrator.
type Config struct {
	View   Refresher
	Claims Advancer
	DB     ClaimSource
	// Registry receives the sync metrics. A private registry is used if nil.
	Registry *prometheus.Registry
	// MetricsFile, if set, is rewritten in the node_exporter textfile format
	// after every pass.
	MetricsFile string
	// PassInterval is the initial wait between passes of RunUntilSettled,
	// doubling up to MaxPassInterval.
	PassInterval    time.Duration
	MaxPassInterval time.Duration
	Logger          seal.Logger
}

// SyncReport summarizes one or more passes.
type SyncReport struct {
	Passes int
	// NewTxCount is the number of distinct transactions among newly seen
	// outputs.
	NewTxCount     int
	ClaimsAdvanced int
	ClaimsFailed   int
	ClaimsClaimed  int
	// ActiveClaims is the number of claims still Pending or Matched.
	ActiveClaims int
	Height       int64
}

func (r *SyncReport) add(p *SyncReport) {
	r.Passes += p.Passes
	r.NewTxCount += p.NewTxCount
	r.ClaimsAdvanced += p.ClaimsAdvanced
	r.ClaimsFailed += p.ClaimsFailed
	r.ClaimsClaimed += p.ClaimsClaimed
	r.ActiveClaims = p.ActiveClaims
	r.Height = p.Height
}

// Orchestrator runs sync passes one at a time.
type Orchestrator struct {
	mtx          sync.Mutex
	view         Refresher
	claims       Advancer
	db           ClaimSource
	registry     *prometheus.Registry
	metricsFile  string
	passInterval time.Duration
	maxInterval  time.Duration
	metrics      *metrics
	log          seal.Logger
}

// New is the constructor for an Orchestrator.
func New(cfg *Config) (*Orchestrator, error) {
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m, err := newMetrics(reg)
	if err != nil {
		return nil, fmt.Errorf("error registering metrics: %w", err)
	}
	o := &Orchestrator{
		view:         cfg.View,
		claims:       cfg.Claims,
		db:           cfg.DB,
		registry:     reg,
		metricsFile:  cfg.MetricsFile,
		passInterval: cfg.PassInterval,
		maxInterval:  cfg.MaxPassInterval,
		metrics:      m,
		log:          cfg.Logger,
	}
	if o.passInterval <= 0 {
		o.passInterval = DefaultPassInterval
	}
	if o.maxInterval < o.passInterval {
		o.maxInterval = DefaultMaxPassInterval
		if o.maxInterval < o.passInterval {
			o.maxInterval = o.passInterval
		}
	}
	return o, nil
}

// RunOnce refreshes the view and advances claims. If the refresh fails, no
// claims are advanced and an error of kind seal.ErrNetworkUnavailable is
// returned, unless the context was canceled.
func (o *Orchestrator) RunOnce(ctx context.Context) (*SyncReport, error) {
	o.mtx.Lock()
	defer o.mtx.Unlock()

	start := time.Now()
	o.metrics.passes.Inc()
	defer func() { o.metrics.duration.Observe(time.Since(start).Seconds()) }()

	rep, err := o.runOnce(ctx)
	if err != nil {
		o.metrics.passErrors.Inc()
		return nil, err
	}
	o.metrics.record(rep)
	o.writeMetrics()
	o.log.Debugf("Sync pass: height %d, %d new txs, %d claims advanced, %d claimed, %d failed, %d active (%s)",
		rep.Height, rep.NewTxCount, rep.ClaimsAdvanced, rep.ClaimsClaimed, rep.ClaimsFailed, rep.ActiveClaims,
		time.Since(start).Round(time.Millisecond))
	return rep, nil
}

func (o *Orchestrator) runOnce(ctx context.Context) (*SyncReport, error) {
	res, err := o.view.Refresh(ctx)
	if err != nil {
		if !errors.Is(err, seal.ErrNetworkUnavailable) && !errors.Is(err, context.Canceled) {
			err = seal.NewError(seal.ErrNetworkUnavailable, err.Error())
		}
		return nil, fmt.Errorf("refresh failed: %w", err)
	}
	rep := &SyncReport{Passes: 1, Height: res.Tip}
	txs := make(map[string]bool, len(res.New))
	for _, u := range res.New {
		txs[u.Outpoint.Hash.String()] = true
	}
	rep.NewTxCount = len(txs)

	crep, err := o.claims.AdvanceAll(ctx)
	if crep != nil {
		rep.ClaimsAdvanced = crep.Advanced
		rep.ClaimsFailed = crep.Failed
		rep.ClaimsClaimed = crep.Claimed
	}
	if err != nil {
		return nil, fmt.Errorf("error advancing claims: %w", err)
	}
	active, err := o.db.ActiveClaims()
	if err != nil {
		return nil, fmt.Errorf("error counting active claims: %w", err)
	}
	rep.ActiveClaims = len(active)
	return rep, nil
}

func (o *Orchestrator) writeMetrics() {
	if o.metricsFile == "" {
		return
	}
	if err := prometheus.WriteToTextfile(o.metricsFile, o.registry); err != nil {
		o.log.Warnf("Error writing metrics to %s: %v", o.metricsFile, err)
	}
}

var errUnsettled = errors.New("claims still active")

// RunUntilSettled runs passes until no claims are Pending or Matched, waiting
// between passes with exponential backoff, for at most maxPasses passes. A
// retryable error does not stop the loop until the passes are exhausted, in
// which case it is returned. Running out of passes with claims still active
// is not an error; check the report's ActiveClaims.
func (o *Orchestrator) RunUntilSettled(ctx context.Context, maxPasses int) (*SyncReport, error) {
	if maxPasses < 1 {
		maxPasses = 1
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.passInterval
	bo.MaxInterval = o.maxInterval
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	total := new(SyncReport)
	pass := func() error {
		rep, err := o.RunOnce(ctx)
		if err != nil {
			if seal.IsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		total.add(rep)
		if rep.ActiveClaims > 0 {
			return errUnsettled
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		o.log.Infof("Sync not settled (%v), next pass in %s", err, wait)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(maxPasses-1)), ctx)
	if err := backoff.RetryNotify(pass, policy, notify); err != nil && !errors.Is(err, errUnsettled) {
		return total, err
	}
	return total, nil
}
