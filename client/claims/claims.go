// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package claims drives accepted transfers from their witness placeholder to
// the confirmed output that pays the invoice. A claim moves Pending ->
// Matched -> Claimed, or to Failed, and every transition is persisted before
// the next one is attempted.
package claims

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"decred.org/sealwallet/client/db"
	"decred.org/sealwallet/client/ledger"
	"decred.org/sealwallet/client/utxo"
	"decred.org/sealwallet/seal"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultLedgerTimeout   = 30 * time.Second
	DefaultInitialInterval = time.Second
	DefaultMaxInterval     = 30 * time.Second
	backoffMultiplier      = 2
)

// UtxoFinder searches the observed outputs.
type UtxoFinder interface {
	Find(func(*utxo.Utxo) bool) *utxo.Utxo
}

// Signer provides the private key for an owned public key.
type Signer interface {
	PrivKeyForPubKey(pub []byte) (*btcec.PrivateKey, error)
}

// Config is the configuration for the Reconciler.
type Config struct {
	DB     db.DB
	Utxos  UtxoFinder
	Ledger ledger.Client
	Keys   Signer
	// LedgerTimeout bounds each ledger request.
	LedgerTimeout time.Duration
	// MaxAttempts fails a claim after this many unsuccessful attempts. 0 is
	// unlimited.
	MaxAttempts uint32
	// InitialInterval and MaxInterval bound the delay between retries of
	// a claim after retryable ledger errors.
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Logger          seal.Logger
}

// Report summarizes an AdvanceAll pass.
type Report struct {
	// Advanced is the number of claims that moved to Matched or Claimed.
	Advanced int
	Failed   int
	Claimed  int
	// Deferred is the number of claims skipped because their retry delay has
	// not elapsed.
	Deferred int
}

func (r *Report) add(before, after db.ClaimStatus) {
	if before == after {
		return
	}
	switch after {
	case db.ClaimMatched:
		r.Advanced++
	case db.ClaimClaimed:
		r.Advanced++
		r.Claimed++
	case db.ClaimFailed:
		r.Failed++
	}
}

// Reconciler advances claims.
type Reconciler struct {
	db            db.DB
	utxos         UtxoFinder
	ledger        ledger.Client
	keys          Signer
	ledgerTimeout time.Duration
	maxAttempts   uint32
	initial       time.Duration
	max           time.Duration
	log           seal.Logger
	now           func() time.Time
}

// New is the constructor for a Reconciler.
func New(cfg *Config) *Reconciler {
	r := &Reconciler{
		db:            cfg.DB,
		utxos:         cfg.Utxos,
		ledger:        cfg.Ledger,
		keys:          cfg.Keys,
		ledgerTimeout: cfg.LedgerTimeout,
		maxAttempts:   cfg.MaxAttempts,
		initial:       cfg.InitialInterval,
		max:           cfg.MaxInterval,
		log:           cfg.Logger,
		now:           time.Now,
	}
	if r.ledgerTimeout <= 0 {
		r.ledgerTimeout = DefaultLedgerTimeout
	}
	if r.initial <= 0 {
		r.initial = DefaultInitialInterval
	}
	if r.max < r.initial {
		r.max = DefaultMaxInterval
		if r.max < r.initial {
			r.max = r.initial
		}
	}
	return r
}

// RetryDelay is the wait after the nth failed attempt: InitialInterval
// doubling per attempt up to MaxInterval.
func (r *Reconciler) RetryDelay(attempts uint32) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.initial
	bo.MaxInterval = r.max
	bo.Multiplier = backoffMultiplier
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	d := r.initial
	for i := uint32(0); i < attempts; i++ {
		d = bo.NextBackOff()
		if d >= r.max {
			return r.max
		}
	}
	return d
}

// AdvanceAll advances every Pending and Matched claim in registration order.
// A failing claim does not stop the pass. A canceled context stops the pass
// between claims and is returned.
func (r *Reconciler) AdvanceAll(ctx context.Context) (*Report, error) {
	claims, err := r.db.ActiveClaims()
	if err != nil {
		return nil, fmt.Errorf("error loading claims: %w", err)
	}
	rep := new(Report)
	for _, c := range claims {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if c.NextAttempt.After(r.now()) {
			rep.Deferred++
			continue
		}
		before := c.Status
		if err := r.Advance(ctx, c); err != nil {
			if errors.Is(err, context.Canceled) {
				return rep, err
			}
			r.log.Errorf("Error advancing claim %s: %v", c.ID(), err)
		}
		rep.add(before, c.Status)
	}
	return rep, nil
}

// Advance moves a single claim as far as it can go in this pass, persisting
// each transition. c is updated in place. The returned error is for failures
// to load or persist state; ledger and chain outcomes are recorded on the
// claim.
func (r *Reconciler) Advance(ctx context.Context, c *db.ClaimRecord) error {
	if c.Status == db.ClaimPending {
		match := r.utxos.Find(func(u *utxo.Utxo) bool {
			if !u.Confirmed() || !bytes.Equal(u.Script, c.Script) {
				return false
			}
			return c.Expected == "" || u.SealID() == c.Expected
		})
		if match == nil {
			c.Attempts++
			r.note(c, "no confirmed output paying the invoice script")
			r.checkBudget(c)
			return r.db.UpdateClaim(c, nil)
		}
		c.Status = db.ClaimMatched
		c.RealSeal = match.SealID()
		r.note(c, "matched %s (%d confirmations)", c.RealSeal, match.Confirmations)
		if err := r.db.UpdateClaim(c, nil); err != nil {
			return err
		}
		r.log.Infof("Claim %s matched output %s", c.WitnessID, c.RealSeal)
	}
	if c.Status != db.ClaimMatched {
		return nil
	}
	return r.rebind(ctx, c)
}

func (r *Reconciler) rebind(ctx context.Context, c *db.ClaimRecord) error {
	inv, err := r.db.Invoice(c.WitnessID)
	if err != nil {
		return fmt.Errorf("error loading invoice for %s: %w", c.WitnessID, err)
	}
	owner := inv.Invoice.BeneficiaryKey
	priv, err := r.keys.PrivKeyForPubKey(owner)
	if err != nil {
		return fmt.Errorf("error loading key for %s: %w", c.WitnessID, err)
	}
	step := seal.NewRebindStep(c.ContractID, c.WitnessID, c.Amount, c.RealSeal, owner)
	if err := step.Sign(priv); err != nil {
		return fmt.Errorf("error signing rebind: %w", err)
	}

	lctx, cancel := context.WithTimeout(ctx, r.ledgerTimeout)
	err = r.ledger.Rebind(lctx, c.ContractID, c.WitnessID, c.RealSeal, step.Sig)
	cancel()
	switch {
	case err == nil:
		now := r.now()
		c.Status = db.ClaimClaimed
		c.ClaimedAt = now
		c.LastError = ""
		c.NextAttempt = time.Time{}
		r.note(c, "rebound to %s", c.RealSeal)
		if err := r.db.UpdateClaim(c, step); err != nil {
			return err
		}
		r.log.Infof("Claimed %d of contract %s on %s", c.Amount, c.ContractID, c.RealSeal)
		return nil
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return err
	case errors.Is(err, seal.ErrDoubleClaimConflict):
		r.fail(c, db.FailDoubleClaim, err)
	case seal.IsRetryable(err):
		c.Attempts++
		c.LastError = err.Error()
		c.NextAttempt = r.now().Add(r.RetryDelay(c.Attempts))
		r.note(c, "rebind failed: %v", err)
		r.log.Warnf("Rebind of %s failed (attempt %d), retrying after %s: %v",
			c.WitnessID, c.Attempts, c.NextAttempt.Sub(r.now()).Round(time.Millisecond), err)
		r.checkBudget(c)
	default:
		r.fail(c, db.FailRejected, err)
	}
	return r.db.UpdateClaim(c, nil)
}

func (r *Reconciler) note(c *db.ClaimRecord, format string, args ...any) {
	now := r.now()
	c.UpdatedAt = now
	c.Note(now, format, args...)
}

func (r *Reconciler) checkBudget(c *db.ClaimRecord) {
	if r.maxAttempts > 0 && c.Attempts >= r.maxAttempts {
		r.fail(c, db.FailRetryBudget, seal.NewError(seal.ErrRetryBudgetExceeded,
			fmt.Sprintf("%d attempts", c.Attempts)))
	}
}

func (r *Reconciler) fail(c *db.ClaimRecord, reason db.FailReason, err error) {
	c.Status = db.ClaimFailed
	c.FailReason = reason
	c.LastError = err.Error()
	c.NextAttempt = time.Time{}
	r.note(c, "failed: %v", err)
	r.log.Errorf("Claim failed: witness %s, contract %s, attempts %d: %v",
		c.WitnessID, c.ContractID, c.Attempts, err)
}
