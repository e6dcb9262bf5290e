// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcheritage/heritage/chain"
	"github.com/btcheritage/heritage/heritage"
	"github.com/btcheritage/heritage/monitor"
)

// syncSnapshot is the state a sync fetches chain events for.
type syncSnapshot struct {
	schedule  *heritage.Schedule
	current   *heritage.CompiledOutput
	outputs   []*heritage.CompiledOutput
	pkScripts [][]byte
}

// Sync fetches the spends of every compiled output of a schedule, derives
// the reset reference from them and stores it when it moved. The returned
// observation also reports pending owner spends and heir claims.
//
// The chain is queried without holding the wallet lock. If the schedule is
// edited meanwhile, the fetch is repeated over the new set of outputs.
func (w *Wallet) Sync(ctx context.Context,
	id heritage.ScheduleID) (*monitor.Observation, error) {

	for {
		snap, err := w.syncSnapshot(ctx, id)
		if err != nil {
			return nil, err
		}

		events, err := w.cfg.Chain.ConfirmedEvents(ctx, snap.pkScripts)
		if err != nil {
			return nil, fmt.Errorf("fetch spends of %v: %w", id, err)
		}

		obs, ok, err := w.applySync(ctx, snap, events)
		if err != nil {
			return nil, err
		}
		if ok {
			return obs, nil
		}

		log.Debugf("Schedule %v was edited during sync, fetching "+
			"again", id)
	}
}

// syncSnapshot reads the schedule and every output it has been compiled to
// under the read lock.
func (w *Wallet) syncSnapshot(ctx context.Context,
	id heritage.ScheduleID) (*syncSnapshot, error) {

	w.mu.RLock()
	defer w.mu.RUnlock()

	s, err := w.cfg.Store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}

	out, err := heritage.Compile(s)
	if err != nil {
		return nil, err
	}

	outputs, err := w.cfg.Store.ListCompiledOutputs(ctx, id)
	if err != nil {
		return nil, err
	}

	// The current version is archived together with the schedule, but a
	// crash in between leaves it missing.
	archived := false
	for _, o := range outputs {
		if o.Version == out.Version {
			archived = true
			break
		}
	}
	if !archived {
		outputs = append(outputs, out)
	}

	pkScripts := make([][]byte, 0, len(outputs))
	for _, o := range outputs {
		pkScript, err := o.PkScript()
		if err != nil {
			return nil, err
		}
		pkScripts = append(pkScripts, pkScript)
	}

	return &syncSnapshot{
		schedule:  s,
		current:   out,
		outputs:   outputs,
		pkScripts: pkScripts,
	}, nil
}

// applySync observes events under the write lock and persists the result.
// It reports false without observing if the schedule changed version since
// snap was taken.
func (w *Wallet) applySync(ctx context.Context, snap *syncSnapshot,
	events []chain.SpendEvent) (*monitor.Observation, bool, error) {

	w.mu.Lock()
	defer w.mu.Unlock()

	id := snap.schedule.ID

	s, err := w.cfg.Store.GetSchedule(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if s.Version != snap.schedule.Version {
		return nil, false, nil
	}

	// Compilation is deterministic, so archiving the current version
	// again is a no-op when it is there.
	if err := w.cfg.Store.PutCompiledOutput(ctx, snap.current); err != nil {
		return nil, false, err
	}

	obs, err := w.monitor.Observe(s, snap.outputs, events)
	if err != nil {
		return nil, false, err
	}

	for _, claim := range obs.HeirClaims {
		log.Warnf("Schedule %v: heir rank %d spent %v under version %d",
			id, claim.Rank, claim.Event.PrevOut, claim.Version)
	}
	for _, ev := range obs.Pending {
		log.Infof("Schedule %v: owner spend %v awaits confirmation",
			id, ev.Txid)
	}

	if obs.Changed {
		err := w.cfg.Store.UpdateResetReference(ctx, id, obs.Reference)
		if err != nil {
			return nil, false, err
		}
	}

	log.Debugf("Synced schedule %v: %d events, reference %v", id,
		len(events), obs.Reference)

	return &obs, true, nil
}

// SyncAll syncs every stored schedule. A failing schedule does not stop the
// others; all failures are returned joined.
func (w *Wallet) SyncAll(ctx context.Context) error {
	ids, err := w.Schedules(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if _, err := w.Sync(ctx, id); err != nil {
			log.Errorf("Unable to sync schedule %v: %v", id, err)
			errs = append(errs, fmt.Errorf("%v: %w", id, err))
		}
	}

	return errors.Join(errs...)
}

// Start runs the background loop syncing every schedule each
// SyncInterval. The first sync happens right away.
func (w *Wallet) Start(_ context.Context) error {
	if err := w.state.toStarting(); err != nil {
		return err
	}

	w.lifetimeCtx, w.cancel = context.WithCancel(context.Background())

	w.wg.Add(1)
	go w.syncLoop()

	w.state.toStarted()

	log.Infof("Wallet started, syncing every %v", w.cfg.SyncInterval)

	return nil
}

// Stop signals the sync loop to exit and waits for it. It returns an error if
// ctx is canceled first.
func (w *Wallet) Stop(ctx context.Context) error {
	if err := w.state.toStopping(); err != nil {
		log.Warnf("Wallet already stopped: %v", err)
		return nil
	}

	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("stop request cancelled: %w", ctx.Err())
	}

	w.state.toStopped()

	log.Infof("Wallet stopped")

	return nil
}

// syncLoop syncs all schedules on every tick until the lifetime context is
// canceled.
func (w *Wallet) syncLoop() {
	defer w.wg.Done()

	w.syncTicker.Resume()
	defer w.syncTicker.Pause()

	ctx := w.lifetimeCtx
	w.syncOnce(ctx)

	for {
		select {
		case <-w.syncTicker.Ticks():
			w.syncOnce(ctx)

		case <-ctx.Done():
			return
		}
	}
}

func (w *Wallet) syncOnce(ctx context.Context) {
	if err := w.SyncAll(ctx); err != nil && ctx.Err() == nil {
		log.Errorf("Sync failed: %v", err)
	}
}
