// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestStateTransitions walks the lifecycle through a full start and stop.
func TestStateTransitions(t *testing.T) {
	t.Parallel()

	var s walletState
	require.False(t, s.isStarted())
	require.Equal(t, "status=stopped", s.String())

	require.NoError(t, s.toStarting())
	require.False(t, s.isStarted())

	// Starting twice is refused while the first start is in flight.
	require.ErrorIs(t, s.toStarting(), ErrWalletAlreadyStarted)

	s.toStarted()
	require.True(t, s.isStarted())
	require.ErrorIs(t, s.toStarting(), ErrWalletAlreadyStarted)

	require.NoError(t, s.toStopping())
	require.False(t, s.isStarted())

	s.toStopped()
	require.ErrorIs(t, s.toStopping(), ErrStateForbidden)
}

// TestStateConcurrentStart verifies that exactly one of many concurrent
// callers wins the start transition.
func TestStateConcurrentStart(t *testing.T) {
	t.Parallel()

	var (
		s    walletState
		wins atomic.Int32
		wg   sync.WaitGroup
	)

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			if s.toStarting() == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, wins.Load())
}
