// Copyright (c) 2025 The citadel developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package signing

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mycitadel/citadel-runtime/keychain"
)

// keySigner signs every request with one in-memory key.
type keySigner struct {
	priv *btcec.PrivateKey
}

func (s *keySigner) SignSlot(_ context.Context,
	req *SignRequest) ([]byte, error) {

	return ecdsa.Sign(s.priv, req.Digest[:]).Serialize(), nil
}

// refusingSigner declines every request.
type refusingSigner struct{}

func (refusingSigner) SignSlot(context.Context,
	*SignRequest) ([]byte, error) {

	return nil, ErrSignerRefused
}

// mockBroadcaster records the transaction Drive publishes.
type mockBroadcaster struct {
	mock.Mock
}

func (m *mockBroadcaster) Broadcast(ctx context.Context,
	tx *wire.MsgTx) error {

	args := m.Called(ctx, tx)
	return args.Error(0)
}

// TestDriveToBroadcast tests the full fan-out: two signers answer, one
// refuses, the session finalizes and the transaction is broadcast.
func TestDriveToBroadcast(t *testing.T) {
	t.Parallel()

	clk := clock.NewTestClock(testTime)
	session, parties, _ := newVaultSession(t, clk)

	broadcaster := &mockBroadcaster{}
	broadcaster.On("Broadcast", mock.Anything,
		mock.AnythingOfType("*wire.MsgTx")).Return(nil)

	coordinator := NewCoordinator(CoordinatorConfig{
		Clock:       clk,
		SlotTimeout: time.Minute,
		Broadcaster: broadcaster,
	})

	signers := map[keychain.Identity]Signer{
		parties[0].id: &keySigner{priv: parties[0].priv},
		parties[1].id: &keySigner{priv: parties[1].priv},
		parties[2].id: refusingSigner{},
	}

	err := coordinator.Drive(context.Background(), session, signers)
	require.NoError(t, err)
	require.Equal(t, StateFinalized, session.State())

	broadcaster.AssertExpectations(t)
}

// TestDriveUnreachable tests that Drive reports a dead policy when too few
// slots have signers at all.
func TestDriveUnreachable(t *testing.T) {
	t.Parallel()

	clk := clock.NewTestClock(testTime)
	session, parties, _ := newVaultSession(t, clk)

	coordinator := NewCoordinator(CoordinatorConfig{
		Clock:       clk,
		SlotTimeout: time.Minute,
	})

	// Only alice can sign a 2-of-3: unreachable before any signature.
	signers := map[keychain.Identity]Signer{
		parties[0].id: &keySigner{priv: parties[0].priv},
	}

	err := coordinator.Drive(context.Background(), session, signers)
	require.ErrorIs(t, err, ErrPolicyUnreachable)
	require.Equal(t, StateAbandoned, session.State())
}
