// Copyright (c) 2025 The citadel developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package signing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/clock"
	"golang.org/x/sync/errgroup"

	"github.com/mycitadel/citadel-runtime/keychain"
	"github.com/mycitadel/citadel-runtime/policy"
	"github.com/mycitadel/citadel-runtime/route"
)

// ErrValueMismatch is returned when a plan's inputs do not equal its
// outputs, change and fee. A plan that leaks value must never reach a
// signer.
var ErrValueMismatch = errors.New("plan value mismatch")

// DefaultSlotTimeout is the deadline granted to each signing slot when the
// caller does not choose one.
const DefaultSlotTimeout = 10 * time.Minute

// CoordinatorConfig carries the coordinator's collaborators and knobs.
type CoordinatorConfig struct {
	// Clock is the time source for slot deadlines.
	Clock clock.Clock

	// SlotTimeout is the deadline granted to each slot.
	SlotTimeout time.Duration

	// ChainContext supplies height and time for policies carrying
	// timelocks. Nil is valid and leaves timelock atoms unsatisfied.
	ChainContext *policy.EvalContext

	// Broadcaster, when set, publishes the transaction after Drive
	// finalizes a session.
	Broadcaster Broadcaster
}

// Coordinator turns payment plans into signing sessions and drives signer
// collaborators to completion.
type Coordinator struct {
	cfg CoordinatorConfig
}

// NewCoordinator creates a coordinator, filling config defaults.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.SlotTimeout == 0 {
		cfg.SlotTimeout = DefaultSlotTimeout
	}

	return &Coordinator{cfg: cfg}
}

// Begin assembles the unsigned transaction skeleton from the plan's
// on-chain component and opens a session over it. Every input gets its
// signing digest, its packet metadata and one slot per identity of its
// descriptor, each slot carrying a deadline.
func (c *Coordinator) Begin(plan *route.PaymentPlan,
	descs []*InputDescriptor) (*Session, error) {

	if plan == nil || plan.OnChain == nil {
		return nil, ErrNoOnChainComponent
	}
	component := plan.OnChain

	if len(descs) != len(component.Inputs) {
		return nil, fmt.Errorf("%w: %d descriptors for %d inputs",
			ErrInputMismatch, len(descs), len(component.Inputs))
	}

	// The skeleton must conserve value before anything is signed.
	var outValue int64
	for _, out := range component.Outputs {
		outValue += out.Value
	}
	if component.Change != nil {
		outValue += component.Change.Value
	}
	if component.InputValue() != btcutil.Amount(outValue)+component.Fee {
		return nil, fmt.Errorf("%w: %v in, %d out plus %v fee",
			ErrValueMismatch, component.InputValue(), outValue,
			component.Fee)
	}

	tx := wire.NewMsgTx(2)
	prevOuts := make(map[wire.OutPoint]*wire.TxOut,
		len(component.Inputs))
	for _, utxo := range component.Inputs {
		outpoint := utxo.OutPoint
		tx.AddTxIn(wire.NewTxIn(&outpoint, nil, nil))
		prevOuts[outpoint] = wire.NewTxOut(
			int64(utxo.Value), utxo.PkScript,
		)
	}
	for _, out := range component.Outputs {
		tx.AddTxOut(wire.NewTxOut(out.Value, out.PkScript))
	}
	if component.Change != nil {
		tx.AddTxOut(wire.NewTxOut(
			component.Change.Value, component.Change.PkScript,
		))
	}

	partialTx, err := newPartialTransaction(tx)
	if err != nil {
		return nil, err
	}

	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	session := &Session{
		clk:       c.cfg.Clock,
		chainCtx:  c.cfg.ChainContext,
		state:     StateBuilding,
		tx:        partialTx,
		deadlines: make(map[Slot]time.Time),
	}

	deadline := c.cfg.Clock.Now().Add(c.cfg.SlotTimeout)

	for i, desc := range descs {
		in := &sessionInput{
			desc:        desc,
			witness:     policy.NewWitness(),
			unavailable: make(map[keychain.Identity]struct{}),
		}

		switch desc.Descriptor.Template {
		case policy.TemplateTaproot:
			in.algo = AlgoSchnorr

			digest, err := txscript.CalcTaprootSignatureHash(
				sigHashes, txscript.SigHashDefault, tx, i,
				fetcher,
			)
			if err != nil {
				return nil, err
			}
			copy(in.digest[:], digest)

			// Signatures commit to the tweaked output key.
			in.verifyKeys = make(
				map[keychain.Identity]*btcec.PublicKey,
				len(desc.Keys),
			)
			for id, pub := range desc.Keys {
				in.verifyKeys[id] =
					txscript.ComputeTaprootKeyNoScript(
						pub,
					)
			}

		default:
			in.algo = AlgoECDSA

			script, err := desc.Descriptor.WitnessScript()
			if err != nil {
				return nil, err
			}
			in.witnessScript = script

			digest, err := txscript.CalcWitnessSigHash(
				script, sigHashes, txscript.SigHashAll, tx,
				i, int64(component.Inputs[i].Value),
			)
			if err != nil {
				return nil, err
			}
			copy(in.digest[:], digest)

			in.verifyKeys = desc.Keys
		}

		var derivations []*psbt.Bip32Derivation
		for id, path := range desc.Paths {
			pub, ok := desc.Keys[id]
			if !ok {
				continue
			}
			derivations = append(
				derivations, &psbt.Bip32Derivation{
					PubKey:    pub.SerializeCompressed(),
					Bip32Path: path,
				},
			)
		}
		sigHashType := txscript.SigHashAll
		if in.algo == AlgoSchnorr {
			sigHashType = txscript.SigHashDefault
		}
		partialTx.setInputMeta(
			i, prevOuts[component.Inputs[i].OutPoint],
			in.witnessScript, sigHashType, derivations,
		)

		session.inputs = append(session.inputs, in)
		for id := range desc.Keys {
			slot := Slot{InputIndex: i, Identity: id}
			session.deadlines[slot] = deadline
		}
	}

	session.state = StateAwaitingSignatures

	log.Infof("Opened signing session: %d inputs, %d slots",
		len(session.inputs), len(session.deadlines))
	log.Tracef("Session packet: %v",
		spew.Sdump(partialTx.Packet()))

	return session, nil
}

// Drive fans the session's outstanding requests out to the given signers
// and feeds their answers back through Submit, in whatever order they
// arrive. It returns once the session finalizes, the context is cancelled,
// or a required policy becomes unreachable. With a broadcaster configured,
// a finalized transaction is published before returning.
func (c *Coordinator) Drive(ctx context.Context, session *Session,
	signers map[keychain.Identity]Signer) error {

	requests := session.PendingRequests()

	group, gctx := errgroup.WithContext(ctx)

	var retireErr error
	for _, req := range requests {
		signer, ok := signers[req.Slot.Identity]
		if !ok {
			// Nobody can serve this slot; retire it up front.
			// In-flight signers are still drained below.
			retireErr = retireSlot(session, req.Slot)
			if retireErr != nil {
				break
			}
			continue
		}

		req := req
		group.Go(func() error {
			sig, err := signer.SignSlot(gctx, req)
			if err != nil {
				log.Warnf("Signer %v failed slot %v: %v",
					req.Slot.Identity, req.Slot, err)
				return retireSlot(session, req.Slot)
			}

			result, err := session.Submit(req.Slot, sig)
			switch {
			case errors.Is(err, ErrSessionTerminal):
				// Another slot already completed or killed
				// the session.
				return nil
			case err != nil:
				return err
			}

			if result == ResultInvalidSignature {
				return retireSlot(session, req.Slot)
			}

			return nil
		})
	}

	waitErr := group.Wait()
	if retireErr != nil {
		return retireErr
	}
	if waitErr != nil {
		return waitErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if session.State() != StateFinalized {
		_, err := session.Finalize()
		return err
	}

	if c.cfg.Broadcaster != nil {
		tx, err := session.Finalize()
		if err != nil {
			return err
		}

		return c.cfg.Broadcaster.Broadcast(ctx, tx)
	}

	return nil
}

// retireSlot marks a slot unavailable, swallowing the race where the
// session went terminal first.
func retireSlot(session *Session, slot Slot) error {
	err := session.MarkUnavailable(slot)
	if err == nil || errors.Is(err, ErrSessionTerminal) {
		return nil
	}

	return err
}
