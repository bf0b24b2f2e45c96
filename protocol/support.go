package protocol

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/erc7824/nitrowallet/channel"
	"github.com/erc7824/nitrowallet/store"
)

// SupportState signs the state with the given variables if that is safe,
// then waits until the store reports it supported. A state that is already
// supported, or that later supported states were built on, is accepted
// without signing. A different state supported at or past its turn fails
// with channel.ErrStateConflict. ctx bounds the wait.
func SupportState(ctx context.Context, st Store, id common.Hash, vars channel.Variables) error {
	sub, err := st.ChannelUpdatedFeed(ctx, id)
	if err != nil {
		return err
	}
	defer sub.Cancel()

	entry, err := st.GetEntry(ctx, id)
	if err != nil {
		return err
	}
	target := channel.NewState(entry.Constants, vars)
	hash := target.Hash()

	accepted, err := supportOutcome(entry, hash, vars.TurnNum)
	if err != nil || accepted {
		return err
	}
	if err := checkSafeToSign(entry, target); err != nil {
		return err
	}
	if _, err := st.SignAndAddState(ctx, id, vars); err != nil {
		return fmt.Errorf("failed to sign turn %d of %s: %w", vars.TurnNum, id.Hex(), err)
	}

	for {
		entry, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		if accepted, err := supportOutcome(entry, hash, vars.TurnNum); err != nil || accepted {
			return err
		}
	}
}

// supportOutcome reports whether the state is fully signed or on the entry's
// support chain. It fails once a state at or past turn is supported without it.
func supportOutcome(entry *store.Entry, hash common.Hash, turn uint64) (bool, error) {
	if entry.OnSupportChain(hash) || entry.FullySigned(hash) {
		if !entry.IsSupported(hash) {
			log.Debugw("state superseded", "channel", entry.ChannelID.Hex(), "turn", turn)
		}
		return true, nil
	}
	supported, ok := entry.Supported()
	if ok && supported.TurnNum >= turn {
		return false, fmt.Errorf("%w: turn %d of %s, supported turn %d", channel.ErrStateConflict, turn, entry.ChannelID.Hex(), supported.TurnNum)
	}
	return false, nil
}

// Countersign adds this wallet's signature to a known state it has not
// signed yet, if that is safe.
func Countersign(ctx context.Context, st Store, entry *store.Entry, ss channel.SignedState) error {
	if entry.SignedBy(ss.Hash(), entry.Me().SigningAddress) {
		return nil
	}
	if err := checkSafeToSign(entry, ss.State); err != nil {
		return err
	}
	if _, err := st.SignAndAddState(ctx, entry.ChannelID, ss.Variables); err != nil {
		return fmt.Errorf("failed to countersign turn %d of %s: %w", ss.TurnNum, entry.ChannelID.Hex(), err)
	}
	return nil
}

// checkSafeToSign refuses to sign a state that could let a peer support two
// conflicting outcomes with this wallet's signatures.
func checkSafeToSign(entry *store.Entry, target channel.State) error {
	latest, signed := entry.LatestSignedByMe()
	if !signed {
		return nil
	}
	if latest.Hash() == target.Hash() {
		return nil
	}
	if supported, ok := entry.Supported(); ok &&
		latest.TurnNum <= supported.TurnNum && latest.TurnNum < target.TurnNum {
		return nil
	}
	if target.IsFinal && latest.Outcome.Equal(target.Outcome) {
		return nil
	}
	return fmt.Errorf("%w: turn %d of %s, latest signed turn %d", channel.ErrUnsafeToSign, target.TurnNum, entry.ChannelID.Hex(), latest.TurnNum)
}
