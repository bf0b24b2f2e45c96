package store

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/erc7824/nitrowallet/channel"
)

// ObjectiveType names a kind of shared intent between participants.
type ObjectiveType string

const (
	OpenChannel     ObjectiveType = "OpenChannel"
	FundLedger      ObjectiveType = "FundLedger"
	FundGuarantor   ObjectiveType = "FundGuarantor"
	CloseLedger     ObjectiveType = "CloseLedger"
	DefundGuarantor ObjectiveType = "DefundGuarantor"
)

// Objective is a durable statement of cross-party intent. Receiving one
// drives protocol instantiation on the recipient.
type Objective struct {
	Type            ObjectiveType         `json:"type"`
	Participants    []channel.Participant `json:"participants"`
	TargetChannelID common.Hash           `json:"targetChannelId,omitempty"`
	LedgerID        common.Hash           `json:"ledgerId,omitempty"`
	JointChannelID  common.Hash           `json:"jointChannelId,omitempty"`
	GuarantorID     common.Hash           `json:"guarantorId,omitempty"`
}

// ID is deterministic in the objective's content, so duplicates merge.
func (o Objective) ID() string {
	switch o.Type {
	case OpenChannel:
		return fmt.Sprintf("%s-%s", o.Type, o.TargetChannelID.Hex())
	case FundLedger, CloseLedger:
		return fmt.Sprintf("%s-%s", o.Type, o.LedgerID.Hex())
	default:
		return fmt.Sprintf("%s-%s-%s-%s", o.Type, o.JointChannelID.Hex(), o.LedgerID.Hex(), o.GuarantorID.Hex())
	}
}

func NewOpenChannel(participants []channel.Participant, target common.Hash) Objective {
	return Objective{Type: OpenChannel, Participants: participants, TargetChannelID: target}
}

func NewFundLedger(participants []channel.Participant, ledger common.Hash) Objective {
	return Objective{Type: FundLedger, Participants: participants, LedgerID: ledger}
}

func NewCloseLedger(participants []channel.Participant, ledger common.Hash) Objective {
	return Objective{Type: CloseLedger, Participants: participants, LedgerID: ledger}
}

func NewFundGuarantor(participants []channel.Participant, joint, ledger, guarantor common.Hash) Objective {
	return Objective{Type: FundGuarantor, Participants: participants, JointChannelID: joint, LedgerID: ledger, GuarantorID: guarantor}
}

func NewDefundGuarantor(participants []channel.Participant, joint, ledger, guarantor common.Hash) Objective {
	return Objective{Type: DefundGuarantor, Participants: participants, JointChannelID: joint, LedgerID: ledger, GuarantorID: guarantor}
}

// Message is the unit exchanged with a peer: signed states and objectives.
type Message struct {
	From         string                `json:"from"`
	To           string                `json:"to"`
	SignedStates []channel.SignedState `json:"signedStates,omitempty"`
	Objectives   []Objective           `json:"objectives,omitempty"`
}
