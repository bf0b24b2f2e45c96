package channel

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// OutcomeType distinguishes the two asset outcome shapes.
type OutcomeType string

const (
	SimpleAllocationType OutcomeType = "SimpleAllocation"
	SimpleGuaranteeType  OutcomeType = "SimpleGuarantee"
)

func (t OutcomeType) code() uint8 {
	if t == SimpleGuaranteeType {
		return 1
	}
	return 0
}

// AllocationItem pays Amount to Destination. A destination is either a
// participant payout address or another channel id.
type AllocationItem struct {
	Destination common.Hash `json:"destination"`
	Amount      *big.Int    `json:"amount"`
}

// Allocation is an ordered list of allocation items.
type Allocation []AllocationItem

// AssetOutcome is the outcome for a single asset holder. A SimpleAllocation
// uses Items, a SimpleGuarantee uses TargetChannelID and Destinations.
type AssetOutcome struct {
	Type            OutcomeType    `json:"type"`
	AssetHolder     common.Address `json:"assetHolder"`
	Items           Allocation     `json:"allocationItems,omitempty"`
	TargetChannelID common.Hash    `json:"targetChannelId"`
	Destinations    []common.Hash  `json:"destinations,omitempty"`
}

// Outcome is the list of asset-scoped outcomes a state commits to.
type Outcome []AssetOutcome

// SimpleAllocation builds a single-asset allocation outcome.
func SimpleAllocation(assetHolder common.Address, items ...AllocationItem) Outcome {
	return Outcome{{
		Type:        SimpleAllocationType,
		AssetHolder: assetHolder,
		Items:       Allocation(items).Clone(),
	}}
}

// SimpleGuarantee builds a single-asset guarantee outcome for the target channel.
func SimpleGuarantee(assetHolder common.Address, target common.Hash, destinations ...common.Hash) Outcome {
	return Outcome{{
		Type:            SimpleGuaranteeType,
		AssetHolder:     assetHolder,
		TargetChannelID: target,
		Destinations:    append([]common.Hash(nil), destinations...),
	}}
}

// Item is shorthand for an allocation item.
func Item(destination common.Hash, amount int64) AllocationItem {
	return AllocationItem{Destination: destination, Amount: big.NewInt(amount)}
}

func (o Outcome) Clone() Outcome {
	if o == nil {
		return nil
	}
	out := make(Outcome, len(o))
	for i, ao := range o {
		out[i] = ao
		out[i].Items = ao.Items.Clone()
		out[i].Destinations = append([]common.Hash(nil), ao.Destinations...)
	}
	return out
}

func (o Outcome) Equal(other Outcome) bool {
	if len(o) != len(other) {
		return false
	}
	for i := range o {
		a, b := o[i], other[i]
		if a.Type != b.Type || a.AssetHolder != b.AssetHolder || a.TargetChannelID != b.TargetChannelID {
			return false
		}
		if len(a.Destinations) != len(b.Destinations) {
			return false
		}
		for j := range a.Destinations {
			if a.Destinations[j] != b.Destinations[j] {
				return false
			}
		}
		if !a.Items.Equal(b.Items) {
			return false
		}
	}
	return true
}

// Total sums every allocation item across all allocation outcomes.
func (o Outcome) Total() *big.Int {
	total := new(big.Int)
	for _, ao := range o {
		if ao.Type == SimpleAllocationType {
			total.Add(total, ao.Items.Total())
		}
	}
	return total
}

// Validate rejects negative amounts and malformed asset outcomes.
func (o Outcome) Validate() error {
	for _, ao := range o {
		switch ao.Type {
		case SimpleAllocationType:
			for _, it := range ao.Items {
				if it.Amount == nil || it.Amount.Sign() < 0 {
					return fmt.Errorf("%w: destination %s", ErrNegativeAmount, it.Destination.Hex())
				}
			}
		case SimpleGuaranteeType:
			if len(ao.Items) != 0 {
				return fmt.Errorf("%w: guarantee carries allocation items", ErrUnsupportedOutcome)
			}
		default:
			return fmt.Errorf("%w: type %q", ErrUnsupportedOutcome, ao.Type)
		}
	}
	return nil
}

// SingleAllocation returns the only asset outcome, which must be a
// SimpleAllocation. An empty outcome yields an empty allocation.
func (o Outcome) SingleAllocation() (AssetOutcome, error) {
	if len(o) == 0 {
		return AssetOutcome{Type: SimpleAllocationType}, nil
	}
	if len(o) != 1 || o[0].Type != SimpleAllocationType {
		return AssetOutcome{}, fmt.Errorf("%w: expected a single simple allocation", ErrUnsupportedOutcome)
	}
	ao := o[0]
	ao.Items = ao.Items.Clone()
	return ao, nil
}

// SingleGuarantee returns the only asset outcome, which must be a SimpleGuarantee.
func (o Outcome) SingleGuarantee() (AssetOutcome, error) {
	if len(o) != 1 || o[0].Type != SimpleGuaranteeType {
		return AssetOutcome{}, fmt.Errorf("%w: expected a single simple guarantee", ErrUnsupportedOutcome)
	}
	ao := o[0]
	ao.Destinations = append([]common.Hash(nil), ao.Destinations...)
	return ao, nil
}

// WithItems returns a single-asset outcome with the same asset holder and new items.
func (ao AssetOutcome) WithItems(items Allocation) Outcome {
	return SimpleAllocation(ao.AssetHolder, items...)
}

func (a Allocation) Clone() Allocation {
	if a == nil {
		return nil
	}
	out := make(Allocation, len(a))
	for i, it := range a {
		out[i] = AllocationItem{Destination: it.Destination, Amount: amountOf(it.Amount)}
	}
	return out
}

func (a Allocation) Equal(other Allocation) bool {
	if len(a) != len(other) {
		return false
	}
	for i := range a {
		if a[i].Destination != other[i].Destination || amountOf(a[i].Amount).Cmp(amountOf(other[i].Amount)) != 0 {
			return false
		}
	}
	return true
}

func (a Allocation) Total() *big.Int {
	total := new(big.Int)
	for _, it := range a {
		total.Add(total, amountOf(it.Amount))
	}
	return total
}

// AllocatedTo sums every item paying to dest.
func (a Allocation) AllocatedTo(dest common.Hash) *big.Int {
	total := new(big.Int)
	for _, it := range a {
		if it.Destination == dest {
			total.Add(total, amountOf(it.Amount))
		}
	}
	return total
}

// Contains reports whether any item pays to dest.
func (a Allocation) Contains(dest common.Hash) bool {
	for _, it := range a {
		if it.Destination == dest {
			return true
		}
	}
	return false
}

// MergeDuplicates folds items with the same destination into the first
// occurrence, keeping first-seen order.
func (a Allocation) MergeDuplicates() Allocation {
	out := make(Allocation, 0, len(a))
	index := make(map[common.Hash]int, len(a))
	for _, it := range a {
		if i, ok := index[it.Destination]; ok {
			out[i].Amount = new(big.Int).Add(out[i].Amount, amountOf(it.Amount))
			continue
		}
		index[it.Destination] = len(out)
		out = append(out, AllocationItem{Destination: it.Destination, Amount: amountOf(it.Amount)})
	}
	return out
}

// Deduct takes each deduction out of the existing items for its destination
// and appends the removed total as one item paying to target.
func (a Allocation) Deduct(deductions Allocation, target common.Hash) (Allocation, error) {
	out := a.Clone()
	removed := new(big.Int)
	for _, d := range deductions {
		remaining := amountOf(d.Amount)
		if remaining.Sign() < 0 {
			return nil, fmt.Errorf("%w: deduction for %s", ErrNegativeAmount, d.Destination.Hex())
		}
		if out.AllocatedTo(d.Destination).Cmp(remaining) < 0 {
			return nil, fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds,
				d.Destination.Hex(), out.AllocatedTo(d.Destination), remaining)
		}
		for i := range out {
			if remaining.Sign() == 0 {
				break
			}
			if out[i].Destination != d.Destination {
				continue
			}
			take := bigMin(out[i].Amount, remaining)
			out[i].Amount = new(big.Int).Sub(out[i].Amount, take)
			remaining = new(big.Int).Sub(remaining, take)
		}
		removed.Add(removed, amountOf(d.Amount))
	}
	return append(out, AllocationItem{Destination: target, Amount: removed}), nil
}

// Remove drops every item paying to dest and returns the removed total.
func (a Allocation) Remove(dest common.Hash) (Allocation, *big.Int) {
	out := make(Allocation, 0, len(a))
	removed := new(big.Int)
	for _, it := range a {
		if it.Destination == dest {
			removed.Add(removed, amountOf(it.Amount))
			continue
		}
		out = append(out, AllocationItem{Destination: it.Destination, Amount: amountOf(it.Amount)})
	}
	return out, removed
}

// Credit adds amount to the first item paying to dest, appending one if absent.
func (a Allocation) Credit(dest common.Hash, amount *big.Int) Allocation {
	out := a.Clone()
	for i := range out {
		if out[i].Destination == dest {
			out[i].Amount = new(big.Int).Add(out[i].Amount, amountOf(amount))
			return out
		}
	}
	return append(out, AllocationItem{Destination: dest, Amount: amountOf(amount)})
}

func amountOf(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}

func bigMin(x, y *big.Int) *big.Int {
	if x.Cmp(y) < 0 {
		return new(big.Int).Set(x)
	}
	return new(big.Int).Set(y)
}
