package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/erc7824/nitrowallet/channel"
	"github.com/erc7824/nitrowallet/store"
)

// ChannelReader is the part of the channel store the handlers read.
type ChannelReader interface {
	GetEntry(ctx context.Context, id common.Hash) (*store.Entry, error)
}

// NodeConfig describes this node to peers.
type NodeConfig struct {
	ParticipantID string         `json:"participant_id"`
	Address       common.Address `json:"address"`
	ChainID       uint64         `json:"chain_id"`
}

// HelloParams binds a connection to a participant.
type HelloParams struct {
	ParticipantID string `json:"participant_id"`
}

// GetChannelParams selects a channel.
type GetChannelParams struct {
	ChannelID common.Hash `json:"channel_id"`
}

// ChannelResponse summarises a channel entry.
type ChannelResponse struct {
	ChannelID     common.Hash           `json:"channel_id"`
	Participants  []channel.Participant `json:"participants"`
	MyIndex       int                   `json:"my_index"`
	Funding       *channel.Funding      `json:"funding,omitempty"`
	LatestTurn    *uint64               `json:"latest_turn,omitempty"`
	SupportedTurn *uint64               `json:"supported_turn,omitempty"`
	IsFinal       bool                  `json:"is_final"`
	Outcome       channel.Outcome       `json:"outcome,omitempty"`
}

// ErrorResponse carries a handler failure back to the requester.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HandlePing responds to a ping request with a pong response.
func HandlePing(req *Envelope) (*Envelope, error) {
	return NewResponse(req.Data.RequestID, MethodPong, []any{}, time.Now())
}

// HandleGetConfig returns this node's identity.
func HandleGetConfig(req *Envelope, config NodeConfig) (*Envelope, error) {
	return NewResponse(req.Data.RequestID, MethodGetConfig, []any{config}, time.Now())
}

// HandleGetChannel returns the stored view of one channel.
func HandleGetChannel(ctx context.Context, req *Envelope, channels ChannelReader) (*Envelope, error) {
	var params GetChannelParams
	if err := req.Param(0, &params); err != nil {
		return nil, err
	}
	if params.ChannelID == (common.Hash{}) {
		return nil, errors.New("missing channel_id parameter")
	}

	entry, err := channels.GetEntry(ctx, params.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}

	res := ChannelResponse{
		ChannelID:    entry.ChannelID,
		Participants: entry.Participants(),
		MyIndex:      entry.MyIndex,
		Funding:      entry.Funding,
	}
	if latest, ok := entry.Latest(); ok {
		turn := latest.TurnNum
		res.LatestTurn = &turn
	}
	if supported, ok := entry.Supported(); ok {
		turn := supported.TurnNum
		res.SupportedTurn = &turn
		res.IsFinal = supported.IsFinal
		res.Outcome = supported.Outcome
	}
	return NewResponse(req.Data.RequestID, MethodGetChannel, []any{res}, time.Now())
}

func errorResponse(id uint64, err error) (*Envelope, error) {
	return NewResponse(id, MethodError, []any{ErrorResponse{Error: err.Error()}}, time.Now())
}
