package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/erc7824/nitrowallet/channel"
)

const (
	TypeRequest  = "req"
	TypeResponse = "res"
)

const (
	MethodHello      = "hello"
	MethodMessage    = "message"
	MethodPing       = "ping"
	MethodPong       = "pong"
	MethodGetConfig  = "get_config"
	MethodGetChannel = "get_channel"
	MethodError      = "error"
)

// Envelope is a frame on the peer connection: the payload and the
// sender's signatures over it.
type Envelope struct {
	Data Payload  `json:"data"`
	Sig  []string `json:"sig"`
}

// Payload is encoded as [request_id, type, method, params, ts].
type Payload struct {
	RequestID uint64
	Type      string
	Method    string
	Params    []json.RawMessage
	Timestamp uint64
}

// ParseEnvelope decodes a frame read from a connection.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse envelope: %w", err)
	}
	return &env, nil
}

// NewRequest builds an unsigned request.
func NewRequest(id uint64, method string, params []any, ts time.Time) (*Envelope, error) {
	return newEnvelope(id, TypeRequest, method, params, ts)
}

// NewResponse builds an unsigned response to request id.
func NewResponse(id uint64, method string, params []any, ts time.Time) (*Envelope, error) {
	return newEnvelope(id, TypeResponse, method, params, ts)
}

func newEnvelope(id uint64, typ, method string, params []any, ts time.Time) (*Envelope, error) {
	raw := make([]json.RawMessage, len(params))
	for i, p := range params {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal param %d: %w", i, err)
		}
		raw[i] = b
	}
	return &Envelope{
		Data: Payload{
			RequestID: id,
			Type:      typ,
			Method:    method,
			Params:    raw,
			Timestamp: uint64(ts.Unix()),
		},
		Sig: []string{},
	}, nil
}

// Sign appends the signer's signature over the encoded payload.
func (e *Envelope) Sign(signer *channel.Signer) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	sig, err := signer.Sign(data)
	if err != nil {
		return err
	}
	e.Sig = append(e.Sig, hexutil.Encode(sig))
	return nil
}

// Signer recovers the address behind the first signature.
func (e *Envelope) Signer() (common.Address, error) {
	if len(e.Sig) == 0 {
		return common.Address{}, errors.New("envelope is not signed")
	}
	sig, err := hexutil.Decode(e.Sig[0])
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", channel.ErrInvalidSignature, err)
	}
	data, err := json.Marshal(e.Data)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return channel.RecoverAddress(data, sig)
}

// Param decodes the i-th parameter into v.
func (e *Envelope) Param(i int, v any) error {
	if i >= len(e.Data.Params) {
		return fmt.Errorf("missing parameter %d for %s", i, e.Data.Method)
	}
	if err := json.Unmarshal(e.Data.Params[i], v); err != nil {
		return fmt.Errorf("invalid parameter %d for %s: %w", i, e.Data.Method, err)
	}
	return nil
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 5 {
		return fmt.Errorf("invalid payload: expected 5 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &p.RequestID); err != nil {
		return fmt.Errorf("invalid request id: %w", err)
	}
	if err := json.Unmarshal(raw[1], &p.Type); err != nil {
		return fmt.Errorf("invalid type: %w", err)
	}
	if err := json.Unmarshal(raw[2], &p.Method); err != nil {
		return fmt.Errorf("invalid method: %w", err)
	}
	if err := json.Unmarshal(raw[3], &p.Params); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	if err := json.Unmarshal(raw[4], &p.Timestamp); err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	return nil
}

func (p Payload) MarshalJSON() ([]byte, error) {
	params := p.Params
	if params == nil {
		params = []json.RawMessage{}
	}
	return json.Marshal([]any{
		p.RequestID,
		p.Type,
		p.Method,
		params,
		p.Timestamp,
	})
}
