package signal

import (
	"context"
	"encoding/json"

	"github.com/dkeye/parley/internal/core"
	"github.com/dkeye/parley/internal/domain"
	"github.com/dkeye/parley/internal/protocol"
)

func (ctl *SignalWSController) handleRtpCapabilities(sid core.SessionID) (json.RawMessage, error) {
	return ctl.Orch.RtpCapabilities(sid)
}

func (ctl *SignalWSController) handleCreateTransport(ctx context.Context, sid core.SessionID, data json.RawMessage) (*protocol.TransportCreated, error) {
	var p protocol.CreateTransportRequest
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return ctl.Orch.CreateTransport(ctx, sid, core.Direction(p.Direction))
}

func (ctl *SignalWSController) handleConnectTransport(ctx context.Context, sid core.SessionID, data json.RawMessage) (json.RawMessage, error) {
	var p protocol.ConnectTransportRequest
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	if p.TransportID == "" {
		return nil, domain.ErrBadRequest.WithMessage("transportId is required")
	}
	return ctl.Orch.ConnectTransport(ctx, sid, p.TransportID, p.Params)
}

func (ctl *SignalWSController) handleProduce(ctx context.Context, sid core.SessionID, data json.RawMessage) (*protocol.Produced, error) {
	var p protocol.ProduceRequest
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	if p.TransportID == "" {
		return nil, domain.ErrBadRequest.WithMessage("transportId is required")
	}
	pid, err := ctl.Orch.Produce(ctx, sid, p.TransportID, p.Params)
	if err != nil {
		return nil, err
	}
	return &protocol.Produced{ProducerID: pid}, nil
}

func (ctl *SignalWSController) handleConsume(ctx context.Context, sid core.SessionID, data json.RawMessage) (*protocol.Consumed, error) {
	var p protocol.ConsumeRequest
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	if p.ProducerID == "" {
		return nil, domain.ErrBadRequest.WithMessage("producerId is required")
	}
	return ctl.Orch.Consume(ctx, sid, p.ProducerID, p.RtpCapabilities)
}
