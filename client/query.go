package client

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sectionmesh/sectiond/common/service"
	"github.com/sectionmesh/sectiond/common/wire"
	"github.com/sectionmesh/sectiond/common/xor"
	"github.com/sectionmesh/sectiond/internal/xerrors"
)

// Query fans a data query for dst out to the elders closest to dst by
// XOR-distance, waits for the first valid response, and retries under the
// same msg_id once a fresher SAP arrives via anti-entropy (§4.7).
func (c *Client) Query(ctx context.Context, dst xor.Name, kind service.QueryKind) (service.QueryResponse, error) {
	req := service.QueryRequest{Kind: kind, Dst: dst}
	body, err := wire.EncodePayload(req)
	if err != nil {
		return service.QueryResponse{}, fmt.Errorf("client: encode query: %w", err)
	}

	id := wire.NewMsgID()
	op := c.register(id, c.elderSubset)
	defer c.unregister(id)

	for {
		entry, ok := c.network.ClosestOrOpposite(dst)
		if !ok {
			return service.QueryResponse{}, fmt.Errorf("client: no section knowledge yet; call Bootstrap first")
		}
		targets := entry.Value.ClosestElders(dst, c.elderSubset)
		if len(targets) == 0 {
			return service.QueryResponse{}, fmt.Errorf("client: section %s has no elders", entry.Value.Prefix.String())
		}
		sectionPK, err := entry.SigningKey.MarshalBinary()
		if err != nil {
			return service.QueryResponse{}, fmt.Errorf("client: marshal section key: %w", err)
		}
		wireDst := wire.DstLocation{Tag: wire.LocationSection, Name: dst, SectionPK: sectionPK}

		sent := 0
		for _, name := range targets {
			addr, ok := entry.Value.Elders[name]
			if !ok {
				continue
			}
			if err := c.sendServiceMsg(addr, id, wireDst, service.PurposeQuery, body); err != nil {
				c.log.Debugw("client: query send failed", "addr", addr, "err", err)
				continue
			}
			sent++
		}
		if sent == 0 {
			return service.QueryResponse{}, fmt.Errorf("client: could not reach any of %d elders", len(targets))
		}

		resp, retry, err := c.awaitQueryRound(ctx, op, sent, dst)
		if retry {
			continue // a fresher SAP landed via AE; re-send under the same msg_id
		}
		return resp, err
	}
}

// awaitQueryRound waits for the elders contacted this round to answer,
// validating chunk-kind responses against dst before accepting one. It
// returns retry=true without an error if this session's Prefix Map changed
// mid-wait, so Query can re-fan-out to the now-current elder set.
func (c *Client) awaitQueryRound(ctx context.Context, op *pendingOp, sent int, dst xor.Name) (service.QueryResponse, bool, error) {
	startVersion := atomic.LoadUint64(&c.netVersion)
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()

	var fallbackErr error
	heard := 0
	for heard < sent {
		select {
		case <-ctx.Done():
			if fallbackErr != nil {
				return service.QueryResponse{}, false, fallbackErr
			}
			return service.QueryResponse{}, false, ctx.Err()

		case reply := <-op.responses:
			heard++
			resp, err := decodeQueryResponse(reply.auth)
			if err != nil {
				fallbackErr = err
				continue
			}
			if resp.Kind == service.QueryGetChunk && resp.Result == service.ResultOk {
				if xor.Hash(resp.Chunk) != dst {
					fallbackErr = xerrors.ErrChunkHashMismatch
					continue // possible byzantine elder; discard and keep waiting
				}
			}
			if resp.Result == service.ResultOk {
				return resp, false, nil
			}
			fallbackErr = fmt.Errorf("client: elder returned %s", resp.Result)

		case <-poll.C:
			if atomic.LoadUint64(&c.netVersion) != startVersion {
				return service.QueryResponse{}, true, nil
			}
		}
	}
	if fallbackErr != nil {
		return service.QueryResponse{}, false, fallbackErr
	}
	return service.QueryResponse{}, false, fmt.Errorf("client: no response")
}

func decodeQueryResponse(auth wire.Authenticated) (service.QueryResponse, error) {
	var env service.Envelope
	if err := wire.DecodePayload(auth.Payload, &env); err != nil {
		return service.QueryResponse{}, fmt.Errorf("client: decode service reply: %w", err)
	}
	if env.Purpose != service.PurposeQuery {
		return service.QueryResponse{}, fmt.Errorf("client: unexpected reply purpose %q", env.Purpose)
	}
	var resp service.QueryResponse
	if err := wire.DecodePayload(env.Body, &resp); err != nil {
		return service.QueryResponse{}, fmt.Errorf("client: decode query response: %w", err)
	}
	return resp, nil
}
