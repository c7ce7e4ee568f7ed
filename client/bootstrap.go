package client

import (
	"context"
	"fmt"
	"time"

	"github.com/sectionmesh/sectiond/common/service"
	"github.com/sectionmesh/sectiond/common/wire"
)

// sendServiceMsg signs body with this session's own key and sends it as a
// KindServiceMsg envelope addressed by dst, the client-facing counterpart
// to internal/node's sendNodeAuth (§4.1, §4.7). A send failure evicts addr
// from the endpoint's peer cache, so a later fan-out reopens a connection
// rather than reusing one to a peer that just failed (§5, §8 scenario 6).
func (c *Client) sendServiceMsg(addr string, id wire.MsgID, dst wire.DstLocation, purpose service.Purpose, body []byte) error {
	env := service.Envelope{Purpose: purpose, ReplyAddr: c.keys.Public.Addr, Body: body}
	payload, err := wire.EncodePayload(env)
	if err != nil {
		return fmt.Errorf("client: encode service envelope: %w", err)
	}

	clientKey, err := c.keys.Public.Key.MarshalBinary()
	if err != nil {
		return fmt.Errorf("client: marshal own key: %w", err)
	}
	sig, err := c.scheme.SignNode(c.keys.Private, payload)
	if err != nil {
		return fmt.Errorf("client: sign service envelope: %w", err)
	}

	msg := wire.Message{
		Header: wire.Header{
			Version: wire.Version,
			MsgID:   id,
			Kind: wire.MsgKind{
				Tag:         wire.KindServiceMsg,
				ServiceAuth: &wire.ServiceAuth{ClientKey: clientKey, Signature: sig},
			},
			Dst: dst,
		},
		Payload: payload,
	}
	if err := c.ep.Send(addr, msg); err != nil {
		c.ep.Evict(addr)
		return err
	}
	return nil
}

// Bootstrap sends a probe cmd to contacts in batches of
// NODES_TO_CONTACT_PER_STARTUP_BATCH, repeating until at least one
// AntiEntropyRetry has populated the Prefix Map with a destination section,
// or ctx is done (§4.7).
func (c *Client) Bootstrap(ctx context.Context, contacts []string) error {
	if len(contacts) == 0 {
		return fmt.Errorf("client: no bootstrap contacts given")
	}
	if c.network.KnownSectionsCount() > 0 {
		return nil
	}

	body, err := wire.EncodePayload(service.CmdRequest{Kind: service.CmdPing})
	if err != nil {
		return fmt.Errorf("client: encode bootstrap probe: %w", err)
	}
	dst := wire.DstLocation{Tag: wire.LocationSection, Name: c.Name()}
	id := wire.NewMsgID()

	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()

	offset := 0
	for {
		batch := nextBatch(contacts, &offset, c.nodesPerBatch)
		for _, addr := range batch {
			if err := c.sendServiceMsg(addr, id, dst, service.PurposeCmd, body); err != nil {
				c.log.Debugw("client: bootstrap probe send failed", "addr", addr, "err", err)
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("client: bootstrap: %w", ctx.Err())
		case <-poll.C:
			if c.network.KnownSectionsCount() > 0 {
				return nil
			}
		}
	}
}

// nextBatch returns the next size-bounded slice of contacts starting at
// *offset, wrapping back to the start once exhausted, and advances *offset.
func nextBatch(contacts []string, offset *int, size int) []string {
	if *offset >= len(contacts) {
		*offset = 0
	}
	end := *offset + size
	if end > len(contacts) {
		end = len(contacts)
	}
	batch := contacts[*offset:end]
	*offset = end
	return batch
}
