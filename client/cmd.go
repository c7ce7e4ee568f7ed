package client

import (
	"context"
	"fmt"
	"time"

	"github.com/sectionmesh/sectiond/common/constants"
	"github.com/sectionmesh/sectiond/common/service"
	"github.com/sectionmesh/sectiond/common/wire"
	"github.com/sectionmesh/sectiond/common/xor"
)

// CmdResult reports a cmd broadcast's partial-failure outcome (§4.7, §8
// scenario 6): how many elders accepted the send and which addresses did
// not.
type CmdResult struct {
	Sent   int
	Failed []string
}

// Cmd best-effort broadcasts req to the elders closest to dst, sleeping
// CMD_STANDARD_WAIT to let any anti-entropy responses land before
// returning. A fresher Prefix Map is a side effect a caller observes on
// the next Query or Cmd, not something this call itself reports (§4.7).
func (c *Client) Cmd(ctx context.Context, dst xor.Name, req service.CmdRequest) (CmdResult, error) {
	entry, ok := c.network.ClosestOrOpposite(dst)
	if !ok {
		return CmdResult{}, fmt.Errorf("client: no section knowledge yet; call Bootstrap first")
	}
	targets := entry.Value.ClosestElders(dst, c.elderSubset)
	if len(targets) == 0 {
		return CmdResult{}, fmt.Errorf("client: section %s has no elders", entry.Value.Prefix.String())
	}
	sectionPK, err := entry.SigningKey.MarshalBinary()
	if err != nil {
		return CmdResult{}, fmt.Errorf("client: marshal section key: %w", err)
	}
	body, err := wire.EncodePayload(req)
	if err != nil {
		return CmdResult{}, fmt.Errorf("client: encode cmd: %w", err)
	}
	wireDst := wire.DstLocation{Tag: wire.LocationSection, Name: dst, SectionPK: sectionPK}

	id := wire.NewMsgID()
	var result CmdResult
	for _, name := range targets {
		addr, ok := entry.Value.Elders[name]
		if !ok {
			continue
		}
		if err := c.sendServiceMsg(addr, id, wireDst, service.PurposeCmd, body); err != nil {
			c.log.Debugw("client: cmd send failed", "addr", addr, "err", err)
			result.Failed = append(result.Failed, addr)
			continue
		}
		result.Sent++
	}

	select {
	case <-ctx.Done():
	case <-time.After(constants.CmdStandardWait):
	}
	return result, nil
}
