package controller

import (
	"context"
	"errors"

	"github.com/ciena/ofctl/dpid"
	"github.com/ciena/ofctl/events"
	"github.com/ciena/ofctl/metrics"
	"github.com/ciena/ofctl/registry"
	"github.com/ciena/ofctl/transport"
	of "github.com/netrack/openflow"
	"github.com/netrack/openflow/ofp"
)

// Remote commands understood by switches
const (
	CommandReboot  = "reboot"
	CommandUpdate  = "update"
	CommandGetLogs = "get-logs"
)

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, transport.ErrWouldBlock):
		return "would_block"
	case errors.Is(err, registry.ErrUnknownDevice):
		return "unknown_device"
	}
	return "error"
}

func (c *Controller) resolve(kind string, id dpid.DatapathID) (transport.Transport, error) {
	t, err := c.registry.Resolve(id)
	if err != nil {
		metrics.RecordCommand(kind, outcome(err))
	}
	return t, err
}

// SendCommand sends an OpenFlow message to a registered switch. A flow
// modification that was sent is also published as a flow mod event.
func (c *Controller) SendCommand(ctx context.Context, id dpid.DatapathID, frame *transport.Frame, block bool) error {
	t, err := c.resolve("command", id)
	if err != nil {
		return err
	}
	err = t.Send(ctx, frame, block)
	metrics.RecordCommand("command", outcome(err))
	if err != nil {
		return err
	}
	if frame.Header.Type == of.TypeFlowMod {
		c.dispatcher.Publish(events.FlowMod{
			DPID:   id,
			Header: frame.Header,
			Body:   frame.Body,
		})
	}
	return nil
}

// SendPacket sends a raw packet out of a single port. Flooding excludes
// inPort.
func (c *Controller) SendPacket(ctx context.Context, id dpid.DatapathID, data []byte, outPort, inPort ofp.PortNo, block bool) error {
	return c.SendPacketActions(ctx, id, data, transport.OutputTo(outPort), inPort, block)
}

// SendPacketActions sends a raw packet through an action list
func (c *Controller) SendPacketActions(ctx context.Context, id dpid.DatapathID, data []byte, actions ofp.Actions, inPort ofp.PortNo, block bool) error {
	return c.sendPacket(ctx, id, &transport.PacketOut{
		BufferID: ofp.NoBuffer,
		InPort:   inPort,
		Actions:  actions,
		Data:     data,
	}, block)
}

// SendBufferedPacket releases a packet buffered on the switch out of a
// single port
func (c *Controller) SendBufferedPacket(ctx context.Context, id dpid.DatapathID, bufferID uint32, outPort, inPort ofp.PortNo, block bool) error {
	return c.SendBufferedPacketActions(ctx, id, bufferID, transport.OutputTo(outPort), inPort, block)
}

// SendBufferedPacketActions releases a packet buffered on the switch through
// an action list
func (c *Controller) SendBufferedPacketActions(ctx context.Context, id dpid.DatapathID, bufferID uint32, actions ofp.Actions, inPort ofp.PortNo, block bool) error {
	return c.sendPacket(ctx, id, &transport.PacketOut{
		BufferID: bufferID,
		InPort:   inPort,
		Actions:  actions,
	}, block)
}

func (c *Controller) sendPacket(ctx context.Context, id dpid.DatapathID, packet *transport.PacketOut, block bool) error {
	t, err := c.resolve("packet", id)
	if err != nil {
		return err
	}
	err = t.SendPacket(ctx, packet, block)
	metrics.RecordCommand("packet", outcome(err))
	return err
}

// SendRemoteCommand sends an administrative command to a switch. Nothing
// acknowledges the command.
func (c *Controller) SendRemoteCommand(ctx context.Context, id dpid.DatapathID, command string, args []string, block bool) error {
	t, err := c.resolve("remote", id)
	if err != nil {
		return err
	}
	err = t.SendRemoteCommand(ctx, command, args, block)
	metrics.RecordCommand("remote", outcome(err))
	return err
}

// Reboot asks a switch to reboot
func (c *Controller) Reboot(ctx context.Context, id dpid.DatapathID) error {
	return c.SendRemoteCommand(ctx, id, CommandReboot, nil, false)
}

// Update asks a switch to update its software
func (c *Controller) Update(ctx context.Context, id dpid.DatapathID) error {
	return c.SendRemoteCommand(ctx, id, CommandUpdate, nil, false)
}

// Disconnect closes the connection to a switch
func (c *Controller) Disconnect(id dpid.DatapathID) error {
	return c.registry.Close(id)
}
