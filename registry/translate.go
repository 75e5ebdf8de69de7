package registry

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ciena/ofctl/dpid"
	"github.com/ciena/ofctl/events"
	"github.com/ciena/ofctl/transport"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	of "github.com/netrack/openflow"
	"github.com/netrack/openflow/ofp"
	log "github.com/sirupsen/logrus"
)

// translate turns a message received from a switch into the event published
// for it. Messages that cannot be decoded produce no event.
func translate(id dpid.DatapathID, frame *transport.Frame) events.Event {
	switch frame.Header.Type {
	case of.TypePacketIn:
		var packetIn ofp.PacketIn
		if _, err := packetIn.ReadFrom(bytes.NewReader(frame.Body)); err != nil {
			log.
				WithFields(log.Fields{
					"dpid": id.String(),
				}).
				WithError(err).
				Debug("Failed to read OpenFlow Packet In message")
			return nil
		}

		// Look for the port in contained in the message
		var inPort uint32
		for _, xm := range packetIn.Match.Fields {
			if xm.Type == ofp.XMTypeInPort && len(xm.Value) >= 4 {
				inPort = binary.BigEndian.Uint32(xm.Value)
			}
		}

		pkt := gopacket.NewPacket(packetIn.Data,
			layers.LayerTypeEthernet,
			gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		if log.GetLevel() == log.DebugLevel {
			log.WithFields(log.Fields{
				"dpid":    id.String(),
				"in_port": inPort,
				"packet":  fmt.Sprintf("%02x", packetIn.Data),
			}).Debug("packet in")
		}
		return events.PacketIn{
			DPID:    id,
			InPort:  inPort,
			Message: packetIn,
			Packet:  pkt,
		}
	case of.TypeEchoRequest:
		return events.EchoRequest{
			DPID:   id,
			Header: frame.Header,
			Body:   frame.Body,
		}
	default:
		return events.Message{
			DPID:   id,
			Header: frame.Header,
			Body:   frame.Body,
		}
	}
}
