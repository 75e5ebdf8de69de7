// This package is used to manage match criteria on a network packet. The
// criteria follows (closely matches) that used to specify match criteria in
// the `ovs-ofctl` command and is used by the packet classifier to pick the
// handlers interested in a packet in.
package criteria

import (
	"bytes"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Defines the bit patterns used to indicate which values are set in the
// match criteria structure.
const (
	BitEmpty  = 0x0
	BitDLType = 1 << 0
	BitInPort = 1 << 1
	BitDLSrc  = 1 << 2
	BitDLDst  = 1 << 3
	BitDLVlan = 1 << 4
)

// Criteria maintains match criteria values along with a bit set to indicate
// which values are set.
type Criteria struct {
	Set    uint64
	DlType uint16
	InPort uint32
	DlSrc  net.HardwareAddr
	DlDst  net.HardwareAddr
	DlVlan uint16
}

// Match compares match criteria against a given criteria to determine if
// there is a match and returns `true` if they match, else `false`. A match is
// defined as when all the values set in the target criteria are included in
// the the state criteria and their values are equal. The state criteria may
// have additional values that are not in the target criteria and the values
// will still be considered matched.
func (c *Criteria) Match(state Criteria) bool {
	if c.Set&BitDLType > 0 && (state.Set&BitDLType == 0 || c.DlType != state.DlType) {
		return false
	}
	if c.Set&BitInPort > 0 && (state.Set&BitInPort == 0 || c.InPort != state.InPort) {
		return false
	}
	if c.Set&BitDLSrc > 0 && (state.Set&BitDLSrc == 0 || !bytes.Equal(c.DlSrc, state.DlSrc)) {
		return false
	}
	if c.Set&BitDLDst > 0 && (state.Set&BitDLDst == 0 || !bytes.Equal(c.DlDst, state.DlDst)) {
		return false
	}
	if c.Set&BitDLVlan > 0 && (state.Set&BitDLVlan == 0 || c.DlVlan != state.DlVlan) {
		return false
	}
	return true
}

// FromPacket builds the state criteria for a packet received on inPort. Only
// the values that could be decoded from the packet are set.
func FromPacket(inPort uint32, pkt gopacket.Packet) Criteria {
	state := Criteria{
		Set:    BitInPort,
		InPort: inPort,
	}
	if pkt == nil {
		return state
	}
	if eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet); ok {
		state.Set |= BitDLType | BitDLSrc | BitDLDst
		state.DlType = uint16(eth.EthernetType)
		state.DlSrc = eth.SrcMAC
		state.DlDst = eth.DstMAC
	}
	if dot1q, ok := pkt.Layer(layers.LayerTypeDot1Q).(*layers.Dot1Q); ok {
		state.Set |= BitDLVlan
		state.DlVlan = dot1q.VLANIdentifier
		// the ethertype of interest is the one behind the tag
		state.DlType = uint16(dot1q.Type)
	}
	return state
}
