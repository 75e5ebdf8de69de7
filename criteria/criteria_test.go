package criteria

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

func TestZeroMatch(t *testing.T) {
	c1 := Criteria{}
	c2 := Criteria{}

	if !c1.Match(c2) || !c2.Match(c1) {
		t.Fail()
	}
}

func TestIdentifyMatch(t *testing.T) {
	c1 := Criteria{
		Set:    BitDLType,
		DlType: 0x0800,
	}

	if !c1.Match(c1) {
		t.Fail()
	}
}

func TestLessThanMatch(t *testing.T) {
	c1 := Criteria{}
	c2 := Criteria{
		Set:    BitDLType,
		DlType: 0x0800,
	}

	if !c1.Match(c2) {
		t.Fail()
	}
}

func TestGreaterThanMatch(t *testing.T) {
	c1 := Criteria{
		Set:    BitDLType,
		DlType: 0x0800,
	}
	c2 := Criteria{}
	if c1.Match(c2) {
		t.Fail()
	}
}

func TestDiffDlTypeMatch(t *testing.T) {
	c1 := Criteria{
		Set:    BitDLType,
		DlType: 0x0800,
	}
	c2 := Criteria{
		Set:    BitDLType,
		DlType: 0x0810,
	}

	if c1.Match(c2) {
		t.Fail()
	}
}

func TestInPortMatch(t *testing.T) {
	c1 := Criteria{
		Set:    BitInPort,
		InPort: 3,
	}
	if !c1.Match(Criteria{Set: BitInPort | BitDLType, InPort: 3, DlType: 0x0806}) {
		t.Errorf("expected port 3 to match")
	}
	if c1.Match(Criteria{Set: BitInPort, InPort: 4}) {
		t.Errorf("expected port 4 not to match")
	}
}

func TestFromPacket(t *testing.T) {
	src, _ := net.ParseMAC("00:00:00:00:00:01")
	dst, _ := net.ParseMAC("ff:ff:ff:ff:ff:ff")
	eth := &layers.Ethernet{
		SrcMAC:       src,
		DstMAC:       dst,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   src,
		SourceProtAddress: []byte{10, 0, 0, 1},
		DstHwAddress:      make([]byte, 6),
		DstProtAddress:    []byte{10, 0, 0, 2},
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, arp); err != nil {
		t.Fatalf("Unable to serialize packet : %s", err)
	}
	pkt := gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default)

	state := FromPacket(7, pkt)
	want := Criteria{
		Set:    BitDLType | BitInPort | BitDLSrc,
		DlType: 0x0806,
		InPort: 7,
		DlSrc:  src,
	}
	if !want.Match(state) {
		t.Errorf("expected %+v to match %+v", want, state)
	}
	if (&Criteria{Set: BitDLVlan, DlVlan: 10}).Match(state) {
		t.Errorf("untagged packet should not match a VLAN criteria")
	}
}
