package transport

import (
	"bytes"
	"encoding/binary"
	"fmt"

	of "github.com/netrack/openflow"
	"github.com/netrack/openflow/ofp"
)

// Reserved port numbers
const (
	PortIn         ofp.PortNo = 0xfffffff8
	PortTable      ofp.PortNo = 0xfffffff9
	PortNormal     ofp.PortNo = 0xfffffffa
	PortFlood      ofp.PortNo = 0xfffffffb
	PortAll        ofp.PortNo = 0xfffffffc
	PortController ofp.PortNo = 0xfffffffd
	PortLocal      ofp.PortNo = 0xfffffffe
)

const (
	// DefaultMissSendLen is the number of bytes of a table miss packet sent
	// to the controller
	DefaultMissSendLen = 128

	// TypeExperimenter is the OpenFlow experimenter (vendor) message type
	TypeExperimenter of.Type = 4

	// NiciraExperimenter is the experimenter id remote commands are sent under
	NiciraExperimenter uint32 = 0x00002320

	// remoteCommandRequest is the experimenter subtype of a remote command
	remoteCommandRequest uint32 = 7
)

// FeaturesRequest asks a switch for its datapath id and capabilities
func FeaturesRequest() *Frame {
	return NewFrame(of.TypeFeaturesRequest, NextXID(), nil)
}

// SetConfig configures the switch to send the first DefaultMissSendLen bytes
// of table miss packets
func SetConfig() *Frame {
	cfg := ofp.SwitchConfig{MissSendLength: DefaultMissSendLen}
	buf := new(bytes.Buffer)
	cfg.WriteTo(buf)
	return NewFrame(of.TypeSetConfig, NextXID(), buf.Bytes())
}

// FeaturesReply encodes the reply to a features request
func FeaturesReply(transaction uint32, features *ofp.SwitchFeatures) *Frame {
	buf := new(bytes.Buffer)
	features.WriteTo(buf)
	return NewFrame(of.TypeFeaturesReply, transaction, buf.Bytes())
}

// EchoRequest builds a liveness probe
func EchoRequest() *Frame {
	return NewFrame(of.TypeEchoRequest, NextXID(), nil)
}

// EchoReply answers an echo request, echoing its transaction id and payload
func EchoReply(request *Frame) *Frame {
	return NewFrame(of.TypeEchoReply, request.Header.Transaction, request.Body)
}

// FlowDeleteAll removes every flow from every table of a switch
func FlowDeleteAll() *Frame {
	fm := ofp.FlowMod{
		Table:    ofp.TableAll,
		Command:  ofp.FlowDelete,
		Buffer:   ofp.NoBuffer,
		OutPort:  ofp.PortAny,
		OutGroup: ofp.GroupAny,
		Match:    ofp.Match{Type: ofp.MatchTypeXM},
	}
	buf := new(bytes.Buffer)
	fm.WriteTo(buf)
	return NewFrame(of.TypeFlowMod, NextXID(), buf.Bytes())
}

// OutputTo returns the action list that sends a packet out of a single port
func OutputTo(port ofp.PortNo) ofp.Actions {
	return ofp.Actions{&ofp.ActionOutput{port, ofp.ContentLenNoBuffer}}
}

// PacketOutFrame encodes a packet out message. The raw packet, if any,
// follows the packet out header and actions.
func PacketOutFrame(packet *PacketOut) *Frame {
	pktOut := ofp.PacketOut{
		Buffer:  packet.BufferID,
		InPort:  packet.InPort,
		Actions: packet.Actions,
	}
	buf := new(bytes.Buffer)
	pktOut.WriteTo(buf)
	buf.Write(packet.Data)
	return NewFrame(of.TypePacketOut, NextXID(), buf.Bytes())
}

// RemoteCommandFrame encodes a remote command as an experimenter message. The
// command and its arguments are NUL separated.
func RemoteCommandFrame(command string, args []string) *Frame {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, NiciraExperimenter)
	binary.Write(buf, binary.BigEndian, remoteCommandRequest)
	buf.WriteString(command)
	for _, arg := range args {
		buf.WriteByte(0)
		buf.WriteString(arg)
	}
	return NewFrame(TypeExperimenter, NextXID(), buf.Bytes())
}

// ParseRemoteCommand decodes a message built by RemoteCommandFrame
func ParseRemoteCommand(f *Frame) (string, []string, error) {
	if f.Header.Type != TypeExperimenter || len(f.Body) < 8 {
		return "", nil, fmt.Errorf("%w: not a remote command", ErrMalformed)
	}
	if binary.BigEndian.Uint32(f.Body) != NiciraExperimenter ||
		binary.BigEndian.Uint32(f.Body[4:]) != remoteCommandRequest {
		return "", nil, fmt.Errorf("%w: unknown experimenter message", ErrMalformed)
	}
	parts := bytes.Split(f.Body[8:], []byte{0})
	args := make([]string, 0, len(parts)-1)
	for _, p := range parts[1:] {
		args = append(args, string(p))
	}
	return string(parts[0]), args, nil
}

// ParseFeatures decodes a features reply
func ParseFeatures(f *Frame) (*ofp.SwitchFeatures, error) {
	if f.Header.Type != of.TypeFeaturesReply {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrMalformed,
			of.TypeFeaturesReply.String(), f.Header.Type.String())
	}
	features := new(ofp.SwitchFeatures)
	if _, err := features.ReadFrom(bytes.NewReader(f.Body)); err != nil {
		return nil, fmt.Errorf("%w: features reply: %s", ErrMalformed, err)
	}
	return features, nil
}
