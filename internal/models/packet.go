package models

import (
	"errors"
	"fmt"
	"net/netip"
	"time"
)

// ErrMalformedPacket is returned when a packet lacks the fields its declared
// protocol requires.
var ErrMalformedPacket = errors.New("malformed packet")

// Protocol is the IP protocol number of a packet.
type Protocol uint8

const (
	ProtocolICMP Protocol = 1
	ProtocolTCP  Protocol = 6
	ProtocolUDP  Protocol = 17
)

func (p Protocol) String() string {
	switch p {
	case ProtocolICMP:
		return "ICMP"
	case ProtocolTCP:
		return "TCP"
	case ProtocolUDP:
		return "UDP"
	default:
		return fmt.Sprintf("PROTO(%d)", uint8(p))
	}
}

// Well-known source ports of reflection/amplification responses.
const (
	PortDNS       uint16 = 53
	PortNTP       uint16 = 123
	PortMemcached uint16 = 11211
)

// TCPFlags carries the TCP control bits the engine inspects.
type TCPFlags struct {
	SYN bool `json:"syn"`
	ACK bool `json:"ack"`
	FIN bool `json:"fin"`
	RST bool `json:"rst"`
}

// Packet is a parsed packet descriptor handed to the engine by the capture
// layer. It is read-only to the engine.
type Packet struct {
	Protocol  Protocol   `json:"protocol"`
	SrcIP     netip.Addr `json:"src_ip"`
	DstIP     netip.Addr `json:"dst_ip"`
	SrcPort   uint16     `json:"src_port"`
	DstPort   uint16     `json:"dst_port"`
	Length    int        `json:"length"`
	Flags     *TCPFlags  `json:"flags,omitempty"` // required for TCP
	Seq       uint32     `json:"seq,omitempty"`
	Ack       uint32     `json:"ack,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Validate reports whether the packet carries everything its protocol needs.
func (p Packet) Validate() error {
	if !p.SrcIP.IsValid() {
		return fmt.Errorf("%w: missing source address", ErrMalformedPacket)
	}
	if p.Length < 0 {
		return fmt.Errorf("%w: negative length %d", ErrMalformedPacket, p.Length)
	}
	switch p.Protocol {
	case ProtocolTCP:
		if p.Flags == nil {
			return fmt.Errorf("%w: TCP packet without flag data", ErrMalformedPacket)
		}
	case ProtocolUDP, ProtocolICMP:
		if p.Flags != nil {
			return fmt.Errorf("%w: TCP flags on %s packet", ErrMalformedPacket, p.Protocol)
		}
	default:
		return fmt.Errorf("%w: unsupported protocol %d", ErrMalformedPacket, uint8(p.Protocol))
	}
	return nil
}

// IsSYN reports an initial SYN (SYN set, ACK clear).
func (p Packet) IsSYN() bool {
	return p.Protocol == ProtocolTCP && p.Flags != nil && p.Flags.SYN && !p.Flags.ACK
}

// IsBareACK reports a TCP segment with ACK set and SYN clear, the shape of a
// handshake-completing ACK.
func (p Packet) IsBareACK() bool {
	return p.Protocol == ProtocolTCP && p.Flags != nil && p.Flags.ACK && !p.Flags.SYN && !p.Flags.RST
}

// Flow returns the packet's 5-tuple.
func (p Packet) Flow() Flow {
	return Flow{
		SrcIP:    p.SrcIP,
		DstIP:    p.DstIP,
		SrcPort:  p.SrcPort,
		DstPort:  p.DstPort,
		Protocol: p.Protocol,
	}
}

// Flow is a connection 5-tuple.
type Flow struct {
	SrcIP    netip.Addr
	DstIP    netip.Addr
	SrcPort  uint16
	DstPort  uint16
	Protocol Protocol
}

func (f Flow) String() string {
	return fmt.Sprintf("%s %s -> %s",
		f.Protocol,
		netip.AddrPortFrom(f.SrcIP, f.SrcPort),
		netip.AddrPortFrom(f.DstIP, f.DstPort))
}
