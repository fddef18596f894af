// Package capture converts captured frames into packet descriptors.
package capture

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/nshruti113/ddos-mitigator/internal/models"
)

var (
	// ErrNoIPLayer is returned for frames without an IPv4 or IPv6 header,
	// e.g. ARP. Callers usually skip them.
	ErrNoIPLayer = errors.New("no IP layer")
	// ErrUnsupported is returned for IP packets whose transport is not TCP,
	// UDP or ICMP, including non-first fragments.
	ErrUnsupported = errors.New("unsupported transport")
)

const ipv6HeaderLen = 40

// Decode parses one frame starting at layer first.
func Decode(data []byte, first gopacket.LayerType, ts time.Time) (models.Packet, error) {
	pkt := gopacket.NewPacket(data, first, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	p := models.Packet{Timestamp: ts}
	var proto layers.IPProtocol

	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		p.SrcIP, p.DstIP = toAddr(ip.SrcIP), toAddr(ip.DstIP)
		p.Length = int(ip.Length)
		proto = ip.Protocol
	case *layers.IPv6:
		p.SrcIP, p.DstIP = toAddr(ip.SrcIP), toAddr(ip.DstIP)
		p.Length = int(ip.Length) + ipv6HeaderLen
		proto = ip.NextHeader
	default:
		return models.Packet{}, ErrNoIPLayer
	}

	switch l4 := pkt.TransportLayer().(type) {
	case *layers.TCP:
		p.Protocol = models.ProtocolTCP
		p.SrcPort, p.DstPort = uint16(l4.SrcPort), uint16(l4.DstPort)
		p.Flags = &models.TCPFlags{SYN: l4.SYN, ACK: l4.ACK, FIN: l4.FIN, RST: l4.RST}
		p.Seq, p.Ack = l4.Seq, l4.Ack
		return p, nil
	case *layers.UDP:
		p.Protocol = models.ProtocolUDP
		p.SrcPort, p.DstPort = uint16(l4.SrcPort), uint16(l4.DstPort)
		return p, nil
	}

	if pkt.Layer(layers.LayerTypeICMPv4) != nil || pkt.Layer(layers.LayerTypeICMPv6) != nil {
		p.Protocol = models.ProtocolICMP
		return p, nil
	}

	if err := pkt.ErrorLayer(); err != nil {
		return models.Packet{}, fmt.Errorf("%w: %s: %s", ErrUnsupported, proto, err.Error())
	}
	return models.Packet{}, fmt.Errorf("%w: %s", ErrUnsupported, proto)
}

func toAddr(ip net.IP) netip.Addr {
	addr, _ := netip.AddrFromSlice(ip)
	return addr.Unmap()
}
