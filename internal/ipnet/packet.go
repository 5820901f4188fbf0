// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

// Package ipnet parses and builds the IPv4 + UDP/TCP headers carried as the
// payload of a 0x2F overlay datagram (spec.md §3, §4.4). It implements only
// the minimum needed to route and re-encapsulate tunneled packets; it is not
// a general-purpose packet library.
package ipnet

import (
	"encoding/binary"
	"errors"
	"net"
)

const (
	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17
)

var (
	ErrNotIPv4         = errors.New("ipnet: not an ipv4 packet")
	ErrHeaderTooShort  = errors.New("ipnet: ip header length too short")
	ErrTotalLenMismatch = errors.New("ipnet: ip total length inconsistent with buffer")
	ErrUDPTooShort     = errors.New("ipnet: udp length below minimum (8 bytes)")
	ErrTCPTooShort     = errors.New("ipnet: tcp header too short")
)

// IPv4Header is the subset of an IPv4 header needed for routing and flow
// keying.
type IPv4Header struct {
	HeaderLen int // bytes
	TotalLen  int // bytes
	Protocol  byte
	SrcIP     net.IP
	DstIP     net.IP
}

// ParseIPv4Header validates and parses the IPv4 header at the front of buf.
// Per spec.md §4.4: reject a declared version other than 4, a header length
// below the 20-byte minimum (IHL < 5), or a total length inconsistent with
// the buffer.
func ParseIPv4Header(buf []byte) (IPv4Header, error) {
	if len(buf) < 20 {
		return IPv4Header{}, ErrHeaderTooShort
	}
	version := buf[0] >> 4
	ihl := int(buf[0] & 0x0F)
	if version != 4 {
		return IPv4Header{}, ErrNotIPv4
	}
	if ihl < 5 {
		return IPv4Header{}, ErrHeaderTooShort
	}
	headerLen := ihl * 4
	if len(buf) < headerLen {
		return IPv4Header{}, ErrHeaderTooShort
	}
	totalLen := int(binary.BigEndian.Uint16(buf[2:4]))
	if totalLen < headerLen || totalLen > len(buf) {
		return IPv4Header{}, ErrTotalLenMismatch
	}
	return IPv4Header{
		HeaderLen: headerLen,
		TotalLen:  totalLen,
		Protocol:  buf[9],
		SrcIP:     net.IPv4(buf[12], buf[13], buf[14], buf[15]),
		DstIP:     net.IPv4(buf[16], buf[17], buf[18], buf[19]),
	}, nil
}

// FourTuple is the flow key spec.md §3 mandates: strict 4-tuple keying, no
// "first entry wins" shortcut (spec.md §9).
type FourTuple struct {
	SrcIP   string
	SrcPort uint16
	DstIP   string
	DstPort uint16
}

// Reversed swaps source and destination, used when re-encapsulating a reply
// (spec.md §4.4: "The original flow key is reversed").
func (f FourTuple) Reversed() FourTuple {
	return FourTuple{SrcIP: f.DstIP, SrcPort: f.DstPort, DstIP: f.SrcIP, DstPort: f.SrcPort}
}

// ParseUDP parses the UDP header/payload following an IPv4 header at
// hdr.HeaderLen. Rejects a declared UDP length < 8, per spec.md §4.4 and
// the testable property in §8.
func ParseUDP(buf []byte, hdr IPv4Header) (srcPort, dstPort uint16, payload []byte, err error) {
	udp := buf[hdr.HeaderLen:hdr.TotalLen]
	if len(udp) < 8 {
		return 0, 0, nil, ErrUDPTooShort
	}
	udpLen := int(binary.BigEndian.Uint16(udp[4:6]))
	if udpLen < 8 || udpLen > len(udp) {
		return 0, 0, nil, ErrUDPTooShort
	}
	srcPort = binary.BigEndian.Uint16(udp[0:2])
	dstPort = binary.BigEndian.Uint16(udp[2:4])
	return srcPort, dstPort, udp[8:udpLen], nil
}

// TCPFlags holds the TCP control bits this package reads and writes.
type TCPFlags struct {
	SYN, ACK, FIN, RST bool
}

// ParseTCP parses the TCP header at hdr.HeaderLen, returning ports, flags,
// and the payload.
func ParseTCP(buf []byte, hdr IPv4Header) (srcPort, dstPort uint16, flags TCPFlags, payload []byte, err error) {
	tcp := buf[hdr.HeaderLen:hdr.TotalLen]
	if len(tcp) < 20 {
		return 0, 0, TCPFlags{}, nil, ErrTCPTooShort
	}
	dataOffset := int(tcp[12]>>4) * 4
	if dataOffset < 20 || dataOffset > len(tcp) {
		return 0, 0, TCPFlags{}, nil, ErrTCPTooShort
	}
	srcPort = binary.BigEndian.Uint16(tcp[0:2])
	dstPort = binary.BigEndian.Uint16(tcp[2:4])
	flagByte := tcp[13]
	flags = TCPFlags{
		FIN: flagByte&0x01 != 0,
		SYN: flagByte&0x02 != 0,
		RST: flagByte&0x04 != 0,
		ACK: flagByte&0x10 != 0,
	}
	return srcPort, dstPort, flags, tcp[dataOffset:], nil
}

// BuildUDP constructs a well-formed IPv4+UDP packet. The UDP checksum is
// left zero, which is valid for IPv4 per spec.md §4.4 ("UDP checksum may be
// zero for IPv4").
func BuildUDP(srcIP, dstIP net.IP, srcPort, dstPort uint16, payload []byte) []byte {
	udpLen := 8 + len(payload)
	totalLen := 20 + udpLen
	buf := make([]byte, totalLen)

	writeIPv4Header(buf, srcIP, dstIP, ProtoUDP, totalLen)

	udp := buf[20:]
	binary.BigEndian.PutUint16(udp[0:2], srcPort)
	binary.BigEndian.PutUint16(udp[2:4], dstPort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpLen))
	binary.BigEndian.PutUint16(udp[6:8], 0) // checksum optional for IPv4
	copy(udp[8:], payload)

	binary.BigEndian.PutUint16(buf[10:12], ipv4Checksum(buf[:20]))
	return buf
}

// BuildTCP constructs a well-formed IPv4+TCP packet with a correct TCP
// checksum (the TCP checksum is mandatory, unlike UDP's).
func BuildTCP(srcIP, dstIP net.IP, srcPort, dstPort uint16, seq, ack uint32, flags TCPFlags, payload []byte) []byte {
	const tcpHeaderLen = 20
	totalLen := 20 + tcpHeaderLen + len(payload)
	buf := make([]byte, totalLen)

	writeIPv4Header(buf, srcIP, dstIP, ProtoTCP, totalLen)

	tcp := buf[20:]
	binary.BigEndian.PutUint16(tcp[0:2], srcPort)
	binary.BigEndian.PutUint16(tcp[2:4], dstPort)
	binary.BigEndian.PutUint32(tcp[4:8], seq)
	binary.BigEndian.PutUint32(tcp[8:12], ack)
	tcp[12] = byte(tcpHeaderLen/4) << 4
	var flagByte byte
	if flags.FIN {
		flagByte |= 0x01
	}
	if flags.SYN {
		flagByte |= 0x02
	}
	if flags.RST {
		flagByte |= 0x04
	}
	if flags.ACK {
		flagByte |= 0x10
	}
	tcp[13] = flagByte
	binary.BigEndian.PutUint16(tcp[14:16], 65535) // window
	copy(tcp[20:], payload)

	binary.BigEndian.PutUint16(tcp[16:18], tcpChecksum(srcIP, dstIP, tcp))
	binary.BigEndian.PutUint16(buf[10:12], ipv4Checksum(buf[:20]))
	return buf
}

func writeIPv4Header(buf []byte, srcIP, dstIP net.IP, proto byte, totalLen int) {
	buf[0] = 0x45 // version 4, IHL 5
	buf[1] = 0
	binary.BigEndian.PutUint16(buf[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(buf[4:6], 0) // identification
	binary.BigEndian.PutUint16(buf[6:8], 0) // flags/fragment offset
	buf[8] = 64                             // TTL
	buf[9] = proto
	copy(buf[12:16], srcIP.To4())
	copy(buf[16:20], dstIP.To4())
}

func ipv4Checksum(header []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(header); i += 2 {
		if i == 10 { // checksum field itself
			continue
		}
		sum += uint32(binary.BigEndian.Uint16(header[i : i+2]))
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

func tcpChecksum(srcIP, dstIP net.IP, tcp []byte) uint16 {
	var sum uint32
	src4, dst4 := srcIP.To4(), dstIP.To4()
	sum += uint32(binary.BigEndian.Uint16(src4[0:2]))
	sum += uint32(binary.BigEndian.Uint16(src4[2:4]))
	sum += uint32(binary.BigEndian.Uint16(dst4[0:2]))
	sum += uint32(binary.BigEndian.Uint16(dst4[2:4]))
	sum += uint32(ProtoTCP)
	sum += uint32(len(tcp))

	// zero the checksum field before summing, as it was just written.
	orig16 := binary.BigEndian.Uint16(tcp[16:18])
	binary.BigEndian.PutUint16(tcp[16:18], 0)
	for i := 0; i+1 < len(tcp); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(tcp[i : i+2]))
	}
	if len(tcp)%2 == 1 {
		sum += uint32(tcp[len(tcp)-1]) << 8
	}
	binary.BigEndian.PutUint16(tcp[16:18], orig16)

	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}
