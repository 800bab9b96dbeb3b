package ingest

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/lifeline/internal/security"
)

// Datagram is one UDP payload recovered from a capture.
type Datagram struct {
	Timestamp time.Time
	SrcPort   uint16
	DstPort   uint16
	Payload   []byte
}

// packetReader is satisfied by both pcapgo readers.
type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// pcapng section header block type.
var ngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// ReadPCAP extracts UDP payloads sent to dstPort from a pcap or pcapng
// stream. dstPort 0 keeps every UDP payload.
func ReadPCAP(r io.Reader, dstPort uint16) ([]Datagram, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("read capture header: %w", err)
	}

	var src packetReader
	if bytes.Equal(magic, ngMagic) {
		src, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		src, err = pcapgo.NewReader(br)
	}
	if err != nil {
		return nil, fmt.Errorf("open capture: %w", err)
	}

	var out []Datagram
	for {
		data, ci, err := src.ReadPacketData()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("read packet %d: %w", len(out), err)
		}
		pkt := gopacket.NewPacket(data, src.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		udpLayer := pkt.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if dstPort != 0 && uint16(udp.DstPort) != dstPort {
			continue
		}
		payload := make([]byte, len(udp.Payload))
		copy(payload, udp.Payload)
		out = append(out, Datagram{
			Timestamp: ci.Timestamp,
			SrcPort:   uint16(udp.SrcPort),
			DstPort:   uint16(udp.DstPort),
			Payload:   payload,
		})
	}
}

// ReadPCAPFile opens path after checking it is readable from here.
func ReadPCAPFile(path string, dstPort uint16) ([]Datagram, error) {
	if err := security.ValidateReadPath(path); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture %s: %w", path, err)
	}
	defer f.Close()
	return ReadPCAP(f, dstPort)
}

// Replay writes each datagram to w. With paced set, the gaps between
// capture timestamps are reproduced, scaled by speed (2 replays twice as
// fast). It returns the number of datagrams written.
func Replay(ctx context.Context, w io.Writer, dgs []Datagram, paced bool, speed float64) (int, error) {
	if speed <= 0 {
		speed = 1
	}
	sent := 0
	for i, d := range dgs {
		if paced && i > 0 {
			gap := time.Duration(float64(d.Timestamp.Sub(dgs[i-1].Timestamp)) / speed)
			if gap > 0 {
				t := time.NewTimer(gap)
				select {
				case <-ctx.Done():
					t.Stop()
					return sent, ctx.Err()
				case <-t.C:
				}
			}
		}
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if _, err := w.Write(d.Payload); err != nil {
			return sent, fmt.Errorf("send datagram %d: %w", i, err)
		}
		sent++
	}
	return sent, nil
}

// DialUDP connects to a live ingest address for Replay.
func DialUDP(addr string) (*net.UDPConn, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	return net.DialUDP("udp", nil, raddr)
}
