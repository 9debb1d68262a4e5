package media

import (
	"time"

	"github.com/pion/rtcp"
)

// rtcpSummary aggregates the quality reports of one RTCP read.
type rtcpSummary struct {
	PacketLoss float64
	Jitter     uint32
	RTT        time.Duration
	NACKs      int
	PLIs       int
	Reports    int
}

func summarizeRTCP(packets []rtcp.Packet) rtcpSummary {
	var (
		s         rtcpSummary
		totalLoss uint32
		totalJit  uint32
		totalRTT  time.Duration
	)

	for _, packet := range packets {
		switch p := packet.(type) {
		case *rtcp.ReceiverReport:
			for _, report := range p.Reports {
				totalLoss += uint32(report.FractionLost)
				totalJit += report.Jitter
				s.Reports++
				if report.LastSenderReport != 0 && report.Delay != 0 {
					totalRTT += time.Duration(report.Delay) * time.Second / 65536
				}
			}
		case *rtcp.TransportLayerNack:
			for _, pair := range p.Nacks {
				s.NACKs += len(pair.PacketList())
			}
		case *rtcp.PictureLossIndication:
			s.PLIs++
		}
	}

	if s.Reports > 0 {
		s.PacketLoss = float64(totalLoss) / float64(s.Reports) / 256.0
		s.Jitter = totalJit / uint32(s.Reports)
		s.RTT = totalRTT / time.Duration(s.Reports)
	}
	return s
}
