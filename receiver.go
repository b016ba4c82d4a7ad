// Copyright 2025 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rtpsync

import (
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/pion/rtcp"
	"go.uber.org/atomic"

	"github.com/livekit/rtpsync/pkg/rtcpsync"
)

const (
	// DefaultRRInterval matches the firmware's 5 s feedback cadence.
	DefaultRRInterval = 5 * time.Second

	// DefaultTargetLatency is added to every computed playout delay.
	DefaultTargetLatency = 50 * time.Millisecond

	// readTimeout bounds each socket wait so the loop notices shutdown
	// and due receiver reports promptly.
	readTimeout = 100 * time.Millisecond

	statusLogInterval = 10 * time.Second

	rtcpBufferSize = 512
)

// Receiver owns the RTCP control-channel sockets for one RTP session. It
// feeds inbound reports into a rtcpsync.Engine and periodically sends
// receiver reports back to the active sender. Data-plane RTP packets are
// framed elsewhere; callers push their header fields through Engine().
type Receiver struct {
	engine        *rtcpsync.Engine
	ssrc          uint32
	rrInterval    time.Duration
	targetLatency time.Duration
	logger        Logger

	conn      *net.UDPConn
	mcastConn *net.UDPConn

	mu         sync.Mutex
	sourceAddr *net.UDPAddr
	lastRR     time.Time

	stop    core.Fuse
	wg      sync.WaitGroup
	started atomic.Bool

	stats ReceiverStats
}

// ReceiverStats counts control-channel traffic by type. Malformed input
// and unknown packet types only inflate counters, never fail the loop.
type ReceiverStats struct {
	PacketsReceived atomic.Uint32
	BytesReceived   atomic.Uint64
	SenderReports   atomic.Uint32
	ReceiverReports atomic.Uint32
	SDESReceived    atomic.Uint32
	ByesReceived    atomic.Uint32
	AppReceived     atomic.Uint32
	UnknownDropped  atomic.Uint32
	Malformed       atomic.Uint32
	RRSent          atomic.Uint32
}

type ReceiverOption func(r *Receiver)

// WithRRInterval sets the receiver-report emission interval.
func WithRRInterval(d time.Duration) ReceiverOption {
	return func(r *Receiver) {
		r.rrInterval = d
	}
}

// WithTargetLatency sets the playout latency added by PlayoutDelay.
func WithTargetLatency(d time.Duration) ReceiverOption {
	return func(r *Receiver) {
		r.targetLatency = d
	}
}

// WithReceiverSSRC overrides the randomly generated reporter SSRC.
func WithReceiverSSRC(ssrc uint32) ReceiverOption {
	return func(r *Receiver) {
		r.ssrc = ssrc
	}
}

func WithReceiverLogger(l Logger) ReceiverOption {
	return func(r *Receiver) {
		r.logger = l
	}
}

func NewReceiver(engine *rtcpsync.Engine, opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		engine:        engine,
		ssrc:          rand.Uint32(),
		rrInterval:    DefaultRRInterval,
		targetLatency: DefaultTargetLatency,
		logger:        getLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Engine exposes the sync engine for data-plane and playout callers.
func (r *Receiver) Engine() *rtcpsync.Engine {
	return r.engine
}

// SSRC returns the reporter SSRC used in outgoing receiver reports.
func (r *Receiver) SSRC() uint32 {
	return r.ssrc
}

func (r *Receiver) Stats() *ReceiverStats {
	return &r.stats
}

// Start binds the unicast RTCP socket on rtpPort+1 and launches the
// ingestion loop.
func (r *Receiver) Start(rtpPort int) error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: rtpPort + 1})
	if err != nil {
		r.started.Store(false)
		return err
	}
	r.conn = conn

	r.logger.Infow(
		"rtcp receiver started",
		"port", rtpPort+1,
		"SSRC", r.ssrc,
		"rrInterval", r.rrInterval,
		"targetLatency", r.targetLatency,
	)

	r.wg.Add(1)
	go r.readLoop(conn, true)
	return nil
}

// JoinMulticast opens a second socket subscribed to the group's RTCP port
// and feeds it through the same processing path.
func (r *Receiver) JoinMulticast(group string, rtpPort int) error {
	ip := net.ParseIP(group)
	if ip == nil {
		return ErrInvalidMulticastGroup
	}

	conn, err := net.ListenMulticastUDP("udp4", nil, &net.UDPAddr{IP: ip, Port: rtpPort + 1})
	if err != nil {
		return err
	}

	r.mu.Lock()
	prev := r.mcastConn
	r.mcastConn = conn
	r.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}

	r.logger.Infow("joined rtcp multicast group", "group", group, "port", rtpPort+1)

	r.wg.Add(1)
	go r.readLoop(conn, false)
	return nil
}

// LeaveMulticast closes the multicast socket, if any.
func (r *Receiver) LeaveMulticast() {
	r.mu.Lock()
	conn := r.mcastConn
	r.mcastConn = nil
	r.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// Stop ends the ingestion loops and closes the sockets. Safe to call more
// than once.
func (r *Receiver) Stop() {
	r.stop.Once(func() {
		if r.conn != nil {
			_ = r.conn.Close()
		}
		r.LeaveMulticast()
	})
	r.wg.Wait()
}

// PlayoutDelay converts a sample-clock timestamp to how long playout
// should wait, target latency included. Negative means the sample is late.
func (r *Receiver) PlayoutDelay(ssrc uint32, rtpTS uint32) (time.Duration, error) {
	pt, err := r.engine.PlayoutTime(ssrc, rtpTS)
	if err != nil {
		return 0, err
	}
	return time.Until(pt) + r.targetLatency, nil
}

// readLoop drains one socket with a bounded deadline so shutdown and due
// receiver reports are noticed within readTimeout. Only the unicast loop
// drives RR emission.
func (r *Receiver) readLoop(conn *net.UDPConn, emitRR bool) {
	defer r.wg.Done()

	buf := make([]byte, rtcpBufferSize)
	lastStatus := time.Now()
	for {
		if r.stop.IsBroken() {
			return
		}

		if emitRR && time.Since(lastStatus) >= statusLogInterval {
			lastStatus = time.Now()
			r.logger.Debugw(
				"rtcp receiver alive",
				"packets", r.stats.PacketsReceived.Load(),
				"bytes", r.stats.BytesReceived.Load(),
				"senderReports", r.stats.SenderReports.Load(),
				"rrSent", r.stats.RRSent.Load(),
				"malformed", r.stats.Malformed.Load(),
			)
		}

		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if emitRR {
					r.maybeSendRR()
				}
				continue
			}
			// closed or fatal socket error ends this loop
			return
		}

		r.stats.PacketsReceived.Inc()
		r.stats.BytesReceived.Add(uint64(n))
		r.processPacket(buf[:n], addr)

		if emitRR {
			r.maybeSendRR()
		}
	}
}

// processPacket dispatches one datagram, which may be a compound RTCP
// packet. Short packets and bad versions are dropped and counted.
func (r *Receiver) processPacket(data []byte, addr *net.UDPAddr) {
	pkts, err := rtcp.Unmarshal(data)
	if err != nil {
		r.stats.Malformed.Inc()
		r.logger.Debugw("dropping malformed rtcp packet", "from", addr.String(), "bytes", len(data), "error", err)
		return
	}

	for _, pkt := range pkts {
		switch p := pkt.(type) {
		case *rtcp.SenderReport:
			r.stats.SenderReports.Inc()
			if err := r.engine.ProcessSenderReport(p); err != nil {
				r.logger.Debugw("sender report not admitted", "SSRC", p.SSRC, "error", err)
				continue
			}
			r.mu.Lock()
			r.sourceAddr = addr
			r.mu.Unlock()

		case *rtcp.ReceiverReport:
			// we are a receiver; another receiver's feedback is ignored
			r.stats.ReceiverReports.Inc()

		case *rtcp.SourceDescription:
			r.stats.SDESReceived.Inc()
			for _, chunk := range p.Chunks {
				for _, item := range chunk.Items {
					if item.Type == rtcp.SDESCNAME {
						r.engine.SetCNAME(chunk.Source, item.Text)
					}
				}
			}

		case *rtcp.Goodbye:
			r.stats.ByesReceived.Inc()
			for _, ssrc := range p.Sources {
				r.engine.ProcessBye(ssrc)
			}

		case *rtcp.ApplicationDefined:
			r.stats.AppReceived.Inc()

		default:
			r.stats.UnknownDropped.Inc()
		}
	}
}

// maybeSendRR emits a receiver report for the primary source when one is
// due, addressed to the sender's RTCP port. The interval clock only
// advances on an actual send, so a gap with no usable primary does not
// delay the next report once one returns.
func (r *Receiver) maybeSendRR() {
	r.mu.Lock()
	addr := r.sourceAddr
	due := addr != nil && time.Since(r.lastRR) >= r.rrInterval
	r.mu.Unlock()
	if !due {
		return
	}

	primary, ok := r.engine.Primary()
	if !ok {
		return
	}

	var buf [rtcpsync.ReceiverReportSize]byte
	n, err := r.engine.WriteReceiverReport(r.ssrc, primary, buf[:])
	if err != nil {
		r.logger.Debugw("skipping receiver report", "SSRC", primary, "error", err)
		return
	}

	dest := &net.UDPAddr{IP: addr.IP, Port: addr.Port + 1}
	if _, err = r.conn.WriteToUDP(buf[:n], dest); err != nil {
		r.logger.Warnw("failed to send receiver report", err, "dest", dest.String())
		return
	}

	r.mu.Lock()
	r.lastRR = time.Now()
	r.mu.Unlock()

	r.stats.RRSent.Inc()
	r.logger.Debugw("sent receiver report", "SSRC", primary, "dest", dest.String())
}
