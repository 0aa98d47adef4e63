// SPDX-License-Identifier: MIT
package udp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	applog "biotap/internal/log"
	"biotap/internal/transport"
)

var logPublisher = applog.Named("UDPPublisher")

// PacketSize is the length in bytes of one meter packet.
const PacketSize = 4 + 8 + 4 + 4 + 1

// Packet flags.
const (
	FlagTap         uint8 = 1 << iota // Trigger state at the last frame.
	FlagTapLatched                    // A tap arrived since the previous packet.
	FlagCalibrating                   // A calibration session is running.
)

// Packet is a decoded meter packet.
type Packet struct {
	Seq       uint32
	Timestamp int64 // Nanoseconds since epoch.
	RMS       float32
	Threshold float32
	Flags     uint8
}

// UDPPublisher periodically packs the latest meter frame into a fixed-size
// binary packet and sends it over UDP using a UDPSender. Frames and taps
// arrive through Send; the ticker goroutine managed by Start and Stop emits them.
type UDPPublisher struct {
	sender   *UDPSender
	interval time.Duration

	ticker   *time.Ticker   // Ticker that triggers packet sending.
	doneChan chan struct{}  // Channel used to signal the publisher goroutine to stop.
	stopOnce sync.Once      // Ensures the stop logic runs only once per Start/Stop cycle.
	wg       sync.WaitGroup // Waits for the publisher goroutine to finish during Stop.
	mu       sync.Mutex     // Protects access to ticker and doneChan during Start/Stop.

	frameMu sync.Mutex
	latest  transport.Frame
	have    bool
	latched bool

	sequenceNum  uint32
	packetBuffer *bytes.Buffer // Reusable buffer for constructing the binary packet.
}

// NewUDPPublisher creates and initializes a new UDPPublisher.
// If the provided interval is invalid (<= 0), it defaults to 33ms (~30Hz).
func NewUDPPublisher(interval time.Duration, sender *UDPSender) (*UDPPublisher, error) {
	if sender == nil {
		return nil, fmt.Errorf("UDPPublisher: UDP sender cannot be nil")
	}

	if interval <= 0 {
		interval = 33 * time.Millisecond
		logPublisher.Warnf("Invalid interval provided, defaulting to %s", interval)
	}

	logPublisher.Infof("Initializing (Interval: %s)", interval)

	return &UDPPublisher{
		sender:       sender,
		interval:     interval,
		packetBuffer: bytes.NewBuffer(make([]byte, 0, PacketSize)),
	}, nil
}

// Send records meter frames and latches tap presses for the next packet.
// Other messages are ignored.
func (p *UDPPublisher) Send(data any) error {
	p.frameMu.Lock()
	defer p.frameMu.Unlock()

	switch v := data.(type) {
	case transport.Frame:
		p.latest = v
		p.have = true
	case transport.TapEvent:
		if v.Edge != transport.EdgeRelease {
			p.latched = true
		}
	}
	return nil
}

// Start begins the periodic publishing process.
// It is safe to call Start multiple times; subsequent calls are no-ops if already started.
func (p *UDPPublisher) Start() {
	p.mu.Lock()
	if p.ticker != nil {
		p.mu.Unlock()
		logPublisher.Warnf("Start called but already running.")
		return
	}

	p.ticker = time.NewTicker(p.interval)
	p.doneChan = make(chan struct{})
	p.stopOnce = sync.Once{}

	ticker := p.ticker
	doneChan := p.doneChan

	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		logPublisher.Infof("Publisher goroutine started (Interval: %s)", p.interval)
		for {
			select {
			case <-ticker.C:
				p.buildAndSendPacket()
			case <-doneChan:
				logPublisher.Debugf("Publisher goroutine received stop signal.")
				return
			}
		}
	}()
}

// Stop signals the publisher goroutine to terminate and waits for it to exit.
// It is safe to call Stop multiple times; subsequent calls are no-ops.
func (p *UDPPublisher) Stop() error {
	p.mu.Lock()
	if p.ticker == nil {
		p.mu.Unlock()
		logPublisher.Debugf("Stop called but not running.")
		return nil
	}

	p.stopOnce.Do(func() {
		close(p.doneChan)
		p.ticker.Stop()
		p.ticker = nil
	})

	p.mu.Unlock()

	p.wg.Wait()
	logPublisher.Infof("Publisher goroutine finished.")
	return nil
}

/*
UDP Packet Structure (BigEndian)

|<---- 4 Bytes ---->|<------ 8 Bytes ------>|<-- 4 Bytes -->|<-- 4 Bytes -->|<- 1 ->|
+-------------------+-----------------------+---------------+---------------+-------+
|  Sequence Number  |       Timestamp       |      RMS      |   Threshold   | Flags |
|      (uint32)     |     (int64, ns)       |   (float32)   |   (float32)   | (u8)  |
+-------------------+-----------------------+---------------+---------------+-------+
*/

// buildAndSendPacket packs the latest frame and sends it. Nothing is sent
// until the first frame arrives.
func (p *UDPPublisher) buildAndSendPacket() {
	p.frameMu.Lock()
	if !p.have {
		p.frameMu.Unlock()
		return
	}
	frame := p.latest
	flags := uint8(0)
	if frame.Tap {
		flags |= FlagTap
	}
	if p.latched {
		flags |= FlagTapLatched
		p.latched = false
	}
	if frame.Calibrating {
		flags |= FlagCalibrating
	}
	p.frameMu.Unlock()

	p.sequenceNum++
	pkt := Packet{
		Seq:       p.sequenceNum,
		Timestamp: time.Now().UnixNano(),
		RMS:       float32(frame.RMS),
		Threshold: float32(frame.Threshold),
		Flags:     flags,
	}

	p.packetBuffer.Reset()
	if err := binary.Write(p.packetBuffer, binary.BigEndian, pkt); err != nil {
		logPublisher.Errorf("Error packing data into binary buffer: %v", err)
		return
	}

	packetBytes := p.packetBuffer.Bytes()
	if err := p.sender.Send(packetBytes); err == nil {
		logPublisher.Debugf("Sent packet %d (%d bytes)", p.sequenceNum, len(packetBytes))
	}
}

// ParsePacket decodes a meter packet.
func ParsePacket(b []byte) (Packet, error) {
	if len(b) != PacketSize {
		return Packet{}, fmt.Errorf("packet is %d bytes, want %d", len(b), PacketSize)
	}
	return Packet{
		Seq:       binary.BigEndian.Uint32(b[0:4]),
		Timestamp: int64(binary.BigEndian.Uint64(b[4:12])),
		RMS:       math.Float32frombits(binary.BigEndian.Uint32(b[12:16])),
		Threshold: math.Float32frombits(binary.BigEndian.Uint32(b[16:20])),
		Flags:     b[20],
	}, nil
}

// Close stops the publisher goroutine and closes the sender.
func (p *UDPPublisher) Close() error {
	if err := p.Stop(); err != nil {
		return err
	}
	return p.sender.Close()
}

var _ transport.Transport = (*UDPPublisher)(nil)
