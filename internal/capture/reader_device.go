package capture

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/lexiqai/voice-relay/internal/audio"
)

// ErrDeviceOpen is returned when opening a device that is already open
var ErrDeviceOpen = errors.New("device already open")

const readChunkSize = 4096

// ReaderDevice is a Device reading little-endian PCM16 mono from an
// io.Reader. Frames are cut to a fixed size; the last partial frame is
// padded with silence. With realtime pacing each frame is delivered when
// it would have been captured by a live microphone.
type ReaderDevice struct {
	r          io.Reader
	sampleRate int
	realtime   bool

	mu       sync.Mutex
	stop     chan struct{}
	stopped  chan struct{}
	done     chan struct{}
	doneOnce sync.Once
	err      error
}

// NewReaderDevice creates a device over r at sampleRate
func NewReaderDevice(r io.Reader, sampleRate int, realtime bool) *ReaderDevice {
	return &ReaderDevice{
		r:          r,
		sampleRate: sampleRate,
		realtime:   realtime,
		done:       make(chan struct{}),
	}
}

// SampleRate implements Device
func (d *ReaderDevice) SampleRate() int {
	return d.sampleRate
}

// Open implements Device. Frames are delivered from a single goroutine.
func (d *ReaderDevice) Open(frameSize int, fn FrameFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stop != nil {
		return ErrDeviceOpen
	}

	d.stop = make(chan struct{})
	d.stopped = make(chan struct{})
	go d.run(frameSize, fn, d.stop, d.stopped)
	return nil
}

// Close implements Device. It waits for the delivering goroutine to exit
// and is safe to call when the device was never opened.
func (d *ReaderDevice) Close() error {
	d.mu.Lock()
	stop, stopped := d.stop, d.stopped
	d.stop, d.stopped = nil, nil
	d.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)
	<-stopped
	return nil
}

// Done is closed once the reader is exhausted and every frame delivered
func (d *ReaderDevice) Done() <-chan struct{} {
	return d.done
}

// Err returns the read error that ended input, nil on a clean EOF
func (d *ReaderDevice) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

func (d *ReaderDevice) run(frameSize int, fn FrameFunc, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	frameBytes := frameSize * 2
	ring := audio.NewRingBuffer(frameBytes*8 + 1)
	chunk := make([]byte, readChunkSize)

	frameDuration := time.Duration(float64(frameSize) / float64(d.sampleRate) * float64(time.Second))
	next := time.Now()

	deliver := func(frame []byte) bool {
		if d.realtime {
			wait := time.Until(next)
			next = next.Add(frameDuration)
			if wait > 0 {
				select {
				case <-stop:
					return false
				case <-time.After(wait):
				}
			}
		}

		select {
		case <-stop:
			return false
		default:
		}

		samples, _ := audio.BytesToInt16(frame)
		fn(audio.Int16ToFloat(samples))
		return true
	}

	for {
		n, readErr := d.r.Read(chunk)
		pending := chunk[:n]

		for len(pending) > 0 {
			written := ring.Write(pending)
			pending = pending[written:]

			for {
				frame, ok := ring.Next(frameBytes)
				if !ok {
					break
				}
				if !deliver(frame) {
					return
				}
			}
		}

		if readErr == nil {
			continue
		}

		if rest := ring.Available(); rest > 0 {
			frame := make([]byte, frameBytes)
			ring.Read(frame[:rest-rest%2])
			if !deliver(frame) {
				return
			}
		}

		d.mu.Lock()
		if !errors.Is(readErr, io.EOF) {
			d.err = readErr
		}
		d.mu.Unlock()
		d.doneOnce.Do(func() { close(d.done) })
		return
	}
}
