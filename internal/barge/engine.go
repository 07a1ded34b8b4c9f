package barge

import (
	"encoding/binary"
	"math"
	"sync"
	"time"
)

const frameDur = 10 * time.Millisecond

type simpleVAD struct {
	threshold float64
	smoothN   int
	win       []bool
}

func newSimpleVAD(threshold float64) *simpleVAD {
	if threshold <= 0 {
		threshold = 300.0
	}
	return &simpleVAD{threshold: threshold, smoothN: 4}
}

func (v *simpleVAD) isSpeech(frame Frame10ms) bool {
	if len(frame) == 0 {
		return false
	}
	var sum float64
	for _, s := range frame {
		f := float64(s)
		sum += f * f
	}
	rms := math.Sqrt(sum / float64(len(frame)))
	b := rms >= v.threshold
	v.win = append(v.win, b)
	if len(v.win) > v.smoothN {
		v.win = v.win[len(v.win)-v.smoothN:]
	}
	trueCount := 0
	for _, x := range v.win {
		if x {
			trueCount++
		}
	}
	return trueCount*2 >= len(v.win)
}

func (v *simpleVAD) reset() { v.win = v.win[:0] }

// Detector measures how long the respondent has been speaking. While armed
// (the AI is talking) a speech run reaching Threshold raises OnInterrupt.
type Detector struct {
	cfg Config
	ev  Events

	mu       sync.Mutex
	vad      *simpleVAD
	rem      []byte
	armed    bool
	fired    bool
	voiced   time.Duration
	gap      time.Duration
	speaking bool
	now      func() time.Time
}

func NewDetector(cfg Config, ev Events) *Detector {
	def := DefaultConfig()
	if cfg.SampleRate == 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.HangoverMs <= 0 {
		cfg.HangoverMs = def.HangoverMs
	}
	return &Detector{cfg: cfg, ev: ev, vad: newSimpleVAD(cfg.RMSThreshold), now: time.Now}
}

// SetArmed toggles interruption detection. Arming starts a fresh run so
// speech that began before the AI turn is not counted.
func (d *Detector) SetArmed(on bool) {
	d.mu.Lock()
	d.armed = on
	d.fired = false
	if on {
		d.voiced = 0
	}
	d.mu.Unlock()
}

// Speaking reports whether a respondent speech run is in progress.
func (d *Detector) Speaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}

// Reset clears all run state.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.rem = nil
	d.voiced, d.gap = 0, 0
	d.fired = false
	d.speaking = false
	d.vad.reset()
	d.mu.Unlock()
}

// Feed accepts arbitrary-length PCM16LE at SampleRate and splits it into
// 10ms frames. Trailing bytes are kept for the next call.
func (d *Detector) Feed(pcm []byte) {
	var (
		interrupt bool
		changed   bool
		speaking  bool
	)
	d.mu.Lock()
	buf := append(d.rem, pcm...)
	frameBytes := d.cfg.SampleRate / 100 * 2
	off := 0
	for ; off+frameBytes <= len(buf); off += frameBytes {
		frame := make(Frame10ms, frameBytes/2)
		for i := range frame {
			frame[i] = int16(binary.LittleEndian.Uint16(buf[off+i*2 : off+i*2+2]))
		}
		fi, fc := d.onFrame(frame)
		interrupt = interrupt || fi
		changed = changed != fc
	}
	d.rem = append(d.rem[:0:0], buf[off:]...)
	speaking = d.speaking
	d.mu.Unlock()

	if changed && d.ev.OnSpeechChange != nil {
		d.ev.OnSpeechChange(speaking)
	}
	if interrupt && d.ev.OnInterrupt != nil {
		d.ev.OnInterrupt(d.now())
	}
}

// onFrame must be called with d.mu held. It reports whether this frame
// fired an interrupt and whether the speaking state flipped.
func (d *Detector) onFrame(frame Frame10ms) (interrupt, changed bool) {
	was := d.speaking
	if d.vad.isSpeech(frame) {
		d.voiced += frameDur
		d.gap = 0
		d.speaking = true
	} else if d.speaking {
		d.gap += frameDur
		if d.gap > time.Duration(d.cfg.HangoverMs)*time.Millisecond {
			d.voiced, d.gap = 0, 0
			d.speaking = false
		}
	}
	if d.armed && !d.fired && d.voiced >= d.cfg.Threshold {
		d.fired = true
		interrupt = true
	}
	return interrupt, was != d.speaking
}
