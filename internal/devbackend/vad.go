package devbackend

import (
	"math"
	"time"
)

// Default segmentation parameters. The silence threshold matches the final
// silence threshold of the production transcription service.
const (
	DefaultVADThreshold = 0.02
	DefaultMinSpeech    = 300 * time.Millisecond
	DefaultSilence      = 2 * time.Second
)

// SpeechEventType is the kind of boundary reported by the VAD.
type SpeechEventType int

const (
	SpeechNone SpeechEventType = iota
	SpeechStart
	SpeechEnd
)

// SpeechEvent is a speech boundary. Offset is measured from the start of the
// recording; Duration is set for SpeechEnd only.
type SpeechEvent struct {
	Type     SpeechEventType
	Offset   time.Duration
	Duration time.Duration
}

// VAD splits a PCM stream into speech segments by RMS energy. Time is counted
// in samples, so the result does not depend on how fast audio arrives.
type VAD struct {
	threshold  float64
	minSpeech  int
	silence    int
	sampleRate int

	pos       int
	inSpeech  bool
	candidate bool
	start     int
	last      int // end of the most recent loud frame
	total     int
}

// NewVAD creates a VAD. A segment starts once speech has lasted minSpeech and
// ends after silence without speech.
func NewVAD(threshold float64, minSpeech, silence time.Duration, sampleRate int) *VAD {
	return &VAD{
		threshold:  threshold,
		minSpeech:  durationToSamples(minSpeech, sampleRate),
		silence:    durationToSamples(silence, sampleRate),
		sampleRate: sampleRate,
	}
}

// Process consumes one frame and returns the boundary it completes, if any.
func (v *VAD) Process(samples []int16) SpeechEvent {
	begin := v.pos
	v.pos += len(samples)

	if rms(samples) > v.threshold {
		if !v.candidate && !v.inSpeech {
			v.candidate = true
			v.start = begin
		}
		v.last = v.pos
		if v.candidate && !v.inSpeech && v.pos-v.start >= v.minSpeech {
			v.inSpeech = true
			return SpeechEvent{Type: SpeechStart, Offset: v.toDuration(v.start)}
		}
		return SpeechEvent{}
	}

	if v.pos-v.last < v.silence {
		return SpeechEvent{}
	}
	if v.inSpeech {
		return v.end()
	}
	// A burst shorter than minSpeech is noise.
	v.candidate = false
	return SpeechEvent{}
}

// Flush ends a segment still open at the end of the recording.
func (v *VAD) Flush() SpeechEvent {
	if !v.inSpeech {
		v.candidate = false
		return SpeechEvent{}
	}
	return v.end()
}

func (v *VAD) end() SpeechEvent {
	n := v.last - v.start
	v.total += n
	v.inSpeech = false
	v.candidate = false
	return SpeechEvent{Type: SpeechEnd, Offset: v.toDuration(v.start), Duration: v.toDuration(n)}
}

// Speech returns the total duration of completed segments.
func (v *VAD) Speech() time.Duration {
	return v.toDuration(v.total)
}

// InSpeech reports whether a segment is open.
func (v *VAD) InSpeech() bool {
	return v.inSpeech
}

// Reset clears all state.
func (v *VAD) Reset() {
	*v = VAD{
		threshold:  v.threshold,
		minSpeech:  v.minSpeech,
		silence:    v.silence,
		sampleRate: v.sampleRate,
	}
}

func (v *VAD) toDuration(samples int) time.Duration {
	return time.Duration(samples) * time.Second / time.Duration(v.sampleRate)
}

func durationToSamples(d time.Duration, sampleRate int) int {
	return int(d * time.Duration(sampleRate) / time.Second)
}

// rms returns the root mean square of samples on the [-1, 1] scale.
func rms(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s) / 32768
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}
