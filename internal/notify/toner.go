package notify

import (
	"io"
	"time"
)

// Tone describes the audible alert for a notification kind. The frequency and
// duration are carried to clients, which render the actual audio; server-side
// Toner implementations are for consoles and tests.
type Tone struct {
	Frequency float64       `json:"frequency"`
	Duration  time.Duration `json:"-"`
	Ms        int64         `json:"duration_ms"`
}

// ToneFor returns the fixed tone for a notification kind. Every kind gets a
// distinct frequency and the same short duration.
func ToneFor(kind Kind) Tone {
	const toneDuration = 300 * time.Millisecond

	var freq float64
	switch kind {
	case KindNewOrder:
		freq = 880
	case KindUrgent:
		freq = 1040
	case KindStatusUpdate:
		freq = 660
	case KindSuccess:
		freq = 760
	case KindError:
		freq = 520
	default:
		freq = 660
	}

	return Tone{Frequency: freq, Duration: toneDuration, Ms: toneDuration.Milliseconds()}
}

// Toner is the audio capability behind the notifier. Implementations must be
// safe to call from event handlers; errors degrade to visual-only alerts.
type Toner interface {
	Play(kind Kind, volume float64) error
}

// NoopToner discards tones. Default when no audio sink is wired.
type NoopToner struct{}

func (NoopToner) Play(Kind, float64) error { return nil }

// BellToner rings the terminal bell on the given writer. A zero volume keeps
// it silent.
type BellToner struct {
	W io.Writer
}

func (t BellToner) Play(kind Kind, volume float64) error {
	if t.W == nil || volume <= 0 {
		return nil
	}
	_, err := t.W.Write([]byte{'\a'})
	return err
}
