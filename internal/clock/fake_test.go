package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeAdvanceFiresDueTimers(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	timer := f.NewTimer(5 * time.Second)

	f.Advance(3 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("timer fired early")
	default:
	}

	f.Advance(3 * time.Second)
	select {
	case <-timer.C():
	default:
		t.Fatal("timer did not fire after deadline")
	}
}

func TestFakeNowAdvances(t *testing.T) {
	start := time.Unix(100, 0)
	f := NewFake(start)
	assert.Equal(t, start, f.Now())
	f.Advance(10 * time.Second)
	assert.Equal(t, start.Add(10*time.Second), f.Now())
}

func TestFakeTimerStopPreventsFiring(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	timer := f.NewTimer(1 * time.Second)
	timer.Stop()
	f.Advance(2 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("stopped timer fired")
	default:
	}
}
