package importer

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/tormoder/fit"
)

// invalidCycles is the FIT sentinel for an unset total_cycles field.
const invalidCycles = 0xFFFFFFFF

// importFIT extracts steps from a FIT activity file. Each session of a
// walking-type sport contributes total_cycles * 2 steps over its elapsed
// time window.
func (im *Importer) importFIT(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open fit file: %w", err)
	}
	defer f.Close()

	decoded, err := fit.Decode(f)
	if err != nil {
		return fmt.Errorf("decode fit file: %w", err)
	}

	activity, err := decoded.Activity()
	if err != nil {
		return fmt.Errorf("activity fit expected: %w", err)
	}
	if len(activity.Sessions) == 0 {
		return fmt.Errorf("activity file has no session message")
	}

	imported := 0
	for _, session := range activity.Sessions {
		steps, from, to, ok := sessionSteps(session)
		if !ok {
			continue
		}
		if err := im.writer.WriteExternal(ctx, steps, from, to); err != nil {
			return fmt.Errorf("write fit session: %w", err)
		}
		imported++
	}
	if imported == 0 {
		return fmt.Errorf("no walking sessions with step data")
	}
	return nil
}

// sessionSteps derives a step window from a FIT session message. Cycles
// count full strides, so steps are twice the cycle count.
func sessionSteps(session *fit.SessionMsg) (steps uint32, from, to time.Time, ok bool) {
	switch session.Sport {
	case fit.SportWalking, fit.SportRunning, fit.SportHiking:
	default:
		return 0, time.Time{}, time.Time{}, false
	}

	if session.TotalCycles == invalidCycles || session.TotalCycles == 0 {
		return 0, time.Time{}, time.Time{}, false
	}
	if session.StartTime.IsZero() {
		return 0, time.Time{}, time.Time{}, false
	}

	from = session.StartTime
	elapsed := session.GetTotalElapsedTimeScaled()
	if elapsed > 0 {
		to = from.Add(time.Duration(elapsed * float64(time.Second)))
	} else if !session.Timestamp.IsZero() && session.Timestamp.After(from) {
		to = session.Timestamp
	} else {
		return 0, time.Time{}, time.Time{}, false
	}

	return session.TotalCycles * 2, from, to, true
}
