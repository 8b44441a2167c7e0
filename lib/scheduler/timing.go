package scheduler

import (
	"sort"
	"time"
)

// maxDeconflictRounds bounds the push-apart loop; every round strictly
// separates one colliding pair, so real schedules settle long before this.
const maxDeconflictRounds = 1000

// catchUpDelay is the offset given to a job whose fire time was missed:
// a random share of its jitter, but never less than its leeway.
func catchUpDelay(job *Job, r float64) time.Duration {
	d := time.Duration(float64(job.Jitter) * r)
	if d < job.Leeway {
		d = job.Leeway
	}
	return d
}

// periodicNext is the next fire time after a run that fired at now.
func periodicNext(job *Job, now time.Time, r float64) time.Time {
	return now.Add(job.Interval + time.Duration(float64(job.Jitter)*r))
}

type slot struct {
	name   string
	next   time.Time
	leeway time.Duration
}

// deconflict pushes apart slots whose fire times fall inside each other's
// leeway window. It returns the new fire time of every slot it moved; a
// schedule without collisions comes back unchanged.
func deconflict(slots []slot) map[string]time.Time {
	moved := make(map[string]time.Time)
	work := append([]slot(nil), slots...)

	for round := 0; round < maxDeconflictRounds; round++ {
		sort.SliceStable(work, func(i, j int) bool { return work[i].next.Before(work[j].next) })

		collided := false
		for i := 0; i+1 < len(work); i++ {
			a, b := &work[i], &work[i+1]
			window := max(a.leeway, b.leeway)
			if window > 0 && b.next.Sub(a.next) < window {
				b.next = b.next.Add(2 * window)
				moved[b.name] = b.next
				collided = true
				break
			}
		}
		if !collided {
			break
		}
	}
	return moved
}
