// README: Auto-confirm sweep: completed jobs the client never confirmed are
// closed out after the timeout so providers get paid.
package job

import (
	"context"
	"log"
	"time"
)

type AutoConfirmStats struct {
	Checked   int
	Confirmed int
	Failed    int
}

// AutoConfirmCompleted closes every completed job older than the confirm
// timeout. Jobs with an active dispute are left for resolution; each job
// runs in its own transaction.
func (s *Service) AutoConfirmCompleted(ctx context.Context, now time.Time, limit int) (AutoConfirmStats, error) {
	var stats AutoConfirmStats

	cutoff := now.Add(-AutoConfirmTimeout)
	ids, err := s.store.AutoConfirmCandidateIDs(ctx, cutoff, limit)
	if err != nil {
		return stats, err
	}
	stats.Checked = len(ids)
	for _, id := range ids {
		_, err := s.ConfirmClosed(ctx, CloseCommand{JobID: id, Source: "auto_timeout"})
		if err != nil {
			stats.Failed++
			log.Printf("auto-confirm: job %s: %v", id, err)
			continue
		}
		stats.Confirmed++
	}
	log.Printf("auto-confirm: checked %d, auto-confirmed %d, failed %d",
		stats.Checked, stats.Confirmed, stats.Failed)
	return stats, nil
}
