package server

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openexam/server/internal/v1/logging"
	"github.com/openexam/server/internal/v1/metrics"
	"github.com/openexam/server/internal/v1/registry"
)

// runSweeper is the single background task that enforces exam deadlines
// and session idle timeouts.
func (s *Server) runSweeper(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep finalizes every IN_PROGRESS room whose deadline has passed:
// force-submit the connected laggards, then finish the room. Slot copies
// are taken under the registry mutex; grading happens outside it.
func (s *Server) sweep(ctx context.Context) {
	rooms, err := s.store.ExpiredRooms()
	if err != nil {
		logging.Error(ctx, "Sweep: expired room scan failed", zap.Error(err))
		return
	}

	for _, roomID := range rooms {
		rctx := logging.WithRoom(ctx, roomID)

		candidates := s.registry.RoomCandidates(roomID)
		for _, cand := range candidates {
			s.forceSubmit(rctx, roomID, cand.Username, cand.Answers, cand.Slot)
		}

		// Participants who dropped their connection before submitting still
		// get a result row, graded on nothing.
		absent, err := s.store.Unsubmitted(roomID)
		if err != nil {
			logging.Error(rctx, "Sweep: unsubmitted scan failed", zap.Error(err))
		}
		for _, username := range absent {
			s.forceSubmit(rctx, roomID, username, nil, nil)
		}

		finished, err := s.store.FinishRoom(roomID)
		if err != nil {
			logging.Error(rctx, "Sweep: finish room failed", zap.Error(err))
			continue
		}
		if !finished {
			// Lost the race to a client-side auto-finish between the expiry
			// scan and here; that path already accounted for the room.
			continue
		}
		metrics.ActiveExams.Dec()
		_ = s.store.LogActivity("INFO", "system", "ROOM_EXPIRED", roomID)
		logging.Info(rctx, "Room deadline passed; exam finalized",
			zap.Int("force_submitted", len(candidates)))
	}

	expired, err := s.store.DeactivateIdleSessions(s.cfg.SessionIdleTimeout)
	if err != nil {
		logging.Error(ctx, "Sweep: idle session scan failed", zap.Error(err))
		return
	}
	if expired > 0 {
		logging.Info(ctx, "Idle sessions deactivated", zap.Int64("count", expired))
	}
}

// forceSubmit grades answers on a participant's behalf after the deadline.
// Saved answers count; everything else is a miss. slot is nil when the
// participant is no longer connected.
func (s *Server) forceSubmit(ctx context.Context, roomID, username string, answers []byte, slot *registry.Slot) {
	score, total, answerString, err := s.grade(roomID, answers)
	if err != nil {
		logging.Error(ctx, "Force submit: grading failed",
			zap.String("username", username), zap.Error(err))
		return
	}

	start, err := s.store.GetStartTime(roomID)
	if err != nil {
		logging.Error(ctx, "Force submit: start time missing", zap.Error(err))
		return
	}
	timeTaken := int(time.Now().UTC().Sub(start).Seconds())

	if err := s.store.SubmitResult(roomID, username, score, total, answerString, timeTaken); err != nil {
		// Lost the race against the client's own submit; nothing to do.
		logging.Warn(ctx, "Force submit: result insert failed",
			zap.String("username", username), zap.Error(err))
		return
	}

	if slot != nil {
		s.registry.Update(slot, func(sl *registry.Slot) {
			sl.HasSubmitted = true
		})
	}
	metrics.ForceSubmits.Inc()
	_ = s.store.LogActivity("WARNING", username, "FORCE_SUBMIT",
		fmt.Sprintf("%s score=%d/%d", roomID, score, total))

	logging.Info(ctx, "Answers force-submitted",
		zap.String("username", username), zap.Int("score", score), zap.Int("total", total))
}
