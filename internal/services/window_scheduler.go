package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pagemark/pagemark-backend/internal/apierr"
	"github.com/pagemark/pagemark-backend/internal/clients/gcp"
	"github.com/pagemark/pagemark-backend/internal/fingerprint"
	"github.com/pagemark/pagemark-backend/internal/logger"
	"github.com/pagemark/pagemark-backend/internal/metrics"
	"github.com/pagemark/pagemark-backend/internal/repos"
	"github.com/pagemark/pagemark-backend/internal/types"
)

const (
	pptConcurrency  = 1
	textConcurrency = 2

	schedulerIdleWait  = time.Second
	statusPollInterval = 2 * time.Second
)

// WindowSchedulerService drives one background generation task per active
// session. The session row is the only coordination point: the task
// re-reads it before every pickup, so navigation and cancellation from
// the HTTP side take effect at the next iteration without signaling.
type WindowSchedulerService interface {
	// Launch starts the scheduling task for a session. At most one task
	// per session runs in this process; duplicate launches are ignored.
	Launch(ctx context.Context, sessionID uuid.UUID)
}

type windowSchedulerService struct {
	log       *logger.Logger
	sessions  WindowSessionService
	cache     StickerCacheService
	generator StickerGeneratorService
	quota     QuotaService
	fileRepo  repos.FileRepo
	bucket    gcp.BucketService
	notifier  Notifier

	mu      sync.Mutex
	running map[uuid.UUID]struct{}
}

func NewWindowSchedulerService(
	log *logger.Logger,
	sessions WindowSessionService,
	cache StickerCacheService,
	generator StickerGeneratorService,
	quota QuotaService,
	fileRepo repos.FileRepo,
	bucket gcp.BucketService,
	notifier Notifier,
) WindowSchedulerService {
	return &windowSchedulerService{
		log:       log.With("service", "WindowSchedulerService"),
		sessions:  sessions,
		cache:     cache,
		generator: generator,
		quota:     quota,
		fileRepo:  fileRepo,
		bucket:    bucket,
		notifier:  notifier,
		running:   map[uuid.UUID]struct{}{},
	}
}

// ConcurrencyFor returns the per-session parallelism budget. Slide decks
// get a single lane; text documents may run two pages at once.
func ConcurrencyFor(pdfType string) int {
	if pdfType == types.PDFTypePPT {
		return pptConcurrency
	}
	return textConcurrency
}

func (ws *windowSchedulerService) Launch(ctx context.Context, sessionID uuid.UUID) {
	if sessionID == uuid.Nil {
		return
	}
	ws.mu.Lock()
	if _, ok := ws.running[sessionID]; ok {
		ws.mu.Unlock()
		return
	}
	ws.running[sessionID] = struct{}{}
	ws.mu.Unlock()

	go ws.run(ctx, sessionID)
}

func (ws *windowSchedulerService) release(sessionID uuid.UUID) {
	ws.mu.Lock()
	delete(ws.running, sessionID)
	ws.mu.Unlock()
}

// wait blocks for d or until ctx ends; false means the caller should
// stop looping.
func wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (ws *windowSchedulerService) run(ctx context.Context, sessionID uuid.UUID) {
	defer ws.release(sessionID)
	metrics.IncActiveSessions()
	defer metrics.DecActiveSessions()

	session, err := ws.sessions.ReadForScheduling(ctx, sessionID)
	if err != nil || session == nil {
		ws.log.Warn("scheduler could not load session", "session_id", sessionID, "error", err)
		return
	}

	files, err := ws.fileRepo.GetByIDs(ctx, nil, []uuid.UUID{session.FileID})
	if err != nil || len(files) == 0 {
		ws.log.Warn("scheduler could not load session file", "session_id", sessionID, "file_id", session.FileID, "error", err)
		return
	}
	file := files[0]

	// One download serves every page of the session. On failure each
	// generation falls back to its own download.
	pdfBytes, err := ws.bucket.ReadFile(ctx, file.StorageKey)
	if err != nil {
		ws.log.Warn("session pdf prefetch failed", "session_id", sessionID, "error", err)
		pdfBytes = nil
	}

	budget := ConcurrencyFor(session.PDFType)
	ws.log.Info("session scheduler started",
		"session_id", sessionID, "pdf_type", session.PDFType,
		"window_start", session.WindowStart, "window_end", session.WindowEnd, "budget", budget)

	for {
		if ctx.Err() != nil {
			return
		}

		session, err = ws.sessions.ReadForScheduling(ctx, sessionID)
		if err != nil {
			ws.log.Warn("scheduler session re-read failed", "session_id", sessionID, "error", err)
			if !wait(ctx, schedulerIdleWait) {
				return
			}
			continue
		}
		if session == nil || session.State != types.WindowSessionStateActive {
			return
		}

		completed := decodePageSet(session.CompletedPages)
		inProgress := decodePageSet(session.InProgressPages)
		failed := decodePageSet(session.FailedPages)
		pages := PagesToGenerate(session.WindowStart, session.WindowEnd, session.CurrentPage, completed, inProgress, failed)

		if len(pages) == 0 {
			if len(inProgress) == 0 {
				finished, err := ws.sessions.FinishIfCovered(ctx, sessionID)
				if err != nil {
					ws.log.Warn("session finish check failed", "session_id", sessionID, "error", err)
				}
				if finished {
					ws.notifier.SessionFinished(sessionID, types.WindowSessionStateCompleted)
					return
				}
			}
			// In-flight pages (possibly another replica's) settle the
			// session; just re-read.
			if !wait(ctx, schedulerIdleWait) {
				return
			}
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(budget)
		launched := 0
		for _, page := range pages {
			if launched >= budget {
				break
			}
			claimed, err := ws.sessions.MarkPageInProgress(ctx, sessionID, page)
			if err != nil {
				ws.log.Warn("page claim failed", "session_id", sessionID, "page", page, "error", err)
				continue
			}
			if !claimed {
				continue
			}
			page := page
			launched++
			g.Go(func() error {
				ws.processPage(gctx, session, file, pdfBytes, page)
				return nil
			})
		}
		_ = g.Wait()

		if launched == 0 {
			if !wait(ctx, schedulerIdleWait) {
				return
			}
		}
	}
}

// processPage settles one claimed page: cache hit, wait on a peer's
// in-flight generation, or produce fresh. Every path ends in exactly one
// of MarkPageCompleted / MarkPageFailed.
func (ws *windowSchedulerService) processPage(ctx context.Context, session *types.WindowSession, file *types.File, pdfBytes []byte, page int) {
	started := time.Now()
	fp := Fingerprint{
		PDFHash: session.PDFHash,
		Page:    page,
		Locale:  session.Locale,
		Mode:    fingerprint.ModeTextOnly,
	}

	fail := func(reason string) {
		if err := ws.sessions.MarkPageFailed(ctx, session.ID, page); err != nil {
			ws.log.Warn("page fail mark did not apply", "session_id", session.ID, "page", page, "error", err)
		}
		ws.notifier.SessionPageFailed(session.ID, page, reason)
	}
	complete := func(stickerCount int) {
		pc, err := ws.sessions.MarkPageCompleted(ctx, session.ID, page)
		if err != nil {
			ws.log.Warn("page complete mark did not apply", "session_id", session.ID, "page", page, "error", err)
			return
		}
		ws.notifier.SessionPageCompleted(session.ID, page, stickerCount, pc.CompletedPages, pc.TotalPages)
		if pc.SessionDone {
			ws.notifier.SessionFinished(session.ID, types.WindowSessionStateCompleted)
		}
	}

	probe, err := ws.cache.Probe(ctx, fp)
	if err != nil {
		fail("cache probe failed")
		return
	}

	switch probe.State {
	case ProbeStateReady:
		if _, err := ws.quota.Deduct(ctx, nil, session.UserID, types.BucketAutoExplain, 1); err != nil {
			fail(failReason(err))
			return
		}
		stickers := ws.cache.CloneByGenerationID(ctx, probe.GenerationID, session.UserID, session.CourseID, session.FileID)
		ws.cache.RecordLatencySample(ctx, fp.PDFHash, page, fp.Locale, fp.Mode, time.Since(started).Milliseconds(), true)
		complete(len(stickers))
		return

	case ProbeStateGenerating:
		ws.settleFromPeer(ctx, session, page, probe.GenerationID, false, fail, complete)
		return
	}

	// Miss: pay, claim, generate.
	if _, err := ws.quota.Deduct(ctx, nil, session.UserID, types.BucketAutoExplain, 1); err != nil {
		fail(failReason(err))
		return
	}

	start, err := ws.cache.TryStart(ctx, fp, session.UserID, 1, 0, nil)
	if err != nil {
		fail("generation claim failed")
		return
	}
	if !start.Started {
		// Lost the claim race; the unit already paid covers the cache
		// hit we are about to consume.
		ws.settleFromPeer(ctx, session, page, start.GenerationID, true, fail, complete)
		return
	}

	outcome, err := ws.generator.Generate(ctx, GenerateRequest{
		UserID:       session.UserID,
		CourseID:     session.CourseID,
		File:         file,
		Page:         page,
		PDFTypeTag:   "",
		Locale:       session.Locale,
		GenerationID: start.GenerationID,
		Fingerprint:  fp,
		PDFBytes:     pdfBytes,
	})
	if err != nil {
		fail(failReason(err))
		return
	}
	complete(len(outcome.UserStickers))
}

// settleFromPeer waits for another caller's generation to reach a
// terminal state, then clones on ready. paid says whether this page
// already deducted a quota unit.
func (ws *windowSchedulerService) settleFromPeer(ctx context.Context, session *types.WindowSession, page int, generationID uuid.UUID, paid bool, fail func(string), complete func(int)) {
	status, err := ws.waitForTerminal(ctx, generationID)
	if err != nil {
		if paid {
			ws.refund(ctx, session.UserID)
		}
		fail("generation wait failed")
		return
	}
	if status.State != types.GenerationStateReady {
		if paid {
			ws.refund(ctx, session.UserID)
		}
		reason := status.Error
		if reason == "" {
			reason = "generation failed"
		}
		fail(reason)
		return
	}
	if !paid {
		if _, err := ws.quota.Deduct(ctx, nil, session.UserID, types.BucketAutoExplain, 1); err != nil {
			fail(failReason(err))
			return
		}
	}
	stickers := ws.cache.CloneByGenerationID(ctx, generationID, session.UserID, session.CourseID, session.FileID)
	complete(len(stickers))
}

func (ws *windowSchedulerService) refund(ctx context.Context, userID uuid.UUID) {
	if err := ws.quota.Refund(ctx, userID, types.BucketAutoExplain, 1); err != nil {
		ws.log.Warn("page quota refund did not apply", "user_id", userID, "error", err)
	}
}

// waitForTerminal polls the record until it leaves generating. The stale
// sweeper bounds the wait: records stuck past the generation timeout are
// failed, so this loop always terminates.
func (ws *windowSchedulerService) waitForTerminal(ctx context.Context, generationID uuid.UUID) (*GenerationStatus, error) {
	for {
		status, err := ws.cache.GetStatus(ctx, generationID)
		if err != nil {
			return nil, err
		}
		if status == nil {
			return nil, errors.New("generation record vanished")
		}
		if status.State != types.GenerationStateGenerating {
			return status, nil
		}
		if !wait(ctx, statusPollInterval) {
			return nil, ctx.Err()
		}
	}
}

// failReason keeps page-level failure messages terse; API errors carry
// their code so the client can tell quota from infra.
func failReason(err error) string {
	var ae *apierr.Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return err.Error()
}
