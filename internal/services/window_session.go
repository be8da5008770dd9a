package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/pagemark/pagemark-backend/internal/apierr"
	"github.com/pagemark/pagemark-backend/internal/logger"
	"github.com/pagemark/pagemark-backend/internal/repos"
	"github.com/pagemark/pagemark-backend/internal/types"
	"github.com/pagemark/pagemark-backend/internal/utils"
)

const (
	// Lookahead beyond the current page; window width stays within 8.
	textLookahead = 7
	pptLookahead  = 3

	jumpThreshold = 10

	SessionActionExtend = "extend"
	SessionActionJump   = "jump"
	SessionActionCancel = "cancel"

	defaultSessionMaxIdleMinutes = 30
	sessionExpirySweepInterval   = time.Minute
)

// WindowUpdate is the result of a navigation action.
type WindowUpdate struct {
	WindowStart   int    `json:"windowStart"`
	WindowEnd     int    `json:"windowEnd"`
	CanceledPages []int  `json:"canceledPages"`
	NewPages      []int  `json:"newPages"`
	State         string `json:"state"`
}

// PageCompletion reports a page transition applied to a session.
type PageCompletion struct {
	SessionDone    bool
	CompletedPages int
	TotalPages     int
}

type WindowSessionService interface {
	Start(ctx context.Context, userID uuid.UUID, file *types.File, currentPage int, locale string) (*types.WindowSession, error)
	Get(ctx context.Context, userID, sessionID uuid.UUID) (*types.WindowSession, error)
	// Update applies a navigation action. extend is promoted to jump
	// when the page delta passes the jump threshold.
	Update(ctx context.Context, userID, sessionID uuid.UUID, currentPage int, action string) (*WindowUpdate, error)
	Cancel(ctx context.Context, userID, sessionID uuid.UUID) (*WindowUpdate, error)

	// Scheduler-side atomic page-set transitions.
	ReadForScheduling(ctx context.Context, sessionID uuid.UUID) (*types.WindowSession, error)
	MarkPageInProgress(ctx context.Context, sessionID uuid.UUID, page int) (bool, error)
	MarkPageCompleted(ctx context.Context, sessionID uuid.UUID, page int) (*PageCompletion, error)
	MarkPageFailed(ctx context.Context, sessionID uuid.UUID, page int) error
	// FinishIfCovered completes an active session whose window pages are
	// all settled with nothing in flight. Covers the case where the last
	// window page failed, which MarkPageCompleted never sees.
	FinishIfCovered(ctx context.Context, sessionID uuid.UUID) (bool, error)

	StartExpirySweeper(ctx context.Context)
}

type windowSessionService struct {
	db          *gorm.DB
	log         *logger.Logger
	sessionRepo repos.WindowSessionRepo
	notifier    Notifier
	maxIdle     time.Duration
}

func NewWindowSessionService(db *gorm.DB, log *logger.Logger, sessionRepo repos.WindowSessionRepo, notifier Notifier) WindowSessionService {
	serviceLog := log.With("service", "WindowSessionService")
	maxIdle := time.Duration(utils.GetEnvAsInt("SESSION_MAX_IDLE_MINUTES", defaultSessionMaxIdleMinutes, nil)) * time.Minute
	return &windowSessionService{
		db:          db,
		log:         serviceLog,
		sessionRepo: sessionRepo,
		notifier:    notifier,
		maxIdle:     maxIdle,
	}
}

// LookaheadFor returns the forward page budget for a pdf type.
func LookaheadFor(pdfType string) int {
	if pdfType == types.PDFTypePPT {
		return pptLookahead
	}
	return textLookahead
}

// ComputeWindow bounds a window at currentPage for the given lookahead
// and page count.
func ComputeWindow(currentPage, lookahead, totalPages int) (int, int) {
	start := currentPage
	end := currentPage + lookahead
	if end > totalPages {
		end = totalPages
	}
	if start > end {
		start = end
	}
	return start, end
}

// IsJump reports whether a navigation from one page to another counts as
// a jump rather than sequential reading.
func IsJump(from, to int) bool {
	delta := to - from
	if delta < 0 {
		delta = -delta
	}
	return delta > jumpThreshold
}

// PagesToGenerate orders the window's remaining pages by reading
// priority: the current page first, then forward-biased alternation
// (cur+1, cur-1, cur+2, cur+3, cur-2, cur+4, cur+5, cur-3, ...).
// Completed, in-progress, and failed pages are omitted.
func PagesToGenerate(windowStart, windowEnd, current int, completed, inProgress, failed map[int]bool) []int {
	if windowEnd < windowStart {
		return nil
	}
	skip := func(p int) bool {
		return p < windowStart || p > windowEnd || completed[p] || inProgress[p] || failed[p]
	}

	out := make([]int, 0, windowEnd-windowStart+1)
	emitted := make(map[int]bool, windowEnd-windowStart+1)
	emit := func(p int) {
		if emitted[p] || skip(p) {
			return
		}
		emitted[p] = true
		out = append(out, p)
	}

	emit(current)
	emit(current + 1)
	emit(current - 1)
	forward := 2
	backward := 2
	for page := windowStart; page <= windowEnd; page++ {
		if len(emitted) >= windowEnd-windowStart+1 {
			break
		}
		emit(current + forward)
		emit(current + forward + 1)
		emit(current - backward)
		forward += 2
		backward++
	}
	return out
}

func decodePageSet(raw datatypes.JSON) map[int]bool {
	set := map[int]bool{}
	if len(raw) == 0 {
		return set
	}
	var pages []int
	if err := json.Unmarshal(raw, &pages); err != nil {
		return set
	}
	for _, p := range pages {
		set[p] = true
	}
	return set
}

func encodePageSet(set map[int]bool) datatypes.JSON {
	pages := make([]int, 0, len(set))
	for p := range set {
		pages = append(pages, p)
	}
	sort.Ints(pages)
	raw, err := json.Marshal(pages)
	if err != nil {
		return datatypes.JSON("[]")
	}
	return datatypes.JSON(raw)
}

func sortedPages(set map[int]bool) []int {
	pages := make([]int, 0, len(set))
	for p := range set {
		pages = append(pages, p)
	}
	sort.Ints(pages)
	return pages
}

func (wss *windowSessionService) Start(ctx context.Context, userID uuid.UUID, file *types.File, currentPage int, locale string) (*types.WindowSession, error) {
	if file == nil {
		return nil, fmt.Errorf("file required")
	}
	if currentPage < 1 || currentPage > file.PageCount {
		return nil, apierr.New(http.StatusBadRequest, apierr.CodeValidation,
			fmt.Errorf("page %d out of range (1-%d)", currentPage, file.PageCount))
	}

	pdfType := file.PDFType()
	start, end := ComputeWindow(currentPage, LookaheadFor(pdfType), file.PageCount)
	session := &types.WindowSession{
		ID:          uuid.New(),
		UserID:      userID,
		CourseID:    file.CourseID,
		FileID:      file.ID,
		PDFHash:     file.ContentHash,
		PDFType:     pdfType,
		Locale:      locale,
		State:       types.WindowSessionStateActive,
		CurrentPage: currentPage,
		WindowStart: start,
		WindowEnd:   end,
		TotalPages:  file.PageCount,
	}

	created, err := wss.sessionRepo.Create(ctx, nil, []*types.WindowSession{session})
	if err != nil {
		if repos.IsUniqueViolation(err) {
			return nil, apierr.New(http.StatusConflict, apierr.CodeSessionExists,
				fmt.Errorf("an active session already exists for this file"))
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return created[0], nil
}

func (wss *windowSessionService) Get(ctx context.Context, userID, sessionID uuid.UUID) (*types.WindowSession, error) {
	session, err := wss.sessionRepo.GetByID(ctx, nil, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil || session.UserID != userID {
		return nil, apierr.New(http.StatusNotFound, apierr.CodeNotFound, fmt.Errorf("session not found"))
	}
	return session, nil
}

func (wss *windowSessionService) Update(ctx context.Context, userID, sessionID uuid.UUID, currentPage int, action string) (*WindowUpdate, error) {
	var update *WindowUpdate
	err := wss.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, err := wss.sessionRepo.LockByID(ctx, tx, sessionID)
		if err != nil {
			return fmt.Errorf("failed to lock session: %w", err)
		}
		if session == nil || session.UserID != userID {
			return apierr.New(http.StatusNotFound, apierr.CodeNotFound, fmt.Errorf("session not found"))
		}
		if session.State != types.WindowSessionStateActive {
			return apierr.New(http.StatusConflict, apierr.CodeSessionNotActive,
				fmt.Errorf("session is %s", session.State))
		}

		if action == SessionActionExtend && IsJump(session.CurrentPage, currentPage) {
			action = SessionActionJump
		}

		switch action {
		case SessionActionCancel:
			update = wss.applyCancel(ctx, tx, session)
		case SessionActionJump:
			update, err = wss.applyJump(ctx, tx, session, currentPage)
		case SessionActionExtend:
			update, err = wss.applyExtend(ctx, tx, session, currentPage)
		default:
			return apierr.New(http.StatusBadRequest, apierr.CodeValidation,
				fmt.Errorf("unknown action %q", action))
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	wss.notifier.SessionWindowUpdated(sessionID, update.WindowStart, update.WindowEnd, update.CanceledPages, update.NewPages)
	if update.State != types.WindowSessionStateActive {
		wss.notifier.SessionFinished(sessionID, update.State)
	}
	return update, nil
}

// pendingPages are window pages that no set has claimed yet.
func pendingPages(start, end int, completed, inProgress, failed map[int]bool) map[int]bool {
	pending := map[int]bool{}
	for p := start; p <= end; p++ {
		if !completed[p] && !inProgress[p] && !failed[p] {
			pending[p] = true
		}
	}
	return pending
}

func (wss *windowSessionService) applyCancel(ctx context.Context, tx *gorm.DB, session *types.WindowSession) *WindowUpdate {
	completed := decodePageSet(session.CompletedPages)
	inProgress := decodePageSet(session.InProgressPages)
	failed := decodePageSet(session.FailedPages)
	pending := pendingPages(session.WindowStart, session.WindowEnd, completed, inProgress, failed)

	canceled := map[int]bool{}
	for p := range pending {
		canceled[p] = true
	}
	for p := range inProgress {
		canceled[p] = true
	}

	if err := wss.sessionRepo.UpdateFields(ctx, tx, session.ID, map[string]interface{}{
		"state":        types.WindowSessionStateCanceled,
		"completed_at": time.Now(),
	}); err != nil {
		wss.log.Warn("session cancel write failed", "session_id", session.ID, "error", err)
	}

	return &WindowUpdate{
		WindowStart:   session.WindowStart,
		WindowEnd:     session.WindowEnd,
		CanceledPages: sortedPages(canceled),
		NewPages:      []int{},
		State:         types.WindowSessionStateCanceled,
	}
}

func (wss *windowSessionService) applyJump(ctx context.Context, tx *gorm.DB, session *types.WindowSession, currentPage int) (*WindowUpdate, error) {
	if currentPage < 1 || currentPage > session.TotalPages {
		return nil, apierr.New(http.StatusBadRequest, apierr.CodeValidation,
			fmt.Errorf("page %d out of range (1-%d)", currentPage, session.TotalPages))
	}
	completed := decodePageSet(session.CompletedPages)
	inProgress := decodePageSet(session.InProgressPages)
	failed := decodePageSet(session.FailedPages)
	pending := pendingPages(session.WindowStart, session.WindowEnd, completed, inProgress, failed)

	newStart, newEnd := ComputeWindow(currentPage, LookaheadFor(session.PDFType), session.TotalPages)

	// Pending pages of the old window are dropped; in-progress pages
	// outside the new window finish but no longer count.
	canceled := map[int]bool{}
	for p := range pending {
		if p < newStart || p > newEnd {
			canceled[p] = true
		}
	}
	keptInProgress := map[int]bool{}
	for p := range inProgress {
		if p >= newStart && p <= newEnd {
			keptInProgress[p] = true
		} else {
			canceled[p] = true
		}
	}

	newPages := []int{}
	for p := newStart; p <= newEnd; p++ {
		inOld := p >= session.WindowStart && p <= session.WindowEnd
		if !inOld && !completed[p] && !failed[p] {
			newPages = append(newPages, p)
		}
	}

	if err := wss.sessionRepo.UpdateFields(ctx, tx, session.ID, map[string]interface{}{
		"current_page":      currentPage,
		"window_start":      newStart,
		"window_end":        newEnd,
		"in_progress_pages": encodePageSet(keptInProgress),
	}); err != nil {
		return nil, fmt.Errorf("failed to apply jump: %w", err)
	}

	return &WindowUpdate{
		WindowStart:   newStart,
		WindowEnd:     newEnd,
		CanceledPages: sortedPages(canceled),
		NewPages:      newPages,
		State:         types.WindowSessionStateActive,
	}, nil
}

func (wss *windowSessionService) applyExtend(ctx context.Context, tx *gorm.DB, session *types.WindowSession, currentPage int) (*WindowUpdate, error) {
	if currentPage < 1 || currentPage > session.TotalPages {
		return nil, apierr.New(http.StatusBadRequest, apierr.CodeValidation,
			fmt.Errorf("page %d out of range (1-%d)", currentPage, session.TotalPages))
	}
	completed := decodePageSet(session.CompletedPages)
	inProgress := decodePageSet(session.InProgressPages)
	failed := decodePageSet(session.FailedPages)
	pending := pendingPages(session.WindowStart, session.WindowEnd, completed, inProgress, failed)

	lookahead := LookaheadFor(session.PDFType)
	newEnd := currentPage + lookahead
	if newEnd > session.TotalPages {
		newEnd = session.TotalPages
	}
	if newEnd < session.WindowEnd {
		newEnd = session.WindowEnd
	}
	// Slide the start forward just enough to keep the window within its
	// width budget without passing the current page.
	newStart := session.WindowStart
	if width := newEnd - newStart + 1; width > lookahead+1 {
		newStart = newEnd - lookahead
	}
	if newStart > currentPage {
		newStart = currentPage
	}

	canceled := map[int]bool{}
	for p := range pending {
		if p < newStart || p > newEnd {
			canceled[p] = true
		}
	}

	newPages := []int{}
	for p := newStart; p <= newEnd; p++ {
		inOld := p >= session.WindowStart && p <= session.WindowEnd
		if !inOld && !completed[p] && !failed[p] && !inProgress[p] {
			newPages = append(newPages, p)
		}
	}

	if err := wss.sessionRepo.UpdateFields(ctx, tx, session.ID, map[string]interface{}{
		"current_page": currentPage,
		"window_start": newStart,
		"window_end":   newEnd,
	}); err != nil {
		return nil, fmt.Errorf("failed to apply extend: %w", err)
	}

	return &WindowUpdate{
		WindowStart:   newStart,
		WindowEnd:     newEnd,
		CanceledPages: sortedPages(canceled),
		NewPages:      newPages,
		State:         types.WindowSessionStateActive,
	}, nil
}

func (wss *windowSessionService) Cancel(ctx context.Context, userID, sessionID uuid.UUID) (*WindowUpdate, error) {
	return wss.Update(ctx, userID, sessionID, 0, SessionActionCancel)
}

func (wss *windowSessionService) ReadForScheduling(ctx context.Context, sessionID uuid.UUID) (*types.WindowSession, error) {
	return wss.sessionRepo.GetByID(ctx, nil, sessionID)
}

func (wss *windowSessionService) MarkPageInProgress(ctx context.Context, sessionID uuid.UUID, page int) (bool, error) {
	claimed := false
	err := wss.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, err := wss.sessionRepo.LockByID(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if session == nil || session.State != types.WindowSessionStateActive {
			return nil
		}
		if page < session.WindowStart || page > session.WindowEnd {
			return nil
		}
		completed := decodePageSet(session.CompletedPages)
		inProgress := decodePageSet(session.InProgressPages)
		failed := decodePageSet(session.FailedPages)
		if completed[page] || inProgress[page] || failed[page] {
			return nil
		}
		inProgress[page] = true
		if err := wss.sessionRepo.UpdateFields(ctx, tx, session.ID, map[string]interface{}{
			"in_progress_pages": encodePageSet(inProgress),
		}); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	return claimed, err
}

func (wss *windowSessionService) MarkPageCompleted(ctx context.Context, sessionID uuid.UUID, page int) (*PageCompletion, error) {
	result := &PageCompletion{}
	err := wss.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, err := wss.sessionRepo.LockByID(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if session == nil {
			return fmt.Errorf("session %s not found", sessionID)
		}
		completed := decodePageSet(session.CompletedPages)
		inProgress := decodePageSet(session.InProgressPages)
		failed := decodePageSet(session.FailedPages)

		delete(inProgress, page)
		completed[page] = true

		updates := map[string]interface{}{
			"completed_pages":   encodePageSet(completed),
			"in_progress_pages": encodePageSet(inProgress),
		}

		windowCovered := true
		for p := session.WindowStart; p <= session.WindowEnd; p++ {
			if !completed[p] && !failed[p] {
				windowCovered = false
				break
			}
		}
		if windowCovered && session.State == types.WindowSessionStateActive {
			updates["state"] = types.WindowSessionStateCompleted
			updates["completed_at"] = time.Now()
			result.SessionDone = true
		}

		if err := wss.sessionRepo.UpdateFields(ctx, tx, session.ID, updates); err != nil {
			return err
		}
		result.CompletedPages = len(completed)
		result.TotalPages = session.WindowEnd - session.WindowStart + 1
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (wss *windowSessionService) MarkPageFailed(ctx context.Context, sessionID uuid.UUID, page int) error {
	return wss.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, err := wss.sessionRepo.LockByID(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if session == nil {
			return fmt.Errorf("session %s not found", sessionID)
		}
		inProgress := decodePageSet(session.InProgressPages)
		failed := decodePageSet(session.FailedPages)
		delete(inProgress, page)
		failed[page] = true
		return wss.sessionRepo.UpdateFields(ctx, tx, session.ID, map[string]interface{}{
			"in_progress_pages": encodePageSet(inProgress),
			"failed_pages":      encodePageSet(failed),
		})
	})
}

func (wss *windowSessionService) FinishIfCovered(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	finished := false
	err := wss.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, err := wss.sessionRepo.LockByID(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if session == nil || session.State != types.WindowSessionStateActive {
			return nil
		}
		completed := decodePageSet(session.CompletedPages)
		inProgress := decodePageSet(session.InProgressPages)
		failed := decodePageSet(session.FailedPages)
		if len(inProgress) > 0 {
			return nil
		}
		for p := session.WindowStart; p <= session.WindowEnd; p++ {
			if !completed[p] && !failed[p] {
				return nil
			}
		}
		if err := wss.sessionRepo.UpdateFields(ctx, tx, session.ID, map[string]interface{}{
			"state":        types.WindowSessionStateCompleted,
			"completed_at": time.Now(),
		}); err != nil {
			return err
		}
		finished = true
		return nil
	})
	return finished, err
}

func (wss *windowSessionService) StartExpirySweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sessionExpirySweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-wss.maxIdle)
				n, err := wss.sessionRepo.ExpireIdle(ctx, nil, cutoff)
				if err != nil {
					wss.log.Warn("session expiry sweep failed", "error", err)
					continue
				}
				if n > 0 {
					wss.log.Info("expired idle sessions", "count", n)
				}
			}
		}
	}()
}
