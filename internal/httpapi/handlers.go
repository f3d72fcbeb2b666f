package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"caloo.ch/caloo/internal/db"
	"caloo.ch/caloo/internal/globaltime"
)

type feedItem struct {
	db.FeedEntry
	AudienceTags []string `json:"audience_tags,omitempty"`
	TopicTags    []string `json:"topic_tags,omitempty"`
}

type runItem struct {
	MergeRunUUID string          `json:"merge_run_uuid"`
	Mode         string          `json:"mode"`
	Status       string          `json:"status"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	Stats        json.RawMessage `json:"stats,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
}

type reviewItem struct {
	ReviewUUID          string          `json:"review_uuid"`
	SourceHappeningID   int64           `json:"source_happening_id"`
	Status              string          `json:"status"`
	Reason              string          `json:"reason"`
	TopScore            float64         `json:"top_score"`
	RunnerUpScore       *float64        `json:"runner_up_score,omitempty"`
	TopHappeningID      *int64          `json:"top_happening_id,omitempty"`
	RunnerUpHappeningID *int64          `json:"runner_up_happening_id,omitempty"`
	Details             json.RawMessage `json:"details,omitempty"`
	ResolvedBy          *string         `json:"resolved_by,omitempty"`
	ResolvedAt          *time.Time      `json:"resolved_at,omitempty"`
	ResolutionNote      *string         `json:"resolution_note,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

type resolveReviewRequest struct {
	Action            string `json:"action"`
	Note              string `json:"note"`
	HappeningID       int64  `json:"happening_id"`
	SourceHappeningID int64  `json:"source_happening_id"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return success(c, map[string]any{
		"service": "caloo",
		"time":    globaltime.UTC(),
	})
}

func (s *Server) handleFeed(c echo.Context) error {
	today := globaltime.Now().In(s.defaultTZ).Format("2006-01-02")

	from := strings.TrimSpace(c.QueryParam("from"))
	if from == "" {
		from = today
	}
	to := strings.TrimSpace(c.QueryParam("to"))
	if to == "" {
		t, _ := time.ParseInLocation("2006-01-02", from, s.defaultTZ)
		to = t.AddDate(0, 0, defaultFeedWindowDays).Format("2006-01-02")
	}
	for _, d := range []string{from, to} {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return fail(c, http.StatusBadRequest, "Dates must be YYYY-MM-DD", nil)
		}
	}
	if to < from {
		return fail(c, http.StatusBadRequest, "to must not precede from", nil)
	}

	limit := parseLimit(c.QueryParam("limit"))
	entries, err := s.store.ListFeedWindow(c.Request().Context(), from, to, limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("feed query failed")
		return internalError(c, "Failed to load feed")
	}

	items := make([]feedItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, feedItem{
			FeedEntry:    e,
			AudienceTags: decodeTags(e.AudienceTags),
			TopicTags:    decodeTags(e.TopicTags),
		})
	}
	return success(c, map[string]any{
		"from":  from,
		"to":    to,
		"items": items,
	})
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.store.CollectStats(c.Request().Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("stats query failed")
		return internalError(c, "Failed to load stats")
	}
	return success(c, stats)
}

func (s *Server) handleRuns(c echo.Context) error {
	runs, err := s.store.ListMergeRuns(c.Request().Context(), parseLimit(c.QueryParam("limit")))
	if err != nil {
		s.logger.Error().Err(err).Msg("runs query failed")
		return internalError(c, "Failed to load runs")
	}

	items := make([]runItem, 0, len(runs))
	for _, r := range runs {
		items = append(items, runItem{
			MergeRunUUID: r.MergeRunUUID,
			Mode:         r.Mode,
			Status:       r.Status,
			StartedAt:    r.StartedAt,
			FinishedAt:   r.FinishedAt,
			Stats:        r.Stats,
			ErrorMessage: r.ErrorMessage,
		})
	}
	return success(c, map[string]any{"items": items})
}

func (s *Server) handleReviews(c echo.Context) error {
	status := strings.TrimSpace(c.QueryParam("status"))
	switch status {
	case "", "open", "accepted", "rejected":
	default:
		return fail(c, http.StatusBadRequest, "Unknown review status", nil)
	}

	reviews, err := s.store.ListReviews(c.Request().Context(), status, parseLimit(c.QueryParam("limit")))
	if err != nil {
		s.logger.Error().Err(err).Msg("reviews query failed")
		return internalError(c, "Failed to load reviews")
	}

	items := make([]reviewItem, 0, len(reviews))
	for _, r := range reviews {
		items = append(items, toReviewItem(r))
	}
	return success(c, map[string]any{"items": items})
}

func (s *Server) handleResolveReview(c echo.Context) error {
	var req resolveReviewRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "Invalid request body", nil)
	}

	var status string
	switch strings.TrimSpace(req.Action) {
	case "accept":
		status = "accepted"
	case "reject":
		status = "rejected"
	default:
		return fail(c, http.StatusBadRequest, "action must be accept or reject", nil)
	}

	ctx := c.Request().Context()
	review, err := s.store.GetReviewByUUID(ctx, c.Param("review_uuid"))
	if err != nil {
		if errors.Is(err, db.ErrNoRows) {
			return failNotFound(c, "Review not found")
		}
		s.logger.Error().Err(err).Msg("review lookup failed")
		return internalError(c, "Failed to load review")
	}

	resolvedBy := s.opts.AdminUser
	if name, ok := c.Get("admin.username").(string); ok && name != "" {
		resolvedBy = name
	}

	if err := s.store.ResolveReview(ctx, review.ReviewID, status, resolvedBy, req.Note); err != nil {
		if errors.Is(err, db.ErrNoRows) {
			return fail(c, http.StatusConflict, "Review is not open", nil)
		}
		s.logger.Error().Err(err).Msg("review resolution failed")
		return internalError(c, "Failed to resolve review")
	}

	// Accepting can also hand authorship of the happening to the reviewed
	// source row.
	if status == "accepted" && req.HappeningID > 0 && req.SourceHappeningID > 0 {
		if err := s.store.ReassignPrimary(ctx, req.HappeningID, req.SourceHappeningID); err != nil {
			s.logger.Error().Err(err).Msg("primary reassignment failed")
			return internalError(c, "Review resolved but primary reassignment failed")
		}
	}

	updated, err := s.store.GetReviewByUUID(ctx, review.ReviewUUID)
	if err != nil {
		s.logger.Error().Err(err).Msg("review reload failed")
		return internalError(c, "Failed to reload review")
	}
	return success(c, toReviewItem(*updated))
}

func toReviewItem(r db.Review) reviewItem {
	return reviewItem{
		ReviewUUID:          r.ReviewUUID,
		SourceHappeningID:   r.SourceHappeningID,
		Status:              r.Status,
		Reason:              r.Reason,
		TopScore:            r.TopScore,
		RunnerUpScore:       r.RunnerUpScore,
		TopHappeningID:      r.TopHappeningID,
		RunnerUpHappeningID: r.RunnerUpHappeningID,
		Details:             r.Details,
		ResolvedBy:          r.ResolvedBy,
		ResolvedAt:          r.ResolvedAt,
		ResolutionNote:      r.ResolutionNote,
		CreatedAt:           r.CreatedAt,
	}
}

func parseLimit(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultPageSize
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return defaultPageSize
	}
	if n > maxPageSize {
		return maxPageSize
	}
	return n
}

func decodeTags(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var tags []string
	if err := json.Unmarshal(raw, &tags); err != nil {
		return nil
	}
	return tags
}
