package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/offerpath/dispatch/internal/enrich"
	"github.com/offerpath/dispatch/internal/events"
	"github.com/offerpath/dispatch/internal/middleware"
	"github.com/offerpath/dispatch/internal/models"
)

// HandlePostback ingests a conversion: the click_id parameter links the
// conversion back to a recorded click, and every query parameter is kept as
// postback data.
func (s *Server) HandlePostback(w http.ResponseWriter, r *http.Request) {
	logger := middleware.LoggerFromRequest(r, s.Logger)
	q := r.URL.Query()
	clickID := q.Get("click_id")
	if clickID == "" {
		http.Error(w, "missing click_id", http.StatusBadRequest)
		return
	}

	click, err := s.Events.GetClick(r.Context(), clickID)
	if errors.Is(err, events.ErrNotFound) {
		http.Error(w, "unknown click_id", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.Error("click lookup failed", zap.String("click_id", clickID), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	payout, _ := strconv.ParseFloat(q.Get("payout"), 64)
	postback := make(map[string]string, len(q))
	for k, vals := range q {
		if len(vals) > 0 {
			postback[k] = vals[0]
		}
	}

	ev := models.Event{
		EventID:        enrich.NewEventID(),
		Timestamp:      time.Now().UTC(),
		SessionID:      click.SessionID,
		CampaignID:     click.CampaignID,
		CampaignName:   click.CampaignName,
		SiteName:       click.SiteName,
		IsConversion:   true,
		ClickID:        click.EventID,
		ImpressionID:   click.ImpressionID,
		Payout:         payout,
		ConversionType: q.Get("conversion_type"),
		PostbackData:   postback,
		PlatformID:     click.PlatformID,
		PlatformName:   click.PlatformName,
		PlatformClickID: click.PlatformClickID,
	}
	s.Emitter.Emit(&ev)

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleEnrich accepts the browser beacon and backfills the impression row.
// It always answers 204: the beacon is best effort and the browser never
// retries it anyway.
func (s *Server) HandleEnrich(w http.ResponseWriter, r *http.Request) {
	logger := middleware.LoggerFromRequest(r, s.Logger)
	var e models.Enrichment
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&e); err != nil || e.ImpressionID == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// The write continues after the response (and after any client
	// disconnect), bounded by its own deadline. Drain waits on these during
	// shutdown.
	s.enrichWG.Add(1)
	go func() {
		defer s.enrichWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Events.Enrich(ctx, &e); err != nil {
			logger.Warn("enrichment update failed",
				zap.String("impression_id", e.ImpressionID), zap.Error(err))
		}
	}()

	w.WriteHeader(http.StatusNoContent)
}
