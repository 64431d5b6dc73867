// internal/api/handlers.go
package api

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xkilldash9x/quoteflow/api/schemas"
	"github.com/xkilldash9x/quoteflow/internal/premium"
)

type loginRequest struct {
	SessionID       string                     `json:"session_id"`
	URL             string                     `json:"url"`
	Username        string                     `json:"username"`
	Password        string                     `json:"password"`
	CalculationData schemas.CalculationContext `json:"calculation_data"`
	CashValueInfo   schemas.CashValueTargets   `json:"cashValueInfo"`
	FormData        schemas.FormInput          `json:"formData"`
}

type retryRequest struct {
	SessionID         string `json:"session_id"`
	NewNotionalAmount string `json:"new_notional_amount"`
}

type terminateRequest struct {
	SessionID string `json:"session_id"`
}

type successResponse struct {
	Status        string `json:"status"`
	AnnualPremium int    `json:"annual_premium"`
	Age1CashValue int    `json:"age_1_cash_value"`
	Age2CashValue int    `json:"age_2_cash_value"`
	PDFBase64     string `json:"pdf_base64"`
	Filename      string `json:"filename"`
}

// retryResponse carries the message twice: system_message is the field older
// front ends read.
type retryResponse struct {
	Status        string  `json:"status"`
	SessionID     string  `json:"session_id"`
	Message       string  `json:"message"`
	SystemMessage string  `json:"system_message"`
	PDFBase64     *string `json:"pdf_base64"`
	Filename      *string `json:"filename"`
}

type runView struct {
	Attempt    int       `json:"attempt"`
	Kind       string    `json:"kind"`
	Plan       string    `json:"plan"`
	Outcome    string    `json:"outcome"`
	Message    string    `json:"message,omitempty"`
	ElapsedMS  int64     `json:"elapsed_ms"`
	FinishedAt time.Time `json:"finished_at"`
}

func (s *Server) handleInitSession(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"session_id": s.coord.Initiate()})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("Submit requested.",
		zap.String("session_id", req.SessionID),
		zap.String("plan", req.FormData.BasicPlan),
		zap.String("portal", req.URL))

	out, err := s.coord.Submit(r.Context(), req.SessionID, schemas.Submission{
		Credentials: schemas.Credentials{URL: req.URL, Username: req.Username, Password: req.Password},
		Calculation: req.CalculationData,
		Targets:     req.CashValueInfo,
		Form:        req.FormData,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeOutcome(w, req.SessionID, out)
}

func (s *Server) handleRetryNotional(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("Retry requested.", zap.String("session_id", req.SessionID))

	out, err := s.coord.Retry(r.Context(), req.SessionID, req.NewNotionalAmount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeOutcome(w, req.SessionID, out)
}

func (s *Server) writeOutcome(w http.ResponseWriter, sessionID string, out schemas.CheckoutOutcome) {
	if out.Kind == schemas.OutcomeRetry {
		resp := retryResponse{
			Status:        string(schemas.OutcomeRetry),
			SessionID:     sessionID,
			Message:       out.Message,
			SystemMessage: out.Message,
		}
		if out.HasArtifact() {
			encoded := base64.StdEncoding.EncodeToString(out.Artifact)
			filename := out.Filename
			resp.PDFBase64, resp.Filename = &encoded, &filename
		}
		JSON(w, http.StatusOK, resp)
		return
	}
	JSON(w, http.StatusOK, successResponse{
		Status:        string(schemas.OutcomeSuccess),
		AnnualPremium: out.Facts.AnnualPremium,
		Age1CashValue: out.Facts.Age1CashValue,
		Age2CashValue: out.Facts.Age2CashValue,
		PDFBase64:     base64.StdEncoding.EncodeToString(out.Artifact),
		Filename:      out.Filename,
	})
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	var req terminateRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.coord.Terminate(r.Context(), req.SessionID); err != nil {
		s.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}

func (s *Server) handleGetData(w http.ResponseWriter, r *http.Request) {
	var q premium.Query
	if err := decode(r, &q); err != nil {
		s.fail(w, r, err)
		return
	}
	rows, err := s.premiums.Schedule(r.Context(), q)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, rows)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.coord.Runs(r.Context(), chi.URLParam(r, "session_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views := make([]runView, 0, len(runs))
	for _, run := range runs {
		views = append(views, runView{
			Attempt:    run.Attempt,
			Kind:       run.Kind,
			Plan:       run.Plan,
			Outcome:    run.Outcome,
			Message:    run.Message,
			ElapsedMS:  run.Elapsed.Milliseconds(),
			FinishedAt: run.FinishedAt,
		})
	}
	JSON(w, http.StatusOK, views)
}
