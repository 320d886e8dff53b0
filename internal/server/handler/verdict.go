package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/circuitbreaker/internal/codec"
	"github.com/alanyoungcy/circuitbreaker/internal/domain"
)

// maxCaseBytes bounds the body of POST /api/check.
const maxCaseBytes = 8 << 20

// VerdictService is what the verdict endpoints need from the check service.
type VerdictService interface {
	Check(ctx context.Context, sc domain.SettlementCase) (domain.Verdict, error)
	LatestVerdict(ctx context.Context, txHash common.Hash) (domain.Verdict, error)
	SolverVerdicts(ctx context.Context, solver common.Address, opts domain.ListOpts) ([]domain.Verdict, error)
	RecentVerdicts(ctx context.Context, opts domain.ListOpts) ([]domain.Verdict, error)
	BlacklistStatus(ctx context.Context, solver common.Address) (bool, string, error)
}

// VerdictHandler serves settlement checks and verdict queries.
type VerdictHandler struct {
	svc    VerdictService
	logger *slog.Logger
}

// NewVerdictHandler creates a VerdictHandler.
func NewVerdictHandler(svc VerdictService, logger *slog.Logger) *VerdictHandler {
	return &VerdictHandler{svc: svc, logger: logger.With(slog.String("handler", "verdict"))}
}

type checkResponse struct {
	Verdict json.RawMessage `json:"verdict,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Check judges the settlement case in the request body. Any verdict,
// including invalid, is answered with 200; a malformed case with 400.
// POST /api/check
func (h *VerdictHandler) Check(w http.ResponseWriter, r *http.Request) {
	sc, err := codec.DecodeCase(http.MaxBytesReader(w, r.Body, maxCaseBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	v, checkErr := h.svc.Check(r.Context(), sc)
	if v.ID == "" {
		var nc *domain.NoncriticalDataFetchingError
		if errors.As(checkErr, &nc) {
			writeError(w, http.StatusUnprocessableEntity, checkErr.Error())
			return
		}
		writeServiceError(w, h.logger, r, checkErr)
		return
	}

	data, err := codec.MarshalVerdict(v)
	if err != nil {
		writeServiceError(w, h.logger, r, err)
		return
	}
	resp := checkResponse{Verdict: data}
	if checkErr != nil {
		resp.Error = checkErr.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetVerdict returns the latest verdict of a settlement transaction.
// GET /api/verdicts/{tx}
func (h *VerdictHandler) GetVerdict(w http.ResponseWriter, r *http.Request) {
	tx := r.PathValue("tx")
	if !isHash(tx) {
		writeError(w, http.StatusBadRequest, "invalid transaction hash")
		return
	}
	v, err := h.svc.LatestVerdict(r.Context(), common.HexToHash(tx))
	if err != nil {
		writeServiceError(w, h.logger, r, err)
		return
	}
	h.writeVerdicts(w, r, []domain.Verdict{v}, true)
}

// ListRecent returns the newest verdicts of all solvers.
// GET /api/verdicts/recent
func (h *VerdictHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	vs, err := h.svc.RecentVerdicts(r.Context(), parseListOpts(r))
	if err != nil {
		writeServiceError(w, h.logger, r, err)
		return
	}
	h.writeVerdicts(w, r, vs, false)
}

// ListBySolver returns the verdicts of one solver.
// GET /api/solvers/{address}/verdicts
func (h *VerdictHandler) ListBySolver(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("address")
	if !common.IsHexAddress(addr) {
		writeError(w, http.StatusBadRequest, "invalid solver address")
		return
	}
	vs, err := h.svc.SolverVerdicts(r.Context(), common.HexToAddress(addr), parseListOpts(r))
	if err != nil {
		writeServiceError(w, h.logger, r, err)
		return
	}
	h.writeVerdicts(w, r, vs, false)
}

// GetBlacklist reports whether a solver is blacklisted.
// GET /api/blacklist/{address}
func (h *VerdictHandler) GetBlacklist(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("address")
	if !common.IsHexAddress(addr) {
		writeError(w, http.StatusBadRequest, "invalid solver address")
		return
	}
	solver := common.HexToAddress(addr)
	listed, reason, err := h.svc.BlacklistStatus(r.Context(), solver)
	if err != nil {
		writeServiceError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"solver":      solver.Hex(),
		"blacklisted": listed,
		"reason":      reason,
	})
}

// writeVerdicts encodes verdicts through the codec so the API and the
// archive share one format.
func (h *VerdictHandler) writeVerdicts(w http.ResponseWriter, r *http.Request, vs []domain.Verdict, single bool) {
	raw := make([]json.RawMessage, 0, len(vs))
	for _, v := range vs {
		data, err := codec.MarshalVerdict(v)
		if err != nil {
			writeServiceError(w, h.logger, r, err)
			return
		}
		raw = append(raw, data)
	}
	if single {
		writeJSON(w, http.StatusOK, raw[0])
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"verdicts": raw, "count": len(raw)})
}

func isHash(s string) bool {
	b, err := hexutil.Decode(s)
	return err == nil && len(b) == common.HashLength
}
