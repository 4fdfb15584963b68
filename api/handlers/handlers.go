// Package handlers is the HTTP surface of the launch platform: offering
// and participant lookups, allocation previews and the claim endpoints.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nenkoz/FairLaunch.io/api/metrics"
	"github.com/nenkoz/FairLaunch.io/distributor/pkg/distribution"
	"github.com/nenkoz/FairLaunch.io/launchpad/pkg/giveaway"
)

type Config struct {
	Logger   *slog.Logger
	Giveaway *giveaway.Service
	Version  VersionInfo
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Giveaway == nil {
		return errors.New("giveaway service is required")
	}
	return nil
}

type Handlers struct {
	log      *slog.Logger
	giveaway *giveaway.Service
	version  VersionInfo
}

func New(cfg Config) (*Handlers, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Handlers{
		log:      cfg.Logger,
		giveaway: cfg.Giveaway,
		version:  cfg.Version,
	}, nil
}

// Router assembles the full route tree with middleware.
func (h *Handlers) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(metrics.Middleware)

	r.Get("/healthz", h.getHealthz)
	r.Get("/version", h.getVersion)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/offerings/{id}", func(r chi.Router) {
		r.Get("/", h.getOffering)
		r.Get("/participants", h.listParticipants)
		r.Get("/participants/{address}", h.getParticipant)
		r.Get("/allocation", h.getAllocation)

		r.Group(func(r chi.Router) {
			r.Use(ClaimRateLimitMiddleware)
			r.Post("/claims", h.postClaim)
			r.Post("/claims/batch", h.postBatchClaim)
			r.Post("/claims/status", h.postClaimStatus)
		})
	})

	return r
}

func (h *Handlers) getHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// OfferingResponse is the public view of one offering. Amounts are
// decimal strings.
type OfferingResponse struct {
	ID                 string `json:"id"`
	Owner              string `json:"owner"`
	Token              string `json:"token"`
	StartTime          int64  `json:"startTime"`
	EndTime            int64  `json:"endTime"`
	MaxAllocation      string `json:"maxAllocation"`
	TotalTokensForSale string `json:"totalTokensForSale"`
	DevBps             uint64 `json:"devBps"`
	LiquidityBps       uint64 `json:"liquidityBps"`
	TotalDeposited     string `json:"totalDeposited"`
	ParticipantCount   uint64 `json:"participantCount"`
	Finalized          bool   `json:"finalized"`
	Cancelled          bool   `json:"cancelled"`
	FinalAllocation    string `json:"finalAllocation,omitempty"`
	MerkleRoot         string `json:"merkleRoot,omitempty"`
	LiquidityDeployed  bool   `json:"liquidityDeployed"`
}

func offeringResponse(o *giveaway.Offering) OfferingResponse {
	resp := OfferingResponse{
		ID:                 o.ID,
		Owner:              o.Owner.Hex(),
		Token:              o.Token.Hex(),
		StartTime:          o.StartTime.Unix(),
		EndTime:            o.EndTime.Unix(),
		MaxAllocation:      o.MaxAllocation.Dec(),
		TotalTokensForSale: o.TotalTokensForSale.Dec(),
		DevBps:             o.DevBps,
		LiquidityBps:       o.LiquidityBps,
		TotalDeposited:     o.TotalDeposited.Dec(),
		ParticipantCount:   o.ParticipantCount,
		Finalized:          o.Finalized,
		Cancelled:          o.Cancelled,
		LiquidityDeployed:  o.LiquidityDeployed,
	}
	if o.FinalAllocation != nil {
		resp.FinalAllocation = o.FinalAllocation.Dec()
	}
	if o.MerkleEnabled {
		resp.MerkleRoot = o.MerkleRoot.Hex()
	}
	return resp
}

func (h *Handlers) getOffering(w http.ResponseWriter, r *http.Request) {
	o, err := h.giveaway.Offering(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, offeringResponse(o))
}

// ParticipantResponse is the public view of one deposit record.
type ParticipantResponse struct {
	Address     string `json:"address"`
	Amount      string `json:"amount"`
	DepositedAt int64  `json:"depositedAt"`
}

func (h *Handlers) listParticipants(w http.ResponseWriter, r *http.Request) {
	parts, err := h.giveaway.Participants(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	page := ParsePagination(r, DefaultLimit)
	total := len(parts)
	start := page.Offset
	if start > total {
		start = total
	}
	end := start + page.Limit
	if end > total {
		end = total
	}

	items := make([]ParticipantResponse, 0, end-start)
	for _, p := range parts[start:end] {
		items = append(items, ParticipantResponse{
			Address:     p.Address.Hex(),
			Amount:      p.Amount.Dec(),
			DepositedAt: p.DepositedAt.Unix(),
		})
	}
	h.writeJSON(w, PaginatedResponse[ParticipantResponse]{
		Items:  items,
		Total:  total,
		Limit:  page.Limit,
		Offset: page.Offset,
	})
}

func (h *Handlers) getParticipant(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	if !common.IsHexAddress(addr) {
		h.writeStatus(w, http.StatusBadRequest, "invalid address")
		return
	}
	p, err := h.giveaway.Participant(r.Context(), chi.URLParam(r, "id"), common.HexToAddress(addr))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, ParticipantResponse{
		Address:     p.Address.Hex(),
		Amount:      p.Amount.Dec(),
		DepositedAt: p.DepositedAt.Unix(),
	})
}

// AllocationEntryResponse is one participant's computed share.
type AllocationEntryResponse struct {
	Participant string `json:"participant"`
	Deposit     string `json:"deposit"`
	Tokens      string `json:"tokens"`
	Refund      string `json:"refund"`
}

// AllocationResponse is the allocation preview for a finalized offering.
type AllocationResponse struct {
	Oversubscribed bool                      `json:"oversubscribed"`
	TotalTokens    string                    `json:"totalTokens"`
	TotalRefunds   string                    `json:"totalRefunds"`
	Entries        []AllocationEntryResponse `json:"entries"`
}

func (h *Handlers) getAllocation(w http.ResponseWriter, r *http.Request) {
	res, err := h.giveaway.AllocationBreakdown(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp := AllocationResponse{
		Oversubscribed: res.Oversubscribed,
		TotalTokens:    res.TotalTokens.Dec(),
		TotalRefunds:   res.TotalRefunds.Dec(),
		Entries:        make([]AllocationEntryResponse, 0, len(res.Entries)),
	}
	for _, e := range res.Entries {
		resp.Entries = append(resp.Entries, AllocationEntryResponse{
			Participant: e.Participant.Hex(),
			Deposit:     e.Deposit.Dec(),
			Tokens:      e.Tokens.Dec(),
			Refund:      e.Refund.Dec(),
		})
	}
	h.writeJSON(w, resp)
}

// ClaimPayload mirrors one distribution entry on the wire.
type ClaimPayload struct {
	Index        uint64   `json:"index"`
	Address      string   `json:"address"`
	TokenAmount  string   `json:"tokenAmount"`
	RefundAmount string   `json:"refundAmount"`
	Proof        []string `json:"proof"`
}

func (p ClaimPayload) toRequest() (giveaway.ClaimRequest, error) {
	if !common.IsHexAddress(p.Address) {
		return giveaway.ClaimRequest{}, errors.New("invalid address")
	}
	tok, err := distribution.ParseAmount(p.TokenAmount)
	if err != nil {
		return giveaway.ClaimRequest{}, err
	}
	ref, err := distribution.ParseAmount(p.RefundAmount)
	if err != nil {
		return giveaway.ClaimRequest{}, err
	}
	proof := make([]common.Hash, 0, len(p.Proof))
	for _, s := range p.Proof {
		proof = append(proof, common.HexToHash(s))
	}
	return giveaway.ClaimRequest{
		Index:        p.Index,
		Participant:  common.HexToAddress(p.Address),
		TokenAmount:  tok,
		RefundAmount: ref,
		Proof:        proof,
	}, nil
}

// ClaimResponse reports the outcome of one claim.
type ClaimResponse struct {
	Index  uint64 `json:"index"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (h *Handlers) postClaim(w http.ResponseWriter, r *http.Request) {
	var payload ClaimPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeStatus(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req, err := payload.toRequest()
	if err != nil {
		h.writeStatus(w, http.StatusBadRequest, err.Error())
		return
	}

	start := time.Now()
	err = h.giveaway.Claim(r.Context(), chi.URLParam(r, "id"), req)
	metrics.RecordClaim(claimMetricStatus(err), time.Since(start))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, ClaimResponse{Index: req.Index, Status: "paid"})
}

func (h *Handlers) postBatchClaim(w http.ResponseWriter, r *http.Request) {
	var payloads []ClaimPayload
	if err := json.NewDecoder(r.Body).Decode(&payloads); err != nil {
		h.writeStatus(w, http.StatusBadRequest, "invalid request body")
		return
	}
	metrics.BatchClaimSize.Observe(float64(len(payloads)))

	reqs := make([]giveaway.ClaimRequest, 0, len(payloads))
	for _, p := range payloads {
		req, err := p.toRequest()
		if err != nil {
			h.writeStatus(w, http.StatusBadRequest, err.Error())
			return
		}
		reqs = append(reqs, req)
	}

	results, err := h.giveaway.BatchClaim(r.Context(), chi.URLParam(r, "id"), reqs)
	if err != nil {
		h.writeError(w, err)
		return
	}

	out := make([]ClaimResponse, 0, len(results))
	for _, res := range results {
		cr := ClaimResponse{Index: res.Index, Status: "paid"}
		if res.Err != nil {
			cr.Status = "failed"
			cr.Error = res.Err.Error()
		}
		out = append(out, cr)
	}
	h.writeJSON(w, out)
}

// ClaimStatusResponse reports claim eligibility for one leaf.
type ClaimStatusResponse struct {
	Index  uint64 `json:"index"`
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

func (h *Handlers) postClaimStatus(w http.ResponseWriter, r *http.Request) {
	var payload ClaimPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeStatus(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req, err := payload.toRequest()
	if err != nil {
		h.writeStatus(w, http.StatusBadRequest, err.Error())
		return
	}

	reason, err := h.giveaway.ClaimStatus(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, ClaimStatusResponse{
		Index:  req.Index,
		Code:   int(reason),
		Reason: reason.String(),
	})
}

func claimMetricStatus(err error) string {
	switch {
	case err == nil:
		return "paid"
	case errors.Is(err, giveaway.ErrAlreadyClaimed):
		return "replay"
	case errors.Is(err, giveaway.ErrInvalidProof):
		return "invalid_proof"
	default:
		return "error"
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("api: failed to write response", "error", err)
	}
}

func (h *Handlers) writeStatus(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: msg})
}

// writeError maps service errors onto HTTP status codes.
func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	var code int
	switch {
	case errors.Is(err, giveaway.ErrUnknownOffering),
		errors.Is(err, giveaway.ErrUnknownParticipant):
		code = http.StatusNotFound
	case errors.Is(err, giveaway.ErrAlreadyClaimed):
		code = http.StatusConflict
	case errors.Is(err, giveaway.ErrInvalidProof),
		errors.Is(err, giveaway.ErrNoAllocation),
		errors.Is(err, giveaway.ErrRootNotSet),
		errors.Is(err, giveaway.ErrNotFinalized):
		code = http.StatusUnprocessableEntity
	default:
		h.log.Error("api: internal error", "error", err)
		code = http.StatusInternalServerError
	}
	h.writeStatus(w, code, err.Error())
}
