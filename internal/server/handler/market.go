package handler

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/duckoracle/internal/domain"
	"github.com/alanyoungcy/duckoracle/internal/service"
	"github.com/alanyoungcy/duckoracle/internal/trading"
)

// MarketService defines the methods that the market handler requires from the
// service layer. It is declared locally so the handler package does not depend
// on the concrete service implementation.
type MarketService interface {
	Create(ctx context.Context, in service.CreateMarketInput) (domain.Market, error)
	Get(ctx context.Context, id string) (domain.Market, error)
	List(ctx context.Context, state domain.MarketState, opts domain.ListOpts) []domain.Market
	Positions(ctx context.Context, id string) ([]domain.Position, error)
	Trades(ctx context.Context, id string, opts domain.ListOpts) ([]domain.Trade, error)
	Quote(ctx context.Context, id string, side domain.TradeSide, outcome domain.Outcome, shares domain.Amount) (trading.Quote, error)
	Buy(ctx context.Context, req trading.BuyRequest) (domain.Trade, error)
	Sell(ctx context.Context, req trading.SellRequest) (domain.Trade, error)
}

// MarketHandler serves market and trading endpoints.
type MarketHandler struct {
	markets MarketService
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given service and logger.
func NewMarketHandler(markets MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		logger:  logger.With(slog.String("handler", "market")),
	}
}

type listMarketsResponse struct {
	Markets []domain.Market `json:"markets"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// ListMarkets returns markets newest first, optionally filtered by state.
// GET /api/markets?state=active&limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	state := domain.MarketState(r.URL.Query().Get("state"))
	markets := h.markets.List(r.Context(), state, opts)
	if markets == nil {
		markets = []domain.Market{}
	}
	writeJSON(w, http.StatusOK, listMarketsResponse{Markets: markets, Limit: opts.Limit, Offset: opts.Offset})
}

type createMarketRequest struct {
	Question           string            `json:"question"`
	Criteria           string            `json:"criteria"`
	Description        string            `json:"description"`
	Category           string            `json:"category"`
	Tags               []string          `json:"tags"`
	DataSource         domain.DataSource `json:"data_source"`
	Creator            string            `json:"creator"`
	Liquidity          domain.Amount     `json:"liquidity"`
	Subsidy            domain.Amount     `json:"subsidy"`
	FeeBps             *int              `json:"fee_bps"`
	ResolutionDeadline time.Time         `json:"resolution_deadline"`
	SubmissionWindow   duration          `json:"submission_window"`
	DisputeWindow      duration          `json:"dispute_window"`
	ClaimTimeout       duration          `json:"claim_timeout"`
	ManualResolvable   bool              `json:"manual_resolvable"`
}

// CreateMarket opens a new market.
// POST /api/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	m, err := h.markets.Create(r.Context(), service.CreateMarketInput{
		Question:           req.Question,
		Criteria:           req.Criteria,
		Description:        req.Description,
		Category:           req.Category,
		Tags:               req.Tags,
		DataSource:         req.DataSource,
		Creator:            req.Creator,
		B:                  req.Liquidity,
		Subsidy:            req.Subsidy,
		FeeBps:             req.FeeBps,
		ResolutionDeadline: req.ResolutionDeadline,
		SubmissionWindow:   time.Duration(req.SubmissionWindow),
		DisputeWindow:      time.Duration(req.DisputeWindow),
		ClaimTimeout:       time.Duration(req.ClaimTimeout),
		ManualResolvable:   req.ManualResolvable,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// GetMarket returns a single market by its ID.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.markets.Get(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Quote prices a trade without executing it.
// GET /api/markets/{id}/quote?side=buy&outcome=YES&shares=10
func (h *MarketHandler) Quote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	shares, err := domain.ParseAmount(q.Get("shares"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "shares: "+err.Error())
		return
	}
	quote, err := h.markets.Quote(r.Context(), pathParam(r, "id"),
		domain.TradeSide(strings.ToLower(q.Get("side"))), outcome(q.Get("outcome")), shares)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

type tradeRequest struct {
	HolderID    string         `json:"holder_id"`
	Outcome     string         `json:"outcome"`
	Shares      domain.Amount  `json:"shares"`
	MaxCost     *domain.Amount `json:"max_cost"`
	MinProceeds domain.Amount  `json:"min_proceeds"`
}

// Buy buys shares from the market maker. Without max_cost the trade is
// unbounded.
// POST /api/markets/{id}/buy
func (h *MarketHandler) Buy(w http.ResponseWriter, r *http.Request) {
	var req tradeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	maxCost := domain.Amount(math.MaxInt64)
	if req.MaxCost != nil {
		maxCost = *req.MaxCost
	}
	t, err := h.markets.Buy(r.Context(), trading.BuyRequest{
		MarketID: pathParam(r, "id"),
		HolderID: req.HolderID,
		Outcome:  outcome(req.Outcome),
		Shares:   req.Shares,
		MaxCost:  maxCost,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// Sell sells shares back to the market maker.
// POST /api/markets/{id}/sell
func (h *MarketHandler) Sell(w http.ResponseWriter, r *http.Request) {
	var req tradeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	t, err := h.markets.Sell(r.Context(), trading.SellRequest{
		MarketID:    pathParam(r, "id"),
		HolderID:    req.HolderID,
		Outcome:     outcome(req.Outcome),
		Shares:      req.Shares,
		MinProceeds: req.MinProceeds,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// ListTrades returns a market's trades, oldest first.
// GET /api/markets/{id}/trades
func (h *MarketHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.markets.Trades(r.Context(), pathParam(r, "id"), parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if trades == nil {
		trades = []domain.Trade{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades})
}

// ListPositions returns the positions held in a market.
// GET /api/markets/{id}/positions
func (h *MarketHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.markets.Positions(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

func outcome(s string) domain.Outcome {
	return domain.Outcome(strings.ToUpper(strings.TrimSpace(s)))
}
