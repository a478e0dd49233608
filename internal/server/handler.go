package server

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"consensus-trader/internal/consensus"
	"consensus-trader/internal/execution"
	"consensus-trader/internal/llm"
	"consensus-trader/internal/model"
	"consensus-trader/internal/pipeline"
	"consensus-trader/internal/storage"
	"consensus-trader/internal/timing"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type PolicySource interface {
	Policy() consensus.Policy
	BreakerStates() map[string]llm.BreakerState
}

type ExecutionSource interface {
	Orders() []model.OrderRecord
	Skipped() []model.SkippedTrade
	Ledger() *execution.Ledger
	Guards() *execution.GuardTable
	Equity() float64
}

type SubscriptionSource interface {
	Subscriptions() []model.StreamSubscription
}

type SnapshotSource interface {
	All() []*model.MarketSnapshot
}

type OrderJournal interface {
	RecentOrders(ctx context.Context, limit int) ([]storage.OrderEventRecord, error)
}

type CycleSource interface {
	LastReport() *pipeline.Report
}

// Check 依赖健康检查 (redis, clickhouse)
type Check func(ctx context.Context) error

// Sources 运行中的组件，未启用的留空
type Sources struct {
	Mode          string
	Timing        *timing.Controller
	Consensus     PolicySource
	Execution     ExecutionSource
	Subscriptions SubscriptionSource
	Snapshots     SnapshotSource
	Journal       OrderJournal
	Cycles        CycleSource
	Checks        map[string]Check
}

type Handler struct {
	src     Sources
	started time.Time
	now     func() time.Time
	logger  *zap.Logger
}

func NewHandler(src Sources, logger *zap.Logger) *Handler {
	return &Handler{src: src, started: time.Now(), now: time.Now, logger: logger}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.Healthz)
	e.GET("/readyz", h.Readyz)

	g := e.Group("/v1")
	g.GET("/status", h.Status)
	g.GET("/snapshots", h.Snapshots)
	g.GET("/orders", h.Orders)
	g.GET("/skipped", h.Skipped)
}

func (h *Handler) Healthz(c echo.Context) error {
	return success(c, map[string]string{"uptime": h.now().Sub(h.started).Truncate(time.Second).String()})
}

// Readyz 依赖检查全部通过，且至少一个行情订阅处于 Subscribed
func (h *Handler) Readyz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.src.Checks)+1)
	ready := true
	for name, check := range h.src.Checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}
	if h.src.Subscriptions != nil {
		checks["stream"] = "no subscribed streams"
		streamReady := false
		for _, s := range h.src.Subscriptions.Subscriptions() {
			if s.State == model.StateSubscribed {
				checks["stream"] = "ok"
				streamReady = true
				break
			}
		}
		ready = ready && streamReady
	}

	if !ready {
		return dataResponse(c, http.StatusServiceUnavailable, checks)
	}
	return success(c, checks)
}

type subscriptionView struct {
	Category   string    `json:"category"`
	Symbol     string    `json:"symbol,omitempty"`
	State      string    `json:"state"`
	LastUpdate time.Time `json:"last_update"`
}

type positionView struct {
	Symbol    string  `json:"symbol"`
	Quantity  float64 `json:"quantity"`
	CostBasis float64 `json:"cost_basis"`
	AvgPrice  float64 `json:"avg_price"`
}

type guardView struct {
	Symbol          string    `json:"symbol"`
	LiquidatedAt    time.Time `json:"liquidated_at"`
	CyclesRemaining int       `json:"cycles_remaining"`
}

type ledgerView struct {
	Cash      float64        `json:"cash"`
	Available float64        `json:"available"`
	Equity    float64        `json:"equity"`
	Positions []positionView `json:"positions"`
}

type policyView struct {
	Threshold   float64            `json:"threshold"`
	AIWeight    float64            `json:"ai_weight"`
	RoleWeights map[string]float64 `json:"role_weights"`
}

type cycleView struct {
	CycleID   string        `json:"cycle_id"`
	Phase     string        `json:"phase"`
	Decisions int           `json:"decisions"`
	Orders    int           `json:"orders"`
	Errors    int           `json:"errors"`
	Degraded  bool          `json:"degraded"`
	Duration  time.Duration `json:"duration"`
}

type statusView struct {
	Mode          string                      `json:"mode"`
	Timing        *timing.Status              `json:"timing,omitempty"`
	Policy        *policyView                 `json:"policy,omitempty"`
	Breakers      map[string]llm.BreakerState `json:"breakers,omitempty"`
	Ledger        *ledgerView                 `json:"ledger,omitempty"`
	Guards        []guardView                 `json:"guards"`
	Subscriptions []subscriptionView          `json:"subscriptions"`
	LastCycle     *cycleView                  `json:"last_cycle,omitempty"`
}

func (h *Handler) Status(c echo.Context) error {
	out := statusView{Mode: h.src.Mode, Guards: []guardView{}, Subscriptions: []subscriptionView{}}

	if h.src.Timing != nil {
		st := h.src.Timing.Status(h.now())
		out.Timing = &st
	}
	if h.src.Consensus != nil {
		p := h.src.Consensus.Policy()
		pv := &policyView{Threshold: p.Threshold, AIWeight: p.AIWeight, RoleWeights: make(map[string]float64, len(p.RoleWeights))}
		for role, w := range p.RoleWeights {
			pv.RoleWeights[string(role)] = w
		}
		out.Policy = pv
		out.Breakers = h.src.Consensus.BreakerStates()
	}
	if h.src.Execution != nil {
		l := h.src.Execution.Ledger()
		lv := &ledgerView{Cash: l.Cash(), Available: l.Available(), Equity: h.src.Execution.Equity(), Positions: []positionView{}}
		for _, p := range l.Positions() {
			lv.Positions = append(lv.Positions, positionView{Symbol: p.Symbol, Quantity: p.Quantity, CostBasis: p.CostBasis, AvgPrice: p.AvgPrice})
		}
		out.Ledger = lv
		for _, g := range h.src.Execution.Guards().Active() {
			out.Guards = append(out.Guards, guardView{Symbol: g.Symbol, LiquidatedAt: g.LiquidatedAt, CyclesRemaining: g.CooldownCyclesRemaining})
		}
	}
	if h.src.Subscriptions != nil {
		subs := h.src.Subscriptions.Subscriptions()
		sort.Slice(subs, func(i, j int) bool { return subs[i].Key.String() < subs[j].Key.String() })
		for _, s := range subs {
			out.Subscriptions = append(out.Subscriptions, subscriptionView{
				Category:   string(s.Key.Category),
				Symbol:     s.Key.Symbol,
				State:      string(s.State),
				LastUpdate: s.LastUpdate,
			})
		}
	}
	if h.src.Cycles != nil {
		if r := h.src.Cycles.LastReport(); r != nil {
			out.LastCycle = &cycleView{
				CycleID:   r.CycleID,
				Phase:     string(r.Phase),
				Decisions: len(r.Decisions),
				Orders:    len(r.Orders),
				Errors:    len(r.Errors),
				Degraded:  r.Degraded(),
				Duration:  r.Duration,
			}
		}
	}
	return success(c, out)
}

type snapshotsRequest struct {
	Symbol   string `query:"symbol"`
	Category string `query:"category" validate:"omitempty,oneof=stocks crypto options"`
}

func (h *Handler) Snapshots(c echo.Context) error {
	req := &snapshotsRequest{}
	if errs := bindQuery(c, req); errs != nil {
		return badRequest(c, errs)
	}
	rows := []storage.SnapshotRecord{}
	if h.src.Snapshots != nil {
		for _, s := range h.src.Snapshots.All() {
			if s == nil {
				continue
			}
			if req.Symbol != "" && !strings.EqualFold(req.Symbol, s.Symbol) {
				continue
			}
			if req.Category != "" && string(s.Category) != req.Category {
				continue
			}
			rows = append(rows, storage.NewSnapshotRecord(s))
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Symbol == rows[j].Symbol {
			return rows[i].Category < rows[j].Category
		}
		return rows[i].Symbol < rows[j].Symbol
	})
	return list(c, rows, len(rows))
}

type ordersRequest struct {
	Limit int `query:"limit" default:"50" validate:"min=1,max=500"`
}

// Orders 有 journal 时读持久化记录，否则读内存中的最近订单
func (h *Handler) Orders(c echo.Context) error {
	req := &ordersRequest{}
	if errs := bindQuery(c, req); errs != nil {
		return badRequest(c, errs)
	}

	if h.src.Journal != nil {
		rows, err := h.src.Journal.RecentOrders(c.Request().Context(), req.Limit)
		if err == nil {
			return list(c, rows, len(rows))
		}
		h.logger.Warn("Journal order query failed, using in-memory orders", zap.Error(err))
	}

	rows := []storage.OrderEventRecord{}
	if h.src.Execution != nil {
		orders := h.src.Execution.Orders()
		// 最新的在前
		for i := len(orders) - 1; i >= 0 && len(rows) < req.Limit; i-- {
			rows = append(rows, storage.NewOrderEventRecord(&orders[i]))
		}
	}
	return list(c, rows, len(rows))
}

type skippedView struct {
	CycleID string    `json:"cycle_id"`
	Symbol  string    `json:"symbol"`
	Action  string    `json:"action"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
}

func (h *Handler) Skipped(c echo.Context) error {
	rows := []skippedView{}
	if h.src.Execution != nil {
		skipped := h.src.Execution.Skipped()
		for i := len(skipped) - 1; i >= 0; i-- {
			s := skipped[i]
			rows = append(rows, skippedView{CycleID: s.CycleID, Symbol: s.Symbol, Action: string(s.Action), Reason: s.Reason, At: s.At})
		}
	}
	return list(c, rows, len(rows))
}
