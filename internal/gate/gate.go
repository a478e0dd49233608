package gate

import (
	"context"
	"errors"
	"strings"
	"time"

	"consensus-trader/internal/api"
	"consensus-trader/internal/model"
	"consensus-trader/internal/service"

	"go.uber.org/zap"
)

// 拒绝原因
const (
	ReasonUnknownCategory = "unknown stream category"
	ReasonLiveOnly        = "live mode only"
	ReasonCryptoInactive  = "crypto trading not enabled for account"
	ReasonOptionsTier     = "options require full tier with options approval"
)

// AccountSource 账户查询接口 (REST 客户端实现)
type AccountSource interface {
	FetchAccount(ctx context.Context, creds api.Credentials) (*api.Account, error)
}

// Gate 账户能力校验：启动时调用一次，认证失败时重新校验
type Gate struct {
	source   AccountSource
	attempts int
	backoff  service.Backoff
	now      func() time.Time
	logger   *zap.Logger
}

// NewGate 网络错误最多重试 3 次: 500ms 起，系数 2，抖动 0.2
func NewGate(source AccountSource) *Gate {
	return &Gate{
		source:   source,
		attempts: 3,
		backoff:  service.Backoff{Min: 500 * time.Millisecond, Max: 4 * time.Second, Factor: 2, Jitter: 0.2},
		now:      time.Now,
		logger:   service.Named("gate"),
	}
}

// Verify 查询账户并构建能力描述。AuthError、AccountBlockedError 为致命错误
func (g *Gate) Verify(ctx context.Context, creds api.Credentials) (*model.AccountCapability, error) {
	if !creds.Valid() {
		return nil, &service.AuthError{Op: "verify", Err: errors.New("missing api key or secret")}
	}

	var acct *api.Account
	err := service.Retry(ctx, g.attempts, g.backoff, func(ctx context.Context) error {
		var err error
		acct, err = g.source.FetchAccount(ctx, creds)
		if err != nil && service.IsRetryable(err) {
			g.logger.Warn("Account lookup failed, retrying", zap.Error(err))
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	capability, err := BuildCapability(acct, g.now())
	if err != nil {
		return nil, err
	}
	g.logger.Info("Account verified",
		zap.String("account", capability.AccountID),
		zap.String("tier", string(capability.Tier)),
		zap.String("status", string(capability.Status)),
		zap.String("feed", string(capability.RecommendedFeed)),
	)
	return capability, nil
}

// BuildCapability 账户接口返回 -> 能力描述，纯函数
func BuildCapability(acct *api.Account, now time.Time) (*model.AccountCapability, error) {
	if acct.AccountBlocked {
		return nil, &service.AccountBlockedError{AccountID: acct.ID, Reason: "account_blocked flag set by broker"}
	}

	tier := detectTier(acct)
	status := model.AccountActive
	if acct.TradingBlocked || acct.TradeSuspendedByUser || !strings.EqualFold(acct.Status, "ACTIVE") {
		status = model.AccountSuspended
	}

	multiplier := service.StringToFloatOr(acct.Multiplier, 1)
	optionsApproved := acct.OptionsApprovedLevel != nil && *acct.OptionsApprovedLevel > 0
	cryptoActive := strings.EqualFold(acct.CryptoStatus, "ACTIVE")

	restrictions := model.Restrictions{
		NoMargin:        !(multiplier > 1 || tier.AtLeastFull()),
		NoShort:         !acct.ShortingEnabled,
		NoOptions:       !(tier.AtLeastFull() && optionsApproved),
		NoCrypto:        !cryptoActive,
		NoExtendedHours: !tier.AtLeastFull(),
		NoTrading:       status != model.AccountActive,
	}

	assets := []model.AssetClass{model.AssetEquity}
	if !restrictions.NoCrypto {
		assets = append(assets, model.AssetCrypto)
	}
	if !restrictions.NoOptions {
		assets = append(assets, model.AssetOption)
	}

	capability := &model.AccountCapability{
		AccountID:             acct.ID,
		Tier:                  tier,
		Status:                status,
		PermittedAssetClasses: assets,
		Restrictions:          restrictions,
		Cash:                  service.StringToFloatOr(acct.Cash, 0),
		BuyingPower:           service.StringToFloatOr(acct.BuyingPower, 0),
		Equity:                service.StringToFloatOr(acct.Equity, 0),
		VerifiedAt:            now,
	}
	for _, cat := range model.AllCategories {
		if denyReason(capability, cat) == "" {
			capability.PermittedDataCategories = append(capability.PermittedDataCategories, cat)
		}
	}
	capability.RecommendedFeed = RecommendedFeed(capability)
	return capability, nil
}

// detectTier 显式 account_type 优先，其次期权审批，默认 Basic
func detectTier(acct *api.Account) model.Tier {
	switch strings.ToLower(strings.TrimSpace(acct.AccountType)) {
	case "enterprise":
		return model.TierEnterprise
	case "premium":
		return model.TierPremium
	case "full":
		return model.TierFull
	case "basic":
		return model.TierBasic
	}
	if acct.OptionsApprovedLevel != nil && acct.OptionsTradingLevel != nil {
		return model.TierFull
	}
	return model.TierBasic
}

// RecommendedFeed Basic 使用 IEX，其余使用 SIP
func RecommendedFeed(c *model.AccountCapability) model.Feed {
	if c.Tier.AtLeastFull() {
		return model.FeedSIP
	}
	return model.FeedIEX
}

// denyReason 返回空串表示允许
func denyReason(c *model.AccountCapability, cat model.Category) string {
	switch cat {
	case model.CategoryStocks, model.CategoryNews,
		model.CategoryTradeUpdates, model.CategoryAccountUpdates, model.CategoryOrderUpdates:
		return ""
	case model.CategoryCrypto:
		if c.Restrictions.NoCrypto {
			return ReasonCryptoInactive
		}
		return ""
	case model.CategoryOptions:
		if c.Restrictions.NoOptions {
			return ReasonOptionsTier
		}
		return ""
	default:
		return ReasonUnknownCategory
	}
}

// FilterOptions 运行模式相关的过滤条件
type FilterOptions struct {
	Live             bool
	AdvancedLiveOnly bool
}

// FilterStreams 按能力过滤请求的流类别，被拒绝的类别全部带原因返回，不会静默丢弃
func FilterStreams(c *model.AccountCapability, requested []string, opts FilterOptions) ([]model.Category, []model.Denial) {
	var allowed []model.Category
	var denied []model.Denial
	seen := make(map[model.Category]bool, len(requested))

	for _, raw := range requested {
		cat := model.Category(strings.ToLower(strings.TrimSpace(raw)))
		if seen[cat] {
			continue
		}
		seen[cat] = true

		reason := denyReason(c, cat)
		if reason == "" && cat == model.CategoryOptions && opts.AdvancedLiveOnly && !opts.Live {
			reason = ReasonLiveOnly
		}
		if reason != "" {
			denied = append(denied, model.Denial{Category: cat, Reason: reason})
			continue
		}
		allowed = append(allowed, cat)
	}
	return allowed, denied
}
