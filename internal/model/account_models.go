package model

import "time"

// Tier 账户等级
type Tier string

const (
	TierBasic      Tier = "basic"
	TierFull       Tier = "full"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// AtLeastFull Full 及以上
func (t Tier) AtLeastFull() bool {
	return t == TierFull || t == TierPremium || t == TierEnterprise
}

// AccountStatus 账户状态
type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountBlocked   AccountStatus = "blocked"
	AccountSuspended AccountStatus = "suspended"
)

// AssetClass 可交易资产
type AssetClass string

const (
	AssetEquity AssetClass = "us_equity"
	AssetCrypto AssetClass = "crypto"
	AssetOption AssetClass = "us_option"
)

// Feed 行情数据源
type Feed string

const (
	FeedIEX Feed = "iex"
	FeedSIP Feed = "sip"
)

// Restrictions 账户限制
type Restrictions struct {
	NoMargin        bool
	NoShort         bool
	NoOptions       bool
	NoCrypto        bool
	NoExtendedHours bool
	NoTrading       bool
}

// AccountCapability 启动时构建，重新验证前不可变
type AccountCapability struct {
	AccountID               string
	Tier                    Tier
	Status                  AccountStatus
	PermittedAssetClasses   []AssetClass
	PermittedDataCategories []Category
	RecommendedFeed         Feed
	Restrictions            Restrictions
	Cash                    float64
	BuyingPower             float64
	Equity                  float64
	VerifiedAt              time.Time
}

// Permits 是否允许某类别
func (c *AccountCapability) Permits(cat Category) bool {
	for _, p := range c.PermittedDataCategories {
		if p == cat {
			return true
		}
	}
	return false
}

// CanTrade 账户是否可以下单
func (c *AccountCapability) CanTrade() bool {
	return c.Status == AccountActive && !c.Restrictions.NoTrading
}

// Denial 被拒绝的流类别及原因
type Denial struct {
	Category Category
	Reason   string
}
