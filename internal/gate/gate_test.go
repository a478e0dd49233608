package gate

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"consensus-trader/internal/api"
	"consensus-trader/internal/model"
	"consensus-trader/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	acct     *api.Account
	failures int32
	calls    int32
	err      error
}

func (f *fakeSource) FetchAccount(_ context.Context, _ api.Credentials) (*api.Account, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= f.failures {
		return nil, &service.NetworkError{Op: "GET /v2/account", Err: errors.New("connection reset")}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.acct, nil
}

func intPtr(v int) *int { return &v }

var creds = api.Credentials{KeyID: "key", SecretKey: "secret"}

func fastGate(src AccountSource) *Gate {
	g := NewGate(src)
	g.backoff = service.Backoff{Min: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2}
	return g
}

func basicAccount() *api.Account {
	return &api.Account{ID: "acc-1", Status: "ACTIVE", CryptoStatus: "INACTIVE", Cash: "9982", Equity: "10000", Multiplier: "1"}
}

func TestVerifyBasicAccount(t *testing.T) {
	t.Parallel()

	capability, err := fastGate(&fakeSource{acct: basicAccount()}).Verify(context.Background(), creds)
	require.NoError(t, err)
	assert.Equal(t, model.TierBasic, capability.Tier)
	assert.Equal(t, model.AccountActive, capability.Status)
	assert.Equal(t, model.FeedIEX, capability.RecommendedFeed)
	assert.True(t, capability.CanTrade())
	assert.Equal(t, 9982.0, capability.Cash)
	assert.True(t, capability.Restrictions.NoMargin)
	assert.True(t, capability.Restrictions.NoExtendedHours)
	assert.False(t, capability.Permits(model.CategoryOptions))
	assert.True(t, capability.Permits(model.CategoryNews))
}

func TestVerifyRetriesNetworkErrors(t *testing.T) {
	t.Parallel()

	src := &fakeSource{acct: basicAccount(), failures: 2}
	_, err := fastGate(src).Verify(context.Background(), creds)
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&src.calls))

	src = &fakeSource{acct: basicAccount(), failures: 3}
	_, err = fastGate(src).Verify(context.Background(), creds)
	assert.True(t, service.IsRetryable(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(&src.calls))
}

func TestVerifyFatalErrors(t *testing.T) {
	t.Parallel()

	_, err := fastGate(&fakeSource{acct: basicAccount()}).Verify(context.Background(), api.Credentials{KeyID: "key"})
	var ae *service.AuthError
	require.ErrorAs(t, err, &ae)

	src := &fakeSource{err: &service.AuthError{Op: "GET /v2/account", Err: errors.New("401")}}
	_, err = fastGate(src).Verify(context.Background(), creds)
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, int32(1), atomic.LoadInt32(&src.calls))

	blocked := basicAccount()
	blocked.AccountBlocked = true
	_, err = fastGate(&fakeSource{acct: blocked}).Verify(context.Background(), creds)
	var be *service.AccountBlockedError
	require.ErrorAs(t, err, &be)
	assert.True(t, service.IsFatal(err))
}

func TestBuildCapabilityTierAndStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(a *api.Account)
		tier   model.Tier
		status model.AccountStatus
		feed   model.Feed
	}{
		{"basic", func(a *api.Account) {}, model.TierBasic, model.AccountActive, model.FeedIEX},
		{"options approval implies full", func(a *api.Account) {
			a.OptionsApprovedLevel = intPtr(2)
			a.OptionsTradingLevel = intPtr(2)
		}, model.TierFull, model.AccountActive, model.FeedSIP},
		{"explicit premium", func(a *api.Account) { a.AccountType = "Premium" }, model.TierPremium, model.AccountActive, model.FeedSIP},
		{"explicit basic wins over options", func(a *api.Account) {
			a.AccountType = "basic"
			a.OptionsApprovedLevel = intPtr(2)
			a.OptionsTradingLevel = intPtr(2)
		}, model.TierBasic, model.AccountActive, model.FeedIEX},
		{"trading blocked", func(a *api.Account) { a.TradingBlocked = true }, model.TierBasic, model.AccountSuspended, model.FeedIEX},
		{"suspended by user", func(a *api.Account) { a.TradeSuspendedByUser = true }, model.TierBasic, model.AccountSuspended, model.FeedIEX},
		{"not active", func(a *api.Account) { a.Status = "ACCOUNT_UPDATED" }, model.TierBasic, model.AccountSuspended, model.FeedIEX},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			acct := basicAccount()
			tt.mutate(acct)
			capability, err := BuildCapability(acct, time.Now())
			require.NoError(t, err)
			assert.Equal(t, tt.tier, capability.Tier)
			assert.Equal(t, tt.status, capability.Status)
			assert.Equal(t, tt.feed, capability.RecommendedFeed)
			assert.Equal(t, tt.status != model.AccountActive, capability.Restrictions.NoTrading)
		})
	}
}

func TestFilterStreamsBasicAccount(t *testing.T) {
	t.Parallel()

	capability, err := BuildCapability(basicAccount(), time.Now())
	require.NoError(t, err)

	allowed, denied := FilterStreams(capability, []string{"stocks", "options", "news"}, FilterOptions{})
	assert.Equal(t, []model.Category{model.CategoryStocks, model.CategoryNews}, allowed)
	require.Len(t, denied, 1)
	assert.Equal(t, model.CategoryOptions, denied[0].Category)
	assert.Equal(t, ReasonOptionsTier, denied[0].Reason)
}

func TestFilterStreamsNeverDropsSilently(t *testing.T) {
	t.Parallel()

	acct := basicAccount()
	acct.CryptoStatus = "ACTIVE"
	acct.OptionsApprovedLevel = intPtr(3)
	acct.OptionsTradingLevel = intPtr(3)
	capability, err := BuildCapability(acct, time.Now())
	require.NoError(t, err)

	requested := []string{"stocks", "crypto", "options", "forex", "trade_updates"}
	allowed, denied := FilterStreams(capability, requested, FilterOptions{Live: false, AdvancedLiveOnly: true})
	assert.Equal(t, len(requested), len(allowed)+len(denied))
	assert.ElementsMatch(t, []model.Category{model.CategoryStocks, model.CategoryCrypto, model.CategoryTradeUpdates}, allowed)
	assert.Contains(t, denied, model.Denial{Category: "forex", Reason: ReasonUnknownCategory})
	assert.Contains(t, denied, model.Denial{Category: model.CategoryOptions, Reason: ReasonLiveOnly})

	allowed, denied = FilterStreams(capability, requested, FilterOptions{Live: true, AdvancedLiveOnly: true})
	assert.Contains(t, allowed, model.CategoryOptions)
	assert.Len(t, denied, 1)
}
