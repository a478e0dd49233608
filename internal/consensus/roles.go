package consensus

import (
	"fmt"
	"strings"

	"consensus-trader/internal/model"
	"consensus-trader/internal/service"
)

// RoleProfile 角色的默认权重、温度与置信度修正
type RoleProfile struct {
	Weight      float64
	Temperature float64
	// ConfidenceScale 对模型自报置信度的修正
	ConfidenceScale float64
}

var roleProfiles = map[model.ModelRole]RoleProfile{
	model.RoleTechnicalAnalysis: {Weight: 0.25, Temperature: 0.1, ConfidenceScale: 1.0},
	model.RoleSentimentAnalysis: {Weight: 0.20, Temperature: 0.3, ConfidenceScale: 0.8},
	model.RoleRiskManagement:    {Weight: 0.30, Temperature: 0.05, ConfidenceScale: 1.1},
	model.RoleMarketRegime:      {Weight: 0.15, Temperature: 0.2, ConfidenceScale: 0.9},
	model.RoleMomentum:          {Weight: 0.10, Temperature: 0.15, ConfidenceScale: 0.9},
	model.RoleGeneral:           {Weight: 0.20, Temperature: 0.4, ConfidenceScale: 0.7},
}

// capabilityRoles 配置中的 capability 到角色的显式映射
var capabilityRoles = map[string]model.ModelRole{
	"":                   model.RoleGeneral,
	"general":            model.RoleGeneral,
	"technical":          model.RoleTechnicalAnalysis,
	"technical_analysis": model.RoleTechnicalAnalysis,
	"sentiment":          model.RoleSentimentAnalysis,
	"sentiment_analysis": model.RoleSentimentAnalysis,
	"news":               model.RoleSentimentAnalysis,
	"risk":               model.RoleRiskManagement,
	"risk_management":    model.RoleRiskManagement,
	"regime":             model.RoleMarketRegime,
	"market_regime":      model.RoleMarketRegime,
	"momentum":           model.RoleMomentum,
}

// ModelSpec 构造时确定的模型角色
type ModelSpec struct {
	ID          string
	Role        model.ModelRole
	Temperature float64
}

// ResolveRole capability 未知时返回错误
func ResolveRole(capability string) (model.ModelRole, error) {
	role, ok := capabilityRoles[strings.ToLower(strings.TrimSpace(capability))]
	if !ok {
		return "", fmt.Errorf("%w: unknown model capability %q", service.ErrConfig, capability)
	}
	return role, nil
}

// ResolveModels 一次性解析全部模型角色，模型 ID 不可重复
func ResolveModels(models []service.ModelConfig) ([]ModelSpec, error) {
	seen := make(map[string]bool, len(models))
	specs := make([]ModelSpec, 0, len(models))
	for _, m := range models {
		if seen[m.ID] {
			return nil, fmt.Errorf("%w: duplicate model %q", service.ErrConfig, m.ID)
		}
		seen[m.ID] = true
		role, err := ResolveRole(m.Capability)
		if err != nil {
			return nil, err
		}
		specs = append(specs, ModelSpec{ID: m.ID, Role: role, Temperature: roleProfiles[role].Temperature})
	}
	return specs, nil
}

// Policy 聚合策略，可热更新
type Policy struct {
	Threshold   float64
	AIWeight    float64
	RoleWeights map[model.ModelRole]float64
}

// PolicyFromConfig 未配置的角色使用默认权重
func PolicyFromConfig(cfg service.ConsensusConfig) (*Policy, error) {
	p := &Policy{
		Threshold:   cfg.Threshold,
		AIWeight:    cfg.AIWeight,
		RoleWeights: make(map[model.ModelRole]float64, len(roleProfiles)),
	}
	for role, prof := range roleProfiles {
		p.RoleWeights[role] = prof.Weight
	}
	for name, w := range cfg.RoleWeights {
		role, err := ResolveRole(name)
		if err != nil {
			return nil, err
		}
		if w < 0 {
			return nil, fmt.Errorf("%w: negative weight for role %s", service.ErrConfig, name)
		}
		p.RoleWeights[role] = w
	}
	if p.Threshold <= 0 || p.Threshold > 1 {
		return nil, fmt.Errorf("%w: consensus threshold %.2f out of (0,1]", service.ErrConfig, p.Threshold)
	}
	if p.AIWeight < 0 || p.AIWeight > 1 {
		return nil, fmt.Errorf("%w: ai weight %.2f out of [0,1]", service.ErrConfig, p.AIWeight)
	}
	return p, nil
}

func (p *Policy) weight(role model.ModelRole) float64 {
	return p.RoleWeights[role]
}
