package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandEnv(t *testing.T) {
	t.Setenv("TEST_CFG_HOST", "db.internal")

	assert.Equal(t, "db.internal", expandEnv("${TEST_CFG_HOST}"))
	assert.Equal(t, "db.internal", expandEnv("${TEST_CFG_HOST:fallback}"))
	assert.Equal(t, "fallback", expandEnv("${TEST_CFG_MISSING:fallback}"))
	// 未定义且无默认值时保留原样
	assert.Equal(t, "${TEST_CFG_MISSING}", expandEnv("${TEST_CFG_MISSING}"))
	assert.Equal(t, "host: db.internal, port: 5432", expandEnv("host: ${TEST_CFG_HOST}, port: ${TEST_CFG_PORT:5432}"))
}

func TestFinalCreditsFor(t *testing.T) {
	p := PricingConfig{
		FinalCredits: 5,
		FinalByResolution: map[string]int64{
			"2048x2048": 8,
			"4096x4096": 12,
		},
	}

	assert.Equal(t, int64(8), p.FinalCreditsFor("2048x2048"))
	assert.Equal(t, int64(12), p.FinalCreditsFor("4096x4096"))
	assert.Equal(t, int64(5), p.FinalCreditsFor("1024x1024"))
	assert.Equal(t, int64(5), p.FinalCreditsFor(""))
}

func TestRegenerationCreditsOrDefault(t *testing.T) {
	assert.Equal(t, int64(3), PricingConfig{SampleCredits: 2, RegenerationCredits: 3}.RegenerationCreditsOrDefault())
	assert.Equal(t, int64(2), PricingConfig{SampleCredits: 2}.RegenerationCreditsOrDefault())
}
