package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storefront-crm/internal/types"
)

func TestDecodeTriggerConfig(t *testing.T) {
	t.Run("segment change with target", func(t *testing.T) {
		cfg, err := DecodeTriggerConfig(types.TriggerSegmentChange, json.RawMessage(`{"targetSegment":"champion"}`))
		require.NoError(t, err)
		assert.Equal(t, SegmentChangeTrigger{TargetSegment: types.SegmentChampion}, cfg)
		assert.True(t, cfg.Matches(types.SegmentLoyal, types.SegmentChampion))
		assert.False(t, cfg.Matches(types.SegmentChampion, types.SegmentLoyal))
	})

	t.Run("segment change without config matches any change", func(t *testing.T) {
		cfg, err := DecodeTriggerConfig(types.TriggerSegmentChange, nil)
		require.NoError(t, err)
		assert.True(t, cfg.Matches("", types.SegmentLost))
	})

	t.Run("unknown target segment rejected", func(t *testing.T) {
		_, err := DecodeTriggerConfig(types.TriggerSegmentChange, json.RawMessage(`{"targetSegment":"vip"}`))
		assert.Error(t, err)
	})

	t.Run("event allow-list", func(t *testing.T) {
		cfg, err := DecodeTriggerConfig(types.TriggerOrderCreated, json.RawMessage(`{"segments":["loyal","at_risk"]}`))
		require.NoError(t, err)
		assert.True(t, cfg.Matches(types.SegmentAtRisk, ""))
		assert.False(t, cfg.Matches(types.SegmentChampion, ""))
		assert.False(t, cfg.Matches("", ""))
	})

	t.Run("empty allow-list matches all", func(t *testing.T) {
		cfg, err := DecodeTriggerConfig(types.TriggerFirstOrder, json.RawMessage(`{}`))
		require.NoError(t, err)
		assert.True(t, cfg.Matches("", ""))
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := DecodeTriggerConfig(types.TriggerCustomerCreated, json.RawMessage(`{"segments":`))
		assert.Error(t, err)
	})

	t.Run("unknown trigger type", func(t *testing.T) {
		_, err := DecodeTriggerConfig("cart_abandoned", nil)
		assert.Error(t, err)
	})
}

func TestDecodeActionConfig(t *testing.T) {
	cfg, err := DecodeActionConfig(types.ActionSendEmail, json.RawMessage(`{"subject":"Hi {{first_name}}","replyTo":"help@acme.test"}`))
	require.NoError(t, err)
	email, ok := cfg.(EmailAction)
	require.True(t, ok)
	assert.Equal(t, "Hi {{first_name}}", email.Subject)

	_, err = DecodeActionConfig(types.ActionSendEmail, json.RawMessage(`{}`))
	assert.Error(t, err, "subject is required")

	_, err = DecodeActionConfig(types.ActionSendEmail, json.RawMessage(`{"subject":"x","replyTo":"not-an-email"}`))
	assert.Error(t, err)

	cfg, err = DecodeActionConfig(types.ActionAddTag, json.RawMessage(`{"tags":["vip"]}`))
	require.NoError(t, err)
	assert.Equal(t, types.ActionAddTag, cfg.Type())

	_, err = DecodeActionConfig(types.ActionAddTag, json.RawMessage(`{"tags":[]}`))
	assert.Error(t, err)
}

func TestAutomation_Decode(t *testing.T) {
	a := Automation{
		ID:            "a1",
		TriggerType:   types.TriggerSegmentChange,
		TriggerConfig: json.RawMessage(`{"targetSegment":"champion"}`),
		ActionType:    types.ActionSendEmail,
		ActionConfig:  json.RawMessage(`{"subject":"Welcome"}`),
		DelayValue:    2,
		DelayUnit:     types.DelayHours,
	}
	rule, err := a.Decode()
	require.NoError(t, err)
	assert.Equal(t, "a1", rule.ID)
	assert.Equal(t, 2*time.Hour, rule.Delay())

	a.DelayUnit = "weeks"
	_, err = a.Decode()
	assert.Error(t, err)
}

func TestAutomation_Delay(t *testing.T) {
	assert.Equal(t, time.Duration(0), (&Automation{DelayValue: 0, DelayUnit: types.DelayDays}).Delay())
	assert.Equal(t, 15*time.Minute, (&Automation{DelayValue: 15, DelayUnit: types.DelayMinutes}).Delay())
	assert.Equal(t, 72*time.Hour, (&Automation{DelayValue: 3, DelayUnit: types.DelayDays}).Delay())
}
