package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
)

// Org-scoped settings consulted by the engine.
const (
	SettingGraceExtend               = "circ.grace.extend"
	SettingGraceExtendIntoClosed     = "circ.grace.extend.into_closed"
	SettingGraceExtendAll            = "circ.grace.extend.all"
	SettingChargeWhenClosed          = "circ.fines.charge_when_closed"
	SettingTruncateToMaxFine         = "circ.fines.truncate_to_max_fine"
	SettingTimezone                  = "lib.timezone"
	SettingProhibitNegBalanceOnLost  = "bill.prohibit_negative_balance_on_lost"
	SettingProhibitNegBalanceDefault = "bill.prohibit_negative_balance_default"
	SettingNegBalanceIntervalOnLost  = "bill.negative_balance_interval_on_lost"
	SettingNegBalanceIntervalDefault = "bill.negative_balance_interval_default"
	SettingPenaltyMaxFines           = "circ.penalty.max_fines"
)

// SettingBool interprets a setting value the way org settings are authored:
// JSON true, 1, or the strings "t", "true", "1" are true.
func SettingBool(raw json.RawMessage) bool {
	if SettingIsNull(raw) {
		return false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		switch strings.ToLower(t) {
		case "t", "true", "1":
			return true
		}
	}
	return false
}

// SettingString returns a string value; ok is false when unset or not a string.
func SettingString(raw json.RawMessage) (string, bool) {
	if SettingIsNull(raw) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// SettingIsNull reports an unset value.
func SettingIsNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// =============================================================================
// PER-CALL CACHE
// =============================================================================

type settingKey struct {
	name  string
	orgID int64
}

// settingsCache resolves each (name, org) pair at most once per operation.
type settingsCache struct {
	src    Settings
	values map[settingKey]json.RawMessage
}

func newSettingsCache(src Settings) *settingsCache {
	return &settingsCache{src: src, values: make(map[settingKey]json.RawMessage)}
}

func (c *settingsCache) value(ctx context.Context, name string, orgID int64) (json.RawMessage, error) {
	k := settingKey{name: name, orgID: orgID}
	if v, ok := c.values[k]; ok {
		return v, nil
	}
	if c.src == nil {
		return nil, nil
	}
	v, err := c.src.ValueAtOrg(ctx, name, orgID)
	if err != nil {
		return nil, err
	}
	c.values[k] = v
	return v, nil
}

func (c *settingsCache) boolAt(ctx context.Context, name string, orgID int64) (bool, error) {
	v, err := c.value(ctx, name, orgID)
	if err != nil {
		return false, err
	}
	return SettingBool(v), nil
}

func (c *settingsCache) stringAt(ctx context.Context, name string, orgID int64) (string, bool, error) {
	v, err := c.value(ctx, name, orgID)
	if err != nil {
		return "", false, err
	}
	s, ok := SettingString(v)
	return s, ok, nil
}
