package provider

import "fmt"

// SettingType is the declared type of a provider setting
type SettingType string

// Defining the supported setting types
const (
	SettingString SettingType = "string"
	SettingBool   SettingType = "bool"
	SettingInt    SettingType = "int"
)

// EnabledSetting is the auto-added per-provider toggle
const EnabledSetting = "enabled"

// SettingDescriptor declares one typed setting a provider needs. Descriptors
// are assembled with plain struct literals; registration merges them into
// the configuration resolver under "providers.<key>.<setting>".
type SettingDescriptor struct {
	Key         string
	Type        SettingType
	Default     string
	Description string
	Required    bool
}

// AdminAction is an action an operator may take on a payment request
type AdminAction string

// Defining the admin actions a provider can support
const (
	ActionApprove AdminAction = "approve"
	ActionReject  AdminAction = "reject"
	ActionRefund  AdminAction = "refund"
)

// Definition is the immutable registered metadata of a payment provider
type Definition struct {
	Key              string              `json:"key"`
	Label            string              `json:"label"`
	ManualResolution bool                `json:"manualResolution"`
	AdminActions     []AdminAction       `json:"adminActions"`
	Refundable       bool                `json:"refundable"`
	Settings         []SettingDescriptor `json:"-"`
}

// SupportsAction reports whether the provider exposes an admin action
func (d Definition) SupportsAction(action AdminAction) bool {
	for _, a := range d.AdminActions {
		if a == action {
			return true
		}
	}
	return false
}

// SettingKey returns the fully qualified configuration key for a setting
func (d Definition) SettingKey(name string) string {
	return fmt.Sprintf("providers.%s.%s", d.Key, name)
}
