package api

import "fmt"

// StopReason is the provider stop reason handed to Engine.Stop by the host.
type StopReason int32

const (
	StopReasonNone StopReason = iota
	StopReasonUserInitiated
	StopReasonProviderFailed
	StopReasonNoNetworkAvailable
	StopReasonUnrecoverableNetworkChange
	StopReasonProviderDisabled
	StopReasonAuthenticationCanceled
	StopReasonConfigurationFailed
	StopReasonIdleTimeout
	StopReasonConfigurationDisabled
	StopReasonConfigurationRemoved
	StopReasonSuperseded
	StopReasonUserLogout
	StopReasonUserSwitch
	StopReasonConnectionFailed
	StopReasonSleep
	StopReasonAppUpdate
	StopReasonInternalError
)

var stopReasonNames = [...]string{
	"none",
	"user_initiated",
	"provider_failed",
	"no_network_available",
	"unrecoverable_network_change",
	"provider_disabled",
	"authentication_canceled",
	"configuration_failed",
	"idle_timeout",
	"configuration_disabled",
	"configuration_removed",
	"superseded",
	"user_logout",
	"user_switch",
	"connection_failed",
	"sleep",
	"app_update",
	"internal_error",
}

func (r StopReason) String() string {
	if r >= 0 && int(r) < len(stopReasonNames) {
		return stopReasonNames[r]
	}
	return fmt.Sprintf("unknown(%d)", int32(r))
}
