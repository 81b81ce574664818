package bridge

import "github.com/am6737/tproxy/config"

// RuleView is one capture rule with integer enum codes. Prefixes are only
// meaningful when the matching IsSet flag is true.
type RuleView struct {
	RemoteNetwork     string
	RemotePrefix      uint8
	RemotePrefixIsSet bool
	LocalNetwork      string
	LocalPrefix       uint8
	LocalPrefixIsSet  bool
	Protocol          int32
	Direction         int32
}

// GetStartupConfig returns an owned copy of the startup configuration, or 0
// before a successful Initialize. Release it with ConfigFree.
func GetStartupConfig() ConfigHandle {
	sc, err := configStore().StartupConfig()
	if err != nil {
		logEntry().WithError(err).Warn("Startup config requested before initialization")
		return 0
	}
	return ConfigHandle(configs.put(&sc))
}

func ConfigFree(h ConfigHandle) {
	if _, ok := configs.take(uint64(h)); !ok {
		misuse("config", uint64(h))
	}
}

func lookupConfig(h ConfigHandle) (*config.StartupConfig, bool) {
	sc, ok := configs.get(uint64(h))
	if !ok {
		misuse("config", uint64(h))
	}
	return sc, ok
}

func ConfigTunnelRemoteAddress(h ConfigHandle) string {
	sc, ok := lookupConfig(h)
	if !ok {
		return ""
	}
	return sc.TunnelRemoteAddress
}

// ConfigTunnelRemoteAddressBytes returns the tunnel address as an owned
// buffer. Release it with BytesFree.
func ConfigTunnelRemoteAddressBytes(h ConfigHandle) BytesHandle {
	sc, ok := lookupConfig(h)
	if !ok {
		return 0
	}
	return BytesHandle(owned.put([]byte(sc.TunnelRemoteAddress)))
}

func ConfigRulesLen(h ConfigHandle) int32 {
	sc, ok := lookupConfig(h)
	if !ok {
		return 0
	}
	return int32(len(sc.Rules))
}

func ConfigRule(h ConfigHandle, i int32) (RuleView, bool) {
	sc, ok := lookupConfig(h)
	if !ok || i < 0 || int(i) >= len(sc.Rules) {
		return RuleView{}, false
	}
	r := sc.Rules[i]
	v := RuleView{
		RemoteNetwork: r.RemoteNetwork,
		LocalNetwork:  r.LocalNetwork,
		Protocol:      int32(r.Protocol),
		Direction:     int32(r.Direction),
	}
	if r.RemotePrefix != nil {
		v.RemotePrefix, v.RemotePrefixIsSet = *r.RemotePrefix, true
	}
	if r.LocalPrefix != nil {
		v.LocalPrefix, v.LocalPrefixIsSet = *r.LocalPrefix, true
	}
	return v, true
}

// BytesData returns a copy of an owned buffer's contents.
func BytesData(h BytesHandle) []byte {
	b, ok := owned.get(uint64(h))
	if !ok {
		misuse("bytes", uint64(h))
		return nil
	}
	return append([]byte(nil), b...)
}

func BytesFree(h BytesHandle) {
	if _, ok := owned.take(uint64(h)); !ok {
		misuse("bytes", uint64(h))
	}
}
