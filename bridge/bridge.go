// Package bridge exposes the engine to a host process through integer
// handles and plain value types, the shape a foreign-function or gomobile
// boundary needs. Every handle returned here must be released with its
// paired free function. Zero and unknown handles are ignored and logged.
package bridge

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/am6737/tproxy/api"
	"github.com/am6737/tproxy/config"
	"github.com/am6737/tproxy/rules"
	"github.com/sirupsen/logrus"
)

type (
	ConfigHandle uint64
	BytesHandle  uint64
	EngineHandle uint64
	TCPHandle    uint64
	UDPHandle    uint64
)

var (
	mu      sync.Mutex
	store   = config.NewStore()
	matcher *rules.Rules
	logger  = logrus.StandardLogger()

	configs  = newTable[*config.StartupConfig]()
	owned    = newTable[[]byte]()
	engines  = newTable[*engineEntry]()
	tcpFlows = newTable[*tcpEntry]()
	udpFlows = newTable[*udpEntry]()
)

// SetLogger replaces the logger used by the bridge and by engines created
// afterwards.
func SetLogger(l *logrus.Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
}

func logEntry() *logrus.Entry {
	mu.Lock()
	defer mu.Unlock()
	return logger.WithField("component", "bridge")
}

func configStore() *config.Store {
	mu.Lock()
	defer mu.Unlock()
	return store
}

func baseLogger() *logrus.Logger {
	mu.Lock()
	defer mu.Unlock()
	return logger
}

// Initialize loads the process-wide configuration once. It returns false
// when the configuration is missing or malformed; the host must then not
// start the engine or install capture rules.
func Initialize(src config.Source) bool {
	if err := configStore().Initialize(src); err != nil {
		logEntry().WithError(err).Error("Failed to initialize configuration")
		return false
	}
	logEntry().Info("Configuration initialized")
	return true
}

func InitializeFromFile(path string) bool {
	return Initialize(config.FileSource{Path: path})
}

func InitializeFromBytes(data []byte) bool {
	return Initialize(config.BytesSource(append([]byte(nil), data...)))
}

func rulesMatcher() *rules.Rules {
	mu.Lock()
	defer mu.Unlock()
	if matcher != nil {
		return matcher
	}
	sc, err := store.StartupConfig()
	if err != nil {
		return nil
	}
	matcher = rules.NewRules(sc.Rules)
	return matcher
}

// ShouldInterceptFlow evaluates the configured rules for meta. It is false
// for a nil meta and before a successful Initialize.
func ShouldInterceptFlow(meta *FlowMetaView) bool {
	if meta == nil {
		return false
	}
	m := rulesMatcher()
	if m == nil {
		logEntry().Debug("Intercept check before initialization")
		return false
	}
	fm := meta.toMeta()
	return m.ShouldIntercept(&fm)
}

// Outstanding reports owned allocations not yet released by the host.
func Outstanding() int {
	return configs.len() + owned.len()
}

// Log forwards a host log line. Levels 0 to 4 map to trace, debug, info,
// warn and error; other values log at info.
func Log(level int32, msg []byte) {
	text := string(msg)
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "�")
	}
	entry := baseLogger().WithField("component", "host")
	switch level {
	case 0:
		entry.Trace(text)
	case 1:
		entry.Debug(text)
	case 2:
		entry.Info(text)
	case 3:
		entry.Warn(text)
	case 4:
		entry.Error(text)
	default:
		entry.WithField("level", level).Info(text)
	}
}

func misuse(kind string, h uint64) {
	logEntry().WithFields(logrus.Fields{
		"kind":   kind,
		"handle": h,
	}).Warn("Unknown handle")
}

// reset drops all process-wide state. Tests only.
func reset() {
	mu.Lock()
	store = config.NewStore()
	matcher = nil
	mu.Unlock()

	configs.clear()
	owned.clear()
	tcpFlows.clear()
	udpFlows.clear()
	for _, e := range engines.clear() {
		e.engine.Free()
	}
}

// FlowMetaView is the host's description of one flow. Ports outside 0 to
// 65535 and text that is not valid UTF-8 are treated as absent.
type FlowMetaView struct {
	Protocol   int32
	RemoteHost string
	RemotePort int32
	LocalHost  string
	LocalPort  int32
	Direction  int32

	SourceAppSigningIdentifier string
	SourceAppBundleIdentifier  string
}

func (v *FlowMetaView) toMeta() api.FlowMeta {
	return api.FlowMeta{
		Protocol:                   api.FlowProtocol(uint32(v.Protocol)),
		Remote:                     endpoint(v.RemoteHost, v.RemotePort),
		Local:                      endpoint(v.LocalHost, v.LocalPort),
		Direction:                  api.Direction(uint32(v.Direction)),
		SourceAppSigningIdentifier: validText(v.SourceAppSigningIdentifier),
		SourceAppBundleIdentifier:  validText(v.SourceAppBundleIdentifier),
	}
}

func endpoint(host string, port int32) api.Endpoint {
	if host == "" || !utf8.ValidString(host) || port < 0 || port > 65535 {
		return api.Endpoint{}
	}
	return api.Endpoint{Host: host, Port: uint16(port)}
}

func validText(s string) string {
	if !utf8.ValidString(s) {
		return ""
	}
	return s
}
