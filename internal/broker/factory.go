package broker

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/quantmesh/tickhub/internal/domain"
)

// Factory implements domain.DriverFactory. Native protocol adapters bind
// vendor libraries registered at build time; when a protocol has no native
// constructor the factory either degrades to the mock driver or refuses,
// depending on configuration.
type Factory struct {
	useMock       bool
	degradeToMock bool
	log           zerolog.Logger

	mu      sync.Mutex
	native  map[domain.ProtocolName]NativeConstructor
	scripts map[string]MockScript
}

// NativeConstructor builds a native driver for one gateway.
type NativeConstructor func(gatewayID string, callback domain.DriverCallback) (domain.Driver, error)

// NewFactory creates a driver factory.
func NewFactory(useMock, degradeToMock bool, log zerolog.Logger) *Factory {
	return &Factory{
		useMock:       useMock,
		degradeToMock: degradeToMock,
		log:           log.With().Str("component", "driver_factory").Logger(),
		native:        make(map[domain.ProtocolName]NativeConstructor),
		scripts:       make(map[string]MockScript),
	}
}

// RegisterNative installs a native driver constructor for a protocol.
func (f *Factory) RegisterNative(protocol domain.ProtocolName, ctor NativeConstructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.native[protocol] = ctor
}

// ScriptGateway sets the mock script used for a gateway id. Test surface.
func (f *Factory) ScriptGateway(gatewayID string, script MockScript) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[gatewayID] = script
}

// NewDriver creates a driver for the protocol, degrading to the mock when
// allowed and no native adapter is registered.
func (f *Factory) NewDriver(protocol domain.ProtocolName, gatewayID string, callback domain.DriverCallback) (domain.Driver, error) {
	f.mu.Lock()
	ctor, hasNative := f.native[protocol]
	script := f.scripts[gatewayID]
	f.mu.Unlock()

	if f.useMock || !hasNative {
		if !f.useMock && !f.degradeToMock {
			return nil, domain.NewErrorf(domain.ErrInitFailed,
				"no native driver available for protocol %s", protocol).
				WithDetails(map[string]interface{}{
					"protocol":   string(protocol),
					"gateway_id": gatewayID,
				})
		}
		if !f.useMock {
			f.log.Warn().
				Str("gateway", gatewayID).
				Str("protocol", string(protocol)).
				Msg("Native driver unavailable, degrading to mock")
		}
		return NewMockDriver(protocol, gatewayID, callback, script, f.log), nil
	}

	driver, err := ctor(gatewayID, callback)
	if err != nil {
		return nil, domain.WrapError(domain.ErrInitFailed, err, "native driver init failed").
			WithDetails(map[string]interface{}{
				"protocol":   string(protocol),
				"gateway_id": gatewayID,
			})
	}
	return driver, nil
}
