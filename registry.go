package x402

import "sync"

// SchemeRegistry maps (network, scheme name) pairs to Scheme implementations.
// Registration happens at startup; lookups afterwards are read-locked only.
type SchemeRegistry struct {
	mu      sync.RWMutex
	schemes map[Network]map[string]Scheme
	extras  map[Network]map[string]map[string]interface{}
}

// NewSchemeRegistry creates an empty registry.
func NewSchemeRegistry() *SchemeRegistry {
	return &SchemeRegistry{
		schemes: make(map[Network]map[string]Scheme),
		extras:  make(map[Network]map[string]map[string]interface{}),
	}
}

// Register registers a scheme for a network. The network may be a concrete
// CAIP-2 identifier or a family wildcard ("eip155:*"). An optional extra map
// is advertised with the kind in GetSupported.
func (r *SchemeRegistry) Register(network Network, scheme Scheme, extra ...map[string]interface{}) *SchemeRegistry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.schemes[network] == nil {
		r.schemes[network] = make(map[string]Scheme)
	}
	r.schemes[network][scheme.Scheme()] = scheme

	if len(extra) > 0 && extra[0] != nil {
		if r.extras[network] == nil {
			r.extras[network] = make(map[string]map[string]interface{})
		}
		r.extras[network][scheme.Scheme()] = extra[0]
	}
	return r
}

// Find resolves the scheme serving (network, schemeName). An exact network
// registration wins over a wildcard family registration. Returns nil if
// nothing matches.
func (r *SchemeRegistry) Find(network Network, schemeName string) Scheme {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if schemes, ok := r.schemes[network]; ok {
		if s, ok := schemes[schemeName]; ok {
			return s
		}
	}

	for registered, schemes := range r.schemes {
		if registered == network || !registered.IsWildcard() {
			continue
		}
		if network.Match(registered) {
			if s, ok := schemes[schemeName]; ok {
				return s
			}
		}
	}

	return nil
}

// Networks returns all registered networks.
func (r *SchemeRegistry) Networks() []Network {
	r.mu.RLock()
	defer r.mu.RUnlock()

	networks := make([]Network, 0, len(r.schemes))
	for network := range r.schemes {
		networks = append(networks, network)
	}
	return networks
}

// GetSupported composes the advertisement for GET /supported. It is computed
// on every call so signer rotation is visible without a restart. Signer
// addresses are de-duplicated per CAIP-2 family.
func (r *SchemeRegistry) GetSupported() SupportedResponse {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var kinds []SupportedKind
	signers := make(map[string][]string)
	seen := make(map[string]map[string]bool)

	for network, schemeMap := range r.schemes {
		for name, scheme := range schemeMap {
			kind := SupportedKind{
				X402Version: ProtocolVersion,
				Scheme:      name,
				Network:     network,
			}
			if extra := r.extras[network][name]; extra != nil {
				kind.Extra = extra
			} else if extra := scheme.GetExtra(network); extra != nil {
				kind.Extra = extra
			}
			kinds = append(kinds, kind)

			family := scheme.CaipFamily()
			if seen[family] == nil {
				seen[family] = make(map[string]bool)
			}
			for _, addr := range scheme.GetSigners(network) {
				if seen[family][addr] {
					continue
				}
				seen[family][addr] = true
				signers[family] = append(signers[family], addr)
			}
		}
	}

	return SupportedResponse{
		Kinds:   kinds,
		Signers: signers,
	}
}
