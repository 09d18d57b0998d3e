package mp4composer

import "sync/atomic"

// Provider identifies a codec implementation.
type Provider uint8

const (
	ProviderAuto     Provider = iota // Let library choose best available
	ProviderMediaNDK                 // Platform codecs through libmediandk (hardware)
	ProviderX264                     // GPL H.264 encoder
	ProviderOpenH264                 // BSD H.264 decoder
	ProviderCustom                   // Application supplied codecs
	providerCount
)

// License represents the software license of a provider.
type License uint8

const (
	LicenseGPL         License = iota // Copyleft - requires source disclosure
	LicenseBSD                        // Permissive - no copyleft obligations
	LicenseProprietary                // Platform or vendor supplied
)

// Permissive returns true if the license has no copyleft obligations.
func (l License) Permissive() bool { return l != LicenseGPL }

func (l License) String() string {
	switch l {
	case LicenseGPL:
		return "GPL"
	case LicenseBSD:
		return "BSD"
	case LicenseProprietary:
		return "proprietary"
	default:
		return "unknown"
	}
}

// providerMeta contains static metadata about a provider.
type providerMeta struct {
	Name     string
	License  License
	Encoder  bool
	Decoder  bool
	Hardware bool
}

// Static metadata table - indexed by Provider.
var providerInfo = [providerCount]providerMeta{
	ProviderAuto:     {"auto", LicenseBSD, false, false, false},
	ProviderMediaNDK: {"ndk", LicenseProprietary, true, true, true},
	ProviderX264:     {"x264", LicenseGPL, true, false, false},
	ProviderOpenH264: {"openh264", LicenseBSD, false, true, false},
	ProviderCustom:   {"custom", LicenseProprietary, true, true, false},
}

// Runtime availability - set by init() in provider implementations.
var providerAvailable [providerCount]atomic.Bool

// String returns the provider name.
func (p Provider) String() string {
	if p >= providerCount {
		return "unknown"
	}
	return providerInfo[p].Name
}

// License returns the provider's license type.
func (p Provider) License() License {
	if p >= providerCount {
		return LicenseGPL
	}
	return providerInfo[p].License
}

// Hardware reports whether the provider drives hardware codecs.
func (p Provider) Hardware() bool {
	if p >= providerCount {
		return false
	}
	return providerInfo[p].Hardware
}

// CanEncode returns true if the provider supports encoding.
func (p Provider) CanEncode() bool {
	if p >= providerCount {
		return false
	}
	return providerInfo[p].Encoder
}

// CanDecode returns true if the provider supports decoding.
func (p Provider) CanDecode() bool {
	if p >= providerCount {
		return false
	}
	return providerInfo[p].Decoder
}

// Available returns true if the provider is usable at runtime.
func (p Provider) Available() bool {
	if p >= providerCount {
		return false
	}
	return providerAvailable[p].Load()
}

// ParseProvider returns the provider with the given name.
func ParseProvider(name string) (Provider, bool) {
	for p := ProviderAuto; p < providerCount; p++ {
		if providerInfo[p].Name == name {
			return p, true
		}
	}
	return ProviderAuto, false
}

// rank orders providers for automatic selection: application codecs first,
// then hardware, then permissive software.
func (p Provider) rank() int {
	switch {
	case p == ProviderCustom:
		return 0
	case p.Hardware():
		return 1
	case p.License().Permissive():
		return 2
	default:
		return 3
	}
}

// setProviderAvailable marks a provider as available (called by implementations).
func setProviderAvailable(p Provider) {
	if p < providerCount {
		providerAvailable[p].Store(true)
	}
}
