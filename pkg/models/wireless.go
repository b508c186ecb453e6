package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// MACAddr is a 48-bit IEEE 802 address.
type MACAddr [6]byte

// BroadcastMAC is ff:ff:ff:ff:ff:ff.
var BroadcastMAC = MACAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// ParseMAC parses a colon or dash separated EUI-48 address.
func ParseMAC(s string) (MACAddr, error) {
	var m MACAddr
	hw, err := net.ParseMAC(s)
	if err != nil {
		return m, fmt.Errorf("parse mac %q: %w", s, err)
	}
	if len(hw) != len(m) {
		return m, fmt.Errorf("parse mac %q: not an EUI-48 address", s)
	}
	copy(m[:], hw)
	return m, nil
}

// MustParseMAC is ParseMAC for constants and tests.
func MustParseMAC(s string) MACAddr {
	m, err := ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return m
}

// MACFromHardwareAddr converts a net.HardwareAddr, returning the zero
// address when the length is wrong.
func MACFromHardwareAddr(hw net.HardwareAddr) MACAddr {
	var m MACAddr
	if len(hw) == len(m) {
		copy(m[:], hw)
	}
	return m
}

func (m MACAddr) String() string {
	return net.HardwareAddr(m[:]).String()
}

// IsZero reports whether every octet is zero.
func (m MACAddr) IsZero() bool { return m == MACAddr{} }

// IsBroadcast reports whether m is the broadcast address.
func (m MACAddr) IsBroadcast() bool { return m == BroadcastMAC }

// MarshalText implements encoding.TextMarshaler. The zero address
// marshals as an empty string.
func (m MACAddr) MarshalText() ([]byte, error) {
	if m.IsZero() {
		return []byte{}, nil
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *MACAddr) UnmarshalText(b []byte) error {
	if len(bytes.TrimSpace(b)) == 0 {
		*m = MACAddr{}
		return nil
	}
	v, err := ParseMAC(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// SSID is an 802.11 network name (0-32 octets).
type SSID string

// MaxSSIDLen is the longest SSID allowed on the air.
const MaxSSIDLen = 32

// Valid reports whether the SSID fits in an SSID element.
func (s SSID) Valid() bool { return len(s) <= MaxSSIDLen }

// Band identifies the operating band of a channel.
type Band uint8

const (
	BandUnknown Band = iota
	Band2G
	Band5G
	Band6G
)

func (b Band) String() string {
	switch b {
	case Band2G:
		return "2.4GHz"
	case Band5G:
		return "5GHz"
	case Band6G:
		return "6GHz"
	default:
		return "unknown"
	}
}

// BandFromFreq derives the band from a center frequency in MHz.
func BandFromFreq(freqMHz int) Band {
	switch {
	case freqMHz >= 2412 && freqMHz <= 2484:
		return Band2G
	case freqMHz >= 5180 && freqMHz <= 5885:
		return Band5G
	case freqMHz >= 5955 && freqMHz <= 7115:
		return Band6G
	}
	return BandUnknown
}

// FreqToChannel converts a center frequency in MHz to an IEEE channel number.
func FreqToChannel(freqMHz int) int {
	switch BandFromFreq(freqMHz) {
	case Band2G:
		if freqMHz == 2484 {
			return 14 // Japan channel 14
		}
		return (freqMHz-2412)/5 + 1
	case Band5G:
		return (freqMHz-5180)/5 + 36
	case Band6G:
		return (freqMHz-5955)/5 + 1
	}
	return 0
}

// ChannelWidth is the operating bandwidth in MHz.
type ChannelWidth int

const (
	Width20  ChannelWidth = 20
	Width40  ChannelWidth = 40
	Width80  ChannelWidth = 80
	Width160 ChannelWidth = 160
	Width320 ChannelWidth = 320
)

// AuthMode is a bitmask of authentication families.
type AuthMode uint32

const (
	AuthOpen AuthMode = 1 << iota
	AuthShared
	AuthWPA
	AuthRSNA
	AuthWAPI
	AuthSAE
)

// AKM is an RSN authentication and key management suite selector
// (00-0F-AC:n encoded as n).
type AKM uint32

const (
	AKM8021X     AKM = 1
	AKMPSK       AKM = 2
	AKMFT8021X   AKM = 3
	AKMFTPSK     AKM = 4
	AKM8021XSHA  AKM = 5
	AKMPSKSHA    AKM = 6
	AKMSAE       AKM = 8
	AKMFTSAE     AKM = 9
	AKMSuiteB    AKM = 11
	AKMSuiteB192 AKM = 12
	AKMOWE       AKM = 18
)

// Cipher is an RSN cipher suite selector.
type Cipher uint32

const (
	CipherWEP40   Cipher = 1
	CipherTKIP    Cipher = 2
	CipherCCMP128 Cipher = 4
	CipherWEP104  Cipher = 5
	CipherBIPCMAC Cipher = 6
	CipherGCMP128 Cipher = 8
	CipherGCMP256 Cipher = 9
	CipherCCMP256 Cipher = 10
)

// RSN capability bits relevant to PMF negotiation.
const (
	RSNCapMFPRequired uint16 = 1 << 6
	RSNCapMFPCapable  uint16 = 1 << 7
)

// Security describes what a BSS advertises.
type Security struct {
	AuthModes AuthMode `json:"auth_modes"`
	AKMs      []AKM    `json:"akms,omitempty"`
	Ciphers   []Cipher `json:"ciphers,omitempty"`
	RSNCaps   uint16   `json:"rsn_caps"`
}

// IsOpen reports whether no RSN or WPA element was advertised.
func (s Security) IsOpen() bool {
	return len(s.AKMs) == 0 && s.AuthModes&(AuthWPA|AuthRSNA|AuthWAPI|AuthSAE) == 0
}

// Valid6G reports whether the advertised security is allowed on 6 GHz:
// WPA3 (SAE, OWE, Suite-B) with PMF required.
func (s Security) Valid6G() bool {
	if s.RSNCaps&RSNCapMFPRequired == 0 {
		return false
	}
	for _, a := range s.AKMs {
		switch a {
		case AKMSAE, AKMFTSAE, AKMOWE, AKMSuiteB, AKMSuiteB192:
		default:
			return false
		}
	}
	return len(s.AKMs) > 0
}

// CryptoParams are the security constraints a connect or roam request
// imposes on candidates.
type CryptoParams struct {
	AuthModes   AuthMode `json:"auth_modes,omitempty"`
	AKMs        []AKM    `json:"akms,omitempty"`
	Pairwise    []Cipher `json:"ciphers,omitempty"`
	GroupCipher Cipher   `json:"group_cipher,omitempty"`
	RSNCaps     uint16   `json:"rsn_caps,omitempty"`
}

// PMFRequired reports whether the request demands management frame protection.
func (c CryptoParams) PMFRequired() bool { return c.RSNCaps&RSNCapMFPRequired != 0 }

// PMFCapable reports whether the request can negotiate management frame protection.
func (c CryptoParams) PMFCapable() bool { return c.RSNCaps&RSNCapMFPCapable != 0 }

// BSS is one scan entry.
type BSS struct {
	BSSID        MACAddr      `json:"bssid"`
	SSID         SSID         `json:"ssid"`
	Freq         int          `json:"freq"`
	RSSI         int          `json:"rssi"`
	ChannelWidth ChannelWidth `json:"channel_width"`
	NSS          int          `json:"nss"`
	HT           bool         `json:"ht"`
	VHT          bool         `json:"vht"`
	HE           bool         `json:"he"`
	Beamformee   bool         `json:"beamformee"`
	Security     Security     `json:"security"`
	// ChannelCongestion is the channel busy percentage (0-100).
	ChannelCongestion int `json:"channel_congestion"`
	// OCEWANMetric is the OCE reduced WAN metric capacity (0-15), if advertised.
	OCEWANMetric int       `json:"oce_wan_metric,omitempty"`
	SeenAt       time.Time `json:"seen_at"`
}

// Band returns the band derived from Freq.
func (b *BSS) Band() Band { return BandFromFreq(b.Freq) }

// Channel returns the IEEE channel number derived from Freq.
func (b *BSS) Channel() int { return FreqToChannel(b.Freq) }

// Clone returns a deep copy so candidate lists never alias cache entries.
func (b *BSS) Clone() *BSS {
	if b == nil {
		return nil
	}
	c := *b
	c.Security.AKMs = append([]AKM(nil), b.Security.AKMs...)
	c.Security.Ciphers = append([]Cipher(nil), b.Security.Ciphers...)
	return &c
}

// MarshalJSON keeps the band visible to API clients.
func (b BSS) MarshalJSON() ([]byte, error) {
	type alias BSS
	return json.Marshal(struct {
		alias
		Band    string `json:"band"`
		Channel int    `json:"channel"`
	}{alias(b), b.Band().String(), b.Channel()})
}
