package models

import (
	"encoding/json"
	"testing"
)

func TestParseMAC(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"00:11:22:33:44:55", "00:11:22:33:44:55", false},
		{"AA-BB-CC-DD-EE-FF", "aa:bb:cc:dd:ee:ff", false},
		{"not-a-mac", "", true},
		{"00:00:5e:10:00:00:00:01", "", true}, // EUI-64
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMAC(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseMAC(%q) expected error", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseMAC(%q) error = %v", tt.in, err)
			}
			if got.String() != tt.want {
				t.Errorf("ParseMAC(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestMACAddr_Predicates(t *testing.T) {
	var zero MACAddr
	if !zero.IsZero() {
		t.Error("zero address should report IsZero")
	}
	if !BroadcastMAC.IsBroadcast() {
		t.Error("broadcast address should report IsBroadcast")
	}
	if MustParseMAC("02:00:00:00:00:01").IsBroadcast() {
		t.Error("unicast address reported as broadcast")
	}
}

func TestMACAddr_JSON(t *testing.T) {
	type wrap struct {
		A MACAddr `json:"a"`
		B MACAddr `json:"b"`
	}
	in := wrap{A: MustParseMAC("02:00:00:00:00:01")}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal error = %v", err)
	}
	if string(data) != `{"a":"02:00:00:00:00:01","b":""}` {
		t.Errorf("Marshal = %s", data)
	}
	var out wrap
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}
	if out != in {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}

func TestFreqToChannel(t *testing.T) {
	tests := []struct {
		freq    int
		channel int
		band    Band
	}{
		{2412, 1, Band2G},
		{2437, 6, Band2G},
		{2484, 14, Band2G},
		{5180, 36, Band5G},
		{5745, 149, Band5G},
		{5955, 1, Band6G},
		{6115, 33, Band6G},
		{900, 0, BandUnknown},
	}
	for _, tt := range tests {
		if got := FreqToChannel(tt.freq); got != tt.channel {
			t.Errorf("FreqToChannel(%d) = %d, want %d", tt.freq, got, tt.channel)
		}
		if got := BandFromFreq(tt.freq); got != tt.band {
			t.Errorf("BandFromFreq(%d) = %s, want %s", tt.freq, got, tt.band)
		}
	}
}

func TestSecurity_Valid6G(t *testing.T) {
	tests := []struct {
		name string
		sec  Security
		want bool
	}{
		{"sae with pmf", Security{AKMs: []AKM{AKMSAE}, RSNCaps: RSNCapMFPRequired}, true},
		{"sae without pmf", Security{AKMs: []AKM{AKMSAE}}, false},
		{"psk with pmf", Security{AKMs: []AKM{AKMPSK}, RSNCaps: RSNCapMFPRequired}, false},
		{"mixed psk sae", Security{AKMs: []AKM{AKMPSK, AKMSAE}, RSNCaps: RSNCapMFPRequired}, false},
		{"open", Security{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sec.Valid6G(); got != tt.want {
				t.Errorf("Valid6G() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBSS_CloneDoesNotAlias(t *testing.T) {
	orig := &BSS{Security: Security{AKMs: []AKM{AKMPSK}}}
	c := orig.Clone()
	c.Security.AKMs[0] = AKMSAE
	if orig.Security.AKMs[0] != AKMPSK {
		t.Error("Clone shares the AKM slice with the original")
	}
}
