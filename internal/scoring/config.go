package scoring

// Weights are the per-component weightages. A component contributes
// weight x percentage, so the best possible total is sum(weights) x 100.
type Weights struct {
	RSSI           int `mapstructure:"rssi"`
	HT             int `mapstructure:"ht"`
	VHT            int `mapstructure:"vht"`
	HE             int `mapstructure:"he"`
	ChanWidth      int `mapstructure:"chan_width"`
	Band           int `mapstructure:"band"`
	NSS            int `mapstructure:"nss"`
	Beamforming    int `mapstructure:"beamforming"`
	PCL            int `mapstructure:"pcl"`
	ChanCongestion int `mapstructure:"chan_congestion"`
	OCEWAN         int `mapstructure:"oce_wan"`
}

// RSSIConfig holds the RSSI windows. Thresholds are dBm (negative).
type RSSIConfig struct {
	Best       int `mapstructure:"best"`
	Good       int `mapstructure:"good"`
	Bad        int `mapstructure:"bad"`
	GoodPct    int `mapstructure:"good_pct"`
	BadPct     int `mapstructure:"bad_pct"`
	GoodBucket int `mapstructure:"good_bucket"`
	BadBucket  int `mapstructure:"bad_bucket"`
	// Pref5G is the level below which 5/6 GHz entries lose their band,
	// beamforming and prorated capability bonus.
	Pref5G int `mapstructure:"pref_5g"`
}

// Config is the full scoring configuration.
type Config struct {
	Weights Weights    `mapstructure:"weights"`
	RSSI    RSSIConfig `mapstructure:"rssi"`

	// Percentages per index: 20/40/80/160 MHz, 1x1..4x4, 2.4/5/6 GHz.
	WidthPct [4]int `mapstructure:"width_pct"`
	NSSPct   [4]int `mapstructure:"nss_pct"`
	BandPct  [3]int `mapstructure:"band_pct"`

	// CongestionPct[0] applies when the load is unknown; 1..CongestionSlots
	// map increasing channel busy percentages.
	CongestionSlots int     `mapstructure:"congestion_slots"`
	CongestionPct   [16]int `mapstructure:"congestion_pct"`

	OCEWANSlots int     `mapstructure:"oce_wan_slots"`
	OCEWANPct   [16]int `mapstructure:"oce_wan_pct"`

	// BSSIDHintPriority gives the hinted BSSID the maximum score.
	BSSIDHintPriority bool `mapstructure:"bssid_hint_priority"`
}

// Capabilities are the station's own radio capabilities.
type Capabilities struct {
	HT            bool
	VHT           bool
	VHT24G        bool
	HE            bool
	Beamformee    bool
	BWAbove20In2G bool
	BWAbove20In5G bool
	NSS2G         int
	NSS5G         int
}

// DefaultConfig returns the stock scoring profile.
func DefaultConfig() Config {
	cfg := Config{
		Weights: Weights{
			RSSI:           20,
			HT:             2,
			VHT:            1,
			HE:             2,
			ChanWidth:      12,
			Band:           2,
			NSS:            16,
			Beamforming:    2,
			PCL:            10,
			ChanCongestion: 5,
			OCEWAN:         2,
		},
		RSSI: RSSIConfig{
			Best:       -55,
			Good:       -70,
			Bad:        -80,
			GoodPct:    80,
			BadPct:     25,
			GoodBucket: 5,
			BadBucket:  10,
			Pref5G:     -76,
		},
		WidthPct:          [4]int{12, 25, 50, 100},
		NSSPct:            [4]int{12, 25, 50, 100},
		BandPct:           [3]int{75, 100, 0},
		CongestionSlots:   4,
		OCEWANSlots:       15,
		BSSIDHintPriority: true,
	}
	copy(cfg.CongestionPct[:], []int{50, 100, 50, 25, 10})
	cfg.OCEWANPct[0] = 50
	return cfg
}

// DefaultCapabilities describes a 2x2 HT/VHT/HE station.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		HT:            true,
		VHT:           true,
		HE:            true,
		Beamformee:    true,
		BWAbove20In2G: true,
		BWAbove20In5G: true,
		NSS2G:         2,
		NSS5G:         2,
	}
}
