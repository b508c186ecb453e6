//go:build linux

package scan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/HerbHall/wlancm/internal/cm"
	"github.com/HerbHall/wlancm/pkg/models"
	"github.com/mdlayher/wifi"
	"go.uber.org/zap"
)

type nl80211Backend struct {
	ifname string
	logger *zap.Logger
}

// NewNL80211Backend returns a backend that scans through nl80211 on the
// named station interface, or the first station interface when ifname is
// empty.
func NewNL80211Backend(ifname string, logger *zap.Logger) (Backend, error) {
	c, err := wifi.New()
	if err != nil {
		return nil, fmt.Errorf("nl80211: %w: %w", ErrBackendUnavailable, err)
	}
	defer c.Close()
	b := &nl80211Backend{ifname: ifname, logger: logger}
	if _, err := b.station(c); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *nl80211Backend) Name() string { return BackendNL80211 }

func (b *nl80211Backend) Close() error { return nil }

func (b *nl80211Backend) station(c *wifi.Client) (*wifi.Interface, error) {
	ifaces, err := c.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("enumerate wifi interfaces: %w", err)
	}
	for _, ifi := range ifaces {
		if ifi.Type != wifi.InterfaceTypeStation {
			continue
		}
		if b.ifname == "" || ifi.Name == b.ifname {
			return ifi, nil
		}
	}
	return nil, fmt.Errorf("nl80211: %w: no station interface %q", ErrBackendUnavailable, b.ifname)
}

// Scan triggers an active scan and imports the kernel's BSS list. Requires
// CAP_NET_ADMIN for the trigger; without it the cached kernel results are
// used.
func (b *nl80211Backend) Scan(ctx context.Context, vdev cm.VdevID, _ cm.ScanRequest) ([]*models.BSS, error) {
	c, err := wifi.New()
	if err != nil {
		return nil, fmt.Errorf("open wifi client: %w", err)
	}
	defer c.Close()

	ifi, err := b.station(c)
	if err != nil {
		return nil, err
	}

	if err := c.Scan(ctx, ifi); err != nil {
		switch {
		case errors.Is(err, wifi.ErrScanAborted):
			b.logger.Debug("scan aborted by the kernel, using cached results", zap.String("iface", ifi.Name))
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case isPermissionError(err):
			b.logger.Warn("active scan requires CAP_NET_ADMIN, using cached results")
		default:
			b.logger.Debug("active scan failed, using cached results", zap.Error(err))
		}
	}

	aps, err := c.AccessPoints(ifi)
	if err != nil {
		return nil, fmt.Errorf("get access points: %w", err)
	}

	now := time.Now()
	out := make([]*models.BSS, 0, len(aps))
	for _, ap := range aps {
		if ap.BSSID == nil {
			continue
		}
		out = append(out, &models.BSS{
			BSSID:    models.MACFromHardwareAddr(ap.BSSID),
			SSID:     models.SSID(ap.SSID),
			Freq:     ap.Frequency,
			RSSI:     int(ap.Signal / 100), // mBm to dBm
			Security: rsnToSecurity(ap.RSN),
			SeenAt:   now,
		})
	}
	b.logger.Debug("nl80211 scan imported",
		zap.Uint8("vdev", uint8(vdev)),
		zap.String("iface", ifi.Name),
		zap.Int("entries", len(out)),
	)
	return out, nil
}

// rsnToSecurity maps the parsed RSN element. PMF bits are inferred from
// SAE: WPA3-only networks require it and transition networks offer it.
func rsnToSecurity(rsn wifi.RSNInfo) models.Security {
	if !rsn.IsInitialized() {
		return models.Security{AuthModes: models.AuthOpen}
	}
	sec := models.Security{AuthModes: models.AuthRSNA}
	sae, other := false, false
	for _, a := range rsn.AKMs {
		var akm models.AKM
		switch a {
		case wifi.RSNAkm8021X:
			akm = models.AKM8021X
		case wifi.RSNAkmPSK:
			akm = models.AKMPSK
		case wifi.RSNAkmFT8021X:
			akm = models.AKMFT8021X
		case wifi.RSNAkmFTPSK:
			akm = models.AKMFTPSK
		case wifi.RSNAkmSAE:
			akm = models.AKMSAE
		case wifi.RSNAkmFTSAE:
			akm = models.AKMFTSAE
		default:
			continue
		}
		if akm == models.AKMSAE || akm == models.AKMFTSAE {
			sae = true
			sec.AuthModes |= models.AuthSAE
		} else {
			other = true
		}
		sec.AKMs = append(sec.AKMs, akm)
	}
	for _, p := range rsn.PairwiseCiphers {
		switch p {
		case wifi.RSNCipherCCMP128:
			sec.Ciphers = append(sec.Ciphers, models.CipherCCMP128)
		case wifi.RSNCipherCCMP256:
			sec.Ciphers = append(sec.Ciphers, models.CipherCCMP256)
		case wifi.RSNCipherGCMP128:
			sec.Ciphers = append(sec.Ciphers, models.CipherGCMP128)
		case wifi.RSNCipherGCMP256:
			sec.Ciphers = append(sec.Ciphers, models.CipherGCMP256)
		case wifi.RSNCipherTKIP:
			sec.Ciphers = append(sec.Ciphers, models.CipherTKIP)
		case wifi.RSNCipherWEP40:
			sec.Ciphers = append(sec.Ciphers, models.CipherWEP40)
		case wifi.RSNCipherWEP104:
			sec.Ciphers = append(sec.Ciphers, models.CipherWEP104)
		}
	}
	if sae {
		sec.RSNCaps |= models.RSNCapMFPCapable
		if !other {
			sec.RSNCaps |= models.RSNCapMFPRequired
		}
	}
	return sec
}

func isPermissionError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "permission denied") || strings.Contains(msg, "operation not permitted")
}
