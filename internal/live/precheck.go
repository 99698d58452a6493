package live

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/tunerbridge/tunerbridge/internal/httpclient"
	"github.com/tunerbridge/tunerbridge/internal/tunererr"
)

// PrecheckLiveURL performs the startup pre-check spec §4.2 requires
// before handing off to the live-stream worker: a short read of the
// appliance's streaming URL, inspecting status and the
// X-HDHomeRun-Error header so known busy/DRM conditions fast-fail
// without invoking the transcoder.
func PrecheckLiveURL(ctx context.Context, streamURL string) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return tunererr.New(tunererr.InvalidArgument, "PrecheckLiveURL", err)
	}

	client := httpclient.ForAppliance()
	resp, err := client.Do(req)
	if err != nil {
		return tunererr.New(tunererr.UpstreamUnreachable, "PrecheckLiveURL", err)
	}
	defer resp.Body.Close()
	io.CopyN(io.Discard, resp.Body, 1024)

	errHeader := resp.Header.Get("X-HDHomeRun-Error")
	switch errHeader {
	case "805":
		return tunererr.New(tunererr.NoTunersAvailable, "PrecheckLiveURL", errors.New("805 all tuners busy"))
	case "804":
		return tunererr.New(tunererr.NoTunersAvailable, "PrecheckLiveURL", errors.New("804 specific tuner busy"))
	case "811":
		return tunererr.New(tunererr.DrmProtected, "PrecheckLiveURL", errors.New("811 drm protected"))
	}

	if resp.StatusCode >= 500 {
		return tunererr.New(tunererr.UpstreamUnavailable, "PrecheckLiveURL", errors.New(resp.Status))
	}
	return nil
}
