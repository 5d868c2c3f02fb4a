package friends

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/raskyld/friends/pkg/discovery"
)

const maxRemoteConfigSize = 1 << 20

// fetchConnectivity gets the connectivity configuration from the remote
// endpoint. Failures are logged and a zero configuration is returned:
// joining a channel never fails because of it.
func (s *Swarm) fetchConnectivity(ctx context.Context) discovery.ConnectivityConfig {
	var cfg discovery.ConnectivityConfig
	if s.cfg.remoteConfigURL == "" {
		return cfg
	}

	err := getJSON(ctx, s.cfg.httpClient, s.cfg.remoteConfigURL, &cfg)
	if err != nil {
		s.logger.Warn(
			"skipping remote config",
			LabelURL.L(s.cfg.remoteConfigURL),
			LabelError.L(err),
		)
		s.cfg.msink.IncrCounterWithLabels(MetricRemoteConfigErrorCount, 1.0, s.labels())
		return discovery.ConnectivityConfig{}
	}
	return cfg
}

func getJSON(ctx context.Context, client *http.Client, url string, into any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return json.NewDecoder(io.LimitReader(resp.Body, maxRemoteConfigSize)).Decode(into)
}
