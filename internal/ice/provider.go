package ice

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Fallback returns the fixed public STUN list used whenever credential
// fetching does not produce a usable server set. Calls degrade to
// STUN-only connectivity but still proceed.
func Fallback() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{URLs: []string{"stun:stun1.l.google.com:19302"}},
	}
}

// Provider resolves the ICE server list once, at peer-connection creation
// time. It never fails: any error on the fetch path yields Fallback().
type Provider struct {
	url     string
	timeout time.Duration
	client  *http.Client
	log     *zap.Logger
}

// NewProvider builds a provider for the credential endpoint. An empty url
// means Resolve always returns the fallback list.
func NewProvider(url string, timeout time.Duration, log *zap.Logger) *Provider {
	if timeout <= 0 {
		timeout = 4 * time.Second
	}
	return &Provider{
		url:     url,
		timeout: timeout,
		client:  &http.Client{},
		log:     log,
	}
}

// wireServer tolerates both `urls: "stun:..."` and `urls: ["stun:..."]`.
type wireServer struct {
	URLs       urlList `json:"urls"`
	Username   string  `json:"username"`
	Credential string  `json:"credential"`
}

type urlList []string

func (u *urlList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*u = []string{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("urls is neither string nor array: %w", err)
	}
	*u = many
	return nil
}

// Resolve fetches the ICE server list with a bounded timeout. The endpoint
// may respond with a bare array or an {"iceServers": [...]} wrapper. Any
// failure (transport, status, parse, or an empty list) logs a warning and
// returns the fallback. Resolve never returns an error.
func (p *Provider) Resolve(ctx context.Context) []webrtc.ICEServer {
	if p.url == "" {
		return Fallback()
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		p.log.Warn("bad ICE credential URL, using fallback STUN", zap.Error(err))
		return Fallback()
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Warn("ICE credential fetch failed, using fallback STUN", zap.Error(err))
		return Fallback()
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		p.log.Warn("ICE credential endpoint returned non-200, using fallback STUN",
			zap.Int("status", resp.StatusCode))
		return Fallback()
	}

	servers, err := decodeServers(resp.Body)
	if err != nil {
		p.log.Warn("unparseable ICE credential response, using fallback STUN", zap.Error(err))
		return Fallback()
	}
	if len(servers) == 0 {
		p.log.Warn("ICE credential endpoint returned no servers, using fallback STUN")
		return Fallback()
	}

	p.log.Info("resolved ICE servers", zap.Int("count", len(servers)))
	return servers
}

func decodeServers(body io.Reader) ([]webrtc.ICEServer, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		return nil, err
	}

	var wire []wireServer
	if err := json.Unmarshal(raw, &wire); err != nil {
		var wrapped struct {
			IceServers []wireServer `json:"iceServers"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, fmt.Errorf("neither array nor iceServers wrapper: %w", err)
		}
		wire = wrapped.IceServers
	}

	servers := make([]webrtc.ICEServer, 0, len(wire))
	for _, w := range wire {
		if len(w.URLs) == 0 {
			continue
		}
		s := webrtc.ICEServer{URLs: w.URLs}
		if w.Username != "" {
			s.Username = w.Username
			s.Credential = w.Credential
		}
		servers = append(servers, s)
	}
	return servers, nil
}
