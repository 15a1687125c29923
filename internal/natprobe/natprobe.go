// Package natprobe resolves the server's public address through STUN so
// operators can tell why remote peers fail to connect.
package natprobe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/stun/v3"

	"github.com/dj-oyu/xr-streaming-server/internal/logger"
)

const (
	NATTypeUnknown          = "unknown"
	NATTypeSymmetric        = "symmetric"
	NATTypeConeOrRestricted = "cone_or_restricted"

	DefaultTimeout = 3 * time.Second
)

var ErrNoServers = errors.New("natprobe: no STUN servers configured")

// Result is the outcome of one probe.
type Result struct {
	PublicAddr string    `json:"public_addr,omitempty"`
	NATType    string    `json:"nat_type"`
	Mapped     []string  `json:"mapped,omitempty"`
	Error      string    `json:"error,omitempty"`
	ProbedAt   time.Time `json:"probed_at"`
}

// Probe queries every server for the mapped address of its own socket and
// classifies the NAT from the answers. It succeeds if any server answers.
func Probe(ctx context.Context, servers []string, timeout time.Duration) (Result, error) {
	res := Result{NATType: NATTypeUnknown, ProbedAt: time.Now()}
	if len(servers) == 0 {
		res.Error = ErrNoServers.Error()
		return res, ErrNoServers
	}

	var lastErr error
	for _, server := range servers {
		addr, err := probeServer(ctx, server, timeout)
		if err != nil {
			logger.Debug("NATProbe", "%s: %v", server, err)
			lastErr = fmt.Errorf("%s: %w", server, err)
			continue
		}
		res.Mapped = append(res.Mapped, addr)
	}

	if len(res.Mapped) == 0 {
		if lastErr == nil {
			lastErr = errors.New("natprobe: STUN probe failed")
		}
		res.Error = lastErr.Error()
		return res, lastErr
	}

	res.PublicAddr = res.Mapped[0]
	res.NATType = Classify(res.Mapped)
	return res, nil
}

// Classify infers NAT type by comparing mapped addresses from multiple servers.
func Classify(addrs []string) string {
	if len(addrs) < 2 {
		return NATTypeUnknown
	}
	for _, addr := range addrs[1:] {
		if addr != addrs[0] {
			return NATTypeSymmetric
		}
	}
	return NATTypeConeOrRestricted
}

func probeServer(ctx context.Context, server string, timeout time.Duration) (string, error) {
	uriStr := strings.TrimSpace(server)
	if uriStr == "" {
		return "", errors.New("empty STUN server")
	}
	if !strings.HasPrefix(uriStr, "stun:") {
		uriStr = "stun:" + uriStr
	}

	uri, err := stun.ParseURI(uriStr)
	if err != nil {
		return "", err
	}

	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return "", err
	}
	defer client.Close()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	result := make(chan stun.XORMappedAddress, 1)
	fail := make(chan error, 1)

	go func() {
		var addr stun.XORMappedAddress
		err := client.Do(msg, func(res stun.Event) {
			if res.Error != nil {
				fail <- res.Error
				return
			}
			if err := addr.GetFrom(res.Message); err != nil {
				fail <- err
				return
			}
			result <- addr
		})
		if err != nil {
			fail <- err
		}
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case addr := <-result:
		return addr.String(), nil
	case err := <-fail:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Prober keeps the latest probe result for health reporting.
type Prober struct {
	servers []string
	timeout time.Duration

	mu   sync.RWMutex
	last *Result
}

func NewProber(servers []string, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Prober{servers: servers, timeout: timeout}
}

// Run probes once and stores the result.
func (p *Prober) Run(ctx context.Context) Result {
	res, err := Probe(ctx, p.servers, p.timeout)
	if err != nil {
		logger.Warn("NATProbe", "Public address unknown: %v", err)
	} else {
		logger.Info("NATProbe", "Public address %s (NAT: %s)", res.PublicAddr, res.NATType)
	}

	p.mu.Lock()
	p.last = &res
	p.mu.Unlock()
	return res
}

// Last returns the most recent result, or false before the first probe.
func (p *Prober) Last() (Result, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return Result{}, false
	}
	return *p.last, true
}
