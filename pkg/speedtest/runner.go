// Package speedtest runs a full speedtest.net measurement: pick the nearest
// servers, ping them, run download/upload against the best few and average.
package speedtest

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	st "github.com/showwin/speedtest-go/speedtest"

	logx "netpulse/pkg/logx"
)

var (
	ErrNoServers   = errors.New("no servers available")
	ErrPingFailed  = errors.New("all latency tests failed")
	ErrFullFailed  = errors.New("full test failed for all servers")
	errNilContext  = errors.New("nil context")
	defaultRunConf = RunConfig{
		ServerCount:       5,
		FullTestServers:   1,
		MaxConnections:    4,
		PingConcurrency:   4,
		PacketLossTimeout: 3 * time.Second,
	}
)

// RunConfig controls how a run is executed. Zero fields take defaults.
type RunConfig struct {
	// Candidate servers to consider (sorted by distance, then pinged).
	ServerCount int
	// Lowest-latency servers that get a full download/upload test. Full
	// tests run sequentially to keep peak memory low.
	FullTestServers int

	SavingMode     bool
	MaxConnections int

	// OperationTimeout tunes the dial timeout. It does not wrap the context.
	OperationTimeout time.Duration
	PingConcurrency  int

	DisableHTTP2      bool
	DisableKeepAlives bool

	PacketLossEnabled bool
	PacketLossTimeout time.Duration

	// FreeOSMemory calls debug.FreeOSMemory after the run so RSS drops back.
	FreeOSMemory bool
}

func (c RunConfig) normalized() RunConfig {
	d := defaultRunConf
	if c.ServerCount <= 0 {
		c.ServerCount = d.ServerCount
	}
	if c.FullTestServers <= 0 {
		c.FullTestServers = d.FullTestServers
	}
	c.FullTestServers = min(c.FullTestServers, c.ServerCount)
	if c.MaxConnections <= 0 {
		c.MaxConnections = d.MaxConnections
	}
	if c.PingConcurrency <= 0 {
		c.PingConcurrency = d.PingConcurrency
	}
	if c.PacketLossTimeout <= 0 {
		c.PacketLossTimeout = d.PacketLossTimeout
	}
	return c
}

type Runner struct {
	cfg     RunConfig
	spawner Spawner
	log     logx.Logger
}

type Option func(*Runner)

// WithSpawner makes the runner start its goroutines through s.
func WithSpawner(s Spawner) Option { return func(r *Runner) { r.spawner = s } }

func WithLogger(l logx.Logger) Option { return func(r *Runner) { r.log = l } }

func NewRunner(cfg RunConfig, opts ...Option) *Runner {
	r := &Runner{cfg: cfg.normalized(), log: logx.Nop()}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Runner) Config() RunConfig { return r.cfg }

// Run executes one speedtest. Every result gets a fresh run ID.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	if ctx == nil {
		return nil, errNilContext
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := r.cfg
	id := uuid.NewString()
	log := r.log.With(logx.String("run_id", id))

	runCtx, cancelRun := context.WithCancel(ctx)
	ctx = runCtx
	start := time.Now()

	// A dedicated transport so connections can be torn down after the run.
	hc, tr := newHTTPClient(cfg)
	stc := st.New(
		st.WithUserConfig(&st.UserConfig{SavingMode: cfg.SavingMode, MaxConnections: cfg.MaxConnections}),
		st.WithDoer(hc),
	)
	stc.SetNThread(cfg.MaxConnections)

	defer func() {
		cancelRun()
		stc.Snapshots().Clean()
		stc.Reset()
		tr.CloseIdleConnections()
		if cfg.FreeOSMemory {
			debug.FreeOSMemory()
		}
	}()

	user, err := stc.FetchUserInfoContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch user info: %w", err)
	}
	candidates, err := r.candidates(ctx, stc, cfg.ServerCount)
	if err != nil {
		return nil, err
	}
	log.Debug("speedtest candidates", logx.Int("count", len(candidates)))

	pinged := r.pingCandidates(ctx, candidates, cfg.PingConcurrency)
	if len(pinged) == 0 {
		return nil, ErrPingFailed
	}
	sort.Slice(pinged, func(i, j int) bool { return pinged[i].Latency < pinged[j].Latency })

	full := make([]serverTestResult, 0, cfg.FullTestServers)
	for _, s := range pinged[:min(cfg.FullTestServers, len(pinged))] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := fullTest(ctx, s)
		stc.Snapshots().Clean()
		stc.Reset()
		if err != nil {
			log.Debug("full test failed", logx.String("server", s.Sponsor), logx.Err(err))
			continue
		}
		full = append(full, res)
	}
	if len(full) == 0 {
		return nil, ErrFullFailed
	}

	avg := calculateAverage(full)
	chosen := findBest(full)

	pl := 0.0
	if cfg.PacketLossEnabled {
		host := chosen.Server.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		plCtx, cancel := context.WithTimeout(ctx, cfg.PacketLossTimeout)
		pl = packetLoss(plCtx, host)
		cancel()
	}

	return &Result{
		ID:             id,
		Timestamp:      time.Now(),
		DownloadMbps:   avg.Download,
		UploadMbps:     avg.Upload,
		PingMs:         float64(avg.Ping.Milliseconds()),
		JitterMs:       jitterMs(chosen.Server.Jitter, avg.Ping),
		PacketLoss:     pl,
		ISP:            user.Isp,
		ServerName:     chosen.Server.Sponsor,
		ServerCountry:  chosen.Server.Country,
		Duration:       time.Since(start),
		CandidateCount: len(candidates),
		FullTestCount:  len(full),
	}, nil
}

// candidates returns the n nearest available servers.
func (r *Runner) candidates(ctx context.Context, stc *st.Speedtest, n int) ([]*st.Server, error) {
	servers, err := stc.FetchServerListContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return nil, ErrNoServers
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	return servers[:min(n, len(servers))], nil
}

func (r *Runner) pingCandidates(ctx context.Context, servers []*st.Server, maxConcurrent int) []*st.Server {
	sem := make(chan struct{}, max(maxConcurrent, 1))
	out := make(chan *st.Server, len(servers))
	var wg sync.WaitGroup

	launch := func(name string, fn func()) {
		if r.spawner != nil {
			r.spawner.Go(name, fn)
			return
		}
		go fn()
	}

	for i, s := range servers {
		wg.Add(1)
		launch(fmt.Sprintf("speedtest.ping.%d", i), func() {
			defer wg.Done()
			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
			}
			defer func() { <-sem }()
			if err := s.PingTestContext(ctx, nil); err == nil && s.Latency > 0 {
				out <- s
			}
		})
	}
	wg.Wait()
	close(out)

	pinged := make([]*st.Server, 0, len(servers))
	for s := range out {
		pinged = append(pinged, s)
	}
	return pinged
}

type serverTestResult struct {
	Server   *st.Server
	Download float64
	Upload   float64
	Ping     time.Duration
}

func fullTest(ctx context.Context, s *st.Server) (serverTestResult, error) {
	if err := s.DownloadTestContext(ctx); err != nil {
		return serverTestResult{}, fmt.Errorf("download: %w", err)
	}
	if err := s.UploadTestContext(ctx); err != nil {
		return serverTestResult{}, fmt.Errorf("upload: %w", err)
	}
	return serverTestResult{Server: s, Download: s.DLSpeed.Mbps(), Upload: s.ULSpeed.Mbps(), Ping: s.Latency}, nil
}

func calculateAverage(results []serverTestResult) serverTestResult {
	if len(results) == 0 {
		return serverTestResult{}
	}
	var dl, ul float64
	var ping time.Duration
	for _, r := range results {
		dl += r.Download
		ul += r.Upload
		ping += r.Ping
	}
	n := len(results)
	return serverTestResult{
		Download: dl / float64(n),
		Upload:   ul / float64(n),
		Ping:     ping / time.Duration(n),
	}
}

// findBest prefers lower ping, then higher download speed.
func findBest(results []serverTestResult) *serverTestResult {
	if len(results) == 0 {
		return nil
	}
	best := &results[0]
	for i := 1; i < len(results); i++ {
		if results[i].Ping < best.Ping || (results[i].Ping == best.Ping && results[i].Download > best.Download) {
			best = &results[i]
		}
	}
	return best
}

// jitterMs uses the server's measured jitter, or 10% of ping when missing.
func jitterMs(jitter, ping time.Duration) float64 {
	if ms := float64(jitter.Milliseconds()); ms > 0 {
		return ms
	}
	return math.Max(0.1, float64(ping.Milliseconds())*0.1)
}

func packetLoss(ctx context.Context, host string) float64 {
	if host == "" {
		return 0
	}
	pla := st.NewPacketLossAnalyzer(nil)
	pl, err := pla.RunMultiWithContext(ctx, []string{host})
	if err != nil || pl == nil {
		return 0
	}
	return pl.LossPercent()
}

func newHTTPClient(cfg RunConfig) (*http.Client, *http.Transport) {
	dialTimeout := 10 * time.Second
	if cfg.OperationTimeout > 0 {
		dialTimeout = max(min(dialTimeout, cfg.OperationTimeout/2), 2*time.Second)
	}
	keepAlive := 30 * time.Second
	if cfg.DisableKeepAlives {
		// A negative KeepAlive means "disable" for net.Dialer.
		keepAlive = -1
	}
	d := &net.Dialer{Timeout: dialTimeout, KeepAlive: keepAlive}

	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           d.DialContext,
		IdleConnTimeout:       2 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		DisableKeepAlives:     cfg.DisableKeepAlives,
		ForceAttemptHTTP2:     !cfg.DisableHTTP2,
	}
	if cfg.DisableHTTP2 {
		tr.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}
	if !cfg.DisableKeepAlives {
		tr.MaxIdleConns = 64
		tr.MaxIdleConnsPerHost = max(cfg.MaxConnections, 2)
		tr.IdleConnTimeout = 10 * time.Second
	}
	return &http.Client{Transport: tr}, tr
}
