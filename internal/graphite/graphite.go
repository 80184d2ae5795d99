// Package graphite pushes moproxy's fleet counters to a Graphite carbon
// receiver on a fixed cadence (spec.md §6.9 "optional Graphite push").
// No maintained Graphite client exists in the retrieved corpus, so this
// is a small hand-rolled plaintext-protocol encoder over net.Conn
// (justified in DESIGN.md); the push cadence otherwise follows the
// teacher's background-loop style (internal/monitor's ticker-driven loop).
// Each push dials afresh; a failed push is not retried before the next
// tick.
package graphite

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/moproxy-go/moproxy/internal/fleet"
)

// Fleet is the read surface Pusher needs from internal/fleet.Monitor.
type Fleet interface {
	Snapshot() []*fleet.Proxy
}

// Config controls push cadence and the carbon line-receiver address.
type Config struct {
	Addr     string // host:port of a carbon plaintext receiver
	Prefix   string // dotted metric-name prefix, e.g. "moproxy"
	Interval time.Duration
	Timeout  time.Duration
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Prefix == "" {
		c.Prefix = "moproxy"
	}
}

// Pusher periodically renders the fleet's counters as carbon plaintext
// lines ("metric value timestamp\n") and writes them to a fresh
// connection every cycle — carbon receivers expect short-lived
// connections, not a held-open stream.
type Pusher struct {
	cfg   Config
	fleet Fleet

	now func() time.Time // overridden in tests; defaults to time.Now

	stop chan struct{}
	done chan struct{}
}

// New builds a Pusher. Call Start to begin the push loop.
func New(cfg Config, fl Fleet) *Pusher {
	cfg.setDefaults()
	return &Pusher{
		cfg:   cfg,
		fleet: fl,
		now:   time.Now,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start launches the periodic push loop in a goroutine. Call Stop to end it.
func (p *Pusher) Start() {
	go p.loop()
}

// Stop ends the push loop and waits for it to exit.
func (p *Pusher) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Pusher) loop() {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := p.pushOnce(); err != nil {
				log.Printf("[graphite] push to %s failed: %v", p.cfg.Addr, err)
			}
		case <-p.stop:
			return
		}
	}
}

// pushOnce dials, writes every rendered line, and closes. Exported via
// PushOnce for callers (and tests) that want to trigger a push outside
// the ticker cadence.
func (p *Pusher) pushOnce() error {
	conn, err := net.DialTimeout("tcp", p.cfg.Addr, p.cfg.Timeout)
	if err != nil {
		return fmt.Errorf("dial carbon receiver: %w", err)
	}
	defer conn.Close()
	conn.SetWriteDeadline(p.now().Add(p.cfg.Timeout))

	w := bufio.NewWriter(conn)
	ts := p.now().Unix()
	for _, line := range p.render(ts) {
		if _, err := w.WriteString(line); err != nil {
			return fmt.Errorf("write metric line: %w", err)
		}
	}
	return w.Flush()
}

// PushOnce triggers a single synchronous push cycle, bypassing the
// ticker. Used by tests.
func (p *Pusher) PushOnce() error { return p.pushOnce() }

// render renders every current fleet counter as a carbon plaintext line.
func (p *Pusher) render(ts int64) []string {
	proxies := p.fleet.Snapshot()
	lines := make([]string, 0, len(proxies)*4+2)

	alive := 0
	for _, prox := range proxies {
		tag := sanitize(prox.Identity.Tag)
		tx, rx := prox.Status.Traffic()
		connAlive, connTotal, connError := prox.Status.Counters()

		lines = append(lines,
			p.line("proxies."+tag+".tx_bytes", float64(tx), ts),
			p.line("proxies."+tag+".rx_bytes", float64(rx), ts),
			p.line("proxies."+tag+".conn_alive", float64(connAlive), ts),
			p.line("proxies."+tag+".conn_total", float64(connTotal), ts),
			p.line("proxies."+tag+".conn_error", float64(connError), ts),
		)
		if score, ok := prox.Status.Score(); ok {
			alive++
			lines = append(lines, p.line("proxies."+tag+".score", float64(score), ts))
		}
	}
	lines = append(lines,
		p.line("fleet.size", float64(len(proxies)), ts),
		p.line("fleet.alive", float64(alive), ts),
	)
	return lines
}

func (p *Pusher) line(metric string, value float64, ts int64) string {
	return fmt.Sprintf("%s.%s %v %d\n", p.cfg.Prefix, metric, value, ts)
}

// sanitize replaces dots in a proxy tag so it cannot inject extra
// carbon metric-tree levels.
func sanitize(tag string) string {
	out := make([]byte, len(tag))
	for i := 0; i < len(tag); i++ {
		if tag[i] == '.' {
			out[i] = '_'
		} else {
			out[i] = tag[i]
		}
	}
	return string(out)
}
