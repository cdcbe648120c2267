package servicecheck

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/synaptica-ai/diagnosis/pkg/common/errs"
	"github.com/synaptica-ai/diagnosis/pkg/common/logger"
	"github.com/synaptica-ai/diagnosis/pkg/observability/metrics"
)

const defaultTimeout = 15 * time.Second

type ProbeResult struct {
	Name     string        `json:"name"`
	Label    string        `json:"label"`
	OK       bool          `json:"ok"`
	Kind     errs.Kind     `json:"kind,omitempty"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

type Report struct {
	Env    EnvResult     `json:"env"`
	Probes []ProbeResult `json:"probes"`
	OK     bool          `json:"ok"`
}

type Checker struct {
	cfg     Config
	probes  []Probe
	timeout time.Duration
}

func NewChecker(cfg Config, probes []Probe) *Checker {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Checker{cfg: cfg, probes: probes, timeout: timeout}
}

// Check validates the environment and, when it is complete, runs every probe.
// The report is OK only when the environment and every probe pass.
func (c *Checker) Check(ctx context.Context) Report {
	report := Report{Env: CheckEnvVariables(c.cfg)}
	if !report.Env.OK {
		logger.Log.WithField("missing", report.Env.Missing).Warn("Service check skipped, configuration incomplete")
		return report
	}

	report.OK = true
	for _, p := range c.probes {
		res := c.RunProbe(ctx, p)
		metrics.ObserveProbe(res.Name, res.OK)
		report.Probes = append(report.Probes, res)
		report.OK = report.OK && res.OK
	}
	return report
}

// RunProbe runs p with the checker's timeout. Errors and panics become a
// failed result.
func (c *Checker) RunProbe(ctx context.Context, p Probe) (res ProbeResult) {
	res = ProbeResult{Name: p.Name(), Label: p.Label()}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res.OK = false
			res.Kind = errs.KindExternalService
			res.Err = fmt.Errorf("probe panicked: %v", r)
		}
		res.Duration = time.Since(start)
		entry := logger.Log.WithFields(map[string]interface{}{
			logger.ProbeKey:      res.Name,
			logger.DurationMsKey: res.Duration.Milliseconds(),
		})
		if res.OK {
			entry.Debug("Probe succeeded")
		} else {
			entry.WithError(res.Err).Warn("Probe failed")
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := p.Check(ctx); err != nil {
		res.Err = err
		res.Kind = errs.KindOf(err)
		if res.Kind == "" {
			res.Kind = errs.KindExternalService
		}
		return res
	}
	res.OK = true
	return res
}

// Lines renders the report the way the command prints it.
func (r Report) Lines() []string {
	if !r.Env.OK {
		return []string{fmt.Sprintf("❌ Missing environment variables: %s", strings.Join(r.Env.Missing, ", "))}
	}
	lines := []string{"✅ All required environment variables are set"}
	for _, p := range r.Probes {
		if p.OK {
			lines = append(lines, fmt.Sprintf("✅ Successfully connected to %s", p.Label))
		} else {
			lines = append(lines, fmt.Sprintf("❌ %s connection failed: %v", p.Label, p.Err))
		}
	}
	return lines
}

// Summary is the closing verdict line. It is empty when the probes never ran.
func (r Report) Summary() string {
	switch {
	case !r.Env.OK:
		return ""
	case r.OK:
		return "✅ All services are configured correctly!"
	default:
		return "❌ Some services failed to connect. Please check the errors above."
	}
}

func (r Report) Write(w io.Writer) {
	fmt.Fprintln(w, "Checking AI services configuration...")
	fmt.Fprintln(w, strings.Repeat("-", 50))
	for _, line := range r.Lines() {
		fmt.Fprintln(w, line)
	}
	if summary := r.Summary(); summary != "" {
		fmt.Fprintln(w, strings.Repeat("-", 50))
		fmt.Fprintln(w, summary)
	}
}
