package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/wesleyorama2/rampart/internal/loadtest/engine"
	"github.com/wesleyorama2/rampart/internal/loadtest/metrics"
	"github.com/wesleyorama2/rampart/internal/loadtest/threshold"
)

// ANSI escape codes for cursor control
const (
	cursorUp  = "\033[%dA"
	clearLine = "\033[2K"
)

const (
	ruleWidth      = 56
	boxWidth       = 55
	barWidth       = 40
	progressFilled = "█"
	progressEmpty  = "░"
	ruleChar       = "━"
)

// ConsoleConfig contains configuration for Console.
type ConsoleConfig struct {
	Writer   io.Writer
	Quiet    bool
	NoColor  bool
	ForceTTY bool
}

// Console prints live progress and the final summary. On a terminal the
// progress box is redrawn in place; otherwise one line is printed per
// progress update.
type Console struct {
	w      io.Writer
	isTTY  bool
	quiet  bool
	colors *ColorScheme

	mu          sync.Mutex
	info        engine.RunInfo
	linesOutput int
}

// NewConsole creates a console output.
func NewConsole(cfg ConsoleConfig) *Console {
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}
	isTTY := cfg.ForceTTY || isTerminal(cfg.Writer)

	colors := NoColorScheme()
	if !cfg.NoColor && isTTY && supportsColors() {
		colors = DefaultColorScheme()
	}

	return &Console{
		w:      cfg.Writer,
		isTTY:  isTTY,
		quiet:  cfg.Quiet,
		colors: colors,
	}
}

// Description implements engine.Output.
func (c *Console) Description() string { return "console" }

// IsTTY returns whether the output is a terminal.
func (c *Console) IsTTY() bool { return c.isTTY }

// Start prints the header.
func (c *Console) Start(info engine.RunInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info = info

	if c.quiet {
		return nil
	}

	rule := c.colors.Rule.Sprint(strings.Repeat(ruleChar, ruleWidth))
	name := info.Name
	if name == "" {
		name = "load test"
	}
	c.writeln(rule)
	c.writeln(c.colors.Title.Sprintf("%s - Running", name))
	c.writeln(rule)
	c.writef("Run ID:      %s\n", c.colors.Muted.Sprint(info.RunID))
	c.writef("Stages:      %s over %s, up to %s VUs\n",
		c.colors.Value.Sprint(len(info.Stages)),
		c.colors.Value.Sprint(formatDuration(info.TotalDuration)),
		c.colors.Value.Sprint(info.MaxVUs))
	if n := len(info.Thresholds); n > 0 {
		c.writef("Thresholds:  %s\n", c.colors.Value.Sprint(n))
	}
	c.writeln("")
	return nil
}

// AddSamples implements engine.Output; the console reads the store
// aggregates from progress updates and the result instead.
func (c *Console) AddSamples([]metrics.Sample) {}

// Progress renders a progress update.
func (c *Console) Progress(p engine.Progress) {
	if c.quiet {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isTTY {
		c.writeln(c.progressLine(p))
		return
	}

	c.clearLive()
	lines := c.renderLive(p)
	for _, line := range lines {
		c.writeln(line)
	}
	c.linesOutput = len(lines)
}

func (c *Console) progressLine(p engine.Progress) string {
	line := fmt.Sprintf("[%s] %s %.0f%% | VUs: %d/%d | Iterations: %d | Failed: %d",
		formatDuration(p.Elapsed),
		p.State,
		progressFraction(p)*100,
		p.Running, p.Target,
		p.Iterations, p.Failures)
	if p.Bucket != nil {
		line += fmt.Sprintf(" | Rate: %.1f/s | P95: %s", p.Bucket.IntervalRate, formatMillis(p.Bucket.IterationP95))
	}
	return line
}

func (c *Console) renderLive(p engine.Progress) []string {
	frac := progressFraction(p)
	lines := []string{
		fmt.Sprintf("Progress: %s %s | %s",
			c.colors.Pass.Sprint(progressBar(frac, barWidth)),
			c.colors.Label.Sprintf("%.0f%%", frac*100),
			c.colors.Muted.Sprintf("%s / %s", formatDuration(p.Elapsed), formatDuration(p.Total))),
	}

	phase := string(metrics.PhaseInit)
	if p.Bucket != nil {
		phase = string(p.Bucket.Phase)
	}
	stage := p.Stage + 1
	if stage > p.Stages {
		stage = p.Stages
	}
	lines = append(lines,
		fmt.Sprintf("Stage:    %s", c.colors.Highlight.Sprintf("%s (%d/%d)", phase, stage, p.Stages)),
		"",
		c.colors.Muted.Sprint("┌"+strings.Repeat(ruleChar, boxWidth-2)+"┐"),
	)

	failRate := 0.0
	if p.Iterations > 0 {
		failRate = float64(p.Failures) / float64(p.Iterations)
	}
	rate, p95 := 0.0, 0.0
	if p.Bucket != nil {
		rate, p95 = p.Bucket.IntervalRate, p.Bucket.IterationP95
	}

	lines = append(lines,
		c.boxRow(
			fmt.Sprintf("VUs:     %s / %d", c.colors.Value.Sprint(p.Running), p.Target),
			fmt.Sprintf("Iterations: %s", c.colors.Value.Sprint(formatNumber(p.Iterations)))),
		c.boxRow(
			fmt.Sprintf("Rate:    %s", c.colors.Pass.Sprintf("%.1f/s", rate)),
			fmt.Sprintf("Failed:     %s", c.colors.Ratio(1-failRate, 0.99, 0.95).Sprintf("%d (%.1f%%)", p.Failures, failRate*100))),
		c.boxRow(
			fmt.Sprintf("P95:     %s", c.colors.Value.Sprint(formatMillis(p95))),
			fmt.Sprintf("Thresholds: %s", c.thresholdTally(p.Thresholds))),
		c.colors.Muted.Sprint("└"+strings.Repeat(ruleChar, boxWidth-2)+"┘"),
	)
	return lines
}

func (c *Console) thresholdTally(results []threshold.Result) string {
	var pass, fail int
	for _, r := range results {
		switch r.Verdict {
		case threshold.Pass:
			pass++
		case threshold.Fail:
			fail++
		}
	}
	if fail > 0 {
		return c.colors.Fail.Sprintf("%d/%d failing", fail, len(results))
	}
	return c.colors.Pass.Sprintf("%d/%d passing", pass, len(results))
}

// boxRow formats a row inside the stats box with two columns.
func (c *Console) boxRow(left, right string) string {
	colWidth := (boxWidth - 4) / 2
	pad := func(s string) string {
		n := colWidth - len([]rune(stripANSI(s)))
		if n < 0 {
			n = 0
		}
		return s + strings.Repeat(" ", n)
	}
	bar := c.colors.Muted.Sprint("│")
	return fmt.Sprintf("%s %s%s %s %s", bar, pad(left), bar, pad(right), bar)
}

func (c *Console) clearLive() {
	if c.linesOutput == 0 {
		return
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	for i := 0; i < c.linesOutput; i++ {
		c.write(clearLine + "\n")
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	c.linesOutput = 0
}

// Stop prints the summary. In quiet mode only the verdict and the
// threshold list are printed.
func (c *Console) Stop(result *engine.Result) error {
	if result == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isTTY {
		c.clearLive()
	}
	if !c.quiet {
		c.writeSummary(result)
	}
	c.writeThresholds(result)
	c.writeVerdict(result)
	return nil
}

func (c *Console) writeSummary(result *engine.Result) {
	status, statusColor := "Completed", c.colors.Pass
	switch {
	case result.Aborted:
		status, statusColor = "Aborted", c.colors.Fail
	case result.Cancelled:
		status, statusColor = "Cancelled", c.colors.Warn
	}

	rule := c.colors.Rule.Sprint(strings.Repeat(ruleChar, ruleWidth))
	c.writeln("")
	c.writeln(rule)
	c.writef("%s - %s\n", c.colors.Title.Sprint(c.displayName(result)), statusColor.Sprint(status))
	c.writeln(rule)
	c.writeln("")

	c.writef("Duration:      %s\n", c.colors.Value.Sprint(formatDuration(result.Duration)))
	c.writef("Iterations:    %s", c.colors.Value.Sprint(formatNumber(result.Iterations)))
	if secs := result.Duration.Seconds(); secs > 0 {
		c.writef(" (%.1f/s)", float64(result.Iterations)/secs)
	}
	c.writeln("")
	if result.Iterations > 0 {
		ok := 1 - float64(result.Failed)/float64(result.Iterations)
		c.writef("Success Rate:  %s\n", c.colors.Ratio(ok, 0.99, 0.95).Sprintf("%.2f%%", ok*100))
	}
	if result.Interrupted > 0 {
		c.writef("Interrupted:   %s\n", c.colors.Warn.Sprint(result.Interrupted))
	}
	if result.ApproximateTrends > 0 {
		c.writef("Note:          %s\n", c.colors.Warn.Sprintf("%d trend(s) exceeded the exact sample limit; percentiles are approximate", result.ApproximateTrends))
	}
	c.writeln("")

	if len(result.Checks) > 0 {
		c.writeln(c.colors.Label.Sprint("Checks:"))
		width := 0
		for _, ch := range result.Checks {
			if len(ch.Name) > width {
				width = len(ch.Name)
			}
		}
		for _, ch := range result.Checks {
			icon, col := "✓", c.colors.Pass
			if ch.Fails > 0 {
				icon, col = "✗", c.colors.Fail
			}
			c.writef("  %s %-*s %s %s\n", col.Sprint(icon), width, ch.Name,
				col.Sprintf("%6.2f%%", ch.Rate*100),
				c.colors.Muted.Sprintf("(%d/%d)", ch.Passes, ch.Passes+ch.Fails))
		}
		c.writeln("")
	}

	c.writeln(c.colors.Label.Sprint("Metrics:"))
	for _, v := range result.Metrics {
		if v.IsEmpty() {
			continue
		}
		c.writef("  %s %s\n", dotted(v.Name, 28), c.describeView(v, result.Duration))
	}
	for _, v := range result.Submetrics {
		c.writef("  %s %s\n", dotted(v.Name, 28), c.describeView(v, result.Duration))
	}
	c.writeln("")
}

func (c *Console) writeThresholds(result *engine.Result) {
	if len(result.Thresholds) == 0 {
		return
	}
	c.writeln(c.colors.Label.Sprint("Thresholds:"))
	for _, t := range result.Thresholds {
		icon, col := c.colors.Verdict(t.Verdict)
		actual := "no samples"
		if t.Verdict != threshold.Undetermined {
			actual = fmt.Sprintf("actual: %s", formatValue(t.Value))
		}
		abort := ""
		if t.AbortOnFail {
			abort = c.colors.Muted.Sprint(" [abortOnFail]")
		}
		c.writef("  %s %s %s %s%s\n", col.Sprint(icon), t.Metric, t.Expression, c.colors.Muted.Sprintf("(%s)", actual), abort)
	}
	c.writeln("")
}

func (c *Console) writeVerdict(result *engine.Result) {
	if result.Passed {
		c.writeln(c.colors.Pass.Sprint("PASSED"))
		return
	}
	c.writeln(c.colors.Fail.Sprint("FAILED"))
}

func (c *Console) displayName(result *engine.Result) string {
	if result.Name != "" {
		return result.Name
	}
	return "load test"
}

func (c *Console) describeView(v metrics.View, elapsed time.Duration) string {
	switch v.Kind {
	case metrics.Counter:
		return fmt.Sprintf("%s %s",
			c.colors.Value.Sprint(formatValue(v.Value)),
			c.colors.Muted.Sprintf("%.2f/s", v.PerSecond(elapsed)))
	case metrics.Rate:
		return fmt.Sprintf("%s %s",
			c.colors.Value.Sprintf("%.2f%%", v.Rate*100),
			c.colors.Muted.Sprintf("%d of %d", v.Trues, v.Count))
	default:
		format := func(x float64) string { return trendValue(v.Name, x) }
		s := fmt.Sprintf("avg=%s min=%s med=%s max=%s p(90)=%s p(95)=%s p(99)=%s",
			format(v.Avg), format(v.Min), format(v.Med), format(v.Max), format(v.P90), format(v.P95), format(v.P99))
		if v.Approximate {
			s += " ~"
		}
		return c.colors.Value.Sprint(s)
	}
}

func (c *Console) write(s string) {
	fmt.Fprint(c.w, s)
}

func (c *Console) writeln(s string) {
	fmt.Fprintln(c.w, s)
}

func (c *Console) writef(format string, args ...interface{}) {
	fmt.Fprintf(c.w, format, args...)
}

func progressFraction(p engine.Progress) float64 {
	if p.Total <= 0 {
		return 0
	}
	f := float64(p.Elapsed) / float64(p.Total)
	if f > 1 {
		f = 1
	}
	return f
}

func progressBar(progress float64, width int) string {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	filled := int(progress * float64(width))
	return "[" + strings.Repeat(progressFilled, filled) + strings.Repeat(progressEmpty, width-filled) + "]"
}

// dotted pads name with dots to width.
func dotted(name string, width int) string {
	if len(name) >= width {
		return name + ":"
	}
	return name + strings.Repeat(".", width-len(name)) + ":"
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %02ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
}

func isDurationMetric(name string) bool {
	return strings.HasSuffix(name, "_duration") || strings.Contains(name, "_duration{")
}

// formatMillis formats a millisecond value.
func formatMillis(ms float64) string {
	switch {
	case ms <= 0:
		return "0ms"
	case ms < 1:
		return fmt.Sprintf("%.0fµs", ms*1000)
	case ms < 1000:
		return fmt.Sprintf("%.2fms", ms)
	case ms < 60000:
		return fmt.Sprintf("%.2fs", ms/1000)
	default:
		return fmt.Sprintf("%.1fm", ms/60000)
	}
}

func formatValue(v float64) string {
	if v == float64(int64(v)) {
		return formatNumber(int64(v))
	}
	return fmt.Sprintf("%.2f", v)
}

// formatNumber formats a number with thousands separators.
func formatNumber(n int64) string {
	sign := ""
	if n < 0 {
		sign, n = "-", -n
	}
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return sign + str
	}

	var result strings.Builder
	result.WriteString(sign)
	offset := len(str) % 3
	if offset > 0 {
		result.WriteString(str[:offset])
	}
	for i := offset; i < len(str); i += 3 {
		if i > 0 {
			result.WriteString(",")
		}
		result.WriteString(str[i : i+3])
	}
	return result.String()
}

// stripANSI removes ANSI escape codes from a string.
func stripANSI(s string) string {
	var result strings.Builder
	inEscape := false

	for i := 0; i < len(s); i++ {
		if s[i] == '\033' {
			inEscape = true
			continue
		}
		if inEscape {
			if (s[i] >= 'a' && s[i] <= 'z') || (s[i] >= 'A' && s[i] <= 'Z') {
				inEscape = false
			}
			continue
		}
		result.WriteByte(s[i])
	}
	return result.String()
}
