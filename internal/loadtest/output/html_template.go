package output

const htmlTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.Name}} - Load Test Report</title>
    <script src="https://cdn.jsdelivr.net/npm/chart.js"></script>
    <style>
        :root {
            --bg-primary: #ffffff;
            --bg-secondary: #f8fafc;
            --bg-card: #ffffff;
            --text-primary: #0f172a;
            --text-secondary: #64748b;
            --border: #e2e8f0;
            --accent-primary: #3b82f6;
            --accent-success: #22c55e;
            --accent-warning: #f59e0b;
            --accent-error: #ef4444;
        }
        @media (prefers-color-scheme: dark) {
            :root {
                --bg-primary: #0f172a;
                --bg-secondary: #1e293b;
                --bg-card: #1e293b;
                --text-primary: #f1f5f9;
                --text-secondary: #94a3b8;
                --border: #334155;
            }
        }
        * { box-sizing: border-box; margin: 0; padding: 0; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
            background-color: var(--bg-secondary);
            color: var(--text-primary);
            line-height: 1.5;
        }
        .container { max-width: 1200px; margin: 0 auto; padding: 2rem; }
        header, .card, section {
            background: var(--bg-card);
            border: 1px solid var(--border);
            border-radius: 12px;
            padding: 1.5rem;
            margin-bottom: 1.5rem;
        }
        header { display: flex; justify-content: space-between; align-items: center; }
        .meta { color: var(--text-secondary); font-size: 0.875rem; display: flex; gap: 1rem; }
        .description { color: var(--text-secondary); }
        .status { font-size: 1.25rem; font-weight: 700; padding: 0.5rem 1rem; border-radius: 8px; }
        .status.pass { color: var(--accent-success); }
        .status.fail { color: var(--accent-error); }
        .status .reason { display: block; font-size: 0.75rem; font-weight: 400; color: var(--text-secondary); }
        .cards { display: grid; grid-template-columns: repeat(auto-fit, minmax(170px, 1fr)); gap: 1rem; margin-bottom: 1.5rem; }
        .card { margin-bottom: 0; }
        .card .label { color: var(--text-secondary); font-size: 0.75rem; text-transform: uppercase; }
        .card .value { font-size: 1.5rem; font-weight: 700; }
        .unit { font-size: 0.875rem; color: var(--text-secondary); margin-left: 0.25rem; }
        h2 { font-size: 1.125rem; margin-bottom: 1rem; }
        table { width: 100%; border-collapse: collapse; font-size: 0.875rem; }
        th, td { text-align: left; padding: 0.5rem; border-bottom: 1px solid var(--border); }
        th { color: var(--text-secondary); font-weight: 600; }
        td.num { font-variant-numeric: tabular-nums; }
        .pass { color: var(--accent-success); }
        .fail { color: var(--accent-error); }
        .undetermined { color: var(--accent-warning); }
        .threshold { display: flex; gap: 1rem; align-items: center; padding: 0.5rem 0; border-bottom: 1px solid var(--border); }
        .threshold-icon { font-size: 1.25rem; width: 1.5rem; }
        .threshold-metric { font-weight: 600; }
        .threshold-expression { font-family: monospace; color: var(--text-secondary); }
        .threshold-value { margin-left: auto; color: var(--text-secondary); font-size: 0.875rem; }
        .charts { display: grid; grid-template-columns: repeat(auto-fit, minmax(480px, 1fr)); gap: 1.5rem; }
        .chart { position: relative; height: 260px; }
        .note { color: var(--accent-warning); font-size: 0.875rem; margin-top: 0.5rem; }
        footer { text-align: center; color: var(--text-secondary); font-size: 0.75rem; padding: 1rem; }
    </style>
</head>
<body>
<div class="container">
    <header>
        <div>
            <h1>{{.Name}}</h1>
            {{if .Description}}<p class="description">{{.Description}}</p>{{end}}
            <div class="meta">
                <span>{{.StartTime.Format "2006-01-02 15:04:05"}}</span>
                <span>{{formatDuration .Duration}}</span>
                <span>run {{.RunID}}</span>
            </div>
        </div>
        <div class="status {{if .Passed}}pass{{else}}fail{{end}}">
            {{if .Passed}}✓ PASSED{{else}}✗ FAILED{{end}}
            {{if .Aborted}}<span class="reason">aborted by threshold</span>{{else if .Cancelled}}<span class="reason">cancelled</span>{{end}}
        </div>
    </header>

    <div class="cards">
        <div class="card">
            <div class="label">Iterations</div>
            <div class="value">{{formatNumber .Iterations}}</div>
        </div>
        <div class="card">
            <div class="label">Throughput</div>
            <div class="value">{{iterationRate $.Result}}<span class="unit">it/s</span></div>
        </div>
        <div class="card">
            <div class="label">Failed</div>
            <div class="value">{{percent (failureRate $.Result)}}</div>
        </div>
        <div class="card">
            <div class="label">Interrupted</div>
            <div class="value">{{formatNumber .Interrupted}}</div>
        </div>
        <div class="card">
            <div class="label">Iteration P95</div>
            <div class="value">{{formatMillis .Iteration.P95}}</div>
        </div>
    </div>

    {{if .TimeSeries}}
    <section>
        <h2>Time Series</h2>
        <div class="charts">
            <div class="chart"><canvas id="vusChart"></canvas></div>
            <div class="chart"><canvas id="rateChart"></canvas></div>
            <div class="chart"><canvas id="latencyChart"></canvas></div>
            <div class="chart"><canvas id="errorChart"></canvas></div>
        </div>
    </section>
    {{end}}

    {{if .Thresholds}}
    <section>
        <h2>Thresholds</h2>
        {{range .Thresholds}}
        <div class="threshold">
            <span class="threshold-icon {{verdictClass .Verdict}}">{{verdictIcon .Verdict}}</span>
            <div>
                <div class="threshold-metric">{{.Metric}}</div>
                <div class="threshold-expression">{{.Expression}}{{if .AbortOnFail}} (abortOnFail){{end}}</div>
            </div>
            <div class="threshold-value">{{if isUndetermined .Verdict}}no samples{{else}}actual: {{formatValue .Value}}{{end}}</div>
        </div>
        {{end}}
    </section>
    {{end}}

    {{if .Checks}}
    <section>
        <h2>Checks</h2>
        <table>
            <thead><tr><th>Check</th><th>Passes</th><th>Fails</th><th>Rate</th></tr></thead>
            <tbody>
            {{range .Checks}}
            <tr>
                <td>{{.Name}}</td>
                <td class="num">{{formatNumber .Passes}}</td>
                <td class="num">{{formatNumber .Fails}}</td>
                <td class="num {{if .Fails}}fail{{else}}pass{{end}}">{{percent .Rate}}</td>
            </tr>
            {{end}}
            </tbody>
        </table>
    </section>
    {{end}}

    {{if .Trends}}
    <section>
        <h2>Trends</h2>
        <table>
            <thead><tr><th>Metric</th><th>Count</th><th>Min</th><th>Avg</th><th>Med</th><th>P90</th><th>P95</th><th>P99</th><th>Max</th></tr></thead>
            <tbody>
            {{range .Trends}}
            <tr>
                <td>{{.Name}}{{if .Approximate}} ~{{end}}</td>
                <td class="num">{{formatNumber .Count}}</td>
                <td class="num">{{trendValue .Name .Min}}</td>
                <td class="num">{{trendValue .Name .Avg}}</td>
                <td class="num">{{trendValue .Name .Med}}</td>
                <td class="num">{{trendValue .Name .P90}}</td>
                <td class="num">{{trendValue .Name .P95}}</td>
                <td class="num">{{trendValue .Name .P99}}</td>
                <td class="num">{{trendValue .Name .Max}}</td>
            </tr>
            {{end}}
            </tbody>
        </table>
        {{if .ApproximateTrends}}<p class="note">~ percentiles are approximate: the trend exceeded its exact sample limit.</p>{{end}}
    </section>
    {{end}}

    {{if or .Counters .Rates .Submetrics}}
    <section>
        <h2>Counters and Rates</h2>
        <table>
            <thead><tr><th>Metric</th><th>Value</th><th></th></tr></thead>
            <tbody>
            {{range .Counters}}
            <tr><td>{{.Name}}</td><td class="num">{{formatValue .Value}}</td><td class="num">{{perSecond . $.Duration}}</td></tr>
            {{end}}
            {{range .Rates}}
            <tr><td>{{.Name}}</td><td class="num">{{percent .Rate}}</td><td class="num">{{.Trues}} of {{.Count}}</td></tr>
            {{end}}
            {{range .Submetrics}}
            <tr><td>{{.Name}}</td><td class="num">{{if eq .Kind.String "rate"}}{{percent .Rate}}{{else if eq .Kind.String "counter"}}{{formatValue .Value}}{{else}}p(95) {{trendValue .Name .P95}}{{end}}</td><td class="num">{{.Count}} samples</td></tr>
            {{end}}
            </tbody>
        </table>
    </section>
    {{end}}

    <footer>Generated by rampart • {{.EndTime.Format "2006-01-02 15:04:05 MST"}}</footer>
</div>

{{if .TimeSeries}}
<script>
    const phaseColors = {
        'ramp-up': 'rgba(59, 130, 246, 0.08)',
        'steady': 'rgba(34, 197, 94, 0.08)',
        'ramp-down': 'rgba(139, 92, 246, 0.08)',
        'draining': 'rgba(245, 158, 11, 0.08)',
        'done': 'rgba(100, 116, 139, 0.08)',
    };

    const timeSeriesData = {{.TimeSeriesJSON}};
    const labels = timeSeriesData.map(d => d.elapsed.toFixed(0) + 's');

    const phaseBackground = {
        id: 'phaseBackground',
        beforeDraw(chart) {
            const {ctx, chartArea, scales} = chart;
            if (!chartArea) return;
            const width = scales.x.width / Math.max(timeSeriesData.length, 1);
            timeSeriesData.forEach((d, i) => {
                ctx.fillStyle = phaseColors[d.phase] || 'transparent';
                ctx.fillRect(scales.x.getPixelForValue(i) - width / 2, chartArea.top, width, chartArea.bottom - chartArea.top);
            });
        },
    };

    function lineChart(id, datasets, yLabel) {
        const el = document.getElementById(id);
        if (!el) return;
        new Chart(el.getContext('2d'), {
            type: 'line',
            data: {labels: labels, datasets: datasets},
            options: {
                responsive: true,
                maintainAspectRatio: false,
                interaction: {mode: 'index', intersect: false},
                scales: {y: {beginAtZero: true, title: {display: true, text: yLabel}}},
                elements: {point: {radius: 0}, line: {tension: 0.3}},
            },
            plugins: [phaseBackground],
        });
    }

    lineChart('vusChart', [
        {label: 'Active VUs', data: timeSeriesData.map(d => d.activeVUs), borderColor: '#3b82f6'},
        {label: 'Target VUs', data: timeSeriesData.map(d => d.targetVUs), borderColor: '#94a3b8', borderDash: [4, 4]},
    ], 'VUs');
    lineChart('rateChart', [
        {label: 'Iterations/sec', data: timeSeriesData.map(d => d.rate), borderColor: '#22c55e', fill: true, backgroundColor: '#22c55e20'},
    ], 'it/s');
    lineChart('latencyChart', [
        {label: 'Iteration P95 (ms)', data: timeSeriesData.map(d => d.p95), borderColor: '#f59e0b'},
    ], 'ms');
    lineChart('errorChart', [
        {label: 'Failed (%)', data: timeSeriesData.map(d => d.failureRate * 100), borderColor: '#ef4444'},
    ], '%');
</script>
{{end}}
</body>
</html>
`
