package output

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestJSON_WritesResult(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	path := filepath.Join(t.TempDir(), "result.json")

	out := NewJSON(Params{Argument: path, Logger: logger})
	require.NoError(t, out.Start(sampleInfo()))
	out.AddSamples(sampleSamples())
	require.NoError(t, out.Stop(sampleResult()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, gjson.ValidBytes(data))

	doc := gjson.ParseBytes(data)
	assert.Equal(t, "run-1", doc.Get("runId").String())
	assert.False(t, doc.Get("passed").Bool())
	assert.Equal(t, int64(1200), doc.Get("iterations").Int())
	assert.Equal(t, "fail", doc.Get(`thresholds.#(metric=="success_rate").verdict`).String())
	assert.Equal(t, 42.5, doc.Get(`metrics.#(name=="http_req_duration").p95`).Float())
	assert.Equal(t, "trend", doc.Get(`metrics.#(name=="http_req_duration").kind`).String())
}

func TestJSON_Gzip(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	path := filepath.Join(t.TempDir(), "result.json.gz")

	out := NewJSON(Params{Argument: path, Logger: logger})
	require.NoError(t, out.Start(sampleInfo()))
	require.NoError(t, out.Stop(sampleResult()))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)

	var result map[string]interface{}
	require.NoError(t, json.NewDecoder(gz).Decode(&result))
	assert.Equal(t, "run-1", result["runId"])
}

func TestJSON_StopWithoutResult(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	var buf bytes.Buffer

	out := NewJSON(Params{Logger: logger, Stdout: &buf})
	require.NoError(t, out.Start(sampleInfo()))
	require.NoError(t, out.Stop(nil))
	assert.Empty(t, buf.String())

	// second stop is a no-op
	require.NoError(t, out.Stop(sampleResult()))
	assert.Empty(t, buf.String())
}

func TestNDJSON_Stream(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	var buf bytes.Buffer

	out := NewNDJSON(Params{Argument: "-", Logger: logger, Stdout: &buf})
	require.NoError(t, out.Start(sampleInfo()))
	out.AddSamples(sampleSamples())
	require.NoError(t, out.Stop(sampleResult()))

	var lines []gjson.Result
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		require.True(t, gjson.Valid(sc.Text()), sc.Text())
		lines = append(lines, gjson.Parse(sc.Text()))
	}
	require.NoError(t, sc.Err())
	require.Len(t, lines, 1+len(sampleSamples())+1)

	run := lines[0]
	assert.Equal(t, LineRun, run.Get("type").String())
	assert.Equal(t, "run-1", run.Get("data.runId").String())
	assert.Equal(t, int64(50), run.Get("data.maxVUs").Int())
	assert.Equal(t, "trend", run.Get("data.metrics.http_req_duration").String())
	assert.Equal(t, "p(95)<100", run.Get("data.thresholds.http_req_duration.0").String())

	point := lines[3]
	assert.Equal(t, LinePoint, point.Get("type").String())
	assert.Equal(t, "http_req_duration", point.Get("metric").String())
	assert.Equal(t, 8.0, point.Get("data.value").Float())
	assert.Equal(t, "lookup", point.Get("data.tags.name").String())

	verdict := lines[len(lines)-1]
	assert.Equal(t, LineVerdict, verdict.Get("type").String())
	assert.False(t, verdict.Get("data.passed").Bool())
	assert.Equal(t, int64(2), verdict.Get("data.thresholds.#").Int())
}

func TestNDJSON_StopWithoutResult(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	path := filepath.Join(t.TempDir(), "samples.ndjson")

	out := NewNDJSON(Params{Argument: path, Logger: logger})
	require.NoError(t, out.Start(sampleInfo()))
	require.NoError(t, out.Stop(nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	require.Len(t, lines, 1)
	assert.Equal(t, LineRun, gjson.GetBytes(lines[0], "type").String())
}
