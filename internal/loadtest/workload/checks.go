package workload

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"

	"github.com/wesleyorama2/rampart/internal/loadtest/config"
)

// response is what checks evaluate.
type response struct {
	status   int
	header   http.Header
	body     []byte
	duration time.Duration
}

// check is a compiled config.CheckConfig.
type check struct {
	name    string
	kind    string
	cond    string
	value   string
	path    string
	num     float64
	numeric bool
	dur     time.Duration
	pattern *regexp.Regexp
	schema  *jsonschema.Schema
}

var defaultConditions = map[string]string{
	"status":   "eq",
	"header":   "contains",
	"body":     "contains",
	"jsonpath": "exists",
	"duration": "lt",
}

func compileCheck(cfg config.CheckConfig) (*check, error) {
	c := &check{
		kind:  cfg.Type,
		cond:  cfg.Condition,
		value: cfg.Value,
		path:  cfg.Path,
	}
	if c.cond == "" {
		c.cond = defaultConditions[c.kind]
	}

	if n, err := strconv.ParseFloat(c.value, 64); err == nil {
		c.num, c.numeric = n, true
	}
	if c.cond == "matches" {
		re, err := regexp.Compile(c.value)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", c.value, err)
		}
		c.pattern = re
	}

	switch c.kind {
	case "status":
		if !c.numeric && c.cond != "exists" && c.cond != "matches" {
			return nil, fmt.Errorf("status value %q is not a number", c.value)
		}
	case "header", "body":
	case "jsonpath":
		c.path = gjsonPath(cfg.Path)
	case "schema":
		schema, err := jsonschema.CompileString("check.json", cfg.Schema)
		if err != nil {
			return nil, fmt.Errorf("invalid schema: %w", err)
		}
		c.schema = schema
	case "duration":
		d, err := config.ParseDurationString(c.value)
		if err != nil {
			return nil, err
		}
		c.dur = d
	default:
		return nil, fmt.Errorf("unknown check type %q", c.kind)
	}

	c.name = cfg.Name
	if c.name == "" {
		c.name = c.describe()
	}
	return c, nil
}

func (c *check) describe() string {
	switch c.kind {
	case "schema":
		return "body matches schema"
	case "header", "jsonpath":
		if c.cond == "exists" {
			return fmt.Sprintf("%s %s exists", c.kind, c.path)
		}
		return fmt.Sprintf("%s %s %s %s", c.kind, c.path, c.cond, c.value)
	default:
		return fmt.Sprintf("%s %s %s", c.kind, c.cond, c.value)
	}
}

func (c *check) eval(r *response) bool {
	switch c.kind {
	case "status":
		return c.compare(strconv.Itoa(r.status), true)
	case "header":
		values := r.header.Values(c.path)
		return c.compare(strings.Join(values, ", "), len(values) > 0)
	case "body":
		return c.compare(string(r.body), len(r.body) > 0)
	case "jsonpath":
		res := gjson.GetBytes(r.body, c.path)
		return c.compare(res.String(), res.Exists())
	case "schema":
		var doc interface{}
		if err := json.Unmarshal(r.body, &doc); err != nil {
			return false
		}
		return c.schema.Validate(doc) == nil
	case "duration":
		return compareFloat(c.cond, float64(r.duration), float64(c.dur))
	}
	return false
}

func (c *check) compare(actual string, present bool) bool {
	switch c.cond {
	case "exists":
		return present
	case "contains":
		return present && strings.Contains(actual, c.value)
	case "matches":
		return present && c.pattern.MatchString(actual)
	}
	if !present {
		return false
	}
	if c.numeric {
		if a, err := strconv.ParseFloat(actual, 64); err == nil {
			return compareFloat(c.cond, a, c.num)
		}
	}
	switch c.cond {
	case "eq":
		return actual == c.value
	case "ne":
		return actual != c.value
	}
	return false
}

func compareFloat(cond string, actual, expected float64) bool {
	switch cond {
	case "eq":
		return actual == expected
	case "ne":
		return actual != expected
	case "gt":
		return actual > expected
	case "gte":
		return actual >= expected
	case "lt":
		return actual < expected
	case "lte":
		return actual <= expected
	default:
		return false
	}
}

// gjsonPath converts a JSONPath expression such as $.users[0].name to the
// gjson form users.0.name. Paths already in gjson form pass through.
func gjsonPath(path string) string {
	if path == "$" {
		return "@this"
	}
	path = strings.TrimPrefix(path, "$")
	path = strings.TrimPrefix(path, ".")
	if path == "" {
		return "@this"
	}

	path = strings.NewReplacer(`['`, ".", `']`, "", `["`, ".", `"]`, "").Replace(path)
	path = strings.NewReplacer("[", ".", "]", "").Replace(path)
	return strings.TrimPrefix(path, ".")
}
