package metrics

// Names of the metrics every run registers.
const (
	Iterations            = "iterations"
	IterationDuration     = "iteration_duration"
	IterationsFailed      = "iterations_failed"
	IterationsInterrupted = "iterations_interrupted"
	Checks                = "checks"
	VUs                   = "vus"
	VUsTarget             = "vus_target"

	// DefaultSuccessMetric is the iteration success rate unless configured otherwise.
	DefaultSuccessMetric = "success_rate"

	// CheckTag is the tag carrying a check name on samples of Checks.
	CheckTag = "check"
)

// Names of the metrics the HTTP workload registers.
const (
	HTTPReqs        = "http_reqs"
	HTTPReqDuration = "http_req_duration"
	HTTPReqFailed   = "http_req_failed"
	DataReceived    = "data_received"
)

type builtin struct {
	name string
	kind Kind
}

var builtins = []builtin{
	{Iterations, Counter},
	{IterationDuration, Trend},
	{IterationsFailed, Counter},
	{IterationsInterrupted, Counter},
	{Checks, Rate},
	{VUs, Trend},
	{VUsTarget, Trend},
}

var httpBuiltins = []builtin{
	{HTTPReqs, Counter},
	{HTTPReqDuration, Trend},
	{HTTPReqFailed, Rate},
	{DataReceived, Counter},
}

// BuiltinKind returns the kind of a metric registered by the engine or the
// HTTP workload.
func BuiltinKind(name string) (Kind, bool) {
	for _, list := range [][]builtin{builtins, httpBuiltins} {
		for _, b := range list {
			if b.name == name {
				return b.kind, true
			}
		}
	}
	return 0, false
}

// RegisterHTTP registers the HTTP request metrics.
func RegisterHTTP(s *Store) error {
	for _, b := range httpBuiltins {
		if err := s.Register(b.name, b.kind); err != nil {
			return err
		}
	}
	return nil
}

// RegisterBuiltins registers the engine metrics and, unless successMetric is
// empty, the iteration success rate.
func RegisterBuiltins(s *Store, successMetric string) error {
	for _, b := range builtins {
		if err := s.Register(b.name, b.kind); err != nil {
			return err
		}
	}
	if successMetric != "" {
		return s.Register(successMetric, Rate)
	}
	return nil
}

// DurationMetric returns the trend name for a measured operation.
func DurationMetric(op string) string {
	return op + "_duration"
}
