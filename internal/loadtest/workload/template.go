package workload

import (
	"fmt"
	"math/rand/v2"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z][A-Za-z0-9_]*)\s*\}\}`)

// scope holds the values a template can reference for one iteration.
type scope struct {
	vu        int
	iteration int64
}

// render substitutes per-iteration placeholders. Profile variables and the
// base URL are resolved once when the workload is built, so only dynamic
// names are left here. Unknown placeholders are kept verbatim.
func render(tmpl string, s scope) string {
	if len(tmpl) < 4 {
		return tmpl
	}
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		switch name {
		case "randomIP":
			return randomIP()
		case "vu":
			return strconv.Itoa(s.vu)
		case "iteration":
			return strconv.FormatInt(s.iteration, 10)
		case "uuid":
			return uuid.NewString()
		case "timestamp":
			return strconv.FormatInt(time.Now().UnixMilli(), 10)
		default:
			return m
		}
	})
}

// randomIP returns a random dotted IPv4 address with octets in [0,254].
func randomIP() string {
	return fmt.Sprintf("%d.%d.%d.%d", rand.IntN(255), rand.IntN(255), rand.IntN(255), rand.IntN(255))
}
