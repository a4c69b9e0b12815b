package log

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	defaultPattern = "%time [%level] %msg %field%n"
	defaultTime    = "2006-01-02 15:04:05.000"
)

// formatter renders logrus entries through a pattern with the
// placeholders %time, %level, %msg, %field and %n.
type formatter struct {
	pattern string
	time    string
}

func newFormatter(pattern, timeLayout string) *formatter {
	if pattern == "" {
		pattern = defaultPattern
	}
	if timeLayout == "" {
		timeLayout = defaultTime
	}
	return &formatter{pattern: pattern, time: timeLayout}
}

func (f *formatter) Format(entry *logrus.Entry) ([]byte, error) {
	r := strings.NewReplacer(
		"%time", entry.Time.Format(f.time),
		"%level", strings.ToUpper(entry.Level.String()),
		"%msg", entry.Message,
		"%field", buildFields(entry.Data),
		"%n", "\n",
	)
	out := r.Replace(f.pattern)
	if !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	return []byte(out), nil
}

// buildFields renders fields as key=value, sorted by key.
func buildFields(data logrus.Fields) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]string, 0, len(keys))
	for _, k := range keys {
		v, ok := data[k].(string)
		if !ok {
			v = fmt.Sprint(data[k])
		}
		fields = append(fields, k+"="+v)
	}
	return strings.Join(fields, " ")
}
