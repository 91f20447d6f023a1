package utils

import (
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

// jwtPattern matches three dot separated base64url segments, the shape of a
// compact JWS.
var jwtPattern = regexp.MustCompile(`eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`)

var sensitiveFields = map[string]struct{}{
	"token":         {},
	"accesstoken":   {},
	"refreshtoken":  {},
	"authorization": {},
	"password":      {},
	"cookie":        {},
}

const redacted = "[REDACTED]"

// NewLogger builds the process logger. Production emits JSON, everything
// else the text formatter.
func NewLogger(level string, production bool) *logrus.Logger {
	return newLogger(os.Stdout, level, production)
}

func newLogger(out io.Writer, level string, production bool) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(out)
	if production {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	log.AddHook(RedactHook{})
	return log
}

// RedactHook scrubs bearer credentials and passwords from every entry
// before it is formatted.
type RedactHook struct{}

func (RedactHook) Levels() []logrus.Level { return logrus.AllLevels }

func (RedactHook) Fire(entry *logrus.Entry) error {
	entry.Message = RedactTokens(entry.Message)
	for key, value := range entry.Data {
		if _, ok := sensitiveFields[strings.ToLower(key)]; ok {
			entry.Data[key] = redacted
			continue
		}
		switch v := value.(type) {
		case string:
			entry.Data[key] = RedactTokens(v)
		case error:
			entry.Data[key] = RedactTokens(v.Error())
		}
	}
	return nil
}

func RedactTokens(s string) string {
	return jwtPattern.ReplaceAllString(s, redacted)
}
