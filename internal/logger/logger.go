// Package logger builds the process-wide logrus entry.
package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a JSON logger tagged with app and env. An unknown level falls
// back to info.
func New(app, env, level string) *logrus.Entry {
	return NewWithOutput(os.Stdout, app, env, level)
}

func NewWithOutput(w io.Writer, app, env, level string) *logrus.Entry {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.JSONFormatter{})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	return l.WithFields(logrus.Fields{
		"app": app,
		"env": env,
	})
}
