package xlog

import (
	"os"

	logging "gopkg.in/op/go-logging.v1"
)

// NewLegacy returns a gopkg.in/op/go-logging.v1 logger, the interface
// shape of the teacher's server/cborplugin. No package in this module
// calls it; the medium drivers and the analytics sink log through New.
func NewLegacy(module string) *logging.Logger {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatter := logging.MustStringFormatter(
		`%{time:15:04:05.000} %{level:.4s} %{module}: %{message}`,
	)
	formatted := logging.NewBackendFormatter(backend, formatter)
	logging.SetBackend(formatted)
	return logging.MustGetLogger(module)
}
