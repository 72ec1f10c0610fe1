// Package klog is the ambient logging stack shared by every subsystem in
// this module: output queues in an early ring buffer until a real sink is
// attached, at which point the queued bytes are flushed to it. Formatting
// and field handling are delegated to github.com/sirupsen/logrus rather
// than a hand-rolled Printf wrapper.
package klog

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu      sync.Mutex
	early   ringBuffer
	sink    io.Writer
	logger  = logrus.New()
)

func init() {
	logger.SetOutput(&early)
	logger.SetLevel(logrus.DebugLevel)
}

// SetOutput rebinds the logger's output to w, copying any output
// accumulated in the early ring buffer.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	sink = w
	logger.SetOutput(w)
	io.Copy(w, &early)
}

// For returns a logger scoped to the named subsystem (e.g. "tpl", "pmm",
// "event"), analogous to the Module field on efi.Error.
func For(module string) *logrus.Entry {
	mu.Lock()
	defer mu.Unlock()
	return logger.WithField("module", module)
}
