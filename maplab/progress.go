package maplab

import (
	"io"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/schollz/progressbar/v3"
)

// Reporter receives progress while documents are built into maps and remote data
// sources are downloaded. Install one with SetReporter.
type Reporter interface {
	// Layers starts tracking a document build that attaches total layers.
	Layers(total int) LayerProgress
	// Download starts tracking a remote data source. size is -1 when the length
	// is not known up front; downloaded bytes are written to the returned writer.
	Download(location string, size int64) io.WriteCloser
}

// LayerProgress tracks one document build.
type LayerProgress interface {
	// Added marks one more layer as attached. label is the layer name shown in the map.
	Added(label string)
	Close() error
}

var (
	reporterMu sync.RWMutex
	reporter   Reporter = terminalReporter{}
	quietMode  bool
)

// SetReporter replaces the progress reporter for all maplab operations. nil
// silences progress.
func SetReporter(r Reporter) {
	reporterMu.Lock()
	defer reporterMu.Unlock()
	if r == nil {
		r = silentReporter{}
	}
	reporter = r
}

func getReporter() Reporter {
	reporterMu.RLock()
	defer reporterMu.RUnlock()
	return reporter
}

// SetQuietMode suppresses terminal progress bars, e.g. when serving documents.
func SetQuietMode(quiet bool) {
	reporterMu.Lock()
	defer reporterMu.Unlock()
	quietMode = quiet
	if quiet {
		reporter = silentReporter{}
	} else {
		reporter = terminalReporter{}
	}
}

func IsQuietMode() bool {
	reporterMu.RLock()
	defer reporterMu.RUnlock()
	return quietMode
}

// terminalReporter draws progress bars on stderr so rendered output on stdout stays clean.
type terminalReporter struct{}

func (terminalReporter) Layers(total int) LayerProgress {
	return &layerBar{bar: progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("building map"),
		progressbar.OptionSetItsString("layers"),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)}
}

func (terminalReporter) Download(location string, size int64) io.WriteCloser {
	name := path.Base(strings.SplitN(location, "?", 2)[0])
	return progressbar.NewOptions64(size,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("fetching "+name),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionClearOnFinish(),
	)
}

type layerBar struct {
	bar *progressbar.ProgressBar
}

func (l *layerBar) Added(label string) {
	l.bar.Describe("added " + label)
	l.bar.Add(1)
}

func (l *layerBar) Close() error {
	return l.bar.Close()
}

type silentReporter struct{}

func (silentReporter) Layers(int) LayerProgress { return silent{} }

func (silentReporter) Download(string, int64) io.WriteCloser { return silent{} }

type silent struct{}

func (silent) Added(string) {}

func (silent) Write(data []byte) (int, error) { return len(data), nil }

func (silent) Close() error { return nil }
