package remote

import (
	"context"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/antonkrylov/xremote/internal/logging"
	"github.com/antonkrylov/xremote/internal/message"
	"github.com/antonkrylov/xremote/internal/metrics"
)

// Executor carries out requests on the remote host.
type Executor struct {
	files *fileService
	shell *shellService
	log   *slog.Logger
	m     *metrics.Metrics
}

// NewExecutor serves requests against root. shellTimeout bounds each shell
// request; zero means no limit.
func NewExecutor(root string, shellTimeout time.Duration, log *slog.Logger, m *metrics.Metrics) *Executor {
	if log == nil {
		log = logging.NopLogger()
	}
	if m == nil {
		m = metrics.New()
	}
	files := &fileService{root: root}
	return &Executor{
		files: files,
		shell: &shellService{files: files, timeout: shellTimeout},
		log:   log,
		m:     m,
	}
}

// Execute runs req and returns its response. It never returns nil: failures
// become an ErrorResponse.
func (e *Executor) Execute(ctx context.Context, req message.Request) message.Response {
	start := time.Now()
	e.m.ActiveRequests.Inc()
	defer e.m.ActiveRequests.Dec()

	var resp message.Response
	switch r := req.(type) {
	case *message.ShellRequest:
		resp = e.shell.run(ctx, r)
	case *message.GetFileRequest:
		resp = e.files.get(r)
		if g, ok := resp.(*message.GetFileResponse); ok && g.Found {
			e.m.BytesTransferred.WithLabelValues("get").Add(float64(len(g.Contents)))
			e.log.Debug("file read", "path", r.Path, "size", humanize.IBytes(uint64(len(g.Contents))))
		}
	case *message.PutFileRequest:
		resp = e.files.put(r)
		if _, ok := resp.(*message.PutFileResponse); ok {
			e.m.BytesTransferred.WithLabelValues("put").Add(float64(len(r.Contents)))
			e.log.Debug("file written", "path", r.Path, "size", humanize.IBytes(uint64(len(r.Contents))))
		}
	case *message.ListDirRequest:
		resp = e.files.listDir(r)
	default:
		resp = message.Errorf("unsupported request %s", req.Kind())
	}

	result := "ok"
	if er, ok := resp.(*message.ErrorResponse); ok {
		result = "error"
		e.log.Warn("request failed", logging.KeyKind, req.Kind(), logging.KeyError, er.Message)
	}
	took := time.Since(start)
	e.m.ObserveRequest(req.Kind(), result, took)
	e.log.Info("request done",
		logging.KeyKind, req.Kind(),
		"summary", message.Summary(resp),
		logging.KeyDuration, took)
	return resp
}
