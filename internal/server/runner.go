package server

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/photopd/photopd/internal/archive"
	"github.com/photopd/photopd/internal/logging"
	"github.com/photopd/photopd/internal/mirror"
	"github.com/photopd/photopd/internal/policy"
	"github.com/photopd/photopd/internal/session"
	"github.com/photopd/photopd/internal/store"
	"github.com/photopd/photopd/internal/transport"
)

const (
	progressInterval = time.Second
	// failureTailLines caps the log tail shipped with a failure report.
	failureTailLines = 200
)

// execute runs one policy to completion and reports along the way.
// origin is the connection that receives the archive stream; a nil
// origin (scheduled runs) skips browser delivery.
func (s *Server) execute(ctx context.Context, sess *session.Session, p *policy.Policy, origin *transport.Client) {
	cfg := p.Config()
	identity := sess.Identity()
	runLogger, buf := logging.NewRunLogger(s.logger, cfg.LogLevel, cfg.DryRun)

	rec, err := s.runs.Begin(identity, p.Name(), cfg.Account)
	if err != nil {
		s.logger.Error("record run start", "policy", p.Name(), "error", err)
	}

	sink, finishStream := s.buildSink(ctx, cfg, origin, runLogger)

	stopPoll := make(chan struct{})
	go s.pollProgress(identity, p, buf, stopPoll)

	res, runErr := p.Execute(ctx, runLogger, sink)
	close(stopPoll)
	finishStream()

	if rec != nil {
		status := store.RunStatusCompleted
		errMsg := ""
		switch {
		case runErr != nil:
			status = store.RunStatusFailed
			errMsg = runErr.Error()
		case res.Interrupted:
			status = store.RunStatusInterrupted
		}
		if err := s.runs.Finish(rec.ID, status, errMsg, res.Transferred, res.Processed); err != nil {
			s.logger.Error("record run finish", "policy", p.Name(), "error", err)
		}
	}

	if runErr != nil {
		s.logger.Error("run failed", "policy", p.Name(), "identity", identity, "error", runErr)
		// A failure report carries the accumulated tail, not just the
		// lines since the last poll.
		s.hub.SendToIdentity(identity, transport.NewEvent("run_failed", p.Name(), map[string]any{
			"error": runErr.Error(),
			"logs":  buf.Tail(failureTailLines),
		}))
	} else {
		s.hub.SendToIdentity(identity, transport.NewEvent("run_finished", p.Name(), map[string]any{
			"interrupted": res.Interrupted,
			"transferred": res.Transferred,
			"processed":   res.Processed,
			"logs":        buf.Drain(),
		}))
	}
	s.broadcastPolicies(sess)
}

// buildSink assembles the delivery pipeline for one run: zip stream to
// the originating connection, mirror to object storage, or both. The
// returned finish func closes the archive and sends the end-of-stream
// marker; it is safe to call when no pipeline was built.
func (s *Server) buildSink(ctx context.Context, cfg policy.Config, origin *transport.Client, runLogger *slog.Logger) (policy.EntrySink, func()) {
	var up *mirror.Uploader
	if cfg.UploadToS3 {
		up = mirror.New(s.cfg.Mirror, s.logger)
		if up == nil {
			runLogger.Warn("object storage mirror requested but not configured")
		}
	}
	streamToBrowser := cfg.DownloadViaBrowser && origin != nil
	if up == nil && !streamToBrowser {
		return nil, func() {}
	}

	streaming := streamToBrowser
	chunks := archive.NewChunkWriter(0, func(b []byte) error {
		if !streaming {
			return nil
		}
		if err := origin.SendChunk(ctx, b); err != nil {
			// The receiving connection is gone; keep the run going and
			// stop shipping frames.
			runLogger.Warn("archive stream receiver lost", "error", err)
			streaming = false
		}
		return nil
	})

	var out io.Writer = chunks
	if !streamToBrowser {
		out = io.Discard
	}
	streamer := archive.NewStreamer(out, archive.Options{
		Mirror:      up,
		RemoveLocal: cfg.RemoveLocalAfterDelivery() && !cfg.DryRun,
		Logger:      s.logger,
	})

	finish := func() {
		if err := streamer.Close(); err != nil {
			s.logger.Warn("close archive stream", "error", err)
		}
		if streamToBrowser {
			if err := chunks.Flush(); err == nil && streaming {
				if err := origin.EndStream(ctx); err != nil {
					s.logger.Warn("send end-of-stream marker", "error", err)
				}
			}
		}
	}
	return streamer.Add, finish
}

// pollProgress ships progress and captured log lines once per second,
// but only when something changed.
func (s *Server) pollProgress(identity string, p *policy.Policy, buf *logging.Buffer, stop <-chan struct{}) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()
	last := -1
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			pct := p.Progress()
			lines := buf.Drain()
			if pct == last && len(lines) == 0 {
				continue
			}
			last = pct
			s.hub.SendToIdentity(identity, transport.NewEvent("progress", p.Name(), map[string]any{
				"progress": pct,
				"logs":     lines,
			}))
		}
	}
}
