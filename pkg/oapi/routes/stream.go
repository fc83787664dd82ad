package routes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/omniforge/orch/pkg/jobs"
)

func registerJobStream(api huma.API, svc *jobs.Service, streamer *jobs.Streamer, logger *slog.Logger) {
	huma.Register(api, huma.Operation{
		OperationID: "stream-job-logs",
		Method:      http.MethodGet,
		Path:        "/v1/jobs/{jobId}/logs/stream",
		Summary:     "Stream job logs",
		Description: "Server-sent events. Each log line is sent as `data: {json}`; quiet polls send a `: keep-alive` comment. " +
			"The stream closes with `event: end` carrying either the terminal `status` or a `reason` (`job_not_found`, `timeout`). " +
			"EventSource clients may pass the token as `access_token` query parameter.",
		Tags:     []string{TagJobs.String()},
		Security: BearerAuth,
		Responses: map[string]*huma.Response{
			"200": {
				Description: "Event stream",
				Content: map[string]*huma.MediaType{
					"text/event-stream": {Schema: &huma.Schema{Type: huma.TypeString}},
				},
			},
		},
	}, func(ctx context.Context, input *JobPathInput) (*huma.StreamResponse, error) {
		if _, err := requireRoles(ctx, anyRole); err != nil {
			return nil, err
		}
		// 404 must be decided before the 200 header goes out.
		if _, err := svc.Get(ctx, input.JobID); err != nil {
			return nil, toHTTPError(logger, err)
		}

		return &huma.StreamResponse{
			Body: func(hctx huma.Context) {
				hctx.SetHeader("Content-Type", "text/event-stream")
				hctx.SetHeader("Cache-Control", "no-cache")
				hctx.SetHeader("Connection", "keep-alive")
				hctx.SetHeader("X-Accel-Buffering", "no")
				hctx.SetStatus(http.StatusOK)

				w := hctx.BodyWriter()
				flush := func() {}
				if f, ok := w.(http.Flusher); ok {
					flush = f.Flush
				}
				flush()

				err := streamer.Stream(hctx.Context(), input.JobID, func(ev jobs.Event) error {
					if err := writeEvent(w, ev); err != nil {
						return err
					}
					flush()
					return nil
				})
				if err != nil && hctx.Context().Err() == nil {
					logger.Warn("job log stream aborted", "job_id", input.JobID, "error", err)
				}
			},
		}, nil
	})
}

// writeEvent renders one SSE frame.
func writeEvent(w io.Writer, ev jobs.Event) error {
	switch ev.Kind {
	case jobs.EventLine:
		data, err := json.Marshal(logToResponse(ev.Line))
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "data: %s\n\n", data)
		return err
	case jobs.EventKeepAlive:
		_, err := io.WriteString(w, ": keep-alive\n\n")
		return err
	case jobs.EventEnd:
		payload := map[string]string{"reason": ev.Reason}
		if ev.Status != "" {
			payload = map[string]string{"status": string(ev.Status)}
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "event: end\ndata: %s\n\n", data)
		return err
	}
	return fmt.Errorf("unknown event kind %q", ev.Kind)
}
