package serviceapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"adwboard/internal/model"
)

// RemoteError is a non-2xx answer from the API.
type RemoteError struct {
	Status  int
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if strings.TrimSpace(e.Code) != "" {
		return fmt.Sprintf("%s (http %d): %s", e.Code, e.Status, strings.TrimSpace(e.Message))
	}
	return fmt.Sprintf("http %d: %s", e.Status, strings.TrimSpace(e.Message))
}

type RemoteCore struct {
	baseURL string
	client  *http.Client
	dialer  *websocket.Dialer
}

func NewRemoteCore(baseURL string, timeout time.Duration) *RemoteCore {
	baseURL = strings.TrimSpace(baseURL)
	baseURL = strings.TrimRight(baseURL, "/")
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &RemoteCore{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (r *RemoteCore) Shutdown() {}

// DeleteRun returns the outcome for partial, rejected and faulted deletions
// too; only transport failures come back as errors.
func (r *RemoteCore) DeleteRun(ctx context.Context, runID string) (model.DeletionOutcome, error) {
	status, payload, err := r.do(ctx, http.MethodDelete, "/api/v1/runs/"+url.PathEscape(strings.TrimSpace(runID)), nil, nil)
	if err != nil {
		return model.DeletionOutcome{}, err
	}
	var response struct {
		Outcome *model.DeletionOutcome `json:"outcome"`
	}
	if err := json.Unmarshal(payload, &response); err != nil || response.Outcome == nil {
		return model.DeletionOutcome{}, decodeRemoteError(status, payload)
	}
	return *response.Outcome, nil
}

func (r *RemoteCore) ListRuns(ctx context.Context) ([]model.RunRecord, error) {
	var response struct {
		Runs []model.RunRecord `json:"runs"`
	}
	if err := r.doJSON(ctx, http.MethodGet, "/api/v1/runs", nil, nil, &response); err != nil {
		return nil, err
	}
	return response.Runs, nil
}

func (r *RemoteCore) GetRun(ctx context.Context, runID string) (model.RunRecord, error) {
	var response struct {
		Run model.RunRecord `json:"run"`
	}
	if err := r.doJSON(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(strings.TrimSpace(runID)), nil, nil, &response); err != nil {
		return model.RunRecord{}, err
	}
	return response.Run, nil
}

func (r *RemoteCore) CreateRun(ctx context.Context, options CreateRunOptions) (model.RunRecord, error) {
	payload := map[string]any{
		"issue_number": strings.TrimSpace(options.IssueNumber),
		"stages":       options.Stages,
		"run_id":       strings.TrimSpace(options.RunID),
	}
	var response struct {
		Run model.RunRecord `json:"run"`
	}
	if err := r.doJSON(ctx, http.MethodPost, "/api/v1/runs", nil, payload, &response); err != nil {
		return model.RunRecord{}, err
	}
	return response.Run, nil
}

func (r *RemoteCore) TriggerRun(ctx context.Context, options TriggerOptions) (Invocation, error) {
	payload := map[string]any{
		"issue_number": strings.TrimSpace(options.IssueNumber),
		"stages":       options.Stages,
		"dry_run":      options.DryRun,
	}
	var response struct {
		Invocation Invocation `json:"invocation"`
	}
	path := "/api/v1/runs/" + url.PathEscape(strings.TrimSpace(options.RunID)) + "/trigger"
	if err := r.doJSON(ctx, http.MethodPost, path, nil, payload, &response); err != nil {
		return Invocation{}, err
	}
	return response.Invocation, nil
}

func (r *RemoteCore) ResolveWorkflow(ctx context.Context, stages []string) (Resolution, error) {
	var response struct {
		Resolution Resolution `json:"resolution"`
	}
	if err := r.doJSON(ctx, http.MethodPost, "/api/v1/workflows/resolve", nil, map[string]any{"stages": stages}, &response); err != nil {
		return Resolution{}, err
	}
	return response.Resolution, nil
}

func (r *RemoteCore) InFlightDeletions(ctx context.Context) ([]string, error) {
	var response struct {
		Status   string   `json:"status"`
		InFlight []string `json:"in_flight"`
	}
	if err := r.doJSON(ctx, http.MethodGet, "/api/v1/health", nil, nil, &response); err != nil {
		return nil, err
	}
	return response.InFlight, nil
}

// SubscribeEvents opens the websocket stream. Heartbeat frames are dropped;
// the channel closes when the connection ends or stop is called.
func (r *RemoteCore) SubscribeEvents(ctx context.Context, runID string) (<-chan model.LifecycleEvent, func(), error) {
	streamURL, err := url.Parse(r.baseURL + "/api/v1/events/stream")
	if err != nil {
		return nil, nil, err
	}
	switch streamURL.Scheme {
	case "https":
		streamURL.Scheme = "wss"
	default:
		streamURL.Scheme = "ws"
	}
	if runID = strings.TrimSpace(runID); runID != "" {
		values := streamURL.Query()
		values.Set("run_id", runID)
		streamURL.RawQuery = values.Encode()
	}
	conn, response, err := r.dialer.DialContext(ctx, streamURL.String(), nil)
	if err != nil {
		if response != nil {
			payload, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
			_ = response.Body.Close()
			return nil, nil, decodeRemoteError(response.StatusCode, payload)
		}
		return nil, nil, err
	}

	events := make(chan model.LifecycleEvent, 16)
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		})
	}
	go func() {
		defer close(events)
		for {
			var frame model.LifecycleEvent
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame.Type == "" || frame.Type == heartbeatFrameType {
				continue
			}
			select {
			case events <- frame:
			case <-done:
				return
			}
		}
	}()
	return events, stop, nil
}

const heartbeatFrameType model.LifecycleEventType = "heartbeat"

func (r *RemoteCore) doJSON(ctx context.Context, method string, path string, query map[string]string, body any, out any) error {
	status, payload, err := r.do(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return decodeRemoteError(status, payload)
	}
	if out == nil || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	return json.Unmarshal(payload, out)
}

func (r *RemoteCore) do(ctx context.Context, method string, path string, query map[string]string, body any) (int, []byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	parsed, err := url.Parse(r.baseURL + path)
	if err != nil {
		return 0, nil, err
	}
	if len(query) > 0 {
		values := parsed.Query()
		for key, value := range query {
			values.Set(key, value)
		}
		parsed.RawQuery = values.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, parsed.String(), reader)
	if err != nil {
		return 0, nil, err
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := r.client.Do(request)
	if err != nil {
		return 0, nil, err
	}
	defer response.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(response.Body, 4<<20))
	if err != nil {
		return response.StatusCode, nil, err
	}
	return response.StatusCode, payload, nil
}

func decodeRemoteError(status int, payload []byte) error {
	var wrapper struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &wrapper); err == nil && strings.TrimSpace(wrapper.Error.Code) != "" {
		return &RemoteError{Status: status, Code: wrapper.Error.Code, Message: wrapper.Error.Message}
	}
	return &RemoteError{Status: status, Message: string(payload)}
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var remoteErr *RemoteError
	return errors.As(err, &remoteErr) && remoteErr.Status == http.StatusNotFound
}
