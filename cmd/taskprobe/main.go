package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/taskhub/internal/observability"
	"github.com/antoniostano/taskhub/internal/protocol"
	"github.com/antoniostano/taskhub/internal/reliability"
	"github.com/antoniostano/taskhub/internal/tasks"
)

type options struct {
	baseURL   string
	userID    string
	topic     string
	ambiguous bool
	answer    string
	resource  string
	timeout   time.Duration
	verbose   bool
}

var connectRetry = reliability.Policy{Attempts: 4, Base: 250 * time.Millisecond, Cap: 2 * time.Second}

// statusError is a non-2xx answer from the REST API.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.code, e.body)
}

// retryable reports whether a failed REST call may succeed on a later
// attempt: transport errors and 429/5xx answers.
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return reliability.IsRetryableHTTPStatus(se.code)
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

type createSessionRequest struct {
	UserID       string `json:"user_id,omitzero"`
	Capabilities struct {
		Elicitation bool `json:"elicitation"`
	} `json:"capabilities"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "taskprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	fs := flag.NewFlagSet("taskprobe", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "taskhub base URL")
	fs.StringVar(&cfg.userID, "user-id", "taskprobe", "user_id used for the probe session")
	fs.StringVar(&cfg.topic, "topic", "python", "research topic")
	fs.BoolVar(&cfg.ambiguous, "ambiguous", true, "mark the topic ambiguous so the task pauses for clarification")
	fs.StringVar(&cfg.answer, "answer", "snake", "interpretation sent when elicited; empty declines")
	fs.StringVar(&cfg.resource, "resource", "test://static/resource/1", "resource URI to subscribe to; empty skips")
	fs.DurationVar(&cfg.timeout, "timeout", 2*time.Minute, "overall probe timeout")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	cfg.topic = strings.TrimSpace(cfg.topic)
	if cfg.topic == "" {
		return options{}, fmt.Errorf("topic is required")
	}
	if cfg.timeout < time.Second {
		cfg.timeout = time.Second
	}
	cfg.answer = strings.TrimSpace(cfg.answer)
	cfg.resource = strings.TrimSpace(cfg.resource)
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	httpClient := &http.Client{Timeout: 30 * time.Second}
	var sessionID string
	err := connectRetry.Do(ctx, func(ctx context.Context) (bool, error) {
		id, err := createSession(ctx, httpClient, cfg)
		if err != nil {
			return retryable(err), err
		}
		sessionID = id
		return false, nil
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), httpClient, cfg.baseURL, sessionID)
	}()
	cfg.logf("session=%s topic=%q ambiguous=%t", sessionID, cfg.topic, cfg.ambiguous)

	wsURL, err := wsURLForSession(cfg.baseURL, sessionID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	var conn *websocket.Conn
	err = connectRetry.Do(ctx, func(ctx context.Context) (bool, error) {
		c, res, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			// No handshake response means the server was not reachable.
			return res == nil || reliability.IsRetryableHTTPStatus(res.StatusCode), err
		}
		conn = c
		return false, nil
	})
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	peer := newPeer(conn, cfg)
	go peer.readLoop()

	if cfg.resource != "" {
		if _, err := peer.call(ctx, protocol.MethodResourcesSubscribe, protocol.ResourceParams{URI: cfg.resource}); err != nil {
			return fmt.Errorf("subscribe %s: %w", cfg.resource, err)
		}
		cfg.logf("subscribed to %s", cfg.resource)
	}

	reply, err := peer.call(ctx, protocol.MethodTasksCreate, protocol.TaskCreateParams{Topic: cfg.topic, Ambiguous: cfg.ambiguous})
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	var created protocol.CreateTaskResult
	if err := reply.DecodeResult(&created); err != nil {
		return fmt.Errorf("decode task: %w", err)
	}
	cfg.logf("task=%s status=%s poll_interval=%dms", created.Task.ID, created.Task.Status, created.Task.PollIntervalMS)

	started := time.Now()
	payload, err := pollResult(ctx, peer, created.Task)
	if err != nil {
		return err
	}
	cfg.logf("task %s after %s (elicitations=%d status_notifications=%d resource_updates=%d)",
		payload.Task.Status, time.Since(started).Round(time.Millisecond),
		peer.count(protocol.MethodElicitationCreate),
		peer.count(protocol.NotificationTaskStatus),
		peer.count(protocol.NotificationResourceUpdated),
	)
	fmt.Println(payload.Result.Text())

	snapshot, err := fetchStages(ctx, httpClient, cfg.baseURL)
	if err != nil {
		return fmt.Errorf("fetch stage latencies: %w", err)
	}
	printStages(os.Stdout, snapshot)

	if payload.Task.Status != tasks.TaskStatusCompleted {
		return fmt.Errorf("task ended %s", payload.Task.Status)
	}
	return nil
}

// pollResult asks for the result at the task's poll interval until the task
// is terminal. A resume acknowledgement means the clarification went through.
func pollResult(ctx context.Context, peer *peer, task tasks.Task) (protocol.TaskResultPayload, error) {
	interval := task.PollInterval()
	if interval <= 0 {
		interval = time.Second
	}
	for {
		reply, err := peer.call(ctx, protocol.MethodTasksResult, protocol.TaskParams{TaskID: task.ID})
		if err != nil {
			var rpcErr *protocol.Error
			if !errors.As(err, &rpcErr) || rpcErr.Code != protocol.CodeTaskNotReady {
				return protocol.TaskResultPayload{}, fmt.Errorf("tasks/result: %w", err)
			}
		} else {
			var payload protocol.TaskResultPayload
			if err := reply.DecodeResult(&payload); err != nil {
				return protocol.TaskResultPayload{}, fmt.Errorf("decode result: %w", err)
			}
			if !payload.Resumed {
				return payload, nil
			}
			peer.cfg.logf("%s", payload.Result.Text())
		}

		select {
		case <-ctx.Done():
			return protocol.TaskResultPayload{}, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// peer is the probe's side of the JSON-RPC connection.
type peer struct {
	conn *websocket.Conn
	cfg  options

	writeMu sync.Mutex

	mu      sync.Mutex
	seq     int
	pending map[string]chan protocol.Message
	counts  map[string]int
	closed  chan struct{}
}

func newPeer(conn *websocket.Conn, cfg options) *peer {
	return &peer{
		conn:    conn,
		cfg:     cfg,
		pending: make(map[string]chan protocol.Message),
		counts:  make(map[string]int),
		closed:  make(chan struct{}),
	}
}

func (p *peer) call(ctx context.Context, method string, params any) (protocol.Message, error) {
	p.mu.Lock()
	p.seq++
	id := protocol.StringID(fmt.Sprintf("probe-%d", p.seq))
	ch := make(chan protocol.Message, 1)
	p.pending[string(id)] = ch
	p.mu.Unlock()

	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return protocol.Message{}, err
	}
	if err := p.write(req); err != nil {
		return protocol.Message{}, err
	}
	select {
	case reply := <-ch:
		if reply.Error != nil {
			return reply, reply.Error
		}
		return reply, nil
	case <-p.closed:
		return protocol.Message{}, errors.New("connection closed")
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

func (p *peer) write(msg protocol.Message) error {
	raw, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return p.conn.WriteMessage(websocket.TextMessage, raw)
}

func (p *peer) readLoop() {
	defer close(p.closed)
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Parse(data)
		if err != nil {
			continue
		}
		switch {
		case msg.IsResponse():
			p.mu.Lock()
			ch, ok := p.pending[msg.IDKey()]
			delete(p.pending, msg.IDKey())
			p.mu.Unlock()
			if ok {
				ch <- msg
			}
		case msg.IsRequest() && msg.Method == protocol.MethodElicitationCreate:
			p.bump(msg.Method)
			p.answerElicitation(msg)
		default:
			p.bump(msg.Method)
			if msg.Method == protocol.NotificationTaskStatus {
				var task tasks.Task
				if err := msg.DecodeParams(&task); err == nil {
					p.cfg.logf("status %s: %s", task.Status, task.StatusMessage)
				}
			}
		}
	}
}

func (p *peer) answerElicitation(req protocol.Message) {
	var params protocol.ElicitParams
	if err := req.DecodeParams(&params); err == nil {
		p.cfg.logf("elicited: %s", params.Message)
	}
	result := elicitAnswer(p.cfg.answer)
	reply, err := protocol.NewResult(req.ID, result)
	if err != nil {
		return
	}
	if err := p.write(reply); err != nil {
		fmt.Fprintf(os.Stderr, "taskprobe: answer elicitation: %v\n", err)
	}
}

func elicitAnswer(answer string) protocol.ElicitResult {
	if answer == "" {
		return protocol.ElicitResult{Action: "decline"}
	}
	return protocol.ElicitResult{
		Action:  "accept",
		Content: map[string]any{"interpretation": answer},
	}
}

func (p *peer) bump(method string) {
	p.mu.Lock()
	p.counts[method]++
	p.mu.Unlock()
}

func (p *peer) count(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[method]
}

func (o options) logf(format string, args ...any) {
	if o.verbose {
		fmt.Printf("taskprobe: "+format+"\n", args...)
	}
}

func createSession(ctx context.Context, client *http.Client, cfg options) (string, error) {
	var reqBody createSessionRequest
	reqBody.UserID = cfg.userID
	reqBody.Capabilities.Elicitation = true
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/sessions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", &statusError{code: res.StatusCode, body: strings.TrimSpace(string(body))}
	}

	var out createSessionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return out.SessionID, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/sessions/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func fetchStages(ctx context.Context, client *http.Client, baseURL string) (observability.StageSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/perf/stages", nil)
	if err != nil {
		return observability.StageSnapshot{}, err
	}
	res, err := client.Do(req)
	if err != nil {
		return observability.StageSnapshot{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return observability.StageSnapshot{}, &statusError{code: res.StatusCode}
	}
	var snapshot observability.StageSnapshot
	if err := json.UnmarshalRead(io.LimitReader(res.Body, 1<<20), &snapshot); err != nil {
		return observability.StageSnapshot{}, err
	}
	return snapshot, nil
}

func printStages(w io.Writer, snapshot observability.StageSnapshot) {
	fmt.Fprintf(w, "%-24s %8s %10s %10s %10s\n", "stage", "samples", "p50_ms", "p95_ms", "max_ms")
	for _, s := range snapshot.Stages {
		fmt.Fprintf(w, "%-24s %8d %10.2f %10.2f %10.2f\n", s.Stage, s.Samples, s.P50MS, s.P95MS, s.MaxMS)
	}
	for _, ind := range snapshot.Indicators {
		fmt.Fprintf(w, "%-24s %8d\n", ind.Name, ind.Count)
	}
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/sessions/" + url.PathEscape(sessionID) + "/ws"
	return u.String(), nil
}
