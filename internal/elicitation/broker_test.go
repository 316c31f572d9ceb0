package elicitation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/antoniostano/taskhub/internal/protocol"
	"github.com/antoniostano/taskhub/internal/tasks"
	"github.com/antoniostano/taskhub/internal/transport"
)

type fakeTransport struct {
	id      string
	sent    chan protocol.Message
	done    chan struct{}
	sendErr error
	once    sync.Once
}

func newFakeTransport(id string) *fakeTransport {
	return &fakeTransport{id: id, sent: make(chan protocol.Message, 8), done: make(chan struct{})}
}

func (f *fakeTransport) SessionID() string     { return f.id }
func (f *fakeTransport) Kind() string          { return "fake" }
func (f *fakeTransport) Done() <-chan struct{} { return f.done }
func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeTransport) Send(_ context.Context, msg protocol.Message) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent <- msg
	return nil
}

type lookup map[string]transport.Transport

func (l lookup) Transport(sessionID string) (transport.Transport, bool) {
	tr, ok := l[sessionID]
	return tr, ok
}

func nextSent(t *testing.T, f *fakeTransport) protocol.Message {
	t.Helper()
	select {
	case msg := <-f.sent:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("no elicitation request sent")
		return protocol.Message{}
	}
}

type outcome struct {
	res Result
	err error
}

func requestAsync(b *Broker, sessionID string) <-chan outcome {
	out := make(chan outcome, 1)
	go func() {
		res, err := b.Request(context.Background(), sessionID, ClarificationRequest("python", []protocol.ElicitOption{{Const: "snake", Title: "Python snake species"}}))
		out <- outcome{res, err}
	}()
	return out
}

func TestBrokerAcceptRoundTrip(t *testing.T) {
	tr := newFakeTransport("s1")
	b := NewBroker(lookup{"s1": tr}, time.Second, nil, nil)
	done := requestAsync(b, "s1")

	req := nextSent(t, tr)
	if req.Method != protocol.MethodElicitationCreate {
		t.Fatalf("Method = %q, want %q", req.Method, protocol.MethodElicitationCreate)
	}
	var params protocol.ElicitParams
	if err := req.DecodeParams(&params); err != nil {
		t.Fatalf("DecodeParams() error = %v", err)
	}
	if got := params.RequestedSchema.Properties[InterpretationField].OneOf; len(got) != 1 || got[0].Const != "snake" {
		t.Fatalf("oneOf = %+v", got)
	}

	reply, err := protocol.NewResult(req.ID, protocol.ElicitResult{Action: "accept", Content: map[string]any{"interpretation": "snake"}})
	if err != nil {
		t.Fatalf("NewResult() error = %v", err)
	}
	if !b.Deliver("s1", reply) {
		t.Fatalf("Deliver() = false, want true")
	}
	got := <-done
	if got.err != nil {
		t.Fatalf("Request() error = %v", got.err)
	}
	if Clarification(got.res) != "snake" {
		t.Fatalf("Clarification() = %q, want snake", Clarification(got.res))
	}
	if b.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", b.Pending())
	}
}

func TestBrokerIgnoresResponseFromOtherSession(t *testing.T) {
	tr := newFakeTransport("s1")
	b := NewBroker(lookup{"s1": tr}, 50*time.Millisecond, nil, nil)
	done := requestAsync(b, "s1")
	req := nextSent(t, tr)

	reply, _ := protocol.NewResult(req.ID, protocol.ElicitResult{Action: "accept"})
	if b.Deliver("s2", reply) {
		t.Fatalf("Deliver() from foreign session = true, want false")
	}
	got := <-done
	if got.err != nil || got.res.Action != ActionCancel || !got.res.TimedOut {
		t.Fatalf("Request() = %+v, %v; want timed-out cancel", got.res, got.err)
	}
}

func TestBrokerTimeoutResolvesAsCancel(t *testing.T) {
	tr := newFakeTransport("s1")
	b := NewBroker(lookup{"s1": tr}, 20*time.Millisecond, nil, nil)
	got := <-requestAsync(b, "s1")
	if got.err != nil {
		t.Fatalf("Request() error = %v", got.err)
	}
	if got.res.Action != ActionCancel {
		t.Fatalf("Action = %q, want cancel", got.res.Action)
	}
	if Clarification(got.res) != cancelledDefault {
		t.Fatalf("Clarification() = %q", Clarification(got.res))
	}
}

func TestBrokerUpstreamFailures(t *testing.T) {
	t.Run("no transport", func(t *testing.T) {
		b := NewBroker(lookup{}, time.Second, nil, nil)
		_, err := b.Request(context.Background(), "missing", Request{Message: "?"})
		if !errors.Is(err, ErrNoTransport) || !errors.Is(err, tasks.ErrUpstreamFailure) {
			t.Fatalf("error = %v, want ErrNoTransport", err)
		}
	})

	t.Run("send error", func(t *testing.T) {
		tr := newFakeTransport("s1")
		tr.sendErr = errors.New("broken pipe")
		b := NewBroker(lookup{"s1": tr}, time.Second, nil, nil)
		_, err := b.Request(context.Background(), "s1", Request{Message: "?"})
		if !errors.Is(err, tasks.ErrUpstreamFailure) {
			t.Fatalf("error = %v, want ErrUpstreamFailure", err)
		}
	})

	t.Run("rpc error", func(t *testing.T) {
		tr := newFakeTransport("s1")
		b := NewBroker(lookup{"s1": tr}, time.Second, nil, nil)
		done := requestAsync(b, "s1")
		req := nextSent(t, tr)
		b.Deliver("s1", protocol.NewError(req.ID, protocol.CodeInternalError, "client exploded", nil))
		got := <-done
		if !errors.Is(got.err, tasks.ErrUpstreamFailure) {
			t.Fatalf("error = %v, want ErrUpstreamFailure", got.err)
		}
	})

	t.Run("session cancelled", func(t *testing.T) {
		tr := newFakeTransport("s1")
		b := NewBroker(lookup{"s1": tr}, time.Second, nil, nil)
		done := requestAsync(b, "s1")
		nextSent(t, tr)
		if n := b.CancelSession("s1"); n != 1 {
			t.Fatalf("CancelSession() = %d, want 1", n)
		}
		got := <-done
		if !errors.Is(got.err, ErrSessionClosed) {
			t.Fatalf("error = %v, want ErrSessionClosed", got.err)
		}
	})

	t.Run("transport closed", func(t *testing.T) {
		tr := newFakeTransport("s1")
		b := NewBroker(lookup{"s1": tr}, time.Second, nil, nil)
		done := requestAsync(b, "s1")
		nextSent(t, tr)
		_ = tr.Close()
		got := <-done
		if !errors.Is(got.err, ErrSessionClosed) {
			t.Fatalf("error = %v, want ErrSessionClosed", got.err)
		}
	})
}

func TestClarificationMapping(t *testing.T) {
	cases := []struct {
		name string
		res  Result
		want string
	}{
		{"accept with value", Result{Action: ActionAccept, Content: map[string]any{"interpretation": "comedy"}}, "comedy"},
		{"accept without selection", Result{Action: ActionAccept, Content: map[string]any{}}, acceptedWithoutSelection},
		{"accept without content", Result{Action: ActionAccept}, cancelledDefault},
		{"decline", Result{Action: ActionDecline}, declinedDefault},
		{"cancel", Result{Action: ActionCancel}, cancelledDefault},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Clarification(tc.res); got != tc.want {
				t.Fatalf("Clarification() = %q, want %q", got, tc.want)
			}
		})
	}
}
