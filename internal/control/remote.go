package control

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"
)

// RemoteClient is the broker connection the remote control plane uses.
type RemoteClient interface {
	Subscribe(topic string, qos byte, fn func(payload []byte)) error
	Unsubscribe(topic string) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// Request is one remote control message. Line is a control line as typed on
// stdin; ID is echoed in the response.
type Request struct {
	ID   string `json:"id,omitempty"`
	Line string `json:"line"`
}

type Response struct {
	ID        string `json:"id,omitempty"`
	Command   string `json:"command,omitempty"`
	Status    string `json:"status"` // ok, error or dropped
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Remote runs commands received on <topic>/control and answers on
// <topic>/control/response. Commands run one at a time in arrival order;
// when the queue is full new ones are dropped and answered as such.
type Remote struct {
	exec   *Executor
	client RemoteClient
	topic  string
	qos    byte
	queue  chan Request
	log    *logrus.Entry
}

func NewRemote(exec *Executor, client RemoteClient, topic string, qos byte, log *logrus.Entry) *Remote {
	if log == nil {
		log = logrus.WithField("component", "remote")
	}
	return &Remote{
		exec:   exec,
		client: client,
		topic:  topic,
		qos:    qos,
		queue:  make(chan Request, 16),
		log:    log,
	}
}

func (r *Remote) ControlTopic() string  { return r.topic + "/control" }
func (r *Remote) ResponseTopic() string { return r.topic + "/control/response" }

// Start processes commands until ctx is done. Processing starts even when
// the subscribe fails, since the client may subscribe again on reconnect.
func (r *Remote) Start(ctx context.Context) error {
	go r.process(ctx)
	if err := r.client.Subscribe(r.ControlTopic(), r.qos, r.onMessage); err != nil {
		return err
	}
	r.log.WithField("topic", r.ControlTopic()).Info("remote control subscribed")
	return nil
}

func (r *Remote) Stop() error {
	return r.client.Unsubscribe(r.ControlTopic())
}

func (r *Remote) onMessage(payload []byte) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		r.respond(Response{Status: "error", Error: "invalid JSON"})
		return
	}
	select {
	case r.queue <- req:
	default:
		r.log.WithField("line", req.Line).Warn("control queue full, dropping command")
		r.respond(Response{ID: req.ID, Status: "dropped", Error: "queue full"})
	}
}

func (r *Remote) process(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-r.queue:
			r.handle(req)
		}
	}
}

func (r *Remote) handle(req Request) {
	resp := Response{ID: req.ID, Status: "ok"}
	cmd, err := ParseLine(req.Line)
	if err == nil {
		resp.Command = string(cmd.Type)
		resp.Output, err = r.exec.Execute(cmd)
	}
	if err != nil {
		resp.Status = "error"
		resp.Error = err.Error()
	}
	r.respond(resp)
}

func (r *Remote) respond(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	b, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := r.client.Publish(r.ResponseTopic(), r.qos, false, b); err != nil {
		r.log.WithError(err).Warn("failed to publish control response")
	}
}
