package devkit

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// DoerScript is one scripted HTTP exchange.
type DoerScript struct {
	StatusCode int
	Headers    map[string]string
	Body       string
	Err        error
}

// FakeDoer replays scripts in order and repeats the last one once they run
// out. It satisfies transport.HTTPDoer.
type FakeDoer struct {
	mu       sync.Mutex
	scripts  []DoerScript
	requests []*http.Request
	bodies   []string
}

func NewFakeDoer(scripts ...DoerScript) *FakeDoer {
	return &FakeDoer{scripts: append([]DoerScript(nil), scripts...)}
}

func (d *FakeDoer) Do(req *http.Request) (*http.Response, error) {
	if d == nil {
		return nil, fmt.Errorf("devkit: fake doer is nil")
	}
	var body string
	if req.Body != nil {
		raw, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		body = string(raw)
	}

	d.mu.Lock()
	d.requests = append(d.requests, req.Clone(req.Context()))
	d.bodies = append(d.bodies, body)
	index := len(d.requests) - 1
	script := DoerScript{StatusCode: http.StatusOK, Body: "{}"}
	if index < len(d.scripts) {
		script = d.scripts[index]
	} else if len(d.scripts) > 0 {
		script = d.scripts[len(d.scripts)-1]
	}
	d.mu.Unlock()

	if script.Err != nil {
		return nil, script.Err
	}
	status := script.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	header := http.Header{}
	for key, value := range script.Headers {
		header.Set(key, value)
	}
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(bytes.NewBufferString(script.Body)),
		Request:    req,
	}, nil
}

// Requests returns the captured requests.
func (d *FakeDoer) Requests() []*http.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*http.Request(nil), d.requests...)
}

// Bodies returns the captured request bodies, aligned with Requests.
func (d *FakeDoer) Bodies() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.bodies...)
}
