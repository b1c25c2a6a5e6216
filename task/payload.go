package task

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Payload describes the request that started a task.
type Payload struct {
	TargetURI     string   `json:"TargetUri"`
	HTTPOperation string   `json:"HttpOperation"`
	HTTPHeaders   []string `json:"HttpHeaders"`
	JSONBody      string   `json:"JsonBody"`
}

// headers that are safe to echo back in a task payload
var payloadHeaders = []string{
	"Accept",
	"Accept-Encoding",
	"User-Agent",
	"Connection",
	"Upgrade",
}

// NewPayload records r. Headers and body are only kept when body is a JSON
// document; firmware images are never copied into a task.
func NewPayload(r *http.Request, body []byte) *Payload {
	p := &Payload{
		TargetURI:     r.URL.EscapedPath(),
		HTTPOperation: r.Method,
		HTTPHeaders:   []string{},
	}

	if len(body) == 0 || !json.Valid(body) {
		return p
	}

	p.JSONBody = string(body)

	for _, name := range payloadHeaders {
		for _, value := range r.Header.Values(name) {
			p.HTTPHeaders = append(p.HTTPHeaders, name+": "+value)
		}
	}

	if r.Host != "" {
		p.HTTPHeaders = append(p.HTTPHeaders, "Host: "+r.Host)
	}

	if r.ContentLength > 0 {
		p.HTTPHeaders = append(p.HTTPHeaders, "Content-Length: "+strconv.FormatInt(r.ContentLength, 10))
	}

	return p
}
