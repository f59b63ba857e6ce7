package device

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrUnknownCodec   = errors.New("unknown device codec")
	ErrMalformedReply = errors.New("malformed device reply")
)

// ReplyStatus is the outcome class a device reports.
type ReplyStatus string

const (
	ReplyOK       ReplyStatus = "ok"
	ReplyDeclined ReplyStatus = "declined"
	ReplyBusy     ReplyStatus = "busy"
	ReplyError    ReplyStatus = "error"
)

// Request is one operation as a codec sees it.
type Request struct {
	Op   string
	Ref  string
	Body any
}

// Reply is a decoded device answer. Data stays raw until the service knows
// which result shape to expect.
type Reply struct {
	Status  ReplyStatus       `json:"status"`
	Code    string            `json:"code,omitempty"`
	Message string            `json:"message,omitempty"`
	Data    json.RawMessage   `json:"data,omitempty"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// Codec turns requests into device wire payloads and replies back. Vendor
// drivers plug in by registering their own codec under a name.
type Codec interface {
	Name() string
	EncodeRequest(req Request) ([]byte, error)
	DecodeReply(raw []byte) (*Reply, error)
}

var (
	codecsMu sync.RWMutex
	codecs   = map[string]Codec{}
)

// RegisterCodec installs c under its name, replacing any codec already there.
func RegisterCodec(c Codec) {
	codecsMu.Lock()
	defer codecsMu.Unlock()
	codecs[c.Name()] = c
}

func LookupCodec(name string) (Codec, error) {
	if name == "" {
		name = ECRJSON
	}
	codecsMu.RLock()
	c, ok := codecs[name]
	codecsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (registered: %s)", ErrUnknownCodec, name, strings.Join(codecNames(), ", "))
	}
	return c, nil
}

func codecNames() []string {
	codecsMu.RLock()
	defer codecsMu.RUnlock()
	out := make([]string, 0, len(codecs))
	for n := range codecs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ECRJSON is the built-in codec: JSON bodies inside link frames.
const ECRJSON = "ecr-json"

func init() { RegisterCodec(ecrJSON{}) }

type ecrJSON struct{}

type ecrRequest struct {
	Op   string `json:"op"`
	Ref  string `json:"ref"`
	Data any    `json:"data,omitempty"`
}

func (ecrJSON) Name() string { return ECRJSON }

func (ecrJSON) EncodeRequest(req Request) ([]byte, error) {
	return json.Marshal(ecrRequest{Op: req.Op, Ref: req.Ref, Data: req.Body})
}

// DecodeReply never echoes raw bytes in its errors.
func (ecrJSON) DecodeReply(raw []byte) (*Reply, error) {
	var r Reply
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("%w: %d bytes not decodable", ErrMalformedReply, len(raw))
	}
	switch r.Status {
	case ReplyOK, ReplyDeclined, ReplyBusy, ReplyError:
	default:
		return nil, fmt.Errorf("%w: unknown status", ErrMalformedReply)
	}
	return &r, nil
}
