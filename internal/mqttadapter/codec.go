package mqttadapter

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"minifarm-monitor/internal/onem2m"
)

// Operation codes of the oneM2M request primitive.
const (
	OpCreate = 1
	OpNotify = 5
)

// Response status codes the adapter interprets.
const (
	RSCOK            = 2000
	RSCCreated       = 2001
	RSCAlreadyExists = 4105
)

// SubscriptionPrefix marks correlation ids of subscription requests.
const SubscriptionPrefix = "sub-"

var errEmptyPayload = errors.New("mqttadapter: empty payload")

// Request is an outgoing request primitive.
type Request struct {
	Op  int    `json:"op"`
	To  string `json:"to"`
	Fr  string `json:"fr"`
	Rqi string `json:"rqi"`
	Ty  int    `json:"ty,omitempty"`
	Pc  any    `json:"pc,omitempty"`
	Rvi string `json:"rvi"`
}

// Ack is the response primitive sent back for a notification.
type Ack struct {
	Rsc int    `json:"rsc"`
	To  string `json:"to"`
	Fr  string `json:"fr"`
	Rqi string `json:"rqi"`
	Rvi string `json:"rvi"`
}

// NotificationReceived is published when the CSE notifies a content change.
type NotificationReceived struct {
	RequestID string
	From      string
	Target    string
	Ref       onem2m.ResourceRef
	// Content is set when the notified instance carried a con value.
	Content    string
	HasContent bool
	Labels     []string
	Timestamp  string
}

// ResponseReceived is published for every response primitive.
type ResponseReceived struct {
	RequestID  string
	ResultCode int
	Raw        []byte
}

// Success reports whether the result code is in the 2xxx class.
func (r ResponseReceived) Success() bool {
	return r.ResultCode >= 2000 && r.ResultCode < 3000
}

// IsSubscription reports whether the response belongs to a subscription request.
func (r ResponseReceived) IsSubscription() bool {
	return strings.HasPrefix(r.RequestID, SubscriptionPrefix)
}

// flexInt accepts numbers and numeric strings.
type flexInt struct {
	value int
	set   bool
}

func (f *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	text := string(data)
	if data[0] == '"' {
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
	}
	n, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		return nil
	}
	f.value, f.set = n, true
	return nil
}

type inbound struct {
	Op  flexInt         `json:"op"`
	Rsc flexInt         `json:"rsc"`
	To  string          `json:"to"`
	Fr  string          `json:"fr"`
	Rqi string          `json:"rqi"`
	Pc  json.RawMessage `json:"pc"`
}

type cinPayload struct {
	Content json.RawMessage `json:"con"`
	Labels  []string        `json:"lbl"`
}

type notifyContent struct {
	CIN *cinPayload `json:"m2m:cin"`
	SGN *struct {
		Sur string `json:"sur"`
		Nev *struct {
			Rep *struct {
				CIN *cinPayload `json:"m2m:cin"`
			} `json:"rep"`
		} `json:"nev"`
	} `json:"m2m:sgn"`
}

// Decode classifies an inbound payload. It returns either a
// *NotificationReceived or a *ResponseReceived; other primitives yield
// (nil, nil, nil).
func Decode(payload []byte) (*NotificationReceived, *ResponseReceived, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, nil, errEmptyPayload
	}
	var msg inbound
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, nil, err
	}
	if msg.Op.set && msg.Op.value == OpNotify {
		return decodeNotification(msg), nil, nil
	}
	if msg.Rsc.set {
		return nil, &ResponseReceived{RequestID: msg.Rqi, ResultCode: msg.Rsc.value, Raw: append([]byte(nil), payload...)}, nil
	}
	return nil, nil, nil
}

func decodeNotification(msg inbound) *NotificationReceived {
	evt := &NotificationReceived{RequestID: msg.Rqi, From: msg.Fr, Target: msg.To}
	evt.Ref, _ = onem2m.ParseResourcePath(msg.To)

	var pc notifyContent
	if len(msg.Pc) > 0 && json.Unmarshal(msg.Pc, &pc) == nil {
		cin := pc.CIN
		if cin == nil && pc.SGN != nil && pc.SGN.Nev != nil && pc.SGN.Nev.Rep != nil {
			cin = pc.SGN.Nev.Rep.CIN
		}
		if evt.Ref.Segment == "" && pc.SGN != nil && pc.SGN.Sur != "" {
			if ref, ok := subscribedResource(pc.SGN.Sur); ok {
				evt.Ref = ref
			}
		}
		if cin != nil {
			if content, err := onem2m.ContentString(cin.Content); err == nil {
				evt.Content, evt.HasContent = content, true
			}
			if len(cin.Labels) > 0 {
				if lp, err := onem2m.ParseLabelPayload(cin.Labels[0]); err == nil {
					evt.Labels = lp.Labels
					evt.Timestamp = lp.Timestamp
				}
			}
		}
	}
	return evt
}

// subscribedResource resolves the container owning a subscription path
// (".../<segment>/<remote>/<subscription>").
func subscribedResource(sur string) (onem2m.ResourceRef, bool) {
	if ref, ok := onem2m.ParseResourcePath(sur); ok && ref.Segment != "" {
		return ref, true
	}
	sur = strings.TrimRight(sur, "/")
	idx := strings.LastIndex(sur, "/")
	if idx <= 0 {
		return onem2m.ResourceRef{}, false
	}
	ref, ok := onem2m.ParseResourcePath(sur[:idx])
	if !ok || ref.Segment == "" {
		return onem2m.ResourceRef{}, false
	}
	return ref, true
}

// NewCreateContentInstance builds a create request for a content instance.
func NewCreateContentInstance(to, from, rqi, rvi, content string) Request {
	return Request{
		Op:  OpCreate,
		To:  to,
		Fr:  from,
		Rqi: rqi,
		Ty:  onem2m.TypeContentInstance,
		Pc:  map[string]any{"m2m:cin": map[string]any{"con": content}},
		Rvi: rvi,
	}
}

// NewCreateSubscription builds a subscription request notifying uri.
func NewCreateSubscription(to, from, rqi, rvi, uri string) Request {
	return Request{
		Op:  OpCreate,
		To:  to,
		Fr:  from,
		Rqi: rqi,
		Ty:  onem2m.TypeSubscription,
		Pc:  map[string]any{"m2m:sub": map[string]any{"nu": []string{uri}, "nct": 2}},
		Rvi: rvi,
	}
}
