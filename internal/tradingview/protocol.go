// File: internal/tradingview/protocol.go
package tradingview

import (
	"encoding/json"
	"math/rand"
	"strconv"
	"strings"
)

const (
	frameMarker     = "~m~"
	heartbeatMarker = "~h~"

	methodQuoteData = "qsd"
)

// quoteFields is the field set requested for the full-field quote session.
var quoteFields = []string{
	"base-currency-logoid", "ch", "chp", "currency-logoid", "currency_code", "currency_id",
	"base_currency_id", "current_session", "description", "exchange", "format", "fractional",
	"is_tradable", "language", "local_description", "listed_exchange", "logoid", "lp",
	"lp_time", "minmov", "minmove2", "original_name", "pricescale", "pro_name", "short_name",
	"type", "typespecs", "update_mode", "volume", "variable_tick_size", "value_unit_id",
}

type wsMsg struct {
	M string `json:"m"`
	P []any  `json:"p"`
}

// Encode wraps method+params as ~m~<len>~m~{"m":...,"p":[...]}.
func Encode(method string, params ...any) (string, error) {
	if params == nil {
		params = []any{}
	}
	b, err := json.Marshal(wsMsg{M: method, P: params})
	if err != nil {
		return "", err
	}
	return wrap(string(b)), nil
}

func wrap(payload string) string {
	return frameMarker + strconv.Itoa(len(payload)) + frameMarker + payload
}

// Split cuts a buffer of concatenated frames into payloads. A bad length header
// resyncs on the next marker instead of dropping the rest of the buffer.
func Split(data string) []string {
	var out []string
	for len(data) > 0 {
		if !strings.HasPrefix(data, frameMarker) {
			i := strings.Index(data, frameMarker)
			if i < 0 {
				return out
			}
			data = data[i:]
			continue
		}
		rest := data[len(frameMarker):]
		end := strings.Index(rest, frameMarker)
		if end < 0 {
			return out
		}
		n, err := strconv.Atoi(rest[:end])
		body := rest[end+len(frameMarker):]
		if err != nil || n < 0 || n > len(body) {
			// resync: payload runs to the next marker
			next := strings.Index(body, frameMarker)
			if next < 0 {
				next = len(body)
			}
			if err != nil && end == 0 {
				// "~m~~m~" with no length; skip one marker
				data = rest
				continue
			}
			out = append(out, body[:next])
			data = body[next:]
			continue
		}
		out = append(out, body[:n])
		data = body[n:]
	}
	return out
}

// Frame is a decoded inbound payload: QuoteFrame, HeartbeatFrame or UnrecognizedFrame.
type Frame interface {
	isFrame()
}

// QuoteFrame carries a partial quote update; nil fields were absent from the frame.
type QuoteFrame struct {
	Session       string
	Symbol        string
	Status        string
	Price         *float64
	Change        *float64
	ChangePercent *float64
	Volume        *float64
	EventTime     *int64
}

// HeartbeatFrame must be echoed back verbatim; Raw is the full wire frame.
type HeartbeatFrame struct {
	Raw string
}

// UnrecognizedFrame is anything else (session acks, other methods, garbage).
type UnrecognizedFrame struct {
	Method string
	Reason string
}

func (QuoteFrame) isFrame()        {}
func (HeartbeatFrame) isFrame()    {}
func (UnrecognizedFrame) isFrame() {}

type qsdBody struct {
	N string `json:"n"`
	S string `json:"s"`
	V struct {
		Volume *float64     `json:"volume"`
		LP     *float64     `json:"lp"`
		CHP    *float64     `json:"chp"`
		CH     *float64     `json:"ch"`
		LPTime *json.Number `json:"lp_time"`
	} `json:"v"`
}

// Decode classifies one payload produced by Split.
func Decode(payload string) Frame {
	if strings.Contains(payload, heartbeatMarker) {
		return HeartbeatFrame{Raw: wrap(payload)}
	}
	var env struct {
		M string            `json:"m"`
		P []json.RawMessage `json:"p"`
	}
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return UnrecognizedFrame{Reason: "not json"}
	}
	if env.M != methodQuoteData {
		return UnrecognizedFrame{Method: env.M}
	}
	if len(env.P) < 2 {
		return UnrecognizedFrame{Method: env.M, Reason: "short params"}
	}
	var body qsdBody
	if err := json.Unmarshal(env.P[1], &body); err != nil || body.N == "" {
		return UnrecognizedFrame{Method: env.M, Reason: "bad quote body"}
	}
	var session string
	_ = json.Unmarshal(env.P[0], &session)
	qf := QuoteFrame{
		Session:       session,
		Symbol:        body.N,
		Status:        body.S,
		Price:         body.V.LP,
		Change:        body.V.CH,
		ChangePercent: body.V.CHP,
		Volume:        body.V.Volume,
	}
	if body.V.LPTime != nil {
		if v, err := body.V.LPTime.Int64(); err == nil {
			qf.EventTime = &v
		} else if f, err := body.V.LPTime.Float64(); err == nil {
			v := int64(f)
			qf.EventTime = &v
		}
	}
	return qf
}

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// randomToken returns n lowercase alphanumerics.
func randomToken(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = tokenAlphabet[rand.Intn(len(tokenAlphabet))]
	}
	return string(b)
}

// batches cuts symbols into groups of at most size.
func batches(symbols []string, size int) [][]string {
	if size <= 0 {
		size = len(symbols)
	}
	var out [][]string
	for i := 0; i < len(symbols); i += size {
		j := i + size
		if j > len(symbols) {
			j = len(symbols)
		}
		out = append(out, symbols[i:j])
	}
	return out
}

func toParams(first string, rest []string) []any {
	p := make([]any, 0, len(rest)+1)
	p = append(p, first)
	for _, s := range rest {
		p = append(p, s)
	}
	return p
}
