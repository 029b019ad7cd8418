package tradingview

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_Framing(t *testing.T) {
	got, err := Encode("set_auth_token", "unauthorized_user_token")
	require.NoError(t, err)
	payload := `{"m":"set_auth_token","p":["unauthorized_user_token"]}`
	assert.Equal(t, "~m~"+strconv.Itoa(len(payload))+"~m~"+payload, got)

	empty, err := Encode("ping")
	require.NoError(t, err)
	assert.Equal(t, `~m~19~m~{"m":"ping","p":[]}`, empty)
}

func TestSplit_Concatenated(t *testing.T) {
	a, _ := Encode("qsd", "qs_a", map[string]any{"n": "AAPL"})
	b, _ := Encode("quote_completed", "qs_a", "AAPL")
	parts := Split(a + "~m~4~m~~h~12" + b)
	require.Len(t, parts, 3)
	assert.Equal(t, "~h~12", parts[1])
	assert.Contains(t, parts[0], `"AAPL"`)
	assert.Contains(t, parts[2], "quote_completed")
}

func TestSplit_Resync(t *testing.T) {
	good, _ := Encode("qsd", "qs_a", map[string]any{"n": "MSFT"})
	// oversized length: segment runs to the next marker, the rest is kept
	parts := Split("~m~999~m~{broken" + good)
	require.Len(t, parts, 2)
	assert.Equal(t, "{broken", parts[0])
	assert.Contains(t, parts[1], "MSFT")

	parts = Split("junk" + good)
	require.Len(t, parts, 1)
	assert.Empty(t, Split(""))
	assert.Empty(t, Split("~m~12"))
}

func TestDecode_Variants(t *testing.T) {
	hb := Decode("~h~7")
	require.IsType(t, HeartbeatFrame{}, hb)
	assert.Equal(t, "~m~4~m~~h~7", hb.(HeartbeatFrame).Raw)

	assert.IsType(t, UnrecognizedFrame{}, Decode("{not json"))
	assert.Equal(t, UnrecognizedFrame{Method: "quote_completed"}, Decode(`{"m":"quote_completed","p":["qs_x","AAPL"]}`))
	assert.IsType(t, UnrecognizedFrame{}, Decode(`{"m":"qsd","p":["qs_x"]}`))
	assert.IsType(t, UnrecognizedFrame{}, Decode(`{"m":"qsd","p":["qs_x",{"v":{"lp":1}}]}`))

	f := Decode(`{"m":"qsd","p":["qs_x",{"n":"NASDAQ:AAPL","s":"ok","v":{"lp":182.45,"ch":1.2,"lp_time":1717000000,"foo":"bar"}}]}`)
	q, ok := f.(QuoteFrame)
	require.True(t, ok)
	assert.Equal(t, "qs_x", q.Session)
	assert.Equal(t, "NASDAQ:AAPL", q.Symbol)
	require.NotNil(t, q.Price)
	assert.Equal(t, 182.45, *q.Price)
	require.NotNil(t, q.Change)
	assert.Equal(t, 1.2, *q.Change)
	assert.Nil(t, q.ChangePercent)
	assert.Nil(t, q.Volume)
	require.NotNil(t, q.EventTime)
	assert.Equal(t, int64(1717000000), *q.EventTime)
}

func TestBatches(t *testing.T) {
	syms := make([]string, 120)
	for i := range syms {
		syms[i] = "S" + strconv.Itoa(i)
	}
	b := batches(syms, 50)
	require.Len(t, b, 3)
	assert.Len(t, b[0], 50)
	assert.Len(t, b[1], 50)
	assert.Len(t, b[2], 20)

	assert.Len(t, batches(syms[:50], 50), 1)
	assert.Empty(t, batches(nil, 50))
}

func TestRandomToken(t *testing.T) {
	tok := randomToken(12)
	assert.Regexp(t, `^[a-z0-9]{12}$`, tok)
	assert.NotEqual(t, tok, randomToken(12))
}
