package feed

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	kitemodels "github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"

	"marketdata-engine/go/pkg/shared"
)

const kiteChunk = 200

// KiteSession streams full-mode ticks from the Kite websocket. Auto
// reconnect is off; the engine's reconnect manager owns retries.
type KiteSession struct {
	base
	slot        int
	apiKey      string
	accessToken string
	timeout     time.Duration
	log         shared.Logger

	connMu sync.Mutex
	ticker *kiteticker.Ticker
	live   bool
	cancel context.CancelFunc
	stop   chan struct{}
}

func NewKiteSession(slot int, apiKey, accessToken string, timeout time.Duration, log shared.Logger) *KiteSession {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &KiteSession{
		base:        newBase(defaultEventBuffer),
		slot:        slot,
		apiKey:      apiKey,
		accessToken: accessToken,
		timeout:     timeout,
		log:         log,
	}
}

func (k *KiteSession) Connect(ctx context.Context) error {
	k.connMu.Lock()
	if k.ticker != nil {
		k.connMu.Unlock()
		return nil
	}
	t := kiteticker.New(k.apiKey, k.accessToken)
	t.SetAutoReconnect(false)
	t.SetConnectTimeout(k.timeout)

	cctx, cancel := context.WithCancel(ctx)
	stop := make(chan struct{})
	ready := make(chan error, 1)
	var once sync.Once
	settle := func(err error) { once.Do(func() { ready <- err }) }

	t.OnConnect(func() {
		k.connMu.Lock()
		if k.ticker == t {
			k.live = true
		}
		k.connMu.Unlock()
		tokens := k.desired()
		k.log.Printf("[ws] slot=%d connected; subscribing %d tokens", k.slot, len(tokens))
		k.subscribe(t, tokens)
		settle(nil)
	})
	t.OnError(func(err error) {
		k.log.Warnf("[ws] slot=%d error: %v", k.slot, err)
		settle(err)
	})
	t.OnClose(func(code int, reason string) {
		k.log.Printf("[ws] slot=%d closed %d %s", k.slot, code, reason)
	})
	t.OnTick(func(tk kitemodels.Tick) {
		k.emit(Event{Kind: EventTick, Tick: fromKite(tk, k.slot)})
	})

	k.ticker, k.cancel, k.stop, k.live = t, cancel, stop, false
	k.connMu.Unlock()

	go func() {
		t.ServeWithContext(cctx)
		settle(errors.New("stream ended before connect"))
		k.connMu.Lock()
		wasLive := k.ticker == t && k.live
		if k.ticker == t {
			k.ticker, k.live = nil, false
			k.cancel()
		}
		k.connMu.Unlock()
		if wasLive {
			select {
			case <-stop:
			default:
				k.emitDisconnect(stop, fmt.Errorf("slot %d: kite stream closed: %w", k.slot, shared.ErrConnectionFailed))
			}
		}
	}()

	select {
	case err := <-ready:
		if err != nil {
			_ = k.Disconnect()
			return fmt.Errorf("slot %d: %v: %w", k.slot, err, shared.ErrConnectionFailed)
		}
		return nil
	case <-ctx.Done():
		_ = k.Disconnect()
		return ctx.Err()
	}
}

func (k *KiteSession) Disconnect() error {
	k.connMu.Lock()
	t, cancel, stop := k.ticker, k.cancel, k.stop
	k.ticker, k.live = nil, false
	k.connMu.Unlock()
	if t == nil {
		return nil
	}
	close(stop)
	cancel()
	t.Stop()
	return nil
}

func (k *KiteSession) liveTicker() *kiteticker.Ticker {
	k.connMu.Lock()
	defer k.connMu.Unlock()
	if !k.live {
		return nil
	}
	return k.ticker
}

func (k *KiteSession) AddInstrument(token string) error {
	tok, err := parseKiteToken(token)
	if err != nil {
		return err
	}
	if !k.track(token) {
		return nil
	}
	if t := k.liveTicker(); t != nil {
		if err := t.Subscribe([]uint32{tok}); err != nil {
			return fmt.Errorf("subscribe %s: %w", token, err)
		}
		if err := t.SetMode(kiteticker.ModeFull, []uint32{tok}); err != nil {
			return fmt.Errorf("set mode %s: %w", token, err)
		}
	}
	return nil
}

func (k *KiteSession) RemoveInstrument(token string) error {
	tok, err := parseKiteToken(token)
	if err != nil {
		return err
	}
	if !k.untrack(token) {
		return nil
	}
	if t := k.liveTicker(); t != nil {
		if err := t.Unsubscribe([]uint32{tok}); err != nil {
			return fmt.Errorf("unsubscribe %s: %w", token, err)
		}
	}
	return nil
}

func (k *KiteSession) subscribe(t *kiteticker.Ticker, tokens []string) {
	ids := make([]uint32, 0, len(tokens))
	for _, s := range tokens {
		if tok, err := parseKiteToken(s); err == nil {
			ids = append(ids, tok)
		}
	}
	for _, chunk := range chunkTokens(ids, kiteChunk) {
		if err := t.Subscribe(chunk); err != nil {
			k.log.Warnf("[ws] slot=%d subscribe chunk failed: %v", k.slot, err)
		}
		if err := t.SetMode(kiteticker.ModeFull, chunk); err != nil {
			k.log.Warnf("[ws] slot=%d set mode failed: %v", k.slot, err)
		}
	}
}

func parseKiteToken(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("kite token %q: %w", s, err)
	}
	return uint32(v), nil
}

func chunkTokens(tokens []uint32, size int) [][]uint32 {
	if size <= 0 {
		size = kiteChunk
	}
	out := [][]uint32{}
	for i := 0; i < len(tokens); i += size {
		out = append(out, tokens[i:min(i+size, len(tokens))])
	}
	return out
}

// fromKite carries price fields only; identity comes from the registry.
func fromKite(tk kitemodels.Tick, slot int) shared.Tick {
	ts := tk.Timestamp.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	out := shared.Tick{
		Token:   strconv.FormatUint(uint64(tk.InstrumentToken), 10),
		IsIndex: tk.IsIndex,
		EventTS: ts.UnixNano(),
		Slot:    slot,
	}
	// a zero price means the field was not sent, not that the price is zero
	if tk.LastPrice > 0 {
		out.LTP = shared.F(tk.LastPrice)
	}
	if tk.VolumeTraded > 0 {
		out.Volume = shared.I(int64(tk.VolumeTraded))
	}
	if tk.OI > 0 {
		out.OI = shared.I(int64(tk.OI))
	}
	if p := tk.Depth.Buy[0].Price; p > 0 {
		out.Bid = shared.F(p)
	}
	if p := tk.Depth.Sell[0].Price; p > 0 {
		out.Ask = shared.F(p)
	}
	return out
}
