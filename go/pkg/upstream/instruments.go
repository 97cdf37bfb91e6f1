package upstream

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	"marketdata-engine/go/pkg/shared"
)

// Instrument is one row of the instrument master.
type Instrument struct {
	Token          string
	Exchange       string
	Segment        string
	Tradingsymbol  string
	Name           string // underlying for derivatives
	Expiry         string // YYYY-MM-DD, empty for cash and index
	Strike         float64
	InstrumentType string // EQ, FUT, CE, PE
	LotSize        int
	TickSize       float64
	Permanent      bool
	// Underlying is the chain an index or stock prices, e.g. NIFTY for
	// "NIFTY 50". Only set from the instruments file.
	Underlying string
}

func (i Instrument) IsIndex() bool {
	return strings.EqualFold(i.Segment, "INDICES") || strings.EqualFold(i.InstrumentType, "INDEX")
}

func (i Instrument) OptionType() string {
	switch strings.ToUpper(i.InstrumentType) {
	case "CE", "PE":
		return strings.ToUpper(i.InstrumentType)
	}
	return ""
}

// Symbol is the key the caches file the instrument under: the underlying
// name for derivatives, the trading symbol otherwise.
func (i Instrument) Symbol() string {
	if i.Expiry != "" && i.Name != "" {
		return strings.ToUpper(i.Name)
	}
	return strings.ToUpper(i.Tradingsymbol)
}

// Meta carries the identity fields ticks do not repeat.
func (i Instrument) Meta() map[string]string {
	m := map[string]string{"tradingsymbol": i.Tradingsymbol}
	if i.InstrumentType != "" {
		m["instrument_type"] = strings.ToUpper(i.InstrumentType)
	}
	if ot := i.OptionType(); ot != "" {
		m["option_type"] = ot
		m["strike"] = strconv.FormatFloat(i.Strike, 'f', -1, 64)
	}
	if i.IsIndex() {
		m["is_index"] = "true"
	}
	if i.Underlying != "" {
		m["underlying"] = i.Underlying
	}
	if i.LotSize > 0 {
		m["lot_size"] = strconv.Itoa(i.LotSize)
	}
	if i.TickSize > 0 {
		m["tick_size"] = strconv.FormatFloat(i.TickSize, 'f', -1, 64)
	}
	return m
}

// Source loads a full instrument list.
type Source interface {
	Load(ctx context.Context) ([]Instrument, error)
}

// Master is the in-memory instrument index.
type Master struct {
	mu      sync.RWMutex
	byToken map[string]Instrument
}

func NewMaster() *Master {
	return &Master{byToken: make(map[string]Instrument)}
}

// Replace swaps in a fresh instrument list and returns its size.
func (m *Master) Replace(list []Instrument) int {
	idx := make(map[string]Instrument, len(list))
	for _, in := range list {
		if in.Token != "" {
			idx[in.Token] = in
		}
	}
	m.mu.Lock()
	m.byToken = idx
	m.mu.Unlock()
	return len(idx)
}

func (m *Master) Get(token string) (Instrument, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.byToken[token]
	return in, ok
}

func (m *Master) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byToken)
}

// Permanent lists rows flagged for the always-on tier, ordered by token.
func (m *Master) Permanent() []Instrument {
	return m.filter(func(in Instrument) bool { return in.Permanent })
}

// Options lists the option contracts of underlying/expiry, ordered by token.
func (m *Master) Options(underlying, expiry string) []Instrument {
	underlying = strings.ToUpper(underlying)
	return m.filter(func(in Instrument) bool {
		return in.OptionType() != "" && in.Expiry == expiry && strings.EqualFold(in.Name, underlying)
	})
}

// Expiries lists option expiries of symbol on exchange on or after from.
func (m *Master) Expiries(_ context.Context, symbol, exchange, from string) ([]string, error) {
	seen := map[string]struct{}{}
	for _, in := range m.filter(func(in Instrument) bool {
		return in.OptionType() != "" && in.Expiry >= from &&
			strings.EqualFold(in.Name, symbol) &&
			(exchange == "" || strings.EqualFold(in.Exchange, exchange))
	}) {
		seen[in.Expiry] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for e := range seen {
		out = append(out, e)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Master) filter(keep func(Instrument) bool) []Instrument {
	m.mu.RLock()
	out := make([]Instrument, 0)
	for _, in := range m.byToken {
		if keep(in) {
			out = append(out, in)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}

// CSVSource reads a Kite-format instrument dump. Optional "permanent" and
// "underlying" columns mark rows for the always-on tier and name the chain
// an index prices.
type CSVSource struct {
	Path string
}

func (c CSVSource) Load(_ context.Context) ([]Instrument, error) {
	f, err := os.Open(c.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseInstrumentsCSV(f)
}

// ParseInstrumentsCSV requires instrument_token and tradingsymbol columns;
// the rest are optional. Rows with an unusable token are skipped.
func ParseInstrumentsCSV(r io.Reader) ([]Instrument, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.New("instruments csv empty")
	}
	col := map[string]int{}
	for i, h := range rows[0] {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := col["instrument_token"]; !ok {
		return nil, errors.New("instrument_token column required")
	}
	if _, ok := col["tradingsymbol"]; !ok {
		return nil, errors.New("tradingsymbol column required")
	}
	cell := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	out := make([]Instrument, 0, len(rows)-1)
	for _, row := range rows[1:] {
		tok := cell(row, "instrument_token")
		if _, err := strconv.ParseUint(tok, 10, 64); err != nil {
			continue
		}
		in := Instrument{
			Token:          tok,
			Exchange:       strings.ToUpper(cell(row, "exchange")),
			Segment:        cell(row, "segment"),
			Tradingsymbol:  strings.ToUpper(cell(row, "tradingsymbol")),
			Name:           strings.ToUpper(strings.Trim(cell(row, "name"), `"`)),
			Expiry:         cell(row, "expiry"),
			InstrumentType: strings.ToUpper(cell(row, "instrument_type")),
		}
		in.Strike, _ = strconv.ParseFloat(cell(row, "strike"), 64)
		in.TickSize, _ = strconv.ParseFloat(cell(row, "tick_size"), 64)
		if lot, err := strconv.ParseFloat(cell(row, "lot_size"), 64); err == nil {
			in.LotSize = int(lot)
		}
		in.Permanent, _ = strconv.ParseBool(cell(row, "permanent"))
		in.Underlying = strings.ToUpper(cell(row, "underlying"))
		out = append(out, in)
	}
	return out, nil
}

// KiteSource pulls the instrument master from the Kite REST API.
type KiteSource struct {
	client    *kiteconnect.Client
	exchanges []string
}

func NewKiteSource(apiKey, accessToken string, exchanges []string) *KiteSource {
	c := kiteconnect.New(apiKey)
	c.SetAccessToken(accessToken)
	return &KiteSource{client: c, exchanges: exchanges}
}

func (k *KiteSource) Load(ctx context.Context) ([]Instrument, error) {
	var out []Instrument
	for _, ex := range k.exchanges {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		list, err := k.client.GetInstrumentsByExchange(ex)
		if err != nil {
			return nil, fmt.Errorf("instruments %s: %w", ex, err)
		}
		for _, in := range list {
			row := Instrument{
				Token:          strconv.FormatInt(int64(in.InstrumentToken), 10),
				Exchange:       strings.ToUpper(in.Exchange),
				Segment:        in.Segment,
				Tradingsymbol:  strings.ToUpper(in.Tradingsymbol),
				Name:           strings.ToUpper(in.Name),
				Strike:         float64(in.StrikePrice),
				InstrumentType: strings.ToUpper(in.InstrumentType),
				LotSize:        int(in.LotSize),
				TickSize:       float64(in.TickSize),
			}
			if !in.Expiry.Time.IsZero() {
				row.Expiry = in.Expiry.Time.Format("2006-01-02")
			}
			out = append(out, row)
		}
	}
	return out, nil
}

const instrumentsDDL = `
CREATE TABLE IF NOT EXISTS instruments (
  token           TEXT PRIMARY KEY,
  exchange        TEXT NOT NULL,
  segment         TEXT NOT NULL DEFAULT '',
  tradingsymbol   TEXT NOT NULL,
  name            TEXT NOT NULL DEFAULT '',
  expiry          DATE,
  strike          DOUBLE PRECISION NOT NULL DEFAULT 0,
  instrument_type TEXT NOT NULL DEFAULT '',
  lot_size        INTEGER NOT NULL DEFAULT 0,
  tick_size       DOUBLE PRECISION NOT NULL DEFAULT 0,
  permanent       BOOLEAN NOT NULL DEFAULT FALSE
)`

const upsertInstrumentSQL = `
INSERT INTO instruments(token, exchange, segment, tradingsymbol, name, expiry, strike, instrument_type, lot_size, tick_size, permanent)
VALUES ($1,$2,$3,$4,$5,NULLIF($6,'')::date,$7,$8,$9,$10,$11)
ON CONFLICT(token) DO UPDATE
SET exchange=EXCLUDED.exchange,
    segment=EXCLUDED.segment,
    tradingsymbol=EXCLUDED.tradingsymbol,
    name=EXCLUDED.name,
    expiry=EXCLUDED.expiry,
    strike=EXCLUDED.strike,
    instrument_type=EXCLUDED.instrument_type,
    lot_size=EXCLUDED.lot_size,
    tick_size=EXCLUDED.tick_size,
    permanent=instruments.permanent OR EXCLUDED.permanent`

const selectExpiriesSQL = `
SELECT DISTINCT to_char(expiry, 'YYYY-MM-DD')
FROM instruments
WHERE upper(name) = upper($1)
  AND ($2 = '' OR exchange = upper($2))
  AND instrument_type IN ('CE','PE')
  AND expiry >= $3::date
ORDER BY 1`

const selectInstrumentsSQL = `
SELECT token, exchange, segment, tradingsymbol, name, coalesce(to_char(expiry, 'YYYY-MM-DD'), ''),
       strike, instrument_type, lot_size, tick_size, permanent
FROM instruments`

// PGStore persists the instrument master so expiry lookups survive a REST
// outage across restarts.
type PGStore struct {
	db shared.DB
}

func NewPGStore(db shared.DB) *PGStore { return &PGStore{db: db} }

func (s *PGStore) EnsureSchema(ctx context.Context) error {
	return s.db.Exec(ctx, instrumentsDDL)
}

// Upsert writes list in one batch. A row once marked permanent stays so.
func (s *PGStore) Upsert(ctx context.Context, list []Instrument) (int, error) {
	if len(list) == 0 {
		return 0, nil
	}
	b := &pgx.Batch{}
	for _, in := range list {
		b.Queue(upsertInstrumentSQL,
			in.Token, in.Exchange, in.Segment, in.Tradingsymbol, in.Name, in.Expiry,
			in.Strike, in.InstrumentType, in.LotSize, in.TickSize, in.Permanent)
	}
	if err := s.db.SendBatch(ctx, b); err != nil {
		return 0, fmt.Errorf("upsert instruments: %w", err)
	}
	return len(list), nil
}

func (s *PGStore) Expiries(ctx context.Context, symbol, exchange, from string) ([]string, error) {
	rows, err := s.db.Query(ctx, selectExpiriesSQL, symbol, exchange, from)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PGStore) Load(ctx context.Context) ([]Instrument, error) {
	rows, err := s.db.Query(ctx, selectInstrumentsSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Instrument
	for rows.Next() {
		var in Instrument
		if err := rows.Scan(&in.Token, &in.Exchange, &in.Segment, &in.Tradingsymbol, &in.Name, &in.Expiry,
			&in.Strike, &in.InstrumentType, &in.LotSize, &in.TickSize, &in.Permanent); err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}
