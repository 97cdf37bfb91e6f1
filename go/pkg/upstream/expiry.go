package upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"marketdata-engine/go/pkg/shared"
)

// ExpirySource answers expiry lookups from locally held instrument data.
type ExpirySource interface {
	Expiries(ctx context.Context, symbol, exchange, from string) ([]string, error)
}

// ExpiryFetcher is the REST side of an expiry lookup.
type ExpiryFetcher interface {
	ExpiryList(ctx context.Context, securityID int, segment string) ([]string, error)
}

// Underlying identifies an option underlying both for REST (security id and
// segment) and for the instrument master (symbol and exchange).
type Underlying struct {
	SecurityID int
	Segment    string
	Symbol     string
	Exchange   string
}

// ExpiryService prefers the REST expiry list and falls back to local
// instrument data whenever the REST call fails for a reason other than the
// caller giving up.
type ExpiryService struct {
	rest      ExpiryFetcher
	fallbacks []ExpirySource
	log       shared.Logger
	now       func() time.Time
}

func NewExpiryService(rest ExpiryFetcher, log shared.Logger, fallbacks ...ExpirySource) *ExpiryService {
	return &ExpiryService{rest: rest, fallbacks: fallbacks, log: log, now: time.Now}
}

// Expiries returns upcoming expiries ascending. The REST answer is trimmed
// to today onwards so both paths agree.
func (s *ExpiryService) Expiries(ctx context.Context, u Underlying) ([]string, error) {
	today := s.now().Format("2006-01-02")
	var restErr error
	if s.rest != nil && u.SecurityID > 0 {
		list, err := s.rest.ExpiryList(ctx, u.SecurityID, u.Segment)
		if err == nil {
			return upcoming(list, today), nil
		}
		if !fallbackWorthy(err) {
			return nil, err
		}
		restErr = err
		s.log.Warnf("[expiry] %s via REST failed, using instrument master: %v", u.Symbol, err)
	}
	for _, src := range s.fallbacks {
		list, err := src.Expiries(ctx, strings.ToUpper(u.Symbol), u.Exchange, today)
		if err != nil {
			s.log.Warnf("[expiry] %s fallback failed: %v", u.Symbol, err)
			continue
		}
		if len(list) > 0 {
			return list, nil
		}
	}
	if restErr != nil {
		return nil, restErr
	}
	return nil, fmt.Errorf("no expiries known for %s", u.Symbol)
}

func fallbackWorthy(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

func upcoming(list []string, today string) []string {
	out := make([]string, 0, len(list))
	for _, e := range list {
		if e >= today {
			out = append(out, e)
		}
	}
	return out
}
