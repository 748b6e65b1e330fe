package tokens

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/mbd888/fiatbridge/internal/apperr"
	"github.com/mbd888/fiatbridge/internal/money"
)

// Pair is a directed conversion, FROM -> TO.
type Pair struct {
	From Token
	To   Token
}

func (p Pair) String() string { return string(p.From) + "/" + string(p.To) }

// Rates is an immutable rate snapshot. One unit of From equals Rate units of To.
type Rates struct {
	pairs map[Pair]decimal.Decimal
}

// DefaultRates returns the built-in table.
func DefaultRates() *Rates {
	r, _ := NewRates(map[string]string{
		"USDT/NT": "1500",
		"USDT/CT": "600",
	})
	return r
}

// NewRates builds a snapshot from "FROM/TO" -> rate strings.
func NewRates(raw map[string]string) (*Rates, error) {
	pairs := make(map[Pair]decimal.Decimal, len(raw))
	for k, v := range raw {
		from, to, ok := strings.Cut(k, "/")
		if !ok {
			return nil, fmt.Errorf("rate key %q: want FROM/TO", k)
		}
		ft, err := Parse(from)
		if err != nil {
			return nil, fmt.Errorf("rate key %q: %w", k, err)
		}
		tt, err := Parse(to)
		if err != nil {
			return nil, fmt.Errorf("rate key %q: %w", k, err)
		}
		if ft == tt {
			return nil, fmt.Errorf("rate key %q: same token on both sides", k)
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil || !rate.IsPositive() {
			return nil, fmt.Errorf("rate %q: must be a positive number", k)
		}
		pairs[Pair{From: ft, To: tt}] = rate
	}
	return &Rates{pairs: pairs}, nil
}

// Rate returns the multiplier converting one unit of from into to. Missing
// direct pairs use the inverse pair, then cross through USDT.
func (r *Rates) Rate(from, to Token) (decimal.Decimal, error) {
	num, den, err := r.ratio(from, to)
	if err != nil {
		return decimal.Zero, err
	}
	return num.Div(den), nil
}

// ratio returns the conversion as num/den so inverse pairs divide exactly
// instead of multiplying by a rounded reciprocal.
func (r *Rates) ratio(from, to Token) (num, den decimal.Decimal, err error) {
	one := decimal.NewFromInt(1)
	if !from.Valid() || !to.Valid() {
		return one, one, apperr.Validation("unknown token pair %s/%s", from, to)
	}
	if from == to {
		return one, one, nil
	}
	if n, d, ok := r.direct(from, to); ok {
		return n, d, nil
	}
	if from != USDT && to != USDT {
		n1, d1, okA := r.direct(from, USDT)
		n2, d2, okB := r.direct(USDT, to)
		if okA && okB {
			return n1.Mul(n2), d1.Mul(d2), nil
		}
	}
	return one, one, apperr.Validation("no exchange rate for %s/%s", from, to)
}

func (r *Rates) direct(from, to Token) (num, den decimal.Decimal, ok bool) {
	one := decimal.NewFromInt(1)
	if rate, ok := r.pairs[Pair{From: from, To: to}]; ok {
		return rate, one, true
	}
	if inv, ok := r.pairs[Pair{From: to, To: from}]; ok {
		return one, inv, true
	}
	return one, one, false
}

// Convert converts amount of from into to, truncated to 6 places.
func (r *Rates) Convert(amount decimal.Decimal, from, to Token) (decimal.Decimal, error) {
	num, den, err := r.ratio(from, to)
	if err != nil {
		return decimal.Zero, err
	}
	return money.Truncate(amount.Mul(num).Div(den)), nil
}

// ToUSDT normalizes amount of token t into USDT.
func (r *Rates) ToUSDT(amount decimal.Decimal, t Token) (decimal.Decimal, error) {
	return r.Convert(amount, t, USDT)
}

// Validate checks that every token can be normalized to USDT.
func (r *Rates) Validate() error {
	for _, t := range All {
		if _, err := r.Rate(t, USDT); err != nil {
			return err
		}
	}
	return nil
}

type ratesFile struct {
	Rates map[string]string `yaml:"rates"`
}

// LoadRates reads a YAML rate file:
//
//	rates:
//	  USDT/NT: "1500"
//	  USDT/CT: "600"
func LoadRates(path string) (*Rates, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rates file: %w", err)
	}
	var f ratesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rates file: %w", err)
	}
	r, err := NewRates(f.Rates)
	if err != nil {
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Table hands out rate snapshots. Operations take one snapshot up front so
// all math inside a transaction uses the same rates.
type Table struct {
	cur atomic.Pointer[Rates]
}

// NewTable returns a table serving r.
func NewTable(r *Rates) *Table {
	t := &Table{}
	t.cur.Store(r)
	return t
}

// Snapshot returns the current rates.
func (t *Table) Snapshot() *Rates { return t.cur.Load() }

// Replace swaps in a new snapshot. In-flight operations keep the old one.
func (t *Table) Replace(r *Rates) { t.cur.Store(r) }
