package floor

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// nativeNumber accepts only a bare positive JSON number. Strings, nulls and
// nested values are treated as absent.
func nativeNumber(raw json.RawMessage) (decimal.Decimal, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return decimal.Zero, false
	}
	if c := raw[0]; c != '-' && (c < '0' || c > '9') {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(string(raw))
	if err != nil || !d.IsPositive() {
		return decimal.Zero, false
	}
	return d, true
}

type priceValue struct {
	Native json.RawMessage `json:"native"`
}

type floorAsk struct {
	Price priceValue `json:"price"`
	Value priceValue `json:"value"`
}

type statsResponse struct {
	Stats struct {
		Market struct {
			FloorAsk floorAsk `json:"floorAsk"`
		} `json:"market"`
		FloorAsk floorAsk   `json:"floorAsk"`
		Floor    priceValue `json:"floor"`
	} `json:"stats"`
}

// floor returns the first usable value among the known field locations.
func (s statsResponse) floor() (decimal.Decimal, bool) {
	for _, raw := range []json.RawMessage{
		s.Stats.Market.FloorAsk.Value.Native,
		s.Stats.FloorAsk.Value.Native,
		s.Stats.Floor.Native,
	} {
		if d, ok := nativeNumber(raw); ok {
			return d, true
		}
	}
	return decimal.Zero, false
}

type tokenRecord struct {
	Market struct {
		FloorAsk floorAsk `json:"floorAsk"`
	} `json:"market"`
}

func (r tokenRecord) floor() (decimal.Decimal, bool) {
	if d, ok := nativeNumber(r.Market.FloorAsk.Price.Native); ok {
		return d, true
	}
	return nativeNumber(r.Market.FloorAsk.Value.Native)
}

type listingsShape int

const (
	shapeEmpty listingsShape = iota
	shapeList
	shapeNumberMap
	shapeRecordMap
)

func (s listingsShape) String() string {
	switch s {
	case shapeList:
		return "list"
	case shapeNumberMap:
		return "number-map"
	case shapeRecordMap:
		return "record-map"
	default:
		return "empty"
	}
}

// listings is the "tokens" field of the floor listings endpoint. The payload
// is classified once on decode; floors() dispatches on the shape.
type listings struct {
	shape   listingsShape
	list    []tokenRecord
	numbers map[string]json.RawMessage
	records map[string]tokenRecord
}

func (l *listings) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	*l = listings{}
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	switch b[0] {
	case '[':
		var raw []json.RawMessage
		if err := json.Unmarshal(b, &raw); err != nil {
			return fmt.Errorf("listings list: %w", err)
		}
		l.list = make([]tokenRecord, 0, len(raw))
		for _, v := range raw {
			var rec tokenRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			l.list = append(l.list, rec)
		}
		l.shape = shapeList
		return nil
	case '{':
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(b, &raw); err != nil {
			return fmt.Errorf("listings map: %w", err)
		}
		if len(raw) == 0 {
			return nil
		}
		allNumbers := true
		for _, v := range raw {
			if _, ok := nativeNumber(v); !ok {
				allNumbers = false
				break
			}
		}
		if allNumbers {
			l.shape = shapeNumberMap
			l.numbers = raw
			return nil
		}
		l.records = make(map[string]tokenRecord, len(raw))
		for k, v := range raw {
			var rec tokenRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				// Non-record values in a record map carry no floor.
				continue
			}
			l.records[k] = rec
		}
		l.shape = shapeRecordMap
		return nil
	default:
		return nil
	}
}

func (l listings) floors() []decimal.Decimal {
	var out []decimal.Decimal
	switch l.shape {
	case shapeList:
		for _, rec := range l.list {
			if d, ok := rec.floor(); ok {
				out = append(out, d)
			}
		}
	case shapeNumberMap:
		for _, raw := range l.numbers {
			if d, ok := nativeNumber(raw); ok {
				out = append(out, d)
			}
		}
	case shapeRecordMap:
		for _, rec := range l.records {
			if d, ok := rec.floor(); ok {
				out = append(out, d)
			}
		}
	}
	return out
}

func (l listings) min() (decimal.Decimal, bool) {
	vals := l.floors()
	if len(vals) == 0 {
		return decimal.Zero, false
	}
	return decimal.Min(vals[0], vals[1:]...), true
}

type listingsResponse struct {
	Tokens listings `json:"tokens"`
}
